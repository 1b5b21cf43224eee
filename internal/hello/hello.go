// Package hello builds the canonical program: an exported entry function
// that passes a local string to puts and returns a fixed exit code.
package hello

import (
	"fmt"
	"io"

	"golang.org/x/text/unicode/norm"

	"objforge/internal/frontend"
	"objforge/internal/ir"
	"objforge/internal/module"
)

const (
	DefaultMessage   = "Hello, World!"
	DefaultExitCode  = 42
	DefaultEntryName = "main"

	// StringSymbol names the message data object.
	StringSymbol = ".str"
)

// Options adjusts the generated program. Zero fields take the defaults.
type Options struct {
	Message   string
	ExitCode  int64
	EntryName string
	// KeepZeroExit makes an ExitCode of 0 mean zero instead of the default.
	KeepZeroExit bool
	// DumpIR, when set, receives the entry function's IR before it is
	// compiled.
	DumpIR io.Writer
}

func (o Options) withDefaults() Options {
	if o.Message == "" {
		o.Message = DefaultMessage
	}
	if o.ExitCode == 0 && !o.KeepZeroExit {
		o.ExitCode = DefaultExitCode
	}
	if o.EntryName == "" {
		o.EntryName = DefaultEntryName
	}
	return o
}

// Payload returns the bytes stored in the message data object: the NFC form
// of msg followed by a NUL terminator.
func Payload(msg string) []byte {
	b := norm.NFC.AppendString(nil, msg)
	return append(b, 0)
}

const (
	varArgc frontend.Variable = iota
	varArgv
)

// Build declares and defines the entry function and its data in m and
// returns the entry's id. m is left ready for Finish.
func Build(m *module.Module, opts Options) (module.FuncID, error) {
	opts = opts.withDefaults()
	cfg := m.TargetConfig()
	ptr := cfg.PointerType()

	sig := ir.NewSignature(cfg.DefaultCallConv)
	sig.Params = []ir.AbiParam{ir.NewAbiParam(ptr), ir.NewAbiParam(ptr)}
	sig.Returns = []ir.AbiParam{ir.NewAbiParam(ptr)}
	entryID, err := m.DeclareFunction(opts.EntryName, module.Export, sig)
	if err != nil {
		return 0, fmt.Errorf("declare %s: %w", opts.EntryName, err)
	}

	ctx := m.MakeContext()
	defer m.ClearContext(ctx)
	ctx.Func.Name = opts.EntryName
	ctx.Func.Signature = sig.Clone()

	b := frontend.NewFunctionBuilder(ctx.Func, nil)
	entry := b.CreateBlock()
	if err := b.SwitchToBlock(entry); err != nil {
		return 0, err
	}
	// The entry block has no predecessors, so it can be sealed before its
	// parameters exist.
	b.SealBlock(entry)
	argc := b.AppendBlockParam(entry, ptr)
	argv := b.AppendBlockParam(entry, ptr)
	b.DeclareVar(varArgc, ptr)
	b.DeclareVar(varArgv, ptr)
	b.DefVar(varArgc, argc)
	b.DefVar(varArgv, argv)

	putsSig := ir.NewSignature(cfg.DefaultCallConv)
	putsSig.Params = []ir.AbiParam{ir.NewAbiParam(ptr)}
	putsID, err := m.DeclareFunction("puts", module.Import, putsSig)
	if err != nil {
		return 0, fmt.Errorf("declare puts: %w", err)
	}
	puts, err := m.DeclareFuncInFunc(putsID, ctx.Func)
	if err != nil {
		return 0, err
	}

	strID, err := m.DeclareData(StringSymbol, module.Local, false, false)
	if err != nil {
		return 0, fmt.Errorf("declare %s: %w", StringSymbol, err)
	}
	desc := module.NewDataDescription()
	desc.Define(Payload(opts.Message))
	if err := m.DefineData(strID, desc); err != nil {
		return 0, fmt.Errorf("define %s: %w", StringSymbol, err)
	}
	str, err := m.DeclareDataInFunc(strID, ctx.Func)
	if err != nil {
		return 0, err
	}

	addr := b.Ins().GlobalValue(ptr, str)
	b.Ins().Call(puts, addr)
	b.Ins().Return(b.Ins().Iconst(ptr, opts.ExitCode))

	b.SealAllBlocks()
	if err := b.Finalize(); err != nil {
		return 0, fmt.Errorf("build %s: %w", opts.EntryName, err)
	}
	if opts.DumpIR != nil {
		if err := ir.Dump(opts.DumpIR, ctx.Func); err != nil {
			return 0, err
		}
	}
	if err := m.DefineFunction(entryID, ctx); err != nil {
		return 0, fmt.Errorf("define %s: %w", opts.EntryName, err)
	}
	return entryID, nil
}
