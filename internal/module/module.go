// Package module is the symbol table of one object file under construction.
//
// A Module binds a target configuration to a backend and an object format.
// Callers declare functions and data objects, build function bodies with a
// frontend.FunctionBuilder, and hand them back for compilation. Finish
// checks that everything defined here has a body and turns the module into
// a Product, which serializes to object bytes.
//
// A Module is not safe for concurrent use.
package module

import (
	"errors"
	"fmt"
	"slices"

	"fortio.org/safecast"

	"objforge/internal/cgerr"
	"objforge/internal/frontend"
	"objforge/internal/ir"
	"objforge/internal/isa"
	"objforge/internal/mach"
	"objforge/internal/object"
	"objforge/internal/object/elf"
	"objforge/internal/target"
	"objforge/internal/trace"
)

// FuncID identifies a declared function.
type FuncID uint32

// DataID identifies a declared data object.
type DataID uint32

// ExternalName is the name compiled code uses to refer to id.
func (id FuncID) ExternalName() ir.ExternalName {
	return ir.ExternalName{Kind: ir.NameFunc, Index: uint32(id)}
}

// ExternalName is the name compiled code uses to refer to id.
func (id DataID) ExternalName() ir.ExternalName {
	return ir.ExternalName{Kind: ir.NameData, Index: uint32(id)}
}

// FunctionDecl is what is known about a function by name.
type FunctionDecl struct {
	Name      string
	Linkage   Linkage
	Signature ir.Signature
}

// DataDecl is what is known about a data object by name.
type DataDecl struct {
	Name     string
	Linkage  Linkage
	Writable bool
	TLS      bool
}

type funcEntry struct {
	decl FunctionDecl
	code *mach.CompiledCode
}

type dataEntry struct {
	decl DataDecl
	desc *DataDescription
}

// Options configure New. Zero values select the defaults.
type Options struct {
	// Name becomes the object's file symbol. Default "objforge".
	Name string
	// Backend defaults to the one registered for the target.
	Backend mach.Backend
	// Format defaults to ELF.
	Format object.Format
	Tracer trace.Tracer
	// TraceParent nests the module's spans under an existing span.
	TraceParent uint64
}

// DefaultFunctionAlign is the alignment of bodies given as raw bytes.
const DefaultFunctionAlign = 16

// Module owns every declaration of one object.
type Module struct {
	cfg     target.Config
	backend mach.Backend
	relocs  []mach.RelocKind
	format  object.Format
	name    string
	tracer  trace.Tracer
	parent  uint64

	funcs []funcEntry
	data  []dataEntry
	names map[string]ir.ExternalName
	// order lists every symbol in declaration order.
	order    []ir.ExternalName
	anon     int
	finished bool
}

// New returns an empty module for cfg.
func New(cfg target.Config, opts Options) (*Module, error) {
	if cfg.Format != target.FormatELF {
		return nil, cgerr.Symbolf(cgerr.KindUnsupportedHost, cfg.Triple, "no writer for object format %s", cfg.Format)
	}
	backend := opts.Backend
	if backend == nil {
		var err error
		if backend, err = isa.Lookup(cfg); err != nil {
			return nil, err
		}
	}
	if backend.Triple() != cfg.Triple {
		return nil, cgerr.Symbolf(cgerr.KindUnsupportedHost, cfg.Triple, "backend %s targets %s", backend.Name(), backend.Triple())
	}
	format := opts.Format
	if format == nil {
		format = elf.New()
	}
	name := opts.Name
	if name == "" {
		name = "objforge"
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = trace.Nop
	}
	return &Module{
		cfg:     cfg,
		backend: backend,
		relocs:  backend.RelocKinds(),
		format:  format,
		name:    name,
		tracer:  tracer,
		parent:  opts.TraceParent,
		names:   make(map[string]ir.ExternalName),
	}, nil
}

// TargetConfig returns the configuration the module compiles for.
func (m *Module) TargetConfig() target.Config { return m.cfg }

// BackendName names the backend compiling function bodies.
func (m *Module) BackendName() string { return m.backend.Name() }

func (m *Module) live() error {
	if m.finished {
		return cgerr.Symbolf(cgerr.KindFinished, m.name, "module was already finished")
	}
	return nil
}

func checkDecl(name string, linkage Linkage) error {
	if name == "" {
		return cgerr.New(cgerr.KindDuplicateSymbol, "empty name collides with the null symbol")
	}
	if !linkage.valid() {
		return cgerr.Symbolf(cgerr.KindLinkageMismatch, name, "invalid linkage %v", linkage)
	}
	return nil
}

func nextID(n int) (uint32, error) {
	id, err := safecast.Conv[uint32](n)
	if err != nil {
		return 0, fmt.Errorf("symbol table full: %w", err)
	}
	return id, nil
}

func (m *Module) bind(name string, ext ir.ExternalName) {
	m.names[name] = ext
	m.order = append(m.order, ext)
}

// DeclareFunction declares name, or returns the existing id when name is
// already a function with an equal signature and a compatible linkage. The
// linkages are merged in that case.
func (m *Module) DeclareFunction(name string, linkage Linkage, sig ir.Signature) (FuncID, error) {
	if err := m.live(); err != nil {
		return 0, err
	}
	if err := checkDecl(name, linkage); err != nil {
		return 0, err
	}
	if prev, ok := m.names[name]; ok {
		if prev.Kind != ir.NameFunc {
			return 0, cgerr.Symbolf(cgerr.KindDuplicateSymbol, name, "already declared as data")
		}
		e := &m.funcs[prev.Index]
		if !e.decl.Signature.Equal(sig) {
			return 0, cgerr.Symbolf(cgerr.KindDuplicateSymbol, name, "redeclared as %s, was %s", sig, e.decl.Signature)
		}
		merged, ok := mergeLinkage(e.decl.Linkage, linkage)
		if !ok {
			return 0, cgerr.Symbolf(cgerr.KindDuplicateSymbol, name, "%s declaration conflicts with %s", linkage, e.decl.Linkage)
		}
		e.decl.Linkage = merged
		return FuncID(prev.Index), nil
	}

	idx, err := nextID(len(m.funcs))
	if err != nil {
		return 0, err
	}
	id := FuncID(idx)
	m.funcs = append(m.funcs, funcEntry{decl: FunctionDecl{Name: name, Linkage: linkage, Signature: sig.Clone()}})
	m.bind(name, id.ExternalName())
	trace.Point(m.tracer, trace.ScopeModule, "declare:"+name, "func "+linkage.String(), m.parent)
	return id, nil
}

// DeclareData declares name, or returns the existing id when name is
// already a data object with the same writability and thread-locality and a
// compatible linkage.
func (m *Module) DeclareData(name string, linkage Linkage, writable, tls bool) (DataID, error) {
	if err := m.live(); err != nil {
		return 0, err
	}
	if err := checkDecl(name, linkage); err != nil {
		return 0, err
	}
	if prev, ok := m.names[name]; ok {
		if prev.Kind != ir.NameData {
			return 0, cgerr.Symbolf(cgerr.KindDuplicateSymbol, name, "already declared as a function")
		}
		e := &m.data[prev.Index]
		if e.decl.Writable != writable || e.decl.TLS != tls {
			return 0, cgerr.Symbolf(cgerr.KindDuplicateSymbol, name, "redeclared with writable=%t tls=%t, was writable=%t tls=%t",
				writable, tls, e.decl.Writable, e.decl.TLS)
		}
		merged, ok := mergeLinkage(e.decl.Linkage, linkage)
		if !ok {
			return 0, cgerr.Symbolf(cgerr.KindDuplicateSymbol, name, "%s declaration conflicts with %s", linkage, e.decl.Linkage)
		}
		e.decl.Linkage = merged
		return DataID(prev.Index), nil
	}

	idx, err := nextID(len(m.data))
	if err != nil {
		return 0, err
	}
	id := DataID(idx)
	m.data = append(m.data, dataEntry{decl: DataDecl{Name: name, Linkage: linkage, Writable: writable, TLS: tls}})
	m.bind(name, id.ExternalName())
	trace.Point(m.tracer, trace.ScopeModule, "declare:"+name, "data "+linkage.String(), m.parent)
	return id, nil
}

func (m *Module) anonName(kind string) string {
	for {
		name := fmt.Sprintf(".Lanon.%s.%d", kind, m.anon)
		m.anon++
		if _, taken := m.names[name]; !taken {
			return name
		}
	}
}

// DeclareAnonymousFunction declares a local function under a generated name.
func (m *Module) DeclareAnonymousFunction(sig ir.Signature) (FuncID, error) {
	if err := m.live(); err != nil {
		return 0, err
	}
	return m.DeclareFunction(m.anonName("fn"), Local, sig)
}

// DeclareAnonymousData declares a local data object under a generated name.
func (m *Module) DeclareAnonymousData(writable, tls bool) (DataID, error) {
	if err := m.live(); err != nil {
		return 0, err
	}
	return m.DeclareData(m.anonName("data"), Local, writable, tls)
}

func (m *Module) funcEntry(id FuncID) (*funcEntry, error) {
	if int(id) >= len(m.funcs) {
		return nil, cgerr.Symbolf(cgerr.KindUndeclaredSymbol, id.ExternalName().String(), "no function with id %d", id)
	}
	return &m.funcs[id], nil
}

func (m *Module) dataEntry(id DataID) (*dataEntry, error) {
	if int(id) >= len(m.data) {
		return nil, cgerr.Symbolf(cgerr.KindUndeclaredSymbol, id.ExternalName().String(), "no data object with id %d", id)
	}
	return &m.data[id], nil
}

// FunctionDecl returns the declaration of id.
func (m *Module) FunctionDecl(id FuncID) (FunctionDecl, bool) {
	if int(id) >= len(m.funcs) {
		return FunctionDecl{}, false
	}
	d := m.funcs[id].decl
	d.Signature = d.Signature.Clone()
	return d, true
}

// DataDecl returns the declaration of id.
func (m *Module) DataDecl(id DataID) (DataDecl, bool) {
	if int(id) >= len(m.data) {
		return DataDecl{}, false
	}
	return m.data[id].decl, true
}

// Lookup finds a declared symbol by name.
func (m *Module) Lookup(name string) (ir.ExternalName, bool) {
	ext, ok := m.names[name]
	return ext, ok
}

// IsDefined reports whether the symbol behind ext has a body.
func (m *Module) IsDefined(ext ir.ExternalName) bool {
	switch ext.Kind {
	case ir.NameFunc:
		return int(ext.Index) < len(m.funcs) && m.funcs[ext.Index].code != nil
	case ir.NameData:
		return int(ext.Index) < len(m.data) && m.data[ext.Index].desc != nil
	default:
		return false
	}
}

func (m *Module) declared(ext ir.ExternalName) bool {
	switch ext.Kind {
	case ir.NameFunc:
		return int(ext.Index) < len(m.funcs)
	case ir.NameData:
		return int(ext.Index) < len(m.data)
	default:
		return false
	}
}

func (m *Module) symbolName(ext ir.ExternalName) string {
	switch {
	case ext.Kind == ir.NameFunc && int(ext.Index) < len(m.funcs):
		return m.funcs[ext.Index].decl.Name
	case ext.Kind == ir.NameData && int(ext.Index) < len(m.data):
		return m.data[ext.Index].decl.Name
	default:
		return ext.String()
	}
}

// MakeContext returns a context whose function uses the target's default
// calling convention.
func (m *Module) MakeContext() *frontend.Context {
	ctx := frontend.NewContext()
	ctx.Func.Signature.CallConv = m.cfg.DefaultCallConv
	return ctx
}

// ClearContext readies ctx for the next function.
func (m *Module) ClearContext(ctx *frontend.Context) {
	ctx.Clear()
	ctx.Func.Signature.CallConv = m.cfg.DefaultCallConv
}

// DeclareFuncInFunc makes id callable from fn's body.
func (m *Module) DeclareFuncInFunc(id FuncID, fn *ir.Function) (ir.FuncRef, error) {
	e, err := m.funcEntry(id)
	if err != nil {
		return 0, err
	}
	return fn.ImportFunction(ir.ExtFuncData{
		Name:      id.ExternalName(),
		Signature: e.decl.Signature.Clone(),
		Colocated: e.decl.Linkage.IsFinal(),
	}), nil
}

// DeclareDataInFunc makes id's address available to fn's body.
func (m *Module) DeclareDataInFunc(id DataID, fn *ir.Function) (ir.GlobalValue, error) {
	e, err := m.dataEntry(id)
	if err != nil {
		return 0, err
	}
	return fn.CreateGlobalValue(ir.GlobalValueData{
		Name:        id.ExternalName(),
		Colocated:   e.decl.Linkage.IsFinal(),
		ThreadLocal: e.decl.TLS,
	}), nil
}

// DeclareFuncInData makes id's address storable in d.
func (m *Module) DeclareFuncInData(id FuncID, d *DataDescription) (ir.FuncRef, error) {
	if _, err := m.funcEntry(id); err != nil {
		return 0, err
	}
	return d.ImportFunction(id.ExternalName()), nil
}

// DeclareDataInData makes id's address storable in d.
func (m *Module) DeclareDataInData(id DataID, d *DataDescription) (ir.GlobalValue, error) {
	if _, err := m.dataEntry(id); err != nil {
		return 0, err
	}
	return d.ImportGlobalValue(id.ExternalName()), nil
}

// checkDefinable applies the rules every definition shares.
func checkDefinable(name string, linkage Linkage, defined bool) error {
	if !linkage.IsDefinable() {
		return cgerr.Symbolf(cgerr.KindLinkageMismatch, name, "%s symbols are defined elsewhere", linkage)
	}
	if defined {
		return cgerr.Symbolf(cgerr.KindAlreadyDefined, name, "body was already given")
	}
	return nil
}

// checkRefs makes sure every symbol fn mentions was declared here.
func (m *Module) checkRefs(fn *ir.Function) error {
	for _, ef := range fn.ExtFuncs {
		if ef.Name.Kind != ir.NameFunc || !m.declared(ef.Name) {
			return cgerr.Symbolf(cgerr.KindUndeclaredSymbol, fn.Name, "calls undeclared %s", ef.Name)
		}
	}
	for _, gv := range fn.GlobalValues {
		if !m.declared(gv.Name) {
			return cgerr.Symbolf(cgerr.KindUndeclaredSymbol, fn.Name, "addresses undeclared %s", gv.Name)
		}
	}
	return nil
}

func (m *Module) checkRelocs(name string, code *mach.CompiledCode) error {
	size := len(code.Code)
	for _, r := range code.Relocs {
		if !m.declared(r.Target) {
			return cgerr.Symbolf(cgerr.KindUndeclaredSymbol, name, "relocation at %#x targets undeclared %s", r.Offset, r.Target)
		}
		if !slices.Contains(m.relocs, r.Kind) {
			return cgerr.Symbolf(cgerr.KindUnsupportedRelocation, name, "%s backend cannot emit %v", m.backend.Name(), r.Kind)
		}
		if int(r.Offset) >= size {
			return cgerr.Symbolf(cgerr.KindInvalidData, name, "relocation at %#x outside %d bytes of code", r.Offset, size)
		}
	}
	return nil
}

// DefineFunction compiles ctx.Func as the body of id. The function's
// signature must equal the declared one.
func (m *Module) DefineFunction(id FuncID, ctx *frontend.Context) error {
	if err := m.live(); err != nil {
		return err
	}
	e, err := m.funcEntry(id)
	if err != nil {
		return err
	}
	name := e.decl.Name
	if err := checkDefinable(name, e.decl.Linkage, e.code != nil); err != nil {
		return err
	}
	if ctx == nil || ctx.Func == nil {
		return cgerr.Symbolf(cgerr.KindTypeMismatch, name, "no function body")
	}
	fn := ctx.Func
	if !fn.Signature.Equal(e.decl.Signature) {
		return cgerr.Symbolf(cgerr.KindTypeMismatch, name, "body has signature %s, declared %s", fn.Signature, e.decl.Signature)
	}
	if fn.Name == "" {
		fn.Name = name
	}

	span := trace.Begin(m.tracer, trace.ScopeModule, "define:"+name, m.parent)
	defer span.End("")

	if m.cfg.Flags.Verifier {
		if err := ir.Verify(fn); err != nil {
			return fmt.Errorf("define %s: %w", name, err)
		}
	}
	if err := m.checkRefs(fn); err != nil {
		return err
	}

	cspan := trace.Begin(m.tracer, trace.ScopeFunc, "compile:"+name, span.ID())
	code, err := m.backend.CompileFunction(fn)
	if err != nil {
		cspan.End("failed")
		return fmt.Errorf("define %s: %w", name, err)
	}
	cspan.WithExtra("bytes", fmt.Sprint(len(code.Code))).
		WithExtra("relocs", fmt.Sprint(len(code.Relocs))).
		End("")

	if err := m.checkRelocs(name, code); err != nil {
		return err
	}
	e.code = code
	return nil
}

// DefineFunctionBytes defines id with precompiled machine code. The slices
// are copied.
func (m *Module) DefineFunctionBytes(id FuncID, code []byte, relocs []mach.Reloc) error {
	if err := m.live(); err != nil {
		return err
	}
	e, err := m.funcEntry(id)
	if err != nil {
		return err
	}
	if err := checkDefinable(e.decl.Name, e.decl.Linkage, e.code != nil); err != nil {
		return err
	}
	cc := &mach.CompiledCode{
		Code:   append([]byte(nil), code...),
		Relocs: append([]mach.Reloc(nil), relocs...),
		Align:  DefaultFunctionAlign,
	}
	if err := m.checkRelocs(e.decl.Name, cc); err != nil {
		return err
	}
	trace.Point(m.tracer, trace.ScopeModule, "define:"+e.decl.Name, fmt.Sprintf("%d raw bytes", len(code)), m.parent)
	e.code = cc
	return nil
}

// DefineData gives id its contents. The description is copied.
func (m *Module) DefineData(id DataID, desc *DataDescription) error {
	if err := m.live(); err != nil {
		return err
	}
	e, err := m.dataEntry(id)
	if err != nil {
		return err
	}
	name := e.decl.Name
	if err := checkDefinable(name, e.decl.Linkage, e.desc != nil); err != nil {
		return err
	}
	if desc == nil {
		return cgerr.Symbolf(cgerr.KindInvalidData, name, "no description")
	}
	if err := desc.check(name, m.cfg.PointerWidth); err != nil {
		return err
	}
	for _, ext := range slices.Concat(desc.FuncDecls, desc.DataDecls) {
		if !m.declared(ext) {
			return cgerr.Symbolf(cgerr.KindUndeclaredSymbol, name, "stores the address of undeclared %s", ext)
		}
	}
	for _, ext := range desc.FuncDecls {
		if ext.Kind != ir.NameFunc {
			return cgerr.Symbolf(cgerr.KindUndeclaredSymbol, name, "%s imported as a function", ext)
		}
	}
	trace.Point(m.tracer, trace.ScopeModule, "define:"+name, fmt.Sprintf("%d bytes", desc.Size), m.parent)
	e.desc = desc.clone()
	return nil
}

// Finish checks that every symbol with a definable linkage was defined and
// consumes the module. On failure the module stays usable.
func (m *Module) Finish() (*Product, error) {
	if err := m.live(); err != nil {
		return nil, err
	}
	span := trace.Begin(m.tracer, trace.ScopeModule, "finish", m.parent)
	defer span.End("")

	var errs []error
	for _, ext := range m.order {
		var linkage Linkage
		switch ext.Kind {
		case ir.NameFunc:
			linkage = m.funcs[ext.Index].decl.Linkage
		case ir.NameData:
			linkage = m.data[ext.Index].decl.Linkage
		}
		if linkage.IsDefinable() && !m.IsDefined(ext) {
			errs = append(errs, cgerr.Symbolf(cgerr.KindUnresolvedExport, m.symbolName(ext), "%s symbol was declared but never defined", linkage))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	p := &Product{
		cfg:    m.cfg,
		format: m.format,
		name:   m.name,
		funcs:  m.funcs,
		data:   m.data,
		order:  m.order,
		tracer: m.tracer,
		parent: m.parent,
	}
	m.funcs, m.data, m.order, m.names = nil, nil, nil, nil
	m.finished = true
	span.WithExtra("symbols", fmt.Sprint(len(p.order)))
	return p, nil
}
