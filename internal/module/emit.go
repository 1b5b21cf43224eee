package module

import (
	"bytes"
	"fmt"
	"sort"

	"fortio.org/safecast"

	"objforge/internal/cgerr"
	"objforge/internal/ir"
	"objforge/internal/mach"
	"objforge/internal/object"
	"objforge/internal/target"
	"objforge/internal/trace"
)

// Product is a finished module: every local definition is present and no
// further declarations are possible.
type Product struct {
	cfg    target.Config
	format object.Format
	name   string
	funcs  []funcEntry
	data   []dataEntry
	order  []ir.ExternalName
	tracer trace.Tracer
	parent uint64
}

// TargetConfig returns the configuration the product was compiled for.
func (p *Product) TargetConfig() target.Config { return p.cfg }

// Emit serializes the product. Equal products give equal bytes.
func (p *Product) Emit() ([]byte, error) {
	span := trace.Begin(p.tracer, trace.ScopeModule, "emit", p.parent)
	defer span.End("")

	f, err := p.Object()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := p.format.Write(&buf, f); err != nil {
		return nil, fmt.Errorf("%s: %w", p.format.Name(), err)
	}
	span.WithExtra("bytes", fmt.Sprint(buf.Len()))
	return buf.Bytes(), nil
}

// sectionOrder is the fixed order of content sections; a section is only
// created when something is placed in it.
var sectionOrder = []object.SectionKind{
	object.SectionText,
	object.SectionReadOnly,
	object.SectionReadOnlyReloc,
	object.SectionData,
	object.SectionBSS,
	object.SectionTData,
	object.SectionTBSS,
}

func sectionName(k object.SectionKind) string {
	switch k {
	case object.SectionText:
		return ".text"
	case object.SectionReadOnly:
		return ".rodata"
	case object.SectionReadOnlyReloc:
		return ".data.rel.ro"
	case object.SectionData:
		return ".data"
	case object.SectionBSS:
		return ".bss"
	case object.SectionTData:
		return ".tdata"
	case object.SectionTBSS:
		return ".tbss"
	default:
		return ".unknown"
	}
}

// dataSection picks the section for a defined data object.
func dataSection(decl DataDecl, desc *DataDescription) object.SectionKind {
	switch {
	case desc.Init == InitZeros && decl.TLS:
		return object.SectionTBSS
	case desc.Init == InitZeros:
		return object.SectionBSS
	case decl.TLS:
		return object.SectionTData
	case decl.Writable:
		return object.SectionData
	case desc.HasRelocs():
		return object.SectionReadOnlyReloc
	default:
		return object.SectionReadOnly
	}
}

type placement struct {
	section int
	off     uint64
}

type layout struct {
	f       *object.File
	funcAt  []placement
	dataAt  []placement
	funcSym []int
	dataSym []int
}

// Object lays the product out as a format-independent object file.
func (p *Product) Object() (*object.File, error) {
	l := &layout{
		f:       &object.File{Arch: p.cfg.Arch, OS: p.cfg.OS, SourceName: p.name},
		funcAt:  make([]placement, len(p.funcs)),
		dataAt:  make([]placement, len(p.data)),
		funcSym: make([]int, len(p.funcs)),
		dataSym: make([]int, len(p.data)),
	}
	if err := p.place(l); err != nil {
		return nil, err
	}
	p.symbols(l)
	if err := p.relocate(l); err != nil {
		return nil, err
	}
	if p.cfg.Flags.SignatureNotes {
		notes, err := p.signatureNotes()
		if err != nil {
			return nil, err
		}
		l.f.Notes = notes
	}
	return l.f, nil
}

func alignUp(n, align uint64) uint64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// place assigns every definition a section and an offset, in declaration
// order within each section.
func (p *Product) place(l *layout) error {
	type member struct {
		ext     ir.ExternalName
		align   uint64
		size    uint64
		content []byte
	}
	members := make(map[object.SectionKind][]member)
	for i, e := range p.funcs {
		if e.code == nil {
			continue
		}
		align, err := safecast.Conv[uint64](max(e.code.Align, 1))
		if err != nil {
			return err
		}
		members[object.SectionText] = append(members[object.SectionText], member{
			ext: FuncID(i).ExternalName(), align: align, size: uint64(len(e.code.Code)), content: e.code.Code,
		})
	}
	ptrAlign, err := safecast.Conv[uint64](p.cfg.PointerAlign)
	if err != nil {
		return err
	}
	for i, e := range p.data {
		if e.desc == nil {
			continue
		}
		k := dataSection(e.decl, e.desc)
		members[k] = append(members[k], member{
			ext: DataID(i).ExternalName(), align: e.desc.align(ptrAlign), size: e.desc.Size, content: e.desc.Contents,
		})
	}

	for _, k := range sectionOrder {
		ms := members[k]
		if len(ms) == 0 {
			continue
		}
		sec := &object.Section{Name: sectionName(k), Kind: k, Align: 1}
		idx := l.f.AddSection(sec)
		var size uint64
		for _, mb := range ms {
			off := alignUp(size, mb.align)
			sec.Align = max(sec.Align, mb.align)
			if !k.NoBits() {
				pad := off - uint64(len(sec.Data))
				if k == object.SectionText {
					sec.Data = append(sec.Data, bytes.Repeat([]byte{textPad(p.cfg.Arch)}, int(pad))...)
				} else {
					sec.Data = append(sec.Data, make([]byte, pad)...)
				}
				sec.Data = append(sec.Data, mb.content...)
			}
			size = off + mb.size
			at := placement{section: idx, off: off}
			if mb.ext.Kind == ir.NameFunc {
				l.funcAt[mb.ext.Index] = at
			} else {
				l.dataAt[mb.ext.Index] = at
			}
		}
		if k.NoBits() {
			sec.Size = size
		}
	}
	return nil
}

// textPad fills gaps between functions. On x86-64 it is int3; elsewhere
// zero, which decodes as a permanently undefined instruction on arm64.
func textPad(arch target.Arch) byte {
	if arch == target.ArchX86_64 {
		return 0xCC
	}
	return 0
}

func bindingFor(l Linkage) (object.Binding, object.Visibility) {
	switch l {
	case Import, Export:
		return object.BindGlobal, object.VisDefault
	case Local:
		return object.BindLocal, object.VisDefault
	case Preemptible:
		return object.BindWeak, object.VisDefault
	case Hidden:
		return object.BindGlobal, object.VisHidden
	default:
		return object.BindGlobal, object.VisDefault
	}
}

// symbols adds one symbol per declaration, in declaration order.
func (p *Product) symbols(l *layout) {
	for _, ext := range p.order {
		sym := &object.Symbol{Section: object.Undefined}
		var linkage Linkage
		switch ext.Kind {
		case ir.NameFunc:
			e := p.funcs[ext.Index]
			sym.Name, sym.Kind, linkage = e.decl.Name, object.SymFunc, e.decl.Linkage
			if e.code != nil {
				at := l.funcAt[ext.Index]
				sym.Section, sym.Value, sym.Size = at.section, at.off, uint64(len(e.code.Code))
			}
		case ir.NameData:
			e := p.data[ext.Index]
			sym.Name, sym.Kind, linkage = e.decl.Name, object.SymData, e.decl.Linkage
			if e.decl.TLS {
				sym.Kind = object.SymTLS
			}
			if e.desc != nil {
				at := l.dataAt[ext.Index]
				sym.Section, sym.Value, sym.Size = at.section, at.off, e.desc.Size
			}
		}
		// Undefined symbols carry no type, except TLS, which the linker must
		// know to resolve the access model.
		if sym.Section == object.Undefined && sym.Kind != object.SymTLS {
			sym.Kind = object.SymNone
		}
		sym.Binding, sym.Visibility = bindingFor(linkage)
		idx := l.f.AddSymbol(sym)
		if ext.Kind == ir.NameFunc {
			l.funcSym[ext.Index] = idx
		} else {
			l.dataSym[ext.Index] = idx
		}
	}
}

func (l *layout) symbolOf(ext ir.ExternalName) int {
	if ext.Kind == ir.NameFunc {
		return l.funcSym[ext.Index]
	}
	return l.dataSym[ext.Index]
}

// relocate translates code and data relocations to section offsets and
// symbol indices.
func (p *Product) relocate(l *layout) error {
	for i, e := range p.funcs {
		if e.code == nil {
			continue
		}
		at := l.funcAt[i]
		sec := l.f.Sections[at.section]
		for _, r := range e.code.Relocs {
			sec.Relocs = append(sec.Relocs, object.Relocation{
				Offset: at.off + uint64(r.Offset),
				Symbol: l.symbolOf(r.Target),
				Kind:   r.Kind,
				Addend: r.Addend,
			})
		}
	}

	for i, e := range p.data {
		if e.desc == nil || !e.desc.HasRelocs() {
			continue
		}
		if p.cfg.PointerWidth != 8 {
			return cgerr.Symbolf(cgerr.KindUnsupportedRelocation, e.decl.Name, "no absolute relocation for %d-byte pointers", p.cfg.PointerWidth)
		}
		at := l.dataAt[i]
		sec := l.f.Sections[at.section]
		for _, r := range e.desc.FuncRelocs {
			sec.Relocs = append(sec.Relocs, object.Relocation{
				Offset: at.off + uint64(r.Offset),
				Symbol: l.symbolOf(e.desc.FuncDecls[r.Func]),
				Kind:   mach.RelocAbs8,
			})
		}
		for _, r := range e.desc.DataRelocs {
			sec.Relocs = append(sec.Relocs, object.Relocation{
				Offset: at.off + uint64(r.Offset),
				Symbol: l.symbolOf(e.desc.DataDecls[r.Data]),
				Kind:   mach.RelocAbs8,
				Addend: r.Addend,
			})
		}
	}

	for _, sec := range l.f.Sections {
		sort.SliceStable(sec.Relocs, func(a, b int) bool {
			return sec.Relocs[a].Offset < sec.Relocs[b].Offset
		})
	}
	return nil
}
