// Package elf writes object.File values as ELF64 little-endian relocatable
// objects (ET_REL).
//
// Output depends only on the order of sections, symbols and notes in the
// input, so identical inputs produce identical bytes.
package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"fortio.org/safecast"

	"objforge/internal/cgerr"
	"objforge/internal/mach"
	"objforge/internal/object"
	"objforge/internal/target"
)

const (
	ehdrSize = 64
	shdrSize = 64
	symSize  = 24
	relaSize = 24
)

// Writer is the ELF object.Format.
type Writer struct{}

// New returns an ELF writer.
func New() *Writer { return &Writer{} }

func (*Writer) Name() string { return "elf" }

type outSection struct {
	hdr  elf.Section64
	data []byte
}

type builder struct {
	f        *object.File
	sections []outSection
	shstr    *stringTable
	str      *stringTable
}

func (b *builder) add(name string, hdr elf.Section64, data []byte) int {
	hdr.Name = b.shstr.add(name)
	b.sections = append(b.sections, outSection{hdr: hdr, data: data})
	return len(b.sections) - 1
}

// Write serializes f.
func (w *Writer) Write(out io.Writer, f *object.File) error {
	if err := f.Validate(); err != nil {
		return err
	}
	machine, err := machineFor(f.Arch)
	if err != nil {
		return err
	}

	b := &builder{f: f, shstr: newStringTable(), str: newStringTable()}
	b.sections = append(b.sections, outSection{})

	secIndex := make([]int, len(f.Sections))
	for i, s := range f.Sections {
		secIndex[i] = b.add(s.Name, contentHeader(s), s.Data)
	}
	// Notes sharing a section name are concatenated into one section, in
	// order of first appearance.
	noteSec := make(map[string]int)
	for _, n := range f.Notes {
		if i, ok := noteSec[n.Section]; ok {
			b.sections[i].data = append(b.sections[i].data, encodeNote(n)...)
			continue
		}
		noteSec[n.Section] = b.add(n.Section, elf.Section64{Type: uint32(elf.SHT_NOTE), Addralign: 4}, encodeNote(n))
	}
	b.add(".note.GNU-stack", elf.Section64{Type: uint32(elf.SHT_PROGBITS), Addralign: 1}, nil)

	symtab, symIndex, firstGlobal, err := b.symbols(secIndex)
	if err != nil {
		return err
	}

	relaCount := 0
	for _, s := range f.Sections {
		if len(s.Relocs) > 0 {
			relaCount++
		}
	}
	symtabIdx, err := safecast.Conv[uint32](len(b.sections) + relaCount)
	if err != nil {
		return err
	}
	for i, s := range f.Sections {
		if len(s.Relocs) == 0 {
			continue
		}
		data, err := relaData(f.Arch, s, symIndex)
		if err != nil {
			return fmt.Errorf("section %s: %w", s.Name, err)
		}
		info, err := safecast.Conv[uint32](secIndex[i])
		if err != nil {
			return err
		}
		b.add(".rela"+s.Name, elf.Section64{
			Type:      uint32(elf.SHT_RELA),
			Flags:     uint64(elf.SHF_INFO_LINK),
			Link:      symtabIdx,
			Info:      info,
			Addralign: 8,
			Entsize:   relaSize,
		}, data)
	}

	b.add(".symtab", elf.Section64{
		Type:      uint32(elf.SHT_SYMTAB),
		Link:      symtabIdx + 1,
		Info:      firstGlobal,
		Addralign: 8,
		Entsize:   symSize,
	}, symtab)
	b.add(".strtab", elf.Section64{Type: uint32(elf.SHT_STRTAB), Addralign: 1}, b.str.data)
	nameIdx := b.shstr.add(".shstrtab")
	b.sections = append(b.sections, outSection{
		hdr:  elf.Section64{Name: nameIdx, Type: uint32(elf.SHT_STRTAB), Addralign: 1},
		data: b.shstr.data,
	})

	return b.emit(out, machine, osABI(f.OS))
}

func (b *builder) emit(out io.Writer, machine elf.Machine, abi elf.OSABI) error {
	off := uint64(ehdrSize)
	for i := 1; i < len(b.sections); i++ {
		s := &b.sections[i]
		off = alignUp(off, s.hdr.Addralign)
		s.hdr.Off = off
		if s.hdr.Type == uint32(elf.SHT_NOBITS) {
			continue
		}
		s.hdr.Size = uint64(len(s.data))
		off += s.hdr.Size
	}
	shoff := alignUp(off, 8)

	shnum, err := safecast.Conv[uint16](len(b.sections))
	if err != nil {
		return fmt.Errorf("too many sections: %w", err)
	}
	hdr := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    ehdrSize,
		Shentsize: shdrSize,
		Shnum:     shnum,
		Shstrndx:  shnum - 1,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Ident[elf.EI_OSABI] = byte(abi)

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	for i := 1; i < len(b.sections); i++ {
		s := &b.sections[i]
		if s.hdr.Type == uint32(elf.SHT_NOBITS) {
			continue
		}
		pad(&buf, s.hdr.Off)
		buf.Write(s.data)
	}
	pad(&buf, shoff)
	for i := range b.sections {
		if err := binary.Write(&buf, binary.LittleEndian, &b.sections[i].hdr); err != nil {
			return err
		}
	}
	_, err = out.Write(buf.Bytes())
	return err
}

// symbols builds .symtab: the null entry, the file symbol, one section
// symbol per content section, then local symbols, then all others.
func (b *builder) symbols(secIndex []int) (data []byte, index []uint32, firstGlobal uint32, err error) {
	var syms []elf.Sym64
	syms = append(syms, elf.Sym64{})
	if b.f.SourceName != "" {
		syms = append(syms, elf.Sym64{
			Name:  b.str.add(b.f.SourceName),
			Info:  elf.ST_INFO(elf.STB_LOCAL, elf.STT_FILE),
			Shndx: uint16(elf.SHN_ABS),
		})
	}
	for _, idx := range secIndex {
		shndx, err := safecast.Conv[uint16](idx)
		if err != nil {
			return nil, nil, 0, err
		}
		syms = append(syms, elf.Sym64{Info: elf.ST_INFO(elf.STB_LOCAL, elf.STT_SECTION), Shndx: shndx})
	}

	index = make([]uint32, len(b.f.Symbols))
	place := func(i int, sym *object.Symbol) error {
		es, err := b.symbol(sym, secIndex)
		if err != nil {
			return fmt.Errorf("symbol %s: %w", sym.Name, err)
		}
		if index[i], err = safecast.Conv[uint32](len(syms)); err != nil {
			return err
		}
		syms = append(syms, es)
		return nil
	}
	for i, sym := range b.f.Symbols {
		if sym.Binding == object.BindLocal {
			if err := place(i, sym); err != nil {
				return nil, nil, 0, err
			}
		}
	}
	if firstGlobal, err = safecast.Conv[uint32](len(syms)); err != nil {
		return nil, nil, 0, err
	}
	for i, sym := range b.f.Symbols {
		if sym.Binding != object.BindLocal {
			if err := place(i, sym); err != nil {
				return nil, nil, 0, err
			}
		}
	}

	var buf bytes.Buffer
	for i := range syms {
		if err := binary.Write(&buf, binary.LittleEndian, &syms[i]); err != nil {
			return nil, nil, 0, err
		}
	}
	return buf.Bytes(), index, firstGlobal, nil
}

func (b *builder) symbol(sym *object.Symbol, secIndex []int) (elf.Sym64, error) {
	var bind elf.SymBind
	switch sym.Binding {
	case object.BindLocal:
		bind = elf.STB_LOCAL
	case object.BindGlobal:
		bind = elf.STB_GLOBAL
	case object.BindWeak:
		bind = elf.STB_WEAK
	default:
		return elf.Sym64{}, fmt.Errorf("unknown binding %d", sym.Binding)
	}
	var typ elf.SymType
	switch sym.Kind {
	case object.SymFunc:
		typ = elf.STT_FUNC
	case object.SymData:
		typ = elf.STT_OBJECT
	case object.SymTLS:
		typ = elf.STT_TLS
	default:
		typ = elf.STT_NOTYPE
	}
	es := elf.Sym64{
		Name:  b.str.add(sym.Name),
		Info:  elf.ST_INFO(bind, typ),
		Value: sym.Value,
		Size:  sym.Size,
	}
	if sym.Visibility == object.VisHidden {
		es.Other = byte(elf.STV_HIDDEN)
	}
	if sym.Section != object.Undefined {
		shndx, err := safecast.Conv[uint16](secIndex[sym.Section])
		if err != nil {
			return elf.Sym64{}, err
		}
		es.Shndx = shndx
	}
	return es, nil
}

func relaData(arch target.Arch, s *object.Section, symIndex []uint32) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range s.Relocs {
		typ, err := relocType(arch, r.Kind)
		if err != nil {
			return nil, err
		}
		rela := elf.Rela64{
			Off:    r.Offset,
			Info:   elf.R_INFO(symIndex[r.Symbol], typ),
			Addend: r.Addend,
		}
		if err := binary.Write(&buf, binary.LittleEndian, &rela); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func relocType(arch target.Arch, kind mach.RelocKind) (uint32, error) {
	switch arch {
	case target.ArchX86_64:
		switch kind {
		case mach.RelocAbs8:
			return uint32(elf.R_X86_64_64), nil
		case mach.RelocX86PCRel4, mach.RelocX86CallPCRel4:
			return uint32(elf.R_X86_64_PC32), nil
		case mach.RelocX86CallPLTRel4:
			return uint32(elf.R_X86_64_PLT32), nil
		case mach.RelocX86GOTPCRel4:
			return uint32(elf.R_X86_64_REX_GOTPCRELX), nil
		}
	case target.ArchAArch64:
		switch kind {
		case mach.RelocAbs8:
			return uint32(elf.R_AARCH64_ABS64), nil
		case mach.RelocArm64Call:
			return uint32(elf.R_AARCH64_CALL26), nil
		case mach.RelocAarch64AdrPrelPgHi21:
			return uint32(elf.R_AARCH64_ADR_PREL_PG_HI21), nil
		case mach.RelocAarch64AddAbsLo12Nc:
			return uint32(elf.R_AARCH64_ADD_ABS_LO12_NC), nil
		case mach.RelocAarch64AdrGotPage21:
			return uint32(elf.R_AARCH64_ADR_GOT_PAGE), nil
		case mach.RelocAarch64Ld64GotLo12Nc:
			return uint32(elf.R_AARCH64_LD64_GOT_LO12_NC), nil
		}
	}
	return 0, cgerr.Symbolf(cgerr.KindUnsupportedRelocation, kind.String(), "no ELF relocation for %s on %s", kind, arch)
}

func machineFor(arch target.Arch) (elf.Machine, error) {
	switch arch {
	case target.ArchX86_64:
		return elf.EM_X86_64, nil
	case target.ArchAArch64:
		return elf.EM_AARCH64, nil
	default:
		return 0, cgerr.Symbolf(cgerr.KindUnsupportedHost, arch.String(), "no ELF machine")
	}
}

func osABI(os target.OS) elf.OSABI {
	if os == target.OSFreeBSD {
		return elf.ELFOSABI_FREEBSD
	}
	return elf.ELFOSABI_NONE
}

func contentHeader(s *object.Section) elf.Section64 {
	hdr := elf.Section64{Type: uint32(elf.SHT_PROGBITS), Addralign: s.Align}
	if hdr.Addralign == 0 {
		hdr.Addralign = 1
	}
	flags := elf.SHF_ALLOC
	switch s.Kind {
	case object.SectionText:
		flags |= elf.SHF_EXECINSTR
	case object.SectionData, object.SectionReadOnlyReloc:
		flags |= elf.SHF_WRITE
	case object.SectionBSS:
		hdr.Type = uint32(elf.SHT_NOBITS)
		hdr.Size = s.Size
		flags |= elf.SHF_WRITE
	case object.SectionTData:
		flags |= elf.SHF_WRITE | elf.SHF_TLS
	case object.SectionTBSS:
		hdr.Type = uint32(elf.SHT_NOBITS)
		hdr.Size = s.Size
		flags |= elf.SHF_WRITE | elf.SHF_TLS
	}
	hdr.Flags = uint64(flags)
	return hdr
}

// encodeNote lays out an ELF note: namesz, descsz, type, then the
// NUL-terminated owner and the descriptor, each padded to 4 bytes.
func encodeNote(n object.Note) []byte {
	var buf bytes.Buffer
	name := append([]byte(n.Owner), 0)
	var head [12]byte
	binary.LittleEndian.PutUint32(head[0:], uint32(len(name)))
	binary.LittleEndian.PutUint32(head[4:], uint32(len(n.Desc)))
	binary.LittleEndian.PutUint32(head[8:], n.Type)
	buf.Write(head[:])
	buf.Write(name)
	pad(&buf, alignUp(uint64(buf.Len()), 4))
	buf.Write(n.Desc)
	pad(&buf, alignUp(uint64(buf.Len()), 4))
	return buf.Bytes()
}

func pad(buf *bytes.Buffer, to uint64) {
	for uint64(buf.Len()) < to {
		buf.WriteByte(0)
	}
}

func alignUp(n, align uint64) uint64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}

// stringTable is an ELF string table; equal strings share an offset.
type stringTable struct {
	data []byte
	seen map[string]uint32
}

func newStringTable() *stringTable {
	return &stringTable{data: []byte{0}, seen: make(map[string]uint32)}
}

func (t *stringTable) add(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := t.seen[s]; ok {
		return off
	}
	off := uint32(len(t.data))
	t.data = append(t.data, s...)
	t.data = append(t.data, 0)
	t.seen[s] = off
	return off
}
