package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"objforge/internal/cgerr"
	"objforge/internal/mach"
	"objforge/internal/object"
	"objforge/internal/target"
)

func sampleFile(arch target.Arch, call mach.RelocKind) *object.File {
	f := &object.File{Arch: arch, OS: target.OSLinux, SourceName: "hello"}
	text := f.AddSection(&object.Section{
		Name:  ".text",
		Kind:  object.SectionText,
		Align: 16,
		Data:  []byte{0x55, 0xE8, 0, 0, 0, 0, 0xC3, 0x90},
	})
	rodata := f.AddSection(&object.Section{
		Name:  ".rodata",
		Kind:  object.SectionReadOnly,
		Align: 1,
		Data:  []byte("Hello, World!\x00"),
	})
	f.AddSection(&object.Section{Name: ".bss", Kind: object.SectionBSS, Align: 8, Size: 32})

	f.AddSymbol(&object.Symbol{Name: "main", Kind: object.SymFunc, Binding: object.BindGlobal, Section: text, Size: 8})
	str := f.AddSymbol(&object.Symbol{Name: ".str", Kind: object.SymData, Binding: object.BindLocal, Section: rodata, Size: 14})
	puts := f.AddSymbol(&object.Symbol{Name: "puts", Binding: object.BindGlobal, Section: object.Undefined})
	f.AddSymbol(&object.Symbol{Name: "helper", Kind: object.SymFunc, Binding: object.BindGlobal, Visibility: object.VisHidden, Section: text})

	f.Sections[text].Relocs = []object.Relocation{
		{Offset: 2, Symbol: puts, Kind: call, Addend: -4},
		{Offset: 2, Symbol: str, Kind: mach.RelocAbs8},
	}
	f.Notes = []object.Note{{Section: ".note.objforge.sig", Owner: "objforge", Type: 1, Desc: []byte{1, 2, 3}}}
	return f
}

func write(t *testing.T, f *object.File) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := New().Write(&buf, f); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return buf.Bytes()
}

func TestWriteParsesWithDebugELF(t *testing.T) {
	raw := write(t, sampleFile(target.ArchX86_64, mach.RelocX86CallPLTRel4))
	ef, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("debug/elf: %v", err)
	}
	if ef.Class != elf.ELFCLASS64 || ef.Type != elf.ET_REL || ef.Machine != elf.EM_X86_64 {
		t.Fatalf("header = %v %v %v", ef.Class, ef.Type, ef.Machine)
	}

	text := ef.Section(".text")
	if text == nil || text.Flags&elf.SHF_EXECINSTR == 0 || text.Addralign != 16 {
		t.Fatalf(".text = %+v", text)
	}
	if bss := ef.Section(".bss"); bss == nil || bss.Type != elf.SHT_NOBITS || bss.Size != 32 {
		t.Errorf(".bss = %+v", bss)
	}
	if s := ef.Section(".note.GNU-stack"); s == nil || s.Size != 0 {
		t.Errorf("missing empty .note.GNU-stack")
	}
	rodata, err := ef.Section(".rodata").Data()
	if err != nil || string(rodata) != "Hello, World!\x00" {
		t.Errorf(".rodata = %q, %v", rodata, err)
	}

	syms, err := ef.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	byName := map[string]elf.Symbol{}
	for _, s := range syms {
		if s.Name != "" {
			byName[s.Name] = s
		}
	}
	if s := byName["hello"]; elf.ST_TYPE(s.Info) != elf.STT_FILE || s.Section != elf.SHN_ABS {
		t.Errorf("file symbol = %+v", s)
	}
	if s := byName[".str"]; elf.ST_BIND(s.Info) != elf.STB_LOCAL || elf.ST_TYPE(s.Info) != elf.STT_OBJECT {
		t.Errorf(".str = %+v", s)
	}
	if s := byName["main"]; elf.ST_BIND(s.Info) != elf.STB_GLOBAL || elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Size != 8 {
		t.Errorf("main = %+v", s)
	}
	if s := byName["puts"]; s.Section != elf.SHN_UNDEF || elf.ST_BIND(s.Info) != elf.STB_GLOBAL {
		t.Errorf("puts = %+v", s)
	}
	if s := byName["helper"]; elf.ST_VISIBILITY(s.Other) != elf.STV_HIDDEN {
		t.Errorf("helper = %+v", s)
	}

	// Locals precede globals and sh_info marks the boundary.
	symtab := ef.Section(".symtab")
	firstGlobal := int(symtab.Info)
	for i, s := range syms {
		local := elf.ST_BIND(s.Info) == elf.STB_LOCAL
		// syms omits the null entry, so entry i has index i+1.
		if local != (i+1 < firstGlobal) {
			t.Errorf("symbol %d (%s) on wrong side of sh_info=%d", i+1, s.Name, firstGlobal)
		}
	}

	rela := ef.Section(".rela.text")
	if rela == nil || rela.Type != elf.SHT_RELA || rela.Link != uint32(indexOf(ef, ".symtab")) || rela.Info != uint32(indexOf(ef, ".text")) {
		t.Fatalf(".rela.text = %+v", rela)
	}
	data, err := rela.Data()
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 2*relaSize {
		t.Fatalf("rela size = %d", len(data))
	}
	info := binary.LittleEndian.Uint64(data[8:])
	if elf.R_X86_64(elf.R_TYPE64(info)) != elf.R_X86_64_PLT32 {
		t.Errorf("reloc type = %v", elf.R_X86_64(elf.R_TYPE64(info)))
	}
	if sym := syms[elf.R_SYM64(info)-1]; sym.Name != "puts" {
		t.Errorf("reloc symbol = %q, want puts", sym.Name)
	}
	if addend := int64(binary.LittleEndian.Uint64(data[16:])); addend != -4 {
		t.Errorf("addend = %d, want -4", addend)
	}

	note, err := ef.Section(".note.objforge.sig").Data()
	if err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint32(note[0:]) != 9 || binary.LittleEndian.Uint32(note[4:]) != 3 || string(note[12:20]) != "objforge" {
		t.Errorf("note = % x", note)
	}
	if len(note)%4 != 0 {
		t.Errorf("note length %d not padded", len(note))
	}
}

func indexOf(ef *elf.File, name string) int {
	for i, s := range ef.Sections {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func TestWriteIsDeterministic(t *testing.T) {
	a := write(t, sampleFile(target.ArchX86_64, mach.RelocX86CallPLTRel4))
	b := write(t, sampleFile(target.ArchX86_64, mach.RelocX86CallPLTRel4))
	if !bytes.Equal(a, b) {
		t.Fatalf("two writes of the same file differ")
	}
}

func TestAArch64Relocations(t *testing.T) {
	raw := write(t, sampleFile(target.ArchAArch64, mach.RelocArm64Call))
	ef, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("debug/elf: %v", err)
	}
	if ef.Machine != elf.EM_AARCH64 {
		t.Fatalf("machine = %v", ef.Machine)
	}
	data, err := ef.Section(".rela.text").Data()
	if err != nil {
		t.Fatal(err)
	}
	types := []elf.R_AARCH64{
		elf.R_AARCH64(elf.R_TYPE64(binary.LittleEndian.Uint64(data[8:]))),
		elf.R_AARCH64(elf.R_TYPE64(binary.LittleEndian.Uint64(data[relaSize+8:]))),
	}
	if types[0] != elf.R_AARCH64_CALL26 || types[1] != elf.R_AARCH64_ABS64 {
		t.Errorf("types = %v", types)
	}
}

func TestUnsupportedRelocation(t *testing.T) {
	var buf bytes.Buffer
	err := New().Write(&buf, sampleFile(target.ArchX86_64, mach.RelocX86TLSGD))
	if !errors.Is(err, cgerr.ErrUnsupportedRelocation) {
		t.Fatalf("err = %v, want UnsupportedRelocation", err)
	}
	err = New().Write(&buf, sampleFile(target.ArchAArch64, mach.RelocX86CallPLTRel4))
	if !errors.Is(err, cgerr.ErrUnsupportedRelocation) {
		t.Fatalf("err = %v, want UnsupportedRelocation", err)
	}
}

func TestValidateRejectsDanglingReloc(t *testing.T) {
	f := sampleFile(target.ArchX86_64, mach.RelocX86CallPLTRel4)
	f.Sections[0].Relocs[0].Symbol = 99
	var buf bytes.Buffer
	if err := New().Write(&buf, f); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestNotesShareSection(t *testing.T) {
	f := sampleFile(target.ArchX86_64, mach.RelocX86CallPLTRel4)
	f.Notes = append(f.Notes, object.Note{Section: ".note.objforge.sig", Owner: "objforge", Type: 1, Desc: []byte{4, 5, 6, 7}})
	ef, err := elf.NewFile(bytes.NewReader(write(t, f)))
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, s := range ef.Sections {
		if s.Name == ".note.objforge.sig" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("%d note sections, want 1", count)
	}
	data, err := ef.Section(".note.objforge.sig").Data()
	if err != nil {
		t.Fatal(err)
	}
	// 12-byte header + "objforge\0" padded to 12 + desc padded to 4.
	if want := (12 + 12 + 4) + (12 + 12 + 4); len(data) != want {
		t.Errorf("note section is %d bytes, want %d", len(data), want)
	}
}
