package module

import (
	"fmt"

	"fortio.org/safecast"

	"objforge/internal/cgerr"
	"objforge/internal/ir"
)

// Init is how a data object's contents are given.
type Init uint8

const (
	// InitUninit: not yet described; DefineData rejects it.
	InitUninit Init = iota
	// InitZeros: Size zero bytes, placed in a no-bits section.
	InitZeros
	// InitBytes: explicit contents.
	InitBytes
)

func (i Init) String() string {
	switch i {
	case InitUninit:
		return "uninit"
	case InitZeros:
		return "zeros"
	case InitBytes:
		return "bytes"
	default:
		return fmt.Sprintf("Init(%d)", uint8(i))
	}
}

// FuncReloc stores the address of FuncDecls[Func] at Offset.
type FuncReloc struct {
	Offset uint32
	Func   ir.FuncRef
}

// DataReloc stores the address of DataDecls[Data] plus Addend at Offset.
type DataReloc struct {
	Offset uint32
	Data   ir.GlobalValue
	Addend int64
}

// DataDescription is the contents of one data object. Linkage, writability
// and thread-locality belong to the declaration, not to the description.
type DataDescription struct {
	Init     Init
	Contents []byte
	Size     uint64
	// Align is a power of two; zero means 1, or pointer alignment when the
	// object holds addresses.
	Align uint64

	FuncDecls  []ir.ExternalName
	DataDecls  []ir.ExternalName
	FuncRelocs []FuncReloc
	DataRelocs []DataReloc
}

// NewDataDescription returns an undescribed object.
func NewDataDescription() *DataDescription {
	return &DataDescription{}
}

// Define sets explicit contents. The slice is copied.
func (d *DataDescription) Define(contents []byte) {
	d.Init = InitBytes
	d.Contents = append([]byte(nil), contents...)
	d.Size = uint64(len(contents))
}

// DefineZeroinit describes size zero bytes.
func (d *DataDescription) DefineZeroinit(size uint64) {
	d.Init = InitZeros
	d.Contents = nil
	d.Size = size
}

func (d *DataDescription) SetAlign(align uint64) {
	d.Align = align
}

// ImportFunction makes name addressable from this object. Use
// Module.DeclareFuncInData to import a declared function.
func (d *DataDescription) ImportFunction(name ir.ExternalName) ir.FuncRef {
	d.FuncDecls = append(d.FuncDecls, name)
	return ir.FuncRef(len(d.FuncDecls) - 1)
}

// ImportGlobalValue makes name addressable from this object.
func (d *DataDescription) ImportGlobalValue(name ir.ExternalName) ir.GlobalValue {
	d.DataDecls = append(d.DataDecls, name)
	return ir.GlobalValue(len(d.DataDecls) - 1)
}

// WriteFunctionAddr records that the address of fn belongs at offset.
func (d *DataDescription) WriteFunctionAddr(offset uint32, fn ir.FuncRef) {
	d.FuncRelocs = append(d.FuncRelocs, FuncReloc{Offset: offset, Func: fn})
}

// WriteDataAddr records that the address of gv plus addend belongs at offset.
func (d *DataDescription) WriteDataAddr(offset uint32, gv ir.GlobalValue, addend int64) {
	d.DataRelocs = append(d.DataRelocs, DataReloc{Offset: offset, Data: gv, Addend: addend})
}

// Clear resets d for reuse.
func (d *DataDescription) Clear() {
	*d = DataDescription{
		Contents:   d.Contents[:0],
		FuncDecls:  d.FuncDecls[:0],
		DataDecls:  d.DataDecls[:0],
		FuncRelocs: d.FuncRelocs[:0],
		DataRelocs: d.DataRelocs[:0],
	}
}

// HasRelocs reports whether the object stores any address.
func (d *DataDescription) HasRelocs() bool {
	return len(d.FuncRelocs) > 0 || len(d.DataRelocs) > 0
}

func (d *DataDescription) clone() *DataDescription {
	return &DataDescription{
		Init:       d.Init,
		Contents:   append([]byte(nil), d.Contents...),
		Size:       d.Size,
		Align:      d.Align,
		FuncDecls:  append([]ir.ExternalName(nil), d.FuncDecls...),
		DataDecls:  append([]ir.ExternalName(nil), d.DataDecls...),
		FuncRelocs: append([]FuncReloc(nil), d.FuncRelocs...),
		DataRelocs: append([]DataReloc(nil), d.DataRelocs...),
	}
}

// check validates d as the contents of name for pointers of ptrWidth bytes.
// Relocation targets are checked by the module.
func (d *DataDescription) check(name string, ptrWidth int) error {
	switch d.Init {
	case InitUninit:
		return cgerr.Symbolf(cgerr.KindInvalidData, name, "contents were never described")
	case InitZeros:
		if d.HasRelocs() {
			return cgerr.Symbolf(cgerr.KindInvalidData, name, "zero-initialized object cannot hold addresses")
		}
	case InitBytes:
		if uint64(len(d.Contents)) != d.Size {
			return cgerr.Symbolf(cgerr.KindInvalidData, name, "size %d disagrees with %d content bytes", d.Size, len(d.Contents))
		}
	default:
		return cgerr.Symbolf(cgerr.KindInvalidData, name, "unknown init %v", d.Init)
	}
	if d.Align != 0 && d.Align&(d.Align-1) != 0 {
		return cgerr.Symbolf(cgerr.KindInvalidData, name, "alignment %d is not a power of two", d.Align)
	}

	width, err := safecast.Conv[uint64](ptrWidth)
	if err != nil {
		return err
	}
	fits := func(off uint32) bool { return uint64(off)+width <= d.Size }
	for _, r := range d.FuncRelocs {
		if !fits(r.Offset) {
			return cgerr.Symbolf(cgerr.KindInvalidData, name, "function address at %d overruns %d bytes", r.Offset, d.Size)
		}
		if int(r.Func) >= len(d.FuncDecls) {
			return cgerr.Symbolf(cgerr.KindUndeclaredSymbol, name, "%s was not imported into the object", r.Func)
		}
	}
	for _, r := range d.DataRelocs {
		if !fits(r.Offset) {
			return cgerr.Symbolf(cgerr.KindInvalidData, name, "data address at %d overruns %d bytes", r.Offset, d.Size)
		}
		if int(r.Data) >= len(d.DataDecls) {
			return cgerr.Symbolf(cgerr.KindUndeclaredSymbol, name, "%s was not imported into the object", r.Data)
		}
	}
	return nil
}

// align returns the effective alignment of d.
func (d *DataDescription) align(ptrAlign uint64) uint64 {
	switch {
	case d.Align != 0:
		return d.Align
	case d.HasRelocs():
		return ptrAlign
	default:
		return 1
	}
}
