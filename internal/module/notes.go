package module

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"objforge/internal/object"
)

const (
	SignatureNoteSection = ".note.objforge.sig"
	SignatureNoteOwner   = "objforge"
	SignatureNoteType    = 1
)

// SignatureNote records the signature of a defined, non-local function so
// that tools reading the object can recover its arity.
type SignatureNote struct {
	Symbol   string   `msgpack:"symbol"`
	Params   []string `msgpack:"params"`
	Returns  []string `msgpack:"returns"`
	CallConv string   `msgpack:"call_conv"`
}

// DecodeSignatureNote parses a note descriptor.
func DecodeSignatureNote(desc []byte) (SignatureNote, error) {
	var n SignatureNote
	if err := msgpack.Unmarshal(desc, &n); err != nil {
		return SignatureNote{}, fmt.Errorf("signature note: %w", err)
	}
	return n, nil
}

func (p *Product) signatureNotes() ([]object.Note, error) {
	var notes []object.Note
	for _, e := range p.funcs {
		if e.code == nil || e.decl.Linkage == Local {
			continue
		}
		n := SignatureNote{
			Symbol:   e.decl.Name,
			Params:   make([]string, 0, len(e.decl.Signature.Params)),
			Returns:  make([]string, 0, len(e.decl.Signature.Returns)),
			CallConv: e.decl.Signature.CallConv.String(),
		}
		for _, t := range e.decl.Signature.ParamTypes() {
			n.Params = append(n.Params, t.String())
		}
		for _, t := range e.decl.Signature.ReturnTypes() {
			n.Returns = append(n.Returns, t.String())
		}
		desc, err := msgpack.Marshal(&n)
		if err != nil {
			return nil, fmt.Errorf("signature note for %s: %w", e.decl.Name, err)
		}
		notes = append(notes, object.Note{
			Section: SignatureNoteSection,
			Owner:   SignatureNoteOwner,
			Type:    SignatureNoteType,
			Desc:    desc,
		})
	}
	return notes, nil
}

// ParseSignatureNotes decodes every signature note in the contents of a
// note section. Notes of other owners or types are skipped.
func ParseSignatureNotes(section []byte) ([]SignatureNote, error) {
	var out []SignatureNote
	for off := 0; off < len(section); {
		if len(section)-off < 12 {
			return nil, fmt.Errorf("signature note: truncated header at %d", off)
		}
		namesz := int(binary.LittleEndian.Uint32(section[off:]))
		descsz := int(binary.LittleEndian.Uint32(section[off+4:]))
		typ := binary.LittleEndian.Uint32(section[off+8:])
		nameOff := off + 12
		descOff := nameOff + align4(namesz)
		end := descOff + align4(descsz)
		if namesz < 0 || descsz < 0 || end > len(section) {
			return nil, fmt.Errorf("signature note: record at %d overruns section", off)
		}
		name := string(section[nameOff : nameOff+namesz])
		if typ == SignatureNoteType && name == SignatureNoteOwner+"\x00" {
			n, err := DecodeSignatureNote(section[descOff : descOff+descsz])
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		off = end
	}
	return out, nil
}

func align4(n int) int { return (n + 3) &^ 3 }
