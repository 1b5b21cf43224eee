package mach

import "objforge/internal/ir"

// Frame assigns every value of a function an 8-byte stack slot and sizes
// the scratch area used to copy branch arguments into block parameters.
type Frame struct {
	// Slots is the number of value slots; value v lives in slot v.
	Slots int
	// Scratch is the number of slots reserved after the value slots.
	Scratch int
	// MaxCallArgs is the largest argument count of any call.
	MaxCallArgs int
}

// LayoutFrame computes the frame of fn.
func LayoutFrame(fn *ir.Function) Frame {
	fr := Frame{Slots: len(fn.Values)}
	for i := range fn.Blocks {
		for j := range fn.Blocks[i].Insts {
			inst := &fn.Blocks[i].Insts[j]
			if inst.Op == ir.OpCall && len(inst.Args) > fr.MaxCallArgs {
				fr.MaxCallArgs = len(inst.Args)
			}
			for e := 0; e < inst.Successors(); e++ {
				if n := len(inst.Edge(e).Args); n > fr.Scratch {
					fr.Scratch = n
				}
			}
		}
	}
	return fr
}

// ValueSlot returns the slot index of v.
func (fr Frame) ValueSlot(v ir.Value) int { return int(v) }

// ScratchSlot returns the slot index of scratch entry i.
func (fr Frame) ScratchSlot(i int) int { return fr.Slots + i }

// Bytes returns the size of all slots, rounded up to 16.
func (fr Frame) Bytes() int {
	return AlignUp(8*(fr.Slots+fr.Scratch), 16)
}
