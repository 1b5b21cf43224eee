package frontend

import (
	"fmt"

	"objforge/internal/cgerr"
	"objforge/internal/ir"
)

// predEdge is one control-flow edge into a block: outgoing edge `edge` of
// instruction `inst` in block `block`.
type predEdge struct {
	block ir.Block
	inst  int
	edge  int
}

// pendingParam is a block parameter created for a variable read in a block
// that was not yet sealed; its incoming arguments are wired at seal time.
type pendingParam struct {
	v     Variable
	param ir.Value
}

type ssaBlock struct {
	sealed  bool
	preds   []predEdge
	pending []pendingParam
}

// varParam records every block parameter introduced for a variable, so
// finalization can tell which of them are fed by a real definition.
type varParam struct {
	block ir.Block
	v     Variable
	param ir.Value
}

type defKey struct {
	block ir.Block
	v     Variable
}

type callKind uint8

const (
	// callUseVar resolves the variable at the end of block and pushes one result.
	callUseVar callKind = iota
	// callFinishSingle memoizes the result of the single predecessor lookup.
	callFinishSingle
	// callFinishPreds consumes one result per predecessor, wires them as
	// branch arguments for param and pushes param.
	callFinishPreds
)

type ssaCall struct {
	kind  callKind
	block ir.Block
	param ir.Value
}

// ssaBuilder resolves variable reads to SSA values. Resolution runs on an
// explicit call stack so deep predecessor chains do not grow the goroutine
// stack.
type ssaBuilder struct {
	blocks    []ssaBlock
	defs      map[defKey]ir.Value
	varParams []varParam

	calls   []ssaCall
	results []ir.Value
	visited map[ir.Block]bool

	errs []error
}

func (s *ssaBuilder) clear() {
	s.blocks = s.blocks[:0]
	s.defs = make(map[defKey]ir.Value)
	s.varParams = s.varParams[:0]
	s.calls = s.calls[:0]
	s.results = s.results[:0]
	s.visited = make(map[ir.Block]bool)
	s.errs = nil
}

func (s *ssaBuilder) declareBlock(b ir.Block) {
	for int(b) >= len(s.blocks) {
		s.blocks = append(s.blocks, ssaBlock{})
	}
}

func (s *ssaBuilder) isSealed(b ir.Block) bool {
	return int(b) < len(s.blocks) && s.blocks[b].sealed
}

func (s *ssaBuilder) defVar(v Variable, val ir.Value, b ir.Block) {
	s.defs[defKey{block: b, v: v}] = val
}

func (s *ssaBuilder) declarePredecessor(dst ir.Block, e predEdge) {
	s.declareBlock(dst)
	s.blocks[dst].preds = append(s.blocks[dst].preds, e)
}

// useVar returns the value of v at the current end of block b.
func (s *ssaBuilder) useVar(fn *ir.Function, v Variable, ty ir.Type, b ir.Block) ir.Value {
	s.calls = append(s.calls[:0], ssaCall{kind: callUseVar, block: b})
	s.results = s.results[:0]
	clear(s.visited)
	s.run(fn, v, ty)
	return s.results[len(s.results)-1]
}

// sealBlock marks b's predecessor set complete and resolves the variables
// read in b while it was still open.
func (s *ssaBuilder) sealBlock(fn *ir.Function, b ir.Block, types []ir.Type) {
	s.declareBlock(b)
	blk := &s.blocks[b]
	if blk.sealed {
		return
	}
	blk.sealed = true
	pending := blk.pending
	blk.pending = nil
	for _, p := range pending {
		s.results = s.results[:0]
		s.calls = s.calls[:0]
		clear(s.visited)
		s.pushPredLookup(b, p.param)
		s.run(fn, p.v, types[p.v])
	}
}

func (s *ssaBuilder) pushPredLookup(b ir.Block, param ir.Value) {
	s.calls = append(s.calls, ssaCall{kind: callFinishPreds, block: b, param: param})
	preds := s.blocks[b].preds
	for i := len(preds) - 1; i >= 0; i-- {
		s.calls = append(s.calls, ssaCall{kind: callUseVar, block: preds[i].block})
	}
}

func (s *ssaBuilder) run(fn *ir.Function, v Variable, ty ir.Type) {
	for len(s.calls) > 0 {
		c := s.calls[len(s.calls)-1]
		s.calls = s.calls[:len(s.calls)-1]

		switch c.kind {
		case callUseVar:
			key := defKey{block: c.block, v: v}
			if val, ok := s.defs[key]; ok {
				s.results = append(s.results, val)
				continue
			}
			s.declareBlock(c.block)
			blk := &s.blocks[c.block]
			if !blk.sealed {
				p := s.newParam(fn, c.block, v, ty)
				blk.pending = append(blk.pending, pendingParam{v: v, param: p})
				s.results = append(s.results, p)
				continue
			}
			switch {
			case len(blk.preds) == 0:
				s.errs = append(s.errs, cgerr.Symbolf(cgerr.KindUndefinedVariable, v.String(),
					"read in %s with no reaching definition", c.block))
				s.defs[key] = ir.NoValue
				s.results = append(s.results, ir.NoValue)
			case len(blk.preds) == 1 && !s.visited[c.block]:
				s.visited[c.block] = true
				s.calls = append(s.calls,
					ssaCall{kind: callFinishSingle, block: c.block},
					ssaCall{kind: callUseVar, block: blk.preds[0].block})
			default:
				// Several predecessors, or a single-predecessor cycle: merge
				// through a block parameter defined before the lookup so the
				// walk terminates on loops.
				p := s.newParam(fn, c.block, v, ty)
				s.pushPredLookup(c.block, p)
			}

		case callFinishSingle:
			s.defs[defKey{block: c.block, v: v}] = s.results[len(s.results)-1]

		case callFinishPreds:
			preds := s.blocks[c.block].preds
			base := len(s.results) - len(preds)
			for i, e := range preds {
				term := &fn.Blocks[e.block].Insts[e.inst]
				bc := term.Edge(e.edge)
				bc.Args = append(bc.Args, s.results[base+i])
			}
			s.results = append(s.results[:base], c.param)
		}
	}
}

func (s *ssaBuilder) newParam(fn *ir.Function, b ir.Block, v Variable, ty ir.Type) ir.Value {
	p := fn.AppendBlockParam(b, ty)
	s.defs[defKey{block: b, v: v}] = p
	s.varParams = append(s.varParams, varParam{block: b, v: v, param: p})
	return p
}

// undefinedParams reports variable parameters that no definition reaches:
// every incoming argument is missing or is itself such a parameter.
func (s *ssaBuilder) undefinedParams(fn *ir.Function) []error {
	if len(s.varParams) == 0 {
		return nil
	}
	isVarParam := make(map[ir.Value]bool, len(s.varParams))
	for _, vp := range s.varParams {
		isVarParam[vp.param] = true
	}
	defined := make(map[ir.Value]bool, len(s.varParams))
	for changed := true; changed; {
		changed = false
		for _, vp := range s.varParams {
			if defined[vp.param] {
				continue
			}
			num := fn.Values[vp.param].Num
			for _, e := range s.blocks[vp.block].preds {
				args := fn.Blocks[e.block].Insts[e.inst].Edge(e.edge).Args
				if num >= len(args) {
					continue
				}
				arg := args[num]
				if arg != ir.NoValue && (!isVarParam[arg] || defined[arg]) {
					defined[vp.param] = true
					changed = true
					break
				}
			}
		}
	}
	var errs []error
	for _, vp := range s.varParams {
		if !defined[vp.param] {
			errs = append(errs, cgerr.Symbolf(cgerr.KindUndefinedVariable, vp.v.String(),
				"no definition reaches %s", vp.block))
		}
	}
	return errs
}

// Variable names a mutable storage slot that the builder maps to SSA values.
type Variable uint32

func (v Variable) String() string {
	return fmt.Sprintf("var%d", uint32(v))
}
