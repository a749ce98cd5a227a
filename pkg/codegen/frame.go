package codegen

import (
	"fmt"
	"math"

	"github.com/metaclang/metac/pkg/bytecode"
	"github.com/metaclang/metac/pkg/types"
)

// retSlotName is the synthetic environment entry for a function's return
// slot. It cannot collide with user identifiers because the lexer never
// produces a name containing parentheses.
const retSlotName = "(return)"

// slotScope maps identifiers to bp-relative byte offsets for one lexical
// scope. Scopes chain through parent; resolution walks innermost to
// outermost and then falls through to the global table.
type slotScope struct {
	vars   map[string]int64
	parent *slotScope
}

func newSlotScope(parent *slotScope) *slotScope {
	return &slotScope{vars: make(map[string]int64), parent: parent}
}

func (s *slotScope) set(name string, bpOffset int64) {
	s.vars[name] = bpOffset
}

// lookup resolves a name along the scope chain.
func (s *slotScope) lookup(name string) (int64, bool) {
	for scope := s; scope != nil; scope = scope.parent {
		if off, ok := scope.vars[name]; ok {
			return off, true
		}
	}
	return 0, false
}

// planFrame computes the bp-relative placement of a function's return slot
// and parameters and seeds a fresh scope with them.
//
// The caller pushes, from the bottom up: the return slot, each parameter
// word-aligned, and (through CALL) the return pc. FUNCPRO pushes the saved
// bp and pins bp just above it, so the whole frame header sits at negative
// offsets:
//
//	-S           return slot
//	...          parameters, word-aligned
//	-16          saved return pc
//	-8           saved caller bp
//	 0           bp; locals grow from here
//
// where S = 2 words + word-aligned parameter sizes + the word-aligned
// return size.
func planFrame(ft *types.FuncType) *slotScope {
	var paramsSpace int64
	for _, p := range ft.Params {
		paramsSpace += types.WordAlign(p.ByteSize())
	}
	stackSpaceBeforeBp := 2*int64(types.WordSize) + paramsSpace + types.WordAlign(ft.Return.ByteSize())

	scope := newSlotScope(nil)
	cur := -stackSpaceBeforeBp
	scope.set(retSlotName, cur)
	cur += types.WordAlign(ft.Return.ByteSize())
	for i, p := range ft.Params {
		scope.set(ft.ParamNames[i], cur)
		cur += types.WordAlign(p.ByteSize())
	}
	return scope
}

// planBlock enters a fresh scope for a block and assigns a bp-relative
// slot to every local it declares, in declaration order, each word-aligned.
// It returns the number of words the block must reserve.
func (lw *lowerer) planBlock(symt *types.SymbolTable) int64 {
	lw.vars = newSlotScope(lw.vars)
	before := lw.bpOffset
	for _, sym := range symt.Symbols {
		if sym.Kind != types.SymbolLocalVar {
			continue
		}
		lw.vars.set(sym.Name, lw.bpOffset)
		lw.bpOffset += sym.Type.ByteSize()
		// Every local is aligned to a word boundary. Wasteful for
		// sub-word types, but keeps loads and stores word-granular.
		lw.bpOffset = types.WordAlign(lw.bpOffset)
	}
	return bytesToWords(lw.bpOffset - before)
}

// leaveBlock pops the block scope and releases its slots so sibling blocks
// reuse the same stack space their predecessors popped.
func (lw *lowerer) leaveBlock(words int64) {
	lw.bpOffset -= words * types.WordSize
	lw.vars = lw.vars.parent
}

func bytesToWords(n int64) int64 {
	return (n + bytecode.WordSize - 1) / bytecode.WordSize
}

// quarterOf narrows a byte offset or displacement to an immediate quarter.
func quarterOf(v int64) (bytecode.Quarter, error) {
	if v < math.MinInt16 || v > math.MaxInt16 {
		return 0, fmt.Errorf("offset %d does not fit in a quarter immediate", v)
	}
	return bytecode.Quarter(v), nil
}
