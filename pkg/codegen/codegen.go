package codegen

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/metaclang/metac/pkg/ast"
	"github.com/metaclang/metac/pkg/bytecode"
	"github.com/metaclang/metac/pkg/token"
	"github.com/metaclang/metac/pkg/types"
)

// maxLoopDepth bounds loop nesting during lowering.
const maxLoopDepth = 128

// maxBreaksPerLoop bounds the number of break statements in one loop.
const maxBreaksPerLoop = 128

// Error is a code generation error with the source line it points at.
// Internal errors (violated invariants that upstream passes should have
// made impossible) are prefixed "internal:".
type Error struct {
	Line int64
	Msg  string
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}
	return e.Msg
}

// ErrUnresolvedComptime is returned when lowering reaches a compile-time
// call that has not been evaluated yet. The driver treats it as "try this
// call again after the others", which makes evaluation order converge for
// acyclic dependencies between compile-time calls.
var ErrUnresolvedComptime = errors.New("unresolved compile-time call")

// patchCall records a forward call whose target was unknown when the call
// was lowered: the code holds a zero placeholder word at offset until the
// patch list is drained.
type patchCall struct {
	offset int
	name   string
}

// loopCtx tracks one enclosing loop: the offset of its condition check
// (the continue target) and the placeholder offsets of its pending break
// jumps.
type loopCtx struct {
	start  int
	breaks []int
}

// lowerer lowers a typechecked AST into a bytecode image.
type lowerer struct {
	symt *types.SymbolTable
	img  *bytecode.Image

	vars     *slotScope       // innermost slot scope, nil outside functions
	bpOffset int64            // next free bp-relative byte offset for locals
	globals  map[string]int64 // global name -> absolute byte offset

	funcs   map[string]int // function name -> first instruction offset
	patches []patchCall

	loops []loopCtx

	store bool // identifier lowering emits stores instead of loads

	// comptimeRoot is the call being evaluated by LowerCallSite; it is
	// lowered as an ordinary call even though it is marked comptime.
	comptimeRoot *ast.CallExpr
	callSiteMode bool

	inMain bool

	line int64 // source line of the statement being lowered
}

func newLowerer(symt *types.SymbolTable) *lowerer {
	return &lowerer{
		symt:    symt,
		img:     bytecode.NewImage(),
		globals: make(map[string]int64),
		funcs:   make(map[string]int),
		line:    bytecode.NoLine,
	}
}

func (lw *lowerer) errorf(format string, args ...any) error {
	return &Error{Line: lw.line, Msg: fmt.Sprintf(format, args...)}
}

// LowerProgram lowers a whole typechecked program: stack space for global
// variables, the main function terminated by EXIT, then every other
// function terminated by RET, with forward calls patched afterwards.
func LowerProgram(symt *types.SymbolTable, root *ast.Root) (*bytecode.Image, error) {
	lw := newLowerer(symt)

	if err := lw.reserveGlobals(); err != nil {
		return nil, err
	}

	if root.Main == nil {
		return nil, &Error{Msg: "internal: lowering a program without a main function"}
	}
	if err := lw.lowerFunc(root.Main, true); err != nil {
		return nil, err
	}
	for _, fn := range root.Funcs {
		if fn.Name == "main" {
			continue
		}
		if err := lw.lowerFunc(fn, false); err != nil {
			return nil, err
		}
	}

	if err := lw.patchCalls(); err != nil {
		return nil, err
	}
	if err := lw.img.CheckSize(); err != nil {
		return nil, err
	}
	return lw.img, nil
}

// LowerCallSite lowers the bytecode program for a single compile-time call:
// code that computes the call expression (for @eval, its argument),
// terminated by EXIT with the result on top of the stack, followed by the
// functions reachable from the call so every CALL target exists.
//
// Returns an error wrapping ErrUnresolvedComptime when a reachable function
// still contains a different, not yet evaluated compile-time call.
func LowerCallSite(symt *types.SymbolTable, root *ast.Root, call *ast.CallExpr) (*bytecode.Image, error) {
	lw := newLowerer(symt)
	lw.callSiteMode = true
	lw.line = call.Line()

	expr := ast.Expr(call)
	if call.Name == "eval" {
		if len(call.Args) != 1 {
			return nil, &Error{Line: call.Line(), Msg: "internal: @eval without exactly one argument"}
		}
		expr = call.Args[0]
	} else {
		// The call itself is evaluated; lower it as an ordinary call.
		lw.comptimeRoot = call
	}

	if err := lw.lowerExpr(expr); err != nil {
		return nil, err
	}
	lw.img.Emit(bytecode.OpExit, bytecode.NoLine)

	reachable := reachableFuncs(root, expr)
	for _, fn := range root.Funcs {
		if fn.Name == "main" || !reachable[fn.Name] {
			continue
		}
		if err := lw.lowerFunc(fn, false); err != nil {
			return nil, err
		}
	}

	if err := lw.patchCalls(); err != nil {
		return nil, err
	}
	if err := lw.img.CheckSize(); err != nil {
		return nil, err
	}
	return lw.img, nil
}

// reserveGlobals assigns every global variable an absolute stack offset and
// emits the PUSHN that reserves the space. Array elements are word-aligned
// like everything else.
func (lw *lowerer) reserveGlobals() error {
	var space int64
	for _, sym := range lw.symt.Symbols {
		if sym.Kind != types.SymbolGlobalVar {
			continue
		}
		lw.globals[sym.Name] = space
		if at, ok := sym.Type.(*types.ArrayType); ok {
			space += at.Elements * types.WordAlign(at.Elem.ByteSize())
		} else {
			space += sym.Type.ByteSize()
		}
		space = types.WordAlign(space)
	}
	words, err := quarterOf(bytesToWords(space))
	if err != nil {
		return lw.errorf("global variables need %d bytes: %v", space, err)
	}
	lw.img.Emit(bytecode.OpPushN, bytecode.NoLine)
	lw.img.EmitQuarter(words)
	return nil
}

func (lw *lowerer) lowerFunc(decl *ast.FuncDecl, isMain bool) error {
	sym := lw.symt.LookupLocal(decl.Name)
	if sym == nil || sym.Kind != types.SymbolFunc {
		return &Error{Line: decl.Line(), Msg: fmt.Sprintf("internal: no function symbol for %q", decl.Name)}
	}
	ft := sym.Type.(*types.FuncType)
	if ft.Comptime {
		return nil
	}

	lw.funcs[decl.Name] = lw.img.Offset()
	lw.vars = planFrame(ft)
	lw.bpOffset = 0
	lw.inMain = isMain

	lw.img.Emit(bytecode.OpFuncPro, bytecode.NoLine)
	if err := lw.lowerStmt(decl.Body); err != nil {
		return err
	}

	if isMain {
		lw.img.Emit(bytecode.OpExit, bytecode.NoLine)
	} else {
		lw.img.Emit(bytecode.OpRet, bytecode.NoLine)
	}

	lw.vars = nil
	return nil
}

// patchCalls drains the forward-call patch table. A patch whose target was
// never emitted is an internal error: binding guarantees every called
// function exists.
func (lw *lowerer) patchCalls() error {
	for _, p := range lw.patches {
		target, ok := lw.funcs[p.name]
		if !ok {
			return &Error{Msg: fmt.Sprintf("internal: call to %q was never emitted", p.name)}
		}
		lw.img.PatchWord(p.offset, bytecode.Word(target))
	}
	lw.patches = lw.patches[:0]
	return nil
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (lw *lowerer) lowerStmt(stmt ast.Stmt) error {
	lw.line = stmt.Line()
	switch s := stmt.(type) {
	case *ast.BlockStmt:
		return lw.lowerBlock(s)
	case *ast.AssignStmt:
		return lw.lowerAssign(s)
	case *ast.IfStmt:
		return lw.lowerIf(s)
	case *ast.WhileStmt:
		return lw.lowerWhile(s)
	case *ast.BreakStmt:
		return lw.lowerBreak(s)
	case *ast.ContinueStmt:
		return lw.lowerContinue(s)
	case *ast.PrintStmt:
		return lw.lowerPrint(s)
	case *ast.ReturnStmt:
		return lw.lowerReturn(s)
	case *ast.ExprStmt:
		return lw.lowerExprStmt(s)
	}
	return lw.errorf("internal: unhandled statement node %T", stmt)
}

func (lw *lowerer) lowerBlock(s *ast.BlockStmt) error {
	if s.Scope == nil {
		return lw.errorf("internal: block was never bound")
	}
	words := lw.planBlock(s.Scope)
	if words > 0 {
		q, err := quarterOf(words)
		if err != nil {
			return lw.errorf("%v", err)
		}
		lw.img.Emit(bytecode.OpPushN, s.Line())
		lw.img.EmitQuarter(q)
	}

	for _, inner := range s.Stmts {
		if err := lw.lowerStmt(inner); err != nil {
			return err
		}
	}

	if words > 0 {
		q, _ := quarterOf(words)
		lw.img.Emit(bytecode.OpPopN, s.Line())
		lw.img.EmitQuarter(q)
	}
	lw.leaveBlock(words)
	return nil
}

func (lw *lowerer) lowerAssign(s *ast.AssignStmt) error {
	if err := lw.lowerExpr(s.Right); err != nil {
		return err
	}
	lw.store = true
	err := lw.lowerExpr(s.Left)
	lw.store = false
	return err
}

func (lw *lowerer) lowerIf(s *ast.IfStmt) error {
	if err := lw.lowerExpr(s.Cond); err != nil {
		return err
	}
	// If the condition is false, jump past the then-branch
	elseTarget := lw.img.Emit(bytecode.OpBiz, s.Line())
	lw.img.EmitQuarter(0)

	if err := lw.lowerStmt(s.Then); err != nil {
		return err
	}

	endifTarget := -1
	if s.Else != nil {
		endifTarget = lw.img.Emit(bytecode.OpLi, s.Line())
		lw.img.EmitWord(0)
		lw.img.Emit(bytecode.OpJmp, s.Line())
	}

	q, err := quarterOf(int64(lw.img.Offset() - elseTarget - bytecode.QuarterSize))
	if err != nil {
		return lw.errorf("then-branch is too large: %v", err)
	}
	lw.img.PatchQuarter(elseTarget, q)

	if s.Else != nil {
		if err := lw.lowerStmt(s.Else); err != nil {
			return err
		}
		lw.img.PatchWord(endifTarget, bytecode.Word(lw.img.Offset()))
	}
	return nil
}

func (lw *lowerer) lowerWhile(s *ast.WhileStmt) error {
	if len(lw.loops) >= maxLoopDepth {
		return lw.errorf("loop nesting exceeds the maximum depth of %d", maxLoopDepth)
	}
	loopStart := lw.img.Offset()
	lw.loops = append(lw.loops, loopCtx{start: loopStart})

	if err := lw.lowerExpr(s.Cond); err != nil {
		return err
	}
	// If the condition is false, skip the body
	endTarget := lw.img.Emit(bytecode.OpBiz, s.Line())
	lw.img.EmitQuarter(0)

	if err := lw.lowerStmt(s.Body); err != nil {
		return err
	}

	// Jump back to the condition
	lw.img.Emit(bytecode.OpLi, s.Line())
	lw.img.EmitWord(bytecode.Word(loopStart))
	lw.img.Emit(bytecode.OpJmp, s.Line())

	q, err := quarterOf(int64(lw.img.Offset() - endTarget - bytecode.QuarterSize))
	if err != nil {
		return lw.errorf("loop body is too large: %v", err)
	}
	lw.img.PatchQuarter(endTarget, q)

	// Resolve pending breaks to the first instruction after the loop
	ctx := lw.loops[len(lw.loops)-1]
	for _, b := range ctx.breaks {
		lw.img.PatchWord(b, bytecode.Word(lw.img.Offset()))
	}
	lw.loops = lw.loops[:len(lw.loops)-1]
	return nil
}

func (lw *lowerer) lowerBreak(s *ast.BreakStmt) error {
	if len(lw.loops) == 0 {
		return lw.errorf("break outside of a loop")
	}
	ctx := &lw.loops[len(lw.loops)-1]
	if len(ctx.breaks) >= maxBreaksPerLoop {
		return lw.errorf("loop has more than %d break statements", maxBreaksPerLoop)
	}
	placeholder := lw.img.Emit(bytecode.OpLi, s.Line())
	lw.img.EmitWord(0)
	lw.img.Emit(bytecode.OpJmp, s.Line())
	ctx.breaks = append(ctx.breaks, placeholder)
	return nil
}

func (lw *lowerer) lowerContinue(s *ast.ContinueStmt) error {
	if len(lw.loops) == 0 {
		return lw.errorf("continue outside of a loop")
	}
	lw.img.Emit(bytecode.OpLi, s.Line())
	lw.img.EmitWord(bytecode.Word(lw.loops[len(lw.loops)-1].start))
	lw.img.Emit(bytecode.OpJmp, s.Line())
	return nil
}

func (lw *lowerer) lowerPrint(s *ast.PrintStmt) error {
	if len(s.Args) > 255 {
		return lw.errorf("print takes at most 255 arguments")
	}
	for _, arg := range s.Args {
		if err := lw.lowerExpr(arg); err != nil {
			return err
		}
	}
	lw.img.Emit(bytecode.OpPrint, s.Line())
	lw.img.EmitByte(byte(len(s.Args)), s.Line())
	return nil
}

func (lw *lowerer) lowerReturn(s *ast.ReturnStmt) error {
	if err := lw.lowerExpr(s.X); err != nil {
		return err
	}
	// main has no caller frame to return into: its return value stays on
	// top of the stack and becomes the machine's exit word.
	if lw.inMain {
		lw.img.Emit(bytecode.OpExit, s.Line())
		return nil
	}
	// The value is on top of the stack; move it into the return slot
	off, ok := lw.vars.lookup(retSlotName)
	if !ok {
		return lw.errorf("internal: return outside of a function frame")
	}
	q, err := quarterOf(off)
	if err != nil {
		return lw.errorf("%v", err)
	}
	lw.img.Emit(bytecode.OpStBp, s.Line())
	lw.img.EmitQuarter(q)
	lw.img.Emit(bytecode.OpRet, bytecode.NoLine)
	return nil
}

// lowerExprStmt discards the single word the expression leaves behind.
func (lw *lowerer) lowerExprStmt(s *ast.ExprStmt) error {
	if err := lw.lowerExpr(s.X); err != nil {
		return err
	}
	lw.img.Emit(bytecode.OpPopN, s.Line())
	lw.img.EmitQuarter(1)
	return nil
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// lowerExpr emits code that leaves exactly one word on the stack (or, in
// store mode for the left-hand side of an assignment, consumes one).
func (lw *lowerer) lowerExpr(e ast.Expr) error {
	switch x := e.(type) {
	case *ast.LiteralExpr:
		return lw.lowerLiteral(x)
	case *ast.UnaryExpr:
		return lw.lowerUnary(x)
	case *ast.BinaryExpr:
		return lw.lowerBinary(x)
	case *ast.CallExpr:
		return lw.lowerCall(x)
	}
	return lw.errorf("internal: unhandled expression node %T", e)
}

func (lw *lowerer) lowerLiteral(x *ast.LiteralExpr) error {
	switch x.Kind {
	case ast.LitNum:
		v, err := strconv.ParseInt(x.Value, 10, 64)
		if err != nil {
			return lw.errorf("invalid integer literal %q", x.Value)
		}
		lw.img.Emit(bytecode.OpLi, lw.line)
		lw.img.EmitWord(v)
		return nil
	case ast.LitIdent:
		return lw.lowerVar(x.Value, 0)
	}
	return lw.errorf("internal: unhandled literal kind %d", x.Kind)
}

// lowerVar resolves a variable and emits the load or store for it, with an
// extra byte displacement for struct member access.
func (lw *lowerer) lowerVar(name string, displacement int64) error {
	if off, ok := lw.vars.lookup(name); ok {
		q, err := quarterOf(off + displacement)
		if err != nil {
			return lw.errorf("%v", err)
		}
		if lw.store {
			lw.img.Emit(bytecode.OpStBp, lw.line)
		} else {
			lw.img.Emit(bytecode.OpLdBp, lw.line)
		}
		lw.img.EmitQuarter(q)
		return nil
	}

	off, ok := lw.globals[name]
	if !ok {
		if lw.callSiteMode {
			return lw.errorf("variable %q is not available during compile-time evaluation", name)
		}
		return lw.errorf("internal: could not resolve variable %q", name)
	}
	if lw.store {
		lw.img.Emit(bytecode.OpStA, lw.line)
	} else {
		lw.img.Emit(bytecode.OpLdA, lw.line)
	}
	lw.img.EmitWord(off + displacement)
	return nil
}

func (lw *lowerer) lowerUnary(x *ast.UnaryExpr) error {
	switch x.Op {
	case token.TokenMinus:
		// 0 - x: the RHS is lowered first, then the LHS
		if err := lw.lowerExpr(x.X); err != nil {
			return err
		}
		lw.img.Emit(bytecode.OpLi, lw.line)
		lw.img.EmitWord(0)
		lw.img.Emit(bytecode.OpSub, lw.line)
		return nil
	case token.TokenStar, token.TokenAmpersand:
		return lw.errorf("pointers are not supported by the bytecode backend")
	}
	return lw.errorf("internal: unhandled unary operator %s", x.Op)
}

func (lw *lowerer) lowerBinary(x *ast.BinaryExpr) error {
	switch x.Op {
	case token.TokenDot:
		return lw.lowerMemberAccess(x)
	case token.TokenLBracket:
		return lw.lowerIndex(x)
	}

	// RHS first, then LHS: popping then yields the left operand first, so
	// SUB computes left - right.
	if err := lw.lowerExpr(x.Right); err != nil {
		return err
	}
	if err := lw.lowerExpr(x.Left); err != nil {
		return err
	}

	switch x.Op {
	case token.TokenPlus:
		lw.img.Emit(bytecode.OpAdd, lw.line)
	case token.TokenMinus:
		lw.img.Emit(bytecode.OpSub, lw.line)
	case token.TokenStar:
		lw.img.Emit(bytecode.OpMul, lw.line)
	case token.TokenSlash:
		lw.img.Emit(bytecode.OpDiv, lw.line)
	case token.TokenLShift:
		lw.img.Emit(bytecode.OpLshift, lw.line)
	case token.TokenRShift:
		lw.img.Emit(bytecode.OpRshift, lw.line)
	case token.TokenEq:
		// difference, then normalize to 0/1
		lw.img.Emit(bytecode.OpSub, lw.line)
		lw.img.Emit(bytecode.OpNot, lw.line)
	case token.TokenNeq:
		lw.img.Emit(bytecode.OpSub, lw.line)
		lw.img.Emit(bytecode.OpNot, lw.line)
		lw.img.Emit(bytecode.OpNot, lw.line)
	case token.TokenGreater:
		lw.img.Emit(bytecode.OpGt, lw.line)
	case token.TokenLess:
		lw.img.Emit(bytecode.OpLt, lw.line)
	default:
		return lw.errorf("internal: unhandled binary operator %s", x.Op)
	}
	return nil
}

// lowerMemberAccess emits the load or store for s.f at the base variable's
// slot plus the member's byte offset, or the ordinal for an enum member.
func (lw *lowerer) lowerMemberAccess(x *ast.BinaryExpr) error {
	base, ok := x.Left.(*ast.LiteralExpr)
	if !ok || base.Kind != ast.LitIdent {
		return lw.errorf("member access base must be a variable")
	}
	member, ok := x.Right.(*ast.LiteralExpr)
	if !ok || member.Kind != ast.LitIdent {
		return lw.errorf("internal: member access without a member name")
	}

	if base.Sym != nil && base.Sym.Kind == types.SymbolType {
		et, ok := base.Sym.Type.(*types.EnumType)
		if !ok {
			return lw.errorf("internal: member access on non-enum type %q", base.Value)
		}
		if lw.store {
			return lw.errorf("cannot assign to enum member %s.%s", et.TypeName, member.Value)
		}
		lw.img.Emit(bytecode.OpLi, lw.line)
		lw.img.EmitWord(et.Ordinal(member.Value))
		return nil
	}

	st, ok := base.TypeOf().(*types.StructType)
	if !ok {
		return lw.errorf("internal: member access on non-struct %q", base.Value)
	}
	m := st.Member(member.Value)
	if m == nil {
		return lw.errorf("internal: struct %s has no member %q", st.TypeName, member.Value)
	}
	return lw.lowerVar(base.Value, m.Offset)
}

// lowerIndex emits a[i]: evaluate the index, scale it by the word-aligned
// element size, add the array's absolute base offset, then load or store
// through the computed address.
func (lw *lowerer) lowerIndex(x *ast.BinaryExpr) error {
	base, ok := x.Left.(*ast.LiteralExpr)
	if !ok || base.Kind != ast.LitIdent {
		return lw.errorf("internal: array index base must be a variable")
	}
	at, ok := base.TypeOf().(*types.ArrayType)
	if !ok {
		return lw.errorf("internal: indexing a non-array %q", base.Value)
	}
	baseOffset, ok := lw.globals[base.Value]
	if !ok {
		if lw.callSiteMode {
			return lw.errorf("variable %q is not available during compile-time evaluation", base.Value)
		}
		return lw.errorf("internal: array %q has no global slot", base.Value)
	}

	// The index itself is always evaluated in load mode, even when the
	// whole expression is a store target.
	store := lw.store
	lw.store = false
	err := lw.lowerExpr(x.Right)
	lw.store = store
	if err != nil {
		return err
	}

	lw.img.Emit(bytecode.OpLi, lw.line)
	lw.img.EmitWord(types.WordAlign(at.Elem.ByteSize()))
	lw.img.Emit(bytecode.OpMul, lw.line)
	lw.img.Emit(bytecode.OpLi, lw.line)
	lw.img.EmitWord(baseOffset)
	lw.img.Emit(bytecode.OpAdd, lw.line)

	if lw.store {
		lw.img.Emit(bytecode.OpStI, lw.line)
	} else {
		lw.img.Emit(bytecode.OpLdI, lw.line)
	}
	return nil
}

// lowerCall emits the caller side of the call convention: reserve the
// return slot, push the arguments, push the target and CALL, then release
// the argument words. The return value stays on the stack for the
// surrounding expression.
func (lw *lowerer) lowerCall(x *ast.CallExpr) error {
	if x.Resolved {
		return lw.lowerExpr(x.ResolvedNode)
	}
	if x.Comptime && x != lw.comptimeRoot {
		if lw.callSiteMode {
			return fmt.Errorf("line %d: @%s: %w", x.Line(), x.Name, ErrUnresolvedComptime)
		}
		return lw.errorf("internal: lowering unresolved compile-time call @%s", x.Name)
	}

	callee := x.Callee
	if callee == nil {
		callee = lw.symt.Root().Lookup(x.Name)
	}
	if callee == nil || callee.Kind != types.SymbolFunc {
		return lw.errorf("internal: call to unresolved function %q", x.Name)
	}
	ft := callee.Type.(*types.FuncType)

	var argWords int64
	for _, p := range ft.Params {
		argWords += bytesToWords(p.ByteSize())
	}
	retWords := bytesToWords(ft.Return.ByteSize())

	// Stack space for the return value
	retQ, err := quarterOf(retWords)
	if err != nil {
		return lw.errorf("%v", err)
	}
	lw.img.Emit(bytecode.OpPushN, lw.line)
	lw.img.EmitQuarter(retQ)

	// Arguments, in order
	for _, arg := range x.Args {
		if err := lw.lowerExpr(arg); err != nil {
			return err
		}
	}

	// Target address; zero placeholder if the callee is not yet emitted
	operand := lw.img.Emit(bytecode.OpLi, lw.line)
	if start, ok := lw.funcs[x.Name]; ok {
		lw.img.EmitWord(bytecode.Word(start))
	} else {
		lw.patches = append(lw.patches, patchCall{offset: operand, name: x.Name})
		lw.img.EmitWord(0)
	}
	lw.img.Emit(bytecode.OpCall, lw.line)

	// Release the argument words; the return value stays
	argQ, err := quarterOf(argWords)
	if err != nil {
		return lw.errorf("%v", err)
	}
	lw.img.Emit(bytecode.OpPopN, lw.line)
	lw.img.EmitQuarter(argQ)
	return nil
}
