package sem

import (
	"fmt"

	"github.com/metaclang/metac/pkg/ast"
	"github.com/metaclang/metac/pkg/token"
	"github.com/metaclang/metac/pkg/types"
)

// Error is a semantic error with its source line.
type Error struct {
	Line int64
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// EvalBuiltin is the builtin compile-time function: @eval(expr) computes its
// single argument during compilation.
const EvalBuiltin = "eval"

// Check runs the typing passes over the AST: declare global symbols and
// types, resolve struct members and detect cycles, then bind and type every
// function body. It is re-run by the comptime driver after each resolution
// round, rebuilding all symbol information from scratch.
//
// The returned table is the root symbol table. When errors are returned the
// AST must not be lowered.
func Check(root *ast.Root) (*types.SymbolTable, []*Error) {
	c := &checker{root: root, symt: types.NewSymbolTable(nil)}
	c.declareBuiltins()
	c.declareTypes()
	c.declareFuncs()
	c.declareGlobals()
	if len(c.errs) == 0 {
		c.checkStructCycles()
	}
	if len(c.errs) == 0 {
		// Offsets are assigned once every member is resolved and no struct
		// contains itself: sizing a cyclic struct would never terminate.
		for _, decl := range root.Structs {
			if sym := c.symt.LookupLocal(decl.Name); sym != nil {
				if st, ok := sym.Type.(*types.StructType); ok {
					st.AssignOffsets()
				}
			}
		}
		for _, fn := range root.Funcs {
			c.checkFunc(fn)
		}
		if root.Main == nil {
			c.errorf(0, "program has no main function")
		}
	}
	return c.symt, c.errs
}

type checker struct {
	root *ast.Root
	symt *types.SymbolTable
	errs []*Error

	fn        *types.Symbol // function being checked
	scope     *types.SymbolTable
	loopDepth int
}

func (c *checker) errorf(line int64, format string, args ...any) {
	c.errs = append(c.errs, &Error{Line: line, Msg: fmt.Sprintf(format, args...)})
}

// ---------------------------------------------------------------------------
// Declaration passes
// ---------------------------------------------------------------------------

func (c *checker) declareBuiltins() {
	for _, bits := range []int{8, 16, 32, 64} {
		name := fmt.Sprintf("s%d", bits)
		t := &types.IntegerType{TypeName: name, Bits: bits, Signed: true}
		c.define(types.SymbolType, name, t, 0)
	}
	c.define(types.SymbolType, "bool", &types.BoolType{}, 0)
}

func (c *checker) define(kind types.SymbolKind, name string, t types.Type, line int64) *types.Symbol {
	sym, err := c.symt.Define(kind, name, t)
	if err != nil {
		c.errorf(line, "%v", err)
	}
	return sym
}

func (c *checker) declareTypes() {
	for _, decl := range c.root.Enums {
		t := &types.EnumType{TypeName: decl.Name, Members: decl.Members}
		c.define(types.SymbolType, decl.Name, t, decl.Line())
	}
	structID := 0
	for _, decl := range c.root.Structs {
		t := &types.StructType{TypeName: decl.Name, ID: structID}
		structID++
		c.define(types.SymbolType, decl.Name, t, decl.Line())
	}
	// Resolve members only after every nominal type is declared, so structs
	// can reference structs declared after them.
	for _, decl := range c.root.Structs {
		sym := c.symt.LookupLocal(decl.Name)
		st, ok := sym.Type.(*types.StructType)
		if !ok {
			continue
		}
		for _, m := range decl.Members {
			mt := c.resolveSpec(m.Spec, m.LineNo)
			if mt == nil {
				continue
			}
			st.Members = append(st.Members, &types.StructMember{Name: m.Name, Type: mt})
		}
	}
}

func (c *checker) declareFuncs() {
	for _, decl := range c.root.Funcs {
		ft := &types.FuncType{TypeName: decl.Name}
		ft.Return = c.resolveSpec(decl.Return, decl.Line())
		for _, p := range decl.Params {
			pt := c.resolveSpec(p.Spec, p.LineNo)
			ft.ParamNames = append(ft.ParamNames, p.Name)
			ft.Params = append(ft.Params, pt)
		}
		sym := c.define(types.SymbolFunc, decl.Name, ft, decl.Line())
		if sym == nil || sym.Local == nil {
			continue
		}
		for i, p := range decl.Params {
			if _, err := sym.Local.Define(types.SymbolParam, p.Name, ft.Params[i]); err != nil {
				c.errorf(p.LineNo, "%v", err)
			}
		}
	}
}

func (c *checker) declareGlobals() {
	for _, g := range c.root.Globals {
		t := c.resolveSpec(g.Spec, g.LineNo)
		c.define(types.SymbolGlobalVar, g.Name, t, g.LineNo)
	}
}

// resolveSpec turns a syntactic type annotation into a type.
func (c *checker) resolveSpec(spec ast.TypeSpec, line int64) types.Type {
	sym := c.symt.Lookup(spec.Name)
	if sym == nil {
		c.errorf(line, "type %q is not declared", spec.Name)
		return nil
	}
	if sym.Kind != types.SymbolType {
		c.errorf(line, "%q is a %s, not a type", spec.Name, sym.Kind)
		return nil
	}
	t := sym.Type
	if spec.Pointer {
		t = &types.PointerType{To: t}
	}
	if spec.Array {
		if spec.Elements <= 0 {
			c.errorf(line, "array type needs a fixed positive length")
			return nil
		}
		t = &types.ArrayType{Elem: t, Elements: spec.Elements}
	}
	return t
}

// checkStructCycles rejects structs that contain themselves, directly or
// through other structs or arrays of structs.
func (c *checker) checkStructCycles() {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[*types.StructType]int)

	var visit func(st *types.StructType) bool
	visit = func(st *types.StructType) bool {
		switch state[st] {
		case inStack:
			c.errorf(0, "struct %s contains itself", st.TypeName)
			return false
		case done:
			return true
		}
		state[st] = inStack
		for _, m := range st.Members {
			var member *types.StructType
			switch mt := m.Type.(type) {
			case *types.StructType:
				member = mt
			case *types.ArrayType:
				if s, ok := mt.Elem.(*types.StructType); ok {
					member = s
				}
			}
			if member != nil && !visit(member) {
				return false
			}
		}
		state[st] = done
		return true
	}

	for _, sym := range c.symt.Symbols {
		if st, ok := sym.Type.(*types.StructType); ok && sym.Kind == types.SymbolType {
			if !visit(st) {
				return
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Function bodies
// ---------------------------------------------------------------------------

func (c *checker) checkFunc(decl *ast.FuncDecl) {
	sym := c.symt.LookupLocal(decl.Name)
	if sym == nil || sym.Kind != types.SymbolFunc {
		return
	}
	c.fn = sym
	c.scope = sym.Local
	c.loopDepth = 0
	if decl.Body != nil {
		c.checkStmt(decl.Body)
	}
	if decl.Name == "main" {
		ft := sym.Type.(*types.FuncType)
		if len(ft.Params) != 0 {
			c.errorf(decl.Line(), "main must not take parameters")
		}
		if ft.Return != nil && ft.Return.Kind() != types.KindInteger {
			c.errorf(decl.Line(), "main must return an integer")
		}
	}
	c.fn = nil
	c.scope = nil
}

func (c *checker) checkStmt(stmt ast.Stmt) {
	switch s := stmt.(type) {
	case *ast.BlockStmt:
		scope := types.NewSymbolTable(c.scope)
		s.Scope = scope
		c.scope = scope
		for _, d := range s.Decls {
			t := c.resolveSpec(d.Spec, d.LineNo)
			if _, err := scope.Define(types.SymbolLocalVar, d.Name, t); err != nil {
				c.errorf(d.LineNo, "%v", err)
			}
		}
		for _, inner := range s.Stmts {
			c.checkStmt(inner)
		}
		c.scope = scope.Parent

	case *ast.AssignStmt:
		right := c.checkExpr(s.Right)
		left := c.checkLValue(s.Left)
		if left != nil && right != nil && !assignable(left, right) {
			c.errorf(s.Line(), "cannot assign %s to %s", types.String(right), types.String(left))
		}

	case *ast.IfStmt:
		c.checkCond(s.Cond)
		c.checkStmt(s.Then)
		if s.Else != nil {
			c.checkStmt(s.Else)
		}

	case *ast.WhileStmt:
		c.checkCond(s.Cond)
		c.loopDepth++
		c.checkStmt(s.Body)
		c.loopDepth--

	case *ast.BreakStmt:
		if c.loopDepth == 0 {
			c.errorf(s.Line(), "break outside of a loop")
		}

	case *ast.ContinueStmt:
		if c.loopDepth == 0 {
			c.errorf(s.Line(), "continue outside of a loop")
		}

	case *ast.PrintStmt:
		if len(s.Args) > 255 {
			c.errorf(s.Line(), "print takes at most 255 arguments")
		}
		for _, arg := range s.Args {
			t := c.checkExpr(arg)
			if t == nil {
				continue
			}
			switch t.Kind() {
			case types.KindInteger, types.KindBool, types.KindEnum:
			default:
				c.errorf(s.Line(), "cannot print a value of type %s", types.String(t))
			}
		}

	case *ast.ReturnStmt:
		t := c.checkExpr(s.X)
		ft := c.fn.Type.(*types.FuncType)
		if t != nil && ft.Return != nil && !assignable(ft.Return, t) {
			c.errorf(s.Line(), "return value is %s, function returns %s",
				types.String(t), types.String(ft.Return))
		}

	case *ast.ExprStmt:
		c.checkExpr(s.X)
	}
}

func (c *checker) checkCond(cond ast.Expr) {
	t := c.checkExpr(cond)
	if t == nil {
		return
	}
	if t.Kind() != types.KindBool && t.Kind() != types.KindInteger {
		c.errorf(cond.Line(), "condition must be a boolean or integer, not %s", types.String(t))
	}
}

// checkLValue types the target of an assignment.
func (c *checker) checkLValue(e ast.Expr) types.Type {
	switch lv := e.(type) {
	case *ast.LiteralExpr:
		if lv.Kind != ast.LitIdent {
			c.errorf(lv.Line(), "cannot assign to a literal")
			return nil
		}
		return c.checkExpr(e)
	case *ast.BinaryExpr:
		if lv.Op == token.TokenDot || lv.Op == token.TokenLBracket {
			return c.checkExpr(e)
		}
	case *ast.UnaryExpr:
		if lv.Op == token.TokenStar {
			return c.checkExpr(e)
		}
	}
	c.errorf(e.Line(), "invalid assignment target")
	return nil
}

// ---------------------------------------------------------------------------
// Expressions: binding and inference in one bottom-up walk
// ---------------------------------------------------------------------------

func (c *checker) checkExpr(e ast.Expr) types.Type {
	switch x := e.(type) {
	case *ast.LiteralExpr:
		return c.checkLiteral(x)
	case *ast.UnaryExpr:
		return c.checkUnary(x)
	case *ast.BinaryExpr:
		return c.checkBinary(x)
	case *ast.CallExpr:
		return c.checkCall(x)
	}
	c.errorf(e.Line(), "internal: unhandled expression node %T", e)
	return nil
}

func (c *checker) checkLiteral(x *ast.LiteralExpr) types.Type {
	switch x.Kind {
	case ast.LitNum:
		x.Type = c.builtin("s32")
	case ast.LitString:
		c.errorf(x.Line(), "string values are not supported by the bytecode backend")
		return nil
	case ast.LitIdent:
		sym := c.scope.Lookup(x.Value)
		if sym == nil {
			c.errorf(x.Line(), "undeclared identifier %q", x.Value)
			return nil
		}
		if sym.Kind == types.SymbolType || sym.Kind == types.SymbolFunc {
			c.errorf(x.Line(), "%q is a %s, not a value", x.Value, sym.Kind)
			return nil
		}
		x.Sym = sym
		x.Type = sym.Type
	}
	return x.Type
}

// assignable reports whether a value of type src can be stored into dst.
// Integers of different widths are interchangeable: stack cells are whole
// words regardless of the declared width, which only affects memory layout.
func assignable(dst, src types.Type) bool {
	if types.Equal(dst, src) {
		return true
	}
	return dst.Kind() == types.KindInteger && src.Kind() == types.KindInteger
}

func (c *checker) checkUnary(x *ast.UnaryExpr) types.Type {
	t := c.checkExpr(x.X)
	if t == nil {
		return nil
	}
	switch x.Op {
	case token.TokenMinus:
		if t.Kind() != types.KindInteger {
			c.errorf(x.Line(), "cannot negate a value of type %s", types.String(t))
			return nil
		}
		x.Type = t
	case token.TokenStar:
		pt, ok := t.(*types.PointerType)
		if !ok {
			c.errorf(x.Line(), "cannot dereference a value of type %s", types.String(t))
			return nil
		}
		x.Type = pt.To
	case token.TokenAmpersand:
		x.Type = &types.PointerType{To: t}
	default:
		c.errorf(x.Line(), "internal: unhandled unary operator %s", x.Op)
		return nil
	}
	return x.Type
}

func (c *checker) checkBinary(x *ast.BinaryExpr) types.Type {
	switch x.Op {
	case token.TokenDot:
		return c.checkMemberAccess(x)
	case token.TokenLBracket:
		return c.checkIndex(x)
	}

	left := c.checkExpr(x.Left)
	right := c.checkExpr(x.Right)
	if left == nil || right == nil {
		return nil
	}
	if left.Kind() != types.KindInteger || right.Kind() != types.KindInteger {
		c.errorf(x.Line(), "operator %s needs integer operands, got %s and %s",
			x.Op, types.String(left), types.String(right))
		return nil
	}

	switch x.Op {
	case token.TokenEq, token.TokenNeq, token.TokenLess, token.TokenGreater:
		x.Type = c.builtin("bool")
	default:
		x.Type = left
	}
	return x.Type
}

func (c *checker) checkMemberAccess(x *ast.BinaryExpr) types.Type {
	member, ok := x.Right.(*ast.LiteralExpr)
	if !ok || member.Kind != ast.LitIdent {
		c.errorf(x.Line(), "member access needs a member name on the right of '.'")
		return nil
	}

	// Enum member access: Color.red
	if base, ok := x.Left.(*ast.LiteralExpr); ok && base.Kind == ast.LitIdent {
		if sym := c.scope.Lookup(base.Value); sym != nil && sym.Kind == types.SymbolType {
			et, ok := sym.Type.(*types.EnumType)
			if !ok {
				c.errorf(x.Line(), "%q is not an enum", base.Value)
				return nil
			}
			if et.Ordinal(member.Value) < 0 {
				c.errorf(x.Line(), "enum %s has no member %q", et.TypeName, member.Value)
				return nil
			}
			base.Sym = sym
			base.Type = sym.Type
			member.Type = sym.Type
			x.Type = sym.Type
			return x.Type
		}
	}

	left := c.checkExpr(x.Left)
	if left == nil {
		return nil
	}
	st, ok := left.(*types.StructType)
	if !ok {
		c.errorf(x.Line(), "cannot access member %q of non-struct type %s",
			member.Value, types.String(left))
		return nil
	}
	m := st.Member(member.Value)
	if m == nil {
		c.errorf(x.Line(), "struct %s has no member %q", st.TypeName, member.Value)
		return nil
	}
	member.Type = m.Type
	x.Type = m.Type
	return x.Type
}

func (c *checker) checkIndex(x *ast.BinaryExpr) types.Type {
	base, ok := x.Left.(*ast.LiteralExpr)
	if !ok || base.Kind != ast.LitIdent {
		c.errorf(x.Line(), "only named arrays can be indexed")
		return nil
	}
	left := c.checkExpr(base)
	if left == nil {
		return nil
	}
	at, ok := left.(*types.ArrayType)
	if !ok {
		c.errorf(x.Line(), "cannot index a value of type %s", types.String(left))
		return nil
	}
	if base.Sym != nil && base.Sym.Kind != types.SymbolGlobalVar {
		c.errorf(x.Line(), "only global arrays can be indexed")
		return nil
	}
	index := c.checkExpr(x.Right)
	if index != nil && index.Kind() != types.KindInteger {
		c.errorf(x.Line(), "array index must be an integer, not %s", types.String(index))
		return nil
	}
	x.Type = at.Elem
	return x.Type
}

func (c *checker) checkCall(x *ast.CallExpr) types.Type {
	// A resolved compile-time call behaves as the literal that replaced it.
	if x.Resolved {
		x.Type = c.checkExpr(x.ResolvedNode)
		return x.Type
	}

	if x.Comptime && x.Name == EvalBuiltin {
		if len(x.Args) != 1 {
			c.errorf(x.Line(), "@eval takes exactly one argument")
			return nil
		}
		t := c.checkExpr(x.Args[0])
		if t != nil && t.Kind() != types.KindInteger {
			c.errorf(x.Line(), "@eval argument must be an integer expression, got %s", types.String(t))
			return nil
		}
		x.Type = t
		return x.Type
	}

	sym := c.scope.Lookup(x.Name)
	if sym == nil {
		c.errorf(x.Line(), "call to undeclared function %q", x.Name)
		return nil
	}
	if sym.Kind != types.SymbolFunc {
		c.errorf(x.Line(), "%q is a %s, not a function", x.Name, sym.Kind)
		return nil
	}
	x.Callee = sym
	ft := sym.Type.(*types.FuncType)
	if len(x.Args) != len(ft.Params) {
		c.errorf(x.Line(), "%s takes %d arguments, got %d", x.Name, len(ft.Params), len(x.Args))
	}
	for i, arg := range x.Args {
		if i >= len(ft.Params) {
			break
		}
		t := c.checkExpr(arg)
		if t != nil && ft.Params[i] != nil && !assignable(ft.Params[i], t) {
			c.errorf(arg.Line(), "argument %d of %s is %s, expected %s",
				i+1, x.Name, types.String(t), types.String(ft.Params[i]))
		}
	}
	x.Type = ft.Return
	return x.Type
}

func (c *checker) builtin(name string) types.Type {
	sym := c.symt.Root().LookupLocal(name)
	if sym == nil {
		return nil
	}
	return sym.Type
}
