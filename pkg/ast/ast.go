package ast

import (
	"github.com/metaclang/metac/pkg/token"
	"github.com/metaclang/metac/pkg/types"
)

// The AST is a set of tagged sum types: Expr, Stmt and the top-level
// declarations. Every node carries its 1-based source line. Expressions
// additionally carry the type assigned by inference and, for identifiers
// and calls, the symbol they were bound to.

// Node is implemented by every AST node.
type Node interface {
	Line() int64
}

// Expr is implemented by all expression nodes.
type Expr interface {
	Node
	exprNode()
	// TypeOf returns the type assigned by inference, nil before that.
	TypeOf() types.Type
}

// Stmt is implemented by all statement nodes.
type Stmt interface {
	Node
	stmtNode()
}

type pos struct {
	LineNo int64
}

func (p pos) Line() int64 { return p.LineNo }

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// LiteralKind discriminates literal expressions.
type LiteralKind int

const (
	LitNum LiteralKind = iota
	LitString
	LitIdent
)

// LiteralExpr is a number, string or identifier occurrence.
type LiteralExpr struct {
	pos
	Kind  LiteralKind
	Value string // lexeme

	Sym  *types.Symbol // set during binding for identifiers
	Type types.Type    // set during inference
}

// UnaryExpr is negation, dereference or address-of.
type UnaryExpr struct {
	pos
	Op   token.Type
	X    Expr
	Type types.Type
}

// BinaryExpr covers arithmetic, comparison, member access (op '.') and
// array indexing (op '[').
type BinaryExpr struct {
	pos
	Left  Expr
	Op    token.Type
	Right Expr
	Type  types.Type
}

// CallExpr is a function call. Comptime marks an @-prefixed call whose
// result must be computed during compilation; once the driver has run it,
// Resolved is set and ResolvedNode holds the literal that replaces the
// call. Lowering a resolved call lowers ResolvedNode instead.
type CallExpr struct {
	pos
	Name string
	Args []Expr

	Comptime     bool
	Resolved     bool
	ResolvedNode Expr

	Callee *types.Symbol // set during binding
	Type   types.Type    // return type, set during inference
}

func (*LiteralExpr) exprNode() {}
func (*UnaryExpr) exprNode()   {}
func (*BinaryExpr) exprNode()  {}
func (*CallExpr) exprNode()    {}

func (e *LiteralExpr) TypeOf() types.Type { return e.Type }
func (e *UnaryExpr) TypeOf() types.Type   { return e.Type }
func (e *BinaryExpr) TypeOf() types.Type  { return e.Type }
func (e *CallExpr) TypeOf() types.Type    { return e.Type }

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

// AssignStmt assigns Right to Left. Left is an identifier, a member access
// or an array index.
type AssignStmt struct {
	pos
	Left  Expr
	Right Expr
}

type IfStmt struct {
	pos
	Cond Expr
	Then Stmt
	Else Stmt // nil if absent
}

type WhileStmt struct {
	pos
	Cond Expr
	Body Stmt
}

// BlockStmt is a begin..end block with optional leading var declarations.
// Scope is populated during binding with the block's local symbols.
type BlockStmt struct {
	pos
	Decls []TypedIdent
	Stmts []Stmt

	Scope *types.SymbolTable
}

type PrintStmt struct {
	pos
	Args []Expr
}

type ReturnStmt struct {
	pos
	X Expr
}

type BreakStmt struct {
	pos
}

type ContinueStmt struct {
	pos
}

// ExprStmt is a call promoted to a statement; its result is discarded.
type ExprStmt struct {
	pos
	X Expr
}

func (*AssignStmt) stmtNode()   {}
func (*IfStmt) stmtNode()       {}
func (*WhileStmt) stmtNode()    {}
func (*BlockStmt) stmtNode()    {}
func (*PrintStmt) stmtNode()    {}
func (*ReturnStmt) stmtNode()   {}
func (*BreakStmt) stmtNode()    {}
func (*ContinueStmt) stmtNode() {}
func (*ExprStmt) stmtNode()     {}

// ---------------------------------------------------------------------------
// Declarations
// ---------------------------------------------------------------------------

// TypeSpec is the syntactic form of a type annotation, resolved to a
// types.Type during symbol generation.
type TypeSpec struct {
	Name     string
	Pointer  bool
	Array    bool
	Elements int64 // -1 for dynamic arrays
}

// TypedIdent is a name with a type annotation.
type TypedIdent struct {
	Name   string
	Spec   TypeSpec
	LineNo int64
}

type FuncDecl struct {
	pos
	Name   string
	Params []TypedIdent
	Return TypeSpec
	Body   Stmt
}

type StructDecl struct {
	pos
	Name    string
	Members []TypedIdent
}

type EnumDecl struct {
	pos
	Name    string
	Members []string
}

// Root is the parsed program. ComptimeCalls collects pointers to every
// @-call discovered during parsing, in source order; the comptime driver
// drains it to a fixed point.
type Root struct {
	Globals []TypedIdent
	Funcs   []*FuncDecl
	Structs []*StructDecl
	Enums   []*EnumDecl

	Main *FuncDecl // the function named "main", nil if absent

	ComptimeCalls []*CallExpr
}

// NewLiteral constructs a literal expression.
func NewLiteral(kind LiteralKind, value string, line int64) *LiteralExpr {
	return &LiteralExpr{pos: pos{line}, Kind: kind, Value: value}
}

// NewBinary constructs a binary expression.
func NewBinary(left Expr, op token.Type, right Expr, line int64) *BinaryExpr {
	return &BinaryExpr{pos: pos{line}, Left: left, Op: op, Right: right}
}

// NewUnary constructs a unary expression.
func NewUnary(op token.Type, x Expr, line int64) *UnaryExpr {
	return &UnaryExpr{pos: pos{line}, Op: op, X: x}
}

// NewCall constructs a call expression.
func NewCall(name string, args []Expr, comptime bool, line int64) *CallExpr {
	return &CallExpr{pos: pos{line}, Name: name, Args: args, Comptime: comptime}
}

// NewAssign constructs an assignment statement.
func NewAssign(left, right Expr, line int64) *AssignStmt {
	return &AssignStmt{pos: pos{line}, Left: left, Right: right}
}

// NewIf constructs an if statement. else_ may be nil.
func NewIf(cond Expr, then, else_ Stmt, line int64) *IfStmt {
	return &IfStmt{pos: pos{line}, Cond: cond, Then: then, Else: else_}
}

// NewWhile constructs a while statement.
func NewWhile(cond Expr, body Stmt, line int64) *WhileStmt {
	return &WhileStmt{pos: pos{line}, Cond: cond, Body: body}
}

// NewBlock constructs a block statement.
func NewBlock(decls []TypedIdent, stmts []Stmt, line int64) *BlockStmt {
	return &BlockStmt{pos: pos{line}, Decls: decls, Stmts: stmts}
}

// NewPrint constructs a print statement.
func NewPrint(args []Expr, line int64) *PrintStmt {
	return &PrintStmt{pos: pos{line}, Args: args}
}

// NewReturn constructs a return statement.
func NewReturn(x Expr, line int64) *ReturnStmt {
	return &ReturnStmt{pos: pos{line}, X: x}
}

// NewBreak constructs a break statement.
func NewBreak(line int64) *BreakStmt { return &BreakStmt{pos: pos{line}} }

// NewContinue constructs a continue statement.
func NewContinue(line int64) *ContinueStmt { return &ContinueStmt{pos: pos{line}} }

// NewExprStmt promotes an expression to a statement.
func NewExprStmt(x Expr, line int64) *ExprStmt {
	return &ExprStmt{pos: pos{line}, X: x}
}

// NewFunc constructs a function declaration.
func NewFunc(name string, params []TypedIdent, ret TypeSpec, body Stmt, line int64) *FuncDecl {
	return &FuncDecl{pos: pos{line}, Name: name, Params: params, Return: ret, Body: body}
}

// NewStruct constructs a struct declaration.
func NewStruct(name string, members []TypedIdent, line int64) *StructDecl {
	return &StructDecl{pos: pos{line}, Name: name, Members: members}
}

// NewEnum constructs an enum declaration.
func NewEnum(name string, members []string, line int64) *EnumDecl {
	return &EnumDecl{pos: pos{line}, Name: name, Members: members}
}
