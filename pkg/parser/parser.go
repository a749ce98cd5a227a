package parser

import (
	"fmt"
	"strconv"

	"github.com/metaclang/metac/pkg/ast"
	"github.com/metaclang/metac/pkg/lexer"
	"github.com/metaclang/metac/pkg/token"
)

// Error is a parse error with its source line.
type Error struct {
	Line int64
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Parser builds the AST from the token stream. There is no error recovery
// strategy beyond optimistically continuing, so a single real mistake can
// produce several follow-on errors; the first reported one is the cause.
type Parser struct {
	lex  *lexer.Lexer
	errs []*Error

	comptimeCalls []*ast.CallExpr
}

// precedences follows the original operator table: member access binds
// tightest, then multiplicative, additive, shifts, relations.
var precedences = map[token.Type]int{
	token.TokenDot:     15,
	token.TokenStar:    10,
	token.TokenSlash:   10,
	token.TokenPlus:    5,
	token.TokenMinus:   5,
	token.TokenLShift:  4,
	token.TokenRShift:  4,
	token.TokenEq:      3,
	token.TokenNeq:     3,
	token.TokenLess:    3,
	token.TokenGreater: 3,
}

// Parse parses a whole program. The returned Root is usable even when
// errors were found, but must not be compiled further.
func Parse(input string) (*ast.Root, []*Error) {
	p := &Parser{lex: lexer.New(input)}
	root := p.parseRoot()
	root.ComptimeCalls = p.comptimeCalls
	for _, fn := range root.Funcs {
		if fn.Name == "main" {
			root.Main = fn
			break
		}
	}
	return root, p.errs
}

func (p *Parser) errorf(line int64, format string, args ...any) {
	p.errs = append(p.errs, &Error{Line: line, Msg: fmt.Sprintf(format, args...)})
}

func (p *Parser) next() token.Token {
	t := p.lex.Next()
	if t.Type == token.TokenError {
		p.errorf(t.Line, "%s", t.Lexeme)
	}
	return t
}

func (p *Parser) peek() token.Token {
	return p.lex.Peek()
}

func (p *Parser) match(tt token.Type) bool {
	if p.peek().Type == tt {
		p.next()
		return true
	}
	return false
}

func (p *Parser) expect(tt token.Type, msg string) token.Token {
	t := p.peek()
	if t.Type != tt {
		p.errorf(t.Line, "%s (found %s)", msg, t)
		return token.Token{Type: token.TokenError, Line: t.Line}
	}
	return p.next()
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func isBinOp(tt token.Type) bool {
	switch tt {
	case token.TokenPlus, token.TokenMinus, token.TokenStar, token.TokenSlash,
		token.TokenLShift, token.TokenRShift, token.TokenDot,
		token.TokenEq, token.TokenNeq, token.TokenLess, token.TokenGreater:
		return true
	}
	return false
}

func (p *Parser) parseExpr(precedence int) ast.Expr {
	left := p.parsePrimary()
	for {
		next := p.peek()
		if !isBinOp(next.Type) || precedence >= precedences[next.Type] {
			return left
		}
		p.next()
		var right ast.Expr
		if next.Type == token.TokenDot {
			// RHS of member access must be an identifier
			ident := p.expect(token.TokenIdentifier, "expected a struct member name")
			right = ast.NewLiteral(ast.LitIdent, ident.Lexeme, ident.Line)
		} else {
			right = p.parseExpr(precedences[next.Type])
		}
		left = ast.NewBinary(left, next.Type, right, next.Line)
	}
}

func (p *Parser) parsePrimary() ast.Expr {
	t := p.next()
	switch t.Type {
	case token.TokenLParen:
		expr := p.parseExpr(0)
		p.expect(token.TokenRParen, "expected ')' to terminate the grouped expression")
		return expr

	case token.TokenMinus, token.TokenStar, token.TokenAmpersand:
		x := p.parseExpr(0)
		return ast.NewUnary(t.Type, x, t.Line)

	case token.TokenAt:
		ident := p.expect(token.TokenIdentifier, "expected a function name after '@'")
		if p.peek().Type != token.TokenLParen {
			p.errorf(ident.Line, "expected '(' after compile-time call target")
			return ast.NewLiteral(ast.LitIdent, ident.Lexeme, ident.Line)
		}
		return p.parseCall(ident, true)

	case token.TokenNum:
		return ast.NewLiteral(ast.LitNum, t.Lexeme, t.Line)

	case token.TokenIdentifier:
		switch p.peek().Type {
		case token.TokenLParen:
			return p.parseCall(t, false)
		case token.TokenLBracket:
			p.next()
			left := ast.NewLiteral(ast.LitIdent, t.Lexeme, t.Line)
			index := p.parseExpr(0)
			p.expect(token.TokenRBracket, "expected ']' to terminate array indexing")
			return ast.NewBinary(left, token.TokenLBracket, index, t.Line)
		default:
			return ast.NewLiteral(ast.LitIdent, t.Lexeme, t.Line)
		}

	default:
		p.errorf(t.Line, "invalid start of an expression: %s", t)
		return ast.NewLiteral(ast.LitNum, "0", t.Line)
	}
}

// parseCall parses a call whose identifier was already consumed and whose
// next token is '('.
func (p *Parser) parseCall(identifier token.Token, comptime bool) ast.Expr {
	p.next() // '('
	var args []ast.Expr
	if !p.match(token.TokenRParen) {
		args = p.parseExprList()
		p.expect(token.TokenRParen, "expected ')' to end the call")
	}
	call := ast.NewCall(identifier.Lexeme, args, comptime, identifier.Line)
	if comptime {
		p.comptimeCalls = append(p.comptimeCalls, call)
	}
	return call
}

func (p *Parser) parseExprList() []ast.Expr {
	exprs := []ast.Expr{p.parseListElement()}
	for p.match(token.TokenComma) {
		exprs = append(exprs, p.parseListElement())
	}
	return exprs
}

func (p *Parser) parseListElement() ast.Expr {
	if p.peek().Type == token.TokenString {
		t := p.next()
		return ast.NewLiteral(ast.LitString, t.Lexeme, t.Line)
	}
	return p.parseExpr(0)
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (p *Parser) parseStmt() ast.Stmt {
	t := p.next()
	switch t.Type {
	case token.TokenWhile:
		cond := p.parseExpr(0)
		p.expect(token.TokenDo, "expected 'do' to start the while-loop body")
		body := p.parseStmt()
		return ast.NewWhile(cond, body, t.Line)

	case token.TokenIf:
		cond := p.parseExpr(0)
		p.expect(token.TokenThen, "expected 'then' after the if condition")
		then := p.parseStmt()
		var else_ ast.Stmt
		if p.match(token.TokenElse) {
			else_ = p.parseStmt()
		}
		return ast.NewIf(cond, then, else_, t.Line)

	case token.TokenPrint:
		args := p.parseExprList()
		return ast.NewPrint(args, t.Line)

	case token.TokenReturn:
		x := p.parseExpr(0)
		return ast.NewReturn(x, t.Line)

	case token.TokenBreak:
		return ast.NewBreak(t.Line)

	case token.TokenContinue:
		return ast.NewContinue(t.Line)

	case token.TokenBegin:
		return p.parseBlock(t.Line)

	case token.TokenAt:
		// Compile-time call promoted to a statement
		ident := p.expect(token.TokenIdentifier, "expected a function name after '@'")
		if p.peek().Type != token.TokenLParen {
			p.errorf(ident.Line, "expected '(' after compile-time call target")
			return ast.NewExprStmt(ast.NewLiteral(ast.LitNum, "0", t.Line), t.Line)
		}
		call := p.parseCall(ident, true)
		return ast.NewExprStmt(call, t.Line)

	case token.TokenIdentifier:
		return p.parseAssignOrCall(t)

	default:
		p.errorf(t.Line, "illegal first token in statement: %s", t)
		return ast.NewBlock(nil, nil, t.Line)
	}
}

func (p *Parser) parseAssignOrCall(first token.Token) ast.Stmt {
	next := p.peek()
	if next.Type == token.TokenLParen {
		// Function call promoted to a statement
		call := p.parseCall(first, false)
		return ast.NewExprStmt(call, first.Line)
	}

	left := ast.Expr(ast.NewLiteral(ast.LitIdent, first.Lexeme, first.Line))
	switch next.Type {
	case token.TokenDot:
		for p.match(token.TokenDot) {
			ident := p.expect(token.TokenIdentifier, "expected a struct member name")
			right := ast.NewLiteral(ast.LitIdent, ident.Lexeme, ident.Line)
			left = ast.NewBinary(left, token.TokenDot, right, ident.Line)
		}
	case token.TokenLBracket:
		p.next()
		index := p.parseExpr(0)
		p.expect(token.TokenRBracket, "expected ']' to terminate array indexing")
		left = ast.NewBinary(left, token.TokenLBracket, index, first.Line)
	}

	assign := p.expect(token.TokenAssign, "expected ':=' in assignment")
	right := p.parseExpr(0)
	return ast.NewAssign(left, right, assign.Line)
}

func (p *Parser) parseBlock(line int64) *ast.BlockStmt {
	var decls []ast.TypedIdent
	for p.match(token.TokenVar) {
		decls = append(decls, p.parseTypedIdentList(false, true)...)
	}

	var stmts []ast.Stmt
	for {
		next := p.peek()
		if next.Type == token.TokenEnd {
			p.next()
			break
		}
		if next.Type == token.TokenEOF {
			p.errorf(next.Line, "found EOF inside a block, expected 'end'")
			break
		}
		stmts = append(stmts, p.parseStmt())
	}
	return ast.NewBlock(decls, stmts, line)
}

// ---------------------------------------------------------------------------
// Declarations
// ---------------------------------------------------------------------------

func (p *Parser) parseType(allowArrays bool) ast.TypeSpec {
	p.expect(token.TokenColon, "expected ':' before the type annotation")
	pointer := p.match(token.TokenCaret)
	name := p.expect(token.TokenIdentifier, "expected a type name after ':'")
	spec := ast.TypeSpec{Name: name.Lexeme, Pointer: pointer}
	if !p.match(token.TokenLBracket) {
		return spec
	}
	if !allowArrays {
		p.errorf(name.Line, "array types are not allowed here")
		p.expect(token.TokenRBracket, "expected ']'")
		return spec
	}
	spec.Array = true
	spec.Elements = -1
	if p.peek().Type == token.TokenNum {
		t := p.next()
		n, err := strconv.ParseInt(t.Lexeme, 10, 32)
		if err != nil {
			p.errorf(t.Line, "invalid array length %q", t.Lexeme)
		}
		spec.Elements = n
	}
	p.expect(token.TokenRBracket, "expected ']' to terminate the array type")
	return spec
}

// parseTypedIdentList parses a comma separated list of identifiers, each
// with a type annotation when typed is true.
func (p *Parser) parseTypedIdentList(allowArrays, typed bool) []ast.TypedIdent {
	var idents []ast.TypedIdent
	for {
		name := p.expect(token.TokenIdentifier, "expected a variable name")
		ti := ast.TypedIdent{Name: name.Lexeme, LineNo: name.Line}
		if typed {
			ti.Spec = p.parseType(allowArrays)
		}
		idents = append(idents, ti)
		if !p.match(token.TokenComma) {
			return idents
		}
	}
}

func (p *Parser) parseFunc(line int64) *ast.FuncDecl {
	name := p.expect(token.TokenIdentifier, "expected a function name")
	p.expect(token.TokenLParen, "expected '(' to start the parameter list")
	var params []ast.TypedIdent
	if p.peek().Type != token.TokenRParen {
		params = p.parseTypedIdentList(true, true)
	}
	p.expect(token.TokenRParen, "expected ')' to terminate the parameter list")
	ret := p.parseType(true)
	body := p.parseStmt()
	return ast.NewFunc(name.Lexeme, params, ret, body, line)
}

func (p *Parser) parseRoot() *ast.Root {
	root := &ast.Root{}
	for {
		t := p.next()
		switch t.Type {
		case token.TokenEOF:
			return root
		case token.TokenVar:
			root.Globals = append(root.Globals, p.parseTypedIdentList(true, true)...)
		case token.TokenFunc:
			root.Funcs = append(root.Funcs, p.parseFunc(t.Line))
		case token.TokenStruct:
			name := p.expect(token.TokenIdentifier, "expected a struct name")
			p.expect(token.TokenAssign, "expected ':=' after the struct name")
			members := p.parseTypedIdentList(true, true)
			root.Structs = append(root.Structs, ast.NewStruct(name.Lexeme, members, t.Line))
		case token.TokenEnum:
			name := p.expect(token.TokenIdentifier, "expected an enum name")
			p.expect(token.TokenAssign, "expected ':=' after the enum name")
			idents := p.parseTypedIdentList(false, false)
			members := make([]string, len(idents))
			for i, ti := range idents {
				members[i] = ti.Name
			}
			root.Enums = append(root.Enums, ast.NewEnum(name.Lexeme, members, t.Line))
		case token.TokenError:
			return root
		default:
			p.errorf(t.Line, "illegal top-level token %s, expected var, func, struct or enum", t)
		}
	}
}
