package lexer

import (
	"testing"

	"github.com/metaclang/metac/pkg/token"
)

func collect(input string) []token.Token {
	l := New(input)
	var tokens []token.Token
	for {
		t := l.Next()
		tokens = append(tokens, t)
		if t.Type == token.TokenEOF || t.Type == token.TokenError {
			return tokens
		}
	}
}

func TestLexerBasicProgram(t *testing.T) {
	input := "func main(): s32 begin print 1 + 2 return 0 end"
	expected := []token.Type{
		token.TokenFunc, token.TokenIdentifier, token.TokenLParen, token.TokenRParen,
		token.TokenColon, token.TokenIdentifier, token.TokenBegin,
		token.TokenPrint, token.TokenNum, token.TokenPlus, token.TokenNum,
		token.TokenReturn, token.TokenNum, token.TokenEnd, token.TokenEOF,
	}

	tokens := collect(input)
	if len(tokens) != len(expected) {
		t.Fatalf("expected %d tokens, got %d: %v", len(expected), len(tokens), tokens)
	}
	for i, tt := range expected {
		if tokens[i].Type != tt {
			t.Errorf("token %d: expected %s, got %s", i, tt, tokens[i])
		}
	}
}

func TestLexerOperators(t *testing.T) {
	input := ":= : << >> != = < > @ . ^ &"
	expected := []token.Type{
		token.TokenAssign, token.TokenColon, token.TokenLShift, token.TokenRShift,
		token.TokenNeq, token.TokenEq, token.TokenLess, token.TokenGreater,
		token.TokenAt, token.TokenDot, token.TokenCaret, token.TokenAmpersand,
		token.TokenEOF,
	}
	tokens := collect(input)
	if len(tokens) != len(expected) {
		t.Fatalf("expected %d tokens, got %d", len(expected), len(tokens))
	}
	for i, tt := range expected {
		if tokens[i].Type != tt {
			t.Errorf("token %d: expected %s, got %s", i, tt, tokens[i])
		}
	}
}

func TestLexerLineNumbers(t *testing.T) {
	input := "func\nmain\n\n42"
	tokens := collect(input)
	lines := []int64{1, 2, 4, 4}
	for i, want := range lines {
		if tokens[i].Line != want {
			t.Errorf("token %d (%s): expected line %d, got %d", i, tokens[i], want, tokens[i].Line)
		}
	}
}

func TestLexerSkipsComments(t *testing.T) {
	tokens := collect("1 // a comment\n2")
	if tokens[0].Lexeme != "1" || tokens[1].Lexeme != "2" {
		t.Fatalf("comment was not skipped: %v", tokens)
	}
	if tokens[1].Line != 2 {
		t.Errorf("expected second token on line 2, got %d", tokens[1].Line)
	}
}

func TestLexerStringLiteral(t *testing.T) {
	tokens := collect(`print "hello world"`)
	if tokens[1].Type != token.TokenString || tokens[1].Lexeme != "hello world" {
		t.Fatalf("expected string literal, got %v", tokens[1])
	}
}

func TestLexerBadCharacter(t *testing.T) {
	tokens := collect("1 ? 2")
	last := tokens[len(tokens)-1]
	if last.Type != token.TokenError {
		t.Fatalf("expected an error token, got %v", tokens)
	}
}

func TestLexerPeekDoesNotConsume(t *testing.T) {
	l := New("42 end")
	if l.Peek().Type != token.TokenNum {
		t.Fatal("peek should see the number")
	}
	if l.Next().Type != token.TokenNum {
		t.Fatal("next should still return the number after peek")
	}
	if l.Next().Type != token.TokenEnd {
		t.Fatal("expected 'end' after the number")
	}
}
