package lexer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sellesoft/lpp/internal/source"
	"github.com/sellesoft/lpp/internal/token"
)

func lex(t *testing.T, text string) []token.Token {
	t.Helper()
	src := source.New("test.lpp")
	src.WriteCache([]byte(text))
	l := New(src, nil)
	toks, err := l.Run()
	require.NoError(t, err)
	return toks
}

func kinds(toks []token.Token) []token.Kind {
	out := make([]token.Kind, len(toks))
	for i, t := range toks {
		out[i] = t.Kind
	}
	return out
}

func TestLexPureDocument(t *testing.T) {
	toks := lex(t, "hello world")
	require.Equal(t, []token.Kind{token.Document, token.Eof}, kinds(toks))
}

func TestLexTrailingWhitespaceSplit(t *testing.T) {
	toks := lex(t, "hello $(1)")
	require.Equal(t, []token.Kind{token.Document, token.Whitespace, token.LuaInline, token.Eof}, kinds(toks))
}

func TestLexLuaLine(t *testing.T) {
	src := source.New("t.lpp")
	src.WriteCache([]byte("$ local x = 1\nrest"))
	l := New(src, nil)
	toks, err := l.Run()
	require.NoError(t, err)
	require.Equal(t, []token.Kind{token.LuaLine, token.Document, token.Eof}, kinds(toks))
	require.Equal(t, " local x = 1", l.TokenText(toks[0]))
}

func TestLexLuaInlineNesting(t *testing.T) {
	src := source.New("t.lpp")
	src.WriteCache([]byte("$(f(1, 2))"))
	l := New(src, nil)
	toks, err := l.Run()
	require.NoError(t, err)
	require.Equal(t, token.LuaInline, toks[0].Kind)
	require.Equal(t, "f(1, 2)", l.TokenText(toks[0]))
}

func TestLexLuaBlock(t *testing.T) {
	src := source.New("t.lpp")
	src.WriteCache([]byte("$$$\nlocal x = 1\n$$$"))
	l := New(src, nil)
	toks, err := l.Run()
	require.NoError(t, err)
	require.Equal(t, token.LuaBlock, toks[0].Kind)
	require.Equal(t, "\nlocal x = 1\n", l.TokenText(toks[0]))
}

func TestLexMacroSimple(t *testing.T) {
	src := source.New("t.lpp")
	src.WriteCache([]byte("@macro"))
	l := New(src, nil)
	toks, err := l.Run()
	require.NoError(t, err)
	require.Equal(t, []token.Kind{token.MacroSymbol, token.MacroIdentifier, token.Eof}, kinds(toks))
	require.Equal(t, "macro", l.TokenText(toks[1]))
}

func TestLexMacroImmediate(t *testing.T) {
	src := source.New("t.lpp")
	src.WriteCache([]byte("@@macro"))
	l := New(src, nil)
	toks, err := l.Run()
	require.NoError(t, err)
	require.Equal(t, token.MacroSymbolImmediate, toks[0].Kind)
}

func TestLexMacroTupleArgs(t *testing.T) {
	src := source.New("t.lpp")
	src.WriteCache([]byte(`@macro(a, b, {c, d})`))
	l := New(src, nil)
	toks, err := l.Run()
	require.NoError(t, err)
	var args []string
	for _, tok := range toks {
		if tok.Kind == token.MacroTupleArg {
			args = append(args, l.TokenText(tok))
		}
	}
	require.Equal(t, []string{"a", " b", " {c, d}"}, args)
}

func TestLexMacroStringArg(t *testing.T) {
	src := source.New("t.lpp")
	src.WriteCache([]byte(`@macro"hello"`))
	l := New(src, nil)
	toks, err := l.Run()
	require.NoError(t, err)
	var found bool
	for _, tok := range toks {
		if tok.Kind == token.MacroStringArg {
			require.Equal(t, "hello", l.TokenText(tok))
			found = true
		}
	}
	require.True(t, found)
}

func TestLexMacroMethodSyntax(t *testing.T) {
	src := source.New("t.lpp")
	src.WriteCache([]byte(`@obj:method`))
	l := New(src, nil)
	toks, err := l.Run()
	require.NoError(t, err)
	require.Equal(t, token.MacroMethod, toks[1].Kind)
	require.Equal(t, "obj:method", l.TokenText(toks[1]))
}

func TestLexEscapedMacroSigil(t *testing.T) {
	src := source.New("t.lpp")
	src.WriteCache([]byte(`\@notamacro`))
	l := New(src, nil)
	toks, err := l.Run()
	require.NoError(t, err)
	require.Equal(t, token.Document, toks[0].Kind)
	require.Equal(t, "@notamacro", l.TokenText(toks[0]))
}

func TestLexUnterminatedLuaBlockErrors(t *testing.T) {
	src := source.New("t.lpp")
	src.WriteCache([]byte("$$$\nno terminator"))
	l := New(src, nil)
	_, err := l.Run()
	require.Error(t, err)
}

func TestLexUnterminatedInlineErrors(t *testing.T) {
	src := source.New("t.lpp")
	src.WriteCache([]byte("$(1 + "))
	l := New(src, nil)
	_, err := l.Run()
	require.Error(t, err)
}

func TestLexHereDocArgIsRejected(t *testing.T) {
	src := source.New("t.lpp")
	src.WriteCache([]byte("@foo<-END\nbody\nEND"))
	l := New(src, nil)
	_, err := l.Run()
	require.Error(t, err)
}
