package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sellesoft/lpp/internal/lexer"
	"github.com/sellesoft/lpp/internal/source"
)

func parse(t *testing.T, text string) *Result {
	t.Helper()
	src := source.New("test.lpp")
	src.WriteCache([]byte(text))
	l := lexer.New(src, nil)
	toks, err := l.Run()
	require.NoError(t, err)
	res, err := New(src, toks).Run()
	require.NoError(t, err)
	return res
}

func TestParseDocumentEmitsDoc(t *testing.T) {
	res := parse(t, "hello")
	require.Contains(t, string(res.Meta), `doc(0, "hello")`)
}

func TestParseEscapeSanitizesQuotes(t *testing.T) {
	res := parse(t, `he said "hi"`)
	require.Contains(t, string(res.Meta), `\"hi\"`)
}

func TestParseLuaInlineEmitsVal(t *testing.T) {
	res := parse(t, "$(1 + 1)")
	// the LuaInline token starts after "$(", at offset 2
	require.Contains(t, string(res.Meta), "val(2, (1 + 1))")
}

func TestParseLuaLineVerbatim(t *testing.T) {
	res := parse(t, "$ local x = 1\n")
	require.Contains(t, string(res.Meta), " local x = 1")
}

func TestParseSimpleMacroNoArgs(t *testing.T) {
	res := parse(t, "@foo")
	meta := string(res.Meta)
	require.Contains(t, meta, `macro(0, "", "foo", false, foo)`)
}

func TestParseMacroWithTupleArgs(t *testing.T) {
	res := parse(t, "@foo(a, b)")
	meta := string(res.Meta)
	require.True(t, strings.Contains(meta, "macro(0,"))
	require.True(t, strings.Contains(meta, "lpp.MacroPart("))
}

func TestParseMacroImmediateEmitsDocWrappingMacroImmediate(t *testing.T) {
	res := parse(t, "@@foo")
	meta := string(res.Meta)
	require.Contains(t, meta, "doc(0, macro_immediate(0,")
}

func TestParseMethodMacroSplitsCallee(t *testing.T) {
	res := parse(t, "@obj:method")
	meta := string(res.Meta)
	require.Contains(t, meta, `"obj:method"`)
	require.Contains(t, meta, "true, obj)")
}

func TestLocationMapMonotonic(t *testing.T) {
	res := parse(t, "a\nb\nc\n@foo\n")
	require.NotEmpty(t, res.LocMap)
	for i := 1; i < len(res.LocMap); i++ {
		require.LessOrEqual(t, res.LocMap[i-1].MetaOffset, res.LocMap[i].MetaOffset)
	}
}

func TestLocationMapTranslate(t *testing.T) {
	m := LocationMap{{MetaOffset: 0, InputOffset: 0}, {MetaOffset: 10, InputOffset: 5}}
	require.Equal(t, 0, m.Translate(3))
	require.Equal(t, 5, m.Translate(10))
	require.Equal(t, 5, m.Translate(100))
}
