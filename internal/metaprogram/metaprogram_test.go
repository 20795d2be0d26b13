package metaprogram

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sellesoft/lpp/internal/diagnostic"
	"github.com/sellesoft/lpp/internal/errdefs"
	"github.com/sellesoft/lpp/internal/script"
	"github.com/sellesoft/lpp/internal/section"
	"github.com/sellesoft/lpp/internal/source"
)

// stubConsumer records everything it's told, for assertions.
type stubConsumer struct {
	diags      []error
	sections   []stubSection
	expansions []section.Expansion
	metafiles  map[string][]byte
}

type stubSection struct {
	Kind       section.Kind
	TokenIdx   int
	Start, End int
}

func newStubConsumer() *stubConsumer {
	return &stubConsumer{metafiles: map[string][]byte{}}
}

func (c *stubConsumer) ConsumeDiag(err error) { c.diags = append(c.diags, err) }
func (c *stubConsumer) ConsumeSection(kind section.Kind, tokenIdx, start, end int) {
	c.sections = append(c.sections, stubSection{kind, tokenIdx, start, end})
}
func (c *stubConsumer) ConsumeExpansions(exps []section.Expansion) { c.expansions = exps }
func (c *stubConsumer) ConsumeMetafile(name string, text []byte) {
	c.metafiles[name] = text
}

// newTestVM builds a VM carrying the minimal `lpp` namespace a generated
// script expects: the MacroPart constructor and the cancel sentinel. The
// root Lpp driver builds the real, fuller table; these tests only need
// enough of it to run a Metaprogram standalone.
func newTestVM(t *testing.T) *script.VM {
	t.Helper()
	vm := script.New()

	vm.NewTable()
	lppIdx := vm.Top()

	vm.PushFunction(func(vm *script.VM) int {
		name, _ := vm.ToString(1)
		offset, _ := vm.ToInt(2)
		end, _ := vm.ToInt(3)
		text, _ := vm.ToString(4)
		vm.NewTable()
		idx := vm.Top()
		vm.PushString(name)
		vm.SetField(idx, "source")
		vm.PushInt(offset)
		vm.SetField(idx, "offset")
		vm.PushInt(end)
		vm.SetField(idx, "end")
		vm.PushString(text)
		vm.SetField(idx, "text")
		return 1
	})
	vm.SetField(lppIdx, "MacroPart")

	vm.NewTable()
	vm.PushValueAt(vm.Top())
	vm.SetCancelValue()
	vm.SetField(lppIdx, "cancel")

	vm.SetGlobal("lpp")
	return vm
}

func run(t *testing.T, text string) ([]byte, *stubConsumer, error) {
	t.Helper()
	vm := newTestVM(t)
	src := source.New("t.lpp")
	src.WriteCache([]byte(text))
	consumer := newStubConsumer()
	mp := New(vm, src, consumer, nil)
	out, err := mp.Run(context.Background())
	return out, consumer, err
}

func TestRunPureDocument(t *testing.T) {
	out, consumer, err := run(t, "hello, world")
	require.NoError(t, err)
	require.Equal(t, "hello, world", string(out))
	require.Len(t, consumer.sections, 1)
	require.Equal(t, section.Document, consumer.sections[0].Kind)
}

func TestRunLuaInlineValue(t *testing.T) {
	out, _, err := run(t, "1 + 1 = $(1 + 1)")
	require.NoError(t, err)
	require.Equal(t, "1 + 1 = 2", string(out))
}

func TestRunLuaLineDefinesLocal(t *testing.T) {
	out, _, err := run(t, "$ local x = 21\nvalue: $(x * 2)")
	require.NoError(t, err)
	require.Equal(t, "value: 42", string(out))
}

func TestRunSimpleMacroExpandsToCalleeResult(t *testing.T) {
	out, _, err := run(t, "$ function shout(s) return s.text:upper() end\n@shout(\"hi\")")
	require.NoError(t, err)
	// a tuple argument's text is its raw source text, quotes included
	require.Equal(t, "\"HI\"", string(out))
}

func TestRunMacroImmediateSplicesInline(t *testing.T) {
	out, _, err := run(t, "$ function two() return \"2\" end\nvalue is @@two, ok")
	require.NoError(t, err)
	require.Equal(t, "value is 2, ok", string(out))
}

func TestRunMacroWithEmptyArgsReturnsItsResult(t *testing.T) {
	out, _, err := run(t, "$ function outer() return \"[inner]\" end\n@outer()")
	require.NoError(t, err)
	require.Equal(t, "[inner]", string(out))
}

func TestRunMacroMethodSyntaxDispatchesReceiver(t *testing.T) {
	out, _, err := run(t, `$ obj = {}
$ function obj.greet(self) return "hi from obj" end
@obj:greet`)
	require.NoError(t, err)
	require.Equal(t, "hi from obj", string(out))
}

func TestRunMacroCancelSentinelStopsWithoutError(t *testing.T) {
	out, consumer, err := run(t, "$ function stop() error(lpp.cancel) end\nkeep @stop() going")
	require.Error(t, err)
	require.True(t, errdefs.IsCancel(err))
	_ = out
	_ = consumer
}

func TestRunScopeConservation(t *testing.T) {
	vm := newTestVM(t)
	src := source.New("t.lpp")
	src.WriteCache([]byte("$ function foo() return \"x\" end\na @foo() b @foo() c"))
	mp := New(vm, src, newStubConsumer(), nil)
	_, err := mp.Run(context.Background())
	require.NoError(t, err)
	// root scope plus one pushed-and-popped scope per macro invocation.
	require.Equal(t, 3, mp.ScopeCount())
}

// TestRunNestedMacroRuntimeErrorCapturesTraceAndInvokingScopes: outer's
// callee registers inner directly via the emit-macro builtin (the same
// entry point @-syntax compiles to), so inner's invocation is a genuine
// child of outer's scope, not just sibling text. inner's callee then
// raises a plain Lua error, which Phase 3 must catch while outer's
// invocation is still on the scope stack.
func TestRunNestedMacroRuntimeErrorCapturesTraceAndInvokingScopes(t *testing.T) {
	out, consumer, err := run(t, `$ function boom() error("inner failure") end
$ function outer() macro(0, "", "boom", false, boom) end
@outer()`)
	require.Error(t, err)
	require.False(t, errdefs.IsCancel(err))
	_ = out

	spans := diagnostic.Spans(err)
	require.NotEmpty(t, spans)
	se := spans[0]
	require.NotEmpty(t, se.Spans, "expected a non-empty frame/invoking-macro chain")

	var sawInvokingScope bool
	for _, sp := range se.Spans {
		if strings.Contains(sp.Message, "in scope invoked here:") {
			sawInvokingScope = true
		}
	}
	require.True(t, sawInvokingScope, "expected an 'in scope invoked here:' entry for outer's invocation")
	require.Len(t, consumer.diags, 1)
}

func TestExpansionListIsMonotonicByOutputPosition(t *testing.T) {
	vm := newTestVM(t)
	src := source.New("t.lpp")
	src.WriteCache([]byte("$ function foo() return \"X\" end\na\n@foo()\nc\n"))
	mp := New(vm, src, newStubConsumer(), nil)
	_, err := mp.Run(context.Background())
	require.NoError(t, err)

	exps := mp.Expansions()
	require.NotEmpty(t, exps)
	for i := 1; i < len(exps); i++ {
		require.LessOrEqual(t, exps[i-1].To, exps[i].To)
	}
}
