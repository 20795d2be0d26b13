package lpp

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sellesoft/lpp/internal/section"
)

func TestRunPureDocumentPassthrough(t *testing.T) {
	var out bytes.Buffer
	l := New()
	require.NoError(t, l.Init(Params{
		Name:   "t.lpp",
		Input:  bytes.NewBufferString("hello, world"),
		Output: &out,
	}))
	defer l.Deinit()

	require.True(t, l.Run(context.Background()))
	require.Equal(t, "hello, world", out.String())
}

func TestRunMacroExpandsInline(t *testing.T) {
	var out bytes.Buffer
	l := New()
	require.NoError(t, l.Init(Params{
		Name:   "t.lpp",
		Input:  bytes.NewBufferString("$ function shout(s) return s.text:upper() end\n@shout(\"hi\")"),
		Output: &out,
	}))
	defer l.Deinit()

	require.True(t, l.Run(context.Background()))
	// a tuple argument's text is its raw source text, quotes included
	require.Equal(t, "\"HI\"", out.String())
}

func TestRunArgvIsVisibleToScripts(t *testing.T) {
	var out bytes.Buffer
	l := New()
	require.NoError(t, l.Init(Params{
		Name:   "t.lpp",
		Input:  bytes.NewBufferString("$(lpp.argv[1])"),
		Output: &out,
		Argv:   []string{"first-arg"},
	}))
	defer l.Deinit()

	require.True(t, l.Run(context.Background()))
	require.Equal(t, "first-arg", out.String())
}

func TestRunDependencyFileListsProcessedIncludes(t *testing.T) {
	dir := t.TempDir()
	includePath := filepath.Join(dir, "inc.lpp")
	require.NoError(t, os.WriteFile(includePath, []byte("included"), 0o644))

	var out, dep bytes.Buffer
	l := New()
	require.NoError(t, l.Init(Params{
		Name:        "main.lpp",
		Input:       bytes.NewBufferString(`$(lpp.processFile("inc.lpp"))`),
		Output:      &out,
		DepOutput:   &dep,
		IncludeDirs: []string{dir},
	}))
	defer l.Deinit()

	require.True(t, l.Run(context.Background()))
	require.Equal(t, "included", out.String())
	require.Contains(t, dep.String(), "main.lpp:")
	require.Contains(t, dep.String(), includePath)
}

func TestRunMetaOutputCapturesGeneratedScript(t *testing.T) {
	var out, meta bytes.Buffer
	l := New()
	require.NoError(t, l.Init(Params{
		Name:       "t.lpp",
		Input:      bytes.NewBufferString("hi"),
		Output:     &out,
		MetaOutput: &meta,
	}))
	defer l.Deinit()

	require.True(t, l.Run(context.Background()))
	require.NotEmpty(t, meta.String())
}

type trackingConsumer struct {
	sections int
	diags    int
}

func (c *trackingConsumer) ConsumeDiag(err error) { c.diags++ }
func (c *trackingConsumer) ConsumeSection(kind section.Kind, tokenIdx, start, end int) {
	c.sections++
}
func (c *trackingConsumer) ConsumeExpansions(exps []section.Expansion) {}
func (c *trackingConsumer) ConsumeMetafile(name string, text []byte)   {}

func TestRunForwardsToAttachedConsumer(t *testing.T) {
	var out bytes.Buffer
	consumer := &trackingConsumer{}
	l := New()
	require.NoError(t, l.Init(Params{
		Name:     "t.lpp",
		Input:    bytes.NewBufferString("a @foo() b"),
		Output:   &out,
		Consumer: consumer,
	}))
	defer l.Deinit()

	// missing callee: expect a failure surfaced through the attached
	// consumer rather than printed to stderr.
	ok := l.Run(context.Background())
	require.False(t, ok)
	require.Greater(t, consumer.diags, 0)
}

func TestRunReportsUndefinedMacroFailure(t *testing.T) {
	var out bytes.Buffer
	l := New()
	require.NoError(t, l.Init(Params{
		Name:   "t.lpp",
		Input:  bytes.NewBufferString("@doesNotExist()"),
		Output: &out,
	}))
	defer l.Deinit()

	require.False(t, l.Run(context.Background()))
}
