// Package consumer provides the optional Phase-3 observer and the debug
// trap hook (consumer.Hooks) an Lpp instance may attach. Both follow the
// teacher's codegen/debug.go shape: a nil-safe function value a caller
// installs to intercept otherwise-silent steps, defaulting to a no-op.
package consumer

import (
	"context"
	"sync"

	"github.com/sellesoft/lpp/internal/section"
)

// DebugBreak is called for every lpp.debugbreak() invocation a script
// makes, with the offset it was called from. Returning an error aborts
// the enclosing Metaprogram's Run the same way any other script runtime
// error would.
type DebugBreak func(ctx context.Context, source string, offset int) error

// NewNoopDebugBreak returns a DebugBreak that never stops anything,
// matching codegen.NewNoopDebugger's default-to-inert shape.
func NewNoopDebugBreak() DebugBreak {
	return func(ctx context.Context, source string, offset int) error { return nil }
}

// Hooks bundles the optional debug trap alongside whatever future
// trap points lpp grows; an Lpp instance with a zero-value Hooks runs
// with every hook as a no-op.
type Hooks struct {
	DebugBreak DebugBreak
}

// Section is one ConsumeSection call, recorded verbatim.
type Section struct {
	Kind       section.Kind
	TokenIdx   int
	Start, End int
}

// Collector is a Consumer that records every callback it receives rather
// than acting on them immediately, for a driver (the LSP front end,
// primarily) that needs the whole picture before reacting — the
// "record a snapshot, decide what to do with it afterward" split
// codegen/debug.go's history slice uses for its own stepping decisions.
type Collector struct {
	mu sync.Mutex

	Diags      []error
	Sections   []Section
	Expansions []section.Expansion
	Metafiles  map[string][]byte
}

// NewCollector returns an empty Collector ready to attach to Lpp's Params.
func NewCollector() *Collector {
	return &Collector{Metafiles: make(map[string][]byte)}
}

func (c *Collector) ConsumeDiag(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Diags = append(c.Diags, err)
}

func (c *Collector) ConsumeSection(kind section.Kind, tokenIdx, start, end int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sections = append(c.Sections, Section{Kind: kind, TokenIdx: tokenIdx, Start: start, End: end})
}

func (c *Collector) ConsumeExpansions(exps []section.Expansion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Expansions = append(c.Expansions, exps...)
}

func (c *Collector) ConsumeMetafile(name string, text []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Metafiles[name] = text
}

// Reset clears every recorded callback, for a long-lived Collector
// attached across repeated edit/run cycles. The LSP front end does not
// call it: it builds a fresh Collector for each reprocessing pass.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Diags = nil
	c.Sections = nil
	c.Expansions = nil
	c.Metafiles = make(map[string][]byte)
}

// SectionAt returns the last recorded Section whose [Start, End) range
// contains offset, the lookup the LSP front end's hover handler uses to
// map a cursor position back to its originating expansion.
func (c *Collector) SectionAt(offset int) (Section, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.Sections) - 1; i >= 0; i-- {
		s := c.Sections[i]
		if offset >= s.Start && offset < s.End {
			return s, true
		}
	}
	return Section{}, false
}
