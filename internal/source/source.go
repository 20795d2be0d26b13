// Package source owns the byte buffers lpp reads and writes, and the
// byte-offset to line/column mapping the rest of the pipeline is built
// on. There is no lookup from line/column back to a byte offset.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"
)

// Loc is a 1-based line/column position within a Source.
type Loc struct {
	Line   int
	Column int
}

// Source is a named, append-only byte buffer with a lazily-computed
// newline offset table. Bytes written to a Source are never mutated or
// truncated afterward; only appended.
type Source struct {
	name string

	mu      sync.Mutex
	cache   []byte
	virtual []byte // synthetic bytes for here-doc-like generated spans (reserved, see 9)

	offsets []int // offset of the first byte of every line after the first
	touched bool  // true when cache has grown since offsets was last built
}

// New creates an empty, named Source. Sources are owned by the Lpp
// instance that creates them and live until it is torn down.
func New(name string) *Source {
	return &Source{name: name}
}

func (s *Source) Name() string { return s.name }

// WriteCache appends bytes to the content cache and marks the line-offset
// table dirty. It never errors; Source buffers grow without bound.
func (s *Source) WriteCache(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = append(s.cache, p...)
	s.touched = true
}

// WriteVirtual appends bytes to the synthetic (here-doc) cache. Reserved
// for future here-doc support; see on the reserved token kind.
func (s *Source) WriteVirtual(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.virtual = append(s.virtual, p...)
}

// Len returns the number of bytes currently in the content cache.
func (s *Source) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// Bytes returns the full content cache. Callers must not mutate the
// returned slice.
func (s *Source) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache
}

// GetStr returns the substring of the content cache starting at offset
// with the given byte length.
func (s *Source) GetStr(offset, length int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 || length < 0 || offset+length > len(s.cache) {
		return ""
	}
	return string(s.cache[offset : offset+length])
}

// cacheLineOffsets rebuilds the line-offset table if the cache has grown
// since it was last built. line_offsets[i] holds the offset of the first
// byte of line i+2 (line 1 always starts at offset 0).
func (s *Source) cacheLineOffsets() {
	if !s.touched {
		return
	}
	s.offsets = s.offsets[:0]
	for i, b := range s.cache {
		if b == '\n' {
			s.offsets = append(s.offsets, i+1)
		}
	}
	s.touched = false
}

// GetLoc maps a byte offset to its 1-based (line, column). Column counts
// decoded characters (not bytes) from the start of the line. A newline's
// own byte offset is reported on the line it terminates, not the next.
func (s *Source) GetLoc(offset int) Loc {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheLineOffsets()

	// offsets[i] is the start of line i+2; find the greatest line start
	// that is <= offset.
	idx := sort.Search(len(s.offsets), func(i int) bool {
		return s.offsets[i] > offset
	})
	line := idx + 1

	lineStart := 0
	if idx > 0 {
		lineStart = s.offsets[idx-1]
	}

	column := 1
	for i := lineStart; i < offset && i < len(s.cache); {
		_, size := utf8.DecodeRune(s.cache[i:])
		if size <= 0 {
			size = 1
		}
		i += size
		column++
	}

	return Loc{Line: line, Column: column}
}

// LineCount returns the number of lines currently in the cache.
func (s *Source) LineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheLineOffsets()
	return len(s.offsets) + 1
}

func (s *Source) String() string {
	return fmt.Sprintf("Source(%s, %d bytes)", s.name, s.Len())
}

// Pool owns the set of Sources created over an Lpp instance's lifetime so
// that nested Metaprograms (for reentrant file processing) have stable
// addresses to refer back to.
type Pool struct {
	mu      sync.Mutex
	byName  map[string]*Source
	ordered []*Source
}

func NewPool() *Pool {
	return &Pool{byName: make(map[string]*Source)}
}

// Get returns the Source registered under name, or nil.
func (p *Pool) Get(name string) *Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byName[name]
}

// Add registers src under its name, returning the existing Source if one
// was already registered (Sources are never replaced).
func (p *Pool) Add(src *Source) *Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.byName[src.name]; ok {
		return existing
	}
	p.byName[src.name] = src
	p.ordered = append(p.ordered, src)
	return src
}

// All returns every Source registered with the pool, in registration order.
func (p *Pool) All() []*Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Source, len(p.ordered))
	copy(out, p.ordered)
	return out
}

type poolKey struct{}

// WithPool attaches a Source Pool to a context so that diagnostic
// rendering (internal/diagnostic) can resolve a filename back to its
// buffer without threading the pool through every call.
func WithPool(ctx context.Context, pool *Pool) context.Context {
	return context.WithValue(ctx, poolKey{}, pool)
}

// PoolFrom returns the Pool attached to ctx, or a fresh empty Pool.
func PoolFrom(ctx context.Context) *Pool {
	pool, ok := ctx.Value(poolKey{}).(*Pool)
	if !ok {
		return NewPool()
	}
	return pool
}
