// Package vfs resolves the include-search, require-search, and
// native-module-search directory lists an Lpp instance is configured with
// ("init" params), and tracks the absolute paths added to the
// dependency set as files are resolved ("Dependency output").
package vfs

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"
)

// Kind distinguishes the three search-directory lists configures.
type Kind int

const (
	Include Kind = iota
	Require
	NativeModule
)

// Resolver searches an ordered list of root directories for a named file,
// the way parser/directory.go's ast.Directory abstracts a single vendored
// root — generalized here to a priority list of roots.
type Resolver struct {
	roots map[Kind][]string

	g singleflight.Group

	mu      sync.Mutex
	deps    map[string]struct{}
	digests map[digest.Digest]struct{}
	order   []string
}

// NewResolver builds a Resolver over the include/require/native-module
// search directories supplied to Lpp.init.
func NewResolver(include, require, native []string) *Resolver {
	return &Resolver{
		roots: map[Kind][]string{
			Include:      include,
			Require:      require,
			NativeModule: native,
		},
		deps:    make(map[string]struct{}),
		digests: make(map[digest.Digest]struct{}),
	}
}

// Resolve finds name under the search roots for kind, returning its
// absolute path. An absolute name is used as-is (after existence check).
// Concurrent calls for the same (kind, name) share one resolution via
// singleflight; results are not cached, so a later call stats again.
func (r *Resolver) Resolve(kind Kind, name string) (string, error) {
	key := string(rune('0'+int(kind))) + ":" + name
	v, err, _ := r.g.Do(key, func() (interface{}, error) {
		return r.resolve(kind, name)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) resolve(kind Kind, name string) (string, error) {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return "", err
		}
		return name, nil
	}
	var lastErr error
	for _, root := range r.roots[kind] {
		candidate := filepath.Join(root, name)
		if _, err := os.Stat(candidate); err == nil {
			abs, err := filepath.Abs(candidate)
			if err != nil {
				return "", err
			}
			return abs, nil
		} else {
			lastErr = err
		}
	}
	// Fall back to the working directory, matching how lpp.processFile
	// treats a relative path with no configured search root containing it.
	if _, err := os.Stat(name); err == nil {
		return filepath.Abs(name)
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", os.ErrNotExist
}

// Open opens an already-resolved absolute path.
func (r *Resolver) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// Digest hashes a resolved file's contents, used to give nested
// lpp.processFile reentries a stable identity independent of path
// spelling (symlinks, relative vs absolute).
func Digest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.FromReader(f)
}

// AddDependency records path in the dependency set (
// lpp.processFile / lpp.addDependency). Safe for concurrent use, though
// lpp itself is single-threaded. Beyond the path-string check, path's
// content is digested so a symlink or a relative/absolute spelling of a
// file already recorded under a different name doesn't appear twice in
// the dependency-file output; a file that can't be read for digesting
// (already gone, a pipe, a VFS-virtual source) still dedupes by path.
func (r *Resolver) AddDependency(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deps[path]; ok {
		return
	}
	r.deps[path] = struct{}{}

	if d, err := Digest(path); err == nil {
		if _, ok := r.digests[d]; ok {
			return
		}
		r.digests[d] = struct{}{}
	}
	r.order = append(r.order, path)
}

// Dependencies returns every path added via AddDependency in the order
// they were first added.
func (r *Resolver) Dependencies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// SortedDependencies returns a lexically sorted copy, useful for
// deterministic golden-file tests of the dependency-file writer.
func (r *Resolver) SortedDependencies() []string {
	deps := r.Dependencies()
	sort.Strings(deps)
	return deps
}
