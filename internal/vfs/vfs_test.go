package vfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddDependencyDedupesByContentAcrossDistinctPaths(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.lpp")
	b := filepath.Join(dir, "b.lpp")
	require.NoError(t, os.WriteFile(a, []byte("same contents"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("same contents"), 0o644))

	r := NewResolver(nil, nil, nil)
	r.AddDependency(a)
	r.AddDependency(b)

	require.Equal(t, []string{a}, r.Dependencies())
}

func TestAddDependencyKeepsDistinctContent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.lpp")
	b := filepath.Join(dir, "b.lpp")
	require.NoError(t, os.WriteFile(a, []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("two"), 0o644))

	r := NewResolver(nil, nil, nil)
	r.AddDependency(a)
	r.AddDependency(b)

	require.ElementsMatch(t, []string{a, b}, r.Dependencies())
}

func TestAddDependencyFallsBackToPathWhenUnreadable(t *testing.T) {
	r := NewResolver(nil, nil, nil)
	missing := filepath.Join(t.TempDir(), "does-not-exist.lpp")
	r.AddDependency(missing)
	r.AddDependency(missing)

	require.Equal(t, []string{missing}, r.Dependencies())
}

func TestSortedDependenciesOrdersLexically(t *testing.T) {
	dir := t.TempDir()
	z := filepath.Join(dir, "z.lpp")
	a := filepath.Join(dir, "a.lpp")
	require.NoError(t, os.WriteFile(z, []byte("z"), 0o644))
	require.NoError(t, os.WriteFile(a, []byte("a"), 0o644))

	r := NewResolver(nil, nil, nil)
	r.AddDependency(z)
	r.AddDependency(a)

	require.Equal(t, []string{a, z}, r.SortedDependencies())
}

func TestDigestHashesFileContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.lpp")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	d, err := Digest(path)
	require.NoError(t, err)
	require.NotEmpty(t, d.String())

	d2, err := Digest(path)
	require.NoError(t, err)
	require.Equal(t, d, d2)
}
