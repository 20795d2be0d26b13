package source

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetLocBasics(t *testing.T) {
	s := New("test.lpp")
	s.WriteCache([]byte("hello\nworld\n!\n"))

	tests := []struct {
		offset int
		want   Loc
	}{
		{0, Loc{1, 1}},
		{4, Loc{1, 5}},
		{5, Loc{1, 6}}, // the newline byte itself belongs to the line it ends
		{6, Loc{2, 1}},
		{11, Loc{2, 6}},
		{12, Loc{3, 1}},
	}

	for _, tt := range tests {
		got := s.GetLoc(tt.offset)
		require.Equalf(t, tt.want, got, "offset %d", tt.offset)
	}
}

func TestGetLocMultiByteColumn(t *testing.T) {
	s := New("unicode.lpp")
	// "héllo\n" - é is 2 bytes but counts as one column.
	s.WriteCache([]byte("h\xc3\xa9llo\n"))

	loc := s.GetLoc(5) // byte offset of the 'o'
	require.Equal(t, 1, loc.Line)
	require.Equal(t, 5, loc.Column)
}

func TestLineCountInvalidatedByAppend(t *testing.T) {
	s := New("growing.lpp")
	s.WriteCache([]byte("a\n"))
	require.Equal(t, 2, s.LineCount())

	s.WriteCache([]byte("b\nc\n"))
	require.Equal(t, 4, s.LineCount())

	loc := s.GetLoc(2)
	require.Equal(t, Loc{2, 1}, loc)
}

func TestGetStr(t *testing.T) {
	s := New("str.lpp")
	s.WriteCache([]byte("hello world"))
	require.Equal(t, "hello", s.GetStr(0, 5))
	require.Equal(t, "world", s.GetStr(6, 5))
	require.Equal(t, "", s.GetStr(0, 100))
}

func TestPoolAddIsIdempotent(t *testing.T) {
	pool := NewPool()
	a := pool.Add(New("a.lpp"))
	b := pool.Add(New("a.lpp"))
	require.Same(t, a, b)
	require.Len(t, pool.All(), 1)
}
