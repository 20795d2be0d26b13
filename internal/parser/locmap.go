package parser

import "sort"

// Sample records that meta-file byte offset MetaOffset corresponds to
// input-file byte offset InputOffset. A LocationMap is an append-only,
// strictly-increasing-in-MetaOffset list of these, used to translate a
// script-runtime error line (which names the generated meta chunk) back
// to a line in the original input.
type Sample struct {
	MetaOffset  int
	InputOffset int
}

// LocationMap is sorted by construction; Translate relies on that to
// binary-search it.
type LocationMap []Sample

// Translate returns the input offset the last sample at or before
// metaOffset maps to, or -1 if the map is empty.
func (m LocationMap) Translate(metaOffset int) int {
	if len(m) == 0 {
		return -1
	}
	i := sort.Search(len(m), func(i int) bool { return m[i].MetaOffset > metaOffset })
	if i == 0 {
		return m[0].InputOffset
	}
	return m[i-1].InputOffset
}
