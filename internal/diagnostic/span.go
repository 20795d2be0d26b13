// Package diagnostic renders lpp's lex/parse/script diagnostics
// as source-quoting, optionally colored reports, and threads the Source
// pool and color handle needed to do so through a context.Context.
package diagnostic

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/sellesoft/lpp/internal/source"
)

// Position names a single point in a named Source.
type Position struct {
	Filename string
	Offset   int
	Line     int
	Column   int
}

func (p Position) String() string {
	return fmt.Sprintf("%s:%d:%d", p.Filename, p.Line, p.Column)
}

// PositionOf builds a Position from a Source and a byte offset within it.
func PositionOf(src *source.Source, offset int) Position {
	loc := src.GetLoc(offset)
	return Position{Filename: src.Name(), Offset: offset, Line: loc.Line, Column: loc.Column}
}

// Type distinguishes the primary span of a diagnostic (where the error
// itself is) from secondary context spans (e.g. "in scope invoked here:").
type Type int

const (
	Primary Type = iota
	Secondary
)

// Span is one annotated region of source referenced by a diagnostic.
type Span struct {
	Message string
	Type    Type
	Start   Position
	End     Position
}

// Option appends annotations to a SpanError under construction.
type Option func(*SpanError)

// Spanf appends a formatted annotation spanning [start, end).
func Spanf(t Type, start, end Position, format string, a ...interface{}) Option {
	return func(se *SpanError) {
		se.Spans = append(se.Spans, Span{
			Message: fmt.Sprintf(format, a...),
			Type:    t,
			Start:   start,
			End:     end,
		})
	}
}

// WithError builds a SpanError wrapping err, anchored at pos, with each
// opt appending one annotated span (typically including one at pos
// itself).
func WithError(err error, pos, end Position, opts ...Option) error {
	se := &SpanError{Err: err, Pos: pos, End: end}
	for _, opt := range opts {
		opt(se)
	}
	return se
}

// SpanError is a single diagnostic: an underlying error plus zero or more
// annotated source spans used to render a pretty report.
type SpanError struct {
	Err      error
	Pos, End Position
	Spans    []Span
}

func (se *SpanError) Error() string {
	if se.Err == nil {
		return se.Pos.String()
	}
	return fmt.Sprintf("%s: %s", se.Pos, se.Err)
}

func (se *SpanError) Unwrap() error { return se.Err }

// PrettyOption configures Pretty's rendering.
type PrettyOption func(*prettyInfo)

type prettyInfo struct {
	numContext int
}

// WithNumContext sets how many lines of context surround each span.
func WithNumContext(num int) PrettyOption {
	return func(info *prettyInfo) { info.numContext = num }
}

// Pretty renders se as a source-quoting report, reading Sources and color
// from ctx (see WithColor, source.WithPool).
func (se *SpanError) Pretty(ctx context.Context, opts ...PrettyOption) string {
	var info prettyInfo
	for _, opt := range opts {
		opt(&info)
	}
	color := Color(ctx)
	pool := Sources(ctx)

	filenames, byFile := se.groupSpans()
	var reports []string

	for _, filename := range filenames {
		src := pool.Get(filename)
		spans := byFile[filename]
		if len(spans) == 0 || src == nil {
			continue
		}

		sort.SliceStable(spans, func(i, j int) bool {
			return spans[i].Start.Line < spans[j].Start.Line
		})

		pos := spans[0].Start
		if filename == se.Pos.Filename {
			pos = se.Pos
		}
		header := color.Sprintf(color.Underline("%s:%d:%d:"), pos.Filename, pos.Line, pos.Column)

		var sections []string
		for _, span := range spans {
			lineData, err := lineBytes(src, span.Start.Line)
			if err != nil {
				sections = append(sections, err.Error())
				continue
			}

			underline, msgColor := "^", color.Red
			if span.Type == Secondary {
				underline, msgColor = "-", color.Green
			}

			end := span.Start.Column - 1
			if end > len(lineData) {
				end = len(lineData)
			}
			padding := bytes.Map(func(r rune) rune {
				if unicode.IsSpace(r) {
					return r
				}
				return ' '
			}, lineData[:end])

			width := span.End.Column - span.Start.Column
			if width < 1 {
				width = 1
			}

			var lines []string
			lines = append(lines, string(lineData))
			lines = append(lines, color.Sprintf(msgColor("%s%s"), padding, strings.Repeat(underline, width)))
			if span.Message != "" {
				for _, ml := range strings.Split(span.Message, "\n") {
					lines = append(lines, fmt.Sprintf("%s%s", padding, color.Sprintf(msgColor(ml))))
				}
			}

			sections = append(sections, strings.Join(lines, "\n"))
		}

		reports = append(reports, fmt.Sprintf("%s\n%s", header, strings.Join(sections, "\n")))
	}

	var title string
	if se.Err != nil {
		title = color.Sprintf("%s: %s\n", color.Bold(color.Red("error")), color.Bold(se.Err.Error()))
	}
	return fmt.Sprintf("%s%s", title, strings.Join(reports, "\n"))
}

func lineBytes(src *source.Source, line int) ([]byte, error) {
	b := src.Bytes()
	lineNo := 1
	start := 0
	for i, c := range b {
		if lineNo == line {
			start = i
			break
		}
		if c == '\n' {
			lineNo++
			start = i + 1
		}
	}
	if lineNo < line {
		return nil, fmt.Errorf("line %d outside source", line)
	}
	end := start
	for end < len(b) && b[end] != '\n' {
		end++
	}
	return b[start:end], nil
}

func (se *SpanError) groupSpans() (filenames []string, byFile map[string][]Span) {
	byFile = make(map[string][]Span)
	for _, span := range se.Spans {
		byFile[span.Start.Filename] = append(byFile[span.Start.Filename], span)
	}
	for filename := range byFile {
		if filename == se.Pos.Filename {
			continue
		}
		filenames = append(filenames, filename)
	}
	sort.Strings(filenames)
	return append([]string{se.Pos.Filename}, filenames...), byFile
}
