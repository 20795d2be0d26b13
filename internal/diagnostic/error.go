package diagnostic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	perrors "github.com/pkg/errors"
)

// Error aggregates every diagnostic collected during a run that continues
// past the first failure (a consumer-attached
// run keeps emitting so the observer can surface multiple diagnostics).
type Error struct {
	Err         error
	Diagnostics []error
}

func (e *Error) Error() string {
	var errs []string
	for _, err := range e.Diagnostics {
		errs = append(errs, err.Error())
	}
	return strings.Join(errs, "\n")
}

func (e *Error) Unwrap() error { return e.Err }

// Spans extracts every SpanError reachable from err, whether err is a
// bare SpanError or an aggregate Error wrapping several.
func Spans(err error) (spans []*SpanError) {
	var agg *Error
	if errors.As(err, &agg) {
		for _, d := range agg.Diagnostics {
			var span *SpanError
			if errors.As(d, &span) {
				spans = append(spans, span)
			}
		}
		return spans
	}
	var span *SpanError
	if errors.As(err, &span) {
		spans = append(spans, span)
	}
	return spans
}

// DisplayError writes a human-readable rendering of spans to w. When
// printBacktrace is false only the innermost and outermost frames are
// shown in full, matching how a ScriptRuntimeError's "in scope invoked
// here:" chain is normally collapsed.
func DisplayError(ctx context.Context, w io.Writer, spans []*SpanError, err error, printBacktrace bool) {
	if len(spans) == 0 {
		return
	}

	color := Color(ctx)
	if err != nil {
		fmt.Fprintf(w, color.Sprintf("%s: %s\n", color.Bold(color.Red("error")), color.Bold(Cause(err))))
	}

	for i, span := range spans {
		if !printBacktrace && i != 0 && i != len(spans)-1 {
			if i == 1 {
				frame := "frame"
				if len(spans) > 3 {
					frame = "frames"
				}
				fmt.Fprintf(w, color.Sprintf(color.Cyan(" ⋮ %d %s hidden ⋮\n"), len(spans)-2, frame))
			}
			continue
		}

		pretty := span.Pretty(ctx, WithNumContext(2))
		lines := strings.Split(pretty, "\n")
		for j, line := range lines {
			if j == 0 {
				lines[j] = fmt.Sprintf(" %d: %s", i+1, line)
			} else {
				lines[j] = fmt.Sprintf("    %s", line)
			}
		}
		fmt.Fprintf(w, "%s\n", strings.Join(lines, "\n"))
	}
}

// Cause returns err's deepest wrapped message.
func Cause(err error) string {
	if err == nil {
		return ""
	}
	return perrors.Cause(err).Error()
}
