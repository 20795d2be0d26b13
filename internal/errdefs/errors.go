// Package errdefs provides typed constructors for every error kind in the
// lpp error taxonomy: LexError, ParseError, ScriptLoadError,
// ScriptRuntimeError, and the Cancel sentinel. Each wraps a
// diagnostic.SpanError so it can be pretty-printed uniformly.
package errdefs

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/sellesoft/lpp/internal/diagnostic"
)

// ErrAbort reports that preprocessing of a Metaprogram stopped after one
// or more diagnostics were collected.
type ErrAbort struct {
	Err     error
	NumErrs int
}

func (e *ErrAbort) Unwrap() error { return e.Err }

func (e *ErrAbort) Error() string {
	if e.NumErrs == 0 {
		return e.Err.Error()
	}
	errStr := "error"
	if e.NumErrs > 1 {
		errStr = fmt.Sprintf("%d errors", e.NumErrs)
	}
	return fmt.Sprintf("aborting due to previous %s", errStr)
}

func WithAbort(err error, numErrs int) *ErrAbort {
	return &ErrAbort{Err: err, NumErrs: numErrs}
}

// ErrCancel is the sentinel raised when a macro invokes lpp.cancel. It is
// never surfaced as a failure: Phase 3 aborts cleanly and the caller sees
// success.
type ErrCancel struct{}

func (ErrCancel) Error() string { return "lpp.cancel" }

// IsCancel reports whether err is (or wraps) the cancel sentinel.
func IsCancel(err error) bool {
	_, ok := err.(ErrCancel)
	if ok {
		return true
	}
	var c ErrCancel
	return errors.As(err, &c)
}

// WithLexError builds a LexError: malformed input the lexer could not
// recover from (invalid codepoint, unterminated block/inline/macro-arg).
func WithLexError(pos diagnostic.Position, format string, a ...interface{}) error {
	msg := fmt.Sprintf(format, a...)
	return diagnostic.WithError(
		fmt.Errorf("%s", msg), pos, pos,
		diagnostic.Spanf(diagnostic.Primary, pos, pos, msg),
	)
}

// WithParseError builds a ParseError: a violation caught while emitting
// the script (e.g. ':' or '.' following method syntax).
func WithParseError(pos diagnostic.Position, format string, a ...interface{}) error {
	msg := fmt.Sprintf(format, a...)
	return diagnostic.WithError(
		fmt.Errorf("%s", msg), pos, pos,
		diagnostic.Spanf(diagnostic.Primary, pos, pos, msg),
	)
}

// WithScriptLoadError builds a ScriptLoadError: the generated script
// failed to parse as a script chunk. pos has already been translated from
// the meta file back to the input file via the parser's location map.
func WithScriptLoadError(pos diagnostic.Position, cause error) error {
	return diagnostic.WithError(
		errors.Wrap(cause, "failed to load generated script"), pos, pos,
		diagnostic.Spanf(diagnostic.Primary, pos, pos, "%s", cause),
	)
}

// ScriptFrame is one entry of a ScriptRuntimeError's captured stack, after
// translation through its owning Metaprogram's location map.
type ScriptFrame struct {
	Pos      diagnostic.Position
	Function string
}

// WithScriptRuntimeError builds a ScriptRuntimeError from the error
// handler's captured stack snapshot, plus the chain of macro-invocation
// positions (innermost last) walking up the scope stack that produced it.
func WithScriptRuntimeError(cause error, frames []ScriptFrame, invokingMacros []diagnostic.Position) error {
	if len(frames) == 0 {
		return errors.Wrap(cause, "script runtime error")
	}
	top := frames[0]
	opts := []diagnostic.Option{
		diagnostic.Spanf(diagnostic.Primary, top.Pos, top.Pos, "%s", cause),
	}
	for _, f := range frames[1:] {
		opts = append(opts, diagnostic.Spanf(diagnostic.Secondary, f.Pos, f.Pos, "in %s", f.Function))
	}
	for i := len(invokingMacros) - 1; i >= 0; i-- {
		pos := invokingMacros[i]
		opts = append(opts, diagnostic.Spanf(diagnostic.Secondary, pos, pos, "in scope invoked here:"))
	}
	return diagnostic.WithError(errors.Wrap(cause, "script runtime error"), top.Pos, top.Pos, opts...)
}

// IsNotExist reports whether err indicates a missing file, matching the
// teacher's loose string-suffix fallback for resolvers that don't return
// a wrapped os.ErrNotExist.
func IsNotExist(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrNotExist) || os.IsNotExist(err) ||
		strings.HasSuffix(err.Error(), "no such file or directory")
}
