// Package token defines the lexeme shapes produced by internal/lexer.
package token

import "fmt"

// Kind tags a Token with the syntactic category the lexer recognized.
type Kind int

const (
	Invalid Kind = iota
	Document
	Whitespace
	LuaLine
	LuaInline
	LuaBlock
	MacroSymbol
	MacroSymbolImmediate
	MacroIdentifier
	MacroMethod
	MacroTupleArg
	MacroStringArg
	// MacroHereDocArg is reserved: the heredoc argument form
	// (<-TERM ... TERM / <- ... ->) is recognized by kind but never
	// actually produced; lexing it is a lex error. See internal/lexer.
	MacroHereDocArg
	Eof
)

func (k Kind) String() string {
	switch k {
	case Document:
		return "Document"
	case Whitespace:
		return "Whitespace"
	case LuaLine:
		return "LuaLine"
	case LuaInline:
		return "LuaInline"
	case LuaBlock:
		return "LuaBlock"
	case MacroSymbol:
		return "MacroSymbol"
	case MacroSymbolImmediate:
		return "MacroSymbolImmediate"
	case MacroIdentifier:
		return "MacroIdentifier"
	case MacroMethod:
		return "MacroMethod"
	case MacroTupleArg:
		return "MacroTupleArg"
	case MacroStringArg:
		return "MacroStringArg"
	case MacroHereDocArg:
		return "MacroHereDocArg"
	case Eof:
		return "Eof"
	default:
		return "Invalid"
	}
}

// Span is a byte offset and length into a Source's content cache.
type Span struct {
	Offset int
	Length int
}

// End returns the offset immediately after the span.
func (s Span) End() int { return s.Offset + s.Length }

// Token is a single lexeme. Its text is never stored directly; it is
// obtained on demand by slicing the owning Source at Span.
type Token struct {
	Kind Kind
	Span Span

	// Indent is the run of whitespace preceding '@' on the same line, for
	// MacroSymbol/MacroSymbolImmediate tokens. The parser passes its text
	// as the indentation argument of the generated macro/macro_immediate
	// call; the metaprogram builtins do not apply it to macro output.
	Indent Span

	// MethodColon is the byte offset, relative to Span.Offset, at which
	// ':' appears within a MacroMethod token's identifier text. Zero for
	// every other kind.
	MethodColon int
}

func (t Token) String() string {
	return fmt.Sprintf("%s[%d:%d]", t.Kind, t.Span.Offset, t.Span.End())
}

// IsMacroSymbol reports whether t introduces a macro invocation (,
// PostMacroMode entry tokens).
func (t Token) IsMacroSymbol() bool {
	return t.Kind == MacroSymbol || t.Kind == MacroSymbolImmediate
}
