// Package lexer implements the Document/PostMacro scanning state machine
// that turns a Source's bytes into the token stream internal/parser
// consumes.
//
// The original implementation (see DESIGN.md) aborts lexing with a
// longjmp on malformed input; this one replaces that with a
// short-circuiting fallible pipeline instead. Run returns every token
// successfully produced plus the diagnostic that stopped it, rather than
// unwinding the call stack.
package lexer

import (
	"strings"
	"unicode/utf8"

	"github.com/lithammer/dedent"

	"github.com/sellesoft/lpp/internal/diagnostic"
	"github.com/sellesoft/lpp/internal/errdefs"
	"github.com/sellesoft/lpp/internal/source"
	"github.com/sellesoft/lpp/internal/token"
)

// heredocRejectionMessage explains why "@name<-TERM ... TERM" is rejected
// outright rather than parsed: MacroHereDocArg is reserved in token.Kind
// but the form it names has no lexer support yet.
var heredocRejectionMessage = strings.TrimSpace(dedent.Dedent(`
	heredoc macro arguments are not implemented yet
	  the '<-TERM ... TERM' / '<- ... ->' form is reserved for future use
`))

// Consumer optionally observes every token the lexer produces, the way
// its Consumer interface does for an external LSP.
type Consumer interface {
	ConsumeToken(t token.Token)
}

// Lexer scans a single Source's bytes into a token stream.
type Lexer struct {
	src  *source.Source
	buf  []byte
	name string

	offset   int
	cur      rune
	curSize  int
	atEOF    bool

	inIndentation bool

	consumer Consumer
}

// New creates a Lexer reading src's full content cache. The Source must
// already hold every byte lpp will ever write to it (Non-goal:
// no incremental/streaming evaluation of a partially-written input).
func New(src *source.Source, consumer Consumer) *Lexer {
	l := &Lexer{src: src, buf: src.Bytes(), name: src.Name(), consumer: consumer}
	l.decode()
	return l
}

func (l *Lexer) pos(offset int) diagnostic.Position {
	return diagnostic.PositionOf(l.src, offset)
}

func (l *Lexer) decode() {
	if l.offset >= len(l.buf) {
		l.atEOF = true
		l.cur = 0
		l.curSize = 0
		return
	}
	r, size := utf8.DecodeRune(l.buf[l.offset:])
	if r == utf8.RuneError && size <= 1 {
		l.cur = utf8.RuneError
		l.curSize = 1
		return
	}
	l.cur = r
	l.curSize = size
}

func (l *Lexer) current() rune { return l.cur }
func (l *Lexer) eof() bool     { return l.atEOF || l.offset >= len(l.buf) }

func (l *Lexer) at(c byte) bool { return !l.eof() && l.cur == rune(c) }

func (l *Lexer) peek() rune {
	next := l.offset + l.curSize
	if next >= len(l.buf) {
		return 0
	}
	r, _ := utf8.DecodeRune(l.buf[next:])
	return r
}

func (l *Lexer) advance() {
	if l.eof() {
		return
	}
	l.offset += l.curSize
	l.decode()
}

func isFirstIdentifierChar(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isIdentifierChar(r rune) bool {
	return isFirstIdentifierChar(r) || (r >= '0' && r <= '9')
}

func isWhitespace(r rune) bool {
	switch r {
	case ' ', '\t', '\r', '\n', '\v', '\f':
		return true
	}
	return false
}

// Run scans the whole Source, returning every token produced. On a fatal
// lex error, it returns the tokens produced so far, a trailing Eof
// sentinel, and the diagnostic that stopped it.
func (l *Lexer) Run() ([]token.Token, error) {
	var tokens []token.Token
	emit := func(t token.Token) {
		tokens = append(tokens, t)
		if l.consumer != nil {
			l.consumer.ConsumeToken(t)
		}
	}

	for i := 0; i < len(l.buf); {
		r, size := utf8.DecodeRune(l.buf[i:])
		if r == utf8.RuneError && size <= 1 {
			emit(token.Token{Kind: token.Eof, Span: token.Span{Offset: i, Length: 0}})
			return tokens, errdefs.WithLexError(l.pos(i), "invalid codepoint")
		}
		i += size
	}

	for {
		if l.eof() {
			eofTok := token.Token{Kind: token.Eof, Span: token.Span{Offset: l.offset, Length: 0}}
			emit(eofTok)
			return tokens, nil
		}

		switch {
		case l.at('@'):
			tok, rest, err := l.lexMacro(emit)
			if err != nil {
				emit(token.Token{Kind: token.Eof, Span: token.Span{Offset: l.offset, Length: 0}})
				return append(tokens, rest...), err
			}
			_ = tok
		case l.at('$'):
			if err := l.lexLuaLineOrInlineOrBlock(emit); err != nil {
				eofTok := token.Token{Kind: token.Eof, Span: token.Span{Offset: l.offset, Length: 0}}
				emit(eofTok)
				return tokens, err
			}
		default:
			l.lexDocument(emit)
		}
	}
}

// lexDocument consumes literal text up to the next unescaped '@', '$', or
// EOF, splitting a trailing run of whitespace into its own Whitespace
// token so the parser can reproduce a macro's indentation exactly (spec
// 4.2).
func (l *Lexer) lexDocument(emit func(token.Token)) {
	start := l.offset
	lastNonWS := l.offset

	for !l.at('@') && !l.at('$') && !l.eof() {
		if l.at('\\') {
			switch l.peek() {
			case '$', '@':
				// Escape: split the Document token at the backslash, drop
				// the backslash itself, and let the following '@'/'$'
				// become literal document text.
				if l.offset > start {
					emit(token.Token{Kind: token.Document, Span: token.Span{Offset: start, Length: l.offset - start}})
				}
				l.advance() // past '\'
				start = l.offset
				lastNonWS = start - 1
			}
		}

		if !isWhitespace(l.cur) {
			lastNonWS = l.offset
		}
		l.advance()
	}

	if !l.eof() && lastNonWS < l.offset-1 {
		wsStart := lastNonWS + 1
		if wsStart > start {
			emit(token.Token{Kind: token.Document, Span: token.Span{Offset: start, Length: wsStart - start}})
		}
		emit(token.Token{Kind: token.Whitespace, Span: token.Span{Offset: wsStart, Length: l.offset - wsStart}})
	} else if l.offset > start {
		emit(token.Token{Kind: token.Document, Span: token.Span{Offset: start, Length: l.offset - start}})
	}
}

func (l *Lexer) lexLuaLineOrInlineOrBlock(emit func(token.Token)) error {
	// at '$'
	l.advance()
	if l.at('$') {
		l.advance()
		if l.at('$') {
			return l.lexLuaBlock(emit)
		}
		return errdefs.WithLexError(l.pos(l.offset), "$$ has no meaning yet")
	}
	if l.at('(') {
		return l.lexLuaInline(emit)
	}
	return l.lexLuaLine(emit)
}

// lexLuaBlock consumes everything up to the next "$$$" terminator
// (non-nestable) as a single LuaBlock token.
func (l *Lexer) lexLuaBlock(emit func(token.Token)) error {
	startOffset := l.offset
	l.advance() // past the third '$' that got us here
	start := l.offset

	for {
		if l.eof() {
			return errdefs.WithLexError(l.pos(startOffset), "unexpected eof while consuming lua block")
		}
		if l.at('$') {
			save := l.offset
			l.advance()
			if l.at('$') {
				l.advance()
				if l.at('$') {
					end := save
					l.advance()
					emit(token.Token{Kind: token.LuaBlock, Span: token.Span{Offset: start, Length: end - start}})
					return nil
				}
			}
			continue
		}
		l.advance()
	}
}

// lexLuaInline consumes a parenthesized expression, tracking paren
// nesting so a nested call's own parens don't end the token early.
func (l *Lexer) lexLuaInline(emit func(token.Token)) error {
	startOffset := l.offset
	l.advance() // past '('
	start := l.offset
	nesting := 1

	for {
		if l.eof() {
			return errdefs.WithLexError(l.pos(startOffset), "unexpected eof while consuming inline lua expression")
		}
		if l.at('(') {
			nesting++
		} else if l.at(')') {
			nesting--
			if nesting == 0 {
				break
			}
		}
		l.advance()
	}

	emit(token.Token{Kind: token.LuaInline, Span: token.Span{Offset: start, Length: l.offset - start}})
	l.advance() // past ')'
	return nil
}

// lexLuaLine consumes text to end-of-line; the newline is consumed and
// dropped, never part of the token.
func (l *Lexer) lexLuaLine(emit func(token.Token)) error {
	start := l.offset
	for !l.at('\n') && !l.eof() {
		l.advance()
	}
	emit(token.Token{Kind: token.LuaLine, Span: token.Span{Offset: start, Length: l.offset - start}})
	if !l.eof() {
		l.advance() // past '\n'
	}
	return nil
}

// lexMacro recognizes '@'/'@@', the macro name, and an optional argument
// list or string literal (PostMacroMode).
func (l *Lexer) lexMacro(emit func(token.Token)) (token.Token, []token.Token, error) {
	indentStart, indentLen := l.lineIndent()

	start := l.offset
	l.advance() // past '@'
	kind := token.MacroSymbol
	if l.at('@') {
		l.advance()
		kind = token.MacroSymbolImmediate
	}
	symTok := token.Token{
		Kind:   kind,
		Span:   token.Span{Offset: start, Length: l.offset - start},
		Indent: token.Span{Offset: indentStart, Length: indentLen},
	}
	emit(symTok)

	l.skipWhitespace()

	nameTok, err := l.lexMacroName()
	if err != nil {
		return token.Token{}, nil, err
	}
	emit(nameTok)

	l.skipWhitespace()

	switch {
	case l.at('('):
		if err := l.lexMacroTupleArgs(emit); err != nil {
			return token.Token{}, nil, err
		}
	case l.at('"'):
		if err := l.lexMacroStringArg(emit); err != nil {
			return token.Token{}, nil, err
		}
	case l.at('<') && l.peek() == '-':
		return token.Token{}, nil, errdefs.WithLexError(l.pos(l.offset), "%s", heredocRejectionMessage)
	}

	return symTok, nil, nil
}

// lineIndent returns the span of whitespace from the start of the current
// line up to the lexer's current offset, used as the macro-indentation
// recorded on MacroSymbol/MacroSymbolImmediate tokens.
func (l *Lexer) lineIndent() (int, int) {
	b := l.buf
	i := l.offset
	for i > 0 && b[i-1] != '\n' {
		i--
	}
	j := i
	for j < l.offset && isWhitespace(rune(b[j])) {
		j++
	}
	if j != l.offset {
		// Non-whitespace interrupts the run; no indentation to record.
		return l.offset, 0
	}
	return i, l.offset - i
}

func (l *Lexer) skipWhitespace() {
	for !l.eof() && isWhitespace(l.cur) {
		l.advance()
	}
}

// lexMacroName consumes the identifier (possibly dotted) following '@',
// disambiguating a trailing ':' as method syntax only when an
// identifier-start character follows it (item 1, preserved
// verbatim per its "open question").
func (l *Lexer) lexMacroName() (token.Token, error) {
	start := l.offset
	if !isFirstIdentifierChar(l.cur) {
		return token.Token{}, errdefs.WithLexError(l.pos(l.offset), "expected an identifier of a macro after '@'")
	}

	foundColon := false
	methodColonOffset := 0
	for isIdentifierChar(l.cur) || l.at('.') || l.at(':') {
		if l.at(':') {
			if isFirstIdentifierChar(l.peek()) {
				foundColon = true
				methodColonOffset = l.offset - start
			}
			break
		}
		l.advance()
	}

	if foundColon {
		l.advance() // past ':'
		for isIdentifierChar(l.cur) {
			l.advance()
		}
		if l.at('.') || l.at(':') {
			return token.Token{}, errdefs.WithLexError(l.pos(l.offset), "cannot use ':' or '.' after method syntax")
		}
	}

	kind := token.MacroIdentifier
	if foundColon {
		kind = token.MacroMethod
	}
	return token.Token{
		Kind:        kind,
		Span:        token.Span{Offset: start, Length: l.offset - start},
		MethodColon: methodColonOffset,
	}, nil
}

// lexMacroTupleArgs splits a parenthesized argument list into
// top-level-comma-separated MacroTupleArg tokens, tracking paren and
// brace nesting so a nested "{...}" may itself contain commas.
func (l *Lexer) lexMacroTupleArgs(emit func(token.Token)) error {
	startOffset := l.offset
	l.advance() // past '('
	l.skipWhitespace()

	if l.at(')') {
		l.advance()
		return nil
	}

	braceNesting := 0
	parenNesting := 1
	start := l.offset

	for {
		for !l.at(',') && !l.at(')') && !l.at('{') && !l.at('}') && !l.at('(') && !l.eof() {
			l.advance()
		}
		if l.eof() {
			return errdefs.WithLexError(l.pos(startOffset), "unexpected end of file while consuming macro arguments")
		}

		done := false
		resetStart := false
		switch {
		case l.at(','):
			if braceNesting == 0 && parenNesting == 1 {
				emit(token.Token{Kind: token.MacroTupleArg, Span: token.Span{Offset: start, Length: l.offset - start}})
				resetStart = true
			}
		case l.at('('):
			parenNesting++
		case l.at(')'):
			parenNesting--
			if parenNesting == 0 {
				done = true
			}
		case l.at('{'):
			braceNesting++
		case l.at('}'):
			if braceNesting > 0 {
				braceNesting--
			}
		}

		if done {
			emit(token.Token{Kind: token.MacroTupleArg, Span: token.Span{Offset: start, Length: l.offset - start}})
			l.advance() // past final ')'
			return nil
		}

		l.advance()
		if resetStart {
			start = l.offset
		}
	}
}

// lexMacroStringArg consumes a single double-quoted macro argument.
func (l *Lexer) lexMacroStringArg(emit func(token.Token)) error {
	startOffset := l.offset
	l.advance() // past opening '"'
	start := l.offset

	for {
		if l.eof() {
			return errdefs.WithLexError(l.pos(startOffset), "unexpected end of file while consuming macro string argument")
		}
		if l.at('"') {
			break
		}
		l.advance()
	}

	emit(token.Token{Kind: token.MacroStringArg, Span: token.Span{Offset: start, Length: l.offset - start}})
	l.advance() // past closing '"'
	return nil
}

// TokenText returns the literal source text of t.
func (l *Lexer) TokenText(t token.Token) string {
	return l.src.GetStr(t.Span.Offset, t.Span.Length)
}
