// Package parser consumes a lexer token stream and emits a Lua script
// program (the "meta" buffer) whose execution is Phase 2 of
// preprocessing. It never re-reads the input beyond what the lexer
// already sliced into token spans.
package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sellesoft/lpp/internal/diagnostic"
	"github.com/sellesoft/lpp/internal/errdefs"
	"github.com/sellesoft/lpp/internal/source"
	"github.com/sellesoft/lpp/internal/token"
)

// Result is the output of a successful Parse: the generated script text
// and the location map needed to translate an error inside it back to an
// input-file position.
type Result struct {
	Meta   []byte
	LocMap LocationMap
}

// Parser turns a fully-lexed token slice into a meta script.
type Parser struct {
	src  *source.Source
	toks []token.Token
	idx  int

	meta   bytes.Buffer
	locMap LocationMap
}

// New builds a Parser over toks, a complete token stream for src produced
// by internal/lexer.
func New(src *source.Source, toks []token.Token) *Parser {
	return &Parser{src: src, toks: toks}
}

func (p *Parser) text(t token.Token) string {
	return p.src.GetStr(t.Span.Offset, t.Span.Length)
}

func (p *Parser) pos(offset int) diagnostic.Position {
	return diagnostic.PositionOf(p.src, offset)
}

func (p *Parser) peek() token.Token {
	if p.idx >= len(p.toks) {
		return token.Token{Kind: token.Eof}
	}
	return p.toks[p.idx]
}

func (p *Parser) advance() token.Token {
	t := p.peek()
	if p.idx < len(p.toks) {
		p.idx++
	}
	return t
}

// sample appends a location-map entry anchored at the meta buffer's
// current length.
func (p *Parser) sample(inputOffset int) {
	p.locMap = append(p.locMap, Sample{MetaOffset: p.meta.Len(), InputOffset: inputOffset})
}

// writeVerbatim appends text to the meta buffer, sampling the location
// map at every newline boundary it crosses so a multi-line LuaLine/
// LuaBlock token still yields fine-grained error-line translation.
func (p *Parser) writeVerbatim(text string, inputStart int) {
	inputOffset := inputStart
	for i := 0; i < len(text); i++ {
		p.meta.WriteByte(text[i])
		if text[i] == '\n' {
			inputOffset = inputStart + i + 1
			p.sample(inputOffset)
		}
	}
}

// Run parses the entire token stream, returning the generated script and
// its location map. Parsing stops at the first ParseError.
func (p *Parser) Run() (*Result, error) {
	for {
		t := p.peek()
		if t.Kind == token.Eof {
			break
		}
		if err := p.parseOne(); err != nil {
			return nil, err
		}
	}
	return &Result{Meta: p.meta.Bytes(), LocMap: p.locMap}, nil
}

func (p *Parser) parseOne() error {
	t := p.advance()
	switch t.Kind {
	case token.Document:
		p.sample(t.Span.Offset)
		fmt.Fprintf(&p.meta, "doc(%d, %s)\n", t.Span.Offset, quoteLua(p.text(t)))
	case token.Whitespace:
		p.sample(t.Span.Offset)
		fmt.Fprintf(&p.meta, "doc(%d, %s)\n", t.Span.Offset, quoteLua(p.text(t)))
	case token.LuaLine:
		p.sample(t.Span.Offset)
		p.writeVerbatim(p.text(t), t.Span.Offset)
		p.meta.WriteByte('\n')
	case token.LuaBlock:
		p.sample(t.Span.Offset)
		p.writeVerbatim(p.text(t), t.Span.Offset)
		p.meta.WriteByte('\n')
	case token.LuaInline:
		p.sample(t.Span.Offset)
		fmt.Fprintf(&p.meta, "val(%d, (%s))\n", t.Span.Offset, p.text(t))
	case token.MacroSymbol, token.MacroSymbolImmediate:
		return p.parseMacro(t)
	default:
		return errdefs.WithParseError(p.pos(t.Span.Offset), "unexpected token %s", t.Kind)
	}
	return nil
}

// parseMacro emits a macro or macro-immediate invocation. sym is the '@'
// or '@@' token; the macro name, and an optional argument list or string
// literal, follow it in the token stream.
func (p *Parser) parseMacro(sym token.Token) error {
	immediate := sym.Kind == token.MacroSymbolImmediate

	nameTok := p.advance()
	if nameTok.Kind != token.MacroIdentifier && nameTok.Kind != token.MacroMethod {
		return errdefs.WithParseError(p.pos(nameTok.Span.Offset), "expected a macro name after '%s'", symbolText(sym))
	}

	name := p.text(nameTok)
	isMethod := nameTok.Kind == token.MacroMethod
	callee := name
	if isMethod {
		callee = name[:nameTok.MethodColon]
	}

	var args []string
	switch p.peek().Kind {
	case token.MacroTupleArg:
		for p.peek().Kind == token.MacroTupleArg {
			arg := p.advance()
			args = append(args, p.macroPart(arg))
		}
	case token.MacroStringArg:
		arg := p.advance()
		args = append(args, p.macroPart(arg))
	}

	indent := p.src.GetStr(sym.Indent.Offset, sym.Indent.Length)

	p.sample(sym.Span.Offset)

	call := fmt.Sprintf("macro(%d, %s, %s, %s, %s%s)",
		sym.Span.Offset,
		quoteLua(indent),
		quoteLua(name),
		luaBool(isMethod),
		callee,
		argsSuffix(args),
	)

	if immediate {
		immCall := fmt.Sprintf("macro_immediate(%d, %s, %s, %s, %s%s)",
			sym.Span.Offset,
			quoteLua(indent),
			quoteLua(name),
			luaBool(isMethod),
			callee,
			argsSuffix(args),
		)
		fmt.Fprintf(&p.meta, "doc(%d, %s)\n", sym.Span.Offset, immCall)
	} else {
		fmt.Fprintf(&p.meta, "%s\n", call)
	}

	return nil
}

func argsSuffix(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return ", " + strings.Join(args, ", ")
}

// macroPart builds the lpp.MacroPart(...) wrapper literal for a single
// MacroTupleArg/MacroStringArg token: source name, start offset, end
// offset, raw text.
func (p *Parser) macroPart(t token.Token) string {
	return fmt.Sprintf("lpp.MacroPart(%s, %d, %d, %s)",
		quoteLua(p.src.Name()), t.Span.Offset, t.Span.End(), quoteLua(p.text(t)))
}

func symbolText(t token.Token) string {
	if t.Kind == token.MacroSymbolImmediate {
		return "@@"
	}
	return "@"
}

func luaBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// quoteLua renders s as a double-quoted Lua string literal. Control
// characters, '"', and '\' are escaped; every other byte (including
// UTF-8 continuation bytes) passes through unchanged.
func quoteLua(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\t':
			b.WriteString(`\t`)
		case c < 0x20:
			fmt.Fprintf(&b, `\%d`, c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
