// Package langserver is an optional LSP front end over a Consumer:
// didOpen/didChange reprocess the document through an Lpp instance,
// publishDiagnostics reports whatever the Consumer collected, and
// semanticHighlighting/hover answer from the lexer's token stream and
// the Collector's recorded Sections. Grounded on the teacher's
// rpc/langserver/server.go jrpc2 wiring, trimmed to lpp's simpler
// (token, Section) domain in place of a full parsed AST.
package langserver

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"
	"github.com/creachadair/jrpc2/handler"
	lsp "github.com/sourcegraph/go-lsp"

	"github.com/sellesoft/lpp"
	"github.com/sellesoft/lpp/internal/consumer"
	"github.com/sellesoft/lpp/internal/diagnostic"
	"github.com/sellesoft/lpp/internal/lexer"
	"github.com/sellesoft/lpp/internal/source"
	"github.com/sellesoft/lpp/internal/token"
)

// Capability tracks an optional client capability negotiated during
// initialize.
type Capability int

const (
	_ Capability = iota
	SemanticHighlightingCapability
)

// LangServer is one LSP session, serving any number of open text
// documents over a single jrpc2 connection.
type LangServer struct {
	server *jrpc2.Server
	capset map[Capability]struct{}

	tds map[lsp.DocumentURI]*TextDocument
	tmu sync.RWMutex
}

// NewServer builds a LangServer ready to Listen.
func NewServer() *LangServer {
	ls := &LangServer{
		capset: make(map[Capability]struct{}),
		tds:    make(map[lsp.DocumentURI]*TextDocument),
	}

	ls.server = jrpc2.NewServer(handler.Map{
		"initialize":              handler.New(ls.initializeHandler),
		"exit":                    handler.New(ls.exitHandler),
		"$/cancelRequest":         handler.New(ls.cancelRequestHandler),
		"textDocument/didOpen":    handler.New(ls.textDocumentDidOpenHandler),
		"textDocument/didClose":   handler.New(ls.textDocumentDidCloseHandler),
		"textDocument/didChange":  handler.New(ls.textDocumentDidChangeHandler),
		"textDocument/hover":      handler.New(ls.textDocumentHoverHandler),
		"textDocument/completion": handler.New(ls.textDocumentCompletionHandler),
	}, &jrpc2.ServerOptions{
		AllowPush: true,
	})

	return ls
}

// Listen serves requests over r/w until the connection closes.
func (ls *LangServer) Listen(ctx context.Context, r io.Reader, w io.WriteCloser) error {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("listen recovered panic: %s", p)
		}
	}()

	log.Printf("lpp-langserver listening")
	s := ls.server.Start(channel.Header("")(r, w))
	return s.Wait()
}

func (ls *LangServer) initializeHandler(ctx context.Context, params lsp.InitializeParams) (lsp.InitializeResult, error) {
	log.Printf("initialize %q", params.RootURI)

	highlightCap := params.Capabilities.TextDocument.SemanticHighlightingCapabilities
	if highlightCap != nil && highlightCap.SemanticHighlighting {
		ls.capset[SemanticHighlightingCapability] = struct{}{}
		log.Printf("detected cap semantic highlighting")
	}

	return lsp.InitializeResult{
		Capabilities: lsp.ServerCapabilities{
			HoverProvider: true,
			TextDocumentSync: &lsp.TextDocumentSyncOptionsOrKind{
				Options: &lsp.TextDocumentSyncOptions{
					OpenClose: true,
					Change:    lsp.TDSKFull,
				},
			},
			SemanticHighlighting: &lsp.SemanticHighlightingOptions{
				Scopes: [][]string{
					{ScopeDocument.String()},
					{ScopeLua.String()},
					{ScopeMacroSymbol.String()},
					{ScopeMacroIdentifier.String()},
					{ScopeString.String()},
				},
			},
		},
	}, nil
}

func (ls *LangServer) exitHandler(ctx context.Context, params lsp.None) error {
	log.Printf("exit")
	return nil
}

func (ls *LangServer) cancelRequestHandler(ctx context.Context, params lsp.None) error {
	log.Printf("cancel request")
	return nil
}

func (ls *LangServer) textDocumentDidOpenHandler(ctx context.Context, params lsp.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	log.Printf("did open %q", uri)

	td := ls.process(ctx, uri, params.TextDocument.Text)

	ls.tmu.Lock()
	ls.tds[uri] = td
	ls.tmu.Unlock()

	if err := ls.publishDiagnostics(ctx, td); err != nil {
		log.Printf("err: %s", err)
	}
	if _, ok := ls.capset[SemanticHighlightingCapability]; ok {
		if err := ls.publishSemanticHighlighting(ctx, td); err != nil {
			log.Printf("err: %s", err)
		}
	}
	return nil
}

func (ls *LangServer) textDocumentDidCloseHandler(ctx context.Context, params lsp.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI
	log.Printf("did close %q", uri)

	ls.tmu.Lock()
	delete(ls.tds, uri)
	ls.tmu.Unlock()
	return nil
}

func (ls *LangServer) textDocumentDidChangeHandler(ctx context.Context, params lsp.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI
	log.Printf("did change %q", uri)

	var td *TextDocument
	for _, change := range params.ContentChanges {
		td = ls.process(ctx, uri, change.Text)
	}
	if td == nil {
		return fmt.Errorf("unknown uri %q: no content changes", uri)
	}

	ls.tmu.Lock()
	ls.tds[uri] = td
	ls.tmu.Unlock()

	if err := ls.publishDiagnostics(ctx, td); err != nil {
		log.Printf("err: %s", err)
	}
	if _, ok := ls.capset[SemanticHighlightingCapability]; ok {
		if err := ls.publishSemanticHighlighting(ctx, td); err != nil {
			log.Printf("err: %s", err)
		}
	}
	return nil
}

// TextDocument is one open buffer's last-processed state: the source it
// was preprocessed from, the Collector that watched Phase 3, and the
// token stream Phase 1 lexed (semantic highlighting reads straight off
// this rather than a parsed AST, since lpp's document model is tokens
// and Sections rather than a syntax tree).
type TextDocument struct {
	URI       lsp.DocumentURI
	Src       *source.Source
	Collector *consumer.Collector
	Tokens    []token.Token
	LexErr    error
	Output    []byte
	Ok        bool
}

// process reprocesses text as a fresh Lpp run, capturing every
// diagnostic and Section the run produces via a Collector, and
// separately lexes text for semantic highlighting (lexing never fails
// on input the preprocessor itself tolerates, but a malformed-codepoint
// LexError is kept on the TextDocument rather than aborting).
func (ls *LangServer) process(ctx context.Context, uri lsp.DocumentURI, text string) *TextDocument {
	td := &TextDocument{URI: uri, Collector: consumer.NewCollector()}

	name := strings.TrimPrefix(string(uri), "file://")
	td.Src = source.New(name)
	td.Src.WriteCache([]byte(text))

	toks, err := lexer.New(td.Src, nil).Run()
	td.Tokens = toks
	td.LexErr = err

	var out strings.Builder
	l := lpp.New()
	initErr := l.Init(lpp.Params{
		Name:     name,
		Input:    strings.NewReader(text),
		Output:   &out,
		Consumer: td.Collector,
	})
	if initErr != nil {
		td.Collector.ConsumeDiag(initErr)
		return td
	}
	defer l.Deinit()

	td.Ok = l.Run(ctx)
	td.Output = []byte(out.String())
	return td
}

func (ls *LangServer) publishDiagnostics(ctx context.Context, td *TextDocument) error {
	var diags []lsp.Diagnostic
	for _, err := range td.Collector.Diags {
		for _, span := range diagnostic.Spans(err) {
			diags = append(diags, lsp.Diagnostic{
				Severity: lsp.Error,
				Range: lsp.Range{
					Start: lsp.Position{Line: span.Pos.Line - 1, Character: span.Pos.Column - 1},
					End:   lsp.Position{Line: span.End.Line - 1, Character: span.End.Column - 1},
				},
				Message: diagnostic.Cause(err),
				Source:  "lpp",
			})
		}
	}

	return ls.server.Notify(ctx, "textDocument/publishDiagnostics", lsp.PublishDiagnosticsParams{
		URI:         td.URI,
		Diagnostics: diags,
	})
}

func (ls *LangServer) publishSemanticHighlighting(ctx context.Context, td *TextDocument) error {
	log.Printf("publishing semantic highlighting")
	params := lsp.SemanticHighlightingParams{
		TextDocument: lsp.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: lsp.TextDocumentIdentifier{URI: td.URI},
		},
	}

	lines := make(map[int]lsp.SemanticHighlightingTokens)
	for _, tok := range td.Tokens {
		scope, ok := scopeForKind(tok.Kind)
		if !ok {
			continue
		}
		loc := td.Src.GetLoc(tok.Span.Offset)
		line := loc.Line - 1
		lines[line] = append(lines[line], lsp.SemanticHighlightingToken{
			Character: uint32(loc.Column - 1),
			Length:    uint16(tok.Span.Length),
			Scope:     uint16(scope),
		})
	}

	var sortedLines []int
	for line := range lines {
		sortedLines = append(sortedLines, line)
	}
	sort.Ints(sortedLines)

	for _, line := range sortedLines {
		params.Lines = append(params.Lines, lsp.SemanticHighlightingInformation{
			Line:   line,
			Tokens: lines[line],
		})
	}

	return ls.server.Notify(ctx, "textDocument/semanticHighlighting", params)
}

// textDocumentHoverHandler reports which Section (if any) produced the
// output at the hovered position, the closest lpp analogue to "what is
// this" for a language with no declared symbols.
func (ls *LangServer) textDocumentHoverHandler(ctx context.Context, params lsp.TextDocumentPositionParams) (*lsp.Hover, error) {
	uri := params.TextDocument.URI
	ls.tmu.RLock()
	td, ok := ls.tds[uri]
	ls.tmu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown uri %q", uri)
	}

	offset := offsetForPosition(td.Src, params.Position)
	sec, ok := td.Collector.SectionAt(offset)
	if !ok {
		return &lsp.Hover{}, nil
	}

	return &lsp.Hover{
		Contents: []lsp.MarkedString{
			{Language: "text", Value: fmt.Sprintf("%s section, input offset %d", sec.Kind, sec.TokenIdx)},
		},
	}, nil
}

func (ls *LangServer) textDocumentCompletionHandler(ctx context.Context, params lsp.CompletionParams) (*lsp.CompletionList, error) {
	return nil, nil
}

// offsetForPosition converts an LSP (0-based line, 0-based character)
// position back to a byte offset by walking the Source's bytes, counting
// each byte as one character, since Source only exposes the inverse
// mapping.
func offsetForPosition(src *source.Source, pos lsp.Position) int {
	data := src.Bytes()
	line, col := 0, 0
	for i, b := range data {
		if line == pos.Line && col == pos.Character {
			return i
		}
		if b == '\n' {
			line++
			col = 0
		} else {
			col++
		}
	}
	return len(data)
}
