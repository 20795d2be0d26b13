// Package metaprogram drives one file's three-phase preprocessing run:
// lex+parse into a generated script (Phase 1), execute that script
// against a metaenv bound to this Metaprogram (Phase 2), then splice the
// Sections it produced into the final output (Phase 3).
package metaprogram

import (
	"bytes"
	"context"
	"fmt"
	"regexp"

	"github.com/sellesoft/lpp/internal/diagnostic"
	"github.com/sellesoft/lpp/internal/errdefs"
	"github.com/sellesoft/lpp/internal/lexer"
	"github.com/sellesoft/lpp/internal/parser"
	"github.com/sellesoft/lpp/internal/script"
	"github.com/sellesoft/lpp/internal/section"
	"github.com/sellesoft/lpp/internal/source"
)

// Consumer is the optional Phase-3 observer scripts and drivers may
// attach (an LSP front end, primarily).
type Consumer interface {
	ConsumeDiag(err error)
	ConsumeSection(kind section.Kind, tokenIdx, start, end int)
	ConsumeExpansions(exps []section.Expansion)
	ConsumeMetafile(name string, text []byte)
}

// invoker is what emit-macro captured about one macro invocation:
// references to the already-evaluated callee and argument values, kept
// alive in the VM's registry until Phase 3 invokes them.
type invoker struct {
	calleeRef int
	argRefs   []int
	isMethod  bool
	name      string
	offset    int
}

// Metaprogram is one file's preprocessing run. A fresh Metaprogram is
// created for every lpp.processFile reentry; Prev links a nested run back
// to the one that triggered it, so a scope-invocation diagnostic chain
// can walk outward across file boundaries too.
type Metaprogram struct {
	VM   *script.VM
	Src  *source.Source
	Prev *Metaprogram

	Consumer Consumer

	metaName string
	locMap   parser.LocationMap
	metaText []byte

	pool         *section.Pool
	rootScope    section.ScopeID
	currentScope section.ScopeID

	captures []section.Capture
	invokers []invoker

	expansions []section.Expansion

	exited bool
}

// New creates a Metaprogram for src, ready to Run. vm is the single
// script VM owned by the enclosing Lpp instance.
func New(vm *script.VM, src *source.Source, consumer Consumer, prev *Metaprogram) *Metaprogram {
	return &Metaprogram{
		VM:       vm,
		Src:      src,
		Prev:     prev,
		Consumer: consumer,
		metaName: src.Name() + ".meta",
		pool:     section.NewPool(),
	}
}

// Exited reports whether this Metaprogram has finished Run, matching the
// "refuses to operate on an exited Metaprogram" rule script callbacks
// must honor once their owning run has unwound.
func (mp *Metaprogram) Exited() bool { return mp.exited }

// Expansions returns the append-only expansion list Run accumulated.
func (mp *Metaprogram) Expansions() []section.Expansion { return mp.expansions }

// ScopeCount reports how many Scopes this Metaprogram has pushed over its
// lifetime (root plus one per Phase-3 macro invocation), for
// scope-conservation assertions.
func (mp *Metaprogram) ScopeCount() int { return mp.pool.ScopeCount() }

// Run executes all three phases and returns the output this file
// expands to. A returned errdefs.ErrCancel is not a failure: the caller
// should treat it as a clean, empty-or-partial stop.
func (mp *Metaprogram) Run(ctx context.Context) ([]byte, error) {
	defer func() { mp.exited = true }()

	if err := mp.phase1(); err != nil {
		return nil, err
	}
	if mp.Consumer != nil {
		mp.Consumer.ConsumeMetafile(mp.metaName, mp.metaText)
	}

	if err := mp.phase2(ctx); err != nil {
		return nil, err
	}

	out, err := mp.phase3(ctx)
	if err != nil && !errdefs.IsCancel(err) {
		return nil, err
	}
	if mp.Consumer != nil {
		mp.Consumer.ConsumeExpansions(mp.expansions)
	}
	return out, err
}

// phase1 runs the lexer then the parser, filling metaText and locMap.
func (mp *Metaprogram) phase1() error {
	l := lexer.New(mp.Src, nil)
	toks, err := l.Run()
	if err != nil {
		if mp.Consumer != nil {
			mp.Consumer.ConsumeDiag(err)
		}
		return err
	}

	res, err := parser.New(mp.Src, toks).Run()
	if err != nil {
		if mp.Consumer != nil {
			mp.Consumer.ConsumeDiag(err)
		}
		return err
	}
	mp.metaText = res.Meta
	mp.locMap = res.LocMap
	return nil
}

// phase2 loads the generated script as a chunk, runs it against a fresh
// metaenv, and lets its callbacks populate the root Scope's Sections.
func (mp *Metaprogram) phase2(ctx context.Context) error {
	vm := mp.VM

	if err := vm.Load(mp.metaName, bytes.NewReader(mp.metaText)); err != nil {
		diagErr := mp.translateLoadError(err)
		if mp.Consumer != nil {
			mp.Consumer.ConsumeDiag(diagErr)
		}
		return diagErr
	}
	chunkIdx := vm.Top()

	mp.rootScope = mp.pool.NewScope(section.Scope{Prev: section.NoScope})
	mp.currentScope = mp.rootScope

	mp.buildMetaenv(vm)
	envIdx := vm.Top()
	vm.SetChunkEnv(chunkIdx, envIdx)
	vm.Remove(envIdx)

	if err := vm.Call(0, 0); err != nil {
		if errdefs.IsCancel(err) {
			return err
		}
		diagErr := mp.translateRuntimeError(err)
		if mp.Consumer != nil {
			mp.Consumer.ConsumeDiag(diagErr)
		}
		return diagErr
	}
	return nil
}

// buildMetaenv pushes a fresh environment table exposing doc/val/macro/
// macro_immediate bound to mp, with its __index metatable chained to the
// real globals table so scripts still see the standard library and the
// shared `lpp` namespace.
func (mp *Metaprogram) buildMetaenv(vm *script.VM) {
	vm.NewTable()
	envIdx := vm.Top()

	vm.PushFunction(mp.builtinDoc)
	vm.SetField(envIdx, "doc")
	vm.PushFunction(mp.builtinVal)
	vm.SetField(envIdx, "val")
	vm.PushFunction(mp.builtinMacro)
	vm.SetField(envIdx, "macro")
	vm.PushFunction(mp.builtinMacroImmediate)
	vm.SetField(envIdx, "macro_immediate")

	vm.NewTable()
	metaIdx := vm.Top()
	vm.Global("_G")
	vm.SetField(metaIdx, "__index")
	vm.SetMetatable(envIdx)
}

var luaErrLoc = regexp.MustCompile(`^(.*):(\d+):\s*(.*)$`)

func (mp *Metaprogram) translateLoadError(cause error) error {
	pos := mp.translateLuaMessage(cause.Error())
	return errdefs.WithScriptLoadError(pos, cause)
}

func (mp *Metaprogram) translateRuntimeError(cause error) error {
	if errdefs.IsCancel(cause) {
		return cause
	}
	frames := mp.VM.LastTrace()
	scriptFrames := make([]errdefs.ScriptFrame, 0, len(frames))
	for _, f := range frames {
		pos := mp.translateFrame(f.CurrentLine)
		fn := f.Name
		if fn == "" {
			fn = "?"
		}
		scriptFrames = append(scriptFrames, errdefs.ScriptFrame{Pos: pos, Function: fn})
	}
	invoking := mp.invokingMacroPositions(mp.currentScope)
	return errdefs.WithScriptRuntimeError(cause, scriptFrames, invoking)
}

// translateLuaMessage extracts "<source>:<line>: msg" from a go-lua error
// string and translates it via the location map; falls back to offset 0
// if the message isn't in that shape.
func (mp *Metaprogram) translateLuaMessage(msg string) diagnostic.Position {
	m := luaErrLoc.FindStringSubmatch(msg)
	if m == nil {
		return diagnostic.PositionOf(mp.Src, 0)
	}
	var line int
	fmt.Sscanf(m[2], "%d", &line)
	return mp.translateFrame(line)
}

func (mp *Metaprogram) translateFrame(line int) diagnostic.Position {
	metaOffset := lineStartOffset(mp.metaText, line)
	inputOffset := mp.locMap.Translate(metaOffset)
	if inputOffset < 0 {
		inputOffset = 0
	}
	return diagnostic.PositionOf(mp.Src, inputOffset)
}

func lineStartOffset(text []byte, line int) int {
	if line <= 1 {
		return 0
	}
	n := 1
	for i, b := range text {
		if b == '\n' {
			n++
			if n == line {
				return i + 1
			}
		}
	}
	return len(text)
}

// invokingMacroPositions walks the scope stack from cur up to the root,
// collecting the input position of each enclosing macro invocation,
// innermost last.
func (mp *Metaprogram) invokingMacroPositions(cur section.ScopeID) []diagnostic.Position {
	var out []diagnostic.Position
	for id := cur; id != section.NoScope; {
		scope := mp.pool.Scope(id)
		if scope == nil {
			break
		}
		if scope.HasMacroInvocation() {
			sec := mp.pool.Section(scope.MacroInvocation)
			out = append([]diagnostic.Position{diagnostic.PositionOf(mp.Src, sec.TokenIdx)}, out...)
		}
		id = scope.Prev
	}
	return out
}
