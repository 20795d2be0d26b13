// Package lpp is a language-agnostic text preprocessor with an embedded
// Lua-compatible scripting runtime. A source file is lexed and parsed
// into a generated script (Phase 1), the script runs against a metaenv
// bound to its own Metaprogram (Phase 2), and the Sections it produced
// are spliced into the final output (Phase 3). See internal/metaprogram
// for the three-phase pipeline itself; this package is the driver that
// owns the script VM, the Source pool, and the shared `lpp` namespace
// every generated script sees.
package lpp

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/logrusorgru/aurora"
	"github.com/pkg/errors"

	"github.com/sellesoft/lpp/internal/consumer"
	"github.com/sellesoft/lpp/internal/diagnostic"
	"github.com/sellesoft/lpp/internal/errdefs"
	"github.com/sellesoft/lpp/internal/metaprogram"
	"github.com/sellesoft/lpp/internal/script"
	"github.com/sellesoft/lpp/internal/section"
	"github.com/sellesoft/lpp/internal/source"
	"github.com/sellesoft/lpp/internal/vfs"
)

// Version is the lpp release this module implements, printed by
// cmd/lpp's --version flag.
const Version = "0.1.0"

// Consumer is the optional Phase-3 observer; an LSP front end is the
// primary reason to attach one.
type Consumer = metaprogram.Consumer

// Params configures a call to Init: the primary input/output streams,
// optional dependency and meta-file output streams, extra command-line
// arguments (exposed to scripts as lpp.argv), the three search-directory
// lists, an optional Consumer, and an optional color handle for
// stderr-rendered diagnostics.
type Params struct {
	Name   string
	Input  io.Reader
	Output io.Writer

	DepOutput  io.Writer
	MetaOutput io.Writer

	Argv []string

	IncludeDirs      []string
	RequireDirs      []string
	NativeModuleDirs []string

	Consumer Consumer
	Color    aurora.Aurora
	Hooks    consumer.Hooks
}

// Lpp is one preprocessing session: a single script VM, a single Source
// pool, and the resolver tracking search directories and the dependency
// set. Only one Metaprogram holds the "current" context on it at a time;
// reentrant lpp.processFile calls save and restore that field around a
// nested Metaprogram run, exactly the way Metaprogram.Prev lets a
// diagnostic chain walk back out across file boundaries.
type Lpp struct {
	vm       *script.VM
	sources  *source.Pool
	resolver *vfs.Resolver

	consumer Consumer
	argv     []string
	color    aurora.Aurora
	hooks    consumer.Hooks

	current *metaprogram.Metaprogram

	primaryName     string
	primarySrc      *source.Source
	primaryOutput   io.Writer
	depOutput       io.Writer
	metaOutput      io.Writer
	primaryMetafile []byte

	exited bool
}

// New returns an Lpp ready for Init.
func New() *Lpp {
	return &Lpp{color: aurora.NewAurora(false)}
}

// Init reads p.Input fully into a new primary Source, builds the script
// VM and registers the shared `lpp` namespace, and records every stream
// and search path Run will need. It does not itself preprocess anything;
// call Run for that.
func (l *Lpp) Init(p Params) error {
	if p.Output == nil {
		return fmt.Errorf("lpp: Init requires a primary output stream")
	}

	data, err := io.ReadAll(p.Input)
	if err != nil {
		return errors.Wrap(err, "reading primary input")
	}

	l.vm = script.New()
	l.sources = source.NewPool()
	l.resolver = vfs.NewResolver(p.IncludeDirs, p.RequireDirs, p.NativeModuleDirs)
	l.consumer = p.Consumer
	l.argv = p.Argv
	l.color = p.Color
	if l.color == nil {
		l.color = aurora.NewAurora(false)
	}
	l.hooks = p.Hooks
	if l.hooks.DebugBreak == nil {
		l.hooks.DebugBreak = consumer.NewNoopDebugBreak()
	}

	src := source.New(p.Name)
	src.WriteCache(data)
	l.primarySrc = l.sources.Add(src)
	l.primaryName = p.Name
	l.primaryOutput = p.Output
	l.depOutput = p.DepOutput
	l.metaOutput = p.MetaOutput

	l.registerGlobals()
	return nil
}

// registerGlobals builds the `lpp` table every generated script's
// metaenv falls through to via its __index chain: processFile,
// addDependency, MacroPart, argv, and the cancel sentinel.
// runDocumentSectionCallbacks and runFinalCallbacks are left unset —
// scripts install them by simple assignment (lpp.runFinalCallbacks =
// function(output) ... end), same as any other global table field.
func (l *Lpp) registerGlobals() {
	vm := l.vm

	vm.NewTable()
	lppIdx := vm.Top()

	vm.PushFunction(l.builtinProcessFile)
	vm.SetField(lppIdx, "processFile")

	vm.PushFunction(l.builtinAddDependency)
	vm.SetField(lppIdx, "addDependency")

	vm.PushFunction(builtinMacroPart)
	vm.SetField(lppIdx, "MacroPart")

	vm.PushFunction(l.builtinDebugBreak)
	vm.SetField(lppIdx, "debugbreak")

	vm.NewTable()
	argvIdx := vm.Top()
	for i, a := range l.argv {
		vm.PushString(a)
		vm.SetIndex(argvIdx, i+1)
	}
	vm.SetField(lppIdx, "argv")

	vm.NewTable()
	vm.PushValueAt(vm.Top())
	vm.SetCancelValue()
	vm.SetField(lppIdx, "cancel")

	vm.SetGlobal("lpp")
}

// builtinMacroPart is lpp.MacroPart: the constructor for the wrapper a
// macro argument is passed as, holding (source name, start offset, end
// offset, raw text).
func builtinMacroPart(vm *script.VM) int {
	name, _ := vm.ToString(1)
	offset, _ := vm.ToInt(2)
	end, _ := vm.ToInt(3)
	text, _ := vm.ToString(4)

	vm.NewTable()
	idx := vm.Top()
	vm.PushString(name)
	vm.SetField(idx, "source")
	vm.PushInt(offset)
	vm.SetField(idx, "offset")
	vm.PushInt(end)
	vm.SetField(idx, "end")
	vm.PushString(text)
	vm.SetField(idx, "text")
	return 1
}

// builtinDebugBreak is lpp.debugbreak: a script-callable trap point with
// no effect of its own, forwarded to the configured Hooks.DebugBreak so
// an attached driver (the LSP front end, a future interactive debugger)
// can intercept it. The current Metaprogram's source name and the
// calling offset are passed through so the hook can report where it
// fired.
func (l *Lpp) builtinDebugBreak(vm *script.VM) int {
	offset, _ := vm.ToInt(1)
	name := ""
	if l.current != nil {
		name = l.current.Src.Name()
	}
	if err := l.hooks.DebugBreak(context.Background(), name, offset); err != nil {
		vm.RaiseError("%s", err)
	}
	return 0
}

// builtinAddDependency is lpp.addDependency: records path (made absolute)
// in the dependency set without preprocessing it.
func (l *Lpp) builtinAddDependency(vm *script.VM) int {
	path, _ := vm.ToString(1)
	abs, err := filepath.Abs(path)
	if err != nil {
		vm.PushBool(false)
		return 1
	}
	l.resolver.AddDependency(abs)
	vm.PushBool(true)
	return 1
}

// builtinProcessFile is lpp.processFile: the reentry point a macro calls
// to preprocess another file and splice its result inline. path is
// resolved against the include search directories, added to the
// dependency set, and run as a new Metaprogram linked back to whichever
// one is currently executing.
func (l *Lpp) builtinProcessFile(vm *script.VM) int {
	path, _ := vm.ToString(1)

	resolved, err := l.resolver.Resolve(vfs.Include, path)
	if err != nil {
		vm.PushNil()
		vm.PushBool(false)
		return 2
	}
	l.resolver.AddDependency(resolved)

	src := l.sources.Get(resolved)
	if src == nil {
		f, err := l.resolver.Open(resolved)
		if err != nil {
			vm.PushNil()
			vm.PushBool(false)
			return 2
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			vm.PushNil()
			vm.PushBool(false)
			return 2
		}
		fresh := source.New(resolved)
		fresh.WriteCache(data)
		src = l.sources.Add(fresh)
	}

	out, ok := l.runMetaprogram(context.Background(), src)
	vm.PushString(string(out))
	vm.PushBool(ok)
	return 2
}

// runMetaprogram runs a Metaprogram for src, nested under whichever one
// is currently executing (nil at the top level), saving and restoring
// the "current" pointer around it so a reentrant lpp.processFile call
// from inside a macro sees a coherent chain back out to its caller.
func (l *Lpp) runMetaprogram(ctx context.Context, src *source.Source) ([]byte, bool) {
	prev := l.current
	mp := metaprogram.New(l.vm, src, &bridgeConsumer{l: l}, prev)
	l.current = mp
	out, err := mp.Run(ctx)
	l.current = prev

	if err != nil && !errdefs.IsCancel(err) {
		if l.consumer == nil {
			l.printDiag(err)
		}
		return out, false
	}
	return out, true
}

// ProcessStream preprocesses an already-registered Source (name must
// match one added via Init or a prior ProcessStream/processFile call)
// and writes its result to output. It is the Go-level counterpart of the
// script-callable lpp.processFile reentry.
func (l *Lpp) ProcessStream(ctx context.Context, name string, output io.Writer) bool {
	src := l.sources.Get(name)
	if src == nil {
		return false
	}
	out, ok := l.runMetaprogram(ctx, src)
	if output != nil {
		if _, err := output.Write(out); err != nil {
			if l.consumer == nil {
				l.printDiag(err)
			}
			return false
		}
	}
	return ok
}

// Run preprocesses the configured primary stream to the configured
// primary output, then (on success) writes the optional dependency file,
// and (regardless of success) writes the optional meta file if the
// primary run got far enough to generate one. It returns the same
// boolean a driver should map to a process exit code.
func (l *Lpp) Run(ctx context.Context) bool {
	ok := l.ProcessStream(ctx, l.primaryName, l.primaryOutput)

	if l.metaOutput != nil && l.primaryMetafile != nil {
		l.metaOutput.Write(l.primaryMetafile)
	}
	if ok && l.depOutput != nil {
		if err := l.writeDepFile(); err != nil {
			l.printDiag(err)
			return false
		}
	}
	return ok
}

// writeDepFile writes the single make-style dependency line "Dependency
// output" describes: the primary output's name, a colon, and every path
// added to the dependency set via lpp.processFile or lpp.addDependency,
// sorted for a reproducible build artifact regardless of traversal order.
func (l *Lpp) writeDepFile() error {
	deps := l.resolver.SortedDependencies()
	if _, err := fmt.Fprintf(l.depOutput, "%s:", l.primaryName); err != nil {
		return err
	}
	for _, d := range deps {
		if _, err := fmt.Fprintf(l.depOutput, " %s", d); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(l.depOutput)
	return err
}

// printDiag renders err as a source-quoting report to stderr, used
// whenever no external Consumer is attached to receive it instead.
func (l *Lpp) printDiag(err error) {
	ctx := diagnostic.WithColor(context.Background(), l.color)
	ctx = source.WithPool(ctx, l.sources)
	spans := diagnostic.Spans(err)
	if len(spans) == 0 {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	diagnostic.DisplayError(ctx, os.Stderr, spans, err, false)
}

// Deinit releases this session's VM, Source pool, and resolver. Init must
// be called again before reuse.
func (l *Lpp) Deinit() {
	l.exited = true
	l.vm = nil
	l.sources = nil
	l.resolver = nil
	l.current = nil
}

// bridgeConsumer is the Consumer every Metaprogram this Lpp creates is
// given. It always captures the primary run's generated meta text (the
// first ConsumeMetafile call any Run makes, since a nested
// lpp.processFile reentry can only happen once the primary Metaprogram's
// own Phase 1 has already fired its ConsumeMetafile call), and forwards
// every callback to the externally attached Consumer, if any.
type bridgeConsumer struct {
	l *Lpp
}

func (b *bridgeConsumer) ConsumeDiag(err error) {
	if b.l.consumer != nil {
		b.l.consumer.ConsumeDiag(err)
	}
}

func (b *bridgeConsumer) ConsumeSection(kind section.Kind, tokenIdx, start, end int) {
	if b.l.consumer != nil {
		b.l.consumer.ConsumeSection(kind, tokenIdx, start, end)
	}
}

func (b *bridgeConsumer) ConsumeExpansions(exps []section.Expansion) {
	if b.l.consumer != nil {
		b.l.consumer.ConsumeExpansions(exps)
	}
}

func (b *bridgeConsumer) ConsumeMetafile(name string, text []byte) {
	if b.l.primaryMetafile == nil {
		b.l.primaryMetafile = text
	}
	if b.l.consumer != nil {
		b.l.consumer.ConsumeMetafile(name, text)
	}
}
