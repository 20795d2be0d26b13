package metaprogram

import (
	"context"
	"strings"

	"github.com/sellesoft/lpp/internal/errdefs"
	"github.com/sellesoft/lpp/internal/section"
)

// phase3 splices every Scope's Sections into final output, starting from
// the root, then runs the whole-file callback hook once before returning.
func (mp *Metaprogram) phase3(ctx context.Context) ([]byte, error) {
	out, err := mp.spliceScope(ctx, mp.rootScope)
	if err != nil {
		return out, err
	}
	return mp.runFinalCallbacks(out), nil
}

// spliceScope walks one Scope's Sections in emission order, appending to
// its Buffer, and returns that Buffer once every Section (and any nested
// Scope a Macro section pushes) has been processed.
func (mp *Metaprogram) spliceScope(ctx context.Context, id section.ScopeID) ([]byte, error) {
	prev := mp.currentScope
	mp.currentScope = id
	defer func() { mp.currentScope = prev }()

	if err := ctx.Err(); err != nil {
		return mp.pool.Scope(id).Buffer, err
	}

	for _, secID := range mp.pool.Scope(id).Sections {
		sec := mp.pool.Section(secID)
		switch sec.Kind {
		case section.Document, section.DocumentSpan:
			if err := mp.spliceDocument(id, secID); err != nil {
				return mp.pool.Scope(id).Buffer, err
			}
		case section.Macro:
			if err := mp.spliceMacro(ctx, id, secID); err != nil {
				return mp.pool.Scope(id).Buffer, err
			}
		case section.MacroImmediate:
			scope := mp.pool.Scope(id)
			mp.captures = append(mp.captures, section.Capture{
				TokenIdx: sec.TokenIdx,
				Start:    scope.GlobalOffset + len(scope.Buffer),
			})
		}
	}
	return mp.pool.Scope(id).Buffer, nil
}

// spliceDocument appends one Document/DocumentSpan section's text to its
// scope's buffer, consulting the capture stack in case an immediate
// macro's result overrides where this section's expansion is attributed.
func (mp *Metaprogram) spliceDocument(scopeID section.ScopeID, secID section.ID) error {
	sec := mp.pool.Section(secID)
	text := mp.runDocumentSectionCallbacks(sec.Buffer, sec.TokenIdx)

	scope := mp.pool.Scope(scopeID)
	start := scope.GlobalOffset + len(scope.Buffer)
	if n := len(mp.captures); n > 0 && mp.captures[n-1].TokenIdx == sec.TokenIdx {
		start = mp.captures[n-1].Start
		mp.captures = mp.captures[:n-1]
	}

	scope.Buffer = append(scope.Buffer, text...)
	end := scope.GlobalOffset + len(scope.Buffer)

	mp.expansions = append(mp.expansions, section.Expansion{
		From:           sec.TokenIdx,
		To:             start,
		InvokingMacros: mp.invokingOffsets(scopeID),
	})
	if mp.Consumer != nil {
		mp.Consumer.ConsumeSection(sec.Kind, sec.TokenIdx, start, end)
	}
	return nil
}

// spliceMacro pushes a child Scope for a Macro section, invokes its
// registered invoker with that child current so any doc/macro calls the
// invoker's Lua function makes land in the child (its Sections are
// appended by the invoker's side effects, per the splice algorithm),
// then recursively splices the child and appends its buffer plus the
// invoker's own string result into the parent.
func (mp *Metaprogram) spliceMacro(ctx context.Context, scopeID section.ScopeID, secID section.ID) error {
	sec := mp.pool.Section(secID)
	inv := mp.invokers[sec.MacroIdx]

	parent := mp.pool.Scope(scopeID)
	childID := mp.pool.NewScope(section.Scope{
		Prev:         scopeID,
		GlobalOffset: parent.GlobalOffset + len(parent.Buffer),
	})
	mp.pool.Scope(childID).SetMacroInvocation(secID)

	prevScope := mp.currentScope
	mp.currentScope = childID
	result, err := mp.invokeMacro(inv)
	if err != nil {
		if errdefs.IsCancel(err) {
			mp.currentScope = prevScope
			return err
		}
		diagErr := mp.translateRuntimeError(err)
		mp.currentScope = prevScope
		if mp.Consumer != nil {
			mp.Consumer.ConsumeDiag(diagErr)
		}
		return diagErr
	}
	mp.currentScope = prevScope

	childOut, err := mp.spliceScope(ctx, childID)
	if err != nil {
		return err
	}
	if result != nil {
		childOut = append(childOut, []byte(*result)...)
	}

	start := mp.pool.Scope(childID).GlobalOffset

	// re-fetch: the NewScope call above may have reallocated the pool's
	// backing scope slice, invalidating the earlier parent pointer.
	parent = mp.pool.Scope(scopeID)
	parent.Buffer = append(parent.Buffer, childOut...)
	end := parent.GlobalOffset + len(parent.Buffer)

	mp.expansions = append(mp.expansions, section.Expansion{
		From:           sec.TokenIdx,
		To:             start,
		InvokingMacros: mp.invokingOffsets(scopeID),
	})
	if mp.Consumer != nil {
		mp.Consumer.ConsumeSection(section.Macro, sec.TokenIdx, start, end)
	}
	return nil
}

// invokeMacro calls inv's callee with its captured arguments and releases
// the registry references afterward, regardless of outcome. Method-syntax
// invokers re-resolve receiver.method from the captured receiver table at
// call time (standard Lua colon-call desugaring) rather than having
// captured a bound function in Phase 2, so redefining the method between
// phases is honored the same way a normal `obj:method()` call would be.
func (mp *Metaprogram) invokeMacro(inv invoker) (*string, error) {
	vm := mp.VM

	vm.PushRef(inv.calleeRef)
	if inv.isMethod {
		methodName := inv.name
		if i := strings.IndexByte(inv.name, ':'); i >= 0 {
			methodName = inv.name[i+1:]
		}
		recvIdx := vm.Top()
		vm.GetField(recvIdx, methodName)
		vm.PushValueAt(recvIdx)
		vm.Remove(recvIdx)
	}
	for _, r := range inv.argRefs {
		vm.PushRef(r)
	}
	nArgs := len(inv.argRefs)
	if inv.isMethod {
		nArgs++
	}

	err := vm.Call(nArgs, 1)

	vm.Unref(inv.calleeRef)
	for _, r := range inv.argRefs {
		vm.Unref(r)
	}

	if err != nil {
		return nil, err
	}
	if vm.IsNil(vm.Top()) {
		vm.Pop(1)
		return nil, nil
	}
	s, _ := vm.ToString(vm.Top())
	vm.Pop(1)
	return &s, nil
}

// runDocumentSectionCallbacks calls the shared lpp.runDocumentSectionCallbacks
// hook, if a script has installed one, letting it rewrite a Document
// section's text before it's spliced in. Absent a hook, text passes
// through unchanged.
func (mp *Metaprogram) runDocumentSectionCallbacks(text []byte, offset int) []byte {
	vm := mp.VM
	vm.Global("lpp")
	lppIdx := vm.Top()
	vm.GetField(lppIdx, "runDocumentSectionCallbacks")
	if vm.IsNil(vm.Top()) {
		vm.Pop(2)
		return text
	}

	vm.PushString(string(text))
	vm.PushInt(offset)
	if err := vm.Call(2, 1); err != nil {
		vm.Pop(1)
		return text
	}
	if !vm.IsNil(vm.Top()) {
		if s, ok := vm.ToString(vm.Top()); ok {
			text = []byte(s)
		}
	}
	vm.Pop(2)
	return text
}

// runFinalCallbacks calls the shared lpp.runFinalCallbacks hook, if
// installed, letting it rewrite the whole spliced output once Phase 3
// finishes. Absent a hook, output passes through unchanged.
func (mp *Metaprogram) runFinalCallbacks(out []byte) []byte {
	vm := mp.VM
	vm.Global("lpp")
	lppIdx := vm.Top()
	vm.GetField(lppIdx, "runFinalCallbacks")
	if vm.IsNil(vm.Top()) {
		vm.Pop(2)
		return out
	}

	vm.PushString(string(out))
	if err := vm.Call(1, 1); err != nil {
		vm.Pop(1)
		return out
	}
	if !vm.IsNil(vm.Top()) {
		if s, ok := vm.ToString(vm.Top()); ok {
			out = []byte(s)
		}
	}
	vm.Pop(2)
	return out
}

// invokingOffsets collects the input offset of every enclosing macro
// invocation walking outward from id to the root, innermost last.
func (mp *Metaprogram) invokingOffsets(id section.ScopeID) []int {
	var out []int
	for cur := id; cur != section.NoScope; {
		scope := mp.pool.Scope(cur)
		if scope == nil {
			break
		}
		if scope.HasMacroInvocation() {
			sec := mp.pool.Section(scope.MacroInvocation)
			out = append([]int{sec.TokenIdx}, out...)
		}
		cur = scope.Prev
	}
	return out
}
