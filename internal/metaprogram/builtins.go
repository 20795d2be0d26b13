package metaprogram

import (
	"strings"

	"github.com/sellesoft/lpp/internal/errdefs"
	"github.com/sellesoft/lpp/internal/script"
	"github.com/sellesoft/lpp/internal/section"
)

// appendSection appends a freshly allocated Section to the scope
// currently on top of the stack, in emission order.
func (mp *Metaprogram) appendSection(s section.Section) section.ID {
	id := mp.pool.NewSection(s)
	scope := mp.pool.Scope(mp.currentScope)
	scope.Sections = append(scope.Sections, id)
	return id
}

// builtinDoc is emit-doc: append a Document section holding text verbatim,
// anchored at the input offset the parser sampled it from.
func (mp *Metaprogram) builtinDoc(vm *script.VM) int {
	offset, _ := vm.ToInt(1)
	text, _ := vm.ToString(2)
	mp.appendSection(section.Section{
		Kind:     section.Document,
		TokenIdx: offset,
		Buffer:   []byte(text),
	})
	return 0
}

// builtinVal is emit-value: coerce the evaluated inline expression to a
// string and append it as a Document section, same as doc.
func (mp *Metaprogram) builtinVal(vm *script.VM) int {
	offset, _ := vm.ToInt(1)
	text, _ := vm.ToString(2)
	mp.appendSection(section.Section{
		Kind:     section.Document,
		TokenIdx: offset,
		Buffer:   []byte(text),
	})
	return 0
}

// builtinMacro is emit-macro: the callee and every argument have already
// been evaluated by the time this runs (Lua evaluates call arguments
// before the call), so all this does is keep them alive in the registry
// and register an invoker for Phase 3 to call later.
func (mp *Metaprogram) builtinMacro(vm *script.VM) int {
	offset, _ := vm.ToInt(1)
	name, _ := vm.ToString(3)
	isMethod := vm.ToBool(4)
	top := vm.Top()

	vm.PushValueAt(5)
	calleeRef := vm.Ref()

	var argRefs []int
	for i := 6; i <= top; i++ {
		vm.PushValueAt(i)
		argRefs = append(argRefs, vm.Ref())
	}

	idx := len(mp.invokers)
	mp.invokers = append(mp.invokers, invoker{
		calleeRef: calleeRef,
		argRefs:   argRefs,
		isMethod:  isMethod,
		name:      name,
		offset:    offset,
	})

	mp.appendSection(section.Section{
		Kind:     section.Macro,
		TokenIdx: offset,
		MacroIdx: idx,
	})
	return 0
}

// builtinMacroImmediate is emit-macro-immediate: unlike emit-macro, the
// invoker runs right now rather than being deferred to Phase 3. It still
// appends a marker section (MacroImmediate, bookkeeping only) so Phase 3
// can correlate the wrapping doc() call's Document section back to this
// offset and attribute the spliced text to where the macro actually sits
// in the input.
func (mp *Metaprogram) builtinMacroImmediate(vm *script.VM) int {
	offset, _ := vm.ToInt(1)
	name, _ := vm.ToString(3)
	isMethod := vm.ToBool(4)
	top := vm.Top()

	vm.PushValueAt(5)
	nArgs := 0
	if isMethod {
		methodName := name
		if i := strings.IndexByte(name, ':'); i >= 0 {
			methodName = name[i+1:]
		}
		recvIdx := vm.Top()
		vm.GetField(recvIdx, methodName)
		vm.PushValueAt(recvIdx)
		vm.Remove(recvIdx)
		nArgs++
	}
	for i := 6; i <= top; i++ {
		vm.PushValueAt(i)
		nArgs++
	}

	if err := vm.Call(nArgs, 1); err != nil {
		if errdefs.IsCancel(err) {
			vm.RaiseCancel()
			return 0
		}
		vm.RaiseError("%s", err)
		return 0
	}

	result, _ := vm.ToString(vm.Top())
	vm.Pop(1)

	mp.appendSection(section.Section{
		Kind:     section.MacroImmediate,
		TokenIdx: offset,
	})

	vm.PushString(result)
	return 1
}
