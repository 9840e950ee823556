package sandbox

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/amiko-app/plugin-runtime/wire"
)

// installCapabilities wires the capability surface into a fresh
// interpreter. The surface is everything a plugin may touch: say,
// suggestion, addMenuItem, onMenuClick, queueMicrotask, a discarding
// console, and the CommonJS module/exports seeds. No network, filesystem,
// process, or timer primitive is ever exposed.
func (r *Runtime) installCapabilities() error {
	vm := r.vm

	globals := map[string]any{
		"say":            r.jsSay,
		"suggestion":     r.jsSuggestion,
		"addMenuItem":    r.jsAddMenuItem,
		"onMenuClick":    r.jsOnMenuClick,
		"queueMicrotask": r.jsQueueMicrotask,
	}
	for name, fn := range globals {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("set global %s: %w", name, err)
		}
	}

	// Console output is accepted and discarded; plugins expect the calls
	// to exist but their chatter never leaves the sandbox.
	console := vm.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(level, noop); err != nil {
			return fmt.Errorf("set console.%s: %w", level, err)
		}
	}
	if err := vm.Set("console", console); err != nil {
		return fmt.Errorf("set global console: %w", err)
	}

	// CommonJS-style plugins assign to module.exports on load; seed both
	// names so that pattern evaluates without throwing.
	exports := vm.NewObject()
	module := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return fmt.Errorf("seed module.exports: %w", err)
	}
	if err := vm.Set("module", module); err != nil {
		return fmt.Errorf("set global module: %w", err)
	}
	if err := vm.Set("exports", exports); err != nil {
		return fmt.Errorf("set global exports: %w", err)
	}
	return nil
}

// jsSay implements say(text). Blank text is dropped, never emitted.
func (r *Runtime) jsSay(call goja.FunctionCall) goja.Value {
	if text := wire.ClipSpeech(argString(call, 0)); text != "" {
		r.cfg.emitter.Say(text)
	}
	return goja.Undefined()
}

// jsSuggestion implements suggestion(text) with the same clipping as say.
func (r *Runtime) jsSuggestion(call goja.FunctionCall) goja.Value {
	if text := wire.ClipSpeech(argString(call, 0)); text != "" {
		r.cfg.emitter.Suggestion(text)
	}
	return goja.Undefined()
}

// jsAddMenuItem implements addMenuItem({id, label}). Violations are silent
// no-ops; plugin code never observes an exception from the capability
// surface.
func (r *Runtime) jsAddMenuItem(call goja.FunctionCall) goja.Value {
	arg := call.Argument(0)
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		return goja.Undefined()
	}
	obj := arg.ToObject(r.vm)
	if obj == nil {
		return goja.Undefined()
	}
	item, ok := wire.ClipMenuItem(wire.MenuItem{
		PluginID: r.pluginID,
		ID:       fieldString(obj, "id"),
		Label:    fieldString(obj, "label"),
	})
	if !ok {
		return goja.Undefined()
	}
	if _, exists := r.menuItems[item.ID]; !exists && len(r.menuItems) >= wire.MaxMenuItems {
		return goja.Undefined()
	}
	r.menuItems[item.ID] = item.Label
	r.cfg.emitter.MenuAdd(item)
	return goja.Undefined()
}

// jsOnMenuClick implements onMenuClick(id, handler). Re-binding an
// existing id releases the prior handler; distinct new ids are rejected
// once the arena is full.
func (r *Runtime) jsOnMenuClick(call goja.FunctionCall) goja.Value {
	id := wire.ClipMenuField(argString(call, 0))
	handler, ok := goja.AssertFunction(call.Argument(1))
	if id == "" || !ok {
		return goja.Undefined()
	}
	if _, exists := r.handlers[id]; !exists && len(r.handlers) >= wire.MaxMenuItems {
		return goja.Undefined()
	}
	r.handlers[id] = handler
	return goja.Undefined()
}

// jsQueueMicrotask implements queueMicrotask(fn). Jobs run in the drain
// after the current synchronous call, never concurrently with plugin code.
func (r *Runtime) jsQueueMicrotask(call goja.FunctionCall) goja.Value {
	if job, ok := goja.AssertFunction(call.Argument(0)); ok {
		r.microtasks = append(r.microtasks, job)
	}
	return goja.Undefined()
}

// argString coerces a positional argument to a string, treating undefined
// and null as empty instead of their literal string forms.
func argString(call goja.FunctionCall, i int) string {
	v := call.Argument(i)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

// fieldString reads a string property off a JS object with the same
// undefined/null handling as argString.
func fieldString(o *goja.Object, key string) string {
	v := o.Get(key)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}
