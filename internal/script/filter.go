// Package script evaluates small JS boolean expressions against a
// hook's live dispatcher state, letting an operator narrow a noisy
// hook-set's output to `calls > 100 && slot != 3` instead of scrolling
// past every call.
//
// github.com/dop251/goja is declared direct in the teacher's go.mod but
// never imported by its own source; this package gives it a real job.
package script

import (
	"fmt"

	"github.com/dop251/goja"
)

// Snapshot is the subset of a vthook.Hook's live state exposed to a
// filter expression. It is deliberately a plain value rather than the
// Hook itself, so filter scripts can't mutate engine state.
type Snapshot struct {
	Slot        int
	Target      uint64
	Calls       uint64
	DeltaMillis int64
}

// Filter compiles once and can be evaluated repeatedly against many
// snapshots without re-parsing the expression each time.
type Filter struct {
	vm      *goja.Runtime
	program *goja.Program
}

// Compile parses expr as a JS boolean expression. Compile fails fast on
// a syntax error rather than deferring it to the first Eval call.
func Compile(expr string) (*Filter, error) {
	program, err := goja.Compile("filter", expr, false)
	if err != nil {
		return nil, fmt.Errorf("script: compile %q: %w", expr, err)
	}
	return &Filter{vm: goja.New(), program: program}, nil
}

// Eval runs the compiled expression against snap's fields, bound into
// the script's global scope as calls/slot/target/delta_ms, and reports
// whether the result is truthy. A non-boolean result is coerced the way
// JS itself would (0, "", null, undefined are false).
func (f *Filter) Eval(snap Snapshot) (bool, error) {
	f.vm.Set("slot", snap.Slot)
	f.vm.Set("target", snap.Target)
	f.vm.Set("calls", snap.Calls)
	f.vm.Set("delta_ms", snap.DeltaMillis)

	v, err := f.vm.RunProgram(f.program)
	if err != nil {
		return false, fmt.Errorf("script: eval: %w", err)
	}
	return v.ToBoolean(), nil
}
