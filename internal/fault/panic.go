package fault

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// PanicError carries a recovered panic value together with the stack and
// call site observed at recovery time.
type PanicError struct {
	Value any

	stack    string
	function string
	pkg      string
}

// Recovered converts a value returned by recover() into an error. It must be
// called from the deferred function that recovered, so the panicking frame is
// still on the stack. A nil value yields nil.
func Recovered(v any) error {
	if v == nil {
		return nil
	}
	if pe, ok := v.(*PanicError); ok {
		return pe
	}
	pe := &PanicError{Value: v, stack: string(debug.Stack())}
	pe.function, pe.pkg = panickingFrame()
	return pe
}

// Error returns the panic value as text.
func (e *PanicError) Error() string {
	if err, ok := e.Value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(e.Value)
}

// Unwrap exposes a panic value that is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// FaultKind names the panic by the dynamic type of its value.
func (e *PanicError) FaultKind() string {
	if err, ok := e.Value.(error); ok {
		return fmt.Sprintf("%T", err)
	}
	return fmt.Sprintf("panic(%T)", e.Value)
}

// StackTrace returns the goroutine stack captured at recovery.
func (e *PanicError) StackTrace() string { return e.stack }

// TargetSite returns "function @ package" for the panicking frame.
func (e *PanicError) TargetSite() string {
	if e.function == "" {
		return ""
	}
	return e.function + " @ " + e.pkg
}

// Source returns the package of the panicking frame.
func (e *PanicError) Source() string { return e.pkg }

// IsMemoryFault reports whether err is a runtime error raised by an invalid
// memory access. Those faults leave the process in an uncertain state.
func IsMemoryFault(err error) bool {
	for cur := err; cur != nil; {
		if re, ok := cur.(runtime.Error); ok {
			if _, ok := re.(interface{ Addr() uintptr }); ok {
				return true
			}
			if strings.Contains(re.Error(), "invalid memory address") {
				return true
			}
		}
		u, ok := cur.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		cur = u.Unwrap()
	}
	return false
}

// panickingFrame finds the first frame after runtime.gopanic that does not
// belong to the runtime.
func panickingFrame() (function, pkg string) {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	afterPanic := false
	for {
		frame, more := frames.Next()
		if frame.Function == "runtime.gopanic" {
			afterPanic = true
		} else if afterPanic && !strings.HasPrefix(frame.Function, "runtime.") {
			return splitFunction(frame.Function)
		}
		if !more {
			return "", ""
		}
	}
}

// splitFunction turns "example.com/pkg.(*T).Method" into
// ("(*T).Method", "example.com/pkg").
func splitFunction(full string) (function, pkg string) {
	slash := strings.LastIndex(full, "/")
	dot := strings.Index(full[slash+1:], ".")
	if dot < 0 {
		return full, ""
	}
	cut := slash + 1 + dot
	return full[cut+1:], full[:cut]
}
