package reporter

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/hugo-lorenzo-mato/crashkit/internal/fault"
)

// Event is a fault raised on an event loop or request goroutine.
type Event struct {
	Err error
	// Handled is set when the reporter took care of the fault. An unhandled
	// event should be re-raised by the host.
	Handled bool
}

// TaskEvent is a fault nobody waited for: a background function returned an
// error or panicked.
type TaskEvent struct {
	Err error
	// Observed is set when the reporter took care of the fault.
	Observed bool
}

// RecoverMain reports a panic unwinding the main goroutine. Use it as
//
//	defer r.RecoverMain()
//
// A terminate decision exits with status 0. A continue decision swallows the
// panic. With handling off, or for a memory fault the settings do not accept,
// the panic is re-raised.
func (r *Reporter) RecoverMain() {
	v := recover()
	if v == nil {
		return
	}
	err := fault.Recovered(v)
	if !r.HandleFaults() || !r.accepts(err) {
		panic(v)
	}
	if r.capture("main", err) == Terminate {
		r.exit(0)
	}
}

// HandleEvent reports an event-loop fault and marks it handled.
func (r *Reporter) HandleEvent(ev *Event) {
	r.handleEvent("event", ev)
}

func (r *Reporter) handleEvent(source string, ev *Event) {
	if ev == nil || ev.Err == nil || !r.HandleFaults() || !r.accepts(ev.Err) {
		return
	}
	ev.Handled = true
	if r.capture(source, ev.Err) == Terminate {
		r.exit(0)
	}
}

// HandleTask reports an unobserved background fault and marks it observed.
func (r *Reporter) HandleTask(ev *TaskEvent) {
	if ev == nil || ev.Err == nil || !r.HandleFaults() || !r.accepts(ev.Err) {
		return
	}
	ev.Observed = true
	if r.capture("task", ev.Err) == Terminate {
		r.exit(0)
	}
}

// Go runs fn on a new goroutine and reports what it returns or panics with.
// The channel is closed when fn and its report are done. A panic the reporter
// does not take is re-raised on that goroutine.
func (r *Reporter) Go(fn func() error) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if r.settings.HandleCorruptedState {
			defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
		}

		var (
			err      error
			panicked any
		)
		func() {
			defer func() {
				if v := recover(); v != nil {
					panicked = v
					err = fault.Recovered(v)
				}
			}()
			err = fn()
		}()
		if err == nil {
			return
		}

		ev := &TaskEvent{Err: err}
		r.HandleTask(ev)
		if !ev.Observed && panicked != nil {
			panic(panicked)
		}
	}()
	return done
}

// Middleware reports panics of HTTP handlers. A handled panic is answered
// with 500; otherwise it propagates to the server.
func (r *Reporter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.settings.HandleCorruptedState {
			defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
		}
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(v)
			}
			ev := &Event{Err: fault.Recovered(v)}
			r.handleEvent("http", ev)
			if !ev.Handled {
				panic(v)
			}
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, req)
	})
}
