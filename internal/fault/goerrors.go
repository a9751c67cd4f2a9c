package fault

import (
	goerrors "github.com/go-errors/errors"
)

// fillRecordedStack uses the stack captured by github.com/go-errors/errors
// when the fault does not describe its own.
func fillRecordedStack(s *Snapshot, err error) {
	ge, ok := err.(*goerrors.Error)
	if !ok {
		return
	}
	if s.StackTrace == "" {
		s.StackTrace = safeString(func() string { return string(ge.Stack()) })
	}
	if s.TargetSite != "" && s.Source != "" {
		return
	}
	frames := safeFrames(ge.StackFrames)
	if len(frames) == 0 {
		return
	}
	if s.TargetSite == "" {
		s.TargetSite = frames[0].Name + " @ " + frames[0].Package
	}
	if s.Source == "" {
		s.Source = frames[0].Package
	}
}

func safeFrames(fn func() []goerrors.StackFrame) (frames []goerrors.StackFrame) {
	defer func() {
		if recover() != nil {
			frames = nil
		}
	}()
	return fn()
}
