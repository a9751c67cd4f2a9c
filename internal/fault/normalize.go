package fault

import (
	"fmt"
	"strings"
)

// excludedFields never become extended fields because Snapshot already
// carries them (or their equivalent) in a dedicated slot.
var excludedFields = map[string]struct{}{
	"data":            {},
	"innerexceptions": {},
	"innerexception":  {},
	"inner":           {},
	"inners":          {},
	"message":         {},
	"source":          {},
	"stacktrace":      {},
	"targetsite":      {},
	"helplink":        {},
}

// Normalize builds a Snapshot of err and its causes. A nil err yields nil.
func Normalize(err error) *Snapshot {
	if err == nil {
		return nil
	}
	n := normalizer{path: make(map[error]struct{})}
	return n.snapshot(err)
}

type normalizer struct {
	// path holds the faults currently being expanded; a repeat means a cycle.
	path map[error]struct{}
}

func (n *normalizer) snapshot(err error) (snap *Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			// A fault whose methods panic still yields a usable snapshot.
			snap = &Snapshot{Kind: fmt.Sprintf("%T", err), Truncated: true}
		}
	}()

	if n.onPath(err) {
		return &Snapshot{Kind: CycleKind, Message: kindOf(err), Truncated: true}
	}
	n.enter(err)
	defer n.leave(err)

	if pe, ok := err.(*PanicError); ok {
		return n.panicSnapshot(pe)
	}

	s := &Snapshot{
		Kind:    kindOf(err),
		Message: safeString(err.Error),
	}
	n.fill(s, err)
	return s
}

// panicSnapshot normalizes the recovered value and overlays the stack and
// site recorded at recovery time.
func (n *normalizer) panicSnapshot(pe *PanicError) *Snapshot {
	var s *Snapshot
	if inner, ok := pe.Value.(error); ok && inner != nil {
		s = n.snapshot(inner)
	} else {
		s = &Snapshot{Kind: pe.FaultKind(), Message: safeString(pe.Error)}
		n.fill(s, pe)
	}
	if s.StackTrace == "" {
		s.StackTrace = pe.StackTrace()
	}
	if s.TargetSite == "" {
		s.TargetSite = pe.TargetSite()
	}
	if s.Source == "" {
		s.Source = pe.Source()
	}
	return s
}

func (n *normalizer) fill(s *Snapshot, err error) {
	if h, ok := err.(HelpLinker); ok {
		s.HelpLink = safeString(h.HelpLink)
	}
	if src, ok := err.(Sourcer); ok {
		s.Source = safeString(src.Source)
	}
	if st, ok := err.(StackTracer); ok {
		s.StackTrace = safeString(st.StackTrace)
	}
	if ts, ok := err.(TargetSiter); ok {
		s.TargetSite = safeString(ts.TargetSite)
	}
	fillRecordedStack(s, err)

	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		causes := nonNil(safeErrors(u.Unwrap))
		if len(causes) > 0 {
			s.Inners = make([]*Snapshot, 0, len(causes))
			for _, c := range causes {
				s.Inners = append(s.Inners, n.snapshot(c))
			}
			s.Inner = s.Inners[0]
			if len(s.Inners) > 1 {
				s.Inners = s.Inners[1:]
			}
		}
	case interface{ Unwrap() error }:
		if inner := safeError(u.Unwrap); inner != nil {
			s.Inner = n.snapshot(inner)
		}
	}

	s.ExtendedFields = extendedFields(s.Kind, err)
	s.Data = data(err)
}

func (n *normalizer) onPath(err error) (found bool) {
	defer func() {
		if recover() != nil {
			// Unhashable dynamic types cannot form identity cycles we can see.
			found = false
		}
	}()
	_, found = n.path[err]
	return found
}

func (n *normalizer) enter(err error) {
	defer func() { _ = recover() }()
	n.path[err] = struct{}{}
}

func (n *normalizer) leave(err error) {
	defer func() { _ = recover() }()
	delete(n.path, err)
}

func extendedFields(kind string, err error) map[string]any {
	fields := make(map[string]any)
	for _, fn := range extractorsFor(kind) {
		merge(fields, safeFields(func() map[string]any { return fn(err) }))
	}
	if d, ok := err.(FieldDescriber); ok {
		merge(fields, safeFields(d.DescribeFields))
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func merge(dst, src map[string]any) {
	for k, v := range src {
		if _, skip := excludedFields[strings.ToLower(k)]; skip {
			continue
		}
		dst[k] = toValue(v)
	}
}

func data(err error) map[string]any {
	dc, ok := err.(DataCarrier)
	if !ok {
		return nil
	}
	var out map[string]any
	for k, v := range safeFields(dc.FaultData) {
		if v == nil {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[k] = toValue(v)
	}
	return out
}

func kindOf(err error) string {
	if k, ok := err.(Kinder); ok {
		if kind := safeString(k.FaultKind); kind != "" {
			return kind
		}
	}
	return fmt.Sprintf("%T", err)
}

func nonNil(errs []error) []error {
	out := errs[:0:0]
	for _, e := range errs {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}
