// Package fault turns live error and panic values into value-typed snapshots
// that can be persisted even when the faulting object graph is unstable.
//
// Normalize never panics and never returns an error. Fields a fault does not
// provide are left empty and omitted from the serialized form.
//
// Beyond Error() and the Unwrap chain, a fault contributes detail through
// small capability interfaces (HelpLinker, Sourcer, StackTracer, TargetSiter,
// FieldDescriber, DataCarrier) and through per-kind field extractors added
// with RegisterFields.
package fault

// Snapshot is an immutable, recursive copy of a fault.
type Snapshot struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Source     string `json:"source,omitempty"`
	StackTrace string `json:"stack_trace,omitempty"`
	HelpLink   string `json:"help_link,omitempty"`
	TargetSite string `json:"target_site,omitempty"`

	// Inner is the direct cause. For multi-cause faults it is the first cause.
	Inner *Snapshot `json:"inner,omitempty"`

	// Inners holds every cause of a multi-cause fault except the first one
	// when there is more than one (that cause is already in Inner).
	Inners []*Snapshot `json:"inners,omitempty"`

	ExtendedFields map[string]any `json:"extended_fields,omitempty"`
	Data           map[string]any `json:"data,omitempty"`

	// Truncated marks a snapshot cut short, either because its cause chain
	// loops back to a fault already on the path or because reading the fault
	// panicked.
	Truncated bool `json:"truncated,omitempty"`
}

// CycleKind is the Kind of the marker snapshot that replaces a cyclic cause.
const CycleKind = "<cycle>"

// Depth returns the length of the Inner chain including s.
func (s *Snapshot) Depth() int {
	n := 0
	for cur := s; cur != nil; cur = cur.Inner {
		n++
	}
	return n
}

// Capability interfaces a fault may implement to contribute detail.
type (
	HelpLinker interface {
		HelpLink() string
	}
	Sourcer interface {
		Source() string
	}
	StackTracer interface {
		StackTrace() string
	}
	TargetSiter interface {
		TargetSite() string
	}
	// FieldDescriber exposes fields that have no dedicated Snapshot slot.
	FieldDescriber interface {
		DescribeFields() map[string]any
	}
	// DataCarrier exposes arbitrary key/value pairs attached by faulting code.
	DataCarrier interface {
		FaultData() map[string]any
	}
	// Kinder overrides the type name used as Snapshot.Kind.
	Kinder interface {
		FaultKind() string
	}
)
