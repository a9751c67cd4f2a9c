package fault

import (
	"errors"
	"strings"
	"testing"
)

var sink int

func derefNil() {
	var p *int
	sink = *p
}

func catch(fn func()) (err error) {
	defer func() { err = Recovered(recover()) }()
	fn()
	return nil
}

func TestRecovered_Nil(t *testing.T) {
	t.Parallel()
	if err := Recovered(nil); err != nil {
		t.Fatalf("Recovered(nil) = %v", err)
	}
}

func TestRecovered_StringValue(t *testing.T) {
	t.Parallel()
	err := catch(func() { panic("boom") })

	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *PanicError, got %T", err)
	}
	if pe.Error() != "boom" {
		t.Errorf("Error() = %q", pe.Error())
	}
	if pe.FaultKind() != "panic(string)" {
		t.Errorf("FaultKind() = %q", pe.FaultKind())
	}
	if !strings.Contains(pe.StackTrace(), "goroutine") {
		t.Errorf("stack trace missing goroutine header")
	}
	if !strings.HasSuffix(pe.Source(), "internal/fault") {
		t.Errorf("Source() = %q", pe.Source())
	}
	if !strings.Contains(pe.TargetSite(), " @ ") {
		t.Errorf("TargetSite() = %q", pe.TargetSite())
	}
	if pe.Unwrap() != nil {
		t.Errorf("non-error panic value should not unwrap")
	}
}

func TestRecovered_ErrorValue(t *testing.T) {
	t.Parallel()
	cause := errors.New("bad input")
	err := catch(func() { panic(cause) })

	if !errors.Is(err, cause) {
		t.Errorf("expected panic error to unwrap to its value")
	}
	s := Normalize(err)
	if s.Kind != "*errors.errorString" || s.Message != "bad input" {
		t.Errorf("snapshot = %+v", s)
	}
	if s.TargetSite == "" || s.StackTrace == "" {
		t.Errorf("snapshot should carry recovery site: %+v", s)
	}
}

func TestRecovered_PassThrough(t *testing.T) {
	t.Parallel()
	first := catch(func() { panic("once") })
	again := catch(func() { panic(first) })
	if again != first {
		t.Errorf("re-panicked *PanicError should pass through unchanged")
	}
}

func TestIsMemoryFault(t *testing.T) {
	t.Parallel()
	err := catch(derefNil)
	if !IsMemoryFault(err) {
		t.Errorf("nil dereference should be a memory fault: %v", err)
	}
	if IsMemoryFault(catch(func() { panic("plain") })) {
		t.Errorf("string panic is not a memory fault")
	}
	if IsMemoryFault(nil) {
		t.Errorf("nil is not a memory fault")
	}
}

func TestSplitFunction(t *testing.T) {
	t.Parallel()
	tests := []struct {
		full, fn, pkg string
	}{
		{"main.main", "main", "main"},
		{"example.com/pkg.(*T).Method", "(*T).Method", "example.com/pkg"},
		{"github.com/a/b.Run.func1", "Run.func1", "github.com/a/b"},
		{"nodot", "nodot", ""},
	}
	for _, tt := range tests {
		fn, pkg := splitFunction(tt.full)
		if fn != tt.fn || pkg != tt.pkg {
			t.Errorf("splitFunction(%q) = (%q, %q), want (%q, %q)", tt.full, fn, pkg, tt.fn, tt.pkg)
		}
	}
}
