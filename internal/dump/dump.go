// Package dump produces the optional binary dump attached to a report.
package dump

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/crashkit/internal/archive"
	"github.com/hugo-lorenzo-mato/crashkit/internal/core"
)

// Severity selects how much state a dump captures.
type Severity int

const (
	// None disables dumps; producers are never called.
	None Severity = iota
	Tiny
	Normal
	Full
)

var severityNames = [...]string{"none", "tiny", "normal", "full"}

func (s Severity) String() string {
	if s < None || s > Full {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity maps a name (case-insensitive) to a Severity.
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if strings.EqualFold(strings.TrimSpace(name), n) {
			return Severity(i), nil
		}
	}
	return None, core.ErrValidation(core.CodeUnknownSeverity, fmt.Sprintf("unknown dump severity %q", name))
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ErrUnsupported is returned by producers that cannot capture at a severity.
var ErrUnsupported = errors.New("dump: unsupported")

// Producer writes a dump to path. On error the caller deletes whatever was
// written.
type Producer interface {
	Produce(path string, level Severity) error
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(path string, level Severity) error

// Produce calls f.
func (f ProducerFunc) Produce(path string, level Severity) error { return f(path, level) }

// Runtime is a Producer backed by the Go runtime. The dump is itself an
// archive:
//
//	tiny:   stack.txt (the capturing goroutine)
//	normal: goroutines.txt (all goroutines), memstats.json
//	full:   normal plus heap.pprof
type Runtime struct {
	// Now is stubbed in tests.
	Now func() time.Time
}

// Produce implements Producer.
func (p Runtime) Produce(path string, level Severity) (err error) {
	if level <= None || level > Full {
		return fmt.Errorf("%w: severity %s", ErrUnsupported, level)
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	at := now()

	w, err := archive.Create(path, "go runtime dump, "+level.String())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()

	if level == Tiny {
		return w.AddStream(archive.Deflate, "stack.txt", bytes.NewReader(stack(false)), at, "")
	}

	var goroutines bytes.Buffer
	if prof := pprof.Lookup("goroutine"); prof != nil {
		if err := prof.WriteTo(&goroutines, 2); err != nil {
			return fmt.Errorf("writing goroutine profile: %w", err)
		}
	} else {
		goroutines.Write(stack(true))
	}
	if err := w.AddStream(archive.Deflate, "goroutines.txt", &goroutines, at, ""); err != nil {
		return err
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	stats, err := json.MarshalIndent(&ms, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding memstats: %w", err)
	}
	if err := w.AddStream(archive.Deflate, "memstats.json", bytes.NewReader(stats), at, ""); err != nil {
		return err
	}

	if level == Full {
		var heap bytes.Buffer
		if err := pprof.WriteHeapProfile(&heap); err != nil {
			return fmt.Errorf("writing heap profile: %w", err)
		}
		// pprof output is already gzip-compressed.
		if err := w.AddStream(archive.Store, "heap.pprof", &heap, at, ""); err != nil {
			return err
		}
	}
	return nil
}

// stack returns the stack of the calling goroutine, or of all goroutines,
// growing the buffer until it fits.
func stack(all bool) []byte {
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, all)
		if n < len(buf) {
			return buf[:n]
		}
		if len(buf) >= 64<<20 {
			return buf
		}
		buf = make([]byte, 2*len(buf))
	}
}
