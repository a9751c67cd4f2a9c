package fault

import (
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// FieldExtractor returns the extended fields of one fault kind.
type FieldExtractor func(err error) map[string]any

var registry = struct {
	mu     sync.RWMutex
	byKind map[string][]FieldExtractor
}{byKind: make(map[string][]FieldExtractor)}

// RegisterFields adds an extractor for faults whose Kind equals kind.
// Extractors for the same kind run in registration order; later ones
// overwrite keys set by earlier ones.
func RegisterFields(kind string, fn FieldExtractor) {
	if fn == nil {
		return
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.byKind[kind] = append(registry.byKind[kind], fn)
}

func extractorsFor(kind string) []FieldExtractor {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	fns := registry.byKind[kind]
	return append([]FieldExtractor(nil), fns...)
}

func init() {
	RegisterFields("*fs.PathError", func(err error) map[string]any {
		var pe *fs.PathError
		if !errors.As(err, &pe) {
			return nil
		}
		return map[string]any{"Op": pe.Op, "Path": pe.Path}
	})
	RegisterFields("*os.LinkError", func(err error) map[string]any {
		var le *os.LinkError
		if !errors.As(err, &le) {
			return nil
		}
		return map[string]any{"Op": le.Op, "Old": le.Old, "New": le.New}
	})
	RegisterFields("*os.SyscallError", func(err error) map[string]any {
		var se *os.SyscallError
		if !errors.As(err, &se) {
			return nil
		}
		return map[string]any{"Syscall": se.Syscall}
	})
	RegisterFields("*exec.Error", func(err error) map[string]any {
		var ee *exec.Error
		if !errors.As(err, &ee) {
			return nil
		}
		return map[string]any{"Name": ee.Name}
	})
	RegisterFields("*exec.ExitError", func(err error) map[string]any {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			return nil
		}
		return map[string]any{"ExitCode": ee.ExitCode()}
	})
	RegisterFields("*strconv.NumError", func(err error) map[string]any {
		var ne *strconv.NumError
		if !errors.As(err, &ne) {
			return nil
		}
		return map[string]any{"Func": ne.Func, "Num": ne.Num}
	})
}
