package sender

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hugo-lorenzo-mato/crashkit/internal/report"
)

// Directory copies archives into a local directory, for example a shared
// drop folder picked up by another tool.
type Directory struct {
	Dir string
}

// Send implements Sender. Files appear atomically under fileName.
func (s Directory) Send(_ context.Context, data io.ReadSeeker, fileName string, _ *report.Report) error {
	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", s.Dir, err)
	}
	if _, err := data.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding archive: %w", err)
	}

	return copyAtomic(filepath.Join(s.Dir, filepath.Base(fileName)), data, 0o640)
}
