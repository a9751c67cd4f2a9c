//go:build !windows

package sender

import (
	"fmt"
	"io"
	"os"

	"github.com/google/renameio/v2"
)

// copyAtomic writes src to dst through a renameio pending file.
func copyAtomic(dst string, src io.Reader, perm os.FileMode) error {
	pf, err := renameio.NewPendingFile(dst, renameio.WithPermissions(perm))
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	defer pf.Cleanup()
	if _, err := io.Copy(pf, src); err != nil {
		return fmt.Errorf("copying report: %w", err)
	}
	return pf.CloseAtomicallyReplace()
}
