//go:build windows

package sender

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// copyAtomic writes src to a hidden file beside dst and renames it into
// place. renameio does not support Windows.
func copyAtomic(dst string, src io.Reader, perm os.FileMode) (err error) {
	f, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()
	if _, err = io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("copying report: %w", err)
	}
	if err = f.Chmod(perm); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
