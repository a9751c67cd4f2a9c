//go:build !windows

package storage

import (
	"path/filepath"

	"github.com/google/renameio/v2"
)

// pendingFile is written under a hidden temporary name and renamed into
// place on Close, so readers never observe a partial archive.
type pendingFile struct {
	*renameio.PendingFile
}

func newPending(path string) (WriteStream, error) {
	pf, err := renameio.TempFile(filepath.Dir(path), path)
	if err != nil {
		return nil, err
	}
	return &pendingFile{pf}, nil
}

func (p *pendingFile) Close() error { return p.CloseAtomicallyReplace() }

func (p *pendingFile) Abort() error { return p.Cleanup() }
