//go:build windows

package storage

import (
	"errors"
	"os"
	"path/filepath"
)

// pendingFile is written under a hidden temporary name and renamed into
// place on Close. renameio does not support Windows.
type pendingFile struct {
	*os.File
	final string
	done  bool
}

func newPending(path string) (WriteStream, error) {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	return &pendingFile{File: f, final: path}, nil
}

func (p *pendingFile) Close() error {
	if p.done {
		return nil
	}
	p.done = true
	tmp := p.File.Name()
	if err := p.File.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, p.final); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (p *pendingFile) Abort() error {
	if p.done {
		return nil
	}
	p.done = true
	tmp := p.File.Name()
	err := p.File.Close()
	if rerr := os.Remove(tmp); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		err = errors.Join(err, rerr)
	}
	return err
}
