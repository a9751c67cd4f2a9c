package archive

import (
	"errors"
	"io"
)

// Buffer is an in-memory, seekable read/write stream. It lets an archive be
// composed without a file, e.g. before it is stored as a database blob.
type Buffer struct {
	data []byte
	pos  int64
}

// NewBuffer returns a Buffer positioned at the start of data.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

var errNegativePosition = errors.New("archive: negative position")

func (b *Buffer) Read(p []byte) (int, error) {
	if b.pos >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += int64(n)
	return n, nil
}

func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativePosition
	}
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *Buffer) Write(p []byte) (int, error) {
	end := b.pos + int64(len(p))
	if end > int64(len(b.data)) {
		old := len(b.data)
		if end > int64(cap(b.data)) {
			grown := make([]byte, end, max(end, int64(2*cap(b.data))))
			copy(grown, b.data)
			b.data = grown
		} else {
			b.data = b.data[:end]
			if b.pos > int64(old) {
				clear(b.data[old:b.pos])
			}
		}
	}
	copy(b.data[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.pos + offset
	case io.SeekEnd:
		abs = int64(len(b.data)) + offset
	default:
		return 0, errors.New("archive: invalid whence")
	}
	if abs < 0 {
		return 0, errNegativePosition
	}
	b.pos = abs
	return abs, nil
}

// Truncate changes the length of the buffer. The position is not moved.
func (b *Buffer) Truncate(size int64) error {
	if size < 0 {
		return errNegativePosition
	}
	if size <= int64(len(b.data)) {
		b.data = b.data[:size]
		return nil
	}
	_, err := b.WriteAt(make([]byte, size-int64(len(b.data))), int64(len(b.data)))
	return err
}

// WriteAt writes p at off without moving the position.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativePosition
	}
	pos := b.pos
	b.pos = off
	n, err := b.Write(p)
	b.pos = pos
	return n, err
}

// Bytes returns the buffer contents. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the buffer length.
func (b *Buffer) Len() int { return len(b.data) }
