package archive

import (
	"compress/flate"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"time"
)

// truncater is implemented by destinations that can drop bytes past a
// position, such as *os.File and *Buffer.
type truncater interface {
	Truncate(size int64) error
}

// Writer appends entries to an archive. It is not safe for concurrent use.
type Writer struct {
	// EncodeUTF8 stores every name and comment as UTF-8 and sets the language
	// encoding flag. Otherwise code page 437 is used, except for entries whose
	// name or comment has no code page 437 form.
	EncodeUTF8 bool

	// ForceDeflate keeps deflate output even when it is larger than the input.
	ForceDeflate bool

	ws      io.WriteSeeker
	owned   io.Closer
	comment string
	entries []Entry

	// rawComment, when set, is written verbatim instead of comment.
	rawComment []byte

	// existing and centralImage carry the directory of an archive opened for
	// append; the image is written back ahead of the new records on Close.
	existing     int
	centralImage []byte

	closed bool
}

// NewWriter starts a new archive on w. The stream must be seekable because
// local headers are patched once the entry size is known.
func NewWriter(w io.Writer, comment string) (*Writer, error) {
	ws, ok := w.(io.WriteSeeker)
	if !ok {
		return nil, ErrNotSeekable
	}
	return &Writer{ws: ws, comment: comment}, nil
}

// Create creates (or truncates) the file at path and starts an archive in it.
// Close closes the file.
func Create(path, comment string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}
	w, _ := NewWriter(f, comment)
	w.owned = f
	return w, nil
}

// OpenAppend opens an existing archive for adding entries. Existing entries
// are kept; new ones are written where the central directory used to start.
func OpenAppend(rws io.ReadWriteSeeker) (*Writer, error) {
	end, central, err := readDirectory(rws)
	if err != nil {
		return nil, err
	}
	if _, err := rws.Seek(int64(end.dirOffset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to central directory: %w", err)
	}
	return &Writer{
		ws:           rws,
		rawComment:   end.comment,
		existing:     int(end.entries),
		centralImage: central,
	}, nil
}

// AddFile stores the file at path under name, using its modification time.
func (w *Writer) AddFile(method Method, path, name, comment string) error {
	if w.closed {
		return ErrClosed
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return w.AddStream(method, name, f, info.ModTime(), comment)
}

// AddStream stores everything read from src under name. When deflate makes
// the entry larger than its input, src can seek and the destination can
// truncate, the entry is rewritten with Store unless ForceDeflate is set.
func (w *Writer) AddStream(method Method, name string, src io.Reader, modTime time.Time, comment string) error {
	if w.closed {
		return ErrClosed
	}
	if method != Store && method != Deflate {
		return ErrUnsupportedMethod
	}
	if w.existing+len(w.entries) >= maxUint16 {
		return ErrTooLarge
	}

	offset, err := w.ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("locating local header: %w", err)
	}
	if offset > maxUint32 {
		return ErrTooLarge
	}

	name = normalizeName(name)
	e := Entry{
		Name:         name,
		Comment:      comment,
		Method:       method,
		ModTime:      modTime,
		EncodeUTF8:   w.EncodeUTF8 || !fitsCP437(name) || !fitsCP437(comment),
		HeaderOffset: uint32(offset),
	}
	err = w.writeLocalHeader(&e)
	if err == nil {
		err = w.store(&e, src)
	}
	if err == nil {
		err = w.patchLocalHeader(&e)
	}
	if err != nil {
		w.discard(offset)
		return err
	}
	w.entries = append(w.entries, e)
	return nil
}

// discard drops a partially written entry so the next one starts at offset.
// Without a truncatable destination the bytes stay behind as unreferenced
// data, which readers never see.
func (w *Writer) discard(offset int64) {
	if _, err := w.ws.Seek(offset, io.SeekStart); err != nil {
		return
	}
	if t, ok := w.ws.(truncater); ok {
		_ = t.Truncate(offset)
	}
}

// Entries returns the entries added through this writer.
func (w *Writer) Entries() []Entry {
	return append([]Entry(nil), w.entries...)
}

// Close writes the central directory and end record. When the writer opened
// the destination itself, the file is closed as well.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.writeDirectory()
	if w.owned != nil {
		if cerr := w.owned.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("closing archive: %w", cerr)
		}
	}
	return err
}

func (w *Writer) writeDirectory() error {
	start, err := w.ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("locating central directory: %w", err)
	}
	if start > maxUint32 {
		return ErrTooLarge
	}

	size := int64(len(w.centralImage))
	if len(w.centralImage) > 0 {
		if _, err := w.ws.Write(w.centralImage); err != nil {
			return fmt.Errorf("writing central directory: %w", err)
		}
	}
	for i := range w.entries {
		n, err := w.writeCentralRecord(&w.entries[i])
		if err != nil {
			return err
		}
		size += int64(n)
	}
	if size > maxUint32 {
		return ErrTooLarge
	}
	return w.writeEndRecord(uint32(size), uint32(start))
}

func (w *Writer) writeLocalHeader(e *Entry) error {
	name := encodeText(e.Name, e.EncodeUTF8)
	if len(name) > maxUint16 {
		return ErrTooLarge
	}

	buf := make([]byte, localHeaderLen+len(name))
	b := le(buf)
	b.uint32(localHeaderSig)
	b.uint16(versionNeeded)
	b.uint16(flags(e.EncodeUTF8))
	b.uint16(uint16(e.Method))
	b.uint32(dosTime(e.ModTime))
	b.uint32(0) // crc, patched later
	b.uint32(0) // compressed size, patched later
	b.uint32(0) // uncompressed size, patched later
	b.uint16(uint16(len(name)))
	b.uint16(0) // extra length
	copy(b, name)

	if _, err := w.ws.Write(buf); err != nil {
		return fmt.Errorf("writing local header: %w", err)
	}
	e.DataOffset = int64(e.HeaderOffset) + int64(len(buf))
	return nil
}

// store streams src into the archive, computing CRC and sizes as it goes.
func (w *Writer) store(e *Entry, src io.Reader) error {
	start := e.DataOffset

	srcStart := int64(-1)
	if s, ok := src.(io.Seeker); ok {
		if pos, err := s.Seek(0, io.SeekCurrent); err == nil {
			srcStart = pos
		}
	}

	var (
		out = io.Writer(w.ws)
		fw  *flate.Writer
	)
	if e.Method == Deflate {
		var err error
		fw, err = flate.NewWriter(w.ws, flate.DefaultCompression)
		if err != nil {
			return fmt.Errorf("creating compressor: %w", err)
		}
		out = fw
	}

	crc := crc32.NewIEEE()
	n, err := io.CopyBuffer(io.MultiWriter(out, crc), onlyReader{src}, make([]byte, copyBufferSize))
	if err != nil {
		return fmt.Errorf("writing entry %s: %w", e.Name, err)
	}
	if fw != nil {
		if err := fw.Close(); err != nil {
			return fmt.Errorf("flushing compressor: %w", err)
		}
	}

	end, err := w.ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("locating entry end: %w", err)
	}
	compressed := end - start
	if n > maxUint32 || compressed > maxUint32 {
		return ErrTooLarge
	}
	e.CRC32 = crc.Sum32()
	e.UncompressedSize = uint32(n)
	e.CompressedSize = uint32(compressed)

	if e.Method == Deflate && !w.ForceDeflate && srcStart >= 0 && compressed > n {
		t, ok := w.ws.(truncater)
		if !ok {
			return nil
		}
		if _, err := w.ws.Seek(start, io.SeekStart); err != nil {
			return fmt.Errorf("rewinding entry: %w", err)
		}
		if err := t.Truncate(start); err != nil {
			return fmt.Errorf("truncating entry: %w", err)
		}
		if _, err := src.(io.Seeker).Seek(srcStart, io.SeekStart); err != nil {
			return fmt.Errorf("rewinding source: %w", err)
		}
		e.Method = Store
		return w.store(e, src)
	}
	return nil
}

func (w *Writer) patchLocalHeader(e *Entry) error {
	end, err := w.ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("locating entry end: %w", err)
	}

	method := make([]byte, 2)
	b := le(method)
	b.uint16(uint16(e.Method))
	if _, err := w.ws.Seek(int64(e.HeaderOffset)+8, io.SeekStart); err != nil {
		return fmt.Errorf("seeking local header: %w", err)
	}
	if _, err := w.ws.Write(method); err != nil {
		return fmt.Errorf("patching local header: %w", err)
	}

	sizes := make([]byte, 12)
	b = le(sizes)
	b.uint32(e.CRC32)
	b.uint32(e.CompressedSize)
	b.uint32(e.UncompressedSize)
	if _, err := w.ws.Seek(int64(e.HeaderOffset)+14, io.SeekStart); err != nil {
		return fmt.Errorf("seeking local header: %w", err)
	}
	if _, err := w.ws.Write(sizes); err != nil {
		return fmt.Errorf("patching local header: %w", err)
	}

	if _, err := w.ws.Seek(end, io.SeekStart); err != nil {
		return fmt.Errorf("restoring position: %w", err)
	}
	return nil
}

func (w *Writer) writeCentralRecord(e *Entry) (int, error) {
	name := encodeText(e.Name, e.EncodeUTF8)
	comment := encodeText(e.Comment, e.EncodeUTF8)
	if len(comment) > maxUint16 {
		return 0, ErrTooLarge
	}

	buf := make([]byte, centralHeaderLen+len(name)+len(comment))
	b := le(buf)
	b.uint32(centralHeaderSig)
	b.uint16(versionMadeBy)
	b.uint16(versionNeeded)
	b.uint16(flags(e.EncodeUTF8))
	b.uint16(uint16(e.Method))
	b.uint32(dosTime(e.ModTime))
	b.uint32(e.CRC32)
	b.uint32(e.CompressedSize)
	b.uint32(e.UncompressedSize)
	b.uint16(uint16(len(name)))
	b.uint16(0) // extra length
	b.uint16(uint16(len(comment)))
	b.uint16(0) // disk number start
	b.uint16(0) // internal attributes
	b.uint32(externalAttrs)
	b.uint32(e.HeaderOffset)
	copy(b, name)
	copy(b[len(name):], comment)

	if _, err := w.ws.Write(buf); err != nil {
		return 0, fmt.Errorf("writing central record: %w", err)
	}
	return len(buf), nil
}

func (w *Writer) writeEndRecord(size, offset uint32) error {
	comment := w.rawComment
	if comment == nil {
		comment = encodeText(w.comment, w.EncodeUTF8)
	}
	if len(comment) > maxUint16 {
		return ErrTooLarge
	}
	count := uint16(w.existing + len(w.entries))

	buf := make([]byte, endRecordLen+len(comment))
	b := le(buf)
	b.uint32(endRecordSig)
	b.uint16(0) // this disk
	b.uint16(0) // disk with central directory
	b.uint16(count)
	b.uint16(count)
	b.uint32(size)
	b.uint32(offset)
	b.uint16(uint16(len(comment)))
	copy(b, comment)

	if _, err := w.ws.Write(buf); err != nil {
		return fmt.Errorf("writing end record: %w", err)
	}
	return nil
}

func flags(utf8 bool) uint16 {
	if utf8 {
		return flagUTF8
	}
	return 0
}

// onlyReader hides WriterTo so the copy goes through the fixed buffer.
type onlyReader struct{ io.Reader }
