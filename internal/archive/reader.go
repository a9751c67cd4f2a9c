package archive

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"unicode/utf8"
)

// Reader reads entries from an archive. It is not safe for concurrent use.
type Reader struct {
	rs      io.ReadSeeker
	owned   io.Closer
	end     endRecord
	central []byte
}

type endRecord struct {
	entries   uint16
	dirSize   uint32
	dirOffset uint32
	comment   []byte
}

// NewReader opens the archive held by r. A stream that cannot seek is read
// fully into memory first.
func NewReader(r io.Reader) (*Reader, error) {
	rs, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("buffering archive: %w", err)
		}
		rs = bytes.NewReader(data)
	}
	end, central, err := readDirectory(rs)
	if err != nil {
		return nil, err
	}
	return &Reader{rs: rs, end: end, central: central}, nil
}

// Open opens the archive file at path for reading. Close closes the file.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.owned = f
	return r, nil
}

// Close releases the underlying file when the reader opened it.
func (r *Reader) Close() error {
	if r.owned == nil {
		return nil
	}
	err := r.owned.Close()
	r.owned = nil
	return err
}

// Comment returns the archive comment. The end record has no encoding flag,
// so valid UTF-8 is taken as such and anything else as code page 437.
func (r *Reader) Comment() string {
	return decodeText(r.end.comment, utf8.Valid(r.end.comment))
}

// Len returns the entry count recorded in the end record.
func (r *Reader) Len() int {
	return int(r.end.entries)
}

// Entries decodes the central directory. Parsing stops at the first record
// without a central header signature.
func (r *Reader) Entries() ([]Entry, error) {
	var out []Entry
	dir := r.central
	for p := 0; p+centralHeaderLen <= len(dir); {
		if binary.LittleEndian.Uint32(dir[p:]) != centralHeaderSig {
			break
		}
		flags := binary.LittleEndian.Uint16(dir[p+8:])
		nameLen := int(binary.LittleEndian.Uint16(dir[p+28:]))
		extraLen := int(binary.LittleEndian.Uint16(dir[p+30:]))
		commentLen := int(binary.LittleEndian.Uint16(dir[p+32:]))
		recLen := centralHeaderLen + nameLen + extraLen + commentLen
		if p+recLen > len(dir) {
			return out, fmt.Errorf("central record %d: %w", len(out), ErrMalformed)
		}

		isUTF8 := flags&flagUTF8 != 0
		e := Entry{
			Method:           Method(binary.LittleEndian.Uint16(dir[p+10:])),
			ModTime:          fromDosTime(binary.LittleEndian.Uint32(dir[p+12:])),
			CRC32:            binary.LittleEndian.Uint32(dir[p+16:]),
			CompressedSize:   binary.LittleEndian.Uint32(dir[p+20:]),
			UncompressedSize: binary.LittleEndian.Uint32(dir[p+24:]),
			HeaderOffset:     binary.LittleEndian.Uint32(dir[p+42:]),
			EncodeUTF8:       isUTF8,
		}
		nameStart := p + centralHeaderLen
		e.Name = decodeText(dir[nameStart:nameStart+nameLen], isUTF8)
		if commentLen > 0 {
			cs := nameStart + nameLen + extraLen
			e.Comment = decodeText(dir[cs:cs+commentLen], isUTF8)
		}

		off, err := r.dataOffset(e.HeaderOffset)
		if err != nil {
			return out, err
		}
		e.DataOffset = off

		out = append(out, e)
		p += recLen
	}
	return out, nil
}

// Find returns the entry named name.
func (r *Reader) Find(name string) (Entry, error) {
	entries, err := r.Entries()
	if err != nil {
		return Entry{}, err
	}
	name = normalizeName(name)
	for _, e := range entries {
		if e.Name == name {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%s: %w", name, ErrNotFound)
}

// Extract writes exactly UncompressedSize bytes of e to dst and verifies the
// CRC. A bad local header aborts only this entry.
func (r *Reader) Extract(e Entry, dst io.Writer) error {
	if dst == nil {
		return fmt.Errorf("extracting %s: nil destination", e.Name)
	}

	sig := make([]byte, 4)
	if _, err := r.rs.Seek(int64(e.HeaderOffset), io.SeekStart); err != nil {
		return fmt.Errorf("seeking %s: %w", e.Name, err)
	}
	if _, err := io.ReadFull(r.rs, sig); err != nil {
		return fmt.Errorf("reading %s: %w", e.Name, ErrBadLocalHeader)
	}
	if binary.LittleEndian.Uint32(sig) != localHeaderSig {
		return fmt.Errorf("extracting %s: %w", e.Name, ErrBadLocalHeader)
	}

	if _, err := r.rs.Seek(e.DataOffset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking %s data: %w", e.Name, err)
	}
	var in io.Reader
	switch e.Method {
	case Store:
		in = r.rs
	case Deflate:
		fr := flate.NewReader(r.rs)
		defer fr.Close()
		in = fr
	default:
		return fmt.Errorf("extracting %s: %w", e.Name, ErrUnsupportedMethod)
	}

	crc := crc32.NewIEEE()
	want := int64(e.UncompressedSize)
	n, err := io.CopyBuffer(io.MultiWriter(dst, crc), io.LimitReader(onlyReader{in}, want), make([]byte, copyBufferSize))
	if err != nil {
		return fmt.Errorf("extracting %s: %w", e.Name, err)
	}
	if n != want {
		return fmt.Errorf("extracting %s: %w", e.Name, io.ErrUnexpectedEOF)
	}
	if crc.Sum32() != e.CRC32 {
		return fmt.Errorf("extracting %s: %w", e.Name, ErrChecksum)
	}
	return nil
}

// ExtractFile writes e to path, creating parent directories, and restores
// its modification time.
func (r *Reader) ExtractFile(e Entry, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := r.Extract(e, f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return os.Chtimes(path, e.ModTime, e.ModTime)
}

// ReadAll extracts the named entry into memory.
func (r *Reader) ReadAll(name string) ([]byte, error) {
	e, err := r.Find(name)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(int(e.UncompressedSize))
	if err := r.Extract(e, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// dataOffset reads the name and extra lengths of the local header at off.
func (r *Reader) dataOffset(off uint32) (int64, error) {
	lens := make([]byte, 4)
	if _, err := r.rs.Seek(int64(off)+26, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seeking local header: %w", err)
	}
	if _, err := io.ReadFull(r.rs, lens); err != nil {
		return 0, fmt.Errorf("reading local header at %d: %w", off, ErrMalformed)
	}
	nameLen := int64(binary.LittleEndian.Uint16(lens))
	extraLen := int64(binary.LittleEndian.Uint16(lens[2:]))
	return localHeaderLen + nameLen + extraLen + int64(off), nil
}

// readDirectory finds the end record by scanning backward and loads the
// whole central directory. The comment must be the last data in the stream.
func readDirectory(rs io.ReadSeeker) (endRecord, []byte, error) {
	size, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return endRecord{}, nil, fmt.Errorf("sizing archive: %w", err)
	}
	if size < endRecordLen {
		return endRecord{}, nil, ErrMalformed
	}

	tailLen := min(size, endRecordLen+maxUint16)
	tail := make([]byte, tailLen)
	if _, err := rs.Seek(size-tailLen, io.SeekStart); err != nil {
		return endRecord{}, nil, fmt.Errorf("seeking archive tail: %w", err)
	}
	if _, err := io.ReadFull(rs, tail); err != nil {
		return endRecord{}, nil, fmt.Errorf("reading archive tail: %w", err)
	}

	for p := len(tail) - endRecordLen; p >= 0; p-- {
		if binary.LittleEndian.Uint32(tail[p:]) != endRecordSig {
			continue
		}
		rec := tail[p:]
		commentLen := int(binary.LittleEndian.Uint16(rec[20:]))
		if p+endRecordLen+commentLen != len(tail) {
			continue
		}
		end := endRecord{
			entries:   binary.LittleEndian.Uint16(rec[10:]),
			dirSize:   binary.LittleEndian.Uint32(rec[12:]),
			dirOffset: binary.LittleEndian.Uint32(rec[16:]),
			comment:   append([]byte(nil), rec[endRecordLen:endRecordLen+commentLen]...),
		}
		endPos := size - tailLen + int64(p)
		if int64(end.dirOffset)+int64(end.dirSize) > endPos {
			return endRecord{}, nil, ErrMalformed
		}

		central := make([]byte, end.dirSize)
		if _, err := rs.Seek(int64(end.dirOffset), io.SeekStart); err != nil {
			return endRecord{}, nil, fmt.Errorf("seeking central directory: %w", err)
		}
		if _, err := io.ReadFull(rs, central); err != nil {
			return endRecord{}, nil, fmt.Errorf("reading central directory: %w", ErrMalformed)
		}
		return end, central, nil
	}
	return endRecord{}, nil, ErrMalformed
}
