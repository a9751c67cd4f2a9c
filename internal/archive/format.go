// Package archive reads and writes the ZIP-compatible container that holds
// a persisted crash report.
//
// Only the parts of the format a report needs are supported: store and
// deflate methods, 32-bit sizes, one disk, no data descriptors. Archives
// produced here open with any standard ZIP reader.
//
// Writers patch each local header after the entry has been streamed, so the
// destination must be seekable. Readers locate the end record by scanning
// backward from the end of the data.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Method is an entry compression method.
type Method uint16

const (
	Store   Method = 0
	Deflate Method = 8
)

func (m Method) String() string {
	switch m {
	case Store:
		return "store"
	case Deflate:
		return "deflate"
	default:
		return fmt.Sprintf("method(%d)", uint16(m))
	}
}

const (
	localHeaderSig   = 0x04034b50
	centralHeaderSig = 0x02014b50
	endRecordSig     = 0x06054b50

	localHeaderLen   = 30
	centralHeaderLen = 46
	endRecordLen     = 22

	flagUTF8 = 0x0800

	// versionMadeBy is 2.3 on NTFS, versionNeeded is 2.0.
	versionMadeBy = 0x0B17
	versionNeeded = 20

	// externalAttrs marks a regular, readable file.
	externalAttrs = 0x8100 << 16

	maxUint16 = 1<<16 - 1
	maxUint32 = 1<<32 - 1

	copyBufferSize = 16384
)

var (
	// ErrNotSeekable is returned when a writer is opened on a stream that
	// cannot seek.
	ErrNotSeekable = errors.New("archive: stream cannot seek")

	// ErrMalformed is returned when the end record is missing or inconsistent.
	ErrMalformed = errors.New("archive: malformed end of central directory")

	// ErrBadLocalHeader is returned when an entry's local header signature
	// does not match.
	ErrBadLocalHeader = errors.New("archive: bad local header signature")

	// ErrUnsupportedMethod is returned for entries using neither store nor
	// deflate.
	ErrUnsupportedMethod = errors.New("archive: unsupported compression method")

	// ErrChecksum is returned when extracted bytes do not match the entry CRC.
	ErrChecksum = errors.New("archive: checksum mismatch")

	// ErrTooLarge is returned when an entry or the archive needs 64-bit fields.
	ErrTooLarge = errors.New("archive: size exceeds 32-bit limits")

	// ErrClosed is returned by operations on a closed writer.
	ErrClosed = errors.New("archive: writer closed")

	// ErrNotFound is returned by Find when no entry has the requested name.
	ErrNotFound = errors.New("archive: entry not found")
)

// Entry describes one file inside an archive.
type Entry struct {
	Name             string
	Comment          string
	Method           Method
	ModTime          time.Time
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	EncodeUTF8       bool

	// HeaderOffset is the position of the entry's local header.
	HeaderOffset uint32
	// DataOffset is the position of the entry's first data byte, computed
	// from the local header because its extra field may differ from the
	// central record's.
	DataOffset int64
}

func encodeText(s string, utf8 bool) []byte {
	if utf8 {
		return []byte(s)
	}
	b, err := encoding.ReplaceUnsupported(charmap.CodePage437.NewEncoder()).Bytes([]byte(s))
	if err != nil {
		return []byte(s)
	}
	return b
}

// fitsCP437 reports whether every rune of s has a code page 437 encoding.
func fitsCP437(s string) bool {
	for _, r := range s {
		if _, ok := charmap.CodePage437.EncodeRune(r); !ok {
			return false
		}
	}
	return true
}

func decodeText(b []byte, utf8 bool) string {
	if utf8 {
		return string(b)
	}
	s, err := charmap.CodePage437.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}

// normalizeName converts a path to the in-archive form: forward slashes, no
// drive prefix, no leading or trailing slash.
func normalizeName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	return strings.Trim(name, "/")
}

// dosTime packs t into the MS-DOS date/time format. Seconds are stored with
// two-second resolution; dates before 1980 clamp to the epoch.
func dosTime(t time.Time) uint32 {
	t = t.Local()
	if t.Year() < 1980 {
		return 1<<21 | 1<<16
	}
	return uint32(t.Second()/2) |
		uint32(t.Minute())<<5 |
		uint32(t.Hour())<<11 |
		uint32(t.Day())<<16 |
		uint32(t.Month())<<21 |
		uint32(t.Year()-1980)<<25
}

func fromDosTime(dt uint32) time.Time {
	return time.Date(
		int(dt>>25)+1980,
		time.Month(dt>>21&15),
		int(dt>>16&31),
		int(dt>>11&31),
		int(dt>>5&63),
		int(dt&31)*2,
		0,
		time.Local,
	)
}

// le is a little-endian field writer over a fixed buffer.
type le []byte

func (b *le) uint16(v uint16) {
	binary.LittleEndian.PutUint16(*b, v)
	*b = (*b)[2:]
}

func (b *le) uint32(v uint32) {
	binary.LittleEndian.PutUint32(*b, v)
	*b = (*b)[4:]
}
