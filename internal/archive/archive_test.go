package archive

import (
	stdzip "archive/zip"
	"bytes"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var modTime = time.Date(2024, 6, 1, 12, 30, 44, 0, time.Local)

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(42)).Read(b)
	return b
}

func buildArchive(t *testing.T, w *Writer, entries map[string][]byte, order []string) {
	t.Helper()
	for _, name := range order {
		require.NoError(t, w.AddStream(Deflate, name, bytes.NewReader(entries[name]), modTime, ""))
	}
	require.NoError(t, w.Close())
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	entries := map[string][]byte{
		"exception":     []byte(`{"kind":"*errors.errorString","message":"boom"}`),
		"report":        []byte(`{"general_info":{"host_application":"shop"}}`),
		"files/app.log": []byte(strings.Repeat("line of log output 0123456789\n", 700)),
		"empty":         {},
	}
	order := []string{"exception", "report", "files/app.log", "empty"}
	require.Greater(t, len(entries["files/app.log"]), copyBufferSize)

	buf := NewBuffer(nil)
	w, err := NewWriter(buf, "")
	require.NoError(t, err)
	buildArchive(t, w, entries, order)

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	list, err := r.Entries()
	require.NoError(t, err)
	require.Len(t, list, len(order))
	assert.Equal(t, len(order), r.Len())

	for i, e := range list {
		assert.Equal(t, order[i], e.Name)
		var out bytes.Buffer
		require.NoError(t, r.Extract(e, &out), e.Name)
		assert.Equal(t, entries[e.Name], out.Bytes(), e.Name)
		assert.Equal(t, uint32(len(entries[e.Name])), e.UncompressedSize)
	}

	logEntry, err := r.Find("files/app.log")
	require.NoError(t, err)
	assert.Equal(t, Deflate, logEntry.Method)
	assert.Less(t, logEntry.CompressedSize, logEntry.UncompressedSize)
}

func TestRoundTrip_StandardReader(t *testing.T) {
	t.Parallel()
	payload := []byte(strings.Repeat("abc", 10000))

	buf := NewBuffer(nil)
	w, err := NewWriter(buf, "report archive")
	require.NoError(t, err)
	require.NoError(t, w.AddStream(Deflate, "report", bytes.NewReader(payload), modTime, ""))
	require.NoError(t, w.AddStream(Store, "files/notes.txt", strings.NewReader("notes"), modTime, "user notes"))
	require.NoError(t, w.Close())

	zr, err := stdzip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	assert.Equal(t, "report archive", zr.Comment)
	require.Len(t, zr.File, 2)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, payload, got)
	assert.Equal(t, "user notes", zr.File[1].Comment)
}

func TestDeflateFallsBackToStore(t *testing.T) {
	t.Parallel()
	data := randomBytes(64 * 1024)

	buf := NewBuffer(nil)
	w, err := NewWriter(buf, "")
	require.NoError(t, err)
	require.NoError(t, w.AddStream(Deflate, "minidump", bytes.NewReader(data), modTime, ""))
	require.NoError(t, w.AddStream(Deflate, "report", strings.NewReader(strings.Repeat("x", 5000)), modTime, ""))
	require.NoError(t, w.Close())

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	list, err := r.Entries()
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, Store, list[0].Method)
	assert.Equal(t, list[0].UncompressedSize, list[0].CompressedSize)
	assert.Equal(t, Deflate, list[1].Method)

	var out bytes.Buffer
	require.NoError(t, r.Extract(list[0], &out))
	assert.Equal(t, data, out.Bytes())
}

func TestForceDeflateKeepsDeflate(t *testing.T) {
	t.Parallel()
	data := randomBytes(32 * 1024)

	buf := NewBuffer(nil)
	w, err := NewWriter(buf, "")
	require.NoError(t, err)
	w.ForceDeflate = true
	require.NoError(t, w.AddStream(Deflate, "minidump", bytes.NewReader(data), modTime, ""))
	require.NoError(t, w.Close())

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	e, err := r.Find("minidump")
	require.NoError(t, err)
	assert.Equal(t, Deflate, e.Method)
	assert.Greater(t, e.CompressedSize, e.UncompressedSize)

	got, err := r.ReadAll("minidump")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDeflateWithUnseekableSourceKeepsDeflate(t *testing.T) {
	t.Parallel()
	data := randomBytes(8 * 1024)

	buf := NewBuffer(nil)
	w, err := NewWriter(buf, "")
	require.NoError(t, err)
	src := struct{ io.Reader }{bytes.NewReader(data)}
	require.NoError(t, w.AddStream(Deflate, "blob", src, modTime, ""))
	require.NoError(t, w.Close())

	assert.Equal(t, Deflate, w.Entries()[0].Method)
}

func TestNewWriter_RejectsUnseekable(t *testing.T) {
	t.Parallel()
	_, err := NewWriter(&bytes.Buffer{}, "")
	assert.ErrorIs(t, err, ErrNotSeekable)
}

func TestNewReader_Malformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte("PK")},
		{"zeros", make([]byte, 256)},
		{"text", []byte(strings.Repeat("not an archive ", 20))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestNewReader_CommentMustBeLast(t *testing.T) {
	t.Parallel()
	buf := NewBuffer(nil)
	w, err := NewWriter(buf, "trailing comment")
	require.NoError(t, err)
	require.NoError(t, w.AddStream(Store, "report", strings.NewReader("{}"), modTime, ""))
	require.NoError(t, w.Close())

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "trailing comment", r.Comment())

	garbled := append(append([]byte(nil), buf.Bytes()...), "junk"...)
	_, err = NewReader(bytes.NewReader(garbled))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNewReader_UnseekableStream(t *testing.T) {
	t.Parallel()
	buf := NewBuffer(nil)
	w, err := NewWriter(buf, "")
	require.NoError(t, err)
	require.NoError(t, w.AddStream(Deflate, "report", strings.NewReader(strings.Repeat("r", 100)), modTime, ""))
	require.NoError(t, w.Close())

	r, err := NewReader(struct{ io.Reader }{bytes.NewReader(buf.Bytes())})
	require.NoError(t, err)
	got, err := r.ReadAll("report")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("r", 100), string(got))
}

func TestExtract_BadLocalHeaderAbortsOneEntry(t *testing.T) {
	t.Parallel()
	buf := NewBuffer(nil)
	w, err := NewWriter(buf, "")
	require.NoError(t, err)
	require.NoError(t, w.AddStream(Store, "exception", strings.NewReader("first"), modTime, ""))
	require.NoError(t, w.AddStream(Store, "report", strings.NewReader("second"), modTime, ""))
	require.NoError(t, w.Close())

	data := append([]byte(nil), buf.Bytes()...)
	copy(data[0:4], "XXXX")

	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	list, err := r.Entries()
	require.NoError(t, err)
	require.Len(t, list, 2)

	err = r.Extract(list[0], io.Discard)
	assert.ErrorIs(t, err, ErrBadLocalHeader)

	var out bytes.Buffer
	require.NoError(t, r.Extract(list[1], &out))
	assert.Equal(t, "second", out.String())
}

func TestExtract_ChecksumMismatch(t *testing.T) {
	t.Parallel()
	buf := NewBuffer(nil)
	w, err := NewWriter(buf, "")
	require.NoError(t, err)
	require.NoError(t, w.AddStream(Store, "report", strings.NewReader("payload"), modTime, ""))
	require.NoError(t, w.Close())

	data := append([]byte(nil), buf.Bytes()...)
	e := w.Entries()[0]
	data[e.DataOffset] ^= 0xFF

	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.ErrorIs(t, r.Extract(e, io.Discard), ErrChecksum)
}

func TestOpenAppend(t *testing.T) {
	t.Parallel()
	buf := NewBuffer(nil)
	w, err := NewWriter(buf, "kept")
	require.NoError(t, err)
	require.NoError(t, w.AddStream(Deflate, "exception", strings.NewReader("one"), modTime, ""))
	require.NoError(t, w.Close())

	a, err := OpenAppend(buf)
	require.NoError(t, err)
	require.NoError(t, a.AddStream(Deflate, "report", strings.NewReader("two"), modTime, ""))
	require.NoError(t, a.Close())

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "kept", r.Comment())
	list, err := r.Entries()
	require.NoError(t, err)
	require.Len(t, list, 2)

	one, err := r.ReadAll("exception")
	require.NoError(t, err)
	assert.Equal(t, "one", string(one))
	two, err := r.ReadAll("report")
	require.NoError(t, err)
	assert.Equal(t, "two", string(two))
}

func TestWriter_Errors(t *testing.T) {
	t.Parallel()
	w, err := NewWriter(NewBuffer(nil), "")
	require.NoError(t, err)

	err = w.AddStream(Method(12), "x", strings.NewReader(""), modTime, "")
	assert.ErrorIs(t, err, ErrUnsupportedMethod)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.AddStream(Store, "x", strings.NewReader(""), modTime, ""), ErrClosed)
}

type failingReader struct{ after int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, errors.New("source failed")
	}
	n := min(len(p), f.after)
	f.after -= n
	return n, nil
}

func TestAddStream_FailedEntryIsDiscarded(t *testing.T) {
	t.Parallel()
	buf := NewBuffer(nil)
	w, err := NewWriter(buf, "")
	require.NoError(t, err)

	require.NoError(t, w.AddStream(Deflate, "exception", strings.NewReader("kept"), modTime, ""))
	sizeAfterFirst := buf.Len()
	require.Error(t, w.AddStream(Store, "minidump", &failingReader{after: 1000}, modTime, ""))
	assert.Equal(t, sizeAfterFirst, buf.Len())
	require.NoError(t, w.AddStream(Deflate, "report", strings.NewReader("also kept"), modTime, ""))
	require.NoError(t, w.Close())

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	entries, err := r.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	data, err := r.ReadAll("report")
	require.NoError(t, err)
	assert.Equal(t, "also kept", string(data))
}

func TestFind_NotFound(t *testing.T) {
	t.Parallel()
	buf := NewBuffer(nil)
	w, err := NewWriter(buf, "")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	_, err = r.Find("minidump")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileNames_Encoding(t *testing.T) {
	t.Parallel()
	buf := NewBuffer(nil)
	w, err := NewWriter(buf, "")
	require.NoError(t, err)
	require.NoError(t, w.AddStream(Store, "files/café.txt", strings.NewReader("a"), modTime, ""))
	require.NoError(t, w.AddStream(Store, "files/日本.txt", strings.NewReader("b"), modTime, ""))
	require.NoError(t, w.AddStream(Store, "files/plain.txt", strings.NewReader("c"), modTime, "注記"))
	w.EncodeUTF8 = true
	require.NoError(t, w.AddStream(Store, "files/forced.txt", strings.NewReader("d"), modTime, ""))
	require.NoError(t, w.Close())

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	list, err := r.Entries()
	require.NoError(t, err)
	require.Len(t, list, 4)

	assert.Equal(t, "files/café.txt", list[0].Name)
	assert.False(t, list[0].EncodeUTF8, "café fits code page 437")
	assert.Equal(t, "files/日本.txt", list[1].Name)
	assert.True(t, list[1].EncodeUTF8, "names outside code page 437 switch to UTF-8")
	assert.Equal(t, "注記", list[2].Comment)
	assert.True(t, list[2].EncodeUTF8, "comments count too")
	assert.True(t, list[3].EncodeUTF8)
}

func TestCreateOpenAndExtractFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(src, []byte("log contents"), 0o644))
	require.NoError(t, os.Chtimes(src, modTime, modTime))

	path := filepath.Join(dir, "Exception_1.zip")
	w, err := Create(path, "")
	require.NoError(t, err)
	require.NoError(t, w.AddFile(Deflate, src, "files/app.log", ""))
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	e, err := r.Find("files/app.log")
	require.NoError(t, err)
	out := filepath.Join(dir, "out", "app.log")
	require.NoError(t, r.ExtractFile(e, out))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "log contents", string(got))

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.WithinDuration(t, modTime, info.ModTime(), 2*time.Second)
}

func TestNormalizeName(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		`C:\logs\app.log`: "logs/app.log",
		"/files/a/":       "files/a",
		"report":          "report",
		`files\sub\x.txt`: "files/sub/x.txt",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeName(in), in)
	}
}

func TestDosTime(t *testing.T) {
	t.Parallel()
	in := time.Date(2023, 5, 17, 10, 20, 31, 0, time.Local)
	got := fromDosTime(dosTime(in))
	assert.Equal(t, time.Date(2023, 5, 17, 10, 20, 30, 0, time.Local), got)

	early := fromDosTime(dosTime(time.Date(1970, 1, 1, 0, 0, 0, 0, time.Local)))
	assert.Equal(t, 1980, early.Year())
}

func TestBuffer(t *testing.T) {
	t.Parallel()
	b := NewBuffer(nil)
	_, err := b.Write([]byte("hello world"))
	require.NoError(t, err)

	_, err = b.Seek(6, io.SeekStart)
	require.NoError(t, err)
	_, err = b.Write([]byte("WORLD!"))
	require.NoError(t, err)
	assert.Equal(t, "hello WORLD!", string(b.Bytes()))

	require.NoError(t, b.Truncate(5))
	assert.Equal(t, "hello", string(b.Bytes()))

	_, err = b.Seek(7, io.SeekStart)
	require.NoError(t, err)
	_, err = b.Write([]byte("!"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\x00\x00!"), b.Bytes())

	_, err = b.Seek(-1, io.SeekStart)
	assert.Error(t, err)

	p := make([]byte, 3)
	n, err := b.ReadAt(p, 6)
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, io.EOF)
}
