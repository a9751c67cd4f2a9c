package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/crashkit/internal/core"
)

type backendFactory struct {
	name string
	open func(t *testing.T) Backend
}

func factories() []backendFactory {
	return []backendFactory{
		{"directory", func(t *testing.T) Backend {
			return NewDirectory(filepath.Join(t.TempDir(), "reports"))
		}},
		{"profile", func(t *testing.T) Backend {
			b, err := openProfile(filepath.Join(t.TempDir(), "profile"))
			require.NoError(t, err)
			return b
		}},
		{"sqlite", func(t *testing.T) Backend {
			b, err := NewSQLite(filepath.Join(t.TempDir(), "reports.db"))
			require.NoError(t, err)
			return b
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Helper()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			b := f.open(t)
			t.Cleanup(func() { b.Close() })
			fn(t, b)
		})
	}
}

func put(t *testing.T, b Backend, maxQueued int, payload string) string {
	t.Helper()
	ws, name, err := b.Create(maxQueued)
	require.NoError(t, err)
	_, err = io.WriteString(ws, payload)
	require.NoError(t, err)
	require.NoError(t, ws.Close())
	return name
}

func count(t *testing.T, b Backend) int {
	t.Helper()
	n, err := b.Count()
	require.NoError(t, err)
	return n
}

func TestBackend_EmptyQueue(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, b Backend) {
		assert.Equal(t, 0, count(t, b))
		rs, name, err := b.Oldest()
		require.NoError(t, err)
		assert.Nil(t, rs)
		assert.Empty(t, name)
	})
}

func TestBackend_CreateAndReadOldest(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, b Backend) {
		first := put(t, b, 0, "first")
		second := put(t, b, 0, "second")
		assert.True(t, IsEntry(first))
		assert.Less(t, first, second)
		assert.Equal(t, 2, count(t, b))

		rs, name, err := b.Oldest()
		require.NoError(t, err)
		require.NotNil(t, rs)
		assert.Equal(t, first, name)
		data, err := io.ReadAll(rs)
		require.NoError(t, err)
		assert.Equal(t, "first", string(data))
		require.NoError(t, rs.Close())

		require.NoError(t, b.Remove(name))
		assert.Equal(t, 1, count(t, b))
	})
}

func TestBackend_TooManyReports(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, b Backend) {
		put(t, b, 2, "a")
		put(t, b, 2, "b")

		_, _, err := b.Create(2)
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrTooManyReportsTarget)
		assert.True(t, core.IsRetryable(err))

		put(t, b, 0, "unbounded")
		put(t, b, -1, "unbounded")
		assert.Equal(t, 4, count(t, b))
	})
}

func TestBackend_OpenStreamsCountTowardCapacity(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, b Backend) {
		first, _, err := b.Create(1)
		require.NoError(t, err)

		_, _, err = b.Create(1)
		assert.ErrorIs(t, err, core.ErrTooManyReportsTarget, "an open stream holds a slot")

		_, err = io.WriteString(first, "first")
		require.NoError(t, err)
		require.NoError(t, first.Close())
		assert.Equal(t, 1, count(t, b))

		_, _, err = b.Create(1)
		assert.ErrorIs(t, err, core.ErrTooManyReportsTarget)

		aborted, _, err := b.Create(2)
		require.NoError(t, err)
		require.NoError(t, aborted.Abort())
		put(t, b, 2, "second")
		assert.Equal(t, 2, count(t, b))
	})
}

func TestBackend_ConcurrentCreatesRespectCapacity(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, b Backend) {
		const writers = 6
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted int
		)
		start := make(chan struct{})
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				ws, _, err := b.Create(2)
				if err != nil {
					assert.ErrorIs(t, err, core.ErrTooManyReportsTarget)
					return
				}
				mu.Lock()
				accepted++
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				io.WriteString(ws, "x")
				assert.NoError(t, ws.Close())
			}()
		}
		close(start)
		wg.Wait()
		assert.LessOrEqual(t, accepted, 2)
		assert.LessOrEqual(t, count(t, b), 2)
	})
}

func TestBackend_Truncate(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, b Backend) {
		var names []string
		for _, p := range []string{"1", "2", "3", "4", "5"} {
			names = append(names, put(t, b, 0, p))
		}

		require.NoError(t, b.Truncate(-1))
		assert.Equal(t, 5, count(t, b))

		require.NoError(t, b.Truncate(10))
		assert.Equal(t, 5, count(t, b))

		require.NoError(t, b.Truncate(2))
		assert.Equal(t, 2, count(t, b))

		rs, name, err := b.Oldest()
		require.NoError(t, err)
		require.NotNil(t, rs)
		rs.Close()
		assert.Equal(t, names[3], name, "oldest entries go first")

		require.NoError(t, b.Truncate(0))
		assert.Equal(t, 0, count(t, b))
	})
}

func TestBackend_AbortDiscardsEntry(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, b Backend) {
		ws, _, err := b.Create(0)
		require.NoError(t, err)
		_, err = io.WriteString(ws, "partial")
		require.NoError(t, err)
		require.NoError(t, ws.Abort())
		assert.Equal(t, 0, count(t, b))
	})
}

func TestBackend_StreamIsSeekable(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, b Backend) {
		ws, _, err := b.Create(0)
		require.NoError(t, err)
		_, err = io.WriteString(ws, "hello world")
		require.NoError(t, err)
		_, err = ws.Seek(0, io.SeekStart)
		require.NoError(t, err)
		_, err = io.WriteString(ws, "HELLO")
		require.NoError(t, err)
		require.NoError(t, ws.Close())

		rs, _, err := b.Oldest()
		require.NoError(t, err)
		require.NotNil(t, rs)
		defer rs.Close()
		data, err := io.ReadAll(rs)
		require.NoError(t, err)
		assert.Equal(t, "HELLO world", string(data))
	})
}

func TestBackend_ConcurrentCreates(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, b Backend) {
		const writers = 8
		var wg sync.WaitGroup
		names := make(chan string, writers)
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ws, name, err := b.Create(0)
				if !assert.NoError(t, err) {
					return
				}
				io.WriteString(ws, name)
				assert.NoError(t, ws.Close())
				names <- name
			}()
		}
		wg.Wait()
		close(names)

		seen := map[string]bool{}
		for n := range names {
			assert.False(t, seen[n], "duplicate name %s", n)
			seen[n] = true
		}
		assert.Equal(t, writers, count(t, b))
	})
}

func TestBackend_LockedEntryIsSkipped(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, b Backend) {
		put(t, b, 0, "held")

		held, name, err := b.Oldest()
		require.NoError(t, err)
		require.NotNil(t, held)
		assert.NotEmpty(t, name)

		rs, other, err := b.Oldest()
		require.NoError(t, err)
		assert.Nil(t, rs, "a held entry must look absent")
		assert.Empty(t, other)

		require.NoError(t, held.Close())
		rs, _, err = b.Oldest()
		require.NoError(t, err)
		require.NotNil(t, rs)
		rs.Close()
	})
}

func TestDirectory_IgnoresForeignFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".Exception_1.zip123"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "Exception_2.zip"), 0o700))

	b := NewDirectory(dir)
	assert.Equal(t, 0, count(t, b))
	require.NoError(t, b.Truncate(0))
	_, err := os.Stat(filepath.Join(dir, "notes.txt"))
	assert.NoError(t, err)
}

func TestDirectory_MissingDirectory(t *testing.T) {
	t.Parallel()
	b := NewDirectory(filepath.Join(t.TempDir(), "does", "not", "exist"))
	assert.Equal(t, 0, count(t, b))
	require.NoError(t, b.Truncate(0))
	rs, _, err := b.Oldest()
	require.NoError(t, err)
	assert.Nil(t, rs)
}

func TestDirectory_RemoveRejectsForeignNames(t *testing.T) {
	t.Parallel()
	b := NewDirectory(t.TempDir())
	err := b.Remove("../etc/passwd")
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}

func TestDirectory_WatchReportsNewEntries(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "watched")
	b := NewDirectory(dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := make(chan string, 64)
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(ready)
		done <- b.Watch(ctx, func(name string) { seen <- name })
	}()
	<-ready

	// Keep adding entries until the watcher has registered and reports one.
	deadline := time.After(5 * time.Second)
	var name string
	for name == "" {
		put(t, NewDirectory(dir), 0, "x")
		select {
		case name = <-seen:
			assert.True(t, IsEntry(name))
		case <-time.After(200 * time.Millisecond):
		case <-deadline:
			t.Fatal("watcher did not report a new entry")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestProfile_WatchSeesOnlyCommittedEntries(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "shared")
	writer, err := openProfile(dir)
	require.NoError(t, err)
	defer writer.Close()
	reader, err := openProfile(dir)
	require.NoError(t, err)
	defer reader.Close()

	w, err := startWatch(reader.Dir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := make(chan string, 8)
	go runWatch(ctx, w, reader.opts.logger, func(name string) { seen <- name })

	ws, name, err := writer.Create(1)
	require.NoError(t, err)
	_, err = io.WriteString(ws, "slow ")
	require.NoError(t, err)

	select {
	case got := <-seen:
		t.Fatalf("watcher reported %s before it was committed", got)
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, 0, count(t, reader))

	_, err = io.WriteString(ws, "report")
	require.NoError(t, err)
	require.NoError(t, ws.Close())

	select {
	case got := <-seen:
		assert.Equal(t, name, got)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the committed entry")
	}
	rs, got, err := reader.Oldest()
	require.NoError(t, err)
	require.NotNil(t, rs, "a reported entry must be readable")
	defer rs.Close()
	assert.Equal(t, name, got)
	data, err := io.ReadAll(rs)
	require.NoError(t, err)
	assert.Equal(t, "slow report", string(data))
}

func TestProfile_CloseReleasesSession(t *testing.T) {
	t.Parallel()
	b, err := openProfile(filepath.Join(t.TempDir(), "p"))
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err = b.Count()
	assert.True(t, errors.Is(err, os.ErrClosed))
}

func TestSanitizeApp(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "default", sanitizeApp("  "))
	assert.Equal(t, "my_app_v1", sanitizeApp("my/app:v1"))
}

func TestSQLite_RemoveMissing(t *testing.T) {
	t.Parallel()
	b, err := NewSQLite(filepath.Join(t.TempDir(), "r.db"))
	require.NoError(t, err)
	defer b.Close()
	err = b.Remove(EntryName(1))
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
}

func TestNaming(t *testing.T) {
	t.Parallel()
	assert.Equal(t, int64(fileTimeEpoch), FileTime(time.Unix(0, 0)))
	assert.Equal(t, int64(fileTimeEpoch+10_000_000), FileTime(time.Unix(1, 0)))

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := nextStamp(at)
	b := nextStamp(at)
	assert.Greater(t, b, a)
	assert.True(t, IsEntry(EntryName(a)))
	assert.False(t, IsEntry("Exception_1.zip.tmp"))
	assert.False(t, IsEntry("report.zip"))
}

func TestBrowser_ListAndOpen(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, b Backend) {
		br, ok := b.(Browser)
		require.True(t, ok)

		a := put(t, b, 0, "alpha")
		c := put(t, b, 0, "charlie")
		names, err := br.List()
		require.NoError(t, err)
		assert.Equal(t, []string{a, c}, names)

		rs, err := br.Open(c)
		require.NoError(t, err)
		data, err := io.ReadAll(rs)
		require.NoError(t, err)
		assert.Equal(t, "charlie", string(data))
		require.NoError(t, rs.Close())

		_, err = br.Open(EntryName(1))
		assert.True(t, core.IsCategory(err, core.ErrCatNotFound), "got %v", err)
	})
}
