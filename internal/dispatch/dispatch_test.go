package dispatch

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/crashkit/internal/fault"
	"github.com/hugo-lorenzo-mato/crashkit/internal/logging"
	"github.com/hugo-lorenzo-mato/crashkit/internal/queue"
	"github.com/hugo-lorenzo-mato/crashkit/internal/report"
	"github.com/hugo-lorenzo-mato/crashkit/internal/sender"
	"github.com/hugo-lorenzo-mato/crashkit/internal/storage"
)

func newStore(t *testing.T, dir string) *queue.Store {
	t.Helper()
	if dir == "" {
		dir = filepath.Join(t.TempDir(), "queue")
	}
	return queue.New(storage.NewDirectory(dir), queue.Options{Logger: logging.NewNop().Logger})
}

func enqueue(t *testing.T, s *queue.Store, msg string) string {
	t.Helper()
	name, err := s.Write(report.Assemble(fault.Normalize(errors.New(msg))))
	require.NoError(t, err)
	return name
}

func queued(t *testing.T, s *queue.Store) int {
	t.Helper()
	n, err := s.Count()
	require.NoError(t, err)
	return n
}

type recorder struct {
	mu       sync.Mutex
	names    []string
	messages []string
	sent     chan string
}

func newRecorder() *recorder { return &recorder{sent: make(chan string, 16)} }

func (r *recorder) Send(_ context.Context, data io.ReadSeeker, name string, rep *report.Report) error {
	if _, err := io.ReadAll(data); err != nil {
		return err
	}
	r.mu.Lock()
	r.names = append(r.names, name)
	r.messages = append(r.messages, rep.GeneralInfo.ExceptionMessage)
	r.mu.Unlock()
	select {
	case r.sent <- name:
	default:
	}
	return nil
}

func (r *recorder) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...), append([]string(nil), r.messages...)
}

func quiet(opts Options) Options {
	opts.Logger = logging.NewNop().Logger
	return opts
}

func TestSendReports_FailingSenderStillDrains(t *testing.T) {
	t.Parallel()
	s := newStore(t, "")
	for _, m := range []string{"a", "b", "c"} {
		enqueue(t, s, m)
	}
	c := New(s, quiet(Options{Sender: sender.NoOp{}}))
	defer c.Close()

	pass, err := c.SendReports(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Pass{Failed: 3}, pass)
	assert.Equal(t, 0, queued(t, s))
}

func TestSendReports_OldestFirst(t *testing.T) {
	t.Parallel()
	s := newStore(t, "")
	first := enqueue(t, s, "first")
	second := enqueue(t, s, "second")
	rec := newRecorder()
	c := New(s, quiet(Options{Sender: rec}))
	defer c.Close()

	pass, err := c.SendReports(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pass.Sent)

	names, messages := rec.snapshot()
	assert.Equal(t, []string{first, second}, names)
	assert.Equal(t, []string{"first", "second"}, messages)
	assert.Equal(t, 0, queued(t, s))
}

func TestSendReports_PanickingSender(t *testing.T) {
	t.Parallel()
	s := newStore(t, "")
	enqueue(t, s, "boom")
	enqueue(t, s, "boom again")
	c := New(s, quiet(Options{Sender: sender.Func(func(context.Context, io.ReadSeeker, string, *report.Report) error {
		panic("sender bug")
	})}))
	defer c.Close()

	pass, err := c.SendReports(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pass.Failed)
	assert.Equal(t, 0, queued(t, s))
}

func TestSendReports_LockedEntryStopsPass(t *testing.T) {
	t.Parallel()
	s := newStore(t, "")
	enqueue(t, s, "held")
	enqueue(t, s, "behind")

	held, _, err := s.Backend().Oldest()
	require.NoError(t, err)
	require.NotNil(t, held)

	rec := newRecorder()
	c := New(s, quiet(Options{Sender: rec}))
	defer c.Close()

	pass, err := c.SendReports(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Pass{}, pass)
	assert.Equal(t, 2, queued(t, s))

	require.NoError(t, held.Close())
	pass, err = c.SendReports(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pass.Sent)
}

func TestSendReports_CorruptEntryIsDiscarded(t *testing.T) {
	t.Parallel()
	s := newStore(t, "")
	ws, _, err := s.Backend().Create(0)
	require.NoError(t, err)
	_, err = io.WriteString(ws, "this is not an archive")
	require.NoError(t, err)
	require.NoError(t, ws.Close())
	enqueue(t, s, "valid")

	rec := newRecorder()
	c := New(s, quiet(Options{Sender: rec}))
	defer c.Close()

	pass, err := c.SendReports(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Pass{Sent: 1, Discarded: 1}, pass)
	assert.Equal(t, 0, queued(t, s))
}

func TestSendReports_CanceledContext(t *testing.T) {
	t.Parallel()
	s := newStore(t, "")
	enqueue(t, s, "kept")
	c := New(s, quiet(Options{}))
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.SendReports(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, queued(t, s))
}

func waitSent(t *testing.T, rec *recorder) string {
	t.Helper()
	select {
	case name := <-rec.sent:
		return name
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not send")
		return ""
	}
}

func TestBackground_SignalWakesWorker(t *testing.T) {
	t.Parallel()
	s := newStore(t, "")
	rec := newRecorder()
	c := New(s, quiet(Options{Sender: rec, Background: true, SendDelay: 10 * time.Millisecond}))
	assert.True(t, c.Background())

	name := enqueue(t, s, "wake up")
	c.Signal()
	assert.Equal(t, name, waitSent(t, rec))

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool { return queued(t, s) == 0 }, time.Second, 10*time.Millisecond)
}

func TestBackground_SignalBeforeWaitIsKept(t *testing.T) {
	t.Parallel()
	s := newStore(t, "")
	enqueue(t, s, "early")
	rec := newRecorder()
	c := &Coordinator{store: s, sender: rec, logger: logging.NewNop().Logger}
	c.cond = sync.NewCond(&c.mu)

	c.Signal()
	assert.True(t, c.wait(), "a signal with no waiter parked must not be lost")
}

func TestBackground_WatchWakesWorker(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "shared")
	s := newStore(t, dir)
	rec := newRecorder()
	c := New(s, quiet(Options{Sender: rec, Background: true, Watch: true}))
	defer c.Close()

	// Another process writes into the same directory without signalling.
	other := newStore(t, dir)
	deadline := time.After(5 * time.Second)
	for {
		enqueue(t, other, "from elsewhere")
		select {
		case <-rec.sent:
			return
		case <-time.After(200 * time.Millisecond):
		case <-deadline:
			t.Fatal("watcher did not wake the worker")
		}
	}
}

func TestClose_JoinsAndIsIdempotent(t *testing.T) {
	t.Parallel()
	c := New(newStore(t, ""), quiet(Options{Background: true, Watch: true}))

	done := make(chan error, 1)
	go func() { done <- c.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.NoError(t, c.Close())
	c.Signal()
}

func TestClose_InterruptsSendDelay(t *testing.T) {
	t.Parallel()
	s := newStore(t, "")
	enqueue(t, s, "never sent")
	c := New(s, quiet(Options{Background: true, SendDelay: time.Hour}))
	c.Signal()

	start := time.Now()
	require.NoError(t, c.Close())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, queued(t, s))
}
