// Package dispatch drains the report queue through a sender, either inline
// or from a background worker woken after each write.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/crashkit/internal/core"
	"github.com/hugo-lorenzo-mato/crashkit/internal/logging"
	"github.com/hugo-lorenzo-mato/crashkit/internal/queue"
	"github.com/hugo-lorenzo-mato/crashkit/internal/sender"
	"github.com/hugo-lorenzo-mato/crashkit/internal/storage"
)

// Options configures a Coordinator.
type Options struct {
	Sender sender.Sender

	// Background starts a worker that drains after every Signal.
	Background bool
	// SendDelay is slept on each wake before draining.
	SendDelay time.Duration
	// Watch also wakes the worker when another process queues a report, if
	// the backend supports it.
	Watch bool

	Logger *slog.Logger
}

// Pass summarizes one drain.
type Pass struct {
	Sent      int
	Failed    int
	Discarded int
}

// Coordinator owns the drain lock and the background worker.
type Coordinator struct {
	store  *queue.Store
	sender sender.Sender
	opts   Options
	logger *slog.Logger

	sendMu sync.Mutex

	mu       sync.Mutex
	cond     *sync.Cond
	pending  bool
	canceled bool

	cancel context.CancelFunc
	group  errgroup.Group
	closed bool
}

// New returns a Coordinator. With Options.Background the worker starts
// immediately; call Close to stop it.
func New(store *queue.Store, opts Options) *Coordinator {
	c := &Coordinator{
		store:  store,
		sender: opts.Sender,
		opts:   opts,
		logger: logging.Or(opts.Logger),
	}
	if c.sender == nil {
		c.sender = sender.NoOp{}
	}
	c.cond = sync.NewCond(&c.mu)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if opts.Background {
		c.group.Go(func() error { return c.work(ctx) })
		if w, ok := store.Backend().(storage.Watcher); ok && opts.Watch {
			c.group.Go(func() error { return c.watch(ctx, w) })
		}
	}
	return c
}

// Background reports whether a worker drains the queue.
func (c *Coordinator) Background() bool { return c.opts.Background }

// Signal wakes the worker. A signal sent while the worker is busy is kept
// and starts another pass when the current one ends.
func (c *Coordinator) Signal() {
	c.mu.Lock()
	c.pending = true
	c.mu.Unlock()
	c.cond.Signal()
}

// SendReports drains the queue once. Only one drain runs at a time per
// Coordinator. It stops when the queue is empty, the oldest entry is held
// by another process, or ctx is done. Every entry handed to the sender is
// removed afterwards, whether or not the send succeeded.
func (c *Coordinator) SendReports(ctx context.Context) (Pass, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var pass Pass
	for {
		if err := ctx.Err(); err != nil {
			return pass, err
		}
		n, err := c.store.Count()
		if err != nil {
			return pass, err
		}
		if n == 0 {
			return pass, nil
		}

		el, err := c.store.First()
		if err != nil {
			if core.IsCategory(err, core.ErrCatArchive) {
				pass.Discarded++
				continue
			}
			return pass, err
		}
		if el == nil {
			c.logger.Debug("oldest report is unavailable, stopping drain", slog.Int("queued", n))
			return pass, nil
		}

		if err := c.sendOne(ctx, el); err != nil {
			pass.Failed++
			c.logger.Warn("report was not sent",
				slog.String("report", el.Name),
				slog.String("error", err.Error()))
		} else {
			pass.Sent++
			c.logger.Info("report sent", slog.String("report", el.Name))
		}
		if err := el.Remove(); err != nil {
			c.logger.Error("removing sent report", slog.String("report", el.Name), slog.String("error", err.Error()))
			return pass, err
		}
	}
}

func (c *Coordinator) sendOne(ctx context.Context, el *queue.Element) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = core.ErrTransport(core.CodeSenderPanicked, fmt.Sprintf("sender panicked: %v", v)).
				WithDetail("stack", string(debug.Stack()))
		}
	}()
	stream, err := el.Stream()
	if err != nil {
		return err
	}
	return c.sender.Send(ctx, stream, el.Name, el.Report)
}

func (c *Coordinator) wait() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.pending && !c.canceled {
		c.cond.Wait()
	}
	if c.canceled {
		return false
	}
	c.pending = false
	return true
}

func (c *Coordinator) work(ctx context.Context) error {
	logger := c.logger.With(slog.String("component", "dispatch"))
	logger.Debug("send worker started")
	defer logger.Debug("send worker stopped")

	// A pass already running when Close is called finishes its items.
	passCtx := context.WithoutCancel(ctx)
	for c.wait() {
		if c.opts.SendDelay > 0 {
			select {
			case <-time.After(c.opts.SendDelay):
			case <-ctx.Done():
				return nil
			}
		}
		pass, err := c.SendReports(passCtx)
		if err != nil {
			logger.Error("drain failed", slog.String("error", err.Error()))
		}
		logger.Debug("drain finished",
			slog.Int("sent", pass.Sent),
			slog.Int("failed", pass.Failed),
			slog.Int("discarded", pass.Discarded))
	}
	return nil
}

func (c *Coordinator) watch(ctx context.Context, w storage.Watcher) error {
	err := w.Watch(ctx, func(name string) {
		c.logger.Debug("new report detected", slog.String("report", name))
		c.Signal()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("storage watcher stopped", slog.String("error", err.Error()))
	}
	return nil
}

// Close stops the worker and waits for it to return. An in-flight drain
// completes first. Close is safe to call more than once.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.canceled = true
	c.mu.Unlock()

	c.cancel()
	c.cond.Broadcast()
	return c.group.Wait()
}
