package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/codex-k8s/afk-gate/internal/channel"
	"github.com/codex-k8s/afk-gate/internal/timeutil"
)

// ErrNotLeader is returned when another process holds the poll lock.
var ErrNotLeader = errors.New("poll lock held by another process")

const (
	// DefaultGracePeriod is how long a finished leader keeps draining.
	DefaultGracePeriod = 5 * time.Second
	// DefaultPollInterval is the pause between drains.
	DefaultPollInterval = time.Second
	// DefaultChannelName keys the stored update offset.
	DefaultChannelName = "telegram"
)

// Dispatcher handles one channel event and returns its acknowledgement text.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev channel.Event) (string, error)
}

// OffsetStore persists the next update offset per channel.
type OffsetStore interface {
	GetOffset(ctx context.Context, channel string) (int64, bool, error)
	SetOffset(ctx context.Context, channel string, offset int64) error
}

// Coordinator elects one process to consume the channel update stream and
// feeds every update to the Dispatcher in receipt order.
type Coordinator struct {
	// LockPath is the flock file shared by every process.
	LockPath string
	// Channel is the update source.
	Channel channel.Channel
	// Offsets persists the consumed position.
	Offsets OffsetStore
	// Dispatcher resolves requests from events.
	Dispatcher Dispatcher
	// ChannelName keys the offset row.
	ChannelName string
	// GracePeriod bounds draining after the caller's own request resolved.
	GracePeriod time.Duration
	// PollInterval is the pause between drains.
	PollInterval time.Duration
	// SkipBacklog discards updates queued before any offset was stored.
	SkipBacklog bool
	// Clock drives waits; nil uses the system clock.
	Clock timeutil.Clock
	// Logger receives diagnostics; nil discards them.
	Logger *slog.Logger

	mu      sync.Mutex
	lock    *fileLock
	waiters int
	// drainMu serializes fetch, dispatch and offset commit across goroutines.
	drainMu sync.Mutex
}

// Attach registers a waiter that will call Finish. While any waiter is
// attached, Finish neither runs the grace drain nor releases the lock.
func (c *Coordinator) Attach() {
	c.mu.Lock()
	c.waiters++
	c.mu.Unlock()
}

// detach drops one waiter and reports whether others remain.
func (c *Coordinator) detach() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiters > 0 {
		c.waiters--
	}
	return c.waiters > 0
}

func (c *Coordinator) attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters > 0
}

// TryBecomeLeader attempts the poll lock without blocking. It reports true
// when this coordinator holds the lock after the call.
func (c *Coordinator) TryBecomeLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lock != nil {
		return true
	}
	lock, err := tryLock(c.LockPath)
	if err != nil {
		if !errors.Is(err, ErrNotLeader) {
			c.logWarn("poll lock unavailable", "path", c.LockPath, "error", err)
		}
		return false
	}
	c.lock = lock
	c.logDebug("became poll leader", "path", c.LockPath)
	return true
}

// Leading reports whether this coordinator holds the poll lock.
func (c *Coordinator) Leading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lock != nil
}

// Release drops the poll lock if held.
func (c *Coordinator) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lock == nil {
		return nil
	}
	err := c.lock.unlock()
	c.lock = nil
	c.logDebug("released poll lock", "path", c.LockPath)
	return err
}

// DrainOnce reads every available update from the stored offset, dispatches
// and acknowledges each, and persists the offset after each one. It returns
// the number of dispatched updates. Concurrent calls run one at a time, so an
// update is dispatched once per process.
func (c *Coordinator) DrainOnce(ctx context.Context) (int, error) {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	if !c.Leading() {
		return 0, ErrNotLeader
	}
	name := c.channelName()
	offset, ok, err := c.Offsets.GetOffset(ctx, name)
	if err != nil {
		return 0, err
	}
	if !ok && c.SkipBacklog {
		return 0, c.skipBacklog(ctx, name)
	}

	events, err := c.Channel.Updates(ctx, offset)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, ev := range events {
		if ev.UpdateID < offset {
			continue
		}
		ack, err := c.Dispatcher.Dispatch(ctx, ev)
		if err != nil {
			c.logWarn("dispatch failed", "update_id", ev.UpdateID, "action", ev.Action, "target", ev.TargetID, "error", err)
		}
		if ev.IsCallback() {
			if err := c.Channel.Ack(ctx, ev, ack); err != nil {
				c.logWarn("ack failed", "update_id", ev.UpdateID, "error", err)
			}
		}
		offset = ev.UpdateID + 1
		if err := c.Offsets.SetOffset(ctx, name, offset); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (c *Coordinator) skipBacklog(ctx context.Context, name string) error {
	events, err := c.Channel.Updates(ctx, 0)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	next := events[len(events)-1].UpdateID + 1
	c.logDebug("skipping stale updates", "count", len(events), "offset", next)
	return c.Offsets.SetOffset(ctx, name, next)
}

// Finish detaches one waiter. The last one keeps draining for the grace
// period so decisions for other waiting processes are not stranded, then
// releases the lock. A non-leader, or a waiter with attached siblings,
// returns immediately.
func (c *Coordinator) Finish(ctx context.Context) error {
	if c.detach() || !c.Leading() {
		return nil
	}

	clock := c.clock()
	deadline := clock.Now().Add(c.gracePeriod())
	for {
		if c.attached() {
			// A new waiter took over draining; it releases when done.
			return nil
		}
		if _, err := c.DrainOnce(ctx); err != nil {
			c.logWarn("grace drain failed", "error", err)
		}
		if !clock.Now().Before(deadline) {
			c.releaseIdle()
			return nil
		}
		if err := clock.Sleep(ctx, c.pollInterval()); err != nil {
			c.releaseIdle()
			return err
		}
	}
}

// releaseIdle drops the lock unless a waiter attached in the meantime.
func (c *Coordinator) releaseIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiters > 0 || c.lock == nil {
		return
	}
	if err := c.lock.unlock(); err != nil {
		c.logWarn("release poll lock failed", "error", err)
	}
	c.lock = nil
	c.logDebug("released poll lock", "path", c.LockPath)
}

// Run is a standalone leader loop: it contends for the lock and drains until
// ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	defer func() {
		if err := c.Release(); err != nil {
			c.logWarn("release poll lock failed", "error", err)
		}
	}()
	clock := c.clock()
	for {
		if c.TryBecomeLeader() {
			if _, err := c.DrainOnce(ctx); err != nil && ctx.Err() == nil {
				c.logWarn("drain failed", "error", err)
			}
		}
		if err := clock.Sleep(ctx, c.pollInterval()); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

func (c *Coordinator) channelName() string {
	if c.ChannelName == "" {
		return DefaultChannelName
	}
	return c.ChannelName
}

func (c *Coordinator) gracePeriod() time.Duration {
	if c.GracePeriod < 0 {
		return 0
	}
	if c.GracePeriod == 0 {
		return DefaultGracePeriod
	}
	return c.GracePeriod
}

func (c *Coordinator) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return c.PollInterval
}

func (c *Coordinator) clock() timeutil.Clock {
	if c.Clock == nil {
		return timeutil.SystemClock{}
	}
	return c.Clock
}

func (c *Coordinator) logWarn(msg string, args ...any) {
	if c.Logger != nil {
		c.Logger.Warn(msg, args...)
	}
}

func (c *Coordinator) logDebug(msg string, args ...any) {
	if c.Logger != nil {
		c.Logger.Debug(msg, args...)
	}
}
