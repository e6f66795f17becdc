package live

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Reference intervals. The reconnect delay is fixed, with no exponential
// growth or jitter, and the poll runs regardless of push health so staleness
// is bounded by one fine-poll interval even under total push failure.
const (
	ReconnectDelay       = 5 * time.Second
	HealthyPollInterval  = 60 * time.Second
	DegradedPollInterval = 10 * time.Second
)

// Client maintains one push subscription plus the reconciling poll. Dial
// opens a push stream; Reconcile re-fetches feed/unread state; OnEvent sees
// every pushed event as a hint; Reconcile remains the source of truth.
type Client struct {
	Dial      func(ctx context.Context) (<-chan Event, error)
	Reconcile func(ctx context.Context) error
	OnEvent   func(Event)
	Logger    zerolog.Logger

	// Overridable in tests; zero values take the reference constants.
	ReconnectDelay time.Duration
	PollHealthy    time.Duration
	PollDegraded   time.Duration

	healthy  atomic.Bool
	inFlight atomic.Bool
}

// Healthy reports whether the push stream is currently connected.
func (c *Client) Healthy() bool {
	return c.healthy.Load()
}

// Run drives the push loop and the poll loop until ctx is cancelled. Both
// timers stop with the context; nothing leaks.
func (c *Client) Run(ctx context.Context) {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = ReconnectDelay
	}
	if c.PollHealthy == 0 {
		c.PollHealthy = HealthyPollInterval
	}
	if c.PollDegraded == 0 {
		c.PollDegraded = DegradedPollInterval
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pushLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.pollLoop(ctx)
	}()
	wg.Wait()
}

func (c *Client) pushLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		events, err := c.Dial(ctx)
		if err != nil {
			c.healthy.Store(false)
			c.Logger.Warn().Err(err).Msg("push connect failed")
			if !sleep(ctx, c.ReconnectDelay) {
				return
			}
			continue
		}

		c.healthy.Store(true)
		// One reconciling fetch per reconnect patches anything missed
		// while disconnected.
		c.runReconcile(ctx)

		c.drain(ctx, events)

		c.healthy.Store(false)
		if !sleep(ctx, c.ReconnectDelay) {
			return
		}
	}
}

func (c *Client) drain(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if c.OnEvent != nil {
				c.OnEvent(e)
			}
		}
	}
}

func (c *Client) pollLoop(ctx context.Context) {
	for {
		interval := c.PollDegraded
		if c.healthy.Load() {
			interval = c.PollHealthy
		}
		if !sleep(ctx, interval) {
			return
		}
		c.runReconcile(ctx)
	}
}

// runReconcile skips the tick if a previous reconcile is still in flight,
// so slow fetches never queue up.
func (c *Client) runReconcile(ctx context.Context) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer c.inFlight.Store(false)
	if err := c.Reconcile(ctx); err != nil && ctx.Err() == nil {
		c.Logger.Warn().Err(err).Msg("reconcile failed")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
