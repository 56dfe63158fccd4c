package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/seshat/internal/registry"
)

// DefaultPollInterval is used when WatcherOpts.PollInterval is zero.
const DefaultPollInterval = 2 * time.Second

// Watcher polls the store for work written by other processes: new sessions
// to announce, visitor messages to deliver and sessions that waited too long.
type Watcher struct {
	registry     *registry.Registry
	router       *Router
	broadcaster  *Broadcaster
	pollInterval time.Duration
	timeout      time.Duration
	now          func() time.Time
}

// WatcherOpts holds parameters for creating a Watcher.
type WatcherOpts struct {
	Registry       *registry.Registry
	Router         *Router
	Broadcaster    *Broadcaster
	PollInterval   time.Duration    // defaults to DefaultPollInterval
	SessionTimeout time.Duration    // zero disables expiry
	Now            func() time.Time // defaults to time.Now
}

// PollResult counts what a single poll did.
type PollResult struct {
	Announced int
	Delivered int
	Expired   int
}

// NewWatcher creates a Watcher.
func NewWatcher(opts WatcherOpts) (*Watcher, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("broker: watcher: registry is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("broker: watcher: router is required")
	}
	if opts.Broadcaster == nil {
		return nil, fmt.Errorf("broker: watcher: broadcaster is required")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Watcher{
		registry:     opts.Registry,
		router:       opts.Router,
		broadcaster:  opts.Broadcaster,
		pollInterval: interval,
		timeout:      opts.SessionTimeout,
		now:          now,
	}, nil
}

// Run polls on every tick until ctx is cancelled. Poll errors are logged and
// the loop carries on.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Poll(ctx); err != nil {
				log.Printf("broker: watcher poll: %v", err)
			}
		}
	}
}

// Poll runs one pass. Each step is independent; the first error is returned
// after all steps have run.
func (w *Watcher) Poll(ctx context.Context) (PollResult, error) {
	var res PollResult
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	fresh, err := w.registry.ClaimUnannounced(ctx)
	keep(err)
	for _, s := range fresh {
		w.broadcaster.Announce(ctx, s)
		res.Announced++
	}

	n, err := w.router.Deliver(ctx, 0)
	keep(err)
	res.Delivered = n

	if w.timeout > 0 {
		expired, err := w.registry.ExpireWaiting(ctx, w.now().Add(-w.timeout))
		keep(err)
		for _, s := range expired {
			log.Printf("broker: chat #%d expired after waiting %s", s.ChatID, w.timeout)
			w.router.NotifyVisitor(ctx, s.ChatID, NoticeExpired)
		}
		res.Expired = len(expired)
	}
	return res, firstErr
}
