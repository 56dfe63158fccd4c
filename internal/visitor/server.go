// Package visitor serves the HTTP API a website uses to open chats with
// operators and exchange messages on behalf of its visitors.
package visitor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/seshat/internal/models"
	"golang.org/x/time/rate"
)

// Service is the broker side of the API.
type Service interface {
	OpenChat(ctx context.Context, label, startMessage string) (*models.Session, error)
	VisitorSend(ctx context.Context, chatID uint, text string) error
	NextForVisitor(ctx context.Context, chatID uint) (*models.Message, error)
	Session(ctx context.Context, chatID uint) (*models.Session, error)
	Available(ctx context.Context) bool
}

// StartOpts holds configuration for the visitor API server.
type StartOpts struct {
	Service    Service
	Listen     string  // host:port
	RatePerSec float64 // requests per second per chat token or client IP
	Burst      int
	Out        io.Writer
}

// Start launches the visitor API server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Service == nil {
		return fmt.Errorf("visitor: service is required")
	}
	if opts.Listen == "" {
		return fmt.Errorf("visitor: listen address is required")
	}

	gin.SetMode(gin.ReleaseMode)
	limiter := NewLimiter(opts.RatePerSec, opts.Burst)
	go limiter.Run(ctx)
	srv := &http.Server{
		Addr:    opts.Listen,
		Handler: NewRouter(opts.Service, limiter),
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Visitor API listening on %s\n", opts.Listen)
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("visitor: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine serving the API.
func NewRouter(svc Service, limiter *Limiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, svc, limiter)
	return router
}

// Limiter hands out a token bucket per key. A nil *Limiter allows
// everything. Buckets idle for longer than the refill time are dropped by
// Sweep, which Run calls periodically.
type Limiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// minBucketIdle is the shortest time a bucket is kept after its last use.
const minBucketIdle = 10 * time.Minute

// limiterSweepEvery is how often Run evicts idle buckets.
var limiterSweepEvery = time.Minute

// NewLimiter creates a Limiter. A non-positive rate disables limiting.
func NewLimiter(perSec float64, burst int) *Limiter {
	if perSec <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	// A bucket unused for burst/perSec is full again, so forgetting it
	// changes nothing for the client.
	idle := time.Duration(float64(burst) / perSec * float64(time.Second))
	if idle < minBucketIdle {
		idle = minBucketIdle
	}
	return &Limiter{
		limit:   rate.Limit(perSec),
		burst:   burst,
		idle:    idle,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether key may make another request now.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = l.now()
	l.mu.Unlock()
	return b.lim.Allow()
}

// Sweep drops buckets not used within the idle window and returns how many
// were removed.
func (l *Limiter) Sweep() int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Run sweeps idle buckets until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	if l == nil {
		return
	}
	ticker := time.NewTicker(limiterSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
