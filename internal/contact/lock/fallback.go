package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"linkage/pkg/platform/circuit"
	"linkage/pkg/platform/sentinel"
)

const defaultProbeInterval = 5 * time.Second

// Primary is a shared locker that can report its own health.
type Primary interface {
	Locker
	Ping(ctx context.Context) error
}

// FallbackObserver receives breaker transitions and fallback acquisitions.
type FallbackObserver interface {
	IncrementLockFallback()
	SetLockDegraded(degraded bool)
}

// Fallback prefers a shared locker and drops to a local one while the
// shared backend fails. While the breaker is open the primary is probed at
// most once per probe interval; everything else goes to the fallback.
type Fallback struct {
	primary       Primary
	fallback      Locker
	breaker       *circuit.Breaker
	logger        *slog.Logger
	observer      FallbackObserver
	probeInterval time.Duration

	mu        sync.Mutex
	lastProbe time.Time
	now       func() time.Time
}

type FallbackOption func(*Fallback)

func WithFallbackLogger(logger *slog.Logger) FallbackOption {
	return func(f *Fallback) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func WithFallbackObserver(o FallbackObserver) FallbackOption {
	return func(f *Fallback) {
		f.observer = o
	}
}

func WithBreaker(b *circuit.Breaker) FallbackOption {
	return func(f *Fallback) {
		if b != nil {
			f.breaker = b
		}
	}
}

func WithProbeInterval(d time.Duration) FallbackOption {
	return func(f *Fallback) {
		if d > 0 {
			f.probeInterval = d
		}
	}
}

func NewFallback(primary Primary, fallback Locker, opts ...FallbackOption) *Fallback {
	f := &Fallback{
		primary:       primary,
		fallback:      fallback,
		breaker:       circuit.New("lock"),
		logger:        slog.Default(),
		probeInterval: defaultProbeInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Acquire never surfaces primary unavailability; lock timeouts pass through.
func (f *Fallback) Acquire(ctx context.Context, keys []string) (func(), error) {
	if f.breaker.IsOpen() && !f.probe(ctx) {
		return f.acquireFallback(ctx, keys)
	}

	release, err := f.primary.Acquire(ctx, keys)
	if err == nil {
		_, change := f.breaker.RecordSuccess()
		f.report(change)
		return release, nil
	}
	if !errors.Is(err, sentinel.ErrUnavailable) {
		return nil, err
	}

	_, change := f.breaker.RecordFailure()
	f.report(change)
	f.logger.WarnContext(ctx, "shared lock unavailable, using local lock",
		"breaker", f.breaker.Name(),
		"state", f.breaker.State().String(),
		"error", err,
	)
	return f.acquireFallback(ctx, keys)
}

// probe pings the primary when the probe interval has elapsed and reports
// whether this call should try the primary again.
func (f *Fallback) probe(ctx context.Context) bool {
	f.mu.Lock()
	now := f.now()
	if now.Sub(f.lastProbe) < f.probeInterval {
		f.mu.Unlock()
		return false
	}
	f.lastProbe = now
	f.mu.Unlock()

	if err := f.primary.Ping(ctx); err != nil {
		_, change := f.breaker.RecordFailure()
		f.report(change)
		return false
	}
	return true
}

func (f *Fallback) acquireFallback(ctx context.Context, keys []string) (func(), error) {
	if f.observer != nil {
		f.observer.IncrementLockFallback()
	}
	return f.fallback.Acquire(ctx, keys)
}

func (f *Fallback) report(change circuit.StateChange) {
	switch {
	case change.Opened:
		f.mu.Lock()
		f.lastProbe = f.now()
		f.mu.Unlock()
		f.logger.Error("lock circuit opened, serving locks locally", "breaker", f.breaker.Name())
		if f.observer != nil {
			f.observer.SetLockDegraded(true)
		}
	case change.Closed:
		f.logger.Info("lock circuit closed, shared locks restored", "breaker", f.breaker.Name())
		if f.observer != nil {
			f.observer.SetLockDegraded(false)
		}
	}
}
