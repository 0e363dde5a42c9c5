package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"linkage/internal/contact/lock"
	"linkage/internal/contact/metrics"
	"linkage/internal/contact/models"
	dErrors "linkage/pkg/domain-errors"
	"linkage/pkg/platform/sentinel"
)

// Store is the contact repository the resolver reads and writes.
type Store interface {
	Query(ctx context.Context, filter models.Filter) ([]*models.Contact, error)
	Create(ctx context.Context, contact *models.Contact) (*models.Contact, error)
	Update(ctx context.Context, id int64, update models.ContactUpdate) (*models.Contact, error)
}

// StoreTx provides the transactional boundary around all writes of one
// identify call. Stores join the transaction through the ctx passed to fn.
type StoreTx interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Locker guards the read-decide-write sequence per identity key.
type Locker interface {
	Acquire(ctx context.Context, keys []string) (release func(), err error)
}

// Service reconciles contact submissions into identity clusters.
type Service struct {
	store       Store
	tx          StoreTx
	locker      Locker
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	lockTimeout time.Duration
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithStoreTx overrides the transaction runner. By default the store's own
// RunInTx is used when it has one.
func WithStoreTx(tx StoreTx) Option {
	return func(s *Service) {
		s.tx = tx
	}
}

// WithLocker overrides the default in-process locker.
func WithLocker(l Locker) Option {
	return func(s *Service) {
		s.locker = l
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithLockTimeout bounds how long Identify waits for identity-key locks.
// Zero leaves the wait bounded only by ctx.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.lockTimeout = d
	}
}

// New constructs a Service.
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
		tracer: otel.Tracer("linkage/contact/service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tx == nil {
		if tx, ok := store.(StoreTx); ok {
			s.tx = tx
		} else {
			s.tx = directTx{}
		}
	}
	if s.locker == nil {
		s.locker = lock.NewLocal()
	}
	return s
}

// directTx runs fn without a transaction, for stores that have none.
type directTx struct{}

func (directTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *Service) acquire(ctx context.Context, keys []string) (func(), error) {
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	release, err := s.locker.Acquire(ctx, keys)
	switch {
	case err == nil:
		return release, nil
	case errors.Is(err, sentinel.ErrLockTimeout):
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "timed out waiting for contact lock")
	case errors.Is(err, sentinel.ErrUnavailable):
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "contact lock unavailable")
	default:
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to acquire contact lock")
	}
}

// storeError keeps coded errors and timeouts, and hides everything else
// behind an internal error.
func storeError(err error, msg string) error {
	if _, ok := dErrors.As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return dErrors.Wrap(err, dErrors.CodeTimeout, msg)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}
