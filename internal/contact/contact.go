// Package contact wires the identity reconciliation module: store, locks
// and resolver, selected by the configured backends.
package contact

import (
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"linkage/internal/contact/lock"
	"linkage/internal/contact/metrics"
	"linkage/internal/contact/service"
	"linkage/internal/contact/store"
	"linkage/internal/platform/database"
)

// Deps are the shared resources the module is built on. DB and Redis are
// optional.
type Deps struct {
	DB          *database.DB
	Redis       redis.UniversalClient
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	LockTTL     time.Duration
	LockTimeout time.Duration
	TxTimeout   time.Duration
}

// NewService builds the resolver over the store matching deps.DB: in-memory
// when nil, otherwise PostgreSQL or SQLite inside SQL transactions.
func NewService(deps Deps) *service.Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := []service.Option{
		service.WithLogger(logger),
		service.WithLocker(newLocker(deps, logger)),
		service.WithLockTimeout(deps.LockTimeout),
	}
	if deps.Metrics != nil {
		opts = append(opts, service.WithMetrics(deps.Metrics))
	}

	if deps.DB == nil {
		return service.New(store.NewInMemory(), opts...)
	}
	var st service.Store
	switch deps.DB.Driver {
	case database.DriverSQLite:
		st = store.NewSQLite(deps.DB.DB)
	default:
		st = store.NewPostgres(deps.DB.DB)
	}
	opts = append(opts, service.WithStoreTx(database.NewTxRunner(deps.DB.DB, deps.TxTimeout)))
	return service.New(st, opts...)
}

func newLocker(deps Deps, logger *slog.Logger) service.Locker {
	local := lock.NewLocal()
	if deps.Redis == nil {
		return local
	}
	fallbackOpts := []lock.FallbackOption{lock.WithFallbackLogger(logger)}
	if deps.Metrics != nil {
		fallbackOpts = append(fallbackOpts, lock.WithFallbackObserver(deps.Metrics))
	}
	return lock.NewFallback(lock.NewRedis(deps.Redis, deps.LockTTL), local, fallbackOpts...)
}
