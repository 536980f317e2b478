package main

import (
	"context"
	"time"

	"github.com/sells-group/leadloader/internal/resilience"
	"github.com/sells-group/leadloader/internal/store"
)

func initStore(ctx context.Context) (*store.PostgresStore, error) {
	retry := resilience.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Retry.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Retry.MaxBackoffMS) * time.Millisecond,
	}
	return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	}, retry)
}
