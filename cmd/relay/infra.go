package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	cfnats "github.com/Strob0t/relay/internal/adapter/nats"
	"github.com/Strob0t/relay/internal/adapter/natskv"
	"github.com/Strob0t/relay/internal/adapter/postgres"
	"github.com/Strob0t/relay/internal/adapter/sqlitekv"
	"github.com/Strob0t/relay/internal/config"
	"github.com/Strob0t/relay/internal/port/eventstore"
	"github.com/Strob0t/relay/internal/port/kvstore"
)

// infra holds the connections the services run on. queue, pool and events
// are nil when the configuration does not need them.
type infra struct {
	kv     kvstore.Store
	sqlite *sqlitekv.Store
	queue  *cfnats.Queue
	pool   *pgxpool.Pool
	events eventstore.Store
}

func openInfra(ctx context.Context, cfg *config.Config) (_ *infra, err error) {
	in := &infra{}
	defer func() {
		if err != nil {
			in.Close()
		}
	}()

	// NATS
	if cfg.Store.Backend == "nats" || cfg.Archive.Backend == "nats" || cfg.NATS.Nudges {
		in.queue, err = cfnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		slog.Info("nats connected", "url", cfg.NATS.URL)
	}

	// Key-value store
	switch cfg.Store.Backend {
	case "nats":
		bucket, err := in.queue.KeyValue(ctx, cfg.Store.Bucket, 0)
		if err != nil {
			return nil, fmt.Errorf("nats kv: %w", err)
		}
		in.kv = natskv.New(bucket)
	case "sqlite":
		in.sqlite, err = sqlitekv.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		in.kv = in.sqlite
	}
	slog.Info("store ready", "backend", cfg.Store.Backend)

	// Event archive
	switch cfg.Archive.Backend {
	case "postgres":
		in.pool, err = postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		slog.Info("postgres connected")
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")
		in.events = postgres.NewEventStore(in.pool)
	case "nats":
		in.events, err = cfnats.NewArchiveStore(ctx, in.queue.JetStream(), cfg.Archive.Stream, 0)
		if err != nil {
			return nil, fmt.Errorf("nats archive: %w", err)
		}
	}
	slog.Info("archive ready", "backend", cfg.Archive.Backend)

	return in, nil
}

// ping reports the first unhealthy dependency.
func (in *infra) ping(ctx context.Context) error {
	if in.queue != nil && !in.queue.IsConnected() {
		return errors.New("nats disconnected")
	}
	if in.sqlite != nil {
		if err := in.sqlite.Ping(ctx); err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
	}
	if in.pool != nil {
		if err := in.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

func (in *infra) Close() {
	if in.pool != nil {
		in.pool.Close()
	}
	if in.sqlite != nil {
		if err := in.sqlite.Close(); err != nil {
			slog.Warn("sqlite close", "error", err)
		}
	}
	if in.queue != nil {
		if err := in.queue.Drain(); err != nil {
			slog.Warn("nats drain", "error", err)
		}
	}
}
