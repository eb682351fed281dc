// Package store implements the Conversation Store: durable persistence for
// Organizations, Patients, Schedules, Conversations/Messages, Alerts, and
// the billing aggregates (Invoices/LineItems), backed by Postgres via
// pgx/v5. Schema lives under migrations/ and is applied through
// golang-migrate rather than the ad hoc idempotent-ALTER runner the
// teacher used, since golang-migrate is already a direct dependency.
package store

import (
	"context"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store wraps a pgx connection pool the way the teacher's database.DB
// wraps pgxpool.Pool, swapping zerolog for the engine's zap logger.
type Store struct {
	Pool *pgxpool.Pool
	log  *zap.Logger
}

// Connect opens the pool, pings it, and runs pending migrations.
func Connect(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	cfg.MinConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("database connected",
		zap.String("url", maskDSN(dsn)),
		zap.Int32("max_conns", cfg.MaxConns),
		zap.Int32("min_conns", cfg.MinConns),
	)

	s := &Store{Pool: pool, log: log}

	if err := s.migrate(dsn); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

func (s *Store) Close() {
	s.log.Info("closing database pool")
	s.Pool.Close()
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
