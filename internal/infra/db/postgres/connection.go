package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"generation-reconciler/internal/config"
	"generation-reconciler/internal/infra/metrics"
)

// Connect returns a live *pgxpool.Pool for cfg.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.ConnectConfig(cctx, pc)
	if err != nil {
		return nil, fmt.Errorf("pgxpool connect: %w", err)
	}
	return pool, nil
}

// PoolStats publishes job store pool occupancy. It is run as a scheduler task.
type PoolStats struct {
	pool *pgxpool.Pool
}

func NewPoolStats(pool *pgxpool.Pool) *PoolStats { return &PoolStats{pool: pool} }

func (p *PoolStats) Name() string { return "job_store_pool_stats" }

func (p *PoolStats) RunOnce(context.Context) (int, error) {
	s := p.pool.Stat()
	metrics.ObserveJobStorePool(metrics.JobStorePool{
		Max:          s.MaxConns(),
		Idle:         s.IdleConns(),
		Acquired:     s.AcquiredConns(),
		Constructing: s.ConstructingConns(),
	})
	return 0, nil
}
