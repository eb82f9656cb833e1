package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ApplicationName tags every connection the stress run opens so chaos only
// terminates our own backends.
const ApplicationName = "custody-stress"

// ErrNoDatabase is returned when neither a DSN, Docker nor a local Postgres
// is available.
var ErrNoDatabase = fmt.Errorf("infra: no postgres available")

// Harness owns the database, migrated schema and pgx pool for one run.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness picks a database in order: overrideDSN, STRESS_TEST_PG_DSN, a
// Docker container, then a local Postgres. Shared databases get an isolated
// schema.
func NewHarness(ctx context.Context, overrideDSN string, logger *zap.Logger) (*Harness, error) {
	h := &Harness{}

	var (
		dsn    string
		shared bool
		err    error
	)
	switch {
	case overrideDSN != "":
		dsn, shared = overrideDSN, true
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn, shared = os.Getenv("STRESS_TEST_PG_DSN"), true
	case dockerAvailable(ctx):
		h.container, dsn, err = StartPostgres16(ctx)
		if err != nil {
			return nil, fmt.Errorf("start postgres: %w", err)
		}
	default:
		dsn, err = InitLocalDatabase(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoDatabase, err)
		}
	}

	runDSN, teardown, err := ApplyMigrations(ctx, dsn, shared, logger)
	if err != nil {
		h.Close(ctx)
		return nil, err
	}
	h.dsn, h.teardown = runDSN, teardown

	cfg, err := pgxpool.ParseConfig(runDSN)
	if err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	cfg.MaxConns = 64
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.MaxConnLifetime = 5 * time.Minute

	h.pool, err = pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return h, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the migrated connection string for direct connections.
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources. Teardown failures are returned but do not stop
// the remaining cleanup.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	if terr := h.container.Terminate(ctx); terr != nil && err == nil {
		err = terr
	}
	return err
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
