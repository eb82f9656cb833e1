package infra

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"scriptcustody/db"
)

// ApplyMigrations runs the embedded schema migrations against dsn and returns
// the DSN the run should use. When isolate is true a per-run schema is created
// and selected through search_path; the returned teardown drops it.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool, logger *zap.Logger) (string, func(context.Context) error, error) {
	teardown := func(context.Context) error { return nil }
	runDSN, err := withParam(dsn, "application_name", ApplicationName)
	if err != nil {
		return "", nil, err
	}

	if isolate {
		schema := fmt.Sprintf("stress_run_%d", time.Now().UnixNano())
		ident := pgx.Identifier{schema}.Sanitize()

		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return "", nil, fmt.Errorf("connect for schema: %w", err)
		}
		_, err = conn.Exec(ctx, "CREATE SCHEMA "+ident)
		conn.Close(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("create schema %s: %w", schema, err)
		}

		if runDSN, err = withParam(runDSN, "search_path", schema); err != nil {
			return "", nil, err
		}
		teardown = func(ctx context.Context) error {
			dropConn, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return err
			}
			defer dropConn.Close(ctx)
			_, err = dropConn.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
			return err
		}
	}

	if err := db.Migrate(runDSN, logger); err != nil {
		_ = teardown(ctx)
		return "", nil, fmt.Errorf("apply migrations: %w", err)
	}
	return runDSN, teardown, nil
}

func withParam(dsn, key, value string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
