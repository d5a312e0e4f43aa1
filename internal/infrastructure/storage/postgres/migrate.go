package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"stockledger/pkg/logger"
)

// Migration files use goose annotations so they also run under the goose CLI.
//
//go:embed migrations/*.sql
var migrationFS embed.FS

// Migration is one embedded schema step.
type Migration struct {
	Version int
	Name    string
	Up      string
}

// LoadMigrations returns the embedded migrations ordered by version.
func LoadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	out := make([]Migration, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", e.Name())
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version: %w", e.Name(), err)
		}
		body, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: e.Name(), Up: upSection(string(body))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// upSection returns the statements between "+goose Up" and "+goose Down".
func upSection(body string) string {
	if _, after, ok := strings.Cut(body, "-- +goose Up"); ok {
		body = after
	}
	if before, _, ok := strings.Cut(body, "-- +goose Down"); ok {
		body = before
	}
	return strings.TrimSpace(body)
}

// Migrate applies pending migrations, each in its own transaction, and
// records them in schema_migrations. It returns the number applied.
func Migrate(ctx context.Context, txManager *TxManager) (int, error) {
	migrations, err := LoadMigrations()
	if err != nil {
		return 0, err
	}

	if _, err := txManager.GetQuerier(ctx).Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		m := m
		err := txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			q := txManager.GetQuerier(ctx)
			tag, err := q.Exec(ctx,
				`INSERT INTO schema_migrations (version, name) VALUES ($1, $2) ON CONFLICT (version) DO NOTHING`,
				m.Version, m.Name)
			if err != nil {
				return fmt.Errorf("record migration %s: %w", m.Name, err)
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
			if _, err := q.Exec(ctx, m.Up); err != nil {
				return fmt.Errorf("apply migration %s: %w", m.Name, err)
			}
			applied++
			logger.Info(ctx, "migration applied", "version", m.Version, "name", m.Name)
			return nil
		})
		if err != nil {
			return applied, err
		}
	}
	return applied, nil
}
