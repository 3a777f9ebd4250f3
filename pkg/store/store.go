// Package store persists projects and tracked bounty issues in a relational
// database through bun. Postgres is used in production; SQLite serves local
// development and tests through the same query paths.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	_ "github.com/lib/pq" // postgres driver
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/codeGROOVE-dev/bountyhook/pkg/logger"
)

// Supported dialects.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const (
	defaultMaxOpenConns    = 10
	defaultConnectAttempts = 5
	defaultConnMaxIdleTime = 5 * time.Minute
	maxConnectDelay        = 30 * time.Second
)

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Config configures the database pool.
type Config struct {
	// DSN is a postgres:// URL, or a SQLite DSN (file:..., sqlite://path, :memory:).
	DSN             string
	MaxOpenConns    int
	ConnectAttempts int
	ConnMaxIdleTime time.Duration
	// QueryLog, when set, receives every executed query.
	QueryLog io.Writer
}

// Store is a pooled handle on the bounty database.
type Store struct {
	db      *bun.DB
	dialect string
}

// Open connects to the database described by cfg and verifies the
// connection, retrying with backoff while the database is unreachable.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dialect, driver, dsn, err := resolveDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}

	sqldb, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	if dialect == DialectSQLite {
		// SQLite serializes writers; in-memory databases also need a single
		// shared connection to stay visible across queries.
		maxOpen = 1
	}
	idle := cfg.ConnMaxIdleTime
	if idle <= 0 {
		idle = defaultConnMaxIdleTime
	}
	sqldb.SetMaxOpenConns(maxOpen)
	sqldb.SetMaxIdleConns(maxOpen)
	sqldb.SetConnMaxIdleTime(idle)

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = defaultConnectAttempts
	}
	err = retry.Do(
		func() error {
			return sqldb.PingContext(ctx)
		},
		retry.Attempts(uint(attempts)), //nolint:gosec // attempts is positive
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(maxConnectDelay),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn(ctx, "database ping failed, retrying", logger.Fields{
				"dialect": dialect,
				"attempt": n + 1,
				"error":   err.Error(),
			})
		}),
	)
	if err != nil {
		if closeErr := sqldb.Close(); closeErr != nil {
			logger.Error(ctx, "failed to close database after ping failure", closeErr, nil)
		}
		return nil, fmt.Errorf("connect to %s database: %w", dialect, err)
	}

	var db *bun.DB
	switch dialect {
	case DialectPostgres:
		db = bun.NewDB(sqldb, pgdialect.New())
	default:
		db = bun.NewDB(sqldb, sqlitedialect.New())
	}
	if cfg.QueryLog != nil {
		db.AddQueryHook(bundebug.NewQueryHook(
			bundebug.WithVerbose(true),
			bundebug.WithWriter(cfg.QueryLog),
		))
	}

	logger.Info(ctx, "database connected", logger.Fields{
		"dialect":        dialect,
		"max_open_conns": maxOpen,
	})
	return &Store{db: db, dialect: dialect}, nil
}

// resolveDSN picks the dialect and driver for a connection string.
func resolveDSN(raw string) (dialect, driver, dsn string, err error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return "", "", "", errors.New("database URL is required")
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return DialectPostgres, "postgres", raw, nil
	case strings.HasPrefix(raw, "sqlite://"):
		return DialectSQLite, "sqlite3", strings.TrimPrefix(raw, "sqlite://"), nil
	case strings.HasPrefix(raw, "file:"), raw == ":memory:":
		return DialectSQLite, "sqlite3", raw, nil
	default:
		return "", "", "", fmt.Errorf("unsupported database URL scheme in %q", redactDSN(raw))
	}
}

// redactDSN strips credentials from a URL-style DSN for error messages.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return dsn
}

// DB exposes the underlying bun handle.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Dialect reports which database family the store is connected to.
func (s *Store) Dialect() string {
	return s.dialect
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSchema creates the Project and Issue tables when they are missing.
func (s *Store) CreateSchema(ctx context.Context) error {
	for _, model := range []any{(*Project)(nil), (*Issue)(nil)} {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	return nil
}

// CreateProject inserts a project. A second insert for the same repository is
// ignored and reported with created=false.
func (s *Store) CreateProject(ctx context.Context, p *Project) (created bool, err error) {
	res, err := s.db.NewInsert().
		Model(p).
		On(`CONFLICT ("repoId") DO NOTHING`).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("insert project %d: %w", p.RepoID, err)
	}
	return affected(res)
}

// Project loads a project by repository id.
func (s *Store) Project(ctx context.Context, repoID int64) (*Project, error) {
	p := new(Project)
	err := s.db.NewSelect().Model(p).Where(`"repoId" = ?`, repoID).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %d: %w", repoID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select project %d: %w", repoID, err)
	}
	return p, nil
}

// CreateIssue starts tracking an issue. Re-labeling an issue that is already
// tracked is ignored and reported with created=false.
func (s *Store) CreateIssue(ctx context.Context, i *Issue) (created bool, err error) {
	res, err := s.db.NewInsert().
		Model(i).
		On(`CONFLICT ("issueId") DO NOTHING`).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("insert issue %d: %w", i.IssueID, err)
	}
	return affected(res)
}

// DeleteIssue stops tracking an issue and returns the removed row. It
// returns ErrNotFound when the issue was not tracked.
func (s *Store) DeleteIssue(ctx context.Context, issueID int64) (*Issue, error) {
	return deleteIssue(ctx, s.db, issueID)
}

// Issue loads a tracked issue by id.
func (s *Store) Issue(ctx context.Context, issueID int64) (*Issue, error) {
	return selectIssue(ctx, s.db, issueID)
}

// IssuesByRepo lists tracked issues for a repository ordered by issue id.
func (s *Store) IssuesByRepo(ctx context.Context, repoID int64) ([]Issue, error) {
	var issues []Issue
	err := s.db.NewSelect().
		Model(&issues).
		Where(`"repoId" = ?`, repoID).
		Order("issueId ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select issues for repo %d: %w", repoID, err)
	}
	return issues, nil
}

func selectIssue(ctx context.Context, db bun.IDB, issueID int64) (*Issue, error) {
	i := new(Issue)
	err := db.NewSelect().Model(i).Where(`"issueId" = ?`, issueID).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %d: %w", issueID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select issue %d: %w", issueID, err)
	}
	return i, nil
}

func deleteIssue(ctx context.Context, db bun.IDB, issueID int64) (*Issue, error) {
	i := new(Issue)
	err := db.NewDelete().
		Model(i).
		Where(`"issueId" = ?`, issueID).
		Returning("*").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %d: %w", issueID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("delete issue %d: %w", issueID, err)
	}
	return i, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
