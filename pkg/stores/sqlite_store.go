package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath selects a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.cfg.Path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordBuild inserts or refreshes a build record.
func (s *SQLiteStore) RecordBuild(ctx context.Context, build *Build) error {
	query := `
		INSERT INTO builds (name, platform, commit_id, path, source, sha256, size_bytes, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			path = excluded.path,
			source = excluded.source,
			sha256 = excluded.sha256,
			size_bytes = excluded.size_bytes,
			downloaded_at = excluded.downloaded_at
	`

	if build.DownloadedAt.IsZero() {
		build.DownloadedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		build.Name,
		build.Platform,
		build.CommitID,
		build.Path,
		build.Source,
		build.SHA256,
		build.SizeBytes,
		build.DownloadedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record build: %w", err)
	}

	return nil
}

const buildColumns = `name, platform, commit_id, path, source, sha256, size_bytes, downloaded_at, last_used_at`

func scanBuild(row interface{ Scan(...any) error }) (*Build, error) {
	b := &Build{}
	err := row.Scan(
		&b.Name,
		&b.Platform,
		&b.CommitID,
		&b.Path,
		&b.Source,
		&b.SHA256,
		&b.SizeBytes,
		&b.DownloadedAt,
		&b.LastUsedAt,
	)
	return b, err
}

// GetBuild retrieves a build by name
func (s *SQLiteStore) GetBuild(ctx context.Context, name string) (*Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE name = ?`

	build, err := scanBuild(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("build %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get build: %w", err)
	}

	return build, nil
}

// ListBuilds lists builds, newest first, optionally filtered by commit.
func (s *SQLiteStore) ListBuilds(ctx context.Context, commitID *string, limit, offset int) ([]*Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds`
	args := []any{}
	if commitID != nil {
		query += ` WHERE commit_id = ?`
		args = append(args, *commitID)
	}
	query += ` ORDER BY downloaded_at DESC, name ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}
	defer rows.Close()

	builds := []*Build{}
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		builds = append(builds, build)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating builds: %w", err)
	}

	return builds, nil
}

// TouchBuild marks a build as used now.
func (s *SQLiteStore) TouchBuild(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE builds SET last_used_at = ? WHERE name = ?`, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("failed to touch build: %w", err)
	}
	return expectRow(result, "build", name)
}

// DeleteBuild removes a build record. The unpacked files are not touched.
func (s *SQLiteStore) DeleteBuild(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM builds WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete build: %w", err)
	}
	return expectRow(result, "build", name)
}

// CreateSession creates a new session record
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (id, build, platform, commit_id, executable, status, started_at, closed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if session.Status == "" {
		session.Status = SessionStatusRunning
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.Build,
		session.Platform,
		session.CommitID,
		session.Executable,
		session.Status,
		session.StartedAt,
		session.ClosedAt,
		session.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

const sessionColumns = `id, build, platform, commit_id, executable, status, started_at, closed_at, error`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	sess := &Session{}
	err := row.Scan(
		&sess.ID,
		&sess.Build,
		&sess.Platform,
		&sess.CommitID,
		&sess.Executable,
		&sess.Status,
		&sess.StartedAt,
		&sess.ClosedAt,
		&sess.Error,
	)
	return sess, err
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return sess, nil
}

// CloseSession sets the final status of a session
func (s *SQLiteStore) CloseSession(ctx context.Context, id string, status SessionStatus, errMsg *string) error {
	query := `
		UPDATE sessions
		SET status = ?, error = ?, closed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return expectRow(result, "session", id)
}

// ListSessions lists sessions with pagination, newest first
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// AppendStep appends a step to a session's log and sets its ID.
func (s *SQLiteStore) AppendStep(ctx context.Context, step *Step) error {
	query := `
		INSERT INTO steps (session_id, seq, action, payload, success, error_code, error_message, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		step.SessionID,
		step.Seq,
		step.Action,
		step.Payload,
		step.Success,
		step.ErrorCode,
		step.ErrorMessage,
		step.DurationMS,
		step.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append step: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get step id: %w", err)
	}
	step.ID = id

	return nil
}

// ListSteps lists the steps of a session in order
func (s *SQLiteStore) ListSteps(ctx context.Context, sessionID string, limit, offset int) ([]*Step, error) {
	query := `
		SELECT id, session_id, seq, action, payload, success, error_code, error_message, duration_ms, created_at
		FROM steps
		WHERE session_id = ?
		ORDER BY seq ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	steps := []*Step{}
	for rows.Next() {
		step := &Step{}
		err := rows.Scan(
			&step.ID,
			&step.SessionID,
			&step.Seq,
			&step.Action,
			&step.Payload,
			&step.Success,
			&step.ErrorCode,
			&step.ErrorMessage,
			&step.DurationMS,
			&step.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func expectRow(result sql.Result, kind, key string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
	}
	return nil
}
