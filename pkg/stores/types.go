package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SessionStatus represents the status of an engine session
type SessionStatus string

const (
	SessionStatusRunning SessionStatus = "running"
	SessionStatusClosed  SessionStatus = "closed"
	SessionStatusFailed  SessionStatus = "failed"
)

// Build is a build archive unpacked into the releases directory.
type Build struct {
	Name         string     `json:"name"` // thor-<platform>-<commit>
	Platform     string     `json:"platform"`
	CommitID     string     `json:"commit_id"`
	Path         string     `json:"path"`
	Source       string     `json:"source"`
	SHA256       string     `json:"sha256,omitempty"`
	SizeBytes    int64      `json:"size_bytes"`
	DownloadedAt time.Time  `json:"downloaded_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// Session is one engine process driven by a controller.
type Session struct {
	ID         string        `json:"id"`
	Build      string        `json:"build"`
	Platform   string        `json:"platform"`
	CommitID   string        `json:"commit_id"`
	Executable string        `json:"executable"`
	Status     SessionStatus `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	ClosedAt   *time.Time    `json:"closed_at,omitempty"`
	Error      *string       `json:"error,omitempty"`
}

// Step is one action round trip within a session.
type Step struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	Seq          int       `json:"seq"`
	Action       string    `json:"action"`
	Payload      string    `json:"payload"` // JSON of the action as sent
	Success      bool      `json:"success"`
	ErrorCode    *string   `json:"error_code,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Build operations
	RecordBuild(ctx context.Context, build *Build) error
	GetBuild(ctx context.Context, name string) (*Build, error)
	ListBuilds(ctx context.Context, commitID *string, limit, offset int) ([]*Build, error)
	TouchBuild(ctx context.Context, name string) error
	DeleteBuild(ctx context.Context, name string) error

	// Session operations
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	CloseSession(ctx context.Context, id string, status SessionStatus, errMsg *string) error
	ListSessions(ctx context.Context, limit, offset int) ([]*Session, error)

	// Step operations
	AppendStep(ctx context.Context, step *Step) error
	ListSteps(ctx context.Context, sessionID string, limit, offset int) ([]*Step, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
