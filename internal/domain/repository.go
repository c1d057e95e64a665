// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"context"
	"errors"
	"time"
)

// Common repository errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("version conflict")
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Rule operations
	SaveRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, ruleID string) (*Rule, error)
	ListRules(ctx context.Context) ([]*Rule, error)
	ListEnabledRules(ctx context.Context) ([]*Rule, error)
	SetRuleEnabled(ctx context.Context, ruleID string, enabled bool) error
	DeleteRule(ctx context.Context, ruleID string) error

	// Audit log operations (append-only)
	SaveAuditLog(ctx context.Context, log *AuditLog) error
	GetAuditLog(ctx context.Context, id string) (*AuditLog, error)
	ListAuditLogs(ctx context.Context, applicantID string) ([]*AuditLog, error)

	// RecordEvaluation atomically writes an audit log and, if c is non-nil,
	// the case that references it.
	RecordEvaluation(ctx context.Context, log *AuditLog, c *Case) error

	// Case operations
	SaveCase(ctx context.Context, c *Case) error
	GetCase(ctx context.Context, caseID string) (*Case, error)
	ListCases(ctx context.Context, filter CaseFilter) ([]*Case, error)

	// UpdateCase persists c if the stored version equals expectedVersion.
	// Returns ErrConflict otherwise.
	UpdateCase(ctx context.Context, c *Case, expectedVersion int) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CaseFilter narrows case listings. Zero values match everything.
type CaseFilter struct {
	Status     CaseStatus
	AssignedTo string

	// OpenOrAssignedTo lists OPEN cases plus cases assigned to this user.
	OpenOrAssignedTo string

	Limit int
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
