// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
	ErrConflict     = domain.ErrConflict
)

var _ domain.Repository = (*SQLRepository)(nil)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the underlying pool for stats collection.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

// SaveRule inserts or updates a rule. New rules are appended to the load order.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.Rule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	subRules := rule.SubRules
	if subRules == nil {
		subRules = []string{}
	}
	subJSON, err := json.Marshal(subRules)
	if err != nil {
		return fmt.Errorf("failed to encode sub-rules: %w", err)
	}

	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO rules (
			id, name, type, condition_expr, operator, sub_rules, enabled, created_by, position, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM rules), ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			condition_expr = excluded.condition_expr,
			operator = excluded.operator,
			sub_rules = excluded.sub_rules,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, string(rule.Type), rule.Condition, string(rule.Operator),
		string(subJSON), boolToInt(rule.Enabled), rule.CreatedBy,
		rule.CreatedAt, now,
	)
	return err
}

const ruleColumns = `id, name, type, condition_expr, operator, sub_rules, enabled, created_by, created_at`

// GetRule retrieves a rule by ID.
func (r *SQLRepository) GetRule(ctx context.Context, ruleID string) (*domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRules returns all rules in load order.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.Rule, error) {
	return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY position`)
}

// ListEnabledRules returns enabled rules in load order.
func (r *SQLRepository) ListEnabledRules(ctx context.Context) ([]*domain.Rule, error) {
	return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules WHERE enabled = 1 ORDER BY position`)
}

func (r *SQLRepository) queryRules(ctx context.Context, query string, args ...any) ([]*domain.Rule, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []*domain.Rule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SetRuleEnabled toggles a rule.
func (r *SQLRepository) SetRuleEnabled(ctx context.Context, ruleID string, enabled bool) error {
	query := `UPDATE rules SET enabled = ?, updated_at = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), boolToInt(enabled), time.Now().UTC(), ruleID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// DeleteRule removes a rule.
func (r *SQLRepository) DeleteRule(ctx context.Context, ruleID string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM rules WHERE id = ?`), ruleID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// SaveAuditLog appends an audit log entry.
func (r *SQLRepository) SaveAuditLog(ctx context.Context, log *domain.AuditLog) error {
	return insertAuditLog(ctx, r.db, r.rebind, log)
}

// GetAuditLog retrieves an audit log entry by ID.
func (r *SQLRepository) GetAuditLog(ctx context.Context, id string) (*domain.AuditLog, error) {
	query := `
		SELECT id, applicant_id, decision, score, rule_flags, explanation, raw_payload, created_at
		FROM audit_logs
		WHERE id = ?
	`

	var log domain.AuditLog
	var decision string
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&log.ID, &log.ApplicantID, &decision, &log.Score,
		&log.RuleFlags, &log.Explanation, &log.RawPayload, &log.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	log.Decision = domain.Decision(decision)
	return &log, nil
}

// ListAuditLogs returns the audit trail of an applicant, oldest first.
func (r *SQLRepository) ListAuditLogs(ctx context.Context, applicantID string) ([]*domain.AuditLog, error) {
	query := `
		SELECT id, applicant_id, decision, score, rule_flags, explanation, raw_payload, created_at
		FROM audit_logs
		WHERE applicant_id = ?
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), applicantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []*domain.AuditLog{}
	for rows.Next() {
		var log domain.AuditLog
		var decision string
		if err := rows.Scan(
			&log.ID, &log.ApplicantID, &decision, &log.Score,
			&log.RuleFlags, &log.Explanation, &log.RawPayload, &log.CreatedAt,
		); err != nil {
			return nil, err
		}
		log.Decision = domain.Decision(decision)
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

// RecordEvaluation writes the audit log and, when c is non-nil, its case in
// one transaction. Either both rows exist afterwards or neither does.
func (r *SQLRepository) RecordEvaluation(ctx context.Context, log *domain.AuditLog, c *domain.Case) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertAuditLog(ctx, tx, r.rebind, log); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	if c != nil {
		if err := insertCase(ctx, tx, r.rebind, c); err != nil {
			return fmt.Errorf("failed to open case: %w", err)
		}
	}
	return tx.Commit()
}

// SaveCase inserts a new case.
func (r *SQLRepository) SaveCase(ctx context.Context, c *domain.Case) error {
	return insertCase(ctx, r.db, r.rebind, c)
}

const caseColumns = `id, audit_log_id, status, assigned_to, notes, version, created_at, updated_at`

// GetCase retrieves a case by ID.
func (r *SQLRepository) GetCase(ctx context.Context, caseID string) (*domain.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE id = ?`

	c, err := scanCase(r.db.QueryRowContext(ctx, r.rebind(query), caseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListCases returns cases matching filter, newest first.
func (r *SQLRepository) ListCases(ctx context.Context, filter domain.CaseFilter) ([]*domain.Case, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.AssignedTo != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, filter.AssignedTo)
	}
	if filter.OpenOrAssignedTo != "" {
		where = append(where, "(status = ? OR assigned_to = ?)")
		args = append(args, string(domain.CaseOpen), filter.OpenOrAssignedTo)
	}

	query := `SELECT ` + caseColumns + ` FROM cases`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cases := []*domain.Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// UpdateCase writes c if the stored version still equals expectedVersion.
// On success c.Version is advanced.
func (r *SQLRepository) UpdateCase(ctx context.Context, c *domain.Case, expectedVersion int) error {
	query := `
		UPDATE cases
		SET status = ?, assigned_to = ?, notes = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(c.Status), nullString(c.AssignedTo), c.Notes, c.UpdatedAt,
		c.ID, expectedVersion,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := r.GetCase(ctx, c.ID); err != nil {
			return err
		}
		return ErrConflict
	}

	c.Version = expectedVersion + 1
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAuditLog(ctx context.Context, db execer, rebind func(string) string, log *domain.AuditLog) error {
	if log == nil || log.ID == "" {
		return fmt.Errorf("%w: audit log id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO audit_logs (
			id, applicant_id, decision, score, rule_flags, explanation, raw_payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, rebind(query),
		log.ID, log.ApplicantID, string(log.Decision), log.Score,
		log.RuleFlags, log.Explanation, log.RawPayload, log.CreatedAt,
	)
	return err
}

func insertCase(ctx context.Context, db execer, rebind func(string) string, c *domain.Case) error {
	if c == nil || c.ID == "" || c.AuditLogID == "" {
		return fmt.Errorf("%w: case id and audit log id are required", ErrInvalidInput)
	}
	if c.Version == 0 {
		c.Version = 1
	}

	query := `
		INSERT INTO cases (
			id, audit_log_id, status, assigned_to, notes, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, rebind(query),
		c.ID, c.AuditLogID, string(c.Status), nullString(c.AssignedTo), c.Notes,
		c.Version, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (*domain.Rule, error) {
	var rule domain.Rule
	var ruleType, operator, subRules string
	var enabled int

	if err := s.Scan(
		&rule.ID, &rule.Name, &ruleType, &rule.Condition, &operator,
		&subRules, &enabled, &rule.CreatedBy, &rule.CreatedAt,
	); err != nil {
		return nil, err
	}

	rule.Type = domain.RuleType(ruleType)
	rule.Operator = domain.Operator(operator)
	rule.Enabled = enabled == 1
	if subRules != "" {
		if err := json.Unmarshal([]byte(subRules), &rule.SubRules); err != nil {
			return nil, fmt.Errorf("failed to decode sub-rules of %s: %w", rule.ID, err)
		}
	}
	return &rule, nil
}

func scanCase(s scanner) (*domain.Case, error) {
	var c domain.Case
	var status string
	var assignedTo sql.NullString

	if err := s.Scan(
		&c.ID, &c.AuditLogID, &status, &assignedTo, &c.Notes,
		&c.Version, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}

	c.Status = domain.CaseStatus(status)
	if assignedTo.Valid {
		c.AssignedTo = &assignedTo.String
	}
	return &c, nil
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, strconv.Itoa(n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
