package repository

// Schema definitions for Harrier.
// Compatible with both SQLite and PostgreSQL.

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    condition_expr TEXT NOT NULL DEFAULT '',
    operator TEXT NOT NULL DEFAULT '',
    sub_rules TEXT NOT NULL DEFAULT '[]',
    enabled INTEGER NOT NULL DEFAULT 1,
    created_by TEXT NOT NULL DEFAULT '',
    position INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_enabled ON rules(enabled, position);
`

// schemaAuditLogs is append-only: rows are never updated or deleted.
const schemaAuditLogs = `
CREATE TABLE IF NOT EXISTS audit_logs (
    id TEXT PRIMARY KEY,
    applicant_id TEXT NOT NULL,
    decision TEXT NOT NULL,
    score REAL NOT NULL,
    rule_flags TEXT NOT NULL DEFAULT '',
    explanation TEXT NOT NULL DEFAULT '',
    raw_payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_applicant ON audit_logs(applicant_id, created_at);
`

const schemaCases = `
CREATE TABLE IF NOT EXISTS cases (
    id TEXT PRIMARY KEY,
    audit_log_id TEXT NOT NULL REFERENCES audit_logs(id),
    status TEXT NOT NULL,
    assigned_to TEXT,
    notes TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status, created_at);
CREATE INDEX IF NOT EXISTS idx_cases_assignee ON cases(assigned_to);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRules,
		schemaAuditLogs,
		schemaCases,
	}
}
