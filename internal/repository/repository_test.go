package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	// Create temp database file
	tmpFile, err := os.CreateTemp("", "harrier-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRules(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetRule", func(t *testing.T) {
		rule := &domain.Rule{
			ID:        "rule-velocity",
			Name:      "Velocity Rule",
			Type:      domain.RuleSimple,
			Condition: "reapplyVelocityFlag == true",
			Enabled:   true,
			CreatedBy: "admin",
		}
		if err := repo.SaveRule(ctx, rule); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		got, err := repo.GetRule(ctx, rule.ID)
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}
		if got.Name != rule.Name || got.Condition != rule.Condition || !got.Enabled || got.CreatedBy != "admin" {
			t.Errorf("unexpected rule: %+v", got)
		}
		if got.CreatedAt.IsZero() {
			t.Error("expected creation time to be set")
		}
	})

	t.Run("CompositeSubRules", func(t *testing.T) {
		rule := &domain.Rule{
			ID:       "rule-combo",
			Name:     "Combo",
			Type:     domain.RuleComposite,
			Operator: domain.OperatorAnd,
			SubRules: []string{"rule-velocity", "rule-minor"},
			Enabled:  true,
		}
		if err := repo.SaveRule(ctx, rule); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		got, err := repo.GetRule(ctx, rule.ID)
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}
		if got.Operator != domain.OperatorAnd || len(got.SubRules) != 2 || got.SubRules[1] != "rule-minor" {
			t.Errorf("unexpected composite: %+v", got)
		}
	})

	t.Run("LoadOrderAndToggle", func(t *testing.T) {
		if err := repo.SaveRule(ctx, &domain.Rule{
			ID: "rule-minor", Name: "Minor", Type: domain.RuleSimple, Condition: "age < 18", Enabled: true,
		}); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		// Updating an existing rule keeps its position.
		if err := repo.SaveRule(ctx, &domain.Rule{
			ID: "rule-velocity", Name: "Velocity Rule v2", Type: domain.RuleSimple, Condition: "reapplyVelocityFlag", Enabled: true,
		}); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		all, err := repo.ListRules(ctx)
		if err != nil {
			t.Fatalf("ListRules failed: %v", err)
		}
		want := []string{"rule-velocity", "rule-combo", "rule-minor"}
		if len(all) != len(want) {
			t.Fatalf("expected %d rules, got %d", len(want), len(all))
		}
		for i, id := range want {
			if all[i].ID != id {
				t.Errorf("position %d: expected %s, got %s", i, id, all[i].ID)
			}
		}

		if err := repo.SetRuleEnabled(ctx, "rule-combo", false); err != nil {
			t.Fatalf("SetRuleEnabled failed: %v", err)
		}
		enabled, err := repo.ListEnabledRules(ctx)
		if err != nil {
			t.Fatalf("ListEnabledRules failed: %v", err)
		}
		if len(enabled) != 2 || enabled[0].ID != "rule-velocity" || enabled[1].ID != "rule-minor" {
			t.Errorf("unexpected enabled rules: %v", enabled)
		}
	})

	t.Run("DeleteRule", func(t *testing.T) {
		if err := repo.DeleteRule(ctx, "rule-minor"); err != nil {
			t.Fatalf("DeleteRule failed: %v", err)
		}
		if _, err := repo.GetRule(ctx, "rule-minor"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if err := repo.SetRuleEnabled(ctx, "nonexistent", true); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if err := repo.DeleteRule(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("RequiresID", func(t *testing.T) {
		if err := repo.SaveRule(ctx, &domain.Rule{Name: "x"}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestSQLiteAuditAndCases(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	log := &domain.AuditLog{
		ID:          "audit-001",
		ApplicantID: "app-001",
		Decision:    domain.DecisionReview,
		Score:       0.42,
		RuleFlags:   "Velocity Rule",
		Explanation: "velocity abuse",
		RawPayload:  `{"amount":5000}`,
		CreatedAt:   now,
	}
	c := &domain.Case{
		ID:         "case-001",
		AuditLogID: log.ID,
		Status:     domain.CaseOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	t.Run("RecordEvaluation", func(t *testing.T) {
		if err := repo.RecordEvaluation(ctx, log, c); err != nil {
			t.Fatalf("RecordEvaluation failed: %v", err)
		}

		gotLog, err := repo.GetAuditLog(ctx, log.ID)
		if err != nil {
			t.Fatalf("GetAuditLog failed: %v", err)
		}
		if gotLog.Decision != domain.DecisionReview || gotLog.RuleFlags != "Velocity Rule" || gotLog.RawPayload != log.RawPayload {
			t.Errorf("unexpected audit log: %+v", gotLog)
		}

		gotCase, err := repo.GetCase(ctx, c.ID)
		if err != nil {
			t.Fatalf("GetCase failed: %v", err)
		}
		if gotCase.Status != domain.CaseOpen || gotCase.AssignedTo != nil || gotCase.Version != 1 {
			t.Errorf("unexpected case: %+v", gotCase)
		}
	})

	t.Run("RecordEvaluationIsAtomic", func(t *testing.T) {
		bad := &domain.Case{ID: "case-bad", Status: domain.CaseOpen} // no audit reference
		err := repo.RecordEvaluation(ctx, &domain.AuditLog{
			ID: "audit-002", ApplicantID: "app-002", Decision: domain.DecisionReject, RawPayload: "{}", CreatedAt: now,
		}, bad)
		if err == nil {
			t.Fatal("expected error for invalid case")
		}
		if _, err := repo.GetAuditLog(ctx, "audit-002"); !errors.Is(err, ErrNotFound) {
			t.Errorf("audit log must be rolled back, got %v", err)
		}
	})

	t.Run("ListAuditLogs", func(t *testing.T) {
		if err := repo.SaveAuditLog(ctx, &domain.AuditLog{
			ID: "audit-003", ApplicantID: "app-001", Decision: domain.DecisionApprove, RawPayload: "{}", CreatedAt: now.Add(time.Second),
		}); err != nil {
			t.Fatalf("SaveAuditLog failed: %v", err)
		}
		logs, err := repo.ListAuditLogs(ctx, "app-001")
		if err != nil {
			t.Fatalf("ListAuditLogs failed: %v", err)
		}
		if len(logs) != 2 || logs[0].ID != "audit-001" {
			t.Errorf("unexpected audit trail: %v", logs)
		}
	})

	t.Run("UpdateCaseOptimistic", func(t *testing.T) {
		stored, _ := repo.GetCase(ctx, c.ID)
		if err := stored.Claim("alice", time.Now().UTC()); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		if err := repo.UpdateCase(ctx, stored, 1); err != nil {
			t.Fatalf("UpdateCase failed: %v", err)
		}
		if stored.Version != 2 {
			t.Errorf("expected version 2, got %d", stored.Version)
		}

		// A writer holding the old version loses.
		stale := *stored
		if err := repo.UpdateCase(ctx, &stale, 1); !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}

		got, _ := repo.GetCase(ctx, c.ID)
		if got.Status != domain.CaseInProgress || got.AssignedTo == nil || *got.AssignedTo != "alice" {
			t.Errorf("unexpected case after claim: %+v", got)
		}
	})

	t.Run("UpdateMissingCase", func(t *testing.T) {
		err := repo.UpdateCase(ctx, &domain.Case{ID: "ghost", Status: domain.CaseClosed}, 1)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListCases", func(t *testing.T) {
		open := &domain.Case{ID: "case-002", AuditLogID: "audit-003", Status: domain.CaseOpen, CreatedAt: now.Add(time.Minute), UpdatedAt: now}
		if err := repo.SaveCase(ctx, open); err != nil {
			t.Fatalf("SaveCase failed: %v", err)
		}

		all, err := repo.ListCases(ctx, domain.CaseFilter{})
		if err != nil {
			t.Fatalf("ListCases failed: %v", err)
		}
		if len(all) != 2 || all[0].ID != "case-002" {
			t.Errorf("expected newest first, got %v", all)
		}

		byStatus, _ := repo.ListCases(ctx, domain.CaseFilter{Status: domain.CaseInProgress})
		if len(byStatus) != 1 || byStatus[0].ID != "case-001" {
			t.Errorf("unexpected status filter result: %v", byStatus)
		}

		mine, _ := repo.ListCases(ctx, domain.CaseFilter{OpenOrAssignedTo: "alice"})
		if len(mine) != 2 {
			t.Errorf("expected open plus assigned cases, got %d", len(mine))
		}
		others, _ := repo.ListCases(ctx, domain.CaseFilter{OpenOrAssignedTo: "bob"})
		if len(others) != 1 || others[0].ID != "case-002" {
			t.Errorf("expected only the open case for bob, got %v", others)
		}

		limited, _ := repo.ListCases(ctx, domain.CaseFilter{Limit: 1})
		if len(limited) != 1 {
			t.Errorf("expected limit 1, got %d", len(limited))
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
