package domain

import (
	"errors"
	"time"
)

// ErrInvalidTransition is returned when a case cannot move to the requested state.
var ErrInvalidTransition = errors.New("invalid case transition")

// CaseStatus is the lifecycle state of a case.
type CaseStatus string

const (
	CaseOpen       CaseStatus = "OPEN"
	CaseInProgress CaseStatus = "IN_PROGRESS"
	CaseClosed     CaseStatus = "CLOSED"
)

// Case is an investigation work item opened for a REVIEW or REJECT decision.
type Case struct {
	ID         string     `json:"id"`
	AuditLogID string     `json:"auditLogId"`
	Status     CaseStatus `json:"status"`
	AssignedTo *string    `json:"assignedTo,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	Version    int        `json:"version"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Claim assigns the case to user and moves it to IN_PROGRESS.
// An IN_PROGRESS case is reassigned.
func (c *Case) Claim(user string, now time.Time) error {
	if c.Status == CaseClosed {
		return ErrInvalidTransition
	}
	c.AssignedTo = &user
	c.Status = CaseInProgress
	c.UpdatedAt = now
	return nil
}

// Resolve closes the case with the given notes.
func (c *Case) Resolve(notes string, now time.Time) error {
	if c.Status == CaseClosed {
		return ErrInvalidTransition
	}
	c.Status = CaseClosed
	c.Notes = notes
	c.UpdatedAt = now
	return nil
}
