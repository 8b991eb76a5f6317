package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ApprovalStatus is a pending-approval lifecycle state.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Approval is a pending permission request surfaced to the user as a
// message with inline buttons.
type Approval struct {
	ID        string
	SessionID string
	Prompt    string
	CreatedAt time.Time
	ExpiresAt time.Time
	Status    ApprovalStatus
	MessageID int64 // chat message carrying the buttons; 0 = not sent
}

// CreateApproval inserts a pending approval with the given lifetime.
func (s *Store) CreateApproval(id, sessionID, prompt string, ttl time.Duration) (*Approval, error) {
	now := s.now().UTC()
	a := &Approval{
		ID:        id,
		SessionID: sessionID,
		Prompt:    prompt,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Status:    ApprovalPending,
	}
	_, err := s.db.Exec(`
INSERT INTO approvals (id, session_id, prompt, created_at, expires_at, status)
VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.Prompt, a.CreatedAt.Unix(), a.ExpiresAt.Unix(), a.Status)
	if err != nil {
		return nil, fmt.Errorf("creating approval %s: %w", id, err)
	}
	return a, nil
}

// GetApproval returns the approval with the given id, or ErrNotFound.
func (s *Store) GetApproval(id string) (*Approval, error) {
	row := s.db.QueryRow(`
SELECT id, session_id, prompt, created_at, expires_at, status, COALESCE(message_id, 0)
FROM approvals WHERE id = ?`, id)

	var (
		a                  Approval
		createdAt, expires int64
	)
	err := row.Scan(&a.ID, &a.SessionID, &a.Prompt, &createdAt, &expires, &a.Status, &a.MessageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning approval: %w", err)
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.ExpiresAt = time.Unix(expires, 0).UTC()
	return &a, nil
}

// SetApprovalMessageID records the chat message that carries the buttons.
func (s *Store) SetApprovalMessageID(id string, messageID int64) error {
	_, err := s.db.Exec("UPDATE approvals SET message_id = ? WHERE id = ?", messageID, id)
	if err != nil {
		return fmt.Errorf("recording approval message for %s: %w", id, err)
	}
	return nil
}

// ResolveApproval moves a pending approval to a terminal status. Exactly
// one terminal transition is allowed: a second resolve (or a resolve after
// expiry) returns ErrResolved.
func (s *Store) ResolveApproval(id string, status ApprovalStatus) error {
	if status == ApprovalPending {
		return fmt.Errorf("resolve to pending is not a transition")
	}
	res, err := s.db.Exec(
		"UPDATE approvals SET status = ? WHERE id = ? AND status = ?",
		status, id, ApprovalPending)
	if err != nil {
		return fmt.Errorf("resolving approval %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetApproval(id); err != nil {
			return err
		}
		return ErrResolved
	}
	return nil
}

// ExpireApprovals marks every pending approval past its deadline as
// expired and returns them so the caller can clean up button messages.
func (s *Store) ExpireApprovals() ([]*Approval, error) {
	now := s.now().Unix()
	rows, err := s.db.Query(`
SELECT id, session_id, prompt, created_at, expires_at, status, COALESCE(message_id, 0)
FROM approvals WHERE status = ? AND expires_at < ?`, ApprovalPending, now)
	if err != nil {
		return nil, fmt.Errorf("listing expired approvals: %w", err)
	}
	defer rows.Close()

	var expired []*Approval
	for rows.Next() {
		var (
			a                  Approval
			createdAt, expires int64
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Prompt, &createdAt, &expires, &a.Status, &a.MessageID); err != nil {
			return nil, fmt.Errorf("scanning approval: %w", err)
		}
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		a.ExpiresAt = time.Unix(expires, 0).UTC()
		expired = append(expired, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, a := range expired {
		if err := s.ResolveApproval(a.ID, ApprovalExpired); err != nil && !errors.Is(err, ErrResolved) {
			return nil, err
		}
		a.Status = ApprovalExpired
	}
	return expired, nil
}
