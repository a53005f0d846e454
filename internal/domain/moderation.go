package domain

import "time"

// Violation records one denied admission for a user.
type Violation struct {
	UserID     string        `json:"userId"`
	Category   Category      `json:"category"`
	LimitType  LimitType     `json:"limitType"`
	Count      int           `json:"count"`
	Limit      int           `json:"limit"`
	Timestamp  time.Time     `json:"timestamp"`
	RetryAfter time.Duration `json:"retryAfter"`
}

// Block is a temporary admission ban on a user.
type Block struct {
	UserID    string    `json:"userId"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Active reports whether the block is still in force at now.
func (b Block) Active(now time.Time) bool {
	return now.Before(b.ExpiresAt)
}

// Remaining returns how long the block stays in force after now.
func (b Block) Remaining(now time.Time) time.Duration {
	if !b.Active(now) {
		return 0
	}
	return b.ExpiresAt.Sub(now)
}

// AuditEventType classifies moderation audit records.
type AuditEventType string

const (
	AuditViolation AuditEventType = "VIOLATION"
	AuditBlocked   AuditEventType = "BLOCKED"
	AuditUnblocked AuditEventType = "UNBLOCKED"
)

func (t AuditEventType) String() string { return string(t) }

func (t AuditEventType) IsValid() bool {
	switch t {
	case AuditViolation, AuditBlocked, AuditUnblocked:
		return true
	}
	return false
}

// AuditEvent is the persisted moderation trail entry emitted by admission control.
type AuditEvent struct {
	ID        string
	Type      AuditEventType
	UserID    string
	Category  *Category
	LimitType *LimitType
	Count     int
	Limit     int
	Reason    string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// NewViolationEvent builds an audit event for a violation.
func NewViolationEvent(id string, v Violation) AuditEvent {
	category := v.Category
	limitType := v.LimitType
	return AuditEvent{
		ID:        id,
		Type:      AuditViolation,
		UserID:    v.UserID,
		Category:  &category,
		LimitType: &limitType,
		Count:     v.Count,
		Limit:     v.Limit,
		CreatedAt: v.Timestamp,
	}
}

// NewBlockEvent builds an audit event for an applied block.
func NewBlockEvent(id string, b Block) AuditEvent {
	expiresAt := b.ExpiresAt
	return AuditEvent{
		ID:        id,
		Type:      AuditBlocked,
		UserID:    b.UserID,
		Reason:    b.Reason,
		ExpiresAt: &expiresAt,
		CreatedAt: b.CreatedAt,
	}
}

// NewUnblockEvent builds an audit event for a lifted block.
func NewUnblockEvent(id string, userID string, at time.Time) AuditEvent {
	return AuditEvent{
		ID:        id,
		Type:      AuditUnblocked,
		UserID:    userID,
		CreatedAt: at,
	}
}
