package repository

import (
	"time"

	"github.com/kursadbilgin/realtime-gate/internal/domain"
)

// AuditEventModel is the persistence model for the moderation_audit_events table.
type AuditEventModel struct {
	ID        string                `gorm:"type:uuid;primaryKey"`
	Type      domain.AuditEventType `gorm:"type:varchar(16);not null"`
	UserID    string                `gorm:"type:varchar(128);not null"`
	Category  *domain.Category      `gorm:"type:varchar(32)"`
	LimitType *domain.LimitType     `gorm:"type:varchar(16)"`
	Count     int                   `gorm:"not null;default:0"`
	Limit     int                   `gorm:"column:limit_value;not null;default:0"`
	Reason    string                `gorm:"type:varchar(255);not null;default:''"`
	ExpiresAt *time.Time            `gorm:"type:timestamptz"`
	CreatedAt time.Time             `gorm:"type:timestamptz;not null"`
}

func (AuditEventModel) TableName() string {
	return "moderation_audit_events"
}

func auditEventModelFromDomain(e *domain.AuditEvent) *AuditEventModel {
	if e == nil {
		return nil
	}

	return &AuditEventModel{
		ID:        e.ID,
		Type:      e.Type,
		UserID:    e.UserID,
		Category:  e.Category,
		LimitType: e.LimitType,
		Count:     e.Count,
		Limit:     e.Limit,
		Reason:    e.Reason,
		ExpiresAt: e.ExpiresAt,
		CreatedAt: e.CreatedAt,
	}
}

func auditEventModelToDomain(m *AuditEventModel) *domain.AuditEvent {
	if m == nil {
		return nil
	}

	return &domain.AuditEvent{
		ID:        m.ID,
		Type:      m.Type,
		UserID:    m.UserID,
		Category:  m.Category,
		LimitType: m.LimitType,
		Count:     m.Count,
		Limit:     m.Limit,
		Reason:    m.Reason,
		ExpiresAt: m.ExpiresAt,
		CreatedAt: m.CreatedAt,
	}
}
