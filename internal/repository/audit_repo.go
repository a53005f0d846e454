package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/realtime-gate/internal/domain"
	"gorm.io/gorm"
)

const (
	defaultAuditListLimit = 50
	maxAuditListLimit     = 500
)

type AuditRepository interface {
	Create(ctx context.Context, e *domain.AuditEvent) error
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.AuditEvent, error)
}

type GormAuditRepo struct {
	db *gorm.DB
}

func NewGormAuditRepo(db *gorm.DB) *GormAuditRepo {
	return &GormAuditRepo{db: db}
}

// Name identifies the repository as an audit sink.
func (r *GormAuditRepo) Name() string { return "postgres" }

// Write stores an audit event; it lets the repository act as an audit sink.
func (r *GormAuditRepo) Write(ctx context.Context, event domain.AuditEvent) error {
	return r.Create(ctx, &event)
}

func (r *GormAuditRepo) Create(ctx context.Context, e *domain.AuditEvent) error {
	if e == nil {
		return fmt.Errorf("%w: audit event is required", domain.ErrValidation)
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: invalid audit event type %q", domain.ErrValidation, e.Type)
	}

	model := auditEventModelFromDomain(e)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	*e = *auditEventModelToDomain(model)
	return nil
}

// ListByUser returns the newest audit events for userID first.
func (r *GormAuditRepo) ListByUser(ctx context.Context, userID string, limit int) ([]domain.AuditEvent, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	if limit <= 0 {
		limit = defaultAuditListLimit
	}
	if limit > maxAuditListLimit {
		limit = maxAuditListLimit
	}

	var models []AuditEventModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}

	events := make([]domain.AuditEvent, 0, len(models))
	for i := range models {
		events = append(events, *auditEventModelToDomain(&models[i]))
	}

	return events, nil
}
