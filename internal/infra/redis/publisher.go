package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/realtime-gate/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultModerationChannel = "moderation.events"

type moderationMessage struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	UserID    string     `json:"userId"`
	Category  string     `json:"category,omitempty"`
	LimitType string     `json:"limitType,omitempty"`
	Count     int        `json:"count,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Publisher broadcasts moderation audit events on a redis pub/sub channel so
// other services can react to blocks without polling the audit store.
type Publisher struct {
	client  *redis.Client
	channel string
}

func NewPublisher(client *redis.Client, channel string) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = defaultModerationChannel
	}

	return &Publisher{client: client, channel: channel}, nil
}

func (p *Publisher) Name() string { return "redis" }

func (p *Publisher) Write(ctx context.Context, event domain.AuditEvent) error {
	msg := moderationMessage{
		ID:        event.ID,
		Type:      event.Type.String(),
		UserID:    event.UserID,
		Count:     event.Count,
		Limit:     event.Limit,
		Reason:    event.Reason,
		ExpiresAt: event.ExpiresAt,
		CreatedAt: event.CreatedAt.UTC(),
	}
	if event.Category != nil {
		msg.Category = event.Category.String()
	}
	if event.LimitType != nil {
		msg.LimitType = event.LimitType.String()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal moderation event: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish moderation event: %w", err)
	}
	return nil
}
