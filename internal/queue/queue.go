package queue

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/realtime-gate/internal/domain"
)

// Publisher publishes realtime events to the events queue.
type Publisher interface {
	Publish(ctx context.Context, event RealtimeEvent) error
	Close() error
}

// MessageHandler handles a consumed realtime event.
type MessageHandler func(ctx context.Context, event RealtimeEvent) error

// Consumer consumes realtime events from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// EventsQueue carries realtime events awaiting admission and fan-out.
	EventsQueue = "realtime.events"

	// queueMaxPriority is the RabbitMQ x-max-priority value for the events queue.
	queueMaxPriority int32 = 3
)

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.realtime.events.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// PriorityValue maps an event category to RabbitMQ message priority.
// Direct messages and mentions overtake bulk social signals.
func PriorityValue(category domain.Category) uint8 {
	switch domain.NormalizeCategory(category.String()) {
	case domain.CategoryMessage:
		return 3
	case domain.CategoryMention, domain.CategoryComment:
		return 2
	case domain.CategoryLike, domain.CategoryFollow:
		return 1
	default:
		return 0
	}
}
