package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/realtime-gate/internal/domain"
)

const maxRecipients = 1000

// RealtimeEvent is the broker payload for one push to a set of recipients.
// ActorID is the user whose action produced the event and whose budget it consumes.
type RealtimeEvent struct {
	EventID       string          `json:"eventId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ActorID       string          `json:"actorId"`
	Category      domain.Category `json:"category"`
	Recipients    []string        `json:"recipients"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurredAt,omitempty"`
}

func (e RealtimeEvent) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("eventId is required")
	}
	if strings.TrimSpace(e.ActorID) == "" {
		return fmt.Errorf("actorId is required")
	}
	if strings.TrimSpace(e.Category.String()) == "" {
		return fmt.Errorf("category is required")
	}
	if len(e.Recipients) == 0 {
		return fmt.Errorf("recipients is required")
	}
	if len(e.Recipients) > maxRecipients {
		return fmt.Errorf("recipients exceeds %d", maxRecipients)
	}
	for i, recipient := range e.Recipients {
		if strings.TrimSpace(recipient) == "" {
			return fmt.Errorf("recipients[%d] is empty", i)
		}
	}
	if len(e.Payload) == 0 || !json.Valid(e.Payload) {
		return fmt.Errorf("payload must be valid JSON")
	}
	return nil
}
