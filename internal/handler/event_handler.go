package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/kursadbilgin/realtime-gate/internal/domain"
	"github.com/kursadbilgin/realtime-gate/internal/queue"
)

type EventHandler struct {
	publisher queue.Publisher
	now       func() time.Time
}

func NewEventHandler(publisher queue.Publisher) (*EventHandler, error) {
	if publisher == nil {
		return nil, errors.New("event publisher is required")
	}
	return &EventHandler{publisher: publisher, now: time.Now}, nil
}

func RegisterEventRoutes(router fiber.Router, publisher queue.Publisher) error {
	h, err := NewEventHandler(publisher)
	if err != nil {
		return err
	}

	router.Group("/v1").Post("/events", h.PublishEvent)
	return nil
}

type publishEventRequest struct {
	EventID       string          `json:"eventId"`
	CorrelationID string          `json:"correlationId"`
	ActorID       string          `json:"actorId"`
	Category      string          `json:"category"`
	Recipients    []string        `json:"recipients"`
	Payload       json.RawMessage `json:"payload"`
}

// PublishEvent accepts a realtime event for asynchronous admission and fan-out.
func (h *EventHandler) PublishEvent(c *fiber.Ctx) error {
	var req publishEventRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	event := queue.RealtimeEvent{
		EventID:       strings.TrimSpace(req.EventID),
		CorrelationID: strings.TrimSpace(req.CorrelationID),
		ActorID:       strings.TrimSpace(req.ActorID),
		Category:      domain.NormalizeCategory(req.Category),
		Recipients:    req.Recipients,
		Payload:       req.Payload,
		OccurredAt:    h.now().UTC(),
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.CorrelationID == "" {
		event.CorrelationID = requestCorrelationID(c)
	}

	if err := event.Validate(); err != nil {
		return toHTTPError(fmt.Errorf("%w: %v", domain.ErrValidation, err))
	}

	if err := h.publisher.Publish(c.Context(), event); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"eventId":       event.EventID,
		"correlationId": event.CorrelationID,
		"category":      event.Category.String(),
		"recipients":    len(event.Recipients),
	})
}
