package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/realtime-gate/internal/domain"
	"github.com/kursadbilgin/realtime-gate/internal/registry"
)

const maxSendRecipients = 1000

type PresenceService interface {
	Stats() registry.Stats
	IsOnline(userID string) bool
	Channels(userID string) []string
	RemoveAllChannels(userID string) int
	Send(ctx context.Context, payload any, userIDs ...string) int
}

type PresenceHandler struct {
	presence PresenceService
}

func NewPresenceHandler(presence PresenceService) (*PresenceHandler, error) {
	if presence == nil {
		return nil, errors.New("presence service is required")
	}
	return &PresenceHandler{presence: presence}, nil
}

func RegisterPresenceRoutes(router fiber.Router, presence PresenceService) error {
	h, err := NewPresenceHandler(presence)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1/presence")
	v1.Get("/stats", h.GetStats)
	v1.Get("/users/:userId", h.GetUser)
	v1.Delete("/users/:userId", h.DisconnectUser)
	v1.Post("/send", h.Send)

	return nil
}

type presenceUserResponse struct {
	UserID   string   `json:"userId"`
	Online   bool     `json:"online"`
	Channels []string `json:"channels"`
}

type sendRequest struct {
	UserIDs []string        `json:"userIds"`
	Payload json.RawMessage `json:"payload"`
}

type sendEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sentAt"`
}

func (h *PresenceHandler) GetStats(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(h.presence.Stats())
}

func (h *PresenceHandler) GetUser(c *fiber.Ctx) error {
	userID, err := userIDParam(c)
	if err != nil {
		return toHTTPError(err)
	}

	channels := h.presence.Channels(userID)
	if channels == nil {
		channels = []string{}
	}

	return c.Status(fiber.StatusOK).JSON(presenceUserResponse{
		UserID:   userID,
		Online:   h.presence.IsOnline(userID),
		Channels: channels,
	})
}

func (h *PresenceHandler) DisconnectUser(c *fiber.Ctx) error {
	userID, err := userIDParam(c)
	if err != nil {
		return toHTTPError(err)
	}

	removed := h.presence.RemoveAllChannels(userID)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"userId":          userID,
		"removedChannels": removed,
	})
}

func (h *PresenceHandler) Send(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if len(req.UserIDs) == 0 {
		return toHTTPError(fmt.Errorf("%w: userIds is required", domain.ErrValidation))
	}
	if len(req.UserIDs) > maxSendRecipients {
		return toHTTPError(fmt.Errorf("%w: userIds exceeds %d", domain.ErrValidation, maxSendRecipients))
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return toHTTPError(fmt.Errorf("%w: payload must be valid JSON", domain.ErrValidation))
	}

	userIDs := make([]string, 0, len(req.UserIDs))
	for _, id := range req.UserIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			userIDs = append(userIDs, trimmed)
		}
	}

	reached := h.presence.Send(c.Context(), sendEnvelope{
		Type:    "admin",
		Payload: req.Payload,
		SentAt:  time.Now().UTC(),
	}, userIDs...)

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"requested": len(userIDs),
		"reached":   reached,
	})
}
