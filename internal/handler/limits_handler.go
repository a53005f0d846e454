package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/realtime-gate/internal/domain"
	"github.com/kursadbilgin/realtime-gate/internal/ratelimit"
)

const defaultAuditPageSize = 50

type LimiterService interface {
	CheckAndClassify(userID string, category domain.Category) ratelimit.Decision
	GetStats() ratelimit.Stats
	GetRecentViolations(userID string) []domain.Violation
	IsBlocked(userID string) (domain.Block, bool)
	Block(userID string, duration time.Duration, reason string) (domain.Block, error)
	Unblock(userID string) bool
	ResetLimits(userID string)
}

// AuditHistory reads the persisted moderation trail.
type AuditHistory interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.AuditEvent, error)
}

type LimitsHandler struct {
	limiter LimiterService
	history AuditHistory
}

func NewLimitsHandler(limiter LimiterService, history AuditHistory) (*LimitsHandler, error) {
	if limiter == nil {
		return nil, errors.New("limiter service is required")
	}
	if history == nil {
		return nil, errors.New("audit history is required")
	}
	return &LimitsHandler{limiter: limiter, history: history}, nil
}

func RegisterLimitsRoutes(router fiber.Router, limiter LimiterService, history AuditHistory) error {
	h, err := NewLimitsHandler(limiter, history)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1/limits")
	v1.Get("/stats", h.GetStats)
	v1.Post("/check", h.Check)
	v1.Get("/users/:userId/violations", h.GetViolations)
	v1.Get("/users/:userId/audit", h.GetAuditHistory)
	v1.Get("/users/:userId/block", h.GetBlock)
	v1.Post("/users/:userId/block", h.BlockUser)
	v1.Delete("/users/:userId/block", h.UnblockUser)
	v1.Post("/users/:userId/reset", h.ResetUser)

	return nil
}

type checkRequest struct {
	UserID   string `json:"userId"`
	Category string `json:"category"`
}

type blockRequest struct {
	DurationSeconds int    `json:"durationSeconds"`
	Reason          string `json:"reason"`
}

type decisionResponse struct {
	Allowed           bool   `json:"allowed"`
	Category          string `json:"category"`
	Reason            string `json:"reason,omitempty"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds,omitempty"`
	Remaining         int    `json:"remaining"`
	Count             int    `json:"count"`
	Limit             int    `json:"limit"`
}

type limiterStatsResponse struct {
	TotalChecks          int64                                `json:"totalChecks"`
	TotalAllowed         int64                                `json:"totalAllowed"`
	TotalDenied          int64                                `json:"totalDenied"`
	TotalRecorded        int64                                `json:"totalRecorded"`
	TotalViolations      int64                                `json:"totalViolations"`
	TotalBlocks          int64                                `json:"totalBlocks"`
	TrackedUsers         int                                  `json:"trackedUsers"`
	ActiveBlocks         int                                  `json:"activeBlocks"`
	EscalationThreshold  int                                  `json:"escalationThreshold"`
	BlockDurationSeconds int64                                `json:"blockDurationSeconds"`
	TrackerHardCap       int                                  `json:"trackerHardCap"`
	Profiles             map[domain.Category]ratelimit.Limits `json:"profiles"`
}

type violationResponse struct {
	Category          string    `json:"category"`
	LimitType         string    `json:"limitType"`
	Count             int       `json:"count"`
	Limit             int       `json:"limit"`
	Timestamp         time.Time `json:"timestamp"`
	RetryAfterSeconds int64     `json:"retryAfterSeconds"`
}

type blockResponse struct {
	UserID           string    `json:"userId"`
	Blocked          bool      `json:"blocked"`
	Reason           string    `json:"reason,omitempty"`
	CreatedAt        time.Time `json:"createdAt,omitempty"`
	ExpiresAt        time.Time `json:"expiresAt,omitempty"`
	RemainingSeconds int64     `json:"remainingSeconds"`
}

type auditEventResponse struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	UserID    string     `json:"userId"`
	Category  *string    `json:"category,omitempty"`
	LimitType *string    `json:"limitType,omitempty"`
	Count     int        `json:"count,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func (h *LimitsHandler) GetStats(c *fiber.Ctx) error {
	stats := h.limiter.GetStats()
	return c.Status(fiber.StatusOK).JSON(limiterStatsResponse{
		TotalChecks:          stats.TotalChecks,
		TotalAllowed:         stats.TotalAllowed,
		TotalDenied:          stats.TotalDenied,
		TotalRecorded:        stats.TotalRecorded,
		TotalViolations:      stats.TotalViolations,
		TotalBlocks:          stats.TotalBlocks,
		TrackedUsers:         stats.TrackedUsers,
		ActiveBlocks:         stats.ActiveBlocks,
		EscalationThreshold:  stats.EscalationThreshold,
		BlockDurationSeconds: int64(stats.BlockDuration / time.Second),
		TrackerHardCap:       stats.TrackerHardCap,
		Profiles:             stats.Profiles,
	})
}

// Check evaluates admission without recording the action.
func (h *LimitsHandler) Check(c *fiber.Ctx) error {
	var req checkRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return toHTTPError(fmt.Errorf("%w: userId is required", domain.ErrValidation))
	}

	decision := h.limiter.CheckAndClassify(userID, domain.NormalizeCategory(req.Category))
	return c.Status(fiber.StatusOK).JSON(toDecisionResponse(decision))
}

func (h *LimitsHandler) GetViolations(c *fiber.Ctx) error {
	userID, err := userIDParam(c)
	if err != nil {
		return toHTTPError(err)
	}

	violations := h.limiter.GetRecentViolations(userID)
	items := make([]violationResponse, 0, len(violations))
	for _, v := range violations {
		items = append(items, violationResponse{
			Category:          v.Category.String(),
			LimitType:         v.LimitType.String(),
			Count:             v.Count,
			Limit:             v.Limit,
			Timestamp:         v.Timestamp,
			RetryAfterSeconds: int64(v.RetryAfter / time.Second),
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"userId":     userID,
		"violations": items,
	})
}

func (h *LimitsHandler) GetAuditHistory(c *fiber.Ctx) error {
	userID, err := userIDParam(c)
	if err != nil {
		return toHTTPError(err)
	}

	limit := c.QueryInt("limit", defaultAuditPageSize)
	if limit < 1 {
		return toHTTPError(fmt.Errorf("%w: limit must be >= 1", domain.ErrValidation))
	}

	events, err := h.history.ListByUser(c.Context(), userID, limit)
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]auditEventResponse, 0, len(events))
	for i := range events {
		items = append(items, toAuditEventResponse(&events[i]))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"userId": userID,
		"events": items,
	})
}

func (h *LimitsHandler) GetBlock(c *fiber.Ctx) error {
	userID, err := userIDParam(c)
	if err != nil {
		return toHTTPError(err)
	}

	block, ok := h.limiter.IsBlocked(userID)
	if !ok {
		return c.Status(fiber.StatusOK).JSON(blockResponse{UserID: userID})
	}
	return c.Status(fiber.StatusOK).JSON(toBlockResponse(block))
}

func (h *LimitsHandler) BlockUser(c *fiber.Ctx) error {
	userID, err := userIDParam(c)
	if err != nil {
		return toHTTPError(err)
	}

	var req blockRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	block, err := h.limiter.Block(userID, time.Duration(req.DurationSeconds)*time.Second, req.Reason)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(toBlockResponse(block))
}

func (h *LimitsHandler) UnblockUser(c *fiber.Ctx) error {
	userID, err := userIDParam(c)
	if err != nil {
		return toHTTPError(err)
	}

	unblocked := h.limiter.Unblock(userID)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"userId":    userID,
		"blocked":   false,
		"unblocked": unblocked,
	})
}

func (h *LimitsHandler) ResetUser(c *fiber.Ctx) error {
	userID, err := userIDParam(c)
	if err != nil {
		return toHTTPError(err)
	}

	h.limiter.ResetLimits(userID)
	return c.SendStatus(fiber.StatusNoContent)
}

func toDecisionResponse(d ratelimit.Decision) decisionResponse {
	return decisionResponse{
		Allowed:           d.Allowed,
		Category:          d.Category.String(),
		Reason:            d.Reason.String(),
		RetryAfterSeconds: int64(d.RetryAfter / time.Second),
		Remaining:         d.Remaining,
		Count:             d.Count,
		Limit:             d.Limit,
	}
}

func toBlockResponse(b domain.Block) blockResponse {
	return blockResponse{
		UserID:           b.UserID,
		Blocked:          true,
		Reason:           b.Reason,
		CreatedAt:        b.CreatedAt,
		ExpiresAt:        b.ExpiresAt,
		RemainingSeconds: int64(b.Remaining(time.Now()) / time.Second),
	}
}

func toAuditEventResponse(e *domain.AuditEvent) auditEventResponse {
	resp := auditEventResponse{
		ID:        e.ID,
		Type:      e.Type.String(),
		UserID:    e.UserID,
		Count:     e.Count,
		Limit:     e.Limit,
		Reason:    e.Reason,
		ExpiresAt: e.ExpiresAt,
		CreatedAt: e.CreatedAt,
	}
	if e.Category != nil {
		category := e.Category.String()
		resp.Category = &category
	}
	if e.LimitType != nil {
		limitType := e.LimitType.String()
		resp.LimitType = &limitType
	}
	return resp
}
