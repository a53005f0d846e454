package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/realtime-gate/internal/domain"
)

const (
	defaultEscalationThreshold = 10
	defaultBlockDuration       = time.Hour
	defaultTrackerHardCap      = 10000

	// retention bounds every tracker and violation log; finer windows are derived from it.
	retention = 24 * time.Hour
)

// Limits is the per-category admission profile. A non-positive cap disables its window.
type Limits struct {
	Burst     int `json:"burst"`
	PerMinute int `json:"perMinute"`
	PerHour   int `json:"perHour"`
	PerDay    int `json:"perDay"`
}

// Cap returns the configured cap for a window limit type.
func (l Limits) Cap(limitType domain.LimitType) int {
	switch limitType {
	case domain.LimitBurst:
		return l.Burst
	case domain.LimitMinute:
		return l.PerMinute
	case domain.LimitHour:
		return l.PerHour
	case domain.LimitDay:
		return l.PerDay
	}
	return 0
}

// Config is fixed at construction time.
type Config struct {
	Profiles            map[domain.Category]Limits
	EscalationThreshold int
	BlockDuration       time.Duration
	TrackerHardCap      int
}

// DefaultProfiles returns the built-in category table.
func DefaultProfiles() map[domain.Category]Limits {
	return map[domain.Category]Limits{
		domain.CategoryMessage: {Burst: 10, PerMinute: 30, PerHour: 500, PerDay: 2000},
		domain.CategoryMention: {Burst: 5, PerMinute: 20, PerHour: 200, PerDay: 1000},
		domain.CategoryComment: {Burst: 10, PerMinute: 30, PerHour: 300, PerDay: 1500},
		domain.CategoryLike:    {Burst: 30, PerMinute: 100, PerHour: 1000, PerDay: 5000},
		domain.CategoryFollow:  {Burst: 10, PerMinute: 30, PerHour: 200, PerDay: 1000},
		domain.CategoryDefault: {Burst: 10, PerMinute: 60, PerHour: 600, PerDay: 3000},
	}
}

func DefaultConfig() Config {
	return Config{
		Profiles:            DefaultProfiles(),
		EscalationThreshold: defaultEscalationThreshold,
		BlockDuration:       defaultBlockDuration,
		TrackerHardCap:      defaultTrackerHardCap,
	}
}

// withDefaults fills zero values and guarantees a default profile exists. The
// tracker hard cap is raised to the largest window cap so trimming never hides
// events a window still has to count.
func (c Config) withDefaults() Config {
	profiles := DefaultProfiles()
	for category, limits := range c.Profiles {
		profiles[category] = limits
	}
	c.Profiles = profiles

	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = defaultEscalationThreshold
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = defaultBlockDuration
	}
	if c.TrackerHardCap <= 0 {
		c.TrackerHardCap = defaultTrackerHardCap
	}
	for _, limits := range c.Profiles {
		if widest := limits.maxCap(); widest > c.TrackerHardCap {
			c.TrackerHardCap = widest
		}
	}
	return c
}

func (l Limits) maxCap() int {
	return max(l.Burst, l.PerMinute, l.PerHour, l.PerDay)
}

// ParseCategoryLimits parses overrides of the form
// "like=30/100/1000/5000;message=10/30/500/2000" (burst/minute/hour/day).
func ParseCategoryLimits(raw string) (map[domain.Category]Limits, error) {
	result := make(map[domain.Category]Limits)
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return result, nil
	}

	for _, entry := range strings.Split(trimmed, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		name, values, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("%w: category limit %q must be name=burst/minute/hour/day", domain.ErrValidation, entry)
		}

		category, err := domain.ParseCategoryFromString(name)
		if err != nil {
			return nil, err
		}

		parts := strings.Split(values, "/")
		if len(parts) != 4 {
			return nil, fmt.Errorf("%w: category %q needs 4 caps, got %d", domain.ErrValidation, category, len(parts))
		}

		caps := make([]int, 4)
		for i, part := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("%w: category %q cap %q is not a number", domain.ErrValidation, category, part)
			}
			caps[i] = n
		}

		result[category] = Limits{Burst: caps[0], PerMinute: caps[1], PerHour: caps[2], PerDay: caps[3]}
	}

	return result, nil
}
