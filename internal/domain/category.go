package domain

import (
	"fmt"
	"strings"
	"time"
)

// Category tags a notification-producing action and selects its rate-limit profile.
type Category string

const (
	CategoryMessage Category = "message"
	CategoryMention Category = "mention"
	CategoryComment Category = "comment"
	CategoryLike    Category = "like"
	CategoryFollow  Category = "follow"
	CategoryDefault Category = "default"
)

func (c Category) String() string { return string(c) }

func (c Category) IsValid() bool {
	switch c {
	case CategoryMessage, CategoryMention, CategoryComment, CategoryLike, CategoryFollow, CategoryDefault:
		return true
	}
	return false
}

// Categories returns every known category in a stable order.
func Categories() []Category {
	return []Category{
		CategoryMessage,
		CategoryMention,
		CategoryComment,
		CategoryLike,
		CategoryFollow,
		CategoryDefault,
	}
}

// NormalizeCategory maps free-form input to a known category. Unknown and empty
// values fall back to CategoryDefault.
func NormalizeCategory(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return CategoryDefault
	}
	return c
}

func ParseCategoryFromString(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("%w: invalid category %q", ErrValidation, s)
	}
	return c, nil
}

// LimitType names the rule that produced a denial.
type LimitType string

const (
	LimitBurst   LimitType = "burst"
	LimitMinute  LimitType = "minute"
	LimitHour    LimitType = "hour"
	LimitDay     LimitType = "day"
	LimitBlocked LimitType = "blocked"
)

func (t LimitType) String() string { return string(t) }

// Window returns the sliding window length governed by the limit type.
// LimitBlocked has no window.
func (t LimitType) Window() time.Duration {
	switch t {
	case LimitBurst:
		return 10 * time.Second
	case LimitMinute:
		return time.Minute
	case LimitHour:
		return time.Hour
	case LimitDay:
		return 24 * time.Hour
	}
	return 0
}

// WindowLimitTypes lists the sliding windows narrowest first.
func WindowLimitTypes() []LimitType {
	return []LimitType{LimitBurst, LimitMinute, LimitHour, LimitDay}
}
