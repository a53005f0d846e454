package ratelimit

import (
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/realtime-gate/internal/domain"
)

// tracker is the sliding log of event timestamps for one (user, category) key.
// events is ordered and non-decreasing; all access happens under mu.
type tracker struct {
	mu      sync.Mutex
	events  []time.Time
	removed bool
}

// purge drops entries that left the retention window.
func (t *tracker) purge(now time.Time) {
	cutoff := now.Add(-retention)
	idx := sort.Search(len(t.events), func(i int) bool {
		return t.events[i].After(cutoff)
	})
	if idx == 0 {
		return
	}
	if idx == len(t.events) {
		t.events = t.events[:0]
		return
	}
	t.events = append(t.events[:0], t.events[idx:]...)
}

// countSince returns the number of entries younger than window.
func (t *tracker) countSince(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	idx := sort.Search(len(t.events), func(i int) bool {
		return t.events[i].After(cutoff)
	})
	return len(t.events) - idx
}

// append records an event, clamping to the last timestamp so the log stays
// non-decreasing, and trims the oldest entries beyond hardCap.
func (t *tracker) append(now time.Time, hardCap int) {
	if n := len(t.events); n > 0 && now.Before(t.events[n-1]) {
		now = t.events[n-1]
	}
	t.events = append(t.events, now)

	if hardCap > 0 && len(t.events) > hardCap {
		excess := len(t.events) - hardCap
		t.events = append(t.events[:0], t.events[excess:]...)
	}
}

// classify evaluates the windows narrowest first. The first window whose count
// reached its cap decides the denial.
func (t *tracker) classify(now time.Time, limits Limits) Decision {
	for _, limitType := range domain.WindowLimitTypes() {
		limit := limits.Cap(limitType)
		if limit <= 0 {
			continue
		}

		count := t.countSince(now, limitType.Window())
		if count >= limit {
			return Decision{
				Allowed:    false,
				Reason:     limitType,
				RetryAfter: limitType.Window(),
				Count:      count,
				Limit:      limit,
			}
		}
	}

	minuteCount := t.countSince(now, domain.LimitMinute.Window())
	return Decision{
		Allowed:   true,
		Count:     minuteCount,
		Limit:     limits.PerMinute,
		Remaining: remaining(limits.PerMinute, minuteCount),
	}
}

func remaining(limit int, count int) int {
	if limit <= 0 {
		return -1
	}
	if count >= limit {
		return 0
	}
	return limit - count
}
