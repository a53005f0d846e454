package ratelimit

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/realtime-gate/internal/domain"
	"github.com/kursadbilgin/realtime-gate/internal/observability"
	"go.uber.org/zap"
)

const (
	reasonTooManyViolations = "too many violations"

	blockSourceEscalation = "escalation"
	blockSourceAdmin      = "admin"
)

// RateLimiter gates notification-producing actions per user and category.
type RateLimiter interface {
	CheckAndClassify(userID string, category domain.Category) Decision
	Record(userID string, category domain.Category)
	Allow(userID string, category domain.Category) Decision
}

// AuditSink receives moderation events. Implementations must not block.
type AuditSink interface {
	Violation(v domain.Violation)
	Blocked(b domain.Block)
	Unblocked(userID string, at time.Time)
}

var _ RateLimiter = (*Limiter)(nil)

// Decision is the typed outcome of an admission check. Denials are never errors.
type Decision struct {
	Allowed  bool
	Category domain.Category
	// Reason is empty when allowed.
	Reason     domain.LimitType
	RetryAfter time.Duration
	// Remaining is the minute-window headroom for allowed decisions, -1 when the
	// minute window is disabled.
	Remaining int
	Count     int
	Limit     int
}

// Stats is an aggregate snapshot for administrative tooling.
type Stats struct {
	TotalChecks         int64
	TotalAllowed        int64
	TotalDenied         int64
	TotalRecorded       int64
	TotalViolations     int64
	TotalBlocks         int64
	TrackedUsers        int
	ActiveBlocks        int
	EscalationThreshold int
	BlockDuration       time.Duration
	TrackerHardCap      int
	Profiles            map[domain.Category]Limits
}

type userState struct {
	mu         sync.Mutex
	trackers   map[domain.Category]*tracker
	violations []domain.Violation
	escalating bool
	generation uint64
	removed    bool
}

func newUserState() *userState {
	return &userState{trackers: make(map[domain.Category]*tracker)}
}

// Limiter is the in-process admission controller. State for a (user, category)
// key is serialized by that key's tracker lock; unrelated keys never contend.
type Limiter struct {
	cfg     Config
	users   sync.Map // userID -> *userState
	blocks  sync.Map // userID -> *domain.Block
	sink    AuditSink
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	escalations sync.WaitGroup

	checks     atomic.Int64
	allowed    atomic.Int64
	denied     atomic.Int64
	recorded   atomic.Int64
	violations atomic.Int64
	blockCount atomic.Int64
}

func NewLimiter(cfg Config, sink AuditSink, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Limiter{
		cfg:    cfg.withDefaults(),
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

func (l *Limiter) SetMetrics(metrics *observability.Metrics) {
	if l == nil {
		return
	}
	l.metrics = metrics
}

// CheckAndClassify decides whether userID may perform an action of category now.
// It never consumes budget; call Record once the action happened.
func (l *Limiter) CheckAndClassify(userID string, category domain.Category) Decision {
	return l.evaluate(userID, category, false)
}

// Allow is CheckAndClassify followed by Record under the same key lock, so two
// concurrent callers can never both pass the last free slot.
func (l *Limiter) Allow(userID string, category domain.Category) Decision {
	return l.evaluate(userID, category, true)
}

// Record appends an event for (userID, category).
func (l *Limiter) Record(userID string, category domain.Category) {
	category = domain.NormalizeCategory(category.String())
	now := l.now()

	tr := l.lockTracker(userID, category)
	tr.purge(now)
	tr.append(now, l.cfg.TrackerHardCap)
	tr.mu.Unlock()

	l.recorded.Add(1)
}

func (l *Limiter) evaluate(userID string, category domain.Category, record bool) Decision {
	category = domain.NormalizeCategory(category.String())
	now := l.now()
	l.checks.Add(1)

	if block, ok := l.activeBlock(userID, now); ok {
		l.denied.Add(1)
		l.metrics.ObserveAdmission(category.String(), domain.LimitBlocked.String())
		return Decision{
			Allowed:    false,
			Category:   category,
			Reason:     domain.LimitBlocked,
			RetryAfter: block.Remaining(now),
		}
	}

	limits := l.limitsFor(category)

	tr := l.lockTracker(userID, category)
	tr.purge(now)
	decision := tr.classify(now, limits)
	if decision.Allowed && record {
		tr.append(now, l.cfg.TrackerHardCap)
		decision.Count++
		decision.Remaining = remaining(limits.PerMinute, decision.Count)
	}
	tr.mu.Unlock()

	decision.Category = category
	if decision.Allowed {
		l.allowed.Add(1)
		if record {
			l.recorded.Add(1)
		}
		l.metrics.ObserveAdmission(category.String(), "allowed")
		return decision
	}

	l.denied.Add(1)
	l.metrics.ObserveAdmission(category.String(), decision.Reason.String())
	l.recordViolation(userID, decision, now)
	return decision
}

func (l *Limiter) limitsFor(category domain.Category) Limits {
	if limits, ok := l.cfg.Profiles[category]; ok {
		return limits
	}
	return l.cfg.Profiles[domain.CategoryDefault]
}

// lockTracker returns the live tracker for the key with its lock held.
func (l *Limiter) lockTracker(userID string, category domain.Category) *tracker {
	for {
		tr := l.trackerFor(userID, category)
		tr.mu.Lock()
		if !tr.removed {
			return tr
		}
		tr.mu.Unlock()
	}
}

func (l *Limiter) trackerFor(userID string, category domain.Category) *tracker {
	for {
		st := l.userStateFor(userID)
		st.mu.Lock()
		if st.removed {
			st.mu.Unlock()
			continue
		}
		tr, ok := st.trackers[category]
		if !ok {
			tr = &tracker{}
			st.trackers[category] = tr
		}
		st.mu.Unlock()
		return tr
	}
}

func (l *Limiter) userStateFor(userID string) *userState {
	if v, ok := l.users.Load(userID); ok {
		return v.(*userState)
	}
	v, _ := l.users.LoadOrStore(userID, newUserState())
	return v.(*userState)
}

func (l *Limiter) recordViolation(userID string, decision Decision, now time.Time) {
	violation := domain.Violation{
		UserID:     userID,
		Category:   decision.Category,
		LimitType:  decision.Reason,
		Count:      decision.Count,
		Limit:      decision.Limit,
		Timestamp:  now,
		RetryAfter: decision.RetryAfter,
	}

	var (
		escalate   bool
		generation uint64
	)
	for {
		st := l.userStateFor(userID)
		st.mu.Lock()
		if st.removed {
			st.mu.Unlock()
			continue
		}
		st.violations = append(pruneViolations(st.violations, now), violation)
		if len(st.violations) >= l.cfg.EscalationThreshold && !st.escalating {
			st.escalating = true
			escalate = true
			generation = st.generation
		}
		st.mu.Unlock()
		break
	}

	l.violations.Add(1)
	l.metrics.IncViolation(decision.Category.String(), decision.Reason.String())
	l.logger.Debug("rate limit violation",
		zap.String("userId", userID),
		zap.String("category", decision.Category.String()),
		zap.String("limitType", decision.Reason.String()),
		zap.Int("count", decision.Count),
		zap.Int("limit", decision.Limit),
	)
	if l.sink != nil {
		l.sink.Violation(violation)
	}

	if escalate {
		l.escalations.Add(1)
		go l.escalate(userID, generation)
	}
}

// escalate runs off the admission path and applies the automatic block unless
// the user's limits were reset in the meantime. The block is stored under st.mu
// so a concurrent ResetLimits either bumps the generation first or clears it.
func (l *Limiter) escalate(userID string, generation uint64) {
	defer l.escalations.Done()

	v, ok := l.users.Load(userID)
	if !ok {
		return
	}
	st := v.(*userState)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.escalating = false
	if st.generation != generation {
		return
	}

	l.applyBlock(userID, l.cfg.BlockDuration, reasonTooManyViolations, blockSourceEscalation)
}

// Block denies every category for userID until duration elapses.
func (l *Limiter) Block(userID string, duration time.Duration, reason string) (domain.Block, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Block{}, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	if duration <= 0 {
		return domain.Block{}, fmt.Errorf("%w: block duration must be positive", domain.ErrValidation)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "manual block"
	}

	return l.applyBlock(userID, duration, reason, blockSourceAdmin), nil
}

func (l *Limiter) applyBlock(userID string, duration time.Duration, reason string, source string) domain.Block {
	now := l.now()
	block := &domain.Block{
		UserID:    userID,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
	}
	l.blocks.Store(userID, block)

	l.blockCount.Add(1)
	l.metrics.IncBlockApplied(source)
	l.logger.Warn("user blocked",
		zap.String("userId", userID),
		zap.String("reason", reason),
		zap.String("source", source),
		zap.Time("expiresAt", block.ExpiresAt),
	)
	if l.sink != nil {
		l.sink.Blocked(*block)
	}

	return *block
}

// Unblock lifts an active block. Unblocking a user that is not blocked is a no-op.
func (l *Limiter) Unblock(userID string) bool {
	v, ok := l.blocks.LoadAndDelete(userID)
	if !ok {
		return false
	}

	now := l.now()
	if !v.(*domain.Block).Active(now) {
		return false
	}

	l.logger.Info("user unblocked", zap.String("userId", userID))
	if l.sink != nil {
		l.sink.Unblocked(userID, now)
	}
	return true
}

// IsBlocked returns the active block for userID, clearing an expired one.
func (l *Limiter) IsBlocked(userID string) (domain.Block, bool) {
	return l.activeBlock(userID, l.now())
}

func (l *Limiter) activeBlock(userID string, now time.Time) (domain.Block, bool) {
	v, ok := l.blocks.Load(userID)
	if !ok {
		return domain.Block{}, false
	}

	block := v.(*domain.Block)
	if block.Active(now) {
		return *block, true
	}

	l.blocks.CompareAndDelete(userID, block)
	return domain.Block{}, false
}

// ResetLimits clears trackers, violations and block state for userID.
func (l *Limiter) ResetLimits(userID string) {
	if v, ok := l.users.Load(userID); ok {
		st := v.(*userState)
		st.mu.Lock()
		for _, tr := range st.trackers {
			tr.mu.Lock()
			tr.events = nil
			tr.mu.Unlock()
		}
		st.violations = nil
		st.escalating = false
		st.generation++
		st.mu.Unlock()
	}
	l.blocks.Delete(userID)

	l.logger.Info("rate limits reset", zap.String("userId", userID))
}

// GetRecentViolations returns the trailing 24h violations, oldest first.
func (l *Limiter) GetRecentViolations(userID string) []domain.Violation {
	v, ok := l.users.Load(userID)
	if !ok {
		return []domain.Violation{}
	}
	st := v.(*userState)

	now := l.now()
	st.mu.Lock()
	st.violations = pruneViolations(st.violations, now)
	out := make([]domain.Violation, len(st.violations))
	copy(out, st.violations)
	st.mu.Unlock()

	return out
}

func (l *Limiter) GetStats() Stats {
	now := l.now()

	trackedUsers := 0
	l.users.Range(func(_, _ any) bool {
		trackedUsers++
		return true
	})

	activeBlocks := 0
	l.blocks.Range(func(_, v any) bool {
		if v.(*domain.Block).Active(now) {
			activeBlocks++
		}
		return true
	})

	profiles := make(map[domain.Category]Limits, len(l.cfg.Profiles))
	for category, limits := range l.cfg.Profiles {
		profiles[category] = limits
	}

	return Stats{
		TotalChecks:         l.checks.Load(),
		TotalAllowed:        l.allowed.Load(),
		TotalDenied:         l.denied.Load(),
		TotalRecorded:       l.recorded.Load(),
		TotalViolations:     l.violations.Load(),
		TotalBlocks:         l.blockCount.Load(),
		TrackedUsers:        trackedUsers,
		ActiveBlocks:        activeBlocks,
		EscalationThreshold: l.cfg.EscalationThreshold,
		BlockDuration:       l.cfg.BlockDuration,
		TrackerHardCap:      l.cfg.TrackerHardCap,
		Profiles:            profiles,
	}
}

// Sweep prunes aged-out tracker entries, empty trackers, idle users and expired
// blocks. It returns the number of user states released.
func (l *Limiter) Sweep() int {
	now := l.now()
	released := 0

	l.users.Range(func(key, value any) bool {
		st := value.(*userState)

		st.mu.Lock()
		for category, tr := range st.trackers {
			tr.mu.Lock()
			tr.purge(now)
			if len(tr.events) == 0 {
				tr.removed = true
				delete(st.trackers, category)
			}
			tr.mu.Unlock()
		}
		st.violations = pruneViolations(st.violations, now)
		if len(st.trackers) == 0 && len(st.violations) == 0 && !st.escalating {
			st.removed = true
			l.users.CompareAndDelete(key, st)
			released++
		}
		st.mu.Unlock()
		return true
	})

	l.blocks.Range(func(key, value any) bool {
		if !value.(*domain.Block).Active(now) {
			l.blocks.CompareAndDelete(key, value)
		}
		return true
	})

	return released
}

// Close waits for in-flight escalations.
func (l *Limiter) Close() {
	l.escalations.Wait()
}

func pruneViolations(violations []domain.Violation, now time.Time) []domain.Violation {
	cutoff := now.Add(-retention)
	idx := 0
	for idx < len(violations) && !violations[idx].Timestamp.After(cutoff) {
		idx++
	}
	if idx == 0 {
		return violations
	}
	return append(violations[:0], violations[idx:]...)
}
