package registry

import (
	"context"
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
	defaultMaxChannelsPerUser = 10
	defaultMaxChannelsGlobal  = 10000

	groupPrefix = "user:"

	evictPerUserCap = "per_user_cap"
	evictForced     = "forced"
	evictIdle       = "idle"

	rejectGlobalCap = "global_cap"
	rejectConflict  = "conflict"
)

var (
	// ErrCapacityExceeded rejects a registration when the global channel cap is reached.
	ErrCapacityExceeded = fmt.Errorf("%w: global channel cap reached", domain.ErrCapacityExceeded)
	// ErrChannelConflict rejects a channel id already owned by another user.
	ErrChannelConflict = fmt.Errorf("%w: channel is registered to another user", domain.ErrConflict)
)

// Transport is the delivery layer behind the registry. Calls are made while the
// user's entry is locked, so implementations must not block and must not call
// back into the Registry synchronously.
type Transport interface {
	JoinGroup(group string, channelID string) error
	LeaveGroup(group string, channelID string) error
	SendToGroup(ctx context.Context, group string, payload any) error
	Disconnect(channelID string) error
}

type Config struct {
	MaxChannelsPerUser int
	MaxChannelsGlobal  int
}

func (c Config) withDefaults() Config {
	if c.MaxChannelsPerUser <= 0 {
		c.MaxChannelsPerUser = defaultMaxChannelsPerUser
	}
	if c.MaxChannelsGlobal <= 0 {
		c.MaxChannelsGlobal = defaultMaxChannelsGlobal
	}
	return c
}

// Stats is a point-in-time presence snapshot. Per-user values are read under
// each user's lock, so the maps may be momentarily inconsistent with the totals.
type Stats struct {
	ActiveUsers        int                  `json:"activeUsers"`
	TotalChannels      int                  `json:"totalChannels"`
	TotalCreated       int64                `json:"totalCreated"`
	TotalRemoved       int64                `json:"totalRemoved"`
	MaxChannelsPerUser int                  `json:"maxChannelsPerUser"`
	MaxChannelsGlobal  int                  `json:"maxChannelsGlobal"`
	ChannelsPerUser    map[string]int       `json:"channelsPerUser"`
	LastActivity       map[string]time.Time `json:"lastActivity"`
}

// userEntry holds one user's channels oldest first. An entry flagged removed has
// been unlinked from the registry and must not be mutated again.
type userEntry struct {
	mu           sync.Mutex
	channels     []string
	lastActivity time.Time
	removed      bool
}

func (e *userEntry) indexOf(channelID string) int {
	for i, id := range e.channels {
		if id == channelID {
			return i
		}
	}
	return -1
}

// Registry is the in-process presence registry.
type Registry struct {
	cfg       Config
	transport Transport
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	users  sync.Map // userID -> *userEntry
	owners sync.Map // channelID -> userID

	total   atomic.Int64
	online  atomic.Int64
	created atomic.Int64
	removed atomic.Int64
}

func New(cfg Config, transport Transport, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if transport == nil {
		transport = noopTransport{}
	}

	return &Registry{
		cfg:       cfg.withDefaults(),
		transport: transport,
		logger:    logger,
		now:       time.Now,
	}
}

func (r *Registry) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

// GroupName is the transport broadcast group of a user.
func GroupName(userID string) string {
	return groupPrefix + userID
}

// AddChannel registers channelID for userID. When the user is at the per-user cap
// the oldest channels are evicted to make room; the global cap is a hard rejection.
// Re-adding a channel the user already owns only refreshes activity.
func (r *Registry) AddChannel(userID string, channelID string) error {
	userID = strings.TrimSpace(userID)
	channelID = strings.TrimSpace(channelID)
	if userID == "" || channelID == "" {
		return fmt.Errorf("%w: user id and channel id are required", domain.ErrValidation)
	}

	for {
		entry := r.entryFor(userID)
		entry.mu.Lock()
		if entry.removed {
			entry.mu.Unlock()
			continue
		}

		err := r.addLocked(entry, userID, channelID)
		entry.mu.Unlock()
		return err
	}
}

func (r *Registry) addLocked(entry *userEntry, userID string, channelID string) error {
	now := r.now()

	if entry.indexOf(channelID) >= 0 {
		entry.lastActivity = now
		return nil
	}

	if owner, loaded := r.owners.LoadOrStore(channelID, userID); loaded && owner.(string) != userID {
		r.metrics.IncChannelRejected(rejectConflict)
		r.dropIfEmpty(userID, entry)
		return ErrChannelConflict
	}

	if len(entry.channels) >= r.cfg.MaxChannelsPerUser {
		// Eviction frees a slot for the new channel, so the global total is unchanged.
		excess := len(entry.channels) - r.cfg.MaxChannelsPerUser + 1
		evicted := make([]string, excess)
		copy(evicted, entry.channels[:excess])
		entry.channels = append(entry.channels[:0], entry.channels[excess:]...)

		for _, id := range evicted {
			r.owners.CompareAndDelete(id, userID)
			r.leave(userID, id)
			r.disconnect(id)
			r.metrics.IncChannelEvicted(evictPerUserCap)
			r.logger.Debug("channel evicted",
				zap.String("userId", userID),
				zap.String("channelId", id),
				zap.String("reason", evictPerUserCap),
			)
		}
		r.removed.Add(int64(len(evicted)))
		r.total.Add(int64(1 - len(evicted)))
	} else if !r.reserveSlot() {
		r.owners.CompareAndDelete(channelID, userID)
		r.metrics.IncChannelRejected(rejectGlobalCap)
		r.dropIfEmpty(userID, entry)
		r.logger.Warn("channel rejected, global cap reached",
			zap.String("userId", userID),
			zap.Int("maxChannelsGlobal", r.cfg.MaxChannelsGlobal),
		)
		return ErrCapacityExceeded
	}

	if len(entry.channels) == 0 {
		r.online.Add(1)
	}
	entry.channels = append(entry.channels, channelID)
	entry.lastActivity = now
	r.created.Add(1)

	if err := r.transport.JoinGroup(GroupName(userID), channelID); err != nil {
		r.logger.Warn("transport join group failed",
			zap.String("userId", userID),
			zap.String("channelId", channelID),
			zap.Error(err),
		)
	}

	r.metrics.IncChannelRegistered()
	r.publishPresence()
	return nil
}

// reserveSlot claims one unit of global capacity.
func (r *Registry) reserveSlot() bool {
	limit := int64(r.cfg.MaxChannelsGlobal)
	for {
		current := r.total.Load()
		if current >= limit {
			return false
		}
		if r.total.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// RemoveChannel unregisters one channel. Unknown users or channels are a no-op.
func (r *Registry) RemoveChannel(userID string, channelID string) bool {
	v, ok := r.users.Load(userID)
	if !ok {
		return false
	}
	entry := v.(*userEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return false
	}

	idx := entry.indexOf(channelID)
	if idx < 0 {
		return false
	}

	entry.channels = append(entry.channels[:idx], entry.channels[idx+1:]...)
	r.owners.CompareAndDelete(channelID, userID)
	r.total.Add(-1)
	r.removed.Add(1)
	r.leave(userID, channelID)

	if len(entry.channels) == 0 {
		r.online.Add(-1)
		r.unlink(userID, entry)
	}
	r.publishPresence()
	return true
}

// RemoveAllChannels force-evicts every channel of userID and disconnects them.
// It returns the number of channels removed.
func (r *Registry) RemoveAllChannels(userID string) int {
	v, ok := r.users.Load(userID)
	if !ok {
		return 0
	}
	entry := v.(*userEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return 0
	}

	n := r.evictAllLocked(userID, entry, evictForced)
	r.publishPresence()
	return n
}

func (r *Registry) evictAllLocked(userID string, entry *userEntry, reason string) int {
	n := len(entry.channels)
	for _, id := range entry.channels {
		r.owners.CompareAndDelete(id, userID)
		r.leave(userID, id)
		r.disconnect(id)
		r.metrics.IncChannelEvicted(reason)
	}
	entry.channels = nil

	if n > 0 {
		r.total.Add(int64(-n))
		r.removed.Add(int64(n))
		r.online.Add(-1)
	}
	r.unlink(userID, entry)

	r.logger.Info("user channels evicted",
		zap.String("userId", userID),
		zap.Int("channels", n),
		zap.String("reason", reason),
	)
	return n
}

// Send fans payload out to every channel of the given users. Users without a
// channel are skipped silently. It returns the number of users reached.
func (r *Registry) Send(ctx context.Context, payload any, userIDs ...string) int {
	reached := 0
	seen := make(map[string]struct{}, len(userIDs))

	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		if !r.IsOnline(userID) {
			continue
		}

		if err := r.transport.SendToGroup(ctx, GroupName(userID), payload); err != nil {
			r.logger.Warn("transport send failed",
				zap.String("userId", userID),
				zap.Error(err),
			)
			continue
		}
		reached++
	}

	return reached
}

func (r *Registry) IsOnline(userID string) bool {
	v, ok := r.users.Load(userID)
	if !ok {
		return false
	}
	entry := v.(*userEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return !entry.removed && len(entry.channels) > 0
}

// Touch refreshes the user's last activity. It reports whether the user is registered.
func (r *Registry) Touch(userID string) bool {
	v, ok := r.users.Load(userID)
	if !ok {
		return false
	}
	entry := v.(*userEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return false
	}
	entry.lastActivity = r.now()
	return true
}

// Channels returns the user's channel ids, oldest first.
func (r *Registry) Channels(userID string) []string {
	v, ok := r.users.Load(userID)
	if !ok {
		return []string{}
	}
	entry := v.(*userEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]string, len(entry.channels))
	copy(out, entry.channels)
	return out
}

func (r *Registry) Stats() Stats {
	stats := Stats{
		TotalCreated:       r.created.Load(),
		TotalRemoved:       r.removed.Load(),
		MaxChannelsPerUser: r.cfg.MaxChannelsPerUser,
		MaxChannelsGlobal:  r.cfg.MaxChannelsGlobal,
		ChannelsPerUser:    make(map[string]int),
		LastActivity:       make(map[string]time.Time),
	}

	r.users.Range(func(key, value any) bool {
		userID := key.(string)
		entry := value.(*userEntry)

		entry.mu.Lock()
		if !entry.removed && len(entry.channels) > 0 {
			stats.ChannelsPerUser[userID] = len(entry.channels)
			stats.LastActivity[userID] = entry.lastActivity
			stats.TotalChannels += len(entry.channels)
		}
		entry.mu.Unlock()
		return true
	})
	stats.ActiveUsers = len(stats.ChannelsPerUser)

	return stats
}

// CleanupIdle evicts every user whose last activity is older than threshold and
// returns how many users were evicted.
func (r *Registry) CleanupIdle(threshold time.Duration) int {
	cutoff := r.now().Add(-threshold)
	evicted := 0

	r.users.Range(func(key, value any) bool {
		userID := key.(string)
		entry := value.(*userEntry)

		entry.mu.Lock()
		// An empty live entry belongs to an AddChannel that has not locked it yet.
		if !entry.removed && len(entry.channels) > 0 && entry.lastActivity.Before(cutoff) {
			r.evictAllLocked(userID, entry, evictIdle)
			evicted++
		}
		entry.mu.Unlock()
		return true
	})

	if evicted > 0 {
		r.metrics.AddIdleEvicted(evicted)
		r.publishPresence()
	}
	return evicted
}

func (r *Registry) entryFor(userID string) *userEntry {
	if v, ok := r.users.Load(userID); ok {
		return v.(*userEntry)
	}
	v, _ := r.users.LoadOrStore(userID, &userEntry{})
	return v.(*userEntry)
}

// dropIfEmpty unlinks an entry that was created for a registration which did not succeed.
func (r *Registry) dropIfEmpty(userID string, entry *userEntry) {
	if len(entry.channels) == 0 {
		r.unlink(userID, entry)
	}
}

func (r *Registry) unlink(userID string, entry *userEntry) {
	entry.removed = true
	r.users.CompareAndDelete(userID, entry)
}

func (r *Registry) leave(userID string, channelID string) {
	if err := r.transport.LeaveGroup(GroupName(userID), channelID); err != nil {
		r.logger.Warn("transport leave group failed",
			zap.String("userId", userID),
			zap.String("channelId", channelID),
			zap.Error(err),
		)
	}
}

func (r *Registry) disconnect(channelID string) {
	if err := r.transport.Disconnect(channelID); err != nil {
		r.logger.Warn("transport disconnect failed",
			zap.String("channelId", channelID),
			zap.Error(err),
		)
	}
}

func (r *Registry) publishPresence() {
	r.metrics.SetPresence(int(r.online.Load()), int(r.total.Load()))
}

type noopTransport struct{}

func (noopTransport) JoinGroup(string, string) error                 { return nil }
func (noopTransport) LeaveGroup(string, string) error                { return nil }
func (noopTransport) SendToGroup(context.Context, string, any) error { return nil }
func (noopTransport) Disconnect(string) error                        { return nil }
