package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/realtime-gate/internal/domain"
	"github.com/kursadbilgin/realtime-gate/internal/queue"
	"github.com/kursadbilgin/realtime-gate/internal/ratelimit"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestDispatcherProcessEventDelivers(t *testing.T) {
	t.Parallel()

	var (
		gotActor    string
		gotCategory domain.Category
		gotUsers    []string
		gotPayload  any
	)
	limiter := &fakeLimiter{
		allowFn: func(userID string, category domain.Category) ratelimit.Decision {
			gotActor = userID
			gotCategory = category
			return ratelimit.Decision{Allowed: true, Category: domain.CategoryLike, Remaining: 99}
		},
	}
	presence := &fakePresence{
		sendFn: func(ctx context.Context, payload any, userIDs ...string) int {
			gotPayload = payload
			gotUsers = userIDs
			return len(userIDs)
		},
	}

	dispatcher := newTestDispatcher(t, limiter, presence, zap.NewNop())

	err := dispatcher.processEvent(context.Background(), queue.RealtimeEvent{
		EventID:    "evt-1",
		ActorID:    "7",
		Category:   domain.CategoryLike,
		Recipients: []string{"8", "9"},
		Payload:    json.RawMessage(`{"postId":"p1"}`),
	})
	if err != nil {
		t.Fatalf("processEvent() error = %v", err)
	}

	if gotActor != "7" || gotCategory != domain.CategoryLike {
		t.Fatalf("Allow(%q, %q), want actor 7 and like", gotActor, gotCategory)
	}
	if len(gotUsers) != 2 || gotUsers[0] != "8" || gotUsers[1] != "9" {
		t.Fatalf("recipients = %v, want [8 9]", gotUsers)
	}

	envelope, ok := gotPayload.(Envelope)
	if !ok {
		t.Fatalf("payload type = %T, want Envelope", gotPayload)
	}
	if envelope.Type != "event" || envelope.EventID != "evt-1" || envelope.ActorID != "7" {
		t.Fatalf("envelope = %+v, want event evt-1 from 7", envelope)
	}
	if string(envelope.Payload) != `{"postId":"p1"}` {
		t.Fatalf("envelope payload = %s", envelope.Payload)
	}
	if !envelope.SentAt.Equal(time.Unix(1_700_000_000, 0).UTC()) {
		t.Fatalf("sentAt = %v, want fixed clock", envelope.SentAt)
	}
}

func TestDispatcherProcessEventDeniedIsAckedWithoutSend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		reason domain.LimitType
	}{
		{name: "rate limited", reason: domain.LimitBurst},
		{name: "blocked", reason: domain.LimitBlocked},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			core, recorded := observer.New(zapcore.InfoLevel)
			limiter := &fakeLimiter{
				allowFn: func(string, domain.Category) ratelimit.Decision {
					return ratelimit.Decision{Allowed: false, Reason: tt.reason, RetryAfter: 10 * time.Second}
				},
			}
			presence := &fakePresence{
				sendFn: func(context.Context, any, ...string) int {
					t.Fatal("Send must not be called for a denied event")
					return 0
				},
			}

			dispatcher := newTestDispatcher(t, limiter, presence, zap.New(core))

			err := dispatcher.processEvent(context.Background(), queue.RealtimeEvent{
				EventID:       "evt-2",
				CorrelationID: "cid-2",
				ActorID:       "7",
				Category:      domain.CategoryLike,
				Recipients:    []string{"8"},
				Payload:       json.RawMessage(`{}`),
			})
			if err != nil {
				t.Fatalf("processEvent() error = %v, denied events are acked", err)
			}

			entries := recorded.FilterMessage("event dropped by admission control").All()
			if len(entries) != 1 {
				t.Fatalf("drop logs = %d, want 1", len(entries))
			}
			fields := entries[0].ContextMap()
			if fields["reason"] != tt.reason.String() {
				t.Fatalf("logged reason = %v, want %s", fields["reason"], tt.reason)
			}
			if fields["correlationId"] != "cid-2" {
				t.Fatalf("logged correlationId = %v, want cid-2", fields["correlationId"])
			}
		})
	}
}

func TestDispatcherProcessEventOfflineRecipients(t *testing.T) {
	t.Parallel()

	limiter := &fakeLimiter{}
	presence := &fakePresence{
		sendFn: func(context.Context, any, ...string) int { return 0 },
	}

	dispatcher := newTestDispatcher(t, limiter, presence, zap.NewNop())

	err := dispatcher.processEvent(context.Background(), queue.RealtimeEvent{
		EventID:    "evt-3",
		ActorID:    "7",
		Category:   domain.CategoryMessage,
		Recipients: []string{"offline"},
		Payload:    json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("processEvent() error = %v, offline recipients are not an error", err)
	}
}

func TestDispatcherWithRealLimiterDropsOverBudget(t *testing.T) {
	t.Parallel()

	cfg := ratelimit.DefaultConfig()
	cfg.Profiles = map[domain.Category]ratelimit.Limits{
		domain.CategoryFollow: {Burst: 2, PerMinute: 10, PerHour: 100, PerDay: 1000},
	}
	limiter := ratelimit.NewLimiter(cfg, nil, zap.NewNop())
	t.Cleanup(limiter.Close)

	var sends atomic.Int64
	presence := &fakePresence{
		sendFn: func(context.Context, any, ...string) int {
			sends.Add(1)
			return 1
		},
	}

	dispatcher := newTestDispatcher(t, limiter, presence, zap.NewNop())
	for i := 0; i < 5; i++ {
		_ = dispatcher.processEvent(context.Background(), queue.RealtimeEvent{
			EventID:    "evt",
			ActorID:    "7",
			Category:   domain.CategoryFollow,
			Recipients: []string{"8"},
			Payload:    json.RawMessage(`{}`),
		})
	}

	if got := sends.Load(); got != 2 {
		t.Fatalf("sends = %d, want burst cap 2", got)
	}
}

func TestNewDispatcherValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewDispatcher(nil, &fakeLimiter{}, &fakePresence{}, 1, nil); err == nil {
		t.Fatal("expected error for nil consumer")
	}
	if _, err := NewDispatcher(&fakeConsumer{}, nil, &fakePresence{}, 1, nil); err == nil {
		t.Fatal("expected error for nil limiter")
	}
	if _, err := NewDispatcher(&fakeConsumer{}, &fakeLimiter{}, nil, 1, nil); err == nil {
		t.Fatal("expected error for nil presence")
	}

	dispatcher, err := NewDispatcher(&fakeConsumer{}, &fakeLimiter{}, &fakePresence{}, 0, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	if dispatcher.concurrency != minDispatchConcurrency {
		t.Fatalf("concurrency = %d, want %d", dispatcher.concurrency, minDispatchConcurrency)
	}
}

func TestDispatcherStartRunsWorkersOnEventsQueue(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		queues []string
	)
	consumer := &fakeConsumer{
		consumeFn: func(ctx context.Context, queueName string, handler queue.MessageHandler) error {
			mu.Lock()
			queues = append(queues, queueName)
			mu.Unlock()
			return nil
		},
	}

	dispatcher, err := NewDispatcher(consumer, &fakeLimiter{}, &fakePresence{}, 3, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	if err := dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if len(queues) != 3 {
		t.Fatalf("workers = %d, want 3", len(queues))
	}
	for _, name := range queues {
		if name != queue.EventsQueue {
			t.Fatalf("queue = %s, want %s", name, queue.EventsQueue)
		}
	}
}

func TestDispatcherStartPropagatesConsumerError(t *testing.T) {
	t.Parallel()

	consumeErr := errors.New("consume failed")
	consumer := &fakeConsumer{
		consumeFn: func(ctx context.Context, queueName string, handler queue.MessageHandler) error {
			return consumeErr
		},
	}

	dispatcher, err := NewDispatcher(consumer, &fakeLimiter{}, &fakePresence{}, 3, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	err = dispatcher.Start(context.Background())
	if !errors.Is(err, consumeErr) {
		t.Fatalf("Start() error = %v, want %v", err, consumeErr)
	}
}

func newTestDispatcher(t *testing.T, limiter ratelimit.RateLimiter, presence Presence, logger *zap.Logger) *Dispatcher {
	t.Helper()

	dispatcher, err := NewDispatcher(&fakeConsumer{}, limiter, presence, 1, logger)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	dispatcher.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return dispatcher
}

type fakeLimiter struct {
	checkFn  func(userID string, category domain.Category) ratelimit.Decision
	recordFn func(userID string, category domain.Category)
	allowFn  func(userID string, category domain.Category) ratelimit.Decision
}

func (f *fakeLimiter) CheckAndClassify(userID string, category domain.Category) ratelimit.Decision {
	if f.checkFn != nil {
		return f.checkFn(userID, category)
	}
	return ratelimit.Decision{Allowed: true, Category: category}
}

func (f *fakeLimiter) Record(userID string, category domain.Category) {
	if f.recordFn != nil {
		f.recordFn(userID, category)
	}
}

func (f *fakeLimiter) Allow(userID string, category domain.Category) ratelimit.Decision {
	if f.allowFn != nil {
		return f.allowFn(userID, category)
	}
	return ratelimit.Decision{Allowed: true, Category: category}
}

type fakePresence struct {
	sendFn func(ctx context.Context, payload any, userIDs ...string) int
}

func (f *fakePresence) Send(ctx context.Context, payload any, userIDs ...string) int {
	if f.sendFn != nil {
		return f.sendFn(ctx, payload, userIDs...)
	}
	return 0
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queue string, handler queue.MessageHandler) error
	closeFn   func() error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}
