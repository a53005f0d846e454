package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/realtime-gate/internal/domain"
	"github.com/kursadbilgin/realtime-gate/internal/observability"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWriterFansOutToEverySink(t *testing.T) {
	t.Parallel()

	first := &fakeSink{name: "first"}
	second := &fakeSink{name: "second"}
	writer := NewWriter(8, zap.NewNop(), first, nil, second)
	writer.newID = func() string { return "fixed-id" }

	at := time.Unix(1_700_000_000, 0)
	writer.Violation(domain.Violation{UserID: "7", Category: domain.CategoryLike, LimitType: domain.LimitBurst, Timestamp: at})
	writer.Blocked(domain.Block{UserID: "7", Reason: "spam", CreatedAt: at, ExpiresAt: at.Add(time.Hour)})
	writer.Unblocked("7", at.Add(time.Minute))

	runUntilDrained(t, writer)

	for _, sink := range []*fakeSink{first, second} {
		events := sink.snapshot()
		if len(events) != 3 {
			t.Fatalf("%s events = %d, want 3", sink.name, len(events))
		}
		want := []domain.AuditEventType{domain.AuditViolation, domain.AuditBlocked, domain.AuditUnblocked}
		for i, event := range events {
			if event.Type != want[i] {
				t.Fatalf("%s event[%d] = %s, want %s", sink.name, i, event.Type, want[i])
			}
			if event.ID != "fixed-id" {
				t.Fatalf("%s event[%d] id = %q, want fixed-id", sink.name, i, event.ID)
			}
		}
	}
}

func TestWriterDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.WarnLevel)
	writer := NewWriter(1, zap.New(core))
	writer.SetMetrics(observability.NewMetrics())

	writer.Unblocked("1", time.Now())
	writer.Unblocked("2", time.Now())

	if got := recorded.FilterMessage("audit buffer full, event dropped").Len(); got != 1 {
		t.Fatalf("drop logs = %d, want 1", got)
	}
	if got := len(writer.events); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}
}

func TestWriterSinkErrorDoesNotStopOtherSinks(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.ErrorLevel)
	failing := &fakeSink{name: "failing", err: errors.New("db down")}
	healthy := &fakeSink{name: "healthy"}
	writer := NewWriter(4, zap.New(core), failing, healthy)

	writer.Unblocked("7", time.Now())
	runUntilDrained(t, writer)

	if got := len(healthy.snapshot()); got != 1 {
		t.Fatalf("healthy sink events = %d, want 1", got)
	}
	entries := recorded.FilterMessage("audit sink write failed").All()
	if len(entries) != 1 {
		t.Fatalf("error logs = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["sink"]; got != "failing" {
		t.Fatalf("logged sink = %v, want failing", got)
	}
}

func TestWriterStartReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	writer := NewWriter(0, nil)
	if err := writer.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if cap(writer.events) != defaultBufferSize {
		t.Fatalf("buffer size = %d, want %d", cap(writer.events), defaultBufferSize)
	}
}

// runUntilDrained starts the writer on a cancelled context so Start drains the
// buffered events and returns.
func runUntilDrained(t *testing.T, writer *Writer) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := writer.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

type fakeSink struct {
	name string
	err  error

	mu     sync.Mutex
	events []domain.AuditEvent
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Write(_ context.Context, event domain.AuditEvent) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeSink) snapshot() []domain.AuditEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.AuditEvent, len(f.events))
	copy(out, f.events)
	return out
}
