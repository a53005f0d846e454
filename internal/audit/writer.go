package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/realtime-gate/internal/domain"
	"github.com/kursadbilgin/realtime-gate/internal/observability"
	"github.com/kursadbilgin/realtime-gate/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	defaultBufferSize  = 1024
	defaultSinkTimeout = 5 * time.Second
	drainTimeout       = 5 * time.Second
)

// Sink persists or forwards one moderation audit event.
type Sink interface {
	Name() string
	Write(ctx context.Context, event domain.AuditEvent) error
}

var _ ratelimit.AuditSink = (*Writer)(nil)

// Writer decouples the admission path from audit I/O. Events are queued on a
// bounded buffer and dropped when it is full; a single worker fans each event
// out to every sink.
type Writer struct {
	events      chan domain.AuditEvent
	sinks       []Sink
	logger      *zap.Logger
	metrics     *observability.Metrics
	sinkTimeout time.Duration
	newID       func() string
}

func NewWriter(bufferSize int, logger *zap.Logger, sinks ...Sink) *Writer {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	active := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			active = append(active, sink)
		}
	}

	return &Writer{
		events:      make(chan domain.AuditEvent, bufferSize),
		sinks:       active,
		logger:      logger,
		sinkTimeout: defaultSinkTimeout,
		newID:       uuid.NewString,
	}
}

func (w *Writer) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

func (w *Writer) Violation(v domain.Violation) {
	w.enqueue(domain.NewViolationEvent(w.newID(), v))
}

func (w *Writer) Blocked(b domain.Block) {
	w.enqueue(domain.NewBlockEvent(w.newID(), b))
}

func (w *Writer) Unblocked(userID string, at time.Time) {
	w.enqueue(domain.NewUnblockEvent(w.newID(), userID, at))
}

func (w *Writer) enqueue(event domain.AuditEvent) {
	select {
	case w.events <- event:
	default:
		w.metrics.IncAuditDropped()
		w.logger.Warn("audit buffer full, event dropped",
			zap.String("type", event.Type.String()),
			zap.String("userId", event.UserID),
		)
	}
}

// Start delivers queued events until context cancellation, then drains what is
// already buffered within a bounded grace period.
func (w *Writer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return nil
		case event := <-w.events:
			w.deliver(ctx, event)
		}
	}
}

func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case event := <-w.events:
			w.deliver(ctx, event)
		default:
			return
		}
		if ctx.Err() != nil {
			w.logger.Warn("audit drain timed out", zap.Int("pending", len(w.events)))
			return
		}
	}
}

func (w *Writer) deliver(ctx context.Context, event domain.AuditEvent) {
	for _, sink := range w.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, w.sinkTimeout)
		err := sink.Write(sinkCtx, event)
		cancel()

		if err != nil {
			w.metrics.IncAuditSinkError(sink.Name())
			w.logger.Error("audit sink write failed",
				zap.String("sink", sink.Name()),
				zap.String("eventId", event.ID),
				zap.String("type", event.Type.String()),
				zap.Error(err),
			)
		}
	}
}
