package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/realtime-gate/internal/domain"
	"github.com/kursadbilgin/realtime-gate/internal/observability"
	"github.com/kursadbilgin/realtime-gate/internal/queue"
	"github.com/kursadbilgin/realtime-gate/internal/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minDispatchConcurrency = 1

	outcomeDelivered   = "delivered"
	outcomeOffline     = "offline"
	outcomeRateLimited = "rate_limited"
	outcomeBlocked     = "blocked"
)

// Presence delivers payloads to users' open channels.
type Presence interface {
	Send(ctx context.Context, payload any, userIDs ...string) int
}

// Envelope is the frame pushed to recipients' channels.
type Envelope struct {
	Type     string          `json:"type"`
	EventID  string          `json:"eventId"`
	Category domain.Category `json:"category"`
	ActorID  string          `json:"actorId"`
	Payload  json.RawMessage `json:"payload"`
	SentAt   time.Time       `json:"sentAt"`
}

// Dispatcher admits realtime events against the actor's rate limits and fans
// admitted events out to the recipients' channels.
type Dispatcher struct {
	consumer    queue.Consumer
	limiter     ratelimit.RateLimiter
	presence    Presence
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
	now         func() time.Time
}

func NewDispatcher(
	consumer queue.Consumer,
	limiter ratelimit.RateLimiter,
	presence Presence,
	concurrency int,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if presence == nil {
		return nil, fmt.Errorf("presence registry is required")
	}
	if concurrency < minDispatchConcurrency {
		concurrency = minDispatchConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		consumer:    consumer,
		limiter:     limiter,
		presence:    presence,
		logger:      logger,
		concurrency: concurrency,
		now:         time.Now,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Start consumes the events queue until context cancellation.
func (d *Dispatcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < d.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			d.logger.Info("dispatcher worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.EventsQueue),
			)

			err := d.consumer.Consume(groupCtx, queue.EventsQueue, d.processEvent)
			if err != nil {
				d.logger.Error("dispatcher worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			d.logger.Info("dispatcher worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

// processEvent never fails for a denied or undeliverable event; both are final
// outcomes and the message is acked.
func (d *Dispatcher) processEvent(ctx context.Context, event queue.RealtimeEvent) error {
	ctx = observability.WithCorrelationID(ctx, event.CorrelationID)
	logger := observability.WithContextLogger(d.logger, ctx)
	start := d.now()
	defer func() {
		d.metrics.ObserveDispatchDuration(d.now().Sub(start))
	}()

	decision := d.limiter.Allow(event.ActorID, event.Category)
	if !decision.Allowed {
		outcome := outcomeRateLimited
		if decision.Reason == domain.LimitBlocked {
			outcome = outcomeBlocked
		}
		d.metrics.IncDelivery(outcome)
		logger.Info("event dropped by admission control",
			zap.String("eventId", event.EventID),
			zap.String("actorId", event.ActorID),
			zap.String("category", decision.Category.String()),
			zap.String("reason", decision.Reason.String()),
			zap.Duration("retryAfter", decision.RetryAfter),
		)
		return nil
	}

	envelope := Envelope{
		Type:     "event",
		EventID:  event.EventID,
		Category: decision.Category,
		ActorID:  event.ActorID,
		Payload:  event.Payload,
		SentAt:   d.now().UTC(),
	}

	reached := d.presence.Send(ctx, envelope, event.Recipients...)
	if reached == 0 {
		d.metrics.IncDelivery(outcomeOffline)
		logger.Debug("no recipient online",
			zap.String("eventId", event.EventID),
			zap.Int("recipients", len(event.Recipients)),
		)
		return nil
	}

	d.metrics.IncDelivery(outcomeDelivered)
	logger.Debug("event delivered",
		zap.String("eventId", event.EventID),
		zap.Int("recipients", len(event.Recipients)),
		zap.Int("reached", reached),
	)
	return nil
}
