package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/supply_backend/config"
	"bitbucket.org/mmdatafocus/supply_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// OrderEventPublisher sends one order event and returns the broker's message id.
type OrderEventPublisher interface {
	Publish(ctx context.Context, msg config.OrderEventMessage) (string, error)
}

// PublisherFunc adapts a plain function to OrderEventPublisher.
type PublisherFunc func(ctx context.Context, msg config.OrderEventMessage) (string, error)

func (f PublisherFunc) Publish(ctx context.Context, msg config.OrderEventMessage) (string, error) {
	return f(ctx, msg)
}

// PubSubPublisher publishes to the order topic on Google Pub/Sub.
type PubSubPublisher struct{}

func (PubSubPublisher) Publish(ctx context.Context, msg config.OrderEventMessage) (string, error) {
	return config.PublishOrderEvent(ctx, msg)
}

// OutboxDispatcher drains order_status_events rows to the publisher. Rows are claimed with
// SKIP LOCKED so several dispatchers can run side by side.
type OutboxDispatcher struct {
	Repo         models.OrderOutbox
	Publisher    OrderEventPublisher
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	Now            func() time.Time
}

func NewOutboxDispatcher(repo models.OrderOutbox, publisher OrderEventPublisher, logger *logrus.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		Repo:           repo,
		Publisher:      publisher,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

func (d *OutboxDispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

func (d *OutboxDispatcher) logger() *logrus.Logger {
	if d.Logger == nil {
		return config.GetLogger()
	}
	return d.Logger
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := d.DispatchOnce(ctx); err != nil && d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":         "OutboxDispatcher",
				"dispatcher_id": d.DispatcherID,
			}).Error("outbox claim failed: " + err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch and publishes it, returning how many rows were sent.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	if d.Repo == nil || d.Publisher == nil {
		return 0, nil
	}
	now := d.now()
	claimed, err := d.Repo.ClaimOrderEvents(ctx, now, now.Add(-d.LockTimeout), d.BatchSize, d.MaxAttempts, d.DispatcherID)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, rec := range claimed {
		// Rows past MaxAttempts were marked DEAD while claiming.
		if rec.PublishStatus == models.OutboxPublishStatusDead {
			continue
		}
		msgID, pubErr := d.Publisher.Publish(ctx, models.ConvertToOrderEventMessage(rec))
		if pubErr != nil {
			d.markPublishFailed(ctx, rec, pubErr)
			continue
		}
		if err := d.Repo.MarkOrderEventSent(ctx, rec.ID, msgID, d.now()); err != nil {
			config.LogError(d.logger(), "OutboxDispatcher", "DispatchOnce", "mark sent", rec.ID, err)
			continue
		}
		sent++
	}
	return sent, nil
}

// retryBackoff doubles InitialBackoff per earlier attempt, capped at ten minutes.
func (d *OutboxDispatcher) retryBackoff(attempt int) time.Duration {
	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > time.Minute*10 {
			return time.Minute * 10
		}
	}
	return backoff
}

func (d *OutboxDispatcher) markPublishFailed(ctx context.Context, rec models.OrderStatusEvent, err error) {
	fields := logrus.Fields{
		"field":     "OutboxDispatcher",
		"order_id":  rec.OrderId,
		"record_id": rec.ID,
		"attempt":   rec.PublishAttempts,
	}

	// Terminal after MaxAttempts.
	if d.MaxAttempts > 0 && rec.PublishAttempts >= d.MaxAttempts {
		_ = d.Repo.MarkOrderEventFailed(ctx, rec.ID, err.Error(), nil)
		if d.Logger != nil {
			d.Logger.WithFields(fields).Error("outbox publish moved to DEAD after max attempts: " + fmt.Sprintf("%v", err))
		}
		return
	}

	next := d.now().Add(d.retryBackoff(rec.PublishAttempts))
	_ = d.Repo.MarkOrderEventFailed(ctx, rec.ID, err.Error(), &next)
	if d.Logger != nil {
		fields["next_attempt_at"] = next.Format(time.RFC3339Nano)
		d.Logger.WithFields(fields).Error("outbox publish failed: " + fmt.Sprintf("%v", err))
	}
}
