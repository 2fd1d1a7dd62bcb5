package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/rewards-hub/api/internal/services"
)

// notificationMessage is the wire payload consumed by the mail/chat notifier.
type notificationMessage struct {
	ToEmployeeID int64          `json:"toEmployeeId"`
	TemplateKind string         `json:"templateKind"`
	Payload      map[string]any `json:"payload,omitempty"`
	OccurredAt   time.Time      `json:"occurredAt"`
}

// PubSubNotificationDispatcher publishes employee notifications to a Pub/Sub topic. Publish
// results are awaited in the background; Dispatch never blocks on broker acknowledgement.
type PubSubNotificationDispatcher struct {
	topic   *pubsub.Topic
	logger  *zap.Logger
	marshal func(any) ([]byte, error)

	inflight sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

var _ services.NotificationDispatcher = (*PubSubNotificationDispatcher)(nil)

// NewPubSubNotificationDispatcher constructs a Pub/Sub backed dispatcher.
func NewPubSubNotificationDispatcher(topic *pubsub.Topic, logger *zap.Logger) (*PubSubNotificationDispatcher, error) {
	if topic == nil {
		return nil, errors.New("pubsub notification dispatcher: topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubNotificationDispatcher{topic: topic, logger: logger, marshal: json.Marshal}, nil
}

// Dispatch enqueues the notification.
func (d *PubSubNotificationDispatcher) Dispatch(ctx context.Context, notification services.Notification) error {
	data, err := d.marshal(notificationMessage{
		ToEmployeeID: notification.ToEmployeeID,
		TemplateKind: notification.TemplateKind,
		Payload:      notification.Payload,
		OccurredAt:   notification.OccurredAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errors.New("pubsub notification dispatcher: closed")
	}

	result := d.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"templateKind": notification.TemplateKind,
			"toEmployeeId": strconv.FormatInt(notification.ToEmployeeID, 10),
		},
	})

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		// The request context may already be gone by the time the broker acknowledges.
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if _, err := result.Get(waitCtx); err != nil {
			d.logger.Warn("notification publish failed",
				zap.String("templateKind", notification.TemplateKind),
				zap.Int64("toEmployeeId", notification.ToEmployeeID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Close flushes pending publishes and waits for their results.
func (d *PubSubNotificationDispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.topic.Stop()
	d.inflight.Wait()
}

// LogDispatcher writes notifications to the log; used when no topic is configured.
type LogDispatcher struct {
	Logger *zap.Logger
}

// Dispatch implements services.NotificationDispatcher.
func (d LogDispatcher) Dispatch(_ context.Context, notification services.Notification) error {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("notification",
		zap.String("templateKind", notification.TemplateKind),
		zap.Int64("toEmployeeId", notification.ToEmployeeID),
		zap.Any("payload", notification.Payload),
	)
	return nil
}
