package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rewards-hub/api/internal/services"
)

func newTestTopic(t *testing.T) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "rewards-notifications")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	return srv, topic
}

func TestPubSubNotificationDispatcherPublishesMessage(t *testing.T) {
	srv, topic := newTestTopic(t)
	dispatcher, err := NewPubSubNotificationDispatcher(topic, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPubSubNotificationDispatcher: %v", err)
	}

	occurred := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	err = dispatcher.Dispatch(context.Background(), services.Notification{
		ToEmployeeID: 42,
		TemplateKind: "order_status_changed",
		Payload:      map[string]any{"orderId": 7, "status": "REJECTED", "reason": "Out of stock"},
		OccurredAt:   occurred,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	dispatcher.Close()

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload notificationMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	want := notificationMessage{
		ToEmployeeID: 42,
		TemplateKind: "order_status_changed",
		Payload:      map[string]any{"orderId": float64(7), "status": "REJECTED", "reason": "Out of stock"},
		OccurredAt:   occurred,
	}
	if diff := cmp.Diff(want, payload); diff != "" {
		t.Fatalf("unexpected payload (-want +got):\n%s", diff)
	}
	if attrs := messages[0].Attributes; attrs["templateKind"] != "order_status_changed" || attrs["toEmployeeId"] != "42" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

func TestPubSubNotificationDispatcherRejectsAfterClose(t *testing.T) {
	_, topic := newTestTopic(t)
	dispatcher, err := NewPubSubNotificationDispatcher(topic, nil)
	if err != nil {
		t.Fatalf("NewPubSubNotificationDispatcher: %v", err)
	}
	dispatcher.Close()
	if err := dispatcher.Dispatch(context.Background(), services.Notification{ToEmployeeID: 1, TemplateKind: "reward_granted"}); err == nil {
		t.Fatalf("expected dispatch after close to fail")
	}
}

func TestNewPubSubNotificationDispatcherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubNotificationDispatcher(nil, nil); err == nil {
		t.Fatalf("expected error without topic")
	}
}
