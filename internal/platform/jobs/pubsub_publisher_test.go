package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kelaskita/api/internal/services"
)

func TestPubSubReceiptPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-receipts")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubReceiptPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubReceiptPublisher: %v", err)
	}

	occurredAt := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	msg := services.ReceiptJobMessage{
		OrderID:     "order-1",
		ExternalRef: "KLS-01HZX",
		UserID:      "user-1",
		Email:       "user@example.com",
		TotalPrice:  300000,
		CourseIDs:   []string{"course-1", "course-2"},
		OccurredAt:  occurredAt,
	}

	if _, err := publisher.PublishReceiptJob(ctx, msg); err != nil {
		t.Fatalf("PublishReceiptJob: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.ReceiptJobMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != msg.OrderID || payload.ExternalRef != msg.ExternalRef {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if len(payload.CourseIDs) != 2 {
		t.Fatalf("expected 2 course ids, got %v", payload.CourseIDs)
	}
	if attr := messages[0].Attributes["orderId"]; attr != "order-1" {
		t.Fatalf("expected orderId attribute, got %q", attr)
	}
	if _, ok := messages[0].Attributes["email"]; ok {
		t.Fatalf("email attribute should not be present")
	}
}
