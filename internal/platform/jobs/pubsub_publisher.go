package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/kelaskita/api/internal/platform/textutil"
	"github.com/kelaskita/api/internal/services"
)

// PubSubReceiptPublisher publishes receipt-email jobs to a Pub/Sub topic. The
// delivery worker consuming the topic lives outside this service.
type PubSubReceiptPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubReceiptPublisher constructs a Pub/Sub backed receipt job publisher.
func NewPubSubReceiptPublisher(topic *pubsub.Topic) (*PubSubReceiptPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub receipt publisher: topic is required")
	}
	return &PubSubReceiptPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

var _ services.ReceiptJobDispatcher = (*PubSubReceiptPublisher)(nil)

// PublishReceiptJob enqueues a receipt job message on the configured topic.
// The orderId attribute doubles as the consumer-side deduplication key.
func (p *PubSubReceiptPublisher) PublishReceiptJob(ctx context.Context, message services.ReceiptJobMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub receipt publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal receipt job: %w", err)
	}

	attrs := textutil.NormalizeStringMap(map[string]string{
		"orderId":     message.OrderID,
		"externalRef": message.ExternalRef,
		"userId":      message.UserID,
	})

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish receipt job: %w", err)
	}
	return id, nil
}
