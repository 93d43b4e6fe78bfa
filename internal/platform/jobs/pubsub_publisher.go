package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/storefront-labs/orders-api/internal/services"
)

// PubSubOrderEventPublisher publishes order lifecycle events to a Pub/Sub topic.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order event publisher: topic is required")
	}
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent enqueues the event. Messages for one order share an ordering key.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order event publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "orderNumber", event.OrderNumber)
	setAttr(attrs, "status", event.CurrentStatus)
	if event.UserID != nil {
		attrs["userId"] = strconv.FormatInt(*event.UserID, 10)
	}

	msg := &pubsub.Message{Data: data, Attributes: attrs}
	if p.topic.EnableMessageOrdering {
		msg.OrderingKey = event.OrderID
	}
	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		if msg.OrderingKey != "" {
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// PubSubFulfillmentFailurePublisher queues failed webhook fulfillments for the retry endpoint.
type PubSubFulfillmentFailurePublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.FulfillmentFailurePublisher = (*PubSubFulfillmentFailurePublisher)(nil)

// NewPubSubFulfillmentFailurePublisher constructs a Pub/Sub backed failure publisher.
func NewPubSubFulfillmentFailurePublisher(topic *pubsub.Topic) (*PubSubFulfillmentFailurePublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub fulfillment publisher: topic is required")
	}
	return &PubSubFulfillmentFailurePublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishFulfillmentFailure enqueues the failure on the configured topic.
func (p *PubSubFulfillmentFailurePublisher) PublishFulfillmentFailure(ctx context.Context, failure services.FulfillmentFailure) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub fulfillment publisher: not initialised")
	}

	data, err := p.marshal(failure)
	if err != nil {
		return fmt.Errorf("marshal fulfillment failure: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", failure.EventID)
	setAttr(attrs, "sessionId", failure.SessionID)
	attrs["retryable"] = strconv.FormatBool(failure.Retryable)
	attrs["attempt"] = strconv.Itoa(failure.Attempt)

	if _, err := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx); err != nil {
		return fmt.Errorf("publish fulfillment failure: %w", err)
	}
	return nil
}

// PushEnvelope is the body Pub/Sub push subscriptions deliver to HTTP endpoints.
type PushEnvelope struct {
	Message struct {
		Data        []byte            `json:"data"`
		Attributes  map[string]string `json:"attributes"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
	} `json:"message"`
	Subscription    string `json:"subscription"`
	DeliveryAttempt int    `json:"deliveryAttempt"`
}

// DecodeFulfillmentFailure unwraps a push envelope carrying a fulfillment failure. The push delivery attempt
// overrides the attempt recorded at publish time when present.
func DecodeFulfillmentFailure(body []byte) (services.FulfillmentFailure, error) {
	var envelope PushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return services.FulfillmentFailure{}, fmt.Errorf("decode push envelope: %w", err)
	}
	if len(envelope.Message.Data) == 0 {
		return services.FulfillmentFailure{}, errors.New("decode push envelope: message data is empty")
	}
	var failure services.FulfillmentFailure
	if err := json.Unmarshal(envelope.Message.Data, &failure); err != nil {
		return services.FulfillmentFailure{}, fmt.Errorf("decode fulfillment failure: %w", err)
	}
	if envelope.DeliveryAttempt > 0 {
		failure.Attempt = envelope.DeliveryAttempt
	}
	return failure, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
