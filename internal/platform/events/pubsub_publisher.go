// Package events publishes cart domain events to Pub/Sub.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	domain "github.com/mobishop/api/internal/domain"
)

// EventTypeCartMerged is the eventType attribute on merge notifications.
const EventTypeCartMerged = "cart.merged"

// PubSubCartPublisher publishes cart events to a Pub/Sub topic.
type PubSubCartPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubCartPublisher constructs a Pub/Sub backed cart event publisher.
func NewPubSubCartPublisher(topic *pubsub.Topic) (*PubSubCartPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub cart publisher: topic is required")
	}
	return &PubSubCartPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// CartMergedMessage is the JSON payload of a cart.merged message.
type CartMergedMessage struct {
	UserID      string    `json:"userId"`
	Action      string    `json:"action"`
	MatchMode   string    `json:"matchMode"`
	GuestLines  int       `json:"guestLines"`
	ItemsBefore int       `json:"itemsBefore"`
	ItemsAfter  int       `json:"itemsAfter"`
	TotalItems  int       `json:"totalItems"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// PublishCartMerged publishes event and waits for the server acknowledgement.
func (p *PubSubCartPublisher) PublishCartMerged(ctx context.Context, event domain.CartMergedEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub cart publisher: not initialised")
	}

	data, err := p.marshal(CartMergedMessage{
		UserID:      event.UserID,
		Action:      string(event.Action),
		MatchMode:   string(event.MatchMode),
		GuestLines:  event.GuestLines,
		ItemsBefore: event.ItemsBefore,
		ItemsAfter:  event.ItemsAfter,
		TotalItems:  event.TotalItems,
		OccurredAt:  event.OccurredAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal cart merged event: %w", err)
	}

	attrs := map[string]string{"eventType": EventTypeCartMerged}
	setAttr(attrs, "userId", event.UserID)
	setAttr(attrs, "action", string(event.Action))

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish cart merged event: %w", err)
	}
	return nil
}

// Stop flushes pending messages.
func (p *PubSubCartPublisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
