package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSubSender publishes notifications to a single topic. The tenant is
// carried as a message attribute so subscribers can filter on it.
type PubSubSender struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

func NewPubSubSender(ctx context.Context, project, topic string, opts ...option.ClientOption) (*PubSubSender, error) {
	c, err := pubsub.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSubSender{client: c, topic: c.Topic(topic)}, nil
}

func (s *PubSubSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	res := s.topic.Publish(ctx, &pubsub.Message{
		Data: body,
		Attributes: map[string]string{
			"tenant_id":   msg.TenantID.String(),
			"channel":     msg.Channel,
			"template_id": msg.TemplateID,
		},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", s.topic.ID(), err)
	}
	return nil
}

func (s *PubSubSender) Close() error {
	s.topic.Stop()
	return s.client.Close()
}
