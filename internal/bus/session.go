package bus

import (
	"context"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// autopahoSession adapts autopaho's connection manager to the session
// interface the client depends on.
type autopahoSession struct {
	cm *autopaho.ConnectionManager
}

func (s *autopahoSession) Publish(ctx context.Context, p *paho.Publish) error {
	_, err := s.cm.Publish(ctx, p)
	return err
}

func (s *autopahoSession) Subscribe(ctx context.Context, topic string) error {
	_, err := s.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: topic, QoS: 1},
		},
	})
	return err
}

func (s *autopahoSession) Unsubscribe(ctx context.Context, topic string) error {
	_, err := s.cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}})
	return err
}

func (s *autopahoSession) AwaitConnection(ctx context.Context) error {
	return s.cm.AwaitConnection(ctx)
}

func (s *autopahoSession) Disconnect(ctx context.Context) error {
	return s.cm.Disconnect(ctx)
}
