package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"reportcollab/api/internal/collab"
)

const DefaultChannel = "collab:events"

// Broadcaster is the process-wide collab.Transport. Connection-addressed
// frames are delivered locally; user and document frames are published to
// Redis so every instance delivers them to its own connections. Without a
// Redis client everything is delivered locally.
type Broadcaster struct {
	hub     *Hub
	client  *redis.Client
	channel string
	log     logrus.FieldLogger

	readyOnce sync.Once
	ready     chan struct{}
}

var _ collab.Transport = (*Broadcaster)(nil)

func NewBroadcaster(hub *Hub, client *redis.Client, log logrus.FieldLogger) *Broadcaster {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Broadcaster{
		hub:     hub,
		client:  client,
		channel: DefaultChannel,
		log:     log,
		ready:   make(chan struct{}),
	}
}

func (b *Broadcaster) Subscribe(connID, documentID string) {
	b.hub.Subscribe(connID, documentID)
}

func (b *Broadcaster) Unsubscribe(connID, documentID string) {
	b.hub.Unsubscribe(connID, documentID)
}

func (b *Broadcaster) UserConnected(userID, documentID, exceptConnID string) bool {
	return b.hub.UserConnected(userID, documentID, exceptConnID)
}

func (b *Broadcaster) ToConnection(_ context.Context, connID string, ev collab.Event) error {
	frame, err := encodeFrame(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Name, err)
	}
	if b.hub.Deliver(Envelope{ConnID: connID, Frame: frame}) == 0 {
		return fmt.Errorf("connection %s not available", connID)
	}
	return nil
}

func (b *Broadcaster) ToUser(ctx context.Context, userID string, ev collab.Event) error {
	frame, err := encodeFrame(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Name, err)
	}
	return b.publish(ctx, Envelope{UserID: userID, Frame: frame})
}

func (b *Broadcaster) ToDocument(ctx context.Context, documentID string, ev collab.Event, exclude collab.Exclude) error {
	frame, err := encodeFrame(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Name, err)
	}
	return b.publish(ctx, Envelope{
		DocumentID:  documentID,
		ExcludeConn: exclude.ConnID,
		ExcludeUser: exclude.UserID,
		Frame:       frame,
	})
}

func (b *Broadcaster) publish(ctx context.Context, env Envelope) error {
	if b.client == nil {
		b.hub.Deliver(env)
		return nil
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		// Keep local participants in sync even when the fan-out is down.
		b.hub.Deliver(env)
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Ready is closed once Run has subscribed to the event channel.
func (b *Broadcaster) Ready() <-chan struct{} {
	return b.ready
}

// Run relays published envelopes to local connections until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	if b.client == nil {
		b.readyOnce.Do(func() { close(b.ready) })
		<-ctx.Done()
		return nil
	}

	pubsub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = pubsub.Close() }()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.log.WithField("channel", b.channel).Info("relaying collaboration events")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("event subscription closed")
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.WithError(err).Warn("dropping malformed envelope")
				continue
			}
			b.hub.Deliver(env)
		}
	}
}
