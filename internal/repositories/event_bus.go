package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/prudhvinik1/optisync/internal/models"
)

const changesChannel = "optisync:changes"

// RedisEventBus fans committed change events out to every server instance.
type RedisEventBus struct {
	client *redis.Client
	log    *logrus.Entry
}

func NewRedisEventBus(client *redis.Client, log *logrus.Entry) *RedisEventBus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisEventBus{client: client, log: log.WithField("component", "event_bus")}
}

func (b *RedisEventBus) Publish(ctx context.Context, event *models.ChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if err := b.client.Publish(ctx, changesChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// Subscribe starts receiving change events. The subscription is live when
// Subscribe returns.
func (b *RedisEventBus) Subscribe(ctx context.Context) (*Subscription, error) {
	ps := b.client.Subscribe(ctx, changesChannel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to change events: %w", err)
	}

	sub := NewSubscription(make(chan *models.ChangeEvent, 64), ps.Close)
	go func() {
		defer close(sub.events)
		for msg := range ps.Channel() {
			var ev models.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.WithError(err).Warn("dropping malformed change event")
				continue
			}
			select {
			case sub.events <- &ev:
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

// Subscription is a live feed of change events from an EventBus.
type Subscription struct {
	events    chan *models.ChangeEvent
	done      chan struct{}
	closeOnce sync.Once
	closer    func() error
}

// NewSubscription wraps an event channel, for EventBus implementations other
// than Redis.
func NewSubscription(events chan *models.ChangeEvent, closer func() error) *Subscription {
	return &Subscription{events: events, done: make(chan struct{}), closer: closer}
}

func (s *Subscription) Events() <-chan *models.ChangeEvent {
	return s.events
}

func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.closer()
	})
	return err
}
