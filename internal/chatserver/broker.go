package chatserver

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const deliveryChannel = "medchat:deliveries"

// Delivery is one payload addressed to a set of users. Every server instance
// receives every delivery and hands it to the recipients connected locally.
type Delivery struct {
	Recipients []int           `json:"recipients"`
	Payload    json.RawMessage `json:"payload"`
}

type Broker interface {
	Publish(ctx context.Context, d Delivery) error
	// Subscribe streams deliveries until ctx is done.
	Subscribe(ctx context.Context) (<-chan Delivery, error)
}

// RedisBroker fans deliveries out across instances over redis pub/sub.
type RedisBroker struct {
	rdb     *redis.Client
	channel string
	logger  zerolog.Logger
}

func NewRedisBroker(rdb *redis.Client, logger zerolog.Logger) *RedisBroker {
	return &RedisBroker{rdb: rdb, channel: deliveryChannel, logger: logger}
}

func (b *RedisBroker) Publish(ctx context.Context, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, data).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	// Wait for the subscription to be confirmed so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan Delivery, 256)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var d Delivery
				if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
					b.logger.Warn().Err(err).Msg("dropping undecodable delivery")
					continue
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// LocalBroker is an in-process Broker for single-instance runs and tests.
type LocalBroker struct {
	mu   sync.Mutex
	subs map[chan Delivery]struct{}
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[chan Delivery]struct{})}
}

func (b *LocalBroker) Publish(ctx context.Context, d Delivery) error {
	b.mu.Lock()
	subs := make([]chan Delivery, 0, len(b.subs))
	for ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	ch := make(chan Delivery, 256)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}()
	return ch, nil
}
