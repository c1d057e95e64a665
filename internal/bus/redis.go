package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisBus implements EventBus using Redis pub/sub.
// Delivery is at-most-once; subscribers that are offline miss messages.
type RedisBus struct {
	mu            sync.Mutex
	client        *redis.Client
	subscriptions map[string]*redisSubscription
}

type redisSubscription struct {
	id     string
	topic  string
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	bus    *RedisBus
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(cfg domain.EventBusConfig) (*RedisBus, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("Redis pub/sub connected", "addr", addr)

	return &RedisBus{
		client:        client,
		subscriptions: make(map[string]*redisSubscription),
	}, nil
}

// Publish sends a message to a Redis channel.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	data, err := encode(topic, payload)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, topic, data).Err()
}

// Subscribe registers a handler for a Redis channel.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, topic)

	// Wait for the subscription to be confirmed before returning.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		id:     uuid.New().String(),
		topic:  topic,
		pubsub: pubsub,
		cancel: cancel,
		done:   make(chan struct{}),
		bus:    b,
	}

	go sub.run(subCtx, handler)

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

func (s *redisSubscription) run(ctx context.Context, handler domain.MessageHandler) {
	defer close(s.done)

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			msg, err := decode([]byte(m.Payload))
			if err != nil {
				slog.Error("failed to unmarshal Redis message", "channel", m.Channel, "error", err)
				continue
			}
			if err := handler(ctx, msg); err != nil {
				slog.Error("handler error", "channel", m.Channel, "message_id", msg.ID, "error", err)
			}
		}
	}
}

// Ping checks Redis connectivity.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close unsubscribes everything and closes the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subscriptions
	b.subscriptions = make(map[string]*redisSubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return b.client.Close()
}

func (s *redisSubscription) stop() error {
	s.cancel()
	err := s.pubsub.Close()
	<-s.done
	return err
}

// Unsubscribe stops receiving messages.
func (s *redisSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	return s.stop()
}

// Topic returns the subscribed topic.
func (s *redisSubscription) Topic() string {
	return s.topic
}
