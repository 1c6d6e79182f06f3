package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRelayPrefix = "lemma:realtime:"

type RelayConfig struct {
	Addr     string
	Password string
	// Prefix is prepended to the event token to form the Redis channel.
	Prefix string
	Hub    *Hub
	Logger *slog.Logger
}

// Relay spreads messages across instances through Redis pub/sub. Each
// instance delivers what it receives into its local hub, so publish order on
// Redis is the delivery order everywhere.
type Relay struct {
	client   *redis.Client
	hub      *Hub
	prefix   string
	instance string
	logger   *slog.Logger

	running   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
}

type envelope struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

func NewRelay(cfg RelayConfig) (*Relay, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	if cfg.Hub == nil {
		return nil, errors.New("hub required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultRelayPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	instance := uuid.NewString()
	return &Relay{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
		}),
		hub:      cfg.Hub,
		prefix:   prefix,
		instance: instance,
		logger:   logger.With("component", "relay", "instance", instance),
		ready:    make(chan struct{}),
	}, nil
}

// Ready is closed once the Redis subscription is confirmed.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Run subscribes to every event channel and feeds the local hub until ctx
// is done.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.running.Store(true)
	defer r.running.Store(false)
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("relay_subscribed", "pattern", r.prefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("relay channel closed")
			}
			r.deliver(msg)
		}
	}
}

func (r *Relay) deliver(msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		r.logger.Warn("relay_bad_payload", "channel", msg.Channel, "err", err)
		return
	}
	topic := strings.TrimPrefix(msg.Channel, r.prefix)
	if env.Message.Event == "" {
		env.Message.Event = topic
	}
	n := r.hub.Publish(topic, env.Message)
	r.logger.Debug("relay_delivered", "event", topic, "type", env.Message.Type, "origin", env.Origin, "subscribers", n)
}

// Broadcast publishes msg through Redis. When the relay is not subscribed or
// Redis rejects the publish the message is delivered to the local hub only
// and the Redis error is returned.
func (r *Relay) Broadcast(ctx context.Context, msg Message) error {
	if !r.running.Load() {
		r.hub.Publish(msg.Event, msg)
		return nil
	}
	payload, err := json.Marshal(envelope{Origin: r.instance, Message: msg})
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}
	if err := r.client.Publish(ctx, r.prefix+msg.Event, payload).Err(); err != nil {
		r.hub.Publish(msg.Event, msg)
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (r *Relay) Close() error {
	return r.client.Close()
}
