// Package relay bridges document updates between server processes over Redis
// pub/sub so sessions of one document may be spread across instances.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultChannelPrefix = "colabdocs:doc:"
	pingTimeout          = 5 * time.Second
)

var errMissingClient = errors.New("relay: redis client required")

// Handler receives updates published by other instances.
type Handler func(document string, update []byte)

type envelope struct {
	Origin string `json:"origin"`
	Update []byte `json:"update"`
}

// Config describes a Redis relay.
type Config struct {
	Client        *redis.Client
	ChannelPrefix string
	InstanceID    string
	Logger        *zap.Logger
}

// Redis publishes merged updates and delivers those of other instances.
type Redis struct {
	client     *redis.Client
	prefix     string
	instanceID string
	logger     *zap.Logger
}

// New returns a relay around an existing client.
func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: cfg.Client, prefix: prefix, instanceID: instanceID, logger: logger}, nil
}

// Dial parses redisURL, connects and verifies the server answers.
func Dial(ctx context.Context, redisURL string, logger *zap.Logger) (*Redis, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return New(Config{Client: client, Logger: logger})
}

// InstanceID identifies this process in published envelopes.
func (r *Redis) InstanceID() string {
	return r.instanceID
}

// Publish sends update to the other instances serving document.
func (r *Redis) Publish(ctx context.Context, document string, update []byte) error {
	payload, err := json.Marshal(envelope{Origin: r.instanceID, Update: update})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.prefix+document, payload).Err()
}

// Run delivers updates from other instances to handler until ctx ends. The
// subscription is active when ready is closed.
func (r *Redis) Run(ctx context.Context, handler Handler, ready chan<- struct{}) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	if ready != nil {
		close(ready)
	}
	r.logger.Info("relay subscribed", zap.String("instance", r.instanceID), zap.String("pattern", r.prefix+"*"))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			r.deliver(message, handler)
		}
	}
}

func (r *Redis) deliver(message *redis.Message, handler Handler) {
	var decoded envelope
	if err := json.Unmarshal([]byte(message.Payload), &decoded); err != nil {
		r.logger.Warn("relay message dropped", zap.String("channel", message.Channel), zap.Error(err))
		return
	}
	if decoded.Origin == r.instanceID || len(decoded.Update) == 0 {
		return
	}
	handler(strings.TrimPrefix(message.Channel, r.prefix), decoded.Update)
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
