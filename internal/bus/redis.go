package bus

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/epochmesh/backend/internal/core"
)

// BrokerMessage is one message received from the cross-process broker.
type BrokerMessage struct {
	Channel string
	Payload []byte
}

// Broker is the minimal pub/sub surface the bridge needs; *redis.Client is
// adapted below, and tests supply an in-process fake.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers messages until ctx ends; the returned closer tears
	// the subscription down.
	Subscribe(ctx context.Context, channels ...string) (<-chan BrokerMessage, func() error, error)
}

// RedisBroker adapts go-redis to the Broker interface.
type RedisBroker struct {
	rdb *redis.Client
}

// NewRedisBroker connects to Redis and verifies reachability.
func NewRedisBroker(addr, password string, db int) (*RedisBroker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return &RedisBroker{rdb: rdb}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, channels ...string) (<-chan BrokerMessage, func() error, error) {
	sub := b.rdb.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, err
	}

	out := make(chan BrokerMessage, 100)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- BrokerMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}()
	return out, sub.Close, nil
}

func (b *RedisBroker) Close() error { return b.rdb.Close() }

// ============================================================================
// BRIDGE
// ============================================================================

// Bridge extends the local bus across processes through a broker. Local
// delivery always happens first; broker trouble degrades to local-only with
// periodic reconnects.
type Bridge struct {
	local     *Bus
	broker    Broker
	prefix    string
	nodeID    string
	reconnect time.Duration
	logger    *log.Logger
}

// NewBridge wires a bridge over the local bus. Reconnect default 5s.
func NewBridge(local *Bus, broker Broker, prefix string, reconnect time.Duration) *Bridge {
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}
	return &Bridge{
		local:     local,
		broker:    broker,
		prefix:    prefix,
		nodeID:    uuid.NewString(),
		reconnect: reconnect,
		logger:    log.New(log.Writer(), "[BusBridge] ", log.LstdFlags),
	}
}

// Publish delivers locally and mirrors to the broker.
func (br *Bridge) Publish(channel string, data interface{}) error {
	if err := br.local.Publish(channel, data); err != nil {
		return err
	}

	env := Envelope{
		ID:        uuid.NewString(),
		Channel:   channel,
		Source:    br.nodeID,
		Data:      data,
		Timestamp: core.Now(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := br.broker.Publish(ctx, br.prefix+channel, payload); err != nil {
		// Local subscribers already got the message; cross-process mirror
		// failing is degraded, not fatal.
		br.logger.Printf("Broker publish %s failed: %v", channel, err)
	}
	return nil
}

// Run consumes broker messages and injects foreign envelopes into the local
// bus, reconnecting on failure until ctx ends.
func (br *Bridge) Run(ctx context.Context) {
	channels := make([]string, 0, len(KnownChannels))
	for ch := range KnownChannels {
		channels = append(channels, br.prefix+ch)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		msgs, closer, err := br.broker.Subscribe(ctx, channels...)
		if err != nil {
			br.logger.Printf("Broker subscribe failed, retrying in %s: %v", br.reconnect, err)
			select {
			case <-time.After(br.reconnect):
				continue
			case <-ctx.Done():
				return
			}
		}

		br.consume(ctx, msgs)
		closer()
	}
}

func (br *Bridge) consume(ctx context.Context, msgs <-chan BrokerMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				br.logger.Printf("Broker stream closed, reconnecting in %s", br.reconnect)
				select {
				case <-time.After(br.reconnect):
				case <-ctx.Done():
				}
				return
			}

			var env Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				br.logger.Printf("Dropping malformed broker message on %s: %v", msg.Channel, err)
				continue
			}
			if env.Source == br.nodeID {
				continue // our own mirror
			}
			if err := br.local.Inject(&env); err != nil {
				br.logger.Printf("Inject %s failed: %v", env.Channel, err)
			}
		}
	}
}
