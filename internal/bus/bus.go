package bus

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/epochmesh/backend/internal/core"
	"github.com/epochmesh/backend/internal/monitoring"
)

// Envelope wraps every message on the bus.
type Envelope struct {
	ID        string              `json:"id"`
	Channel   string              `json:"channel"`
	Source    string              `json:"source,omitempty"` // originating node, set by the Redis bridge
	Data      interface{}         `json:"data"`
	Timestamp core.EpochTimestamp `json:"timestamp"`
}

// Subscription is one subscriber's bounded inbox. Slow consumers lose
// messages rather than stall the bus.
type Subscription struct {
	ID       int64
	C        chan *Envelope
	mu       sync.Mutex
	channels map[string]bool
}

// Matches reports whether the subscription wants the channel.
func (s *Subscription) Matches(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[ChannelWildcard] || s.channels[channel]
}

// Add registers additional channels; re-adding is a no-op.
func (s *Subscription) Add(channels ...string) error {
	for _, ch := range channels {
		if ch != ChannelWildcard {
			if err := validateChannel(ch); err != nil {
				return err
			}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		s.channels[ch] = true
	}
	return nil
}

// Remove drops channels from the subscription; unknown names are ignored.
func (s *Subscription) Remove(channels ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		delete(s.channels, ch)
	}
}

// Channels lists the subscribed channel names.
func (s *Subscription) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// BusStats snapshots the delivery counters.
type BusStats struct {
	Subscribers int              `json:"subscribers"`
	Published   int64            `json:"published"`
	Dropped     int64            `json:"dropped"`
	Invalid     int64            `json:"invalid"`
	ByChannel   map[string]int64 `json:"by_channel"`
}

// Bus is the in-process pub/sub core: bounded per-subscriber buffers,
// last-N retention replayed to late joiners, wildcard subscriptions, and a
// validation gate in front of every publish.
type Bus struct {
	mu        sync.RWMutex
	subs      map[int64]*Subscription
	nextSubID int64

	retained      map[string][]*Envelope
	retentionSize int
	bufferSize    int

	published atomic.Int64
	dropped   atomic.Int64
	invalid   atomic.Int64
	byChannel map[string]*atomic.Int64

	metrics *monitoring.Metrics
	logger  *log.Logger
}

// NewBus creates a bus. Defaults: retention 100, subscriber buffer 100.
func NewBus(retentionSize, bufferSize int, metrics *monitoring.Metrics) *Bus {
	if retentionSize <= 0 {
		retentionSize = 100
	}
	if bufferSize <= 0 {
		bufferSize = 100
	}

	byChannel := make(map[string]*atomic.Int64, len(KnownChannels))
	for ch := range KnownChannels {
		byChannel[ch] = &atomic.Int64{}
	}

	return &Bus{
		subs:          make(map[int64]*Subscription),
		retained:      make(map[string][]*Envelope),
		retentionSize: retentionSize,
		bufferSize:    bufferSize,
		byChannel:     byChannel,
		metrics:       metrics,
		logger:        log.New(log.Writer(), "[Bus] ", log.LstdFlags),
	}
}

// Subscribe registers a new subscriber for the given channels (or "*") and
// replays the retained tail of each channel into its buffer.
func (b *Bus) Subscribe(channels ...string) (*Subscription, error) {
	sub := &Subscription{
		C:        make(chan *Envelope, b.bufferSize),
		channels: make(map[string]bool),
	}
	if err := sub.Add(channels...); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.nextSubID++
	sub.ID = b.nextSubID
	b.subs[sub.ID] = sub

	// Late-joiner replay, oldest first, best effort.
	for ch, tail := range b.retained {
		if !sub.Matches(ch) {
			continue
		}
		for _, env := range tail {
			select {
			case sub.C <- env:
			default:
			}
		}
	}
	b.mu.Unlock()

	return sub, nil
}

// Unsubscribe removes a subscriber and closes its inbox.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.ID]; !ok {
		return
	}
	delete(b.subs, sub.ID)
	close(sub.C)
}

// Publish validates, wraps, retains, and fans the message out. Slow
// subscribers drop; nothing here blocks.
func (b *Bus) Publish(channel string, data interface{}) error {
	env := &Envelope{
		ID:        uuid.NewString(),
		Channel:   channel,
		Data:      data,
		Timestamp: core.Now(),
	}
	return b.deliver(env, true)
}

// Inject delivers an already-wrapped envelope (from the Redis bridge)
// without re-validating its payload shape.
func (b *Bus) Inject(env *Envelope) error {
	return b.deliver(env, false)
}

func (b *Bus) deliver(env *Envelope, validate bool) error {
	if err := validateChannel(env.Channel); err != nil {
		b.invalid.Add(1)
		b.logger.Printf("Rejected publish: %v", err)
		return err
	}
	if validate {
		if err := ValidatePayload(env.Channel, env.Data); err != nil {
			b.invalid.Add(1)
			b.logger.Printf("Rejected %s payload: %v", env.Channel, err)
			return err
		}
	}

	b.mu.Lock()
	tail := append(b.retained[env.Channel], env)
	if len(tail) > b.retentionSize {
		tail = tail[len(tail)-b.retentionSize:]
	}
	b.retained[env.Channel] = tail

	dropped := int64(0)
	for _, sub := range b.subs {
		if !sub.Matches(env.Channel) {
			continue
		}
		select {
		case sub.C <- env:
		default:
			dropped++
		}
	}
	b.mu.Unlock()

	b.published.Add(1)
	b.byChannel[env.Channel].Add(1)
	if dropped > 0 {
		b.dropped.Add(dropped)
	}

	if b.metrics != nil {
		b.metrics.BusPublished.WithLabelValues(env.Channel).Inc()
		if dropped > 0 {
			b.metrics.BusDropped.WithLabelValues(env.Channel).Add(float64(dropped))
		}
	}
	return nil
}

// Retained returns a copy of a channel's retained tail, oldest first.
func (b *Bus) Retained(channel string) []*Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tail := b.retained[channel]
	out := make([]*Envelope, len(tail))
	copy(out, tail)
	return out
}

// Stats snapshots the counters.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	subscribers := len(b.subs)
	b.mu.RUnlock()

	stats := BusStats{
		Subscribers: subscribers,
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Invalid:     b.invalid.Load(),
		ByChannel:   make(map[string]int64, len(b.byChannel)),
	}
	for ch, c := range b.byChannel {
		stats.ByChannel[ch] = c.Load()
	}
	return stats
}
