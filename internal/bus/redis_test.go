package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epochmesh/backend/internal/core"
)

// fakeBroker is an in-process Broker with a shared topic space.
type fakeBroker struct {
	mu   sync.Mutex
	subs []chan BrokerMessage
}

func (f *fakeBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- BrokerMessage{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

func (f *fakeBroker) Subscribe(ctx context.Context, channels ...string) (<-chan BrokerMessage, func() error, error) {
	ch := make(chan BrokerMessage, 100)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() error { return nil }, nil
}

func waitEnvelope(t *testing.T, sub *Subscription) *Envelope {
	t.Helper()
	select {
	case env := <-sub.C:
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestBridge_CrossProcessDelivery(t *testing.T) {
	broker := &fakeBroker{}

	busA := NewBus(100, 100, nil)
	busB := NewBus(100, 100, nil)
	bridgeA := NewBridge(busA, broker, "epoch:bus:", time.Second)
	bridgeB := NewBridge(busB, broker, "epoch:bus:", time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridgeA.Run(ctx)
	go bridgeB.Run(ctx)
	time.Sleep(50 * time.Millisecond) // let both subscribe

	subB, err := busB.Subscribe(ChannelTelemetry)
	require.NoError(t, err)

	tel := core.TelemetryEvent{Type: core.TelemetryStartup, Severity: core.SeverityInfo, Timestamp: core.Now()}
	require.NoError(t, bridgeA.Publish(ChannelTelemetry, tel))

	env := waitEnvelope(t, subB)
	assert.Equal(t, ChannelTelemetry, env.Channel)
	assert.NotEmpty(t, env.Source, "foreign envelopes carry their origin node")
}

func TestBridge_OwnMirrorNotRedelivered(t *testing.T) {
	broker := &fakeBroker{}
	local := NewBus(100, 100, nil)
	bridge := NewBridge(local, broker, "epoch:bus:", time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	sub, err := local.Subscribe(ChannelSystemStatus)
	require.NoError(t, err)

	require.NoError(t, bridge.Publish(ChannelSystemStatus, map[string]interface{}{"ok": true}))

	// Exactly one local delivery despite the broker echoing it back.
	env := waitEnvelope(t, sub)
	assert.Equal(t, ChannelSystemStatus, env.Channel)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, drain(sub), "mirrored copy must be suppressed")
}

func TestBridge_MalformedBrokerMessageDropped(t *testing.T) {
	broker := &fakeBroker{}
	local := NewBus(100, 100, nil)
	bridge := NewBridge(local, broker, "epoch:bus:", time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	sub, err := local.Subscribe(ChannelWildcard)
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, "epoch:bus:telemetry", []byte("not json")))

	// A well-formed foreign envelope still flows afterwards.
	env := Envelope{ID: "x", Channel: ChannelTelemetry, Source: "other-node", Data: map[string]interface{}{"a": 1}, Timestamp: core.Now()}
	payload, _ := json.Marshal(env)
	require.NoError(t, broker.Publish(ctx, "epoch:bus:telemetry", payload))

	got := waitEnvelope(t, sub)
	assert.Equal(t, "x", got.ID)
}
