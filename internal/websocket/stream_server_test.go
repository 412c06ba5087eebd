package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epochmesh/backend/internal/bus"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func waitForClients(t *testing.T, s *StreamServer, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count never reached %d (have %d)", n, s.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStream_SubscribeAndReceive(t *testing.T) {
	b := bus.NewBus(100, 100, nil)
	s := NewStreamServer(b)
	srv := httptest.NewServer(http.HandlerFunc(s.HandleWS))
	defer srv.Close()

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(map[string][]string{"subscribe": {bus.ChannelNPCEvents}}))

	ackMsg := readEnvelope(t, conn)
	assert.Equal(t, "subscribed", ackMsg["type"])

	waitForClients(t, s, 1)
	require.NoError(t, b.Publish(bus.ChannelNPCEvents, map[string]string{"npc_id": "npc-7"}))

	env := readEnvelope(t, conn)
	assert.Equal(t, bus.ChannelNPCEvents, env["channel"])
	data, ok := env["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "npc-7", data["npc_id"])
}

func TestStream_StartsWithNoChannels(t *testing.T) {
	b := bus.NewBus(100, 100, nil)
	s := NewStreamServer(b)
	srv := httptest.NewServer(http.HandlerFunc(s.HandleWS))
	defer srv.Close()

	conn := dial(t, srv)
	waitForClients(t, s, 1)

	require.NoError(t, b.Publish(bus.ChannelNPCEvents, map[string]string{"npc_id": "npc-7"}))

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "unsubscribed client must receive nothing")
}

func TestStream_UnknownChannelRejected(t *testing.T) {
	b := bus.NewBus(100, 100, nil)
	s := NewStreamServer(b)
	srv := httptest.NewServer(http.HandlerFunc(s.HandleWS))
	defer srv.Close()

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(map[string][]string{"subscribe": {"not-a-channel"}}))

	msg := readEnvelope(t, conn)
	assert.Equal(t, "error", msg["type"])
}

func TestStream_Unsubscribe(t *testing.T) {
	b := bus.NewBus(100, 100, nil)
	s := NewStreamServer(b)
	srv := httptest.NewServer(http.HandlerFunc(s.HandleWS))
	defer srv.Close()

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(map[string][]string{"subscribe": {bus.ChannelNPCEvents}}))
	readEnvelope(t, conn) // ack

	require.NoError(t, conn.WriteJSON(map[string][]string{"unsubscribe": {bus.ChannelNPCEvents}}))
	msg := readEnvelope(t, conn)
	assert.Equal(t, "subscribed", msg["type"])
	assert.Empty(t, msg["channels"])

	require.NoError(t, b.Publish(bus.ChannelNPCEvents, map[string]string{"npc_id": "npc-7"}))
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestForwardPump_SurvivesDisconnectWithBufferedFrames(t *testing.T) {
	b := bus.NewBus(100, 100, nil)
	sub, err := b.Subscribe(bus.ChannelNPCEvents)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, b.Publish(bus.ChannelNPCEvents, map[string]int{"seq": i}))
	}

	// Disconnect teardown: the subscription channel closes while its buffer
	// is still full. forwardPump must drain the tail and close send itself.
	b.Unsubscribe(sub)

	c := &client{sub: sub, send: make(chan []byte, 10)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.forwardPump()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forwardPump did not finish draining")
	}

	_, open := <-c.send
	for open {
		_, open = <-c.send
	}
}

func TestStream_DisconnectWithTrafficInFlight(t *testing.T) {
	b := bus.NewBus(100, 100, nil)
	s := NewStreamServer(b)
	srv := httptest.NewServer(http.HandlerFunc(s.HandleWS))
	defer srv.Close()

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(map[string][]string{"subscribe": {bus.ChannelNPCEvents}}))
	readEnvelope(t, conn) // ack
	waitForClients(t, s, 1)

	for i := 0; i < 50; i++ {
		require.NoError(t, b.Publish(bus.ChannelNPCEvents, map[string]int{"seq": i}))
	}
	conn.Close()

	waitForClients(t, s, 0)
	// A second client proves the server outlived the disconnect.
	conn2 := dial(t, srv)
	require.NoError(t, conn2.WriteJSON(map[string][]string{"subscribe": {bus.ChannelNPCEvents}}))
	msg := readEnvelope(t, conn2)
	assert.Equal(t, "subscribed", msg["type"])
}

func TestStream_DisconnectReleasesSubscription(t *testing.T) {
	b := bus.NewBus(100, 100, nil)
	s := NewStreamServer(b)
	srv := httptest.NewServer(http.HandlerFunc(s.HandleWS))
	defer srv.Close()

	conn := dial(t, srv)
	waitForClients(t, s, 1)

	conn.Close()
	waitForClients(t, s, 0)
	assert.Zero(t, b.Stats().Subscribers)
}
