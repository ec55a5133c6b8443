package server

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relay/internal/relay"
)

func newUnitHub(t *testing.T, customize func(cfg *Config)) *Hub {
	t.Helper()
	cfg := DefaultConfig()
	if customize != nil {
		customize(&cfg)
	}
	router := relay.NewRouter(relay.NewMemoryQueue(), relay.Options{
		EnforceSender: cfg.EnforceSender,
		Logger:        zerolog.Nop(),
	})
	return NewHub(cfg, router, NewMetrics(), zerolog.Nop())
}

// newDetachedClient builds a client with no websocket behind it and tracks it
// in the hub as if it had connected.
func newDetachedClient(h *Hub) *Client {
	c := NewClient(nil, h, "test")
	h.mutex.Lock()
	h.clients[c] = struct{}{}
	h.mutex.Unlock()
	return c
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	raw, err := json.Marshal(Envelope{Event: event, Data: payload})
	require.NoError(t, err)
	return raw
}

func nextEnvelope(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case raw, ok := <-c.GetSendChan():
		require.True(t, ok, "send channel closed")
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("no frame queued for client")
		return Envelope{}
	}
}

func assertNoEnvelope(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.GetSendChan():
		t.Fatalf("unexpected frame %s", raw)
	default:
	}
}

func TestNewHub(t *testing.T) {
	h := newUnitHub(t, nil)

	require.NotNil(t, h)
	assert.Equal(t, 0, h.ClientCount())
	assert.NotNil(t, h.Router())
	assert.Equal(t, DefaultConfig().Port, h.Config().Port)
}

func TestHubRegisterAcknowledges(t *testing.T) {
	h := newUnitHub(t, nil)
	alice := newDetachedClient(h)

	h.dispatch(alice, frame(t, EventRegisterUser, "alice"))

	env := nextEnvelope(t, alice)
	assert.Equal(t, EventRegistered, env.Event)
	assert.JSONEq(t, `{"identity":"alice","flushed":0}`, string(env.Data))

	id, ok := h.Router().IdentityOf(alice)
	require.True(t, ok)
	assert.Equal(t, relay.Identity("alice"), id)
}

func TestHubRoutesDirectedMessages(t *testing.T) {
	h := newUnitHub(t, nil)
	alice, bob, carol := newDetachedClient(h), newDetachedClient(h), newDetachedClient(h)

	for c, name := range map[*Client]string{alice: "alice", bob: "bob", carol: "carol"} {
		h.dispatch(c, frame(t, EventRegisterUser, name))
		nextEnvelope(t, c)
	}

	h.dispatch(alice, frame(t, EventChatMessage, map[string]string{
		"senderId": "alice", "recipientId": "bob", "text": "hi bob",
	}))

	env := nextEnvelope(t, bob)
	assert.Equal(t, EventReceiveMessage, env.Event)
	assert.JSONEq(t, `{"senderId":"alice","recipientId":"bob","text":"hi bob"}`, string(env.Data))

	assertNoEnvelope(t, alice)
	assertNoEnvelope(t, carol)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.messages.WithLabelValues(outcomeDelivered)))
}

func TestHubQueuesForAbsentRecipientAndFlushesOnRegister(t *testing.T) {
	h := newUnitHub(t, nil)
	alice := newDetachedClient(h)

	for _, text := range []string{"one", "two"} {
		h.dispatch(alice, frame(t, EventChatMessage, map[string]string{
			"senderId": "alice", "recipientId": "bob", "text": text,
		}))
	}
	assertNoEnvelope(t, alice)

	pending, err := h.Router().Pending(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	bob := newDetachedClient(h)
	h.dispatch(bob, frame(t, EventRegisterUser, "bob"))

	for _, want := range []string{"one", "two"} {
		env := nextEnvelope(t, bob)
		require.Equal(t, EventReceiveMessage, env.Event)
		var msg relay.Message
		require.NoError(t, json.Unmarshal(env.Data, &msg))
		assert.Equal(t, want, msg.Text)
	}
	ack := nextEnvelope(t, bob)
	assert.Equal(t, EventRegistered, ack.Event)
	assert.JSONEq(t, `{"identity":"bob","flushed":2}`, string(ack.Data))

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.messages.WithLabelValues(outcomeQueued)))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.flushed))
}

func TestHubRejectsMalformedEvents(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantEvent string
	}{
		{"not json", `hello`, ""},
		{"missing event name", `{"data":"alice"}`, ""},
		{"unknown event", `{"event":"broadcast","data":"x"}`, "broadcast"},
		{"register without data", `{"event":"register_user"}`, EventRegisterUser},
		{"register with number", `{"event":"register_user","data":7}`, EventRegisterUser},
		{"register empty identity", `{"event":"register_user","data":""}`, EventRegisterUser},
		{"chat without data", `{"event":"chat_message"}`, EventChatMessage},
		{"chat as string", `{"event":"chat_message","data":"hi"}`, EventChatMessage},
		{"chat without recipient", `{"event":"chat_message","data":{"senderId":"a","text":"hi"}}`, EventChatMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newUnitHub(t, nil)
			c := newDetachedClient(h)

			h.dispatch(c, []byte(tt.raw))

			env := nextEnvelope(t, c)
			require.Equal(t, EventError, env.Event)
			var payload ErrorPayload
			require.NoError(t, json.Unmarshal(env.Data, &payload))
			assert.Equal(t, tt.wantEvent, payload.Event)
			assert.NotEmpty(t, payload.Reason)

			assert.Equal(t, 0, h.Router().Stats().Present)
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.messages.WithLabelValues(outcomeRejected)))
		})
	}
}

func TestHubEnforceSender(t *testing.T) {
	h := newUnitHub(t, func(cfg *Config) { cfg.EnforceSender = true })
	alice, bob := newDetachedClient(h), newDetachedClient(h)

	h.dispatch(alice, frame(t, EventChatMessage, map[string]string{
		"senderId": "alice", "recipientId": "bob", "text": "before register",
	}))
	env := nextEnvelope(t, alice)
	require.Equal(t, EventError, env.Event)
	assert.Contains(t, string(env.Data), relay.ErrNotRegistered.Error())

	h.dispatch(alice, frame(t, EventRegisterUser, "alice"))
	nextEnvelope(t, alice)
	h.dispatch(bob, frame(t, EventRegisterUser, "bob"))
	nextEnvelope(t, bob)

	h.dispatch(alice, frame(t, EventChatMessage, map[string]string{
		"senderId": "mallory", "recipientId": "bob", "text": "spoofed",
	}))
	env = nextEnvelope(t, alice)
	require.Equal(t, EventError, env.Event)
	assert.Contains(t, string(env.Data), relay.ErrSenderMismatch.Error())
	assertNoEnvelope(t, bob)

	h.dispatch(alice, frame(t, EventChatMessage, map[string]string{
		"senderId": "alice", "recipientId": "bob", "text": "genuine",
	}))
	env = nextEnvelope(t, bob)
	assert.Equal(t, EventReceiveMessage, env.Event)
}

func TestHubStaleDisconnectKeepsNewerRegistration(t *testing.T) {
	h := newUnitHub(t, nil)
	first, second, bob := newDetachedClient(h), newDetachedClient(h), newDetachedClient(h)

	h.dispatch(first, frame(t, EventRegisterUser, "alice"))
	nextEnvelope(t, first)
	h.dispatch(second, frame(t, EventRegisterUser, "alice"))
	nextEnvelope(t, second)

	h.handleDisconnect(first)
	assert.Equal(t, 2, h.ClientCount())

	h.dispatch(bob, frame(t, EventChatMessage, map[string]string{
		"senderId": "bob", "recipientId": "alice", "text": "still there?",
	}))
	env := nextEnvelope(t, second)
	assert.Equal(t, EventReceiveMessage, env.Event)

	handle, ok := h.Router().Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, handle)
}

func TestHubDisconnectRemovesPresence(t *testing.T) {
	h := newUnitHub(t, nil)
	alice := newDetachedClient(h)
	h.dispatch(alice, frame(t, EventRegisterUser, "alice"))
	nextEnvelope(t, alice)

	h.handleDisconnect(alice)
	h.handleDisconnect(alice)

	assert.Equal(t, 0, h.ClientCount())
	_, ok := h.Router().Lookup("alice")
	assert.False(t, ok)

	_, ok = <-alice.GetSendChan()
	assert.False(t, ok, "send channel should be closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.present))
}

func TestHubShutdownWithoutClients(t *testing.T) {
	h := newUnitHub(t, nil)
	go h.Run()

	require.NoError(t, h.Shutdown(2*time.Second))

	c := NewClient(nil, h, "late")
	assert.False(t, h.Connect(c), "connect after shutdown must fail")
}

func TestHubConnectNilClient(t *testing.T) {
	h := newUnitHub(t, nil)
	go h.Run()
	t.Cleanup(func() { _ = h.Shutdown(time.Second) })

	require.True(t, h.Connect(nil))
	assert.Equal(t, 0, h.ClientCount())
}

func TestHubFlushStopsWhenClientStopsDraining(t *testing.T) {
	h := newUnitHub(t, func(cfg *Config) { cfg.SendBufferSize = 3 })
	ctx := context.Background()

	alice := newDetachedClient(h)
	for i := 1; i <= 5; i++ {
		h.dispatch(alice, frame(t, EventChatMessage, map[string]string{
			"senderId": "alice", "recipientId": "bob", "text": fmt.Sprintf("m%d", i),
		}))
	}

	bob := newDetachedClient(h)
	bob.flushWait = 20 * time.Millisecond
	h.dispatch(bob, frame(t, EventRegisterUser, "bob"))

	texts := func(n int) []string {
		out := make([]string, 0, n)
		for i := 0; i < n; i++ {
			env := nextEnvelope(t, bob)
			require.Equal(t, EventReceiveMessage, env.Event)
			var msg relay.Message
			require.NoError(t, json.Unmarshal(env.Data, &msg))
			out = append(out, msg.Text)
		}
		return out
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, texts(3))
	assertNoEnvelope(t, bob)

	_, present := h.Router().Lookup("bob")
	assert.False(t, present)
	pending, err := h.Router().Pending(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	h.dispatch(bob, frame(t, EventRegisterUser, "bob"))
	assert.Equal(t, []string{"m4", "m5"}, texts(2))
	ack := nextEnvelope(t, bob)
	assert.Equal(t, EventRegistered, ack.Event)
	assert.JSONEq(t, `{"identity":"bob","flushed":2}`, string(ack.Data))
}

func TestClientDeliverRespectsCloseAndContext(t *testing.T) {
	h := newUnitHub(t, func(cfg *Config) { cfg.SendBufferSize = 1 })
	c := NewClient(nil, h, "test")
	c.flushWait = time.Hour

	msg := &relay.Message{RecipientID: "bob", Text: "x"}
	assert.True(t, c.Deliver(context.Background(), msg))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, c.Deliver(ctx, msg), "full buffer and cancelled context")

	c.closeSend()
	assert.False(t, c.Deliver(context.Background(), msg))
}
