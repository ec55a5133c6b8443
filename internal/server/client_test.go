package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relay/internal/relay"
)

func TestNewClient(t *testing.T) {
	h := newUnitHub(t, func(cfg *Config) {
		cfg.SendBufferSize = 4
		cfg.MaxMessageSize = 1024
	})
	c := NewClient(nil, h, "192.0.2.1:5000")

	assert.NotEmpty(t, c.ID())
	assert.NotEqual(t, c.ID(), NewClient(nil, h, "x").ID())
	assert.Equal(t, int64(1024), c.maxMessageSize)
	assert.Equal(t, 4, cap(c.send))
	assert.NotNil(t, c.rateLimiter)
}

func TestClientForwardEncodesReceiveMessage(t *testing.T) {
	h := newUnitHub(t, nil)
	c := NewClient(nil, h, "test")

	c.Forward(&relay.Message{
		SenderID:    "alice",
		RecipientID: "bob",
		Text:        "hello",
		Extra:       map[string]json.RawMessage{"sentAt": json.RawMessage(`"2024-01-01T00:00:00Z"`)},
	})

	env := nextEnvelope(t, c)
	assert.Equal(t, EventReceiveMessage, env.Event)
	assert.JSONEq(t,
		`{"senderId":"alice","recipientId":"bob","text":"hello","sentAt":"2024-01-01T00:00:00Z"}`,
		string(env.Data))
}

func TestClientForwardDropsWhenBufferFull(t *testing.T) {
	h := newUnitHub(t, func(cfg *Config) { cfg.SendBufferSize = 1 })
	c := NewClient(nil, h, "test")

	c.Forward(&relay.Message{RecipientID: "bob", Text: "first"})
	c.Forward(&relay.Message{RecipientID: "bob", Text: "second"})

	env := nextEnvelope(t, c)
	var msg relay.Message
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "first", msg.Text)
	assertNoEnvelope(t, c)
}

func TestClientCloseSendIsIdempotent(t *testing.T) {
	h := newUnitHub(t, nil)
	c := NewClient(nil, h, "test")

	c.closeSend()
	assert.NotPanics(t, c.closeSend)
	assert.NotPanics(t, func() {
		c.Forward(&relay.Message{RecipientID: "bob", Text: "late"})
		c.sendEvent(EventError, ErrorPayload{Reason: "late"})
	})

	_, ok := <-c.GetSendChan()
	assert.False(t, ok)
}

func TestClientConcurrentForwardAndClose(t *testing.T) {
	h := newUnitHub(t, func(cfg *Config) { cfg.SendBufferSize = 1024 })
	c := NewClient(nil, h, "test")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			c.Forward(&relay.Message{RecipientID: "bob", Text: "x"})
		}
	}()
	time.Sleep(time.Millisecond)
	c.closeSend()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Forward blocked after close")
	}
}

func TestClientRateLimit(t *testing.T) {
	h := newUnitHub(t, func(cfg *Config) {
		cfg.RateLimit = RateLimitConfig{Burst: 3, RefillInterval: time.Hour}
	})
	c := NewClient(nil, h, "test")

	for i := 0; i < 3; i++ {
		assert.True(t, c.checkRateLimit(), "frame %d within burst", i)
	}
	assert.False(t, c.checkRateLimit(), "burst exhausted")
}

func TestNewRateLimiterDefaults(t *testing.T) {
	l := newRateLimiter(0, 0)
	assert.Equal(t, 1, l.Burst())
	assert.True(t, l.Allow())

	l = newRateLimiter(10, 2*time.Second)
	assert.Equal(t, 10, l.Burst())
	assert.InDelta(t, 5.0, float64(l.Limit()), 1e-9)
}
