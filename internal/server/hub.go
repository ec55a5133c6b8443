// Package server coordinates client connections, event dispatch into the
// relay router, and connection cleanup via the Hub type.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/relay/internal/relay"
)

// inboundFrame is a raw text frame read from a client.
type inboundFrame struct {
	client *Client
	raw    []byte
}

// Hub owns the set of open connections and feeds every client event into the
// router from a single goroutine, one event at a time.
type Hub struct {
	config  Config
	router  *relay.Router
	metrics *Metrics
	log     zerolog.Logger
	origins *originPolicy

	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub that routes through router. metrics may be nil.
func NewHub(cfg Config, router *relay.Router, metrics *Metrics, log zerolog.Logger) *Hub {
	cfg = cfg.Sanitize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		config:     cfg,
		router:     router,
		metrics:    metrics,
		log:        log,
		origins:    newOriginPolicy(cfg.AllowedOrigins, log),
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundFrame),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Config returns the sanitised configuration the hub runs with.
func (h *Hub) Config() Config {
	return h.config
}

// Router returns the router the hub dispatches into.
func (h *Hub) Router() *relay.Router {
	return h.router
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Connect hands a freshly upgraded client to the hub. It returns false if the
// hub is shutting down.
func (h *Hub) Connect(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Run starts the hub's event loop. It returns after Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.handleConnect(client)

		case client := <-h.unregister:
			h.handleDisconnect(client)

		case frame := <-h.inbound:
			h.dispatch(frame.client, frame.raw)
		}
	}
}

func (h *Hub) handleConnect(client *Client) {
	if client == nil {
		h.log.Warn().Msg("received nil client registration; skipping")
		return
	}

	h.mutex.Lock()
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.metrics.setConnections(clientCount)
	client.log.Info().Int("clients", clientCount).Msg("client connected")

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) handleDisconnect(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	id, wasPresent := h.router.OnDisconnect(h.ctx, client)
	client.closeSend()

	h.metrics.setConnections(clientCount)
	h.metrics.setPresent(h.router.Stats().Present)

	event := client.log.Info().Int("clients", clientCount)
	if wasPresent {
		event = event.Str("identity", string(id))
	}
	event.Msg("client disconnected")
}

// dispatch decodes one frame and applies it to the router. Malformed frames
// are rejected with an error event to the sender; nothing is routed.
func (h *Hub) dispatch(client *Client, raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		h.reject(client, "", err)
		return
	}

	switch env.Event {
	case EventRegisterUser:
		h.handleRegister(client, env)
	case EventChatMessage:
		h.handleChatMessage(client, env)
	default:
		h.reject(client, env.Event, errors.New("unknown event"))
	}
}

func (h *Hub) handleRegister(client *Client, env Envelope) {
	id, err := parseIdentity(env.Data)
	if err != nil {
		h.reject(client, env.Event, err)
		return
	}

	flushed, err := h.router.OnRegister(h.ctx, client, id)
	if err != nil {
		if errors.Is(err, relay.ErrEmptyIdentity) {
			h.reject(client, env.Event, err)
			return
		}
		if errors.Is(err, relay.ErrFlushInterrupted) {
			// The connection is not draining; the rest of the backlog waits
			// for the next registration.
			h.metrics.setPresent(h.router.Stats().Present)
			client.log.Warn().Err(err).Str("identity", string(id)).Int("flushed", flushed).
				Msg("offline flush interrupted; identity released")
			client.sendEvent(EventError, ErrorPayload{Event: env.Event, Reason: err.Error()})
			return
		}
		// Presence was updated; only the offline backlog could not be read.
		client.log.Error().Err(err).Str("identity", string(id)).Msg("error flushing offline queue")
	}

	h.metrics.recordRegistration(flushed)
	h.metrics.setPresent(h.router.Stats().Present)
	client.sendEvent(EventRegistered, RegisteredPayload{Identity: id, Flushed: flushed})
	client.log.Info().Str("identity", string(id)).Int("flushed", flushed).Msg("user registered")
}

func (h *Hub) handleChatMessage(client *Client, env Envelope) {
	msg, err := parseChatMessage(env.Data)
	if err != nil {
		h.reject(client, env.Event, err)
		return
	}

	delivery, err := h.router.OnMessage(h.ctx, client, msg)
	switch {
	case err == nil:
		h.metrics.recordDelivery(delivery)
		client.log.Debug().
			Str("sender", string(msg.SenderID)).
			Str("recipient", string(msg.RecipientID)).
			Stringer("outcome", delivery).
			Msg("message routed")
	case errors.Is(err, relay.ErrMissingRecipient),
		errors.Is(err, relay.ErrNotRegistered),
		errors.Is(err, relay.ErrSenderMismatch):
		h.reject(client, env.Event, err)
	default:
		h.metrics.recordFailed()
		client.log.Error().Err(err).Str("recipient", string(msg.RecipientID)).Msg("error queueing message; dropped")
	}
}

func (h *Hub) reject(client *Client, event string, err error) {
	h.metrics.recordRejected()
	client.log.Warn().Err(err).Str("event", event).Msg("rejected client event")
	client.sendEvent(EventError, ErrorPayload{Event: event, Reason: err.Error()})
}

// shutdownClients closes every open connection and its send channel.
func (h *Hub) shutdownClients() {
	h.log.Info().Msg("shutting down all client connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]struct{})
	h.mutex.Unlock()

	for _, client := range clients {
		h.router.OnDisconnect(context.Background(), client)
		client.closeSend()
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				client.log.Debug().Err(err).Msg("error closing client connection")
			}
		}
	}

	h.metrics.setConnections(0)
	h.metrics.setPresent(h.router.Stats().Present)
	h.log.Info().Int("closed", len(clients)).Msg("closed client connections")
}

// Shutdown stops the event loop, closes all clients and waits for their
// goroutines, giving up after timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("initiating hub shutdown")

	h.cancel()

	deadline := time.After(timeout)
	select {
	case <-h.done:
	case <-deadline:
		h.log.Warn().Msg("hub event loop did not stop before timeout")
		return context.DeadlineExceeded
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("hub shutdown completed")
		return nil
	case <-deadline:
		h.log.Warn().Msg("hub shutdown timeout reached; some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
