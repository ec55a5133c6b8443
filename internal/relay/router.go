package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrEmptyIdentity is returned when a registration carries no identity.
	ErrEmptyIdentity = errors.New("identity must not be empty")
	// ErrMissingRecipient is returned for a message without a recipientId.
	ErrMissingRecipient = errors.New("message has no recipientId")
	// ErrNotRegistered is returned when sender enforcement is on and the
	// sending connection has not registered.
	ErrNotRegistered = errors.New("connection has not registered an identity")
	// ErrSenderMismatch is returned when sender enforcement is on and the
	// message claims a senderId other than the connection's identity.
	ErrSenderMismatch = errors.New("senderId does not match registered identity")
	// ErrFlushInterrupted is returned by OnRegister when the connection stopped
	// accepting the offline backlog. The undelivered messages are back in the
	// queue and the identity is no longer present.
	ErrFlushInterrupted = errors.New("offline backlog flush interrupted")
)

// Delivery describes what the router did with a message.
type Delivery int

const (
	// Delivered means the message was handed to the recipient's connection.
	Delivered Delivery = iota + 1
	// Queued means the recipient was absent and the message was buffered.
	Queued
)

func (d Delivery) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	default:
		return "unknown"
	}
}

// Options tunes a Router.
type Options struct {
	// EnforceSender rejects messages whose senderId is not the identity
	// registered on the sending connection. Off by default: clients are
	// trusted to name themselves.
	EnforceSender bool
	Logger        zerolog.Logger
}

// Stats is a point-in-time view of the router.
type Stats struct {
	Present    int
	Identities []Identity
}

// Router owns the presence table and the offline queue. Every operation runs
// under one mutex, so a registration and the drain that follows it are atomic
// with respect to concurrent messages for the same identity, and a disconnect
// can never remove a registration made on a newer connection.
type Router struct {
	mu            sync.Mutex
	presence      *PresenceTable
	queue         Queue
	enforceSender bool
	log           zerolog.Logger
}

// NewRouter builds a Router on top of queue. A nil queue selects a
// MemoryQueue.
func NewRouter(queue Queue, opts Options) *Router {
	if queue == nil {
		queue = NewMemoryQueue()
	}
	return &Router{
		presence:      NewPresenceTable(),
		queue:         queue,
		enforceSender: opts.EnforceSender,
		log:           opts.Logger,
	}
}

// OnRegister binds id to h and forwards everything queued for id to h in
// order. It returns how many queued messages were flushed. A connection that
// registers again under a new identity gives up the old one.
//
// Handles that implement Deliverer are flushed through Deliver. If one
// refuses a message, that message and the rest go back to the queue and
// ErrFlushInterrupted is returned.
func (r *Router) OnRegister(ctx context.Context, h Handle, id Identity) (int, error) {
	if id == "" {
		return 0, ErrEmptyIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.presence.RemoveByHandle(h); ok && prev != id {
		r.log.Debug().Str("identity", string(prev)).Str("new_identity", string(id)).
			Msg("connection re-registered under a new identity")
	}
	if old, ok := r.presence.Lookup(id); ok && old != h {
		r.log.Debug().Str("identity", string(id)).Msg("identity registered on a new connection; replacing")
	}
	r.presence.Register(id, h)

	msgs, err := r.queue.Drain(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("drain offline queue for %q: %w", id, err)
	}
	for i, msg := range msgs {
		if handOff(ctx, h, msg) {
			continue
		}
		return i, r.abortFlush(ctx, h, id, msgs[i:])
	}

	if len(msgs) > 0 {
		r.log.Debug().Str("identity", string(id)).Int("flushed", len(msgs)).Msg("flushed offline messages")
	}
	return len(msgs), nil
}

// abortFlush puts the messages h could not take back in the queue, in order,
// and releases id so later messages queue behind them instead of overtaking
// them on a connection that is not keeping up.
func (r *Router) abortFlush(ctx context.Context, h Handle, id Identity, rest []*Message) error {
	r.presence.RemoveByHandle(h)

	for i, msg := range rest {
		if err := r.queue.Enqueue(ctx, id, msg); err != nil {
			return fmt.Errorf("%w: requeue %d of %d messages for %q: %w",
				ErrFlushInterrupted, len(rest)-i, len(rest), id, err)
		}
	}

	r.log.Warn().Str("identity", string(id)).Int("requeued", len(rest)).
		Msg("connection did not accept offline backlog; requeued remainder")
	return fmt.Errorf("%w: %d messages for %q requeued", ErrFlushInterrupted, len(rest), id)
}

func handOff(ctx context.Context, h Handle, msg *Message) bool {
	if d, ok := h.(Deliverer); ok {
		return d.Deliver(ctx, msg)
	}
	h.Forward(msg)
	return true
}

// OnMessage routes msg to its recipient. from is the connection the message
// arrived on; it is only consulted when sender enforcement is on.
func (r *Router) OnMessage(ctx context.Context, from Handle, msg *Message) (Delivery, error) {
	if msg == nil || msg.RecipientID == "" {
		return 0, ErrMissingRecipient
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enforceSender {
		if err := r.checkSender(from, msg.SenderID); err != nil {
			return 0, err
		}
	}

	if h, ok := r.presence.Lookup(msg.RecipientID); ok {
		h.Forward(msg)
		return Delivered, nil
	}

	if err := r.queue.Enqueue(ctx, msg.RecipientID, msg); err != nil {
		return 0, fmt.Errorf("enqueue message for %q: %w", msg.RecipientID, err)
	}
	return Queued, nil
}

func (r *Router) checkSender(from Handle, claimed Identity) error {
	if from == nil {
		return ErrNotRegistered
	}
	id, ok := r.presence.IdentityOf(from)
	if !ok {
		return ErrNotRegistered
	}
	if id != claimed {
		return ErrSenderMismatch
	}
	return nil
}

// OnDisconnect forgets whichever identity is registered on h. The offline
// queue is not touched.
func (r *Router) OnDisconnect(_ context.Context, h Handle) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.presence.RemoveByHandle(h)
}

// Lookup reports the handle currently registered for id.
func (r *Router) Lookup(id Identity) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.presence.Lookup(id)
}

// IdentityOf reports the identity registered on h.
func (r *Router) IdentityOf(h Handle) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.presence.IdentityOf(h)
}

// Pending reports how many messages are queued for id.
func (r *Router) Pending(ctx context.Context, id Identity) (int, error) {
	return r.queue.Pending(ctx, id)
}

// Stats returns the present identities.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		Present:    r.presence.Len(),
		Identities: r.presence.Identities(),
	}
}
