package relay

import (
	"context"
	"sort"
)

// Handle is the router's view of a live connection. Implementations hand the
// message to the transport and return immediately; there is no delivery
// feedback. Handles are compared with ==, so they must be comparable
// (typically a pointer).
type Handle interface {
	Forward(msg *Message)
}

// Deliverer is an optional Handle extension used when flushing a backlog.
// Deliver may wait briefly for room and reports whether the message was
// handed to the transport.
type Deliverer interface {
	Deliver(ctx context.Context, msg *Message) bool
}

// PresenceTable maps identities to the connection they are currently using.
// It is not safe for concurrent use on its own; the Router serialises access.
type PresenceTable struct {
	entries map[Identity]Handle
}

// NewPresenceTable returns an empty table.
func NewPresenceTable() *PresenceTable {
	return &PresenceTable{entries: make(map[Identity]Handle)}
}

// Register maps id to h, replacing whatever handle id had before.
func (p *PresenceTable) Register(id Identity, h Handle) {
	p.entries[id] = h
}

// Lookup returns the handle registered for id.
func (p *PresenceTable) Lookup(id Identity) (Handle, bool) {
	h, ok := p.entries[id]
	return h, ok
}

// RemoveByHandle deletes the entry currently pointing at h and reports which
// identity was removed. An identity that re-registered on another handle is
// left alone because its value no longer equals h.
func (p *PresenceTable) RemoveByHandle(h Handle) (Identity, bool) {
	id, ok := p.IdentityOf(h)
	if ok {
		delete(p.entries, id)
	}
	return id, ok
}

// IdentityOf returns the identity whose entry currently points at h. Handle
// equality is the only test, so a stale handle never matches a newer
// registration of the same identity.
func (p *PresenceTable) IdentityOf(h Handle) (Identity, bool) {
	for id, current := range p.entries {
		if current == h {
			return id, true
		}
	}
	return "", false
}

// Len returns the number of present identities.
func (p *PresenceTable) Len() int {
	return len(p.entries)
}

// Identities returns a sorted snapshot of present identities.
func (p *PresenceTable) Identities() []Identity {
	ids := make([]Identity, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
