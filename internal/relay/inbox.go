// ABOUTME: Per-agent inbox that holds messages until acknowledged.
// ABOUTME: Redelivers unacknowledged messages after a visibility timeout (at-least-once).

package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpmesh/mcpmesh/internal/protocol"
)

// held is one message the relay is holding for an agent. A held message is
// either pending (never delivered, or due for redelivery) or in flight
// (delivered, awaiting acknowledgment).
type held struct {
	id          string
	msg         protocol.Message
	deliveredAt time.Time // zero until first delivery
	deliveries  int
}

// Inbox holds messages addressed to a single agent. A message stays in the
// inbox until acknowledged; a delivered-but-unacknowledged message becomes
// deliverable again once the visibility timeout elapses. This is the
// mechanism behind at-least-once delivery: the consumer that crashes before
// acknowledging sees the message again on its next receive.
type Inbox struct {
	mu         sync.Mutex
	order      []*held          // arrival order
	byID       map[string]*held // message id -> entry
	notify     chan struct{}
	visibility time.Duration
}

// NewInbox creates an empty inbox with the given visibility timeout.
func NewInbox(visibility time.Duration) *Inbox {
	return &Inbox{
		byID:       make(map[string]*held),
		notify:     make(chan struct{}, 1),
		visibility: visibility,
	}
}

// Put adds a message to the inbox and returns its assigned message id.
func (in *Inbox) Put(msg protocol.Message) string {
	in.mu.Lock()
	h := &held{
		id:  uuid.New().String(),
		msg: msg,
	}
	in.order = append(in.order, h)
	in.byID[h.id] = h
	in.mu.Unlock()

	select {
	case in.notify <- struct{}{}:
	default:
	}
	return h.id
}

// Next blocks until a message is deliverable or the context is done.
// Delivered messages are marked in flight; they are not removed until
// acknowledged, and become deliverable again after the visibility timeout.
func (in *Inbox) Next(ctx context.Context) (protocol.Delivery, error) {
	for {
		if d, wake, ok := in.tryNext(); ok {
			return d, nil
		} else if wake > 0 {
			// An in-flight message becomes redeliverable at wake; sleep
			// until then unless new messages arrive first.
			timer := time.NewTimer(wake)
			select {
			case <-ctx.Done():
				timer.Stop()
				return protocol.Delivery{}, ctx.Err()
			case <-in.notify:
				timer.Stop()
			case <-timer.C:
			}
		} else {
			select {
			case <-ctx.Done():
				return protocol.Delivery{}, ctx.Err()
			case <-in.notify:
			}
		}
	}
}

// tryNext returns the first deliverable message, marking it in flight.
// When nothing is deliverable it returns the wait until the earliest
// in-flight message expires (0 when the inbox holds no in-flight messages).
func (in *Inbox) tryNext() (protocol.Delivery, time.Duration, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	now := time.Now()
	var earliest time.Duration
	for _, h := range in.order {
		if h.deliveredAt.IsZero() || now.Sub(h.deliveredAt) >= in.visibility {
			h.deliveredAt = now
			h.deliveries++
			return protocol.Delivery{MessageID: h.id, Message: h.msg}, 0, true
		}
		remaining := in.visibility - now.Sub(h.deliveredAt)
		if earliest == 0 || remaining < earliest {
			earliest = remaining
		}
	}
	return protocol.Delivery{}, earliest, false
}

// Ack removes an acknowledged message. Returns false when the id is unknown,
// which happens legitimately if the consumer acknowledges after a redelivery
// of the same message was already acknowledged.
func (in *Inbox) Ack(messageID string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	if _, ok := in.byID[messageID]; !ok {
		return false
	}
	delete(in.byID, messageID)
	for i, h := range in.order {
		if h.id == messageID {
			in.order = append(in.order[:i], in.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of held (unacknowledged) messages.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.order)
}

// Inboxes is the set of per-agent inboxes, created on first use. Messages
// may arrive for an agent that has not yet registered; they are held until
// the agent connects and drains them.
type Inboxes struct {
	mu         sync.Mutex
	byAgent    map[string]*Inbox
	visibility time.Duration
}

// NewInboxes creates the inbox set with a shared visibility timeout.
func NewInboxes(visibility time.Duration) *Inboxes {
	return &Inboxes{
		byAgent:    make(map[string]*Inbox),
		visibility: visibility,
	}
}

// For returns the inbox for the named agent, creating it if needed.
func (s *Inboxes) For(agent string) *Inbox {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.byAgent[agent]
	if !ok {
		in = NewInbox(s.visibility)
		s.byAgent[agent] = in
	}
	return in
}
