// Package peernotify is a process-local publish/subscribe hub that fans out
// peer-add/peer-remove events to per-weaver subscribers (spec §4.4). It is
// not durable: on restart, subscribers reconnect and reconcile via an
// explicit snapshot request.
package peernotify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wisbric/loom/pkg/wgkey"
)

// EventType tags the wire-visible peer event union (spec §3, §6).
type EventType string

const (
	EventPeerAdded   EventType = "peer_added"
	EventPeerRemoved EventType = "peer_removed"
)

// Event is the tagged union of PeerAdded/PeerRemoved (spec §3).
type Event struct {
	Type      EventType
	PublicKey wgkey.PublicKey
	AllowedIP string // only set for PeerAdded
	SessionID wgkey.SessionID
}

// lagSignal is delivered in place of dropped events when a subscriber falls
// behind, telling it to resynchronize via a full snapshot (spec §4.4).
type lagSignal struct{}

const subscriberBuffer = 64

// subscriber is one weaver's live event channel.
type subscriber struct {
	ch     chan any // Event or lagSignal
	lagged bool
}

// Hub fans out events to per-weaver subscriber channels, keyed by weaver ID.
// A slow subscriber observes a lag signal (coalesced dropped events) rather
// than blocking the publisher (spec §4.4, §5: "Peer events for a given
// weaver are delivered to that weaver's subscriber in publication order").
type Hub struct {
	mu   sync.Mutex
	subs map[wgkey.WeaverID]map[int]*subscriber
	next int
	log  *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		subs: make(map[wgkey.WeaverID]map[int]*subscriber),
		log:  logger,
	}
}

// Subscription is a live handle a caller iterates for events until Close or
// ctx cancellation.
type Subscription struct {
	hub     *Hub
	weaver  wgkey.WeaverID
	id      int
	sub     *subscriber
	closeCh chan struct{}
	once    sync.Once
}

// Subscribe registers a new subscriber for weaver's event stream.
func (h *Hub) Subscribe(weaver wgkey.WeaverID) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[weaver] == nil {
		h.subs[weaver] = make(map[int]*subscriber)
	}
	id := h.next
	h.next++
	sub := &subscriber{ch: make(chan any, subscriberBuffer)}
	h.subs[weaver][id] = sub

	return &Subscription{hub: h, weaver: weaver, id: id, sub: sub, closeCh: make(chan struct{})}
}

// Next blocks until an event, a lag/resync signal (returns ok=false with
// resync=true), or ctx cancellation. Callers that see resync=true must
// fetch the current live peer set explicitly (spec §4.4).
func (s *Subscription) Next(ctx context.Context) (ev Event, resync bool, ok bool) {
	select {
	case v, open := <-s.sub.ch:
		if !open {
			return Event{}, false, false
		}
		switch x := v.(type) {
		case Event:
			return x, false, true
		case lagSignal:
			return Event{}, true, true
		default:
			return Event{}, false, false
		}
	case <-ctx.Done():
		return Event{}, false, false
	case <-s.closeCh:
		return Event{}, false, false
	}
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.closeCh)
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if m := s.hub.subs[s.weaver]; m != nil {
			delete(m, s.id)
			if len(m) == 0 {
				delete(s.hub.subs, s.weaver)
			}
		}
	})
}

// Publish delivers ev to every subscriber of weaver's stream, at-least-once
// for the subscriber's lifetime. A full subscriber buffer drops the oldest
// buffered event and marks the subscriber lagged rather than blocking the
// publisher — the broker (pkg/session) must never stall on a slow weaver
// connection.
func (h *Hub) Publish(weaver wgkey.WeaverID, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs[weaver] {
		select {
		case sub.ch <- ev:
		default:
			h.drainOneAndMarkLagged(sub)
			select {
			case sub.ch <- ev:
			default:
				if h.log != nil {
					h.log.Warn("peernotify: subscriber still full after drain, dropping event",
						"weaver_id", weaver.String())
				}
			}
		}
	}
}

func (h *Hub) drainOneAndMarkLagged(sub *subscriber) {
	select {
	case <-sub.ch:
	default:
	}
	if !sub.lagged {
		sub.lagged = true
		select {
		case sub.ch <- lagSignal{}:
		default:
		}
	}
}

// SubscriberCount reports how many live subscriptions exist for weaver
// (used by tests and by /healthz-style diagnostics).
func (h *Hub) SubscriberCount(weaver wgkey.WeaverID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[weaver])
}
