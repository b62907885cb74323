// Package events carries sync engine announcements to interested listeners:
// in process through a Hub, and optionally out to Redis pub/sub.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Name identifies an announcement.
type Name string

const (
	OutboxMutationEnqueued    Name = "outboxMutationEnqueued"
	OutboxMutationProcessed   Name = "outboxMutationProcessed"
	OutboxStatus              Name = "outboxStatus"
	SyncReceived              Name = "syncReceived"
	SyncQueriesStarted        Name = "syncQueriesStarted"
	ModelSynced               Name = "modelSynced"
	SyncQueriesReady          Name = "syncQueriesReady"
	SubscriptionsEstablished  Name = "subscriptionsEstablished"
	SubscriptionDataProcessed Name = "subscriptionDataProcessed"
	NetworkStatus             Name = "networkStatus"
	Ready                     Name = "ready"
)

// Event is one announcement.
type Event struct {
	Name Name      `json:"name"`
	Data any       `json:"data,omitempty"`
	Time time.Time `json:"time"`
}

// OutboxStatusData reports whether the outbox has drained.
type OutboxStatusData struct {
	IsEmpty bool `json:"isEmpty"`
}

// MutationData describes a mutation entering or leaving the outbox, or a
// remote change merged locally.
type MutationData struct {
	Model      string `json:"model"`
	RecordID   string `json:"recordId"`
	MutationID string `json:"mutationId,omitempty"`
	Type       string `json:"type,omitempty"`
	Version    int    `json:"version,omitempty"`
}

// ModelSyncedData summarizes one model's hydration.
type ModelSyncedData struct {
	Model       string `json:"model"`
	IsFullSync  bool   `json:"isFullSync"`
	IsDeltaSync bool   `json:"isDeltaSync"`
	Created     int    `json:"created"`
	Updated     int    `json:"updated"`
	Deleted     int    `json:"deleted"`
}

// SyncQueriesStartedData lists the models about to be hydrated.
type SyncQueriesStartedData struct {
	Models []string `json:"models"`
}

// NetworkStatusData reports whether the remote half of the engine is running.
type NetworkStatusData struct {
	Active bool `json:"active"`
}

// Publisher accepts announcements.
type Publisher interface {
	Publish(e Event)
}

// Announce publishes an event stamped with the current time. A nil publisher
// discards it.
func Announce(p Publisher, name Name, data any) {
	if p == nil {
		return
	}
	p.Publish(Event{Name: name, Data: data, Time: time.Now().UTC()})
}

const subscriberBuffer = 64

// Hub fans announcements out to subscribers. Delivery never blocks the
// publisher: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	ch    chan Event
	names map[Name]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

// Publish delivers e to every subscriber interested in its name.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, s := range h.subs {
		if len(s.names) > 0 && !s.names[e.Name] {
			continue
		}
		select {
		case s.ch <- e:
		default:
			slog.Debug("dropping event for slow subscriber",
				"component", "events",
				"event", string(e.Name),
			)
		}
	}
}

// Subscribe registers for the named events, or for all events when no names
// are given. The returned func unsubscribes and closes the channel.
func (h *Hub) Subscribe(names ...Name) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer), names: make(map[Name]bool, len(names))}
	for _, n := range names {
		s.names[n] = true
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = s
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(s.ch)
			}
		})
	}
}

// Close closes every subscriber channel. Later publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
}
