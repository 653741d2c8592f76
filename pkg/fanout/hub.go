// Package fanout delivers deployment events to the live subscribers of a
// tenant.
package fanout

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/drplane/drplane/pkg/engine"
)

// Subscriber is one live connection.
type Subscriber interface {
	// ID identifies the subscriber in logs.
	ID() string

	// Send queues an event. It must not block.
	Send(event engine.Event) error

	// Close releases the subscriber. It may be called more than once.
	Close()
}

// Recorder receives fan-out measurements.
type Recorder interface {
	SetSubscribers(count float64)
	RecordEventPublished(eventType string)
	RecordEventDropped(eventType string)
}

// Hub maps tenants to their subscribers. It implements engine.Publisher.
type Hub struct {
	mu      sync.RWMutex
	tenants map[string]map[Subscriber]struct{}
	owners  map[Subscriber]string

	logger  zerolog.Logger
	metrics Recorder
}

// NewHub creates an empty hub. metrics may be nil.
func NewHub(logger zerolog.Logger, metrics Recorder) *Hub {
	return &Hub{
		tenants: make(map[string]map[Subscriber]struct{}),
		owners:  make(map[Subscriber]string),
		logger:  logger.With().Str("component", "fanout").Logger(),
		metrics: metrics,
	}
}

// Register subscribes sub to tenantID. A subscriber belongs to one tenant;
// registering it again moves it.
func (h *Hub) Register(tenantID string, sub Subscriber) {
	h.mu.Lock()
	h.removeLocked(sub)
	set, ok := h.tenants[tenantID]
	if !ok {
		set = make(map[Subscriber]struct{})
		h.tenants[tenantID] = set
	}
	set[sub] = struct{}{}
	h.owners[sub] = tenantID
	count := len(h.owners)
	h.mu.Unlock()

	h.setSubscribers(count)
	h.logger.Debug().Str("tenant_id", tenantID).Str("subscriber", sub.ID()).Msg("Subscriber registered")
}

// Deregister removes sub. Unknown subscribers are ignored.
func (h *Hub) Deregister(sub Subscriber) {
	h.mu.Lock()
	removed := h.removeLocked(sub)
	count := len(h.owners)
	h.mu.Unlock()

	if removed {
		h.setSubscribers(count)
		h.logger.Debug().Str("subscriber", sub.ID()).Msg("Subscriber removed")
	}
}

func (h *Hub) removeLocked(sub Subscriber) bool {
	tenantID, ok := h.owners[sub]
	if !ok {
		return false
	}
	delete(h.owners, sub)
	if set := h.tenants[tenantID]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.tenants, tenantID)
		}
	}
	return true
}

// Publish delivers event to every subscriber of tenantID. A subscriber whose
// send fails is removed and closed; the others still receive the event.
func (h *Hub) Publish(tenantID string, event engine.Event) {
	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.tenants[tenantID]))
	for sub := range h.tenants[tenantID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.Send(event); err != nil {
			h.logger.Warn().
				Err(err).
				Str("tenant_id", tenantID).
				Str("subscriber", sub.ID()).
				Msg("Dropping subscriber after failed send")
			h.Deregister(sub)
			sub.Close()
			if h.metrics != nil {
				h.metrics.RecordEventDropped(string(event.Type))
			}
			continue
		}
		if h.metrics != nil {
			h.metrics.RecordEventPublished(string(event.Type))
		}
	}
}

// Subscribers returns the number of subscribers of tenantID.
func (h *Hub) Subscribers(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tenants[tenantID])
}

// Close removes and closes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]Subscriber, 0, len(h.owners))
	for sub := range h.owners {
		subs = append(subs, sub)
	}
	h.tenants = make(map[string]map[Subscriber]struct{})
	h.owners = make(map[Subscriber]string)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	h.setSubscribers(0)
}

func (h *Hub) setSubscribers(count int) {
	if h.metrics != nil {
		h.metrics.SetSubscribers(float64(count))
	}
}
