// Package hub is the fan-out router: it keeps the registry of live output
// streams and matches each change event against four independent scoping
// namespaces. Callers never touch the registry maps directly; everything goes
// through Subscribe/Unsubscribe/Route.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/filaup/filaup/internal/models"
	"github.com/filaup/filaup/pkg/metrics"

	"github.com/google/uuid"
)

type ScopeKind string

const (
	ScopeQueue   ScopeKind = "queue"
	ScopeTicket  ScopeKind = "ticket"
	ScopeClient  ScopeKind = "client"
	ScopeCalling ScopeKind = "calling" // tenant + queue type "now calling" broadcast
)

// Scope identifies one subscription target inside a namespace.
type Scope struct {
	Kind ScopeKind
	Key  string
}

func QueueScope(queueID string) Scope   { return Scope{Kind: ScopeQueue, Key: queueID} }
func TicketScope(ticketID string) Scope { return Scope{Kind: ScopeTicket, Key: ticketID} }
func ClientScope(clientID string) Scope { return Scope{Kind: ScopeClient, Key: clientID} }

func CallingScope(tenantID, queueType string) Scope {
	return Scope{Kind: ScopeCalling, Key: tenantID + "/" + queueType}
}

// Subscriber is one live output stream. Its buffer is bounded: when full, the
// oldest event is evicted and the subscriber is flagged degraded so the
// client knows to re-fetch state on reconnect.
type Subscriber struct {
	ID       string
	scope    Scope
	ch       chan models.StreamEnvelope
	opened   time.Time
	degraded bool
	mu       sync.Mutex
	closed   bool
}

// Events is the stream-side read end of the subscriber buffer.
func (s *Subscriber) Events() <-chan models.StreamEnvelope {
	return s.ch
}

func (s *Subscriber) Scope() Scope { return s.scope }

func (s *Subscriber) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// offer writes without blocking. On overflow it drops the oldest buffered
// event to make room, keeping the newest state flowing to slow consumers.
func (s *Subscriber) offer(env models.StreamEnvelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- env:
		return
	default:
	}

	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- env:
	default:
	}

	if !s.degraded {
		s.degraded = true
		metrics.SubscriberOverflows.Inc()
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// namespace holds the subscriber sets of one scoping dimension behind its own
// lock, so congestion in one namespace never blocks mutation of another.
type namespace struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
}

func newNamespace() *namespace {
	return &namespace{subs: make(map[string]map[*Subscriber]struct{})}
}

type Hub struct {
	namespaces map[ScopeKind]*namespace
	bufferSize int
	logger     *slog.Logger
}

func New(bufferSize int, logger *slog.Logger) *Hub {
	return &Hub{
		namespaces: map[ScopeKind]*namespace{
			ScopeQueue:   newNamespace(),
			ScopeTicket:  newNamespace(),
			ScopeClient:  newNamespace(),
			ScopeCalling: newNamespace(),
		},
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Subscribe registers a new live stream under the given scope and returns its
// handle. The handle is owned by the hub until Unsubscribe.
func (h *Hub) Subscribe(scope Scope) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.NewString(),
		scope:  scope,
		ch:     make(chan models.StreamEnvelope, h.bufferSize),
		opened: time.Now(),
	}

	ns := h.namespaces[scope.Kind]
	ns.mu.Lock()
	set, ok := ns.subs[scope.Key]
	if !ok {
		set = make(map[*Subscriber]struct{})
		ns.subs[scope.Key] = set
	}
	set[sub] = struct{}{}
	ns.mu.Unlock()

	metrics.SubscribersActive.WithLabelValues(string(scope.Kind)).Inc()
	return sub
}

// Unsubscribe removes the stream from its namespace and releases its buffer.
// Safe to call more than once; disconnect and idle-timeout paths both end up
// here.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	ns := h.namespaces[sub.scope.Kind]

	ns.mu.Lock()
	set, ok := ns.subs[sub.scope.Key]
	if ok {
		if _, member := set[sub]; member {
			delete(set, sub)
			if len(set) == 0 {
				delete(ns.subs, sub.scope.Key)
			}
			metrics.SubscribersActive.WithLabelValues(string(sub.scope.Kind)).Dec()
		} else {
			ok = false
		}
	}
	ns.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Publish delivers an envelope to every subscriber of one scope. Delivery is
// per-subscriber non-blocking; a dead consumer only degrades itself.
func (h *Hub) Publish(scope Scope, env models.StreamEnvelope) {
	ns := h.namespaces[scope.Kind]

	ns.mu.RLock()
	targets := make([]*Subscriber, 0, len(ns.subs[scope.Key]))
	for sub := range ns.subs[scope.Key] {
		targets = append(targets, sub)
	}
	ns.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	for _, sub := range targets {
		sub.offer(env)
	}
	metrics.FanoutDeliveries.WithLabelValues(string(scope.Kind)).Add(float64(len(targets)))
}

// Route derives the scopes affected by a change event and publishes to each.
// A single event may reach zero, one, or several subscribers across
// namespaces; CALLED transitions additionally hit the tenant-wide broadcast.
func (h *Hub) Route(ev models.ChangeEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to encode change event for fan-out", "entity_id", ev.EntityID, "error", err)
		return
	}

	envelope := func(name string) models.StreamEnvelope {
		return models.StreamEnvelope{Event: name, Data: data, Timestamp: ev.OccurredAt}
	}

	h.Publish(TicketScope(ev.EntityID), envelope(models.EventTicketSpecific))
	if ev.QueueID != "" {
		h.Publish(QueueScope(ev.QueueID), envelope(models.EventQueueTicket))
	}
	if ev.ClientID != "" {
		h.Publish(ClientScope(ev.ClientID), envelope(models.EventTicketNotification))
	}
	if ev.Called() && ev.TenantID != "" && ev.QueueType != "" {
		h.Publish(CallingScope(ev.TenantID, ev.QueueType), envelope(models.EventCallingTokenUpdated))
	}
}
