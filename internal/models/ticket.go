package models

import "time"

// Ticket statuses. Transitions are terminal-forward only: a ticket never
// returns to WAITING once it has left it.
const (
	StatusWaiting   = "WAITING"
	StatusCalled    = "CALLED"
	StatusInService = "IN_SERVICE"
	StatusCompleted = "COMPLETED"
	StatusNoShow    = "NO_SHOW"
)

// Queue types used for the tenant-wide "now calling" broadcast scope.
const (
	QueueTypeGeneral  = "general"
	QueueTypePriority = "priority"
	QueueTypeVIP      = "vip"
)

// Queue is a named waiting line belonging to a tenant. Identity never changes
// after creation; queues are soft-deactivated, never hard-deleted while
// tickets reference them.
type Queue struct {
	ID                string        `json:"id"`
	TenantID          string        `json:"tenant_id"`
	Name              string        `json:"name"`
	Type              string        `json:"type"`
	Capacity          *int          `json:"capacity,omitempty"` // nil = unlimited
	AvgServiceSeconds int           `json:"avg_service_seconds"`
	Tolerance         time.Duration `json:"tolerance"`
	Active            bool          `json:"active"`
}

// Ticket is a client's position-holding record in a queue.
type Ticket struct {
	ID             string     `json:"id"`
	QueueID        string     `json:"queue_id"`
	Token          string     `json:"token"` // human-readable calling token, e.g. "C012"
	Status         string     `json:"status"`
	Priority       int        `json:"priority"` // higher = served first
	UserID         string     `json:"user_id,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	Email          string     `json:"email,omitempty"`
	ServiceSeconds int        `json:"service_seconds,omitempty"` // recorded on completion
	CreatedAt      time.Time  `json:"created_at"`
	CalledAt       *time.Time `json:"called_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// ClientID returns the identity used for the client-scoped stream namespace:
// the user id when present, otherwise phone or email for anonymous clients.
func (t Ticket) ClientID() string {
	if t.UserID != "" {
		return t.UserID
	}
	if t.Phone != "" {
		return t.Phone
	}
	return t.Email
}

var transitionMap = map[string][]string{
	StatusCalled:    {StatusWaiting},
	StatusInService: {StatusCalled},
	StatusCompleted: {StatusInService},
	StatusNoShow:    {StatusWaiting, StatusCalled},
}

// ValidTransition reports whether a ticket may move from one status to
// another. A recall re-emits the CALLED notification without a status change,
// so CALLED -> CALLED is not a transition.
func ValidTransition(from, to string) bool {
	allowed, ok := transitionMap[to]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}
