package models

import (
	"encoding/json"
	"time"
)

// Change actions as emitted by the storage trigger.
const (
	ActionInsert = "INSERT"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// ChangeEvent is the decoded payload of one change notification. It is
// ephemeral: produced once per committed mutation, routed in-memory, never
// persisted.
type ChangeEvent struct {
	EntityID     string    `json:"entity_id"`
	Action       string    `json:"action"`
	Table        string    `json:"table"`
	Status       string    `json:"status,omitempty"`
	PrevStatus   string    `json:"prev_status,omitempty"`
	QueueID      string    `json:"queue_id,omitempty"`
	TenantID     string    `json:"tenant_id,omitempty"`
	QueueType    string    `json:"queue_type,omitempty"`
	Token        string    `json:"token,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	CalledAt     time.Time `json:"called_at,omitzero"`
	PrevCalledAt time.Time `json:"prev_called_at,omitzero"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Called reports whether this event represents a ticket being called or
// recalled. A recall keeps the CALLED status and advances calledAt, so for an
// already-CALLED ticket the timestamps must differ; an update that leaves
// calledAt alone is not a call.
func (e ChangeEvent) Called() bool {
	if e.Status != StatusCalled {
		return false
	}
	if e.PrevStatus != StatusCalled {
		return true
	}
	return !e.CalledAt.IsZero() && !e.CalledAt.Equal(e.PrevCalledAt)
}

// Stream event names of the live-stream protocol.
const (
	EventTicketNotification  = "ticket_notification"
	EventQueueTicket         = "queue_ticket_notification"
	EventTicketSpecific      = "ticket_specific_notification"
	EventCallingTokenUpdated = "current-calling-token-updated"
	EventHeartbeat           = "heartbeat"
	EventStreamOpened        = "stream_opened"
)

// StreamEnvelope is the JSON body written to a live stream for each message.
type StreamEnvelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notification job kinds.
const (
	JobTicketCalled   = "ticket.called"
	JobTicketRecalled = "ticket.recalled"
)

// Notification channels.
const (
	ChannelStream   = "stream"
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
)

// NotificationJob is the unit of work queued for asynchronous, retried
// delivery of an out-of-band notification. Delivery is at-least-once; the
// recipient experience must tolerate duplicates.
type NotificationJob struct {
	JobID       string    `json:"job_id"`
	Kind        string    `json:"kind"`
	TicketID    string    `json:"ticket_id"`
	QueueID     string    `json:"queue_id"`
	QueueName   string    `json:"queue_name"`
	Token       string    `json:"token"`
	UserID      string    `json:"user_id,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Email       string    `json:"email,omitempty"`
	ChannelHint string    `json:"channel_hint,omitempty"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
}
