package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the negotiation state of a settlement
type Status string

const (
	StatusPending  Status = "pending"
	StatusDisputed Status = "disputed"
	StatusAgreed   Status = "agreed"
)

// IsTerminal reports whether no further mutation is allowed
func (s Status) IsTerminal() bool {
	return s == StatusAgreed
}

// Settlement is a two-party negotiation over a single amount.
// LastSeen is the revision token owned by the store; it starts at 1 and
// advances by one on every committed mutation.
type Settlement struct {
	SettlementID    string          `gorm:"primaryKey" json:"id"`
	Amount          decimal.Decimal `gorm:"type:text;not null" json:"amount"`
	Status          Status          `gorm:"index;not null" json:"status"`
	CounterOffered  bool            `gorm:"not null;default:false" json:"counter_offered"`
	LastSeen        uint64          `gorm:"not null" json:"last_seen"`
	LastRespondedAt *time.Time      `json:"last_responded_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IdempotencyRecord maps a client supplied Idempotency-Key to the settlement
// it created
type IdempotencyRecord struct {
	IdempotencyKey string    `gorm:"primaryKey" json:"idempotency_key"`
	SettlementID   string    `gorm:"index" json:"settlement_id"`
	Amount         string    `gorm:"type:text;not null;default:''" json:"amount"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// EventType describes which transition produced an Event
type EventType string

const (
	EventCreated   EventType = "created"
	EventRevised   EventType = "revised"
	EventCountered EventType = "countered"
	EventAccepted  EventType = "accepted"

	// EventSnapshot is sent by streams on connect, one per settlement in
	// scope, so subscribers start from current state
	EventSnapshot EventType = "snapshot"
)

// GeneralTopic receives every settlement event
const GeneralTopic = "general"

// Event is the payload pushed to subscribers after a committed mutation
type Event struct {
	Type           EventType       `json:"type"`
	SettlementID   string          `json:"id"`
	Amount         decimal.Decimal `json:"amount"`
	Status         Status          `json:"status"`
	CounterOffered bool            `json:"counter_offered"`
	LastSeen       uint64          `json:"last_seen"`
}

// NewEvent builds the event describing the committed state of s
func NewEvent(eventType EventType, s *Settlement) Event {
	return Event{
		Type:           eventType,
		SettlementID:   s.SettlementID,
		Amount:         s.Amount,
		Status:         s.Status,
		CounterOffered: s.CounterOffered,
		LastSeen:       s.LastSeen,
	}
}

// EventSequence orders events per settlement for the notification hub
func EventSequence(e Event) (string, uint64) {
	return e.SettlementID, e.LastSeen
}

// CreateRequest is the body of POST /settlements/
type CreateRequest struct {
	Amount *decimal.Decimal `json:"amount" binding:"required"`
}

// ReviseRequest is the body of PUT /settlements/:id/
type ReviseRequest struct {
	Amount   *decimal.Decimal `json:"amount" binding:"required"`
	LastSeen *uint64          `json:"last_seen" binding:"required"`
}

// RespondRequest is the body of POST /settlements/:id/respond.
// LastSeen is optional; when omitted the revision read by the gateway is used.
type RespondRequest struct {
	Accepted  *bool            `json:"accepted" binding:"required"`
	NewAmount *decimal.Decimal `json:"new_amount"`
	LastSeen  *uint64          `json:"last_seen"`
}

func (s *Settlement) clone() *Settlement {
	c := *s
	if s.LastRespondedAt != nil {
		t := *s.LastRespondedAt
		c.LastRespondedAt = &t
	}
	return &c
}
