package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	EventTypeCheckoutCompleted = "checkout_completed"
	EventTypePaymentSucceeded  = "payment_succeeded"
	EventTypePaymentFailed     = "payment_failed"
)

// PaymentEvent is the canonical event decoded from a verified payload.
type PaymentEvent struct {
	Provider        string
	ProviderEventID string
	Type            string
	PaymentRef      string
	DocumentID      *snowflake.ID
	Amount          int64
	Currency        string
	OccurredAt      time.Time
	RawPayload      []byte
}

// EventRecord is the durable delivery record; the unique
// (provider, provider_event_id) pair deduplicates redeliveries.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	DocumentID      *snowflake.ID  `json:"document_id" gorm:"index"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

// TableName sets the database table name.
func (EventRecord) TableName() string { return "payment_events" }

// Result is the webhook endpoint's contract: Handled reports whether the
// event type was recognized and acted on; unrecognized types return
// Handled=false without an error so new processor events never break the
// endpoint.
type Result struct {
	Handled bool   `json:"handled"`
	Event   string `json:"event"`
}

// Service is the settlement gateway: the trust boundary between the payment
// processor and the document state machine.
type Service interface {
	Process(ctx context.Context, payload []byte, headers http.Header) (Result, error)
}

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrInvalidConfig    = errors.New("invalid_config")
)
