// Package domain contains persistence models for billing documents.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Kind distinguishes the two billing document variants.
type Kind string

const (
	KindInvoice Kind = "invoice"
	KindQuote   Kind = "quote"
)

// Status represents billing document lifecycle states. The full vocabulary
// is split between the two kinds; the transition table in the statemachine
// package is the single source of truth for legal edges.
type Status string

const (
	// Shared
	StatusDraft Status = "DRAFT"
	StatusSent  Status = "SENT"

	// Invoice
	StatusPaid      Status = "PAID"
	StatusOverdue   Status = "OVERDUE"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"

	// Quote
	StatusAccepted Status = "ACCEPTED"
	StatusDeclined Status = "DECLINED"
	StatusExpired  Status = "EXPIRED"
	StatusInvoiced Status = "INVOICED"
)

// PaymentState annotates the latest processor outcome without touching the
// lifecycle status.
const (
	PaymentStateSucceeded = "succeeded"
	PaymentStateFailed    = "failed"
)

// Document is the shared shape for invoices and quotes.
type Document struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	OrgID      snowflake.ID `json:"org_id" gorm:"not null;index"`
	CustomerID snowflake.ID `json:"customer_id" gorm:"not null;index"`
	Kind       Kind         `json:"kind" gorm:"type:text;not null"`
	Status     Status       `json:"status" gorm:"type:text;not null;default:'DRAFT'"`

	Currency       string `json:"currency" gorm:"type:text;not null"`
	SubtotalAmount int64  `json:"subtotal_amount" gorm:"not null;default:0"`
	TaxAmount      int64  `json:"tax_amount" gorm:"not null;default:0"`
	TotalAmount    int64  `json:"total_amount" gorm:"not null;default:0"`

	DueAt      *time.Time `json:"due_at"`
	ValidUntil *time.Time `json:"valid_until"`
	SentAt     *time.Time `json:"sent_at"`

	// PaymentRef is the external processor reference; write-once, it is the
	// settlement idempotency key.
	PaymentRef     *string    `json:"payment_ref" gorm:"type:text;uniqueIndex:ux_documents_payment_ref"`
	PaymentState   *string    `json:"payment_state" gorm:"type:text"`
	PaidAt         *time.Time `json:"paid_at"`
	RefundedAmount int64      `json:"refunded_amount" gorm:"not null;default:0"`
	RefundedAt     *time.Time `json:"refunded_at"`

	EscalationLevel int        `json:"escalation_level" gorm:"not null;default:0"`
	LastEscalatedAt *time.Time `json:"last_escalated_at"`

	// ConvertedFromQuoteID makes quote-to-invoice conversion idempotent: the
	// unique index refuses a second invoice for the same quote.
	ConvertedFromQuoteID *snowflake.ID `json:"converted_from_quote_id" gorm:"uniqueIndex:ux_documents_converted_from"`

	Metadata  datatypes.JSONMap `json:"metadata" gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time         `json:"updated_at" gorm:"not null"`

	Items []DocumentItem `json:"items" gorm:"-"`
}

// TableName sets the database table name.
func (Document) TableName() string { return "billing_documents" }

// DocumentItem represents a line on a billing document.
type DocumentItem struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	OrgID       snowflake.ID `json:"org_id" gorm:"not null;index"`
	DocumentID  snowflake.ID `json:"document_id" gorm:"not null;index"`
	Description string       `json:"description" gorm:"type:text"`
	Quantity    int64        `json:"quantity" gorm:"not null"`
	UnitAmount  int64        `json:"unit_amount" gorm:"not null"`
	Amount      int64        `json:"amount" gorm:"not null"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (DocumentItem) TableName() string { return "billing_document_items" }
