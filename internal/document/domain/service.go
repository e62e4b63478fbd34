package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/factura/pkg/db/pagination"
)

type ItemInput struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitAmount  int64  `json:"unit_amount"`
}

type CreateDocumentRequest struct {
	Kind       Kind        `json:"kind"`
	CustomerID string      `json:"customer_id"`
	Currency   string      `json:"currency"`
	TaxAmount  int64       `json:"tax_amount"`
	DueAt      *time.Time  `json:"due_at"`
	ValidUntil *time.Time  `json:"valid_until"`
	Items      []ItemInput `json:"items"`
}

type UpdateDocumentRequest struct {
	TaxAmount  *int64      `json:"tax_amount"`
	DueAt      *time.Time  `json:"due_at"`
	ValidUntil *time.Time  `json:"valid_until"`
	Items      []ItemInput `json:"items"`
}

type RefundRequest struct {
	Amount *int64 `json:"amount"`
}

type ListDocumentRequest struct {
	pagination.Pagination
	Kind   Kind   `form:"kind"`
	Status Status `form:"status"`
}

type ListDocumentResponse struct {
	pagination.PageInfo
	Documents []Document `json:"documents"`
}

// Service exposes the operator-facing lifecycle operations. Every mutation
// goes through the state machine; none may set status directly.
type Service interface {
	Create(ctx context.Context, req CreateDocumentRequest) (*Document, error)
	Get(ctx context.Context, id string) (*Document, error)
	List(ctx context.Context, req ListDocumentRequest) (ListDocumentResponse, error)
	Update(ctx context.Context, id string, req UpdateDocumentRequest) (*Document, error)
	Delete(ctx context.Context, id string) error

	Send(ctx context.Context, id string) (*Document, error)
	MarkPaid(ctx context.Context, id string, paidAt *time.Time) (*Document, error)
	Cancel(ctx context.Context, id string) (*Document, error)
	Accept(ctx context.Context, id string) (*Document, error)
	Decline(ctx context.Context, id string) (*Document, error)
	ConvertToInvoice(ctx context.Context, quoteID string) (*Document, error)
	Refund(ctx context.Context, id string, req RefundRequest) (*Document, error)
}
