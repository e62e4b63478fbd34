package service

import (
	"context"
	"time"

	"github.com/smallbiznis/factura/internal/document/domain"
	"github.com/smallbiznis/factura/internal/document/statemachine"
	"github.com/smallbiznis/factura/pkg/db"
	"gorm.io/gorm"
)

// ConvertToInvoice turns an accepted quote into a new draft invoice. The
// quote's INVOICED transition and the invoice insert happen in one
// transaction, and the quote ID doubles as the idempotency key for the new
// invoice (unique index on converted_from_quote_id), so a retry after a
// partial failure can never produce a second invoice.
func (s *Service) ConvertToInvoice(ctx context.Context, quoteID string) (*domain.Document, error) {
	orgID, docID, err := s.scope(ctx, quoteID)
	if err != nil {
		return nil, err
	}

	quote, err := s.repo.Find(ctx, s.db, orgID, docID)
	if err != nil {
		return nil, err
	}
	if quote.Kind != domain.KindQuote {
		return nil, domain.ErrInvalidKind
	}
	if _, err := statemachine.Transition(quote.Kind, quote.Status, domain.StatusInvoiced); err != nil {
		return nil, err
	}

	items, err := s.repo.FindItems(ctx, s.db, orgID, docID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	invoice := &domain.Document{
		ID:                   s.genID.Generate(),
		OrgID:                orgID,
		CustomerID:           quote.CustomerID,
		Kind:                 domain.KindInvoice,
		Status:               domain.StatusDraft,
		Currency:             quote.Currency,
		SubtotalAmount:       quote.SubtotalAmount,
		TaxAmount:            quote.TaxAmount,
		TotalAmount:          quote.TotalAmount,
		ConvertedFromQuoteID: &quote.ID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	invoiceItems := make([]domain.DocumentItem, 0, len(items))
	for _, item := range items {
		invoiceItems = append(invoiceItems, domain.DocumentItem{
			ID:          s.genID.Generate(),
			OrgID:       orgID,
			DocumentID:  invoice.ID,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitAmount:  item.UnitAmount,
			Amount:      item.Amount,
			CreatedAt:   now,
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applied, err := s.repo.UpdateStatus(ctx, tx, quote.ID, domain.StatusAccepted, domain.StatusInvoiced, nil)
		if err != nil {
			return err
		}
		if !applied {
			return domain.ErrInvalidTransition
		}
		if err := s.repo.Insert(ctx, tx, invoice, invoiceItems); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrInvalidTransition
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	invoice.Items = invoiceItems

	s.audit(ctx, quote, "quote.converted", map[string]any{
		"invoice_id":   invoice.ID.String(),
		"total_amount": invoice.TotalAmount,
		"converted_at": now.Format(time.RFC3339),
	})
	return invoice, nil
}
