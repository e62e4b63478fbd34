package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/factura/internal/audit/domain"
	"github.com/smallbiznis/factura/internal/clock"
	"github.com/smallbiznis/factura/internal/document/domain"
	"github.com/smallbiznis/factura/internal/document/statemachine"
	"github.com/smallbiznis/factura/internal/orgcontext"
	"github.com/smallbiznis/factura/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	AuditSvc auditdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	auditSvc auditdomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("document.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		auditSvc: p.AuditSvc,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateDocumentRequest) (*domain.Document, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	if req.Kind != domain.KindInvoice && req.Kind != domain.KindQuote {
		return nil, domain.ErrInvalidKind
	}
	customerID, err := snowflake.ParseString(strings.TrimSpace(req.CustomerID))
	if err != nil || customerID == 0 {
		return nil, domain.ErrInvalidCustomer
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return nil, domain.ErrInvalidCurrency
	}
	if req.TaxAmount < 0 {
		return nil, domain.ErrInvalidAmount
	}

	now := s.clock.Now()
	doc := &domain.Document{
		ID:         s.genID.Generate(),
		OrgID:      orgID,
		CustomerID: customerID,
		Kind:       req.Kind,
		Status:     domain.StatusDraft,
		Currency:   currency,
		TaxAmount:  req.TaxAmount,
		DueAt:      req.DueAt,
		ValidUntil: req.ValidUntil,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	items, subtotal, err := s.buildItems(orgID, doc.ID, req.Items, now)
	if err != nil {
		return nil, err
	}
	doc.SubtotalAmount = subtotal
	doc.TotalAmount = subtotal + req.TaxAmount

	if err := s.repo.Insert(ctx, s.db, doc, items); err != nil {
		return nil, err
	}
	doc.Items = items

	s.audit(ctx, doc, "document.created", map[string]any{
		"kind":         string(doc.Kind),
		"total_amount": doc.TotalAmount,
		"currency":     doc.Currency,
	})
	return doc, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Document, error) {
	orgID, docID, err := s.scope(ctx, id)
	if err != nil {
		return nil, err
	}
	doc, err := s.repo.Find(ctx, s.db, orgID, docID)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.FindItems(ctx, s.db, orgID, docID)
	if err != nil {
		return nil, err
	}
	doc.Items = items
	return doc, nil
}

func (s *Service) List(ctx context.Context, req domain.ListDocumentRequest) (domain.ListDocumentResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.ListDocumentResponse{}, domain.ErrInvalidOrganization
	}

	var afterID int64
	if strings.TrimSpace(req.PageToken) != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return domain.ListDocumentResponse{}, domain.ErrInvalidStatus
		}
		afterID, err = strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return domain.ListDocumentResponse{}, domain.ErrInvalidStatus
		}
	}

	limit := req.PageSize
	if limit <= 0 {
		limit = 20
	}
	docs, err := s.repo.List(ctx, s.db, orgID, req.Kind, req.Status, afterID, limit)
	if err != nil {
		return domain.ListDocumentResponse{}, err
	}

	resp := domain.ListDocumentResponse{}
	if len(docs) > limit {
		docs = docs[:limit]
		resp.HasMore = true
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: docs[len(docs)-1].ID.String()})
		if err == nil {
			resp.NextPageToken = token
		}
	}
	resp.Documents = docs
	return resp, nil
}

func (s *Service) Update(ctx context.Context, id string, req domain.UpdateDocumentRequest) (*domain.Document, error) {
	orgID, docID, err := s.scope(ctx, id)
	if err != nil {
		return nil, err
	}
	doc, err := s.repo.Find(ctx, s.db, orgID, docID)
	if err != nil {
		return nil, err
	}
	if !statemachine.CanEdit(doc.Kind, doc.Status) {
		return nil, domain.ErrDocumentLocked
	}

	repricing := len(req.Items) > 0 || req.TaxAmount != nil
	if repricing && statemachine.AmountsFrozen(doc.Status) {
		return nil, domain.ErrAmountsFrozen
	}

	now := s.clock.Now()
	fields := map[string]any{}
	if req.DueAt != nil {
		fields["due_at"] = *req.DueAt
	}
	if req.ValidUntil != nil {
		fields["valid_until"] = *req.ValidUntil
	}

	if repricing {
		taxAmount := doc.TaxAmount
		if req.TaxAmount != nil {
			if *req.TaxAmount < 0 {
				return nil, domain.ErrInvalidAmount
			}
			taxAmount = *req.TaxAmount
		}
		subtotal := doc.SubtotalAmount
		if len(req.Items) > 0 {
			items, total, err := s.buildItems(orgID, doc.ID, req.Items, now)
			if err != nil {
				return nil, err
			}
			if err := s.repo.ReplaceItems(ctx, s.db, orgID, doc.ID, items); err != nil {
				return nil, err
			}
			subtotal = total
		}
		fields["subtotal_amount"] = subtotal
		fields["tax_amount"] = taxAmount
		fields["total_amount"] = subtotal + taxAmount
	}

	if err := s.repo.UpdateFields(ctx, s.db, orgID, docID, fields); err != nil {
		return nil, err
	}

	s.audit(ctx, doc, "document.updated", nil)
	return s.Get(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	orgID, docID, err := s.scope(ctx, id)
	if err != nil {
		return err
	}
	doc, err := s.repo.Find(ctx, s.db, orgID, docID)
	if err != nil {
		return err
	}
	if !statemachine.CanDelete(doc.Kind, doc.Status) {
		return domain.ErrDocumentLocked
	}
	if err := s.repo.Delete(ctx, s.db, orgID, docID); err != nil {
		return err
	}
	s.audit(ctx, doc, "document.deleted", map[string]any{"status": string(doc.Status)})
	return nil
}

func (s *Service) Send(ctx context.Context, id string) (*domain.Document, error) {
	now := s.clock.Now()
	return s.transition(ctx, id, domain.StatusSent, "document.sent", map[string]any{
		"sent_at": now,
	})
}

func (s *Service) MarkPaid(ctx context.Context, id string, paidAt *time.Time) (*domain.Document, error) {
	stamp := s.clock.Now()
	if paidAt != nil {
		stamp = paidAt.UTC()
	}
	return s.transition(ctx, id, domain.StatusPaid, "document.marked_paid", map[string]any{
		"paid_at":       stamp,
		"payment_state": domain.PaymentStateSucceeded,
	})
}

func (s *Service) Cancel(ctx context.Context, id string) (*domain.Document, error) {
	// Cancellation is the one path that resets the escalation cadence.
	return s.transition(ctx, id, domain.StatusCancelled, "document.cancelled", map[string]any{
		"escalation_level": 0,
	})
}

func (s *Service) Accept(ctx context.Context, id string) (*domain.Document, error) {
	return s.transition(ctx, id, domain.StatusAccepted, "quote.accepted", nil)
}

func (s *Service) Decline(ctx context.Context, id string) (*domain.Document, error) {
	return s.transition(ctx, id, domain.StatusDeclined, "quote.declined", nil)
}

func (s *Service) Refund(ctx context.Context, id string, req domain.RefundRequest) (*domain.Document, error) {
	orgID, docID, err := s.scope(ctx, id)
	if err != nil {
		return nil, err
	}
	doc, err := s.repo.Find(ctx, s.db, orgID, docID)
	if err != nil {
		return nil, err
	}
	if _, err := statemachine.Transition(doc.Kind, doc.Status, domain.StatusRefunded); err != nil {
		return nil, err
	}
	if doc.PaidAt == nil {
		return nil, domain.ErrNoSettlement
	}

	amount := doc.TotalAmount
	if req.Amount != nil {
		amount = *req.Amount
	}
	if amount <= 0 || amount > doc.TotalAmount {
		return nil, domain.ErrInvalidAmount
	}

	now := s.clock.Now()
	applied, err := s.repo.UpdateStatus(ctx, s.db, docID, doc.Status, domain.StatusRefunded, map[string]any{
		"refunded_amount": amount,
		"refunded_at":     now,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, domain.ErrInvalidTransition
	}

	s.audit(ctx, doc, "invoice.refunded", map[string]any{
		"refunded_amount": amount,
		"currency":        doc.Currency,
	})
	return s.repo.Find(ctx, s.db, orgID, docID)
}

func (s *Service) transition(ctx context.Context, id string, target domain.Status, action string, fields map[string]any) (*domain.Document, error) {
	orgID, docID, err := s.scope(ctx, id)
	if err != nil {
		return nil, err
	}
	doc, err := s.repo.Find(ctx, s.db, orgID, docID)
	if err != nil {
		return nil, err
	}
	next, err := statemachine.Transition(doc.Kind, doc.Status, target)
	if err != nil {
		return nil, err
	}

	applied, err := s.repo.UpdateStatus(ctx, s.db, docID, doc.Status, next, fields)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Another writer moved the document first; the expected-status guard
		// refused the write.
		return nil, domain.ErrInvalidTransition
	}

	s.audit(ctx, doc, action, map[string]any{
		"from": string(doc.Status),
		"to":   string(next),
	})
	return s.repo.Find(ctx, s.db, orgID, docID)
}

func (s *Service) buildItems(orgID, documentID snowflake.ID, inputs []domain.ItemInput, now time.Time) ([]domain.DocumentItem, int64, error) {
	items := make([]domain.DocumentItem, 0, len(inputs))
	var subtotal int64
	for _, input := range inputs {
		if input.Quantity <= 0 || input.UnitAmount < 0 {
			return nil, 0, domain.ErrInvalidAmount
		}
		amount := input.Quantity * input.UnitAmount
		items = append(items, domain.DocumentItem{
			ID:          s.genID.Generate(),
			OrgID:       orgID,
			DocumentID:  documentID,
			Description: strings.TrimSpace(input.Description),
			Quantity:    input.Quantity,
			UnitAmount:  input.UnitAmount,
			Amount:      amount,
			CreatedAt:   now,
		})
		subtotal += amount
	}
	return items, subtotal, nil
}

func (s *Service) scope(ctx context.Context, id string) (snowflake.ID, snowflake.ID, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, 0, domain.ErrInvalidOrganization
	}
	docID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || docID == 0 {
		return 0, 0, domain.ErrNotFound
	}
	return orgID, docID, nil
}

func (s *Service) audit(ctx context.Context, doc *domain.Document, action string, extra map[string]any) {
	if s.auditSvc == nil {
		return
	}
	metadata := map[string]any{
		"document_id": doc.ID.String(),
		"kind":        string(doc.Kind),
	}
	for key, value := range extra {
		metadata[key] = value
	}
	targetID := doc.ID.String()
	orgID := doc.OrgID
	if err := s.auditSvc.AuditLog(ctx, &orgID, "", nil, action, "billing_document", &targetID, metadata); err != nil {
		s.log.Warn("failed to write document audit log", zap.String("action", action), zap.Error(err))
	}
}
