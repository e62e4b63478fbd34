package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/factura/internal/audit/domain"
	"github.com/smallbiznis/factura/internal/clock"
	"github.com/smallbiznis/factura/internal/config"
	documentdomain "github.com/smallbiznis/factura/internal/document/domain"
	"github.com/smallbiznis/factura/internal/document/statemachine"
	obsmetrics "github.com/smallbiznis/factura/internal/observability/metrics"
	"github.com/smallbiznis/factura/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Cfg      config.Config
	Repo     domain.Repository
	DocRepo  documentdomain.Repository
	AuditSvc auditdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	provider  string
	verifier  *verifier
	trustMode bool
	repo      domain.Repository
	docRepo   documentdomain.Repository
	auditSvc  auditdomain.Service
}

// NewService builds the settlement gateway. A missing signing secret is
// refused unless TrustUnsigned was set explicitly; trust mode logs loudly
// on every delivery and must never be reachable by omission in production.
func NewService(p Params) (domain.Service, error) {
	secret := strings.TrimSpace(p.Cfg.Webhook.Secret)
	log := p.Log.Named("settlement.gateway")

	svc := &Service{
		db:       p.DB,
		log:      log,
		genID:    p.GenID,
		clock:    p.Clock,
		provider: strings.ToLower(strings.TrimSpace(p.Cfg.Webhook.Provider)),
		repo:     p.Repo,
		docRepo:  p.DocRepo,
		auditSvc: p.AuditSvc,
	}
	if svc.provider == "" {
		svc.provider = "stripe"
	}

	if secret == "" {
		if !p.Cfg.Webhook.TrustUnsigned || p.Cfg.IsProduction() {
			return nil, domain.ErrInvalidConfig
		}
		svc.trustMode = true
		log.Warn("settlement gateway running WITHOUT signature verification; development only")
		return svc, nil
	}

	svc.verifier = newVerifier(secret, p.Cfg.Webhook.Tolerance)
	return svc, nil
}

type webhookEvent struct {
	ID      string           `json:"id"`
	Type    string           `json:"type"`
	Created int64            `json:"created"`
	Data    webhookEventData `json:"data"`
}

type webhookEventData struct {
	Object webhookObject `json:"object"`
}

type webhookObject struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Created  int64             `json:"created"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Service) Process(ctx context.Context, payload []byte, headers http.Header) (domain.Result, error) {
	if s.trustMode {
		s.log.Warn("accepting unsigned settlement webhook (trust mode)")
	} else {
		if err := s.verifier.Verify(payload, headers.Get(SignatureHeader), s.clock.Now()); err != nil {
			obsmetrics.Default().IncWebhookEvent("unknown", obsmetrics.WebhookOutcomeRejected)
			return domain.Result{}, err
		}
	}

	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.Result{}, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return domain.Result{}, domain.ErrInvalidEvent
	}
	eventType := strings.TrimSpace(event.Type)

	switch eventType {
	case domain.EventTypeCheckoutCompleted, domain.EventTypePaymentSucceeded, domain.EventTypePaymentFailed:
	default:
		// Forward compatibility: unrecognized processor events are reported
		// unhandled, never failed.
		obsmetrics.Default().IncWebhookEvent(eventType, obsmetrics.WebhookOutcomeIgnored)
		return domain.Result{Handled: false, Event: eventType}, nil
	}

	paymentEvent, err := s.decode(event, payload)
	if err != nil {
		return domain.Result{}, err
	}

	if paymentEvent.DocumentID == nil {
		// Nothing to apply; the processor sent an event for a session we did
		// not annotate. Matching "nothing to do", not an error.
		obsmetrics.Default().IncWebhookEvent(eventType, obsmetrics.WebhookOutcomeNoDocument)
		return domain.Result{Handled: true, Event: eventType}, nil
	}

	stored, fresh, err := s.recordDelivery(ctx, paymentEvent)
	if err != nil {
		return domain.Result{}, err
	}
	if !fresh && stored.ProcessedAt != nil {
		// Redelivery of an already-processed event id.
		obsmetrics.Default().IncWebhookEvent(eventType, obsmetrics.WebhookOutcomeDuplicate)
		return domain.Result{Handled: true, Event: eventType}, nil
	}

	switch eventType {
	case domain.EventTypeCheckoutCompleted, domain.EventTypePaymentSucceeded:
		if err := s.settle(ctx, stored, paymentEvent); err != nil {
			return domain.Result{}, err
		}
	case domain.EventTypePaymentFailed:
		if err := s.annotateFailure(ctx, stored, paymentEvent); err != nil {
			return domain.Result{}, err
		}
	}

	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, s.clock.Now()); err != nil {
		return domain.Result{}, err
	}
	return domain.Result{Handled: true, Event: eventType}, nil
}

func (s *Service) decode(event webhookEvent, payload []byte) (*domain.PaymentEvent, error) {
	paymentRef := strings.TrimSpace(event.Data.Object.ID)
	if paymentRef == "" {
		return nil, domain.ErrInvalidEvent
	}

	occurredAt := event.Data.Object.Created
	if occurredAt == 0 {
		occurredAt = event.Created
	}
	when := s.clock.Now()
	if occurredAt != 0 {
		when = time.Unix(occurredAt, 0).UTC()
	}

	out := &domain.PaymentEvent{
		Provider:        s.provider,
		ProviderEventID: event.ID,
		Type:            strings.TrimSpace(event.Type),
		PaymentRef:      paymentRef,
		Amount:          event.Data.Object.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(event.Data.Object.Currency)),
		OccurredAt:      when,
		RawPayload:      payload,
	}

	raw := strings.TrimSpace(event.Data.Object.Metadata["document_id"])
	if raw == "" {
		return out, nil
	}
	docID, err := snowflake.ParseString(raw)
	if err != nil || docID == 0 {
		return out, nil
	}
	out.DocumentID = &docID
	return out, nil
}

func (s *Service) recordDelivery(ctx context.Context, event *domain.PaymentEvent) (*domain.EventRecord, bool, error) {
	record := &domain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		DocumentID:      event.DocumentID,
		Payload:         datatypes.JSON(event.RawPayload),
		ReceivedAt:      s.clock.Now(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return record, true, nil
	}
	stored, err := s.repo.FindEvent(ctx, s.db, event.Provider, event.ProviderEventID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, domain.ErrInvalidEvent
	}
	return stored, false, nil
}

// settle applies the payment as one conditional write. Two concurrent
// deliveries for the same document resolve at the store: the first wins,
// the second observes a matching ref (no-op) or a conflicting one (reject).
func (s *Service) settle(ctx context.Context, stored *domain.EventRecord, event *domain.PaymentEvent) error {
	outcome, doc, err := s.docRepo.Settle(ctx, s.db, *event.DocumentID, event.PaymentRef, event.OccurredAt)
	if err != nil {
		return err
	}

	switch outcome {
	case documentdomain.SettleApplied:
		obsmetrics.Default().IncWebhookEvent(event.Type, obsmetrics.WebhookOutcomeApplied)
		s.audit(ctx, doc, "settlement.applied", map[string]any{
			"payment_ref":       event.PaymentRef,
			"provider_event_id": stored.ProviderEventID,
			"amount":            event.Amount,
			"currency":          event.Currency,
			"occurred_at":       event.OccurredAt.Format(time.RFC3339),
		})
		return nil
	case documentdomain.SettleDuplicate:
		obsmetrics.Default().IncWebhookEvent(event.Type, obsmetrics.WebhookOutcomeDuplicate)
		return nil
	case documentdomain.SettleConflict:
		obsmetrics.Default().IncWebhookEvent(event.Type, obsmetrics.WebhookOutcomeConflict)
		s.log.Error("settlement conflict: different payment_ref already recorded",
			zap.String("document_id", doc.ID.String()),
			zap.String("incoming_ref", event.PaymentRef),
		)
		return documentdomain.ErrSettlementConflict
	default:
		// The row exists but is not in a settleable state; report the precise
		// transition rejection.
		if _, err := statemachine.Transition(doc.Kind, doc.Status, documentdomain.StatusPaid); err != nil {
			return err
		}
		return documentdomain.ErrInvalidTransition
	}
}

// annotateFailure records the processor outcome without touching the
// lifecycle status.
func (s *Service) annotateFailure(ctx context.Context, stored *domain.EventRecord, event *domain.PaymentEvent) error {
	doc, err := s.docRepo.FindAny(ctx, s.db, *event.DocumentID)
	if err != nil {
		return err
	}
	if err := s.docRepo.UpdateFields(ctx, s.db, doc.OrgID, doc.ID, map[string]any{
		"payment_state": documentdomain.PaymentStateFailed,
	}); err != nil {
		return err
	}
	obsmetrics.Default().IncWebhookEvent(event.Type, obsmetrics.WebhookOutcomeAnnotated)
	s.audit(ctx, doc, "settlement.payment_failed", map[string]any{
		"payment_ref":       event.PaymentRef,
		"provider_event_id": stored.ProviderEventID,
	})
	return nil
}

func (s *Service) audit(ctx context.Context, doc *documentdomain.Document, action string, metadata map[string]any) {
	if s.auditSvc == nil || doc == nil {
		return
	}
	targetID := doc.ID.String()
	orgID := doc.OrgID
	if err := s.auditSvc.AuditLog(ctx, &orgID, auditdomain.ActorTypeSystem, nil, action, "billing_document", &targetID, metadata); err != nil {
		s.log.Warn("failed to write settlement audit log", zap.String("action", action), zap.Error(err))
	}
}
