package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/factura/internal/audit/domain"
	"github.com/smallbiznis/factura/internal/auditcontext"
	"github.com/smallbiznis/factura/internal/clock"
	documentdomain "github.com/smallbiznis/factura/internal/document/domain"
	obsmetrics "github.com/smallbiznis/factura/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const jobName = "overdue_reminders"

var ErrInvalidConfig = errors.New("reminder: invalid configuration")

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Repo     documentdomain.Repository
	Sink     Sink
	AuditSvc auditdomain.Service
	Lock     *RunLock `optional:"true"`
	Config   Config   `optional:"true"`
}

type Scheduler struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      Config
	clock    clock.Clock
	repo     documentdomain.Repository
	sink     Sink
	auditSvc auditdomain.Service
	lock     *RunLock
}

// Outcome classifies what happened to one candidate invoice during a run.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

type Detail struct {
	DocumentID snowflake.ID `json:"document_id"`
	Level      int          `json:"level,omitempty"`
	Outcome    Outcome      `json:"outcome"`
	Error      string       `json:"error,omitempty"`
}

// Summary reports one scheduler run. Failed entries stay eligible and are
// retried by the next invocation.
type Summary struct {
	Processed     int      `json:"processed"`
	Sent          int      `json:"sent"`
	Failed        int      `json:"failed"`
	ExpiredQuotes int64    `json:"expired_quotes"`
	Details       []Detail `json:"details"`
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Repo == nil || p.Sink == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:       p.DB,
		log:      p.Log.Named("reminder.scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		clock:    p.Clock,
		repo:     p.Repo,
		sink:     p.Sink,
		auditSvc: p.AuditSvc,
		lock:     p.Lock,
	}, nil
}

// RunOnce walks every overdue invoice once. Each invoice is escalated at most
// one level per run and at most once per calendar day, no matter how many
// scheduler instances overlap.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	start := s.clock.Now()
	today := startOfDay(start)
	maxLevel := s.cfg.maxLevel()

	metrics := obsmetrics.Default()
	metrics.IncJobRun(jobName)
	defer func() {
		metrics.ObserveJobDuration(jobName, time.Since(start))
	}()

	if s.lock.Enabled() {
		token, ok, err := s.lock.TryAcquire(ctx)
		if err != nil {
			return Summary{}, err
		}
		if !ok {
			s.log.Info("reminder run already in progress elsewhere, skipping")
			return Summary{}, nil
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx), token); err != nil {
				s.log.Warn("failed to release reminder run lock", zap.Error(err))
			}
		}()
	}

	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "reminder-scheduler")

	summary := Summary{Details: make([]Detail, 0)}
	var jobErr error

	// Quotes age out on the same cadence as invoice reminders.
	expired, err := s.repo.ExpireQuotes(ctx, s.db, start)
	if err != nil {
		jobErr = errors.Join(jobErr, err)
	}
	summary.ExpiredQuotes = expired

	// Keyset scan over (due_at, id): skipped and failed rows stay behind the
	// cursor, so a batch full of below-threshold candidates cannot starve
	// eligible invoices further down the order.
	var cursor documentdomain.ReminderCursor
	for {
		if ctx.Err() != nil {
			return summary, errors.Join(jobErr, ctx.Err())
		}

		candidates, err := s.repo.ListReminderCandidates(ctx, s.db, today, maxLevel, cursor, s.cfg.BatchSize)
		if err != nil {
			return summary, errors.Join(jobErr, err)
		}
		if len(candidates) == 0 {
			break
		}

		for i := range candidates {
			detail, err := s.processCandidate(ctx, &candidates[i], today)
			summary.Processed++
			summary.Details = append(summary.Details, detail)
			switch detail.Outcome {
			case OutcomeSent:
				summary.Sent++
			case OutcomeFailed:
				summary.Failed++
				jobErr = errors.Join(jobErr, err)
			}
			metrics.IncReminderOutcome(string(detail.Outcome))
		}

		last := candidates[len(candidates)-1]
		if last.DueAt == nil {
			break
		}
		cursor = documentdomain.ReminderCursor{DueAt: *last.DueAt, ID: last.ID}

		if len(candidates) < s.cfg.BatchSize {
			break
		}
	}

	s.log.Info("reminder run finished",
		zap.Int("processed", summary.Processed),
		zap.Int("sent", summary.Sent),
		zap.Int("failed", summary.Failed),
		zap.Int64("expired_quotes", summary.ExpiredQuotes),
	)
	return summary, jobErr
}

func (s *Scheduler) processCandidate(ctx context.Context, doc *documentdomain.Document, today time.Time) (Detail, error) {
	detail := Detail{DocumentID: doc.ID}

	if doc.DueAt == nil {
		detail.Outcome = OutcomeSkipped
		return detail, nil
	}

	nextLevel := doc.EscalationLevel + 1
	threshold, ok := s.cfg.Schedule[nextLevel]
	if !ok {
		detail.Outcome = OutcomeSkipped
		return detail, nil
	}
	detail.Level = nextLevel

	daysOverdue := daysBetween(*doc.DueAt, today)
	if daysOverdue < threshold {
		detail.Outcome = OutcomeSkipped
		return detail, nil
	}

	r := Reminder{
		DocumentID:  doc.ID,
		OrgID:       doc.OrgID,
		CustomerID:  doc.CustomerID.String(),
		Recipient:   recipientFromMetadata(doc),
		Level:       nextLevel,
		DaysOverdue: daysOverdue,
		DueAt:       *doc.DueAt,
		TotalAmount: doc.TotalAmount,
		Currency:    doc.Currency,
	}
	if err := s.sink.Deliver(ctx, r); err != nil {
		s.log.Warn("reminder delivery failed",
			zap.String("document_id", doc.ID.String()),
			zap.Int("level", nextLevel),
			zap.Error(err),
		)
		detail.Outcome = OutcomeFailed
		detail.Error = err.Error()
		return detail, err
	}

	updated, err := s.repo.AdvanceEscalation(ctx, s.db, doc.ID, doc.EscalationLevel, today)
	if err != nil {
		detail.Outcome = OutcomeFailed
		detail.Error = err.Error()
		return detail, err
	}
	if !updated {
		// Another instance escalated this invoice first.
		detail.Outcome = OutcomeSkipped
		return detail, nil
	}

	s.emitAudit(ctx, doc, nextLevel, daysOverdue)
	detail.Outcome = OutcomeSent
	return detail, nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("reminder run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) emitAudit(ctx context.Context, doc *documentdomain.Document, level, daysOverdue int) {
	if s.auditSvc == nil {
		return
	}
	orgID := doc.OrgID
	targetID := doc.ID.String()
	err := s.auditSvc.AuditLog(ctx, &orgID, auditdomain.ActorTypeSystem, nil, "reminder.sent", "billing_document", &targetID, map[string]any{
		"level":        level,
		"days_overdue": daysOverdue,
	})
	if err != nil {
		s.log.Warn("failed to write reminder audit log",
			zap.String("document_id", doc.ID.String()),
			zap.Error(err),
		)
	}
}

func recipientFromMetadata(doc *documentdomain.Document) string {
	if doc.Metadata == nil {
		return ""
	}
	if v, ok := doc.Metadata["customer_email"].(string); ok {
		return v
	}
	return ""
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// daysBetween counts whole calendar days from the due date to today. A due
// date of yesterday is 1 day overdue regardless of time of day.
func daysBetween(due, today time.Time) int {
	d := int(today.Sub(startOfDay(due)).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}
