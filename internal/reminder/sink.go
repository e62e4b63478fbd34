package reminder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/factura/internal/providers/email"
	"go.uber.org/zap"
)

// Reminder is one escalation notice for an overdue invoice.
type Reminder struct {
	DocumentID  snowflake.ID
	OrgID       snowflake.ID
	CustomerID  string
	Recipient   string
	Level       int
	DaysOverdue int
	DueAt       time.Time
	TotalAmount int64
	Currency    string
}

// Sink delivers reminders. A delivery error leaves the escalation level
// untouched so the next run retries the same level.
type Sink interface {
	Deliver(ctx context.Context, r Reminder) error
}

type emailSink struct {
	provider email.Provider
	log      *zap.Logger
}

func NewEmailSink(provider email.Provider, log *zap.Logger) Sink {
	return &emailSink{provider: provider, log: log.Named("reminder.sink")}
}

func (s *emailSink) Deliver(ctx context.Context, r Reminder) error {
	if strings.TrimSpace(r.Recipient) == "" {
		s.log.Warn("invoice has no reminder recipient, skipping delivery",
			zap.String("document_id", r.DocumentID.String()),
			zap.Int("level", r.Level),
		)
		return nil
	}

	subject := fmt.Sprintf("Payment reminder: invoice %s is %d days overdue", r.DocumentID, r.DaysOverdue)
	body := fmt.Sprintf(
		"<p>Invoice <strong>%s</strong> for %s %s was due on %s and is now %d days overdue.</p>"+
			"<p>This is reminder level %d. Please arrange payment at your earliest convenience.</p>",
		r.DocumentID,
		formatMinorUnits(r.TotalAmount),
		r.Currency,
		r.DueAt.Format("2006-01-02"),
		r.DaysOverdue,
		r.Level,
	)
	return s.provider.Send(ctx, []string{r.Recipient}, subject, body)
}

func formatMinorUnits(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}
