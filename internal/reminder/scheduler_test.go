package reminder_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/factura/internal/clock"
	documentdomain "github.com/smallbiznis/factura/internal/document/domain"
	documentrepo "github.com/smallbiznis/factura/internal/document/repository"
	"github.com/smallbiznis/factura/internal/reminder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type captureSink struct {
	delivered []reminder.Reminder
	failFor   map[snowflake.ID]error
}

func (s *captureSink) Deliver(ctx context.Context, r reminder.Reminder) error {
	if err, ok := s.failFor[r.DocumentID]; ok {
		return err
	}
	s.delivered = append(s.delivered, r)
	return nil
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_reminder_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.Exec(`CREATE TABLE billing_documents (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		customer_id BIGINT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'DRAFT',
		currency TEXT NOT NULL,
		subtotal_amount BIGINT NOT NULL DEFAULT 0,
		tax_amount BIGINT NOT NULL DEFAULT 0,
		total_amount BIGINT NOT NULL DEFAULT 0,
		due_at DATETIME,
		valid_until DATETIME,
		sent_at DATETIME,
		payment_ref TEXT,
		payment_state TEXT,
		paid_at DATETIME,
		refunded_amount BIGINT NOT NULL DEFAULT 0,
		refunded_at DATETIME,
		escalation_level INTEGER NOT NULL DEFAULT 0,
		last_escalated_at DATETIME,
		converted_from_quote_id BIGINT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`).Error)
	return db
}

type fixture struct {
	db   *gorm.DB
	clk  *clock.FakeClock
	node *snowflake.Node
	sink *captureSink
	sch  *reminder.Scheduler
}

func newFixture(t *testing.T, nodeID int64) *fixture {
	t.Helper()

	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(nodeID)
	require.NoError(t, err)
	sink := &captureSink{failFor: map[snowflake.ID]error{}}

	sch, err := reminder.New(reminder.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
		Repo:  documentrepo.Provide(),
		Sink:  sink,
	})
	require.NoError(t, err)

	return &fixture{db: db, clk: clk, node: node, sink: sink, sch: sch}
}

func (f *fixture) seedInvoice(t *testing.T, status documentdomain.Status, daysOverdue int, level int) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	now := f.clk.Now()
	due := now.Add(-time.Duration(daysOverdue) * 24 * time.Hour)
	err := f.db.Exec(
		`INSERT INTO billing_documents (
			id, org_id, customer_id, kind, status, currency,
			subtotal_amount, tax_amount, total_amount, due_at,
			escalation_level, metadata, created_at, updated_at
		) VALUES (?, ?, ?, 'invoice', ?, 'USD', 1000, 0, 1000, ?, ?, '{"customer_email":"billing@example.com"}', ?, ?)`,
		id, f.node.Generate(), f.node.Generate(), status, due, level, now, now,
	).Error
	require.NoError(t, err)
	return id
}

func (f *fixture) invoiceState(t *testing.T, id snowflake.ID) (string, int) {
	t.Helper()
	var row struct {
		Status          string
		EscalationLevel int
	}
	require.NoError(t, f.db.Raw(`SELECT status, escalation_level FROM billing_documents WHERE id = ?`, id).Scan(&row).Error)
	return row.Status, row.EscalationLevel
}

func TestRunOnceEscalatesOverdueInvoice(t *testing.T) {
	f := newFixture(t, 50)
	id := f.seedInvoice(t, documentdomain.StatusSent, 5, 0)

	summary, err := f.sch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 0, summary.Failed)

	status, level := f.invoiceState(t, id)
	assert.Equal(t, string(documentdomain.StatusOverdue), status)
	assert.Equal(t, 1, level)

	require.Len(t, f.sink.delivered, 1)
	assert.Equal(t, id, f.sink.delivered[0].DocumentID)
	assert.Equal(t, 1, f.sink.delivered[0].Level)
	assert.Equal(t, 5, f.sink.delivered[0].DaysOverdue)
	assert.Equal(t, "billing@example.com", f.sink.delivered[0].Recipient)
}

func TestRunOnceAtMostOncePerDay(t *testing.T) {
	f := newFixture(t, 51)
	id := f.seedInvoice(t, documentdomain.StatusSent, 5, 0)

	_, err := f.sch.RunOnce(context.Background())
	require.NoError(t, err)

	// Second run the same day must not touch the invoice again.
	summary, err := f.sch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 0, summary.Sent)

	_, level := f.invoiceState(t, id)
	assert.Equal(t, 1, level)
	assert.Len(t, f.sink.delivered, 1)
}

func TestRunOnceAdvancesOneLevelPerDay(t *testing.T) {
	f := newFixture(t, 52)
	// 40 days overdue: thresholds for levels 1 through 4 are all met, but
	// each run advances exactly one level.
	id := f.seedInvoice(t, documentdomain.StatusSent, 40, 0)

	for day, wantLevel := range []int{1, 2, 3, 4} {
		summary, err := f.sch.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Sent, "day %d", day)

		_, level := f.invoiceState(t, id)
		assert.Equal(t, wantLevel, level)

		f.clk.Advance(24 * time.Hour)
	}

	// Level 4 is the cap; nothing further fires.
	summary, err := f.sch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Sent)
	_, level := f.invoiceState(t, id)
	assert.Equal(t, 4, level)
}

func TestRunOnceBelowThresholdSkips(t *testing.T) {
	f := newFixture(t, 53)
	// 2 days overdue: below the level-1 threshold of 3 days.
	id := f.seedInvoice(t, documentdomain.StatusSent, 2, 0)

	summary, err := f.sch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 0, summary.Sent)
	require.Len(t, summary.Details, 1)
	assert.Equal(t, reminder.OutcomeSkipped, summary.Details[0].Outcome)

	status, level := f.invoiceState(t, id)
	assert.Equal(t, string(documentdomain.StatusSent), status)
	assert.Equal(t, 0, level)
}

func TestRunOnceSinkFailureLeavesLevelUntouched(t *testing.T) {
	f := newFixture(t, 54)
	failing := f.seedInvoice(t, documentdomain.StatusSent, 5, 0)
	healthy := f.seedInvoice(t, documentdomain.StatusSent, 10, 0)
	f.sink.failFor[failing] = errors.New("smtp unavailable")

	summary, err := f.sch.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 1, summary.Failed)

	// The failed invoice stays eligible for the next invocation.
	_, level := f.invoiceState(t, failing)
	assert.Equal(t, 0, level)
	_, level = f.invoiceState(t, healthy)
	assert.Equal(t, 1, level)

	// Retry by reinvocation.
	delete(f.sink.failFor, failing)
	summary, err = f.sch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	_, level = f.invoiceState(t, failing)
	assert.Equal(t, 1, level)
}

func TestRunOnceIgnoresNonCandidates(t *testing.T) {
	f := newFixture(t, 55)

	// Paid, cancelled, and draft invoices never remind; neither do quotes.
	f.seedInvoice(t, documentdomain.StatusPaid, 10, 0)
	f.seedInvoice(t, documentdomain.StatusCancelled, 10, 0)
	f.seedInvoice(t, documentdomain.StatusDraft, 10, 0)

	quoteID := f.node.Generate()
	now := f.clk.Now()
	require.NoError(t, f.db.Exec(
		`INSERT INTO billing_documents (
			id, org_id, customer_id, kind, status, currency,
			subtotal_amount, tax_amount, total_amount, due_at,
			escalation_level, metadata, created_at, updated_at
		) VALUES (?, ?, ?, 'quote', 'SENT', 'USD', 1000, 0, 1000, ?, 0, '{}', ?, ?)`,
		quoteID, f.node.Generate(), f.node.Generate(), now.Add(-10*24*time.Hour), now, now,
	).Error)

	summary, err := f.sch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Empty(t, f.sink.delivered)
}

func TestRunOnceKeepsOverdueStatusForLaterLevels(t *testing.T) {
	f := newFixture(t, 56)
	// Already OVERDUE at level 1, 8 days overdue: level-2 threshold (7) met.
	id := f.seedInvoice(t, documentdomain.StatusOverdue, 8, 1)

	summary, err := f.sch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)

	status, level := f.invoiceState(t, id)
	assert.Equal(t, string(documentdomain.StatusOverdue), status)
	assert.Equal(t, 2, level)
}

func (f *fixture) seedQuote(t *testing.T, status documentdomain.Status, validUntil time.Time) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	now := f.clk.Now()
	err := f.db.Exec(
		`INSERT INTO billing_documents (
			id, org_id, customer_id, kind, status, currency,
			subtotal_amount, tax_amount, total_amount, valid_until,
			escalation_level, metadata, created_at, updated_at
		) VALUES (?, ?, ?, 'quote', ?, 'USD', 1000, 0, 1000, ?, 0, '{}', ?, ?)`,
		id, f.node.Generate(), f.node.Generate(), status, validUntil, now, now,
	).Error
	require.NoError(t, err)
	return id
}

func TestRunOnceExpiresStaleQuotes(t *testing.T) {
	f := newFixture(t, 57)
	now := f.clk.Now()

	stale := f.seedQuote(t, documentdomain.StatusSent, now.Add(-24*time.Hour))
	fresh := f.seedQuote(t, documentdomain.StatusSent, now.Add(24*time.Hour))
	accepted := f.seedQuote(t, documentdomain.StatusAccepted, now.Add(-24*time.Hour))

	summary, err := f.sch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.ExpiredQuotes)

	status, _ := f.invoiceState(t, stale)
	assert.Equal(t, string(documentdomain.StatusExpired), status)

	status, _ = f.invoiceState(t, fresh)
	assert.Equal(t, string(documentdomain.StatusSent), status)

	// An accepted quote is locked in; a stale validity window no longer applies.
	status, _ = f.invoiceState(t, accepted)
	assert.Equal(t, string(documentdomain.StatusAccepted), status)
}

func TestRunOnceExpiryIsIdempotent(t *testing.T) {
	f := newFixture(t, 58)
	f.seedQuote(t, documentdomain.StatusSent, f.clk.Now().Add(-24*time.Hour))

	summary, err := f.sch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.ExpiredQuotes)

	summary, err = f.sch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.ExpiredQuotes)
}

func newBatchFixture(t *testing.T, nodeID int64, batchSize int) *fixture {
	t.Helper()

	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(nodeID)
	require.NoError(t, err)
	sink := &captureSink{failFor: map[snowflake.ID]error{}}

	sch, err := reminder.New(reminder.Params{
		DB:     db,
		Log:    zap.NewNop(),
		Clock:  clk,
		Repo:   documentrepo.Provide(),
		Sink:   sink,
		Config: reminder.Config{BatchSize: batchSize},
	})
	require.NoError(t, err)

	return &fixture{db: db, clk: clk, node: node, sink: sink, sch: sch}
}

func TestRunOncePagesPastBelowThresholdCandidates(t *testing.T) {
	f := newBatchFixture(t, 59, 2)

	// Older invoices below their next-level threshold fill every batch;
	// the eligible one is due last in (due_at, id) scan order.
	for i := 0; i < 5; i++ {
		f.seedInvoice(t, documentdomain.StatusOverdue, 8+i, 2)
	}
	eligible := f.seedInvoice(t, documentdomain.StatusSent, 4, 0)

	summary, err := f.sch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Processed)
	assert.Equal(t, 1, summary.Sent)
	require.Len(t, f.sink.delivered, 1)
	assert.Equal(t, eligible, f.sink.delivered[0].DocumentID)

	status, level := f.invoiceState(t, eligible)
	assert.Equal(t, string(documentdomain.StatusOverdue), status)
	assert.Equal(t, 1, level)
}
