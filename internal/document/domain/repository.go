package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// SettleOutcome reports how a conditional settlement write resolved.
type SettleOutcome int

const (
	SettleApplied SettleOutcome = iota
	SettleDuplicate
	SettleConflict
	SettleRejected
)

// ReminderCursor is a keyset position in the reminder candidate scan. The
// zero value starts from the beginning.
type ReminderCursor struct {
	DueAt time.Time
	ID    snowflake.ID
}

// Repository is the document store. Status mutations are conditional writes
// keyed on the expected prior state; RowsAffected is the concurrency
// primitive, safe across process instances.
type Repository interface {
	Find(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Document, error)
	FindAny(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Document, error)
	FindItems(ctx context.Context, db *gorm.DB, orgID, documentID snowflake.ID) ([]DocumentItem, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, kind Kind, status Status, afterID int64, limit int) ([]Document, error)

	Insert(ctx context.Context, db *gorm.DB, doc *Document, items []DocumentItem) error
	UpdateFields(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, fields map[string]any) error
	ReplaceItems(ctx context.Context, db *gorm.DB, orgID, documentID snowflake.ID, items []DocumentItem) error
	Delete(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) error

	// UpdateStatus flips status only when the current status matches expected.
	// Returns false when another writer got there first.
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, expected, next Status, fields map[string]any) (bool, error)

	// Settle performs the idempotent settlement write: it sets payment_ref and
	// flips the invoice to PAID in one conditional statement, then classifies
	// a lost race by re-reading the row.
	Settle(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentRef string, paidAt time.Time) (SettleOutcome, *Document, error)

	// ListReminderCandidates returns invoices past due that have not reached
	// the escalation cap and were not escalated today, ordered by (due_at, id).
	// The cursor pages past already-examined rows so candidates below their
	// day threshold cannot crowd later ones out of the batch.
	ListReminderCandidates(ctx context.Context, db *gorm.DB, today time.Time, maxLevel int, after ReminderCursor, limit int) ([]Document, error)

	// AdvanceEscalation bumps the escalation level by exactly one, guarded by
	// the expected previous level so overlapping scheduler runs stay safe.
	AdvanceEscalation(ctx context.Context, db *gorm.DB, id snowflake.ID, fromLevel int, today time.Time) (bool, error)

	// ExpireQuotes flips SENT quotes whose valid_until has passed to EXPIRED.
	// Returns the number of quotes expired.
	ExpireQuotes(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
}
