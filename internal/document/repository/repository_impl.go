package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/factura/internal/document/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Document, error) {
	var doc domain.Document
	err := db.WithContext(ctx).
		Where("id = ? AND org_id = ?", id, orgID).
		Take(&doc).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

func (r *repo) FindAny(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Document, error) {
	var doc domain.Document
	err := db.WithContext(ctx).
		Where("id = ?", id).
		Take(&doc).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

func (r *repo) FindItems(ctx context.Context, db *gorm.DB, orgID, documentID snowflake.ID) ([]domain.DocumentItem, error) {
	var items []domain.DocumentItem
	err := db.WithContext(ctx).
		Where("org_id = ? AND document_id = ?", orgID, documentID).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, kind domain.Kind, status domain.Status, afterID int64, limit int) ([]domain.Document, error) {
	query := db.WithContext(ctx).Where("org_id = ?", orgID)
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if afterID > 0 {
		query = query.Where("id < ?", afterID)
	}
	if limit <= 0 {
		limit = 20
	}

	var docs []domain.Document
	if err := query.Order("id DESC").Limit(limit + 1).Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, doc *domain.Document, items []domain.DocumentItem) error {
	if err := db.WithContext(ctx).Create(doc).Error; err != nil {
		return err
	}
	if len(items) > 0 {
		if err := db.WithContext(ctx).Create(&items).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) UpdateFields(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	fields["updated_at"] = time.Now().UTC()
	return db.WithContext(ctx).
		Model(&domain.Document{}).
		Where("id = ? AND org_id = ?", id, orgID).
		Updates(fields).Error
}

func (r *repo) ReplaceItems(ctx context.Context, db *gorm.DB, orgID, documentID snowflake.ID, items []domain.DocumentItem) error {
	if err := db.WithContext(ctx).
		Where("org_id = ? AND document_id = ?", orgID, documentID).
		Delete(&domain.DocumentItem{}).Error; err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&items).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) error {
	res := db.WithContext(ctx).
		Where("org_id = ? AND document_id = ?", orgID, id).
		Delete(&domain.DocumentItem{})
	if res.Error != nil {
		return res.Error
	}
	res = db.WithContext(ctx).
		Where("id = ? AND org_id = ?", id, orgID).
		Delete(&domain.Document{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, expected, next domain.Status, fields map[string]any) (bool, error) {
	updates := map[string]any{
		"status":     next,
		"updated_at": time.Now().UTC(),
	}
	for key, value := range fields {
		updates[key] = value
	}
	res := db.WithContext(ctx).
		Model(&domain.Document{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Settle(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentRef string, paidAt time.Time) (domain.SettleOutcome, *domain.Document, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE billing_documents
		 SET status = ?, payment_ref = ?, payment_state = ?, paid_at = ?, updated_at = ?
		 WHERE id = ?
		   AND kind = ?
		   AND status IN (?, ?)
		   AND payment_ref IS NULL`,
		domain.StatusPaid,
		paymentRef,
		domain.PaymentStateSucceeded,
		paidAt,
		time.Now().UTC(),
		id,
		domain.KindInvoice,
		domain.StatusSent,
		domain.StatusOverdue,
	)
	if res.Error != nil {
		return domain.SettleRejected, nil, res.Error
	}

	doc, err := r.FindAny(ctx, db, id)
	if err != nil {
		return domain.SettleRejected, nil, err
	}

	if res.RowsAffected > 0 {
		return domain.SettleApplied, doc, nil
	}

	// The conditional write lost; classify against the row we observed.
	if doc.PaymentRef != nil {
		if *doc.PaymentRef == paymentRef {
			return domain.SettleDuplicate, doc, nil
		}
		return domain.SettleConflict, doc, nil
	}
	return domain.SettleRejected, doc, nil
}

func (r *repo) ListReminderCandidates(ctx context.Context, db *gorm.DB, today time.Time, maxLevel int, after domain.ReminderCursor, limit int) ([]domain.Document, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT *
		 FROM billing_documents
		 WHERE kind = ?
		   AND status IN (?, ?)
		   AND due_at IS NOT NULL
		   AND due_at < ?
		   AND escalation_level < ?
		   AND (last_escalated_at IS NULL OR last_escalated_at < ?)`
	args := []any{
		domain.KindInvoice,
		domain.StatusSent,
		domain.StatusOverdue,
		today,
		maxLevel,
		today,
	}
	if after.ID != 0 {
		query += `
		   AND (due_at > ? OR (due_at = ? AND id > ?))`
		args = append(args, after.DueAt, after.DueAt, after.ID)
	}
	query += `
		 ORDER BY due_at ASC, id ASC
		 LIMIT ?`
	args = append(args, limit)

	var docs []domain.Document
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

func (r *repo) AdvanceEscalation(ctx context.Context, db *gorm.DB, id snowflake.ID, fromLevel int, today time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE billing_documents
		 SET escalation_level = ?, last_escalated_at = ?, status = ?, updated_at = ?
		 WHERE id = ?
		   AND escalation_level = ?
		   AND status IN (?, ?)`,
		fromLevel+1,
		today,
		domain.StatusOverdue,
		time.Now().UTC(),
		id,
		fromLevel,
		domain.StatusSent,
		domain.StatusOverdue,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ExpireQuotes(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE billing_documents
		 SET status = ?, updated_at = ?
		 WHERE kind = ?
		   AND status = ?
		   AND valid_until IS NOT NULL
		   AND valid_until < ?`,
		domain.StatusExpired,
		now.UTC(),
		domain.KindQuote,
		domain.StatusSent,
		now.UTC(),
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
