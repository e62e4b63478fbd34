package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/factura/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID int64, filter domain.ListFilter) ([]domain.AuditLog, error) {
	query := db.WithContext(ctx).Where("org_id = ?", orgID)

	if action := strings.TrimSpace(filter.Action); action != "" {
		query = query.Where("action = ?", action)
	}
	if targetType := strings.TrimSpace(filter.TargetType); targetType != "" {
		query = query.Where("target_type = ?", targetType)
	}
	if targetID := strings.TrimSpace(filter.TargetID); targetID != "" {
		query = query.Where("target_id = ?", targetID)
	}
	if filter.StartAt != nil {
		query = query.Where("created_at >= ?", *filter.StartAt)
	}
	if filter.EndAt != nil {
		query = query.Where("created_at <= ?", *filter.EndAt)
	}
	if filter.AfterID > 0 {
		query = query.Where("id < ?", filter.AfterID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	var entries []domain.AuditLog
	if err := query.Order("id DESC").Limit(limit + 1).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
