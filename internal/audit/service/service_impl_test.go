package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/factura/internal/audit/domain"
	auditrepo "github.com/smallbiznis/factura/internal/audit/repository"
	auditservice "github.com/smallbiznis/factura/internal/audit/service"
	"github.com/smallbiznis/factura/internal/orgcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_audit_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.Exec(`CREATE TABLE audit_logs (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		ip_address TEXT,
		user_agent TEXT,
		created_at DATETIME NOT NULL
	)`).Error)
	return db
}

func newTestService(t *testing.T, db *gorm.DB) auditdomain.Service {
	t.Helper()

	node, err := snowflake.NewNode(40)
	require.NoError(t, err)
	return auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepo.Provide(),
	})
}

func seedEntry(t *testing.T, db *gorm.DB, node *snowflake.Node, orgID snowflake.ID, action string, createdAt time.Time) {
	t.Helper()
	err := db.Exec(
		`INSERT INTO audit_logs (id, org_id, actor_type, action, target_type, metadata, created_at)
		 VALUES (?, ?, 'system', ?, 'billing_document', '{}', ?)`,
		node.Generate(), orgID, action, createdAt,
	).Error
	require.NoError(t, err)
}

func TestListFiltersByTimeRange(t *testing.T) {
	db := setupTestDB(t)
	node, err := snowflake.NewNode(41)
	require.NoError(t, err)
	orgID := node.Generate()
	ctx := orgcontext.WithOrgID(context.Background(), int64(orgID))
	svc := newTestService(t, db)

	seedEntry(t, db, node, orgID, "document.sent", time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC))
	seedEntry(t, db, node, orgID, "settlement.applied", time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))

	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	resp, err := svc.List(ctx, auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, "settlement.applied", resp.AuditLogs[0].Action)

	// Open-ended window: only a lower bound.
	resp, err = svc.List(ctx, auditdomain.ListAuditLogRequest{StartAt: &start})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	// No window returns everything.
	resp, err = svc.List(ctx, auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	assert.Len(t, resp.AuditLogs, 2)
}

func TestListRejectsInvertedTimeRange(t *testing.T) {
	db := setupTestDB(t)
	node, err := snowflake.NewNode(42)
	require.NoError(t, err)
	ctx := orgcontext.WithOrgID(context.Background(), int64(node.Generate()))
	svc := newTestService(t, db)

	start := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	_, err = svc.List(ctx, auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)
}

func TestListScopesToOrg(t *testing.T) {
	db := setupTestDB(t)
	node, err := snowflake.NewNode(43)
	require.NoError(t, err)
	orgA := node.Generate()
	orgB := node.Generate()
	svc := newTestService(t, db)

	seedEntry(t, db, node, orgA, "document.sent", time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	seedEntry(t, db, node, orgB, "document.sent", time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC))

	resp, err := svc.List(orgcontext.WithOrgID(context.Background(), int64(orgA)), auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	assert.Len(t, resp.AuditLogs, 1)
}
