package server_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/factura/internal/audit/domain"
	"github.com/smallbiznis/factura/internal/clock"
	"github.com/smallbiznis/factura/internal/config"
	documentdomain "github.com/smallbiznis/factura/internal/document/domain"
	documentrepo "github.com/smallbiznis/factura/internal/document/repository"
	documentservice "github.com/smallbiznis/factura/internal/document/service"
	"github.com/smallbiznis/factura/internal/reminder"
	"github.com/smallbiznis/factura/internal/server"
	settlementrepo "github.com/smallbiznis/factura/internal/settlement/repository"
	settlementservice "github.com/smallbiznis/factura/internal/settlement/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const webhookSecret = "whsec_test"

type noopAuditService struct{}

func (noopAuditService) AuditLog(ctx context.Context, orgID *snowflake.ID, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	return nil
}

func (noopAuditService) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

type noopSink struct{}

func (noopSink) Deliver(ctx context.Context, r reminder.Reminder) error { return nil }

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	schema := []string{
		`CREATE TABLE billing_documents (
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
		)`,
		`CREATE UNIQUE INDEX ux_documents_payment_ref ON billing_documents(payment_ref) WHERE payment_ref IS NOT NULL`,
		`CREATE UNIQUE INDEX ux_documents_converted_from ON billing_documents(converted_from_quote_id) WHERE converted_from_quote_id IS NOT NULL`,
		`CREATE TABLE billing_document_items (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			document_id BIGINT NOT NULL,
			description TEXT,
			quantity BIGINT NOT NULL,
			unit_amount BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE payment_events (
			id BIGINT PRIMARY KEY,
			provider TEXT NOT NULL,
			provider_event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			document_id BIGINT,
			payload TEXT NOT NULL,
			received_at DATETIME NOT NULL,
			processed_at DATETIME
		)`,
		`CREATE UNIQUE INDEX ux_payment_events_provider_event ON payment_events(provider, provider_event_id)`,
	}
	for _, stmt := range schema {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

type fixture struct {
	srv   *server.Server
	clk   *clock.FakeClock
	node  *snowflake.Node
	orgID snowflake.ID
}

func newFixture(t *testing.T, nodeID int64) *fixture {
	t.Helper()

	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(nodeID)
	require.NoError(t, err)
	log := zap.NewNop()

	cfg := config.Config{
		Environment: "test",
		Webhook: config.WebhookConfig{
			Provider:  "stripe",
			Secret:    webhookSecret,
			Tolerance: 300 * time.Second,
		},
	}

	docRepo := documentrepo.Provide()
	documentSvc := documentservice.NewService(documentservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Repo:     docRepo,
		AuditSvc: noopAuditService{},
	})
	settlementSvc, err := settlementservice.NewService(settlementservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Cfg:      cfg,
		Repo:     settlementrepo.Provide(),
		DocRepo:  docRepo,
		AuditSvc: noopAuditService{},
	})
	require.NoError(t, err)
	scheduler, err := reminder.New(reminder.Params{
		DB:       db,
		Log:      log,
		Clock:    clk,
		Repo:     docRepo,
		Sink:     noopSink{},
		AuditSvc: noopAuditService{},
	})
	require.NoError(t, err)

	srv := server.NewServer(server.ServerParams{
		Gin:           server.NewEngine(log),
		Cfg:           cfg,
		DB:            db,
		Log:           log,
		GenID:         node,
		DocumentSvc:   documentSvc,
		SettlementSvc: settlementSvc,
		AuditSvc:      noopAuditService{},
		Scheduler:     scheduler,
	})

	return &fixture{srv: srv, clk: clk, node: node, orgID: node.Generate()}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(server.HeaderOrg, f.orgID.String())
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	rec := httptest.NewRecorder()
	f.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createInvoice(t *testing.T) documentdomain.Document {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/documents", map[string]any{
		"kind":        "invoice",
		"customer_id": f.node.Generate().String(),
		"currency":    "usd",
		"items": []map[string]any{
			{"description": "Consulting", "quantity": 2, "unit_amount": 500},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var doc documentdomain.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	return doc
}

func signedWebhookHeader(payload []byte, signedAt int64) map[string]string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", signedAt, string(payload))))
	return map[string]string{
		settlementservice.SignatureHeader: fmt.Sprintf("t=%d,v1=%s", signedAt, hex.EncodeToString(mac.Sum(nil))),
	}
}

func TestDocumentLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, 60)
	doc := f.createInvoice(t)

	rec := f.do(t, http.MethodPost, "/v1/documents/"+doc.ID.String()+"/send", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/documents/"+doc.ID.String()+"/mark_paid", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var paid documentdomain.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &paid))
	assert.Equal(t, documentdomain.StatusPaid, paid.Status)
}

func TestIllegalTransitionMapsToBadRequest(t *testing.T) {
	f := newFixture(t, 61)
	doc := f.createInvoice(t)

	// DRAFT -> PAID is not a legal edge.
	rec := f.do(t, http.MethodPost, "/v1/documents/"+doc.ID.String()+"/mark_paid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestGetMissingDocumentMapsToNotFound(t *testing.T) {
	f := newFixture(t, 62)

	rec := f.do(t, http.MethodGet, "/v1/documents/"+f.node.Generate().String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMissingOrgHeaderRejected(t *testing.T) {
	f := newFixture(t, 63)

	req := httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
	rec := httptest.NewRecorder()
	f.srv.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookSettlesInvoice(t *testing.T) {
	f := newFixture(t, 64)
	doc := f.createInvoice(t)
	rec := f.do(t, http.MethodPost, "/v1/documents/"+doc.ID.String()+"/send", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	now := f.clk.Now().Unix()
	payload := []byte(fmt.Sprintf(
		`{"id":"evt_1","type":"payment_succeeded","created":%d,"data":{"object":{"id":"pi_1","amount":1000,"currency":"usd","created":%d,"metadata":{"document_id":"%s"}}}}`,
		now, now, doc.ID.String(),
	))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
	for key, value := range signedWebhookHeader(payload, now) {
		req.Header.Set(key, value)
	}
	res := httptest.NewRecorder()
	f.srv.Engine().ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var body struct {
		Handled bool   `json:"handled"`
		Event   string `json:"event"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.True(t, body.Handled)
	assert.Equal(t, "payment_succeeded", body.Event)

	rec = f.do(t, http.MethodGet, "/v1/documents/"+doc.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got documentdomain.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, documentdomain.StatusPaid, got.Status)
}

func TestWebhookBadSignatureMapsToBadRequest(t *testing.T) {
	f := newFixture(t, 65)

	payload := []byte(`{"id":"evt_1","type":"payment_succeeded","data":{"object":{"id":"pi_1"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
	req.Header.Set(settlementservice.SignatureHeader, "t=1,v1=deadbeef")
	res := httptest.NewRecorder()
	f.srv.Engine().ServeHTTP(res, req)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestWebhookConflictMapsTo409(t *testing.T) {
	f := newFixture(t, 66)
	doc := f.createInvoice(t)
	rec := f.do(t, http.MethodPost, "/v1/documents/"+doc.ID.String()+"/send", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	now := f.clk.Now().Unix()
	deliver := func(eventID, ref string) *httptest.ResponseRecorder {
		payload := []byte(fmt.Sprintf(
			`{"id":"%s","type":"payment_succeeded","created":%d,"data":{"object":{"id":"%s","metadata":{"document_id":"%s"}}}}`,
			eventID, now, ref, doc.ID.String(),
		))
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
		for key, value := range signedWebhookHeader(payload, now) {
			req.Header.Set(key, value)
		}
		res := httptest.NewRecorder()
		f.srv.Engine().ServeHTTP(res, req)
		return res
	}

	require.Equal(t, http.StatusOK, deliver("evt_1", "pi_A").Code)
	assert.Equal(t, http.StatusConflict, deliver("evt_2", "pi_B").Code)
}

func TestRunRemindersEndpoint(t *testing.T) {
	f := newFixture(t, 67)
	doc := f.createInvoice(t)
	rec := f.do(t, http.MethodPost, "/v1/documents/"+doc.ID.String()+"/send", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Jump past the level-1 threshold.
	f.clk.Advance(5 * 24 * time.Hour)
	due := f.clk.Now().Add(-5 * 24 * time.Hour)
	rec = f.do(t, http.MethodPatch, "/v1/documents/"+doc.ID.String(), map[string]any{"due_at": due.Format(time.RFC3339)}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := f.do(t, http.MethodPost, "/v1/jobs/reminders/run", nil, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var summary reminder.Summary
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Sent)
}
