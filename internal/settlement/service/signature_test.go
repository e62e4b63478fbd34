package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/smallbiznis/factura/internal/settlement/domain"
	"github.com/stretchr/testify/assert"
)

func signPayload(secret string, payload []byte, signedAt int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", signedAt, string(payload))))
	return fmt.Sprintf("t=%d,v1=%s", signedAt, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"id":"evt_1"}`)
	v := newVerifier("whsec_test", 300*time.Second)

	header := signPayload("whsec_test", payload, now.Unix())
	assert.NoError(t, v.Verify(payload, header, now))
}

func TestVerifyReplayWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"id":"evt_1"}`)
	v := newVerifier("whsec_test", 300*time.Second)

	// Inside the window on both sides.
	assert.NoError(t, v.Verify(payload, signPayload("whsec_test", payload, now.Unix()-299), now))
	assert.NoError(t, v.Verify(payload, signPayload("whsec_test", payload, now.Unix()+299), now))

	// One second past the window, either direction.
	err := v.Verify(payload, signPayload("whsec_test", payload, now.Unix()-301), now)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	err = v.Verify(payload, signPayload("whsec_test", payload, now.Unix()+301), now)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	now := time.Now().UTC()
	payload := []byte(`{"id":"evt_1"}`)
	v := newVerifier("whsec_test", 300*time.Second)

	header := signPayload("whsec_other", payload, now.Unix())
	assert.ErrorIs(t, v.Verify(payload, header, now), domain.ErrInvalidSignature)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	now := time.Now().UTC()
	payload := []byte(`{"id":"evt_1","amount":1000}`)
	v := newVerifier("whsec_test", 300*time.Second)

	header := signPayload("whsec_test", payload, now.Unix())
	tampered := []byte(`{"id":"evt_1","amount":9000}`)
	assert.ErrorIs(t, v.Verify(tampered, header, now), domain.ErrInvalidSignature)
}

func TestVerifyAcceptsAnyMatchingV1(t *testing.T) {
	now := time.Now().UTC()
	payload := []byte(`{"id":"evt_1"}`)
	v := newVerifier("whsec_test", 300*time.Second)

	good := signPayload("whsec_test", payload, now.Unix())
	// Prepend a stale v1 from a rotated secret; the valid one must still win.
	stale := signPayload("whsec_old", payload, now.Unix())
	combined := fmt.Sprintf("%s,%s", stale, good[len(fmt.Sprintf("t=%d,", now.Unix())):])
	assert.NoError(t, v.Verify(payload, combined, now))
}

func TestVerifyRejectsMalformedHeaders(t *testing.T) {
	now := time.Now().UTC()
	payload := []byte(`{}`)
	v := newVerifier("whsec_test", 300*time.Second)

	for _, header := range []string{
		"",
		"t=123",
		"v1=deadbeef",
		"t=notanumber,v1=deadbeef",
		"garbage",
	} {
		assert.ErrorIs(t, v.Verify(payload, header, now), domain.ErrInvalidSignature, "header %q", header)
	}
}

func TestNewVerifierDefaultTolerance(t *testing.T) {
	v := newVerifier("whsec_test", 0)
	assert.Equal(t, 300*time.Second, v.tolerance)
}
