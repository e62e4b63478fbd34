package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/factura/internal/settlement/domain"
)

// SignatureHeader is the header carrying the processor's signed timestamp
// and HMACs: t=<unix-seconds>,v1=<hex-hmac>[,v1=<hex-hmac>...].
const SignatureHeader = "Payment-Signature"

type verifier struct {
	secret    string
	tolerance time.Duration
}

func newVerifier(secret string, tolerance time.Duration) *verifier {
	if tolerance <= 0 {
		tolerance = 300 * time.Second
	}
	return &verifier{secret: secret, tolerance: tolerance}
}

// Verify checks the signed timestamp against the replay window and the
// HMAC-SHA256 of "{timestamp}.{payload}" against every v1 value in
// constant time. Any single match accepts.
func (v *verifier) Verify(payload []byte, header string, now time.Time) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return domain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	skew := now.Sub(time.Unix(signedAt, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return domain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(v.secret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return domain.ErrInvalidSignature
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}
