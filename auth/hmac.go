package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// HMACVerifier checks an HMAC-SHA256 of the raw body keyed with the
// SHA-256 digest of the workspace's installation token
type HMACVerifier struct{}

func (HMACVerifier) Name() string { return "hmac" }

// DeriveKey returns the HMAC key for an installation token
func DeriveKey(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// Sign returns the base64 signature a sender would put in the header
func Sign(token string, body []byte) string {
	mac := hmac.New(sha256.New, DeriveKey(token))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (HMACVerifier) Verify(ctx context.Context, req *Request) (Decision, string) {
	if looksLikeJWT(req.Signature) {
		return NotApplicable, ""
	}
	if req.Installation == nil || req.Installation.Token == "" {
		return Reject, "no installation token"
	}

	provided, ok := decodeSignature(req.Signature)
	if !ok {
		return Reject, "undecodable signature"
	}

	mac := hmac.New(sha256.New, DeriveKey(req.Installation.Token))
	mac.Write(req.Body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return Reject, "signature mismatch"
	}
	return Accept, ""
}

// decodeSignature accepts std and url-safe base64 (padded or not) and the
// older "sha256=<hex>" form
func decodeSignature(sig string) ([]byte, bool) {
	sig = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(sig), "sha256="))
	if len(sig) == hex.EncodedLen(sha256.Size) {
		if b, err := hex.DecodeString(sig); err == nil {
			return b, true
		}
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(sig); err == nil && len(b) == sha256.Size {
			return b, true
		}
	}
	return nil, false
}
