package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/timerules/installation"
)

const (
	testWorkspace = "ws1"
	testToken     = "installation-token"
	testAddonKey  = "timerules"
)

var testBody = []byte(`{"workspaceId":"ws1","id":"te1","description":"standup"}`)

type fixture struct {
	auth *Authenticator
	key  *rsa.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	store := installation.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), &installation.Installation{
		WorkspaceID: testWorkspace,
		Token:       testToken,
	}))

	verifier, err := NewJWTVerifier(&key.PublicKey, testAddonKey, 5*time.Second)
	require.NoError(t, err)

	return &fixture{
		auth: NewAuthenticator(store, HMACVerifier{}, verifier),
		key:  key,
	}
}

func (f *fixture) token(t *testing.T, sub, workspace string, exp time.Time) string {
	t.Helper()
	claims := Claims{
		WorkspaceID: workspace,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func header(name, value string) http.Header {
	h := http.Header{}
	if value != "" {
		h.Set(name, value)
	}
	return h
}

func TestAuthenticate_HMAC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.auth.Authenticate(ctx, testWorkspace, header("Clockify-Signature", Sign(testToken, testBody)), testBody)
	require.NoError(t, err)
	assert.Equal(t, testWorkspace, inst.WorkspaceID)

	// alternate header names are accepted
	_, err = f.auth.Authenticate(ctx, testWorkspace, header("X-Clockify-Webhook-Signature", Sign(testToken, testBody)), testBody)
	assert.NoError(t, err)
}

func TestAuthenticate_HMACEncodings(t *testing.T) {
	f := newFixture(t)
	mac := hmac.New(sha256.New, DeriveKey(testToken))
	mac.Write(testBody)
	sum := mac.Sum(nil)

	for name, sig := range map[string]string{
		"raw url base64": base64.RawURLEncoding.EncodeToString(sum),
		"prefixed":       "sha256=" + base64.StdEncoding.EncodeToString(sum),
		"hex":            "sha256=" + hex.EncodeToString(sum),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.auth.Authenticate(context.Background(), testWorkspace, header("Clockify-Signature", sig), testBody)
			assert.NoError(t, err)
		})
	}
}

func TestAuthenticate_TamperedBodyRejected(t *testing.T) {
	f := newFixture(t)
	sig := Sign(testToken, testBody)

	tampered := append([]byte(nil), testBody...)
	tampered[len(tampered)-3] ^= 0x01

	_, err := f.auth.Authenticate(context.Background(), testWorkspace, header("Clockify-Signature", sig), tampered)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, StatusOf(err))
}

func TestAuthenticate_MissingInstallationOrHeader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.auth.Authenticate(ctx, "other", header("Clockify-Signature", Sign(testToken, testBody)), testBody)
	assert.Equal(t, http.StatusUnauthorized, StatusOf(err), "unknown workspace")

	_, err = f.auth.Authenticate(ctx, testWorkspace, http.Header{}, testBody)
	assert.Equal(t, http.StatusUnauthorized, StatusOf(err), "missing header")

	_, err = f.auth.Authenticate(ctx, "", header("Clockify-Signature", "x"), testBody)
	assert.Equal(t, http.StatusUnauthorized, StatusOf(err), "missing workspace")
}

func TestAuthenticate_JWT(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	_, err := f.auth.Authenticate(ctx, testWorkspace, header("Clockify-Signature", f.token(t, testAddonKey, testWorkspace, exp)), testBody)
	assert.NoError(t, err)

	_, err = f.auth.Authenticate(ctx, testWorkspace, header("Clockify-Signature", "Bearer "+f.token(t, testAddonKey, testWorkspace, exp)), testBody)
	assert.NoError(t, err, "bearer prefix")
}

func TestAuthenticate_JWTRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		WorkspaceID:      testWorkspace,
		RegisteredClaims: jwt.RegisteredClaims{Subject: testAddonKey, ExpiresAt: jwt.NewNumericDate(exp)},
	}).SignedString(other)
	require.NoError(t, err)

	tests := map[string]string{
		"wrong subject":   f.token(t, "someone-else", testWorkspace, exp),
		"wrong workspace": f.token(t, testAddonKey, "ws2", exp),
		"expired":         f.token(t, testAddonKey, testWorkspace, time.Now().Add(-time.Hour)),
		"wrong key":       forged,
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := f.auth.Authenticate(ctx, testWorkspace, header("Clockify-Signature", tok), testBody)
			assert.Equal(t, http.StatusForbidden, StatusOf(err))
		})
	}
}

func TestAuthenticate_HS256Rejected(t *testing.T) {
	f := newFixture(t)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		WorkspaceID:      testWorkspace,
		RegisteredClaims: jwt.RegisteredClaims{Subject: testAddonKey},
	}).SignedString([]byte(testToken))
	require.NoError(t, err)

	_, err = f.auth.Authenticate(context.Background(), testWorkspace, header("Clockify-Signature", tok), testBody)
	assert.Equal(t, http.StatusForbidden, StatusOf(err))
}

func TestVerifyToken(t *testing.T) {
	f := newFixture(t)
	v, err := NewJWTVerifier(&f.key.PublicKey, testAddonKey, 0)
	require.NoError(t, err)
	tok := f.token(t, testAddonKey, testWorkspace, time.Now().Add(time.Minute))

	claims, err := v.VerifyToken(tok, testWorkspace)
	require.NoError(t, err)
	assert.Equal(t, testWorkspace, claims.WorkspaceID)

	_, err = v.VerifyToken(tok, "ws2")
	assert.Equal(t, http.StatusForbidden, StatusOf(err))

	_, err = v.VerifyToken("", testWorkspace)
	assert.Equal(t, http.StatusUnauthorized, StatusOf(err))

	_, err = v.VerifyToken(f.token(t, "other-addon", testWorkspace, time.Now().Add(time.Minute)), testWorkspace)
	assert.Equal(t, http.StatusForbidden, StatusOf(err), "foreign subject")
}

func TestVerifyToken_RequiresExpiry(t *testing.T) {
	f := newFixture(t)
	v, err := NewJWTVerifier(&f.key.PublicKey, testAddonKey, 0)
	require.NoError(t, err)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		WorkspaceID:      testWorkspace,
		RegisteredClaims: jwt.RegisteredClaims{Subject: testAddonKey},
	}).SignedString(f.key)
	require.NoError(t, err)

	_, err = v.VerifyToken(tok, testWorkspace)
	assert.Equal(t, http.StatusForbidden, StatusOf(err))
}

func TestNewJWTVerifier_RequiresAddonKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	_, err = NewJWTVerifier(&key.PublicKey, "", 0)
	assert.Error(t, err)

	_, err = NewJWTVerifier(&key.PublicKey, "  ", 0)
	assert.Error(t, err)

	_, err = NewJWTVerifier(nil, testAddonKey, 0)
	assert.Error(t, err)
}

func TestSignatureFromHeaderPrefersCanonical(t *testing.T) {
	h := http.Header{}
	h.Set("X-Clockify-Signature", "alt")
	h.Set("Clockify-Signature", "canonical")
	v, name := SignatureFromHeader(h)
	assert.Equal(t, "canonical", v)
	assert.Equal(t, "Clockify-Signature", name)
}
