package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by platform-issued tokens
type Claims struct {
	WorkspaceID string `json:"workspaceId"`
	AddonID     string `json:"addonId,omitempty"`
	UserID      string `json:"user,omitempty"`
	BackendURL  string `json:"backendUrl,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates RS256 tokens signed by the platform
type JWTVerifier struct {
	publicKey *rsa.PublicKey
	addonKey  string
	parser    *jwt.Parser
}

// NewJWTVerifier creates a verifier. addonKey is the expected "sub" claim.
// Tokens must carry an expiry.
func NewJWTVerifier(publicKey *rsa.PublicKey, addonKey string, leeway time.Duration) (*JWTVerifier, error) {
	if publicKey == nil {
		return nil, errors.New("jwt verifier: public key is required")
	}
	if strings.TrimSpace(addonKey) == "" {
		return nil, errors.New("jwt verifier: addon key is required")
	}
	return &JWTVerifier{
		publicKey: publicKey,
		addonKey:  addonKey,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
	}, nil
}

// LoadPublicKey reads a PEM-encoded RSA public key
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

func (v *JWTVerifier) Name() string { return "jwt" }

func (v *JWTVerifier) Verify(ctx context.Context, req *Request) (Decision, string) {
	if !looksLikeJWT(req.Signature) {
		return NotApplicable, ""
	}
	claims, err := v.ParseToken(req.Signature)
	if err != nil {
		return Reject, err.Error()
	}
	if claims.WorkspaceID != req.WorkspaceID {
		return Reject, "workspace claim mismatch"
	}
	return Accept, ""
}

// ParseToken verifies signature, expiry and subject and returns the claims
func (v *JWTVerifier) ParseToken(token string) (*Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.publicKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.New("token expired")
		}
		return nil, errors.New("invalid token")
	}
	if claims.Subject != v.addonKey {
		return nil, errors.New("subject mismatch")
	}
	if claims.WorkspaceID == "" {
		return nil, errors.New("workspace claim missing")
	}
	return claims, nil
}

// VerifyToken authenticates lifecycle and management requests. The
// token's workspace claim must equal workspaceID when one is given.
func (v *JWTVerifier) VerifyToken(token, workspaceID string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, unauthorized("token missing")
	}
	claims, err := v.ParseToken(token)
	if err != nil {
		return nil, forbidden(err.Error())
	}
	if workspaceID != "" && claims.WorkspaceID != workspaceID {
		return nil, forbidden("workspace claim mismatch")
	}
	return claims, nil
}
