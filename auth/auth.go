// Package auth verifies that webhook and management requests come from the
// platform on behalf of an installed workspace.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/liamcoop/timerules/installation"
)

// Signature headers in lookup order; the first is canonical
var SignatureHeaders = []string{
	"Clockify-Signature",
	"X-Clockify-Signature",
	"Clockify-Webhook-Signature",
	"X-Clockify-Webhook-Signature",
}

// Decision is a verifier's answer
type Decision int

const (
	NotApplicable Decision = iota
	Accept
	Reject
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	}
	return "not_applicable"
}

// Request carries what verifiers need. Secrets in it are never logged.
type Request struct {
	WorkspaceID  string
	Body         []byte
	Signature    string
	Installation *installation.Installation
}

// Verifier checks one signature scheme. A Reject carries a short reason.
type Verifier interface {
	Name() string
	Verify(ctx context.Context, req *Request) (Decision, string)
}

// Error is an authentication failure with the HTTP status to return
type Error struct {
	Status int
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("authentication failed (%d): %s", e.Status, e.Reason)
}

func unauthorized(reason string) *Error {
	return &Error{Status: http.StatusUnauthorized, Reason: reason}
}

func forbidden(reason string) *Error {
	return &Error{Status: http.StatusForbidden, Reason: reason}
}

// StatusOf returns the HTTP status of an auth error, or 0 for other errors
func StatusOf(err error) int {
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.Status
	}
	return 0
}

// SignatureFromHeader returns the first non-blank signature header and its name
func SignatureFromHeader(h http.Header) (value, name string) {
	for _, name := range SignatureHeaders {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v, name
		}
	}
	return "", ""
}

// Authenticator runs an ordered verifier chain against a workspace's
// stored installation
type Authenticator struct {
	installations installation.Store
	verifiers     []Verifier
}

// NewAuthenticator builds a chain; verifiers are tried in the given order
func NewAuthenticator(installations installation.Store, verifiers ...Verifier) *Authenticator {
	return &Authenticator{installations: installations, verifiers: verifiers}
}

// Authenticate accepts the request or returns an *Error. Store failures are
// returned as plain errors.
func (a *Authenticator) Authenticate(ctx context.Context, workspaceID string, header http.Header, body []byte) (*installation.Installation, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return nil, unauthorized("workspace id missing")
	}

	inst, err := a.installations.Get(ctx, workspaceID)
	if errors.Is(err, installation.ErrInstallationNotFound) {
		return nil, unauthorized("workspace not installed")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load installation: %w", err)
	}

	signature, _ := SignatureFromHeader(header)
	if signature == "" {
		return nil, unauthorized("signature header missing")
	}

	req := &Request{
		WorkspaceID:  workspaceID,
		Body:         body,
		Signature:    signature,
		Installation: inst,
	}
	for _, v := range a.verifiers {
		switch decision, reason := v.Verify(ctx, req); decision {
		case Accept:
			return inst, nil
		case Reject:
			return nil, forbidden(v.Name() + ": " + reason)
		}
	}
	return nil, forbidden("unrecognized signature format")
}

// looksLikeJWT reports whether a header value is a compact JWS
func looksLikeJWT(s string) bool {
	s = strings.TrimSpace(strings.TrimPrefix(s, "Bearer "))
	return strings.Count(s, ".") == 2
}
