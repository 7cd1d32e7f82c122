package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.WebhookProcessed("actions_applied")
	m.WebhookProcessed("actions_applied")
	m.WebhookProcessed("duplicate")
	m.DuplicateSkipped()
	m.RulesMatched(3)
	m.ActionExecuted("add_tag", "applied")
	m.RateLimited()
	m.CacheLoaded("ws1", 2, time.Millisecond, nil)
	m.CacheLoaded("ws1", 0, time.Millisecond, errors.New("down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.webhooks.WithLabelValues("actions_applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhooks.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicates))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ruleMatches))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("add_tag", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLoads.WithLabelValues("error")))
}

func TestAuthReasonLabels(t *testing.T) {
	m := New()
	m.AuthFailed("hmac: signature mismatch")
	m.AuthFailed("jwt: token has invalid claims: token is expired")
	m.AuthFailed("signature header missing")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.authFailures.WithLabelValues("hmac")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authFailures.WithLabelValues("jwt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authFailures.WithLabelValues("signature header missing")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.WebhookProcessed("no_match")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `timerules_webhook_events_total{status="no_match"} 1`)
}
