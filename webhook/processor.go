// Package webhook turns a signed delivery into rule evaluations and actions
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/liamcoop/timerules/actions"
	"github.com/liamcoop/timerules/auth"
	"github.com/liamcoop/timerules/idempotency"
	"github.com/liamcoop/timerules/installation"
	"github.com/liamcoop/timerules/internal/logger"
	"github.com/liamcoop/timerules/multitenantengine"
	"github.com/liamcoop/timerules/rules"
)

// EventTypeHeader names the event when neither the path nor the body does
const EventTypeHeader = "Clockify-Webhook-Event-Type"

// Statuses reported in a Summary
const (
	StatusNoRules        = "no_rules"
	StatusNoMatch        = "no_match"
	StatusActionsApplied = "actions_applied"
	StatusActionsLogged  = "actions_logged"
	StatusDuplicate      = "duplicate"
)

// RequestError is a delivery rejected before processing
type RequestError struct {
	Status  int
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// StatusOf maps a Process error to an HTTP status
func StatusOf(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Status
	}
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		return authErr.Status
	}
	return http.StatusInternalServerError
}

// Request is one delivery
type Request struct {
	// EventType from the route; may be empty
	EventType string
	Header    http.Header
	Body      []byte
}

// ActionSummary reports one action of a matched rule
type ActionSummary struct {
	RuleID    string            `json:"ruleId"`
	Type      rules.ActionType  `json:"type"`
	Args      map[string]string `json:"args,omitempty"`
	Succeeded bool              `json:"succeeded"`
	Changed   bool              `json:"changed,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Summary is the response to a processed delivery
type Summary struct {
	Status           string          `json:"status"`
	Event            string          `json:"event"`
	ActionsCount     int             `json:"actionsCount"`
	MatchedRules     []string        `json:"matchedRules"`
	ActionsSucceeded int             `json:"actionsSucceeded"`
	Actions          []ActionSummary `json:"actions"`
}

// Observer receives processing events; internal/metrics implements it
type Observer interface {
	WebhookProcessed(status string)
	AuthFailed(reason string)
	DuplicateSkipped()
	RulesMatched(n int)
	ActionExecuted(actionType, outcome string)
}

type noopObserver struct{}

func (noopObserver) WebhookProcessed(string)       {}
func (noopObserver) AuthFailed(string)             {}
func (noopObserver) DuplicateSkipped()             {}
func (noopObserver) RulesMatched(int)              {}
func (noopObserver) ActionExecuted(string, string) {}

// Processor runs the webhook pipeline
type Processor struct {
	auth     *auth.Authenticator
	tracker  idempotency.Tracker
	manager  *multitenantengine.Manager
	engine   *rules.Engine
	executor *actions.Executor
	observer Observer
	schema   *jsonschema.Schema
}

// Option configures a Processor
type Option func(*Processor)

// WithObserver reports processing to o
func WithObserver(o Observer) Option {
	return func(p *Processor) {
		if o != nil {
			p.observer = o
		}
	}
}

// NewProcessor wires the pipeline
func NewProcessor(authenticator *auth.Authenticator, tracker idempotency.Tracker, manager *multitenantengine.Manager, engine *rules.Engine, executor *actions.Executor, opts ...Option) (*Processor, error) {
	schema, err := compileEnvelopeSchema()
	if err != nil {
		return nil, err
	}
	p := &Processor{
		auth:     authenticator,
		tracker:  tracker,
		manager:  manager,
		engine:   engine,
		executor: executor,
		observer: noopObserver{},
		schema:   schema,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// eventType picks the body's event field, then the route, then the header
func eventType(body map[string]any, route string, header http.Header) string {
	for _, key := range []string{"event", "eventType"} {
		if v, ok := body[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if route = strings.TrimSpace(route); route != "" {
		return route
	}
	return strings.TrimSpace(header.Get(EventTypeHeader))
}

// Process authenticates, deduplicates and applies one delivery. Errors are
// *RequestError, *auth.Error or internal failures; see StatusOf.
func (p *Processor) Process(ctx context.Context, req Request) (*Summary, error) {
	if err := validateEnvelope(p.schema, req.Body); err != nil {
		return nil, &RequestError{Status: http.StatusBadRequest, Message: "malformed webhook payload", Err: err}
	}
	var body map[string]any
	if err := json.NewDecoder(bytes.NewReader(req.Body)).Decode(&body); err != nil {
		return nil, &RequestError{Status: http.StatusBadRequest, Message: "malformed webhook payload", Err: err}
	}

	ev := rules.NewEvent(eventType(body, req.EventType, req.Header), body)
	ws := ev.WorkspaceID

	inst, err := p.auth.Authenticate(ctx, ws, req.Header, req.Body)
	if err != nil {
		var authErr *auth.Error
		if errors.As(err, &authErr) {
			logger.WarnAuthFailure(ws, authErr.Reason)
			p.observer.AuthFailed(authErr.Reason)
		}
		return nil, err
	}

	key := idempotency.DeriveKey(ev.Type, body, req.Body)
	verdict, err := p.tracker.CheckAndRecord(ctx, ws, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check delivery %s: %w", key, err)
	}
	if verdict == idempotency.Duplicate {
		logger.WarnDuplicate(ws, key)
		p.observer.DuplicateSkipped()
		p.observer.WebhookProcessed(StatusDuplicate)
		return newSummary(StatusDuplicate, ev.Type), nil
	}

	summary, err := p.apply(ctx, ev, inst, key)
	if err != nil {
		if relErr := p.tracker.Release(context.WithoutCancel(ctx), ws, key); relErr != nil {
			logger.Error("Failed to release delivery key", "workspace_id", ws, "event_key", key, "error", relErr)
		}
		return nil, err
	}

	if err := p.tracker.Complete(context.WithoutCancel(ctx), ws, key, summary.Status); err != nil {
		logger.Warn("Failed to record delivery outcome", "workspace_id", ws, "event_key", key, "error", err)
	}
	p.observer.WebhookProcessed(summary.Status)
	return summary, nil
}

func (p *Processor) apply(ctx context.Context, ev *rules.Event, inst *installation.Installation, key string) (*Summary, error) {
	ws := ev.WorkspaceID
	enabled, err := p.manager.EnabledRules(ctx, ws)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for workspace %s: %w", ws, err)
	}
	if len(enabled) == 0 {
		logger.Debug("No enabled rules", "workspace_id", ws, "event", ev.Type)
		return newSummary(StatusNoRules, ev.Type), nil
	}

	matched := p.engine.Matching(enabled, ev)
	p.observer.RulesMatched(len(matched))
	if len(matched) == 0 {
		logger.Debug("No rules matched", "workspace_id", ws, "event", ev.Type, "event_key", key)
		return newSummary(StatusNoMatch, ev.Type), nil
	}

	status := StatusActionsApplied
	if p.executor.DryRun() {
		status = StatusActionsLogged
	}
	summary := newSummary(status, ev.Type)
	sess := p.executor.NewSession(inst, ev)
	for _, rule := range matched {
		summary.MatchedRules = append(summary.MatchedRules, rule.ID)
		out := p.executor.Execute(ctx, sess, rule)
		summary.ActionsSucceeded += out.Succeeded
		for i, res := range out.Results {
			summary.Actions = append(summary.Actions, ActionSummary{
				RuleID:    rule.ID,
				Type:      res.Type,
				Args:      rule.Actions[i].Params,
				Succeeded: res.Succeeded,
				Changed:   res.Changed,
				Error:     res.Error,
			})
			p.observer.ActionExecuted(string(res.Type), actionOutcome(res))
		}
	}
	summary.ActionsCount = len(summary.Actions)

	logger.Info("Webhook processed",
		"workspace_id", ws,
		"event", ev.Type,
		"event_key", key,
		"status", status,
		"matched_rules", len(matched),
		"actions", summary.ActionsCount,
		"actions_succeeded", summary.ActionsSucceeded,
	)
	return summary, nil
}

func actionOutcome(res actions.ActionResult) string {
	switch {
	case res.DryRun:
		return "planned"
	case !res.Succeeded:
		return "failed"
	case res.Changed:
		return "applied"
	}
	return "unchanged"
}

func newSummary(status, event string) *Summary {
	return &Summary{
		Status:       status,
		Event:        event,
		MatchedRules: []string{},
		Actions:      []ActionSummary{},
	}
}
