// Package actions applies the actions of matched rules to the remote time
// entry the event is about
package actions

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/liamcoop/timerules/clockify"
	"github.com/liamcoop/timerules/installation"
	"github.com/liamcoop/timerules/internal/logger"
	"github.com/liamcoop/timerules/rules"
)

const DefaultActionTimeout = 10 * time.Second

// Client is the remote API surface actions need. *clockify.Client satisfies it.
type Client interface {
	GetTimeEntry(ctx context.Context, id string) (*clockify.TimeEntry, error)
	UpdateTimeEntry(ctx context.Context, entry *clockify.TimeEntry) (*clockify.TimeEntry, error)
	ListTags(ctx context.Context, name string) ([]clockify.Tag, error)
	CreateTag(ctx context.Context, name string) (*clockify.Tag, error)
	ListProjects(ctx context.Context, name string) ([]clockify.Project, error)
	ListTasks(ctx context.Context, projectID, name string) ([]clockify.Task, error)
	Call(ctx context.Context, method, path string, body []byte) (int, []byte, error)
}

// ClientFactory builds a client acting for an installation
type ClientFactory func(inst *installation.Installation) Client

// NewClientFactory returns a factory creating clockify clients with cfg
func NewClientFactory(cfg clockify.Config) ClientFactory {
	return func(inst *installation.Installation) Client {
		return clockify.NewClient(inst.APIBaseURL, inst.WorkspaceID, inst.Token, cfg)
	}
}

// Failure is the error recorded for an action that could not be applied
type Failure struct {
	Action rules.ActionType
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Action, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// ActionResult is the outcome of one action
type ActionResult struct {
	Type      rules.ActionType `json:"type"`
	Succeeded bool             `json:"succeeded"`
	Changed   bool             `json:"changed"`
	DryRun    bool             `json:"dryRun,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// RuleOutcome summarizes the actions of one matched rule
type RuleOutcome struct {
	RuleID    string         `json:"ruleId"`
	RuleName  string         `json:"ruleName"`
	Attempted int            `json:"attempted"`
	Succeeded int            `json:"succeeded"`
	Results   []ActionResult `json:"results"`
}

// Config of the executor
type Config struct {
	// ApplyChanges false plans actions without calling out
	ApplyChanges  bool
	ActionTimeout time.Duration
}

// Executor runs rule actions. Actions run in list order and a failing
// action never stops the ones after it.
type Executor struct {
	clients ClientFactory
	cfg     Config
}

func NewExecutor(clients ClientFactory, cfg Config) *Executor {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	return &Executor{clients: clients, cfg: cfg}
}

// DryRun reports whether the executor only plans actions
func (e *Executor) DryRun() bool {
	return !e.cfg.ApplyChanges
}

// NewSession opens the per-event state for an installation
func (e *Executor) NewSession(inst *installation.Installation, ev *rules.Event) *Session {
	s := &Session{
		event:       ev,
		workspaceID: inst.WorkspaceID,
		tags:        make(map[string]string),
		projects:    make(map[string]string),
		tasks:       make(map[string]string),
	}
	if e.cfg.ApplyChanges {
		s.client = e.clients(inst)
	}
	return s
}

// Execute runs the actions of rule. Each action gets its own timeout on a
// context that request cancellation does not reach.
func (e *Executor) Execute(ctx context.Context, sess *Session, rule *rules.Rule) RuleOutcome {
	out := RuleOutcome{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Results:  make([]ActionResult, 0, len(rule.Actions)),
	}
	base := context.WithoutCancel(ctx)

	for _, action := range rule.Actions {
		out.Attempted++
		res := ActionResult{Type: action.Type}

		if !e.cfg.ApplyChanges {
			res.Succeeded = true
			res.DryRun = true
			logger.Info("action planned", "workspace_id", sess.workspaceID, "rule_id", rule.ID, "action", string(action.Type))
			out.Succeeded++
			out.Results = append(out.Results, res)
			continue
		}

		actx, cancel := context.WithTimeout(base, e.cfg.ActionTimeout)
		changed, err := e.apply(actx, sess, action)
		cancel()

		if err != nil {
			failure := &Failure{Action: action.Type, Err: err}
			res.Error = failure.Error()
			logger.ErrorActionFailure(sess.workspaceID, rule.ID, string(action.Type), err)
		} else {
			res.Succeeded = true
			res.Changed = changed
			out.Succeeded++
		}
		out.Results = append(out.Results, res)
	}
	return out
}

func (e *Executor) apply(ctx context.Context, sess *Session, action rules.Action) (bool, error) {
	switch action.Type {
	case rules.ActionAddTag:
		return addTag(ctx, sess, action.Param("tag"))
	case rules.ActionRemoveTag:
		return removeTag(ctx, sess, action.Param("tag"))
	case rules.ActionSetDescription:
		value := Resolve(action.Params["value"], sess.event)
		return mutate(ctx, sess, func(entry *clockify.TimeEntry) bool {
			if entry.Description == value {
				return false
			}
			entry.Description = value
			return true
		})
	case rules.ActionSetBillable:
		billable, err := strconv.ParseBool(action.Param("value"))
		if err != nil {
			return false, fmt.Errorf("invalid billable value %q", action.Param("value"))
		}
		return mutate(ctx, sess, func(entry *clockify.TimeEntry) bool {
			if entry.Billable == billable {
				return false
			}
			entry.Billable = billable
			return true
		})
	case rules.ActionSetProjectByID:
		return setProject(ctx, sess, action.Param("projectId"))
	case rules.ActionSetProjectByName:
		id, err := sess.projectID(ctx, action.Param("name"))
		if err != nil {
			return false, err
		}
		return setProject(ctx, sess, id)
	case rules.ActionSetTaskByID:
		return setTask(ctx, sess, action.Param("taskId"))
	case rules.ActionSetTaskByName:
		return setTaskByName(ctx, sess, action.Param("name"))
	case rules.ActionOpenAPICall:
		return openAPICall(ctx, sess, action)
	}
	return false, fmt.Errorf("unsupported action type %q", action.Type)
}

// mutate fetches the entry, applies fn and writes it back only when fn
// reports a change
func mutate(ctx context.Context, sess *Session, fn func(entry *clockify.TimeEntry) bool) (bool, error) {
	entry, err := sess.timeEntry(ctx)
	if err != nil {
		return false, err
	}
	if !fn(entry) {
		return false, nil
	}
	if err := sess.update(ctx, entry); err != nil {
		return false, err
	}
	return true, nil
}

func addTag(ctx context.Context, sess *Session, name string) (bool, error) {
	id, err := sess.tagID(ctx, name, true)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, fmt.Errorf("tag %q could not be resolved", name)
	}
	return mutate(ctx, sess, func(entry *clockify.TimeEntry) bool {
		if slices.Contains(entry.TagIDs, id) {
			return false
		}
		entry.TagIDs = append(entry.TagIDs, id)
		return true
	})
}

func removeTag(ctx context.Context, sess *Session, name string) (bool, error) {
	id, err := sess.tagID(ctx, name, false)
	if err != nil || id == "" {
		return false, err
	}
	return mutate(ctx, sess, func(entry *clockify.TimeEntry) bool {
		i := slices.Index(entry.TagIDs, id)
		if i < 0 {
			return false
		}
		entry.TagIDs = slices.Delete(entry.TagIDs, i, i+1)
		return true
	})
}

func setProject(ctx context.Context, sess *Session, projectID string) (bool, error) {
	return mutate(ctx, sess, func(entry *clockify.TimeEntry) bool {
		if entry.ProjectID == projectID {
			return false
		}
		entry.ProjectID = projectID
		entry.TaskID = ""
		return true
	})
}

func setTask(ctx context.Context, sess *Session, taskID string) (bool, error) {
	return mutate(ctx, sess, func(entry *clockify.TimeEntry) bool {
		if entry.TaskID == taskID {
			return false
		}
		entry.TaskID = taskID
		return true
	})
}

func setTaskByName(ctx context.Context, sess *Session, name string) (bool, error) {
	entry, err := sess.timeEntry(ctx)
	if err != nil {
		return false, err
	}
	if entry.ProjectID == "" {
		return false, fmt.Errorf("time entry %s has no project to resolve task %q in", entry.ID, name)
	}
	id, err := sess.taskID(ctx, entry.ProjectID, name)
	if err != nil {
		return false, err
	}
	return setTask(ctx, sess, id)
}

func openAPICall(ctx context.Context, sess *Session, action rules.Action) (bool, error) {
	method := strings.ToUpper(action.Param("method"))
	path := ResolvePath(action.Param("path"), sess.event)
	var body []byte
	if raw := action.Params["body"]; strings.TrimSpace(raw) != "" {
		body = []byte(ResolveJSON(raw, sess.event))
	}
	if _, _, err := sess.client.Call(ctx, method, path, body); err != nil {
		return false, err
	}
	return method != http.MethodGet, nil
}
