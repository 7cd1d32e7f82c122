package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/timerules/auth"
	"github.com/liamcoop/timerules/installation"
	"github.com/liamcoop/timerules/internal/logger"
	"github.com/liamcoop/timerules/internal/metrics"
	"github.com/liamcoop/timerules/multitenantengine"
	"github.com/liamcoop/timerules/ratelimit"
	"github.com/liamcoop/timerules/rules"
	"github.com/liamcoop/timerules/webhook"
)

// Deps are the collaborators a Server routes requests to. DB and Redis are
// optional and only used for health checks.
type Deps struct {
	DB            *sql.DB
	Redis         *redis.Client
	Manager       *multitenantengine.Manager
	Installations installation.Store
	Processor     *webhook.Processor
	JWT           *auth.JWTVerifier
	Metrics       *metrics.Metrics
	Governor      *ratelimit.Governor

	// AllowUnsigned accepts lifecycle and management calls when JWT is
	// nil. Local development only.
	AllowUnsigned bool

	StorageName     string
	IdempotencyName string
	ApplyChanges    bool
	MaxBodyBytes    int64
	RequestTimeout  time.Duration
}

type Server struct {
	deps   Deps
	router *chi.Mux
}

func NewServer(deps Deps) *Server {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 60 * time.Second
	}
	s := &Server{deps: deps}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.deps.RequestTimeout))

	// Health and metrics
	r.Get("/api/v1/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	// Webhooks
	r.Post("/webhook", s.handleWebhook)
	r.Post("/webhook/{event}", s.handleWebhook)

	// Lifecycle
	r.Post("/lifecycle/installed", s.handleInstalled)
	r.Post("/lifecycle/deleted", s.handleDeleted)

	// Rule management
	r.Route("/api/v1/workspaces/{workspaceId}", func(r chi.Router) {
		r.Use(s.workspaceContext)
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Delete("/", s.handleDeleteAllRules)
			r.Post("/refresh", s.handleRefresh)

			r.Get("/{ruleId}", s.handleGetRule)
			r.Put("/{ruleId}", s.handleUpdateRule)
			r.Delete("/{ruleId}", s.handleDeleteRule)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request and feeds the HTTP error counters
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		switch {
		case status >= 500:
			logger.ErrorHttp5xx()
		case status >= 400:
			logger.WarnHttp4xx(status)
		}
		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// workspaceContext validates the workspace path parameter and requires a
// platform token issued for that workspace
func (s *Server) workspaceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		workspaceID := chi.URLParam(r, "workspaceId")
		if err := multitenantengine.ValidateWorkspaceID(workspaceID); err != nil {
			respondError(w, http.StatusBadRequest, "invalid workspace id", err)
			return
		}
		if err := s.verifyPlatformToken(r, workspaceID); err != nil {
			var authErr *auth.Error
			if errors.As(err, &authErr) {
				logger.WarnAuthFailure(workspaceID, authErr.Reason)
				respondError(w, authErr.Status, "unauthorized", nil)
				return
			}
			respondError(w, http.StatusInternalServerError, "token verification failed", err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// verifyPlatformToken checks the platform token of a lifecycle or management
// call against workspaceID. Without a verifier every call is refused unless
// unsigned calls were explicitly allowed.
func (s *Server) verifyPlatformToken(r *http.Request, workspaceID string) error {
	if s.deps.JWT == nil {
		if s.deps.AllowUnsigned {
			logger.Warn("INSECURE: call accepted without a platform token", "workspace_id", workspaceID, "path", r.URL.Path)
			return nil
		}
		return &auth.Error{Status: http.StatusUnauthorized, Reason: "no platform key configured"}
	}
	_, err := s.deps.JWT.VerifyToken(bearerToken(r), workspaceID)
	return err
}

func bearerToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		return h
	}
	if h := strings.TrimSpace(r.Header.Get("X-Addon-Token")); h != "" {
		return h
	}
	v, _ := auth.SignatureFromHeader(r.Header)
	return v
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large", nil)
			return nil, false
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", err)
		return nil, false
	}
	return body, true
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:       "healthy",
		Storage:      s.deps.StorageName,
		Idempotency:  s.deps.IdempotencyName,
		ApplyChanges: s.deps.ApplyChanges,
		Cache:        s.deps.Manager.Stats(),
		Counters:     logger.Counters(),
	}
	if s.deps.Governor != nil {
		resp.RateBuckets = s.deps.Governor.Workspaces()
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	var err error
	if s.deps.DB != nil {
		if pingErr := s.deps.DB.PingContext(ctx); pingErr != nil {
			err = fmt.Errorf("database: %w", pingErr)
		}
	}
	if err == nil && s.deps.Redis != nil {
		if pingErr := s.deps.Redis.Ping(ctx).Err(); pingErr != nil {
			err = fmt.Errorf("redis: %w", pingErr)
		}
	}
	if err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// Webhook handler
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	summary, err := s.deps.Processor.Process(r.Context(), webhook.Request{
		EventType: chi.URLParam(r, "event"),
		Header:    r.Header,
		Body:      body,
	})
	if err != nil {
		status := webhook.StatusOf(err)
		if status >= 500 {
			logger.Error("Webhook processing failed", "error", err)
			respondError(w, status, "webhook processing failed", nil)
			return
		}
		var authErr *auth.Error
		if errors.As(err, &authErr) {
			respondError(w, status, "unauthorized", nil)
			return
		}
		respondError(w, status, "invalid webhook", err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// Installed lifecycle handler
func (s *Server) handleInstalled(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req InstalledRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := multitenantengine.ValidateWorkspaceID(req.WorkspaceID); err != nil {
		respondError(w, http.StatusBadRequest, "invalid workspace id", err)
		return
	}
	if strings.TrimSpace(req.AuthToken) == "" {
		respondError(w, http.StatusBadRequest, "authToken is required", nil)
		return
	}
	if err := s.verifyPlatformToken(r, req.WorkspaceID); err != nil {
		logger.WarnAuthFailure(req.WorkspaceID, "lifecycle token rejected")
		respondError(w, statusOrInternal(err), "unauthorized", nil)
		return
	}

	inst := &installation.Installation{
		WorkspaceID: req.WorkspaceID,
		AddonID:     req.AddonID,
		Token:       req.AuthToken,
		APIBaseURL:  req.APIURL,
		InstalledAt: time.Now().UTC(),
	}
	if err := s.deps.Installations.Save(r.Context(), inst); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to save installation", err)
		return
	}
	logger.Info("Add-on installed", "workspace_id", req.WorkspaceID, "addon_id", req.AddonID)

	respondJSON(w, http.StatusOK, InstallationResponse{WorkspaceID: req.WorkspaceID, Status: "installed"})
}

// Deleted lifecycle handler
func (s *Server) handleDeleted(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req DeletedRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := multitenantengine.ValidateWorkspaceID(req.WorkspaceID); err != nil {
		respondError(w, http.StatusBadRequest, "invalid workspace id", err)
		return
	}
	if err := s.verifyPlatformToken(r, req.WorkspaceID); err != nil {
		logger.WarnAuthFailure(req.WorkspaceID, "lifecycle token rejected")
		respondError(w, statusOrInternal(err), "unauthorized", nil)
		return
	}

	if _, err := s.deps.Installations.Delete(r.Context(), req.WorkspaceID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete installation", err)
		return
	}
	deleted, err := s.deps.Manager.DeleteAllRules(r.Context(), req.WorkspaceID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete rules", err)
		return
	}
	logger.Info("Add-on deleted", "workspace_id", req.WorkspaceID, "rules_deleted", deleted)

	respondJSON(w, http.StatusOK, InstallationResponse{WorkspaceID: req.WorkspaceID, Status: "deleted", RulesDeleted: deleted})
}

func statusOrInternal(err error) int {
	if status := auth.StatusOf(err); status != 0 {
		return status
	}
	return http.StatusInternalServerError
}

// List rules handler
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")
	store := s.deps.Manager.Store()

	enabledOnly := false
	if v := r.URL.Query().Get("enabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "enabled must be a boolean", err)
			return
		}
		enabledOnly = b
	}

	var (
		list []*rules.Rule
		err  error
	)
	if enabledOnly {
		list, err = store.ListEnabled(r.Context(), workspaceID)
	} else {
		list, err = store.ListAll(r.Context(), workspaceID)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}

	respondJSON(w, http.StatusOK, RulesListResponse{WorkspaceID: workspaceID, Count: len(list), Rules: list})
}

func (s *Server) decodeRule(w http.ResponseWriter, r *http.Request) (*rules.Rule, bool) {
	body, ok := s.readBody(w, r)
	if !ok {
		return nil, false
	}
	if err := rules.CheckDocument(body); err != nil {
		var verr *rules.ValidationError
		if errors.As(err, &verr) {
			respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid rule document", Field: verr.Field, Details: verr.Message})
			return nil, false
		}
		respondError(w, http.StatusInternalServerError, "failed to check rule document", err)
		return nil, false
	}
	var rule rules.Rule
	if err := json.Unmarshal(body, &rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return nil, false
	}
	return &rule, true
}

func (s *Server) saveRule(w http.ResponseWriter, r *http.Request, workspaceID string, rule *rules.Rule, status int) {
	saved, err := s.deps.Manager.SaveRule(r.Context(), workspaceID, rule)
	if err != nil {
		var verr *rules.ValidationError
		if errors.As(err, &verr) {
			respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Field: verr.Field, Details: verr.Message})
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to save rule", err)
		return
	}
	respondJSON(w, status, saved)
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.decodeRule(w, r)
	if !ok {
		return
	}
	s.saveRule(w, r, chi.URLParam(r, "workspaceId"), rule, http.StatusCreated)
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")
	ruleID := chi.URLParam(r, "ruleId")

	rule, err := s.deps.Manager.Store().Get(r.Context(), workspaceID, ruleID)
	if errors.Is(err, rules.ErrRuleNotFound) {
		respondError(w, http.StatusNotFound, "rule not found", nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// Update rule handler
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")
	ruleID := chi.URLParam(r, "ruleId")

	exists, err := s.deps.Manager.Store().Exists(r.Context(), workspaceID, ruleID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to look up rule", err)
		return
	}
	if !exists {
		respondError(w, http.StatusNotFound, "rule not found", nil)
		return
	}

	rule, ok := s.decodeRule(w, r)
	if !ok {
		return
	}
	rule.ID = ruleID
	s.saveRule(w, r, workspaceID, rule, http.StatusOK)
}

// Delete rule handler
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")
	ruleID := chi.URLParam(r, "ruleId")

	deleted, err := s.deps.Manager.DeleteRule(r.Context(), workspaceID, ruleID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete rule", err)
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "rule not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete all rules handler
func (s *Server) handleDeleteAllRules(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")

	deleted, err := s.deps.Manager.DeleteAllRules(r.Context(), workspaceID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete rules", err)
		return
	}
	respondJSON(w, http.StatusOK, DeleteRulesResponse{WorkspaceID: workspaceID, Deleted: deleted})
}

// Cache refresh handler
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")

	enabled, err := s.deps.Manager.Refresh(r.Context(), workspaceID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to refresh rules", err)
		return
	}
	respondJSON(w, http.StatusOK, RefreshResponse{WorkspaceID: workspaceID, EnabledRules: len(enabled), RefreshedAt: time.Now().UTC()})
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}
