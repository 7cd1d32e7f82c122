package main

import (
	"time"

	"github.com/liamcoop/timerules/multitenantengine"
	"github.com/liamcoop/timerules/rules"
)

// API request and response models

// InstalledRequest is the lifecycle payload sent when the add-on is installed
type InstalledRequest struct {
	AddonID     string `json:"addonId"`
	AuthToken   string `json:"authToken"`
	WorkspaceID string `json:"workspaceId"`
	APIURL      string `json:"apiUrl"`
	AsUser      string `json:"asUser,omitempty"`
}

// DeletedRequest is the lifecycle payload sent when the add-on is removed
type DeletedRequest struct {
	AddonID     string `json:"addonId"`
	WorkspaceID string `json:"workspaceId"`
}

// InstallationResponse confirms a lifecycle change
type InstallationResponse struct {
	WorkspaceID  string `json:"workspaceId"`
	Status       string `json:"status"`
	RulesDeleted int    `json:"rulesDeleted,omitempty"`
}

// RulesListResponse represents the response for listing rules
type RulesListResponse struct {
	WorkspaceID string        `json:"workspaceId"`
	Count       int           `json:"count"`
	Rules       []*rules.Rule `json:"rules"`
}

// DeleteRulesResponse reports a bulk delete
type DeleteRulesResponse struct {
	WorkspaceID string `json:"workspaceId"`
	Deleted     int    `json:"deleted"`
}

// RefreshResponse reports the rules loaded by a cache refresh
type RefreshResponse struct {
	WorkspaceID  string    `json:"workspaceId"`
	EnabledRules int       `json:"enabledRules"`
	RefreshedAt  time.Time `json:"refreshedAt"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status       string                  `json:"status"`
	Storage      string                  `json:"storage"`
	Idempotency  string                  `json:"idempotency"`
	ApplyChanges bool                    `json:"applyChanges"`
	Cache        multitenantengine.Stats `json:"cache"`
	RateBuckets  int                     `json:"rateLimitBuckets"`
	Counters     map[string]int64        `json:"counters"`
	Error        string                  `json:"error,omitempty"`
}
