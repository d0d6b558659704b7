package main

import (
	"time"

	"github.com/liamcoop/featurerules/multitenantengine"
	"github.com/liamcoop/featurerules/rules"
)

// API request and response models

// CreateTenantRequest represents the request body for creating a tenant
type CreateTenantRequest struct {
	Name     string                      `json:"name"`
	Settings *multitenantengine.Settings `json:"settings,omitempty"`
}

// TenantResponse represents a tenant in API responses
type TenantResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TenantsListResponse represents the response for listing tenants
type TenantsListResponse struct {
	Tenants []TenantResponse `json:"tenants"`
}

// SettingsResponse represents a tenant's active evaluator settings
type SettingsResponse struct {
	Version  int                        `json:"version"`
	Engine   string                     `json:"engine"`
	Settings multitenantengine.Settings `json:"settings"`
}

// CreateRuleRequest represents the request body for creating a rule
type CreateRuleRequest struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Active     *bool  `json:"active,omitempty"`
}

// UpdateRuleRequest represents the request body for updating a rule
type UpdateRuleRequest struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Active     *bool  `json:"active,omitempty"`
}

// RuleResponse represents a rule in API responses
type RuleResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RulesListResponse represents the response for listing rules
type RulesListResponse struct {
	Rules []RuleResponse `json:"rules"`
}

// EvaluateRequest represents the request body for evaluating features.
// An empty Features list evaluates every rule of the tenant.
type EvaluateRequest struct {
	TenantID string   `json:"tenantId"`
	Features []string `json:"features,omitempty"`
	Context  any      `json:"context"`
}

// EvaluationResultResponse represents a single feature evaluation
type EvaluationResultResponse struct {
	Feature string `json:"feature"`
	Enabled bool   `json:"enabled"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// EvaluateResponse represents the response for feature evaluation
type EvaluateResponse struct {
	Results        []EvaluationResultResponse `json:"results"`
	EvaluationTime string                     `json:"evaluationTime"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string           `json:"status"`
	Mode          string           `json:"mode"`
	TenantsLoaded int              `json:"tenantsLoaded,omitempty"`
	Features      int              `json:"features,omitempty"`
	Error         string           `json:"error,omitempty"`
	Stats         map[string]int64 `json:"stats"`
}

func toRuleResponse(r *rules.Rule) RuleResponse {
	return RuleResponse{
		ID:         r.ID,
		Name:       r.Name,
		Expression: r.Expression,
		Active:     r.Active,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func toResultResponse(res *rules.EvaluationResult) EvaluationResultResponse {
	out := EvaluationResultResponse{
		Feature: res.Feature,
		Enabled: res.Enabled,
		Outcome: string(res.Outcome),
	}
	if res.Fault != nil {
		out.Error = res.Fault.Error()
	}
	return out
}
