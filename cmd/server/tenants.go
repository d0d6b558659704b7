package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/liamcoop/featurerules/internal/logger"
	"github.com/liamcoop/featurerules/multitenantengine"
	"github.com/liamcoop/featurerules/rules"
)

// List tenants handler
func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(),
		"SELECT id, name, created_at, updated_at FROM tenants ORDER BY created_at DESC")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tenants", err)
		return
	}
	defer rows.Close()

	resp := TenantsListResponse{Tenants: []TenantResponse{}}
	for rows.Next() {
		var t TenantResponse
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to scan tenant", err)
			return
		}
		resp.Tenants = append(resp.Tenants, t)
	}
	if err := rows.Err(); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tenants", err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// Create tenant handler
func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	var settings multitenantengine.Settings
	if req.Settings != nil {
		settings = *req.Settings
	}
	if err := multitenantengine.ValidateSettings(settings); err != nil {
		respondError(w, http.StatusBadRequest, "invalid settings", err)
		return
	}

	var t TenantResponse
	err := s.db.QueryRowContext(r.Context(), `
		INSERT INTO tenants (name, created_at, updated_at)
		VALUES ($1, NOW(), NOW())
		RETURNING id, name, created_at, updated_at
	`, req.Name).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create tenant", err)
		return
	}

	if err := s.tenants.UpdateTenantSettings(t.ID, settings); err != nil {
		// Settings naming an unknown engine leave no half-created tenant behind
		if _, delErr := s.db.ExecContext(r.Context(), "DELETE FROM tenants WHERE id = $1", t.ID); delErr != nil {
			s.log.Error("failed to remove tenant after settings error", "tenant", t.ID, "error", delErr)
		}
		s.respondSettingsError(w, err)
		return
	}

	s.log.Info("tenant created", "tenant", t.ID, "name", t.Name)
	respondJSON(w, http.StatusCreated, t)
}

// Delete tenant handler
func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.requireTenant(w, r)
	if !ok {
		return
	}

	if _, err := s.db.ExecContext(r.Context(), "DELETE FROM tenants WHERE id = $1", tenantID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete tenant", err)
		return
	}

	if err := s.tenants.DeleteTenant(tenantID); err != nil && !errors.Is(err, multitenantengine.ErrTenantNotFound) {
		s.log.Warn("failed to evict tenant evaluator", "tenant", tenantID, "error", err)
	}

	s.log.Info("tenant deleted", "tenant", tenantID)
	w.WriteHeader(http.StatusNoContent)
}

// Get settings handler
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.requireTenant(w, r)
	if !ok {
		return
	}

	te, err := s.tenants.Tenant(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	_, version, err := multitenantengine.NewPostgresSettingsStore(s.db).Active(tenantID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusInternalServerError, "failed to get settings", err)
		return
	}

	respondJSON(w, http.StatusOK, SettingsResponse{
		Version:  version,
		Engine:   te.Evaluator.EngineName(),
		Settings: te.Settings,
	})
}

// Update settings handler
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.requireTenant(w, r)
	if !ok {
		return
	}

	var settings multitenantengine.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := multitenantengine.ValidateSettings(settings); err != nil {
		respondError(w, http.StatusBadRequest, "invalid settings", err)
		return
	}

	if err := s.tenants.UpdateTenantSettings(tenantID, settings); err != nil {
		s.respondSettingsError(w, err)
		return
	}

	s.handleGetSettings(w, r)
}

func (s *Server) respondSettingsError(w http.ResponseWriter, err error) {
	if errors.Is(err, rules.ErrEngineResolution) {
		respondError(w, http.StatusBadRequest, "unknown script engine", err)
		return
	}
	respondError(w, http.StatusInternalServerError, "failed to update settings", err)
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.requireTenant(w, r)
	if !ok {
		return
	}

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := validateRule(req.Name, req.Expression); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	rule := &rules.Rule{
		ID:         uuid.New().String(),
		Name:       req.Name,
		Expression: req.Expression,
		Active:     req.Active == nil || *req.Active,
	}

	store := rules.NewPostgresRuleStore(s.db, tenantID)
	if err := store.Add(rule); err != nil {
		respondStoreError(w, "failed to add rule", err)
		return
	}

	if !s.reloadTenant(w, tenantID) {
		return
	}
	respondJSON(w, http.StatusCreated, toRuleResponse(rule))
}

// List rules handler
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.requireTenant(w, r)
	if !ok {
		return
	}

	list, err := rules.NewPostgresRuleStore(s.db, tenantID).List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}

	resp := RulesListResponse{Rules: make([]RuleResponse, 0, len(list))}
	for _, rule := range list {
		resp.Rules = append(resp.Rules, toRuleResponse(rule))
	}
	respondJSON(w, http.StatusOK, resp)
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.requireTenant(w, r)
	if !ok {
		return
	}

	rule, err := rules.NewPostgresRuleStore(s.db, tenantID).Get(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondStoreError(w, "failed to get rule", err)
		return
	}

	respondJSON(w, http.StatusOK, toRuleResponse(rule))
}

// Update rule handler. Empty fields keep their stored values.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.requireTenant(w, r)
	if !ok {
		return
	}

	var req UpdateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	store := rules.NewPostgresRuleStore(s.db, tenantID)
	rule, err := store.Get(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondStoreError(w, "failed to get rule", err)
		return
	}

	if req.Name != "" {
		rule.Name = req.Name
	}
	if req.Expression != "" {
		rule.Expression = req.Expression
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}

	if err := validateRule(rule.Name, rule.Expression); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	if err := store.Update(rule); err != nil {
		respondStoreError(w, "failed to update rule", err)
		return
	}

	if !s.reloadTenant(w, tenantID) {
		return
	}
	respondJSON(w, http.StatusOK, toRuleResponse(rule))
}

// Delete rule handler
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.requireTenant(w, r)
	if !ok {
		return
	}

	if err := rules.NewPostgresRuleStore(s.db, tenantID).Delete(chi.URLParam(r, "ruleId")); err != nil {
		respondStoreError(w, "failed to delete rule", err)
		return
	}

	if !s.reloadTenant(w, tenantID) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireTenant resolves the tenantId URL parameter to a loaded tenant
func (s *Server) requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := chi.URLParam(r, "tenantId")
	if _, err := uuid.Parse(tenantID); err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", nil)
		return "", false
	}
	if _, err := s.tenants.GetEvaluator(tenantID); err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return "", false
	}
	return tenantID, true
}

// reloadTenant swaps in an evaluator for the tenant's changed rules
func (s *Server) reloadTenant(w http.ResponseWriter, tenantID string) bool {
	logger.RuleReloads.Add(1)
	if err := s.tenants.ReloadTenant(tenantID); err != nil {
		logger.RuleReloadErrors.Add(1)
		s.log.Error("tenant reload failed", "tenant", tenantID, "error", err)
		respondError(w, http.StatusInternalServerError, "rule saved but evaluator reload failed", err)
		return false
	}
	return true
}

func validateRule(name, expression string) error {
	if err := multitenantengine.ValidateFeatureName(name); err != nil {
		return err
	}
	return multitenantengine.ValidateExpression(expression)
}

func respondStoreError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, rules.ErrRuleNotFound):
		respondError(w, http.StatusNotFound, "rule not found", err)
	case errors.Is(err, rules.ErrRuleExists):
		respondError(w, http.StatusConflict, "rule already exists", err)
	default:
		respondError(w, http.StatusInternalServerError, message, err)
	}
}
