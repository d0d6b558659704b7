package multitenantengine

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/liamcoop/featurerules/rules"
)

// ErrTenantNotFound is returned for tenants without a loaded evaluator
var ErrTenantNotFound = errors.New("tenant not found")

// Settings is a tenant's evaluator configuration
type Settings struct {
	// ContextVariable binds the whole evaluation context under one name
	ContextVariable string `json:"contextVariable,omitempty"`
	// Engine names the script engine; empty picks the registry default
	Engine string `json:"engine,omitempty"`
	// EnableMissing is the answer for features without an active rule
	EnableMissing bool `json:"enableMissing"`
	// EnableOnError is the answer when a rule script fails
	EnableOnError bool `json:"enableOnError"`
}

// SettingsStore persists tenant settings
type SettingsStore interface {
	// LoadAll returns the active settings of every tenant. Tenants without
	// stored settings map to the zero Settings.
	LoadAll() (map[string]Settings, error)

	// Save stores settings as the tenant's new active version
	Save(tenantID string, settings Settings) (version int, err error)
}

// StoreFactory opens the rule store of a tenant
type StoreFactory func(tenantID string) rules.RuleStore

// TenantEvaluator pairs a tenant's settings with the evaluator built from them
type TenantEvaluator struct {
	TenantID  string
	Settings  Settings
	Evaluator *rules.Evaluator
}

// MultiTenantEngineManager keeps one evaluator per tenant. Evaluators are
// immutable; every change builds a new one and swaps it in.
type MultiTenantEngineManager struct {
	evaluators map[string]*TenantEvaluator
	settings   SettingsStore
	stores     StoreFactory
	base       rules.Config
	logger     *slog.Logger
	mu         sync.RWMutex

	// serializes rebuilds so an older snapshot never replaces a newer one
	buildMu sync.Mutex
}

// NewMultiTenantEngineManager creates a manager backed by PostgreSQL. base
// supplies the engine registry, logger and observer shared by all tenants.
func NewMultiTenantEngineManager(db *sql.DB, base rules.Config) *MultiTenantEngineManager {
	return NewManager(NewPostgresSettingsStore(db), func(tenantID string) rules.RuleStore {
		return rules.NewPostgresRuleStore(db, tenantID)
	}, base)
}

// NewManager creates a manager over arbitrary stores
func NewManager(settings SettingsStore, stores StoreFactory, base rules.Config) *MultiTenantEngineManager {
	logger := base.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiTenantEngineManager{
		evaluators: make(map[string]*TenantEvaluator),
		settings:   settings,
		stores:     stores,
		base:       base,
		logger:     logger,
	}
}

// LoadAllTenants builds evaluators for every stored tenant
func (m *MultiTenantEngineManager) LoadAllTenants() error {
	all, err := m.settings.LoadAll()
	if err != nil {
		return fmt.Errorf("failed to fetch tenants: %w", err)
	}

	for tenantID, settings := range all {
		if err := m.CreateTenant(tenantID, settings); err != nil {
			return fmt.Errorf("failed to initialize tenant %s: %w", tenantID, err)
		}
	}

	m.logger.Info("tenants loaded", "count", len(all))
	return nil
}

// CreateTenant builds and registers an evaluator for tenantID from its
// current active rules. Settings are not persisted.
func (m *MultiTenantEngineManager) CreateTenant(tenantID string, settings Settings) error {
	if err := ValidateSettings(settings); err != nil {
		return err
	}

	m.buildMu.Lock()
	defer m.buildMu.Unlock()

	te, err := m.build(tenantID, settings)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.evaluators[tenantID] = te
	m.mu.Unlock()
	return nil
}

// Tenant returns the tenant's settings and evaluator as one consistent pair
func (m *MultiTenantEngineManager) Tenant(tenantID string) (*TenantEvaluator, error) {
	return m.tenant(tenantID)
}

// GetEvaluator returns the current evaluator of a tenant
func (m *MultiTenantEngineManager) GetEvaluator(tenantID string) (*rules.Evaluator, error) {
	te, err := m.tenant(tenantID)
	if err != nil {
		return nil, err
	}
	return te.Evaluator, nil
}

// GetSettings returns the settings the tenant's evaluator was built with
func (m *MultiTenantEngineManager) GetSettings(tenantID string) (Settings, error) {
	te, err := m.tenant(tenantID)
	if err != nil {
		return Settings{}, err
	}
	return te.Settings, nil
}

// ReloadTenant rebuilds the tenant's evaluator from a fresh rule snapshot.
// On failure the previous evaluator stays in place.
func (m *MultiTenantEngineManager) ReloadTenant(tenantID string) error {
	m.buildMu.Lock()
	defer m.buildMu.Unlock()

	current, err := m.tenant(tenantID)
	if err != nil {
		return err
	}

	te, err := m.build(tenantID, current.Settings)
	if err != nil {
		m.logger.Warn("tenant reload failed", "tenant", tenantID, "error", err)
		return err
	}

	m.mu.Lock()
	m.evaluators[tenantID] = te
	m.mu.Unlock()

	m.logger.Debug("tenant reloaded", "tenant", tenantID, "rules", len(te.Evaluator.Features()))
	return nil
}

// UpdateTenantSettings persists new settings and swaps in an evaluator
// built from them. Unknown tenants are created.
func (m *MultiTenantEngineManager) UpdateTenantSettings(tenantID string, settings Settings) error {
	if err := ValidateSettings(settings); err != nil {
		return err
	}

	m.buildMu.Lock()
	defer m.buildMu.Unlock()

	// Build first so settings naming an unknown engine are never stored
	te, err := m.build(tenantID, settings)
	if err != nil {
		return err
	}

	version, err := m.settings.Save(tenantID, settings)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}

	m.mu.Lock()
	m.evaluators[tenantID] = te
	m.mu.Unlock()

	m.logger.Info("tenant settings updated", "tenant", tenantID, "version", version,
		"engine", te.Evaluator.EngineName())
	return nil
}

// ListTenants returns all loaded tenant IDs, sorted
func (m *MultiTenantEngineManager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]string, 0, len(m.evaluators))
	for tenantID := range m.evaluators {
		tenants = append(tenants, tenantID)
	}
	sort.Strings(tenants)
	return tenants
}

// DeleteTenant drops a tenant's evaluator. Stored data is left untouched.
// It waits for in-flight rebuilds so a reload cannot restore the tenant.
func (m *MultiTenantEngineManager) DeleteTenant(tenantID string) error {
	m.buildMu.Lock()
	defer m.buildMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.evaluators[tenantID]; !exists {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}

	delete(m.evaluators, tenantID)
	return nil
}

func (m *MultiTenantEngineManager) tenant(tenantID string) (*TenantEvaluator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	te, exists := m.evaluators[tenantID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return te, nil
}

func (m *MultiTenantEngineManager) build(tenantID string, settings Settings) (*TenantEvaluator, error) {
	ruleSet, err := rules.LoadRuleSet(m.stores(tenantID))
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for tenant %s: %w", tenantID, err)
	}

	cfg := m.base
	cfg.ContextVariableName = settings.ContextVariable
	cfg.EngineName = settings.Engine
	cfg.OnRuleNotFound = rules.Always(settings.EnableMissing)
	cfg.OnScriptError = rules.AlwaysOnFault(settings.EnableOnError)
	cfg.Logger = m.logger.With("tenant", tenantID)

	ev, err := rules.NewEvaluator(ruleSet, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluator for tenant %s: %w", tenantID, err)
	}

	return &TenantEvaluator{
		TenantID:  tenantID,
		Settings:  settings,
		Evaluator: ev,
	}, nil
}
