package multitenantengine

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/featurerules/engines/celexpr"
	"github.com/liamcoop/featurerules/engines/javascript"
	"github.com/liamcoop/featurerules/rules"
)

// memorySettings is a SettingsStore kept in a map
type memorySettings struct {
	mu       sync.Mutex
	active   map[string]Settings
	versions map[string]int
	failSave error
}

func newMemorySettings(initial map[string]Settings) *memorySettings {
	s := &memorySettings{active: map[string]Settings{}, versions: map[string]int{}}
	for id, settings := range initial {
		s.active[id] = settings
		s.versions[id] = 1
	}
	return s
}

func (s *memorySettings) LoadAll() (map[string]Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Settings, len(s.active))
	for id, settings := range s.active {
		out[id] = settings
	}
	return out, nil
}

func (s *memorySettings) Save(tenantID string, settings Settings) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return 0, s.failSave
	}
	s.active[tenantID] = settings
	s.versions[tenantID]++
	return s.versions[tenantID], nil
}

type testTenants struct {
	settings *memorySettings
	stores   map[string]*rules.InMemoryRuleStore
	manager  *MultiTenantEngineManager
}

func newTestTenants(t *testing.T, initial map[string]Settings) *testTenants {
	t.Helper()

	registry := rules.NewRegistry()
	if err := javascript.Register(registry); err != nil {
		t.Fatalf("Failed to register javascript: %v", err)
	}
	if err := celexpr.Register(registry); err != nil {
		t.Fatalf("Failed to register cel: %v", err)
	}

	tt := &testTenants{
		settings: newMemorySettings(initial),
		stores:   map[string]*rules.InMemoryRuleStore{},
	}
	for id := range initial {
		tt.stores[id] = rules.NewInMemoryRuleStore()
	}
	tt.manager = NewManager(tt.settings, func(tenantID string) rules.RuleStore {
		store, ok := tt.stores[tenantID]
		if !ok {
			store = rules.NewInMemoryRuleStore()
			tt.stores[tenantID] = store
		}
		return store
	}, rules.Config{Registry: registry})
	return tt
}

func (tt *testTenants) addRule(t *testing.T, tenantID, feature, expression string) {
	t.Helper()
	store, ok := tt.stores[tenantID]
	if !ok {
		store = rules.NewInMemoryRuleStore()
		tt.stores[tenantID] = store
	}
	rule := &rules.Rule{
		ID:         fmt.Sprintf("%s-%s", tenantID, feature),
		Name:       feature,
		Expression: expression,
		Active:     true,
	}
	if err := store.Add(rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}
}

func TestManager_LoadAllTenants(t *testing.T) {
	tt := newTestTenants(t, map[string]Settings{
		"acme":   {ContextVariable: "ctx"},
		"globex": {Engine: "cel"},
	})
	tt.addRule(t, "acme", "beta", "ctx.plan === 'pro'")
	tt.addRule(t, "globex", "beta", `plan == "pro"`)

	if err := tt.manager.LoadAllTenants(); err != nil {
		t.Fatalf("Failed to load tenants: %v", err)
	}

	tenants := tt.manager.ListTenants()
	if len(tenants) != 2 || tenants[0] != "acme" || tenants[1] != "globex" {
		t.Fatalf("Unexpected tenants: %v", tenants)
	}

	for _, id := range tenants {
		ev, err := tt.manager.GetEvaluator(id)
		if err != nil {
			t.Fatalf("Failed to get evaluator for %s: %v", id, err)
		}
		enabled, err := ev.Evaluate("beta", map[string]any{"plan": "pro"})
		if err != nil {
			t.Fatalf("Evaluate failed for %s: %v", id, err)
		}
		if !enabled {
			t.Errorf("Expected beta to be enabled for %s", id)
		}
	}

	ev, _ := tt.manager.GetEvaluator("globex")
	if ev.EngineName() != celexpr.Name {
		t.Errorf("Expected globex to use cel, got %s", ev.EngineName())
	}
}

func TestManager_UnknownTenant(t *testing.T) {
	tt := newTestTenants(t, nil)

	if _, err := tt.manager.GetEvaluator("nobody"); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("Expected ErrTenantNotFound, got %v", err)
	}
	if err := tt.manager.ReloadTenant("nobody"); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("Expected ErrTenantNotFound on reload, got %v", err)
	}
	if err := tt.manager.DeleteTenant("nobody"); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("Expected ErrTenantNotFound on delete, got %v", err)
	}
}

func TestManager_ReloadTenantSwapsEvaluator(t *testing.T) {
	tt := newTestTenants(t, map[string]Settings{"acme": {}})
	if err := tt.manager.LoadAllTenants(); err != nil {
		t.Fatalf("Failed to load tenants: %v", err)
	}

	before, _ := tt.manager.GetEvaluator("acme")
	if len(before.Features()) != 0 {
		t.Fatalf("Expected no features, got %v", before.Features())
	}

	tt.addRule(t, "acme", "beta", "true")
	if err := tt.manager.ReloadTenant("acme"); err != nil {
		t.Fatalf("Failed to reload tenant: %v", err)
	}

	after, _ := tt.manager.GetEvaluator("acme")
	if before == after {
		t.Fatal("Expected a new evaluator after reload")
	}
	if len(before.Features()) != 0 {
		t.Error("Reload must not change the previous evaluator")
	}
	enabled, err := after.Evaluate("beta", nil)
	if err != nil || !enabled {
		t.Errorf("Expected beta enabled after reload, got %v (%v)", enabled, err)
	}
}

func TestManager_ReloadKeepsPreviousOnConflict(t *testing.T) {
	tt := newTestTenants(t, map[string]Settings{"acme": {}})
	tt.addRule(t, "acme", "beta", "true")
	if err := tt.manager.LoadAllTenants(); err != nil {
		t.Fatalf("Failed to load tenants: %v", err)
	}
	before, _ := tt.manager.GetEvaluator("acme")

	// A second active rule for the same feature cannot be loaded
	if err := tt.stores["acme"].Add(&rules.Rule{ID: "dup", Name: "beta", Expression: "false", Active: true}); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}
	if err := tt.manager.ReloadTenant("acme"); err == nil {
		t.Fatal("Expected reload to fail on duplicate feature")
	}

	after, _ := tt.manager.GetEvaluator("acme")
	if before != after {
		t.Error("Failed reload must keep the previous evaluator")
	}
}

func TestManager_UpdateTenantSettings(t *testing.T) {
	tt := newTestTenants(t, map[string]Settings{"acme": {}})
	tt.addRule(t, "acme", "broken", "throw new Error('boom')")
	if err := tt.manager.LoadAllTenants(); err != nil {
		t.Fatalf("Failed to load tenants: %v", err)
	}

	ev, _ := tt.manager.GetEvaluator("acme")
	if enabled, _ := ev.Evaluate("broken", nil); enabled {
		t.Error("Expected script errors to disable the feature by default")
	}
	if enabled, _ := ev.Evaluate("missing", nil); enabled {
		t.Error("Expected missing rules to disable the feature by default")
	}

	updated := Settings{EnableMissing: true, EnableOnError: true}
	if err := tt.manager.UpdateTenantSettings("acme", updated); err != nil {
		t.Fatalf("Failed to update settings: %v", err)
	}

	ev, _ = tt.manager.GetEvaluator("acme")
	if enabled, _ := ev.Evaluate("broken", nil); !enabled {
		t.Error("Expected script error policy to enable the feature")
	}
	if enabled, _ := ev.Evaluate("missing", nil); !enabled {
		t.Error("Expected missing rule policy to enable the feature")
	}

	got, err := tt.manager.GetSettings("acme")
	if err != nil || got != updated {
		t.Errorf("Expected settings %+v, got %+v (%v)", updated, got, err)
	}
	if tt.settings.versions["acme"] != 2 {
		t.Errorf("Expected settings version 2, got %d", tt.settings.versions["acme"])
	}
}

func TestManager_UpdateTenantSettingsRejectsBadEngine(t *testing.T) {
	tt := newTestTenants(t, map[string]Settings{"acme": {}})
	if err := tt.manager.LoadAllTenants(); err != nil {
		t.Fatalf("Failed to load tenants: %v", err)
	}

	err := tt.manager.UpdateTenantSettings("acme", Settings{Engine: "python"})
	if !errors.Is(err, rules.ErrEngineResolution) {
		t.Fatalf("Expected ErrEngineResolution, got %v", err)
	}
	if tt.settings.versions["acme"] != 1 {
		t.Error("Settings with an unknown engine must not be saved")
	}

	if err := tt.manager.UpdateTenantSettings("acme", Settings{ContextVariable: "function"}); err == nil {
		t.Error("Expected reserved context variable to be rejected")
	}
}

func TestManager_UpdateTenantSettingsSaveFailure(t *testing.T) {
	tt := newTestTenants(t, map[string]Settings{"acme": {}})
	if err := tt.manager.LoadAllTenants(); err != nil {
		t.Fatalf("Failed to load tenants: %v", err)
	}
	before, _ := tt.manager.GetEvaluator("acme")

	tt.settings.failSave = errors.New("disk full")
	if err := tt.manager.UpdateTenantSettings("acme", Settings{EnableMissing: true}); err == nil {
		t.Fatal("Expected save failure to be returned")
	}

	after, _ := tt.manager.GetEvaluator("acme")
	if before != after {
		t.Error("Failed save must keep the previous evaluator")
	}
}

func TestManager_UpdateTenantSettingsCreatesTenant(t *testing.T) {
	tt := newTestTenants(t, nil)

	if err := tt.manager.UpdateTenantSettings("initech", Settings{ContextVariable: "ctx"}); err != nil {
		t.Fatalf("Failed to create tenant through settings: %v", err)
	}
	if tenants := tt.manager.ListTenants(); len(tenants) != 1 || tenants[0] != "initech" {
		t.Errorf("Unexpected tenants: %v", tenants)
	}
}

func TestManager_TenantIsolation(t *testing.T) {
	tt := newTestTenants(t, map[string]Settings{"acme": {}, "globex": {}})
	tt.addRule(t, "acme", "beta", "true")
	tt.addRule(t, "globex", "beta", "false")
	if err := tt.manager.LoadAllTenants(); err != nil {
		t.Fatalf("Failed to load tenants: %v", err)
	}

	acme, _ := tt.manager.GetEvaluator("acme")
	globex, _ := tt.manager.GetEvaluator("globex")

	if enabled, _ := acme.Evaluate("beta", nil); !enabled {
		t.Error("Expected beta enabled for acme")
	}
	if enabled, _ := globex.Evaluate("beta", nil); enabled {
		t.Error("Expected beta disabled for globex")
	}

	if err := tt.manager.DeleteTenant("acme"); err != nil {
		t.Fatalf("Failed to delete tenant: %v", err)
	}
	if _, err := tt.manager.GetEvaluator("globex"); err != nil {
		t.Errorf("Deleting one tenant must not affect another: %v", err)
	}
}

func TestManager_ConcurrentReloadAndEvaluate(t *testing.T) {
	tt := newTestTenants(t, map[string]Settings{"acme": {}})
	tt.addRule(t, "acme", "beta", "true")
	if err := tt.manager.LoadAllTenants(); err != nil {
		t.Fatalf("Failed to load tenants: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := tt.manager.ReloadTenant("acme"); err != nil {
					t.Errorf("Reload failed: %v", err)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				ev, err := tt.manager.GetEvaluator("acme")
				if err != nil {
					t.Errorf("GetEvaluator failed: %v", err)
					return
				}
				if enabled, _ := ev.Evaluate("beta", nil); !enabled {
					t.Error("Expected beta to stay enabled during reloads")
					return
				}
			}
		}()
	}
	wg.Wait()
}

// gatedStore blocks ListActive until release is closed
type gatedStore struct {
	rules.RuleStore
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (s *gatedStore) ListActive() ([]*rules.Rule, error) {
	if s.gate != nil {
		s.once.Do(func() { close(s.entered) })
		<-s.gate
	}
	return s.RuleStore.ListActive()
}

func TestManager_DeleteDuringReload(t *testing.T) {
	store := &gatedStore{RuleStore: rules.NewInMemoryRuleStore()}
	manager := NewManager(newMemorySettings(nil), func(string) rules.RuleStore {
		return store
	}, rules.Config{Registry: newJSRegistry(t)})

	if err := manager.CreateTenant("acme", Settings{}); err != nil {
		t.Fatalf("Failed to create tenant: %v", err)
	}

	store.gate = make(chan struct{})
	store.entered = make(chan struct{})

	reloaded := make(chan error, 1)
	go func() { reloaded <- manager.ReloadTenant("acme") }()
	<-store.entered

	deleted := make(chan error, 1)
	go func() { deleted <- manager.DeleteTenant("acme") }()

	// Give the delete a chance to run while the reload is still building
	time.Sleep(20 * time.Millisecond)
	close(store.gate)

	if err := <-reloaded; err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if err := <-deleted; err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := manager.GetEvaluator("acme"); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("Expected deleted tenant to stay deleted, got %v", err)
	}
}

func TestManager_TenantSnapshot(t *testing.T) {
	tt := newTestTenants(t, map[string]Settings{"acme": {Engine: "cel", EnableMissing: true}})
	if err := tt.manager.LoadAllTenants(); err != nil {
		t.Fatalf("Failed to load tenants: %v", err)
	}

	te, err := tt.manager.Tenant("acme")
	if err != nil {
		t.Fatalf("Failed to get tenant: %v", err)
	}
	if te.Settings.Engine != "cel" || te.Evaluator.EngineName() != celexpr.Name {
		t.Errorf("Unexpected snapshot: %+v, engine %s", te.Settings, te.Evaluator.EngineName())
	}

	if err := tt.manager.DeleteTenant("acme"); err != nil {
		t.Fatalf("Failed to delete tenant: %v", err)
	}
	if _, err := tt.manager.Tenant("acme"); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("Expected ErrTenantNotFound, got %v", err)
	}
}

func newJSRegistry(t *testing.T) *rules.Registry {
	t.Helper()
	registry := rules.NewRegistry()
	if err := javascript.Register(registry); err != nil {
		t.Fatalf("Failed to register javascript: %v", err)
	}
	return registry
}
