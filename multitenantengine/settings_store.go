package multitenantengine

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresSettingsStore keeps versioned tenant settings in tenant_settings
type PostgresSettingsStore struct {
	db *sql.DB
}

// NewPostgresSettingsStore creates a settings store over db
func NewPostgresSettingsStore(db *sql.DB) *PostgresSettingsStore {
	return &PostgresSettingsStore{db: db}
}

// LoadAll returns the active settings of every tenant
func (s *PostgresSettingsStore) LoadAll() (map[string]Settings, error) {
	rows, err := s.db.Query(`
		SELECT t.id, s.definition
		FROM tenants t
		LEFT JOIN tenant_settings s ON s.tenant_id = t.id AND s.active = true
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	all := make(map[string]Settings)
	for rows.Next() {
		var tenantID string
		var definition []byte
		if err := rows.Scan(&tenantID, &definition); err != nil {
			return nil, fmt.Errorf("failed to scan tenant row: %w", err)
		}

		var settings Settings
		if definition != nil {
			if err := json.Unmarshal(definition, &settings); err != nil {
				return nil, fmt.Errorf("invalid settings for tenant %s: %w", tenantID, err)
			}
		}
		all[tenantID] = settings
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant rows: %w", err)
	}
	return all, nil
}

// Save deactivates the current version and inserts settings as the next one
func (s *PostgresSettingsStore) Save(tenantID string, settings Settings) (int, error) {
	definition, err := json.Marshal(settings)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal settings: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE tenant_settings
		SET active = false
		WHERE tenant_id = $1 AND active = true
	`, tenantID); err != nil {
		return 0, fmt.Errorf("failed to deactivate old settings: %w", err)
	}

	var version int
	err = tx.QueryRow(`
		INSERT INTO tenant_settings (tenant_id, version, definition, active, created_at)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, true, NOW()
		FROM tenant_settings
		WHERE tenant_id = $1
		RETURNING version
	`, tenantID, definition).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to insert settings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit settings: %w", err)
	}
	return version, nil
}

// Active returns the tenant's active settings and their version.
// sql.ErrNoRows is returned when none are stored.
func (s *PostgresSettingsStore) Active(tenantID string) (Settings, int, error) {
	var definition []byte
	var version int
	err := s.db.QueryRow(`
		SELECT version, definition
		FROM tenant_settings
		WHERE tenant_id = $1 AND active = true
	`, tenantID).Scan(&version, &definition)
	if err != nil {
		return Settings{}, 0, err
	}

	var settings Settings
	if err := json.Unmarshal(definition, &settings); err != nil {
		return Settings{}, 0, fmt.Errorf("invalid settings for tenant %s: %w", tenantID, err)
	}
	return settings, version, nil
}
