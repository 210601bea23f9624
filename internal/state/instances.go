package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/manifold-dash/manifold/internal/plugin"
)

// InstanceRepo wraps the integration_instances table. Reads are on the hot
// path of every poll and subscribe; the single-connection driver serializes
// access, writes additionally hold an internal mutex.
type InstanceRepo struct {
	db *sql.DB
	mu sync.Mutex
}

// NewInstanceRepo creates an InstanceRepo for the given state.db connection.
func NewInstanceRepo(db *sql.DB) *InstanceRepo {
	return &InstanceRepo{db: db}
}

const instanceColumns = "id, type, display_name, enabled, config_json"

func scanInstance(row interface{ Scan(...any) error }) (*plugin.Instance, error) {
	var (
		inst       plugin.Instance
		enabled    int
		configJSON string
	)
	if err := row.Scan(&inst.ID, &inst.Type, &inst.DisplayName, &enabled, &configJSON); err != nil {
		return nil, err
	}
	inst.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(configJSON), &inst.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config for instance %s: %w", inst.ID, err)
	}
	return &inst, nil
}

// GetByID returns the instance with the given id, or nil when absent.
func (r *InstanceRepo) GetByID(id string) (*plugin.Instance, error) {
	row := r.db.QueryRow("SELECT "+instanceColumns+" FROM integration_instances WHERE id = ?", id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	return inst, nil
}

// GetByType returns all instances of the given type.
func (r *InstanceRepo) GetByType(typ string) ([]plugin.Instance, error) {
	rows, err := r.db.Query("SELECT "+instanceColumns+" FROM integration_instances WHERE type = ? ORDER BY id", typ)
	if err != nil {
		return nil, fmt.Errorf("list instances of type %s: %w", typ, err)
	}
	defer rows.Close()
	return collectInstances(rows)
}

// FirstEnabledByType returns the first enabled instance of the given type,
// or nil when none exists.
func (r *InstanceRepo) FirstEnabledByType(typ string) (*plugin.Instance, error) {
	row := r.db.QueryRow(
		"SELECT "+instanceColumns+" FROM integration_instances WHERE type = ? AND enabled = 1 ORDER BY id LIMIT 1", typ)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("first enabled instance of type %s: %w", typ, err)
	}
	return inst, nil
}

// List returns every instance ordered by type then id.
func (r *InstanceRepo) List() ([]plugin.Instance, error) {
	rows, err := r.db.Query("SELECT " + instanceColumns + " FROM integration_instances ORDER BY type, id")
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()
	return collectInstances(rows)
}

func collectInstances(rows *sql.Rows) ([]plugin.Instance, error) {
	var out []plugin.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// Upsert inserts or updates an instance by id.
func (r *InstanceRepo) Upsert(inst plugin.Instance, nowNs int64) error {
	configJSON, err := json.Marshal(inst.Config)
	if err != nil {
		return fmt.Errorf("marshal config for instance %s: %w", inst.ID, err)
	}
	enabled := 0
	if inst.Enabled {
		enabled = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.Exec(`
		INSERT INTO integration_instances (id, type, display_name, enabled, config_json, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type          = excluded.type,
			display_name  = excluded.display_name,
			enabled       = excluded.enabled,
			config_json   = excluded.config_json,
			updated_at_ns = excluded.updated_at_ns
	`, inst.ID, inst.Type, inst.DisplayName, enabled, string(configJSON), nowNs, nowNs)
	if err != nil {
		return fmt.Errorf("upsert instance %s: %w", inst.ID, err)
	}
	return nil
}

// Delete removes an instance by id.
func (r *InstanceRepo) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec("DELETE FROM integration_instances WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	return nil
}
