package state

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http/httpguts"
	"gopkg.in/yaml.v3"

	"github.com/manifold-dash/manifold/internal/plugin"
)

// SeedFile is the YAML document pointed at by MANIFOLD_INSTANCES_FILE. It
// declares integration instances to upsert at boot, so a fresh container can
// come up fully wired without touching the API.
type SeedFile struct {
	Instances []SeedInstance `yaml:"instances"`
}

// SeedInstance is one instance declaration. A missing id gets a generated
// uuid; enabled defaults to true.
type SeedInstance struct {
	ID          string         `yaml:"id"`
	Type        string         `yaml:"type"`
	DisplayName string         `yaml:"display_name"`
	Enabled     *bool          `yaml:"enabled"`
	Config      map[string]any `yaml:"config"`
}

// LoadSeedFile parses and validates the seed file at path.
func LoadSeedFile(path string) (*SeedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	for i := range seed.Instances {
		if err := validateSeedInstance(&seed.Instances[i]); err != nil {
			return nil, fmt.Errorf("seed file %s, instance %d: %w", path, i, err)
		}
	}
	return &seed, nil
}

func validateSeedInstance(si *SeedInstance) error {
	si.Type = strings.TrimSpace(si.Type)
	if si.Type == "" {
		return fmt.Errorf("missing type")
	}
	if strings.Contains(si.ID, ":") {
		return fmt.Errorf("id %q must not contain ':'", si.ID)
	}
	return validateConfigHeaders(si.Config)
}

// validateConfigHeaders rejects custom request headers that are not valid
// HTTP field names/values, so a bad seed fails at boot instead of at poll
// time.
func validateConfigHeaders(cfg map[string]any) error {
	raw, ok := cfg["headers"]
	if !ok {
		return nil
	}
	headers, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("config.headers must be a mapping")
	}
	for name, v := range headers {
		if !httpguts.ValidHeaderFieldName(name) {
			return fmt.Errorf("config.headers: invalid header name %q", name)
		}
		value, ok := v.(string)
		if !ok {
			return fmt.Errorf("config.headers: value for %q must be a string", name)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return fmt.Errorf("config.headers: invalid value for %q", name)
		}
	}
	return nil
}

// ApplySeed upserts every seed instance into the repo and returns the number
// applied.
func ApplySeed(repo *InstanceRepo, seed *SeedFile, now time.Time) (int, error) {
	applied := 0
	for _, si := range seed.Instances {
		inst := plugin.Instance{
			ID:          si.ID,
			Type:        si.Type,
			DisplayName: si.DisplayName,
			Enabled:     si.Enabled == nil || *si.Enabled,
			Config:      si.Config,
		}
		if inst.ID == "" {
			inst.ID = uuid.NewString()
		}
		if inst.DisplayName == "" {
			inst.DisplayName = inst.Type
		}
		if inst.Config == nil {
			inst.Config = map[string]any{}
		}
		if err := repo.Upsert(inst, now.UnixNano()); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}
