package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manifold-dash/manifold/internal/config"
	"github.com/manifold-dash/manifold/internal/state"
)

// RuntimeConfigStore serializes hot updates of the persisted runtime config
// and fans each accepted document out to the components that consume it.
// Patch semantics are field replacement on a deep copy, not RFC 7396: absent
// fields keep their current values, unknown fields are rejected.
// Pipeline: decode onto copy, validate, persist, swap, apply.
type RuntimeConfigStore struct {
	mu      sync.Mutex
	repo    *state.SystemConfigRepo
	current atomic.Pointer[config.RuntimeConfig]
	version int
	apply   func(*config.RuntimeConfig)
}

// NewRuntimeConfigStore creates a store seeded with the booted config and
// its persisted version. apply may be nil.
func NewRuntimeConfigStore(
	repo *state.SystemConfigRepo,
	initial *config.RuntimeConfig,
	version int,
	apply func(*config.RuntimeConfig),
) *RuntimeConfigStore {
	s := &RuntimeConfigStore{repo: repo, version: version, apply: apply}
	s.current.Store(initial)
	return s
}

// Current returns the live config document.
func (s *RuntimeConfigStore) Current() *config.RuntimeConfig {
	return s.current.Load()
}

// Patch applies a partial update and returns the resulting document.
// Decode and validation failures surface as validation errors; nothing is
// persisted or applied unless the whole pipeline succeeds.
func (s *RuntimeConfigStore) Patch(patch []byte) (*config.RuntimeConfig, error) {
	if len(bytes.TrimSpace(patch)) == 0 {
		return nil, &validationError{msg: "request body is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().Clone()
	dec := json.NewDecoder(bytes.NewReader(patch))
	dec.DisallowUnknownFields()
	if err := dec.Decode(next); err != nil {
		return nil, &validationError{msg: "invalid config patch: " + err.Error()}
	}
	if err := next.Validate(); err != nil {
		return nil, &validationError{msg: err.Error()}
	}

	if err := s.repo.UpdateSystemConfig(next, s.version+1, time.Now().UnixNano()); err != nil {
		return nil, fmt.Errorf("persist config: %w", err)
	}
	s.version++
	s.current.Store(next)
	if s.apply != nil {
		s.apply(next)
	}
	return next, nil
}
