package persistence

import (
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

const (
	namespaceConfig = "config"
	namespaceState  = "state"
)

// SaveStrategyConfig persists a strategy's configuration document.
func (s *Store) SaveStrategyConfig(cfg types.StrategyConfig) error {
	return s.Save(namespaceConfig, cfg.ID, cfg)
}

// LoadStrategyConfig loads a strategy's configuration document.
func (s *Store) LoadStrategyConfig(id string) (types.StrategyConfig, error) {
	var cfg types.StrategyConfig
	err := s.Load(namespaceConfig, id, &cfg)
	return cfg, err
}

// ListStrategyConfigs returns the ids of all persisted strategy configs.
func (s *Store) ListStrategyConfigs() ([]string, error) {
	return s.List(namespaceConfig)
}

// DeleteStrategyConfig removes a strategy's configuration document.
func (s *Store) DeleteStrategyConfig(id string) error {
	return s.Delete(namespaceConfig, id)
}

// SaveStrategyState persists a strategy's runtime state document. Called
// frequently (on every material state change), so the caller should avoid
// holding any strategy-serial lock across this call for longer than
// necessary.
func (s *Store) SaveStrategyState(id string, state types.StrategyState) error {
	return s.Save(namespaceState, id, state)
}

// LoadStrategyState loads a strategy's runtime state document. When no
// state has ever been saved it returns the file-not-exist error from Load;
// callers check HasStrategyState first.
func (s *Store) LoadStrategyState(id string) (types.StrategyState, error) {
	var state types.StrategyState
	err := s.Load(namespaceState, id, &state)
	return state, err
}

// HasStrategyState reports whether a strategy has a persisted state
// document.
func (s *Store) HasStrategyState(id string) bool {
	return s.Exists(namespaceState, id)
}
