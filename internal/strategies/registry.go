package strategies

import (
	"context"
	"fmt"
	"sync"

	"github.com/atlas-desktop/options-trading-supervisor/internal/strategyrt"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

// Strategy is the interface every concrete C8 strategy satisfies. It is
// intentionally thin — lifecycle only — because all the interesting
// behavior (order submission, bracket management, persistence) lives
// inside the embedded *strategyrt.Runtime, reached through Status/ID here
// and driven internally by each strategy's own handlers.
type Strategy interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reset() error
	Status() types.LifecycleStatus
}

// Factory builds one strategy instance from its persisted configuration and
// the shared runtime dependencies.
type Factory func(cfg types.StrategyConfig, deps strategyrt.Deps) (Strategy, error)

// Registry maps a StrategyConfig.Type string to the Factory that builds it,
// mirroring the teacher's strategy.StrategyRegistry shape generalized to
// this package's richer construction signature (concrete strategies need
// the full dependency bundle, not just a logger).
type Registry struct {
	mu         sync.RWMutex
	factories  map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for strategyType.
func (r *Registry) Register(strategyType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strategyType] = f
}

// Create instantiates a strategy by cfg.Type.
func (r *Registry) Create(cfg types.StrategyConfig, deps strategyrt.Deps) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategies: unknown strategy type %q", cfg.Type)
	}
	return f(cfg, deps)
}

// Types lists every registered strategy type name.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// DefaultRegistry registers every strategy type this system ships.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("orb_long_call", func(cfg types.StrategyConfig, deps strategyrt.Deps) (Strategy, error) {
		return NewORBStrategy(cfg, deps, types.OptionKindCall)
	})
	r.Register("orb_long_put", func(cfg types.StrategyConfig, deps strategyrt.Deps) (Strategy, error) {
		return NewORBStrategy(cfg, deps, types.OptionKindPut)
	})
	r.Register("spx_15min_breakout", func(cfg types.StrategyConfig, deps strategyrt.Deps) (Strategy, error) {
		return NewSPX15MinStrategy(cfg, deps)
	})
	r.Register("spx_1dte_bull_put", func(cfg types.StrategyConfig, deps strategyrt.Deps) (Strategy, error) {
		return NewBullPutStrategy(cfg, deps)
	})
	r.Register("spx_data_actor", func(cfg types.StrategyConfig, deps strategyrt.Deps) (Strategy, error) {
		return NewDataActor(cfg, deps)
	})
	r.Register("interval_trader", func(cfg types.StrategyConfig, deps strategyrt.Deps) (Strategy, error) {
		return NewIntervalTrader(cfg, deps)
	})
	r.Register("scalper", func(cfg types.StrategyConfig, deps strategyrt.Deps) (Strategy, error) {
		return NewScalper(cfg, deps)
	})
	return r
}
