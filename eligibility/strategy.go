package eligibility

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/holiman/uint256"
)

var (
	ErrNotEligible         = errors.New("eligibility: not eligible to vote")
	ErrUpstreamUnavailable = errors.New("eligibility: balance source unavailable")
	ErrUnknownStrategy     = errors.New("eligibility: unknown token strategy")
)

// Strategy reports the balance an address held at a block height. Results
// must be point-in-time: later balance changes never affect a past height.
type Strategy interface {
	BalanceAt(ctx context.Context, address string, height uint64) (*uint256.Int, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, address string, height uint64) (*uint256.Int, error)

func (f StrategyFunc) BalanceAt(ctx context.Context, address string, height uint64) (*uint256.Int, error) {
	return f(ctx, address, height)
}

// Registry maps token strategy ids to strategies. It satisfies
// polls.StrategyLookup.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds s under id. Ids are unique.
func (r *Registry) Register(id string, s Strategy) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("eligibility: strategy id required")
	}
	if s == nil {
		return fmt.Errorf("eligibility: strategy %q is nil", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[id]; exists {
		return fmt.Errorf("eligibility: strategy %q already registered", id)
	}
	r.strategies[id] = s
	return nil
}

// Lookup returns the strategy registered under id.
func (r *Registry) Lookup(id string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[id]
	return s, ok
}

func (r *Registry) Has(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

// IDs lists the registered ids in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.strategies))
	for id := range r.strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
