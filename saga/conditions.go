package saga

import (
	"fmt"
	"sync"
)

// Condition is a named predicate over workflow state, used by branch and
// loop nodes. Conditions must be pure functions of the state they receive.
type Condition func(State) bool

// ConditionRegistry holds named predicates for graph evaluation.
//
// Registration is last-write-wins: re-registering an id replaces the prior
// predicate, which supports hot-reloading conditions on a live engine.
// Safe for concurrent use.
type ConditionRegistry struct {
	mu         sync.RWMutex
	conditions map[string]Condition
}

// NewConditionRegistry creates an empty registry.
func NewConditionRegistry() *ConditionRegistry {
	return &ConditionRegistry{conditions: make(map[string]Condition)}
}

// Register stores a predicate under id, replacing any prior registration.
func (r *ConditionRegistry) Register(id string, cond Condition) {
	r.mu.Lock()
	r.conditions[id] = cond
	r.mu.Unlock()
}

// Evaluate runs the predicate registered under id against state. Fails with
// ErrUnknownCondition when id is absent.
func (r *ConditionRegistry) Evaluate(id string, state State) (bool, error) {
	r.mu.RLock()
	cond, ok := r.conditions[id]
	r.mu.RUnlock()

	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownCondition, id)
	}
	return cond(state), nil
}

// Has reports whether id is registered. Graph validation uses this to catch
// dangling predicate references at load time.
func (r *ConditionRegistry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conditions[id]
	return ok
}
