package saga

import (
	"sync"
	"time"
)

// DefaultPriorAlpha and DefaultPriorBeta are the Beta(2,2) prior used for
// unseen (agent, category) pairs. Beta(2,2) is a mild optimism-free prior:
// mean 0.5, gently pulled toward the center until observations accumulate.
const (
	DefaultPriorAlpha = 2.0
	DefaultPriorBeta  = 2.0
)

// AgentBelief is the Beta posterior over one agent's success probability for
// one task category.
type AgentBelief struct {
	AgentID      string
	TaskCategory string

	// Alpha and Beta are the posterior parameters, both strictly positive.
	// A success increments Alpha, a failure increments Beta.
	Alpha float64
	Beta  float64

	// ObservationCount is the number of updates applied since the prior.
	ObservationCount int

	UpdatedAt time.Time
}

// Mean returns the posterior mean Alpha / (Alpha + Beta).
func (b AgentBelief) Mean() float64 {
	return b.Alpha / (b.Alpha + b.Beta)
}

// PriorFactory produces the initial belief for an unseen (agent, category)
// pair.
type PriorFactory func(agentID, category string) AgentBelief

// BeliefStore holds Beta beliefs per (agent, category) pair.
//
// Unseen pairs are created from the prior factory on first read. Updates
// are atomic per pair. Safe for concurrent use.
type BeliefStore struct {
	mu      sync.Mutex
	beliefs map[beliefKey]AgentBelief
	prior   PriorFactory
	now     func() time.Time
}

type beliefKey struct {
	agentID  string
	category string
}

// NewBeliefStore creates a store with Beta(priorAlpha, priorBeta) priors.
// Non-positive parameters fall back to the Beta(2,2) default.
func NewBeliefStore(priorAlpha, priorBeta float64) *BeliefStore {
	if priorAlpha <= 0 {
		priorAlpha = DefaultPriorAlpha
	}
	if priorBeta <= 0 {
		priorBeta = DefaultPriorBeta
	}
	s := &BeliefStore{
		beliefs: make(map[beliefKey]AgentBelief),
		now:     time.Now,
	}
	s.prior = func(agentID, category string) AgentBelief {
		return AgentBelief{
			AgentID:      agentID,
			TaskCategory: category,
			Alpha:        priorAlpha,
			Beta:         priorBeta,
		}
	}
	return s
}

// SetPriorFactory replaces the prior factory, for callers that want
// per-agent priors. Affects only pairs not yet materialized.
func (s *BeliefStore) SetPriorFactory(factory PriorFactory) {
	s.mu.Lock()
	s.prior = factory
	s.mu.Unlock()
}

// Get returns the belief for (agentID, category), materializing the prior
// on first read.
func (s *BeliefStore) Get(agentID, category string) AgentBelief {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(agentID, category)
}

// Update applies one observation: success increments Alpha, failure
// increments Beta. Returns the updated belief.
func (s *BeliefStore) Update(agentID, category string, success bool) AgentBelief {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.getLocked(agentID, category)
	if success {
		b.Alpha++
	} else {
		b.Beta++
	}
	b.ObservationCount++
	b.UpdatedAt = s.now()

	s.beliefs[beliefKey{agentID, category}] = b
	return b
}

func (s *BeliefStore) getLocked(agentID, category string) AgentBelief {
	key := beliefKey{agentID, category}
	if b, ok := s.beliefs[key]; ok {
		return b
	}
	b := s.prior(agentID, category)
	b.AgentID = agentID
	b.TaskCategory = category
	s.beliefs[key] = b
	return b
}
