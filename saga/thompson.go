package saga

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/relayworks/sagakit/saga/model"
)

// Capabilities is a bitset of agent capabilities. Task requirements are
// satisfied when every required bit is set on the agent.
type Capabilities uint64

// Contains reports whether every bit of required is present.
func (c Capabilities) Contains(required Capabilities) bool {
	return c&required == required
}

// Agent describes one selectable executor: its identity, capability bits,
// and the model provider that backs it.
type Agent struct {
	ID           string
	Capabilities Capabilities

	// Provider backs the agent's LLM calls. May be nil for agents whose
	// step handlers do their own I/O.
	Provider model.Provider
}

// TaskFeatures describes the work an agent is being selected for.
type TaskFeatures struct {
	// Category keys the belief lookup, e.g. "Factual", "Creative".
	Category string

	// Complexity is an optional difficulty hint in [0, 1]. Not used in
	// scoring; carried through to handlers and the progress ledger.
	Complexity float64

	// RequiredCapabilities filters candidates: agents missing any bit are
	// infeasible.
	RequiredCapabilities Capabilities
}

// Selector picks agents by Thompson Sampling over the belief store.
//
// For each feasible candidate it draws θ from the agent's Beta posterior,
// scales it by the budget's scarcity factor, and returns the argmax. Ties
// break toward fewer observations (explore the less known), then by agent
// id. When the best draw falls below the confidence threshold, the
// designated default agent is returned instead.
type Selector struct {
	beliefs *BeliefStore

	mu  sync.Mutex
	rng *rand.Rand

	confidenceThreshold float64
	defaultAgentID      string
}

// NewSelector creates a selector over the given belief store, seeded for
// reproducible sampling.
func NewSelector(beliefs *BeliefStore, seed int64) *Selector {
	return &Selector{
		beliefs: beliefs,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// SetConfidenceFallback configures the confidence threshold and the default
// agent returned when no candidate samples above it. A threshold of 0
// disables the fallback.
func (s *Selector) SetConfidenceFallback(threshold float64, defaultAgentID string) {
	s.confidenceThreshold = threshold
	s.defaultAgentID = defaultAgentID
}

// Selection reports the outcome of one pick.
type Selection struct {
	Agent Agent

	// Theta is the winning sampled score after scarcity weighting, or the
	// default agent's sample when FellBack.
	Theta float64

	// FellBack marks a confidence-threshold fallback to the default agent.
	FellBack bool
}

// Select picks one agent from candidates for the given task.
//
// candidates lacking a required capability are excluded; an empty candidate
// set (or one with no feasible member) fails with ErrNoEligibleAgent.
// scarcity is the budget's current scarcity factor and scales every draw.
func (s *Selector) Select(candidates []Agent, task TaskFeatures, scarcity float64) (Selection, error) {
	feasible := make([]Agent, 0, len(candidates))
	for _, a := range candidates {
		if a.Capabilities.Contains(task.RequiredCapabilities) {
			feasible = append(feasible, a)
		}
	}
	if len(feasible) == 0 {
		return Selection{}, fmt.Errorf("%w: category %q", ErrNoEligibleAgent, task.Category)
	}

	type draw struct {
		agent Agent
		theta float64
		obs   int
	}

	draws := make([]draw, len(feasible))
	for i, a := range feasible {
		belief := s.beliefs.Get(a.ID, task.Category)
		theta := s.sampleBeta(belief.Alpha, belief.Beta) * scarcity
		draws[i] = draw{agent: a, theta: theta, obs: belief.ObservationCount}
	}

	best := draws[0]
	for _, d := range draws[1:] {
		switch {
		case d.theta > best.theta:
			best = d
		case d.theta == best.theta && d.obs < best.obs:
			best = d
		case d.theta == best.theta && d.obs == best.obs && d.agent.ID < best.agent.ID:
			best = d
		}
	}

	// Degenerate draw: explore the least-observed feasible agent.
	if best.theta == 0 {
		least := draws[0]
		for _, d := range draws[1:] {
			if d.obs < least.obs || (d.obs == least.obs && d.agent.ID < least.agent.ID) {
				least = d
			}
		}
		best = least
	}

	if s.confidenceThreshold > 0 && best.theta < s.confidenceThreshold && s.defaultAgentID != "" {
		for _, d := range draws {
			if d.agent.ID == s.defaultAgentID {
				return Selection{Agent: d.agent, Theta: d.theta, FellBack: true}, nil
			}
		}
	}

	return Selection{Agent: best.agent, Theta: best.theta}, nil
}

// sampleBeta draws from Beta(alpha, beta) as Ga/(Ga+Gb) with two gamma
// draws.
func (s *Selector) sampleBeta(alpha, beta float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	x := sampleGamma(s.rng, alpha)
	y := sampleGamma(s.rng, beta)
	if x+y == 0 {
		return 0
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) by the Marsaglia-Tsang squeeze
// method. Shapes below 1 use the boost Gamma(shape+1) * U^(1/shape).
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v

		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
