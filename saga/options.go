package saga

import (
	"fmt"
	"time"

	"github.com/relayworks/sagakit/saga/emit"
	"github.com/relayworks/sagakit/saga/event"
	"github.com/relayworks/sagakit/saga/stepcache"
	"github.com/relayworks/sagakit/saga/vector"
)

// Option configures an Engine at construction time.
type Option func(*engineConfig) error

// engineConfig collects every tunable the engine recognizes. Defaults are
// filled in by NewEngine.
type engineConfig struct {
	store      event.StreamStore
	cache      stepcache.Cache
	conditions *ConditionRegistry
	emitter    emit.Emitter
	metrics    *Metrics

	cacheCapacity int
	cacheBounded  bool
	cacheTTL      time.Duration

	loopWindow        int
	semanticThreshold float64
	embedder          vector.Embedder
	maxDecompositions int
	rotationPicks     int

	priorAlpha          float64
	priorBeta           float64
	confidenceThreshold float64
	defaultAgentID      string
	seed                int64

	budgetLimits map[ResourceType]float64

	searcher     vector.Searcher
	topK         int
	minRelevance float64

	agents    []Agent
	decompose DecomposeHook
	maxTicks  int
}

// WithStore sets the event stream backend. Defaults to an in-memory store.
func WithStore(store event.StreamStore) Option {
	return func(c *engineConfig) error {
		if store == nil {
			return fmt.Errorf("store must not be nil")
		}
		c.store = store
		return nil
	}
}

// WithCache sets the step cache backend directly, overriding
// WithCacheCapacity and WithBoundedCache.
func WithCache(cache stepcache.Cache) Option {
	return func(c *engineConfig) error {
		if cache == nil {
			return fmt.Errorf("cache must not be nil")
		}
		c.cache = cache
		return nil
	}
}

// WithBoundedCache selects the LRU step cache with the given capacity. A
// capacity of 0 or less uses stepcache.DefaultCapacity.
func WithBoundedCache(capacity int) Option {
	return func(c *engineConfig) error {
		c.cacheBounded = true
		c.cacheCapacity = capacity
		return nil
	}
}

// WithCacheTTL sets the default TTL for memoized step results. Zero means
// entries never expire.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *engineConfig) error {
		if ttl < 0 {
			return fmt.Errorf("cache TTL must not be negative")
		}
		c.cacheTTL = ttl
		return nil
	}
}

// WithConditions sets the predicate registry the graph is validated
// against. Defaults to a fresh registry.
func WithConditions(registry *ConditionRegistry) Option {
	return func(c *engineConfig) error {
		if registry == nil {
			return fmt.Errorf("condition registry must not be nil")
		}
		c.conditions = registry
		return nil
	}
}

// WithEmitter routes observability events. Defaults to a NullEmitter.
func WithEmitter(emitter emit.Emitter) Option {
	return func(c *engineConfig) error {
		if emitter == nil {
			return fmt.Errorf("emitter must not be nil")
		}
		c.emitter = emitter
		return nil
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(c *engineConfig) error {
		c.metrics = metrics
		return nil
	}
}

// WithLoopWindow sets how many recent progress entries the loop detector
// inspects. Default 10.
func WithLoopWindow(n int) Option {
	return func(c *engineConfig) error {
		if n < 1 {
			return fmt.Errorf("loop window must be at least 1")
		}
		c.loopWindow = n
		return nil
	}
}

// WithSemanticThreshold sets the cosine similarity above which outputs
// count as semantically repeated. Default 0.85.
func WithSemanticThreshold(t float64) Option {
	return func(c *engineConfig) error {
		if t <= 0 || t > 1 {
			return fmt.Errorf("semantic threshold must be in (0, 1]")
		}
		c.semanticThreshold = t
		return nil
	}
}

// WithEmbedder sets the embedder for semantic loop detection. Defaults to
// the deterministic hashing embedder; nil disables semantic detection.
func WithEmbedder(e vector.Embedder) Option {
	return func(c *engineConfig) error {
		c.embedder = e
		return nil
	}
}

// WithMaxDecompositions bounds how many times the NoProgress recovery may
// decompose before escalating to a human. Default 1.
func WithMaxDecompositions(n int) Option {
	return func(c *engineConfig) error {
		if n < 0 {
			return fmt.Errorf("max decompositions must not be negative")
		}
		c.maxDecompositions = n
		return nil
	}
}

// WithThompsonPriors sets the Beta prior for unseen (agent, category)
// pairs. Default Beta(2,2).
func WithThompsonPriors(alpha, beta float64) Option {
	return func(c *engineConfig) error {
		if alpha <= 0 || beta <= 0 {
			return fmt.Errorf("thompson priors must be strictly positive")
		}
		c.priorAlpha, c.priorBeta = alpha, beta
		return nil
	}
}

// WithConfidenceFallback makes selection fall back to defaultAgentID when
// no candidate samples above threshold.
func WithConfidenceFallback(threshold float64, defaultAgentID string) Option {
	return func(c *engineConfig) error {
		if threshold <= 0 || threshold >= 1 {
			return fmt.Errorf("confidence threshold must be in (0, 1)")
		}
		if defaultAgentID == "" {
			return fmt.Errorf("default agent id must not be empty")
		}
		c.confidenceThreshold = threshold
		c.defaultAgentID = defaultAgentID
		return nil
	}
}

// WithSeed seeds the Thompson sampler for reproducible selection.
func WithSeed(seed int64) Option {
	return func(c *engineConfig) error {
		c.seed = seed
		return nil
	}
}

// WithBudgetLimit sets the limit for one resource. WallTime limits are in
// seconds.
func WithBudgetLimit(resource ResourceType, limit float64) Option {
	return func(c *engineConfig) error {
		if limit <= 0 {
			return fmt.Errorf("budget limit for %s must be positive", resource)
		}
		if c.budgetLimits == nil {
			c.budgetLimits = make(map[ResourceType]float64)
		}
		c.budgetLimits[resource] = limit
		return nil
	}
}

// WithAgents sets the candidate pool for Thompson selection.
func WithAgents(agents ...Agent) Option {
	return func(c *engineConfig) error {
		c.agents = agents
		return nil
	}
}

// WithRetrieval configures retrieval-augmented context: handlers reach the
// searcher through StepContext.Retrieval. topK defaults to 5, minRelevance
// to 0.7.
func WithRetrieval(searcher vector.Searcher, topK int, minRelevance float64) Option {
	return func(c *engineConfig) error {
		if searcher == nil {
			return fmt.Errorf("searcher must not be nil")
		}
		if topK < 1 {
			topK = DefaultTopK
		}
		if minRelevance <= 0 {
			minRelevance = DefaultMinRelevance
		}
		c.searcher = searcher
		c.topK = topK
		c.minRelevance = minRelevance
		return nil
	}
}

// DecomposeHook is the graph-level decomposition callback the NoProgress
// recovery invokes. It returns a delta that reframes the stuck work.
type DecomposeHook func(state State) (Delta, error)

// WithDecomposeHook sets the decomposition callback. Without one, the
// NoProgress recovery escalates immediately.
func WithDecomposeHook(hook DecomposeHook) Option {
	return func(c *engineConfig) error {
		c.decompose = hook
		return nil
	}
}

// WithMaxTicks bounds scheduler ticks per run as a final guard against
// runaway graphs. Default 1000.
func WithMaxTicks(n int) Option {
	return func(c *engineConfig) error {
		if n < 1 {
			return fmt.Errorf("max ticks must be at least 1")
		}
		c.maxTicks = n
		return nil
	}
}

// Retrieval defaults.
const (
	DefaultTopK         = 5
	DefaultMinRelevance = 0.7
)
