package saga

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ResourceType names one metered resource.
type ResourceType string

const (
	// ResourceSteps counts scheduler ticks that dispatch a step.
	ResourceSteps ResourceType = "Steps"

	// ResourceTokens counts LLM tokens consumed across all steps.
	ResourceTokens ResourceType = "Tokens"

	// ResourceExecutions counts step handler invocations, including retries.
	ResourceExecutions ResourceType = "Executions"

	// ResourceToolCalls counts external tool invocations.
	ResourceToolCalls ResourceType = "ToolCalls"

	// ResourceWallTime bounds total run duration. Limits and consumption
	// are expressed in seconds; consumption is wall clock since run start
	// rather than an accumulator.
	ResourceWallTime ResourceType = "WallTime"
)

// ScarcityLevel classifies how much of a resource remains.
type ScarcityLevel int

const (
	// ScarcityAbundant: more than 70% remaining.
	ScarcityAbundant ScarcityLevel = iota

	// ScarcityNormal: between 30% and 70% remaining.
	ScarcityNormal

	// ScarcityScarce: between 10% and 30% remaining.
	ScarcityScarce

	// ScarcityCritical: 10% or less remaining.
	ScarcityCritical
)

// String returns the level name.
func (l ScarcityLevel) String() string {
	switch l {
	case ScarcityAbundant:
		return "abundant"
	case ScarcityNormal:
		return "normal"
	case ScarcityScarce:
		return "scarce"
	case ScarcityCritical:
		return "critical"
	default:
		return fmt.Sprintf("ScarcityLevel(%d)", int(l))
	}
}

// Multiplier returns the agent-score weight for the level.
func (l ScarcityLevel) Multiplier() float64 {
	switch l {
	case ScarcityAbundant:
		return 1.0
	case ScarcityNormal:
		return 0.8
	case ScarcityScarce:
		return 0.5
	default:
		return 0.2
	}
}

// levelForFraction maps a remaining fraction to its scarcity level.
func levelForFraction(r float64) ScarcityLevel {
	switch {
	case r > 0.7:
		return ScarcityAbundant
	case r > 0.3:
		return ScarcityNormal
	case r > 0.1:
		return ScarcityScarce
	default:
		return ScarcityCritical
	}
}

// CheckStatus is the outcome of a budget admission check.
type CheckStatus int

const (
	// CheckSuccess admits the proposed cost.
	CheckSuccess CheckStatus = iota

	// CheckWarning admits the cost but flags that the resource would be
	// left critical.
	CheckWarning

	// CheckBlocked rejects the cost; admitting it would exceed the limit.
	CheckBlocked
)

// CheckResult is the outcome of Budget.Check, with a human-readable reason
// for warnings and blocks.
type CheckResult struct {
	Status CheckStatus
	Reason string
}

// Budget meters a run's resource consumption against configured limits.
//
// Resources without a configured limit are unmetered. WallTime is measured
// against the run's start time; all other resources are accumulators the
// scheduler advances after each step. Safe for concurrent use.
type Budget struct {
	mu        sync.Mutex
	limits    map[ResourceType]float64
	consumed  map[ResourceType]float64
	startedAt time.Time
	now       func() time.Time
}

// NewBudget creates a budget with the given limits. The run's wall clock
// starts immediately.
func NewBudget(limits map[ResourceType]float64) *Budget {
	b := &Budget{
		limits:   make(map[ResourceType]float64, len(limits)),
		consumed: make(map[ResourceType]float64),
		now:      time.Now,
	}
	for r, l := range limits {
		b.limits[r] = l
	}
	b.startedAt = b.now()
	return b
}

// Check reports whether a proposed cost against one resource may be
// admitted. Admission that would exceed the limit blocks; admission that
// would leave the resource critical warns.
func (b *Budget) Check(resource ResourceType, proposedCost float64) CheckResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	limit, limited := b.limits[resource]
	if !limited {
		return CheckResult{Status: CheckSuccess}
	}

	after := b.consumedLocked(resource) + proposedCost
	if after > limit {
		return CheckResult{
			Status: CheckBlocked,
			Reason: fmt.Sprintf("%s exhausted", resource),
		}
	}
	if levelForFraction((limit-after)/limit) == ScarcityCritical {
		return CheckResult{
			Status: CheckWarning,
			Reason: fmt.Sprintf("%s nearly exhausted", resource),
		}
	}
	return CheckResult{Status: CheckSuccess}
}

// Consume records amount against a resource accumulator. WallTime is
// derived from the clock and ignores Consume.
func (b *Budget) Consume(resource ResourceType, amount float64) {
	if resource == ResourceWallTime || amount == 0 {
		return
	}
	b.mu.Lock()
	b.consumed[resource] += amount
	b.mu.Unlock()
}

// Exceeded reports whether any limited resource is already over its limit,
// naming the first such resource.
func (b *Budget) Exceeded() (ResourceType, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range b.limitedLocked() {
		if b.consumedLocked(r) > b.limits[r] {
			return r, true
		}
	}
	return "", false
}

// ScarcityFactor returns the minimum scarcity multiplier across all limited
// resources, the weight agent selection applies to sampled scores. With no
// limits configured it is 1.0.
func (b *Budget) ScarcityFactor() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	factor := 1.0
	for _, r := range b.limitedLocked() {
		limit := b.limits[r]
		remaining := (limit - b.consumedLocked(r)) / limit
		if m := levelForFraction(remaining).Multiplier(); m < factor {
			factor = m
		}
	}
	return factor
}

// ResourceSnapshot is the state of one metered resource.
type ResourceSnapshot struct {
	Limit     float64
	Consumed  float64
	Remaining float64
	Level     ScarcityLevel
}

// Snapshot returns the current state of every limited resource.
func (b *Budget) Snapshot() map[ResourceType]ResourceSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[ResourceType]ResourceSnapshot, len(b.limits))
	for _, r := range b.limitedLocked() {
		limit := b.limits[r]
		consumed := b.consumedLocked(r)
		out[r] = ResourceSnapshot{
			Limit:     limit,
			Consumed:  consumed,
			Remaining: limit - consumed,
			Level:     levelForFraction((limit - consumed) / limit),
		}
	}
	return out
}

// String renders the budget state for logs.
func (b *Budget) String() string {
	snap := b.Snapshot()

	resources := make([]string, 0, len(snap))
	for r := range snap {
		resources = append(resources, string(r))
	}
	sort.Strings(resources)

	var sb strings.Builder
	sb.WriteString("budget{")
	for i, r := range resources {
		s := snap[ResourceType(r)]
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%s=%.0f/%.0f(%s)", r, s.Consumed, s.Limit, s.Level)
	}
	sb.WriteString("}")
	return sb.String()
}

// consumedLocked returns consumption including derived wall time. Caller
// holds mu.
func (b *Budget) consumedLocked(resource ResourceType) float64 {
	if resource == ResourceWallTime {
		return b.now().Sub(b.startedAt).Seconds()
	}
	return b.consumed[resource]
}

func (b *Budget) limitedLocked() []ResourceType {
	out := make([]ResourceType, 0, len(b.limits))
	for r := range b.limits {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
