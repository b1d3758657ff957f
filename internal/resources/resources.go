// Package resources — resources.go
//
// Per-process usage counters, quota checks, and the typed violation
// report a caller receives when a dimension is crossed.
//
// Check semantics: a dimension violates when used >= limit (inclusive).
// When more than one dimension is exceeded, the reported violation names
// the first in types.CanonicalDimensionOrder — this implementation does
// not surface the full violated set; see DESIGN.md for why that choice
// was kept rather than made configurable.
//
// All counter increments reject negative deltas with InvalidInput; this
// is the defense-in-depth layer against a malformed or hostile payload
// reaching record_usage directly.

package resources

import (
	"sync"
	"time"

	"github.com/flowkernel/flowkernel/internal/types"
)

// Quota bounds the resources a single process may consume.
// Zero in any field means "unbounded" for that dimension.
type Quota struct {
	MaxLLMCalls     int64
	MaxToolCalls    int64
	MaxAgentHops    int64
	MaxIterations   int64
	MaxTokensIn     int64
	MaxTokensOut    int64
	MaxTimeSeconds  int64
}

// Usage mirrors Quota as accumulated counters.
type Usage struct {
	LLMCalls   int64
	ToolCalls  int64
	AgentHops  int64
	Iterations int64
	TokensIn   int64
	TokensOut  int64
}

// RemainingBudget is max(0, limit-used) per dimension, plus a derived
// time_remaining in seconds.
type RemainingBudget struct {
	LLMCalls      int64
	ToolCalls     int64
	AgentHops     int64
	Iterations    int64
	TokensIn      int64
	TokensOut     int64
	TimeRemaining int64
}

type entry struct {
	quota     Quota
	usage     Usage
	startedAt time.Time
}

// Manager owns the quota/usage table for every tracked process.
type Manager struct {
	mu    sync.Mutex
	byPid map[types.ProcessId]*entry
}

// NewManager creates an empty resource Manager.
func NewManager() *Manager {
	return &Manager{byPid: make(map[types.ProcessId]*entry)}
}

// Track registers a process's quota at creation time. start is the time
// used to compute time_remaining.
func (m *Manager) Track(pid types.ProcessId, quota Quota, start time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPid[pid] = &entry{quota: quota, startedAt: start}
}

// Untrack removes a process's quota/usage entry, called on cleanup.
func (m *Manager) Untrack(pid types.ProcessId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byPid, pid)
}

func requireNonNegative(fields ...int64) error {
	for _, f := range fields {
		if f < 0 {
			return types.ErrInvalidInput("counter delta must not be negative")
		}
	}
	return nil
}

// RecordUsage accumulates the given deltas into pid's usage counters.
// Negative deltas are rejected wholesale: no partial update is applied.
func (m *Manager) RecordUsage(pid types.ProcessId, llmCalls, toolCalls, agentHops, tokensIn, tokensOut int64) error {
	if err := requireNonNegative(llmCalls, toolCalls, agentHops, tokensIn, tokensOut); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byPid[pid]
	if !ok {
		return types.ErrNotFound("resources: process not tracked")
	}
	e.usage.LLMCalls += llmCalls
	e.usage.ToolCalls += toolCalls
	e.usage.AgentHops += agentHops
	e.usage.TokensIn += tokensIn
	e.usage.TokensOut += tokensOut
	return nil
}

// RecordToolCall increments the tool-call counter by one.
func (m *Manager) RecordToolCall(pid types.ProcessId) error {
	return m.RecordUsage(pid, 0, 1, 0, 0, 0)
}

// RecordAgentHop increments the agent-hop counter by one.
func (m *Manager) RecordAgentHop(pid types.ProcessId) error {
	return m.RecordUsage(pid, 0, 0, 1, 0, 0)
}

// RecordIteration increments the iteration counter by one.
func (m *Manager) RecordIteration(pid types.ProcessId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byPid[pid]
	if !ok {
		return types.ErrNotFound("resources: process not tracked")
	}
	e.usage.Iterations++
	return nil
}

// CheckQuota reports the first violated dimension, in canonical order, or
// nil if usage is within quota on every dimension.
func (m *Manager) CheckQuota(pid types.ProcessId, now time.Time) (*types.QuotaViolation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byPid[pid]
	if !ok {
		return nil, types.ErrNotFound("resources: process not tracked")
	}

	for _, dim := range types.CanonicalDimensionOrder {
		used, limit := dimensionValues(e, dim, now)
		if limit > 0 && used >= limit {
			return &types.QuotaViolation{Dimension: dim, Used: used, Limit: limit}, nil
		}
	}
	return nil, nil
}

func dimensionValues(e *entry, dim types.Dimension, now time.Time) (used, limit int64) {
	switch dim {
	case types.DimLLMCalls:
		return e.usage.LLMCalls, e.quota.MaxLLMCalls
	case types.DimTokensIn:
		return e.usage.TokensIn, e.quota.MaxTokensIn
	case types.DimTokensOut:
		return e.usage.TokensOut, e.quota.MaxTokensOut
	case types.DimToolCalls:
		return e.usage.ToolCalls, e.quota.MaxToolCalls
	case types.DimAgentHops:
		return e.usage.AgentHops, e.quota.MaxAgentHops
	case types.DimIterations:
		return e.usage.Iterations, e.quota.MaxIterations
	case types.DimTime:
		return int64(now.Sub(e.startedAt).Seconds()), e.quota.MaxTimeSeconds
	default:
		return 0, 0
	}
}

// GetRemainingBudget computes max(0, limit-used) per dimension.
func (m *Manager) GetRemainingBudget(pid types.ProcessId, now time.Time) (RemainingBudget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byPid[pid]
	if !ok {
		return RemainingBudget{}, types.ErrNotFound("resources: process not tracked")
	}

	remaining := func(limit, used int64) int64 {
		if limit == 0 {
			return 0
		}
		if limit-used < 0 {
			return 0
		}
		return limit - used
	}

	timeRemaining := int64(0)
	if e.quota.MaxTimeSeconds > 0 {
		elapsed := int64(now.Sub(e.startedAt).Seconds())
		timeRemaining = remaining(e.quota.MaxTimeSeconds, elapsed)
	}

	return RemainingBudget{
		LLMCalls:      remaining(e.quota.MaxLLMCalls, e.usage.LLMCalls),
		ToolCalls:     remaining(e.quota.MaxToolCalls, e.usage.ToolCalls),
		AgentHops:     remaining(e.quota.MaxAgentHops, e.usage.AgentHops),
		Iterations:    remaining(e.quota.MaxIterations, e.usage.Iterations),
		TokensIn:      remaining(e.quota.MaxTokensIn, e.usage.TokensIn),
		TokensOut:     remaining(e.quota.MaxTokensOut, e.usage.TokensOut),
		TimeRemaining: timeRemaining,
	}, nil
}

// Usage returns a snapshot copy of pid's usage counters.
func (m *Manager) Usage(pid types.ProcessId) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byPid[pid]
	if !ok {
		return Usage{}, types.ErrNotFound("resources: process not tracked")
	}
	return e.usage, nil
}
