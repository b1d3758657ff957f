// Package orchestrator — orchestrator.go
//
// Pipeline sessions: routing-rule evaluation, per-edge cycle limits,
// backward-cycle detection, and instruction generation. A Session owns
// one envelope for the lifetime of one process; the routing algorithm
// in GetNextInstruction is the loop external workers drive
// (get_next_instruction -> run agent -> report_agent_result -> repeat).
//
// A session's very first get_next_instruction call dispatches
// envelope.current_stage as-is — there is no prior output to route on
// yet. Every call after that evaluates the current agent's routing
// rules first and, on a match, advances current_stage and dispatches
// the new stage within the same call; this is why the worked examples
// in spec.md §8 show one get_next_instruction per agent rather than one
// per routing decision.
//
// Edge-traversal and iteration bookkeeping is modeled on the teacher's
// escalation.ProcessState escalate/decay counters: a small map of
// monotonic counters consulted and incremented under one lock.

package orchestrator

import (
	"time"

	"github.com/flowkernel/flowkernel/internal/envelope"
	"github.com/flowkernel/flowkernel/internal/types"
)

// EndStage is the sentinel default_next/target that terminates a
// pipeline with ReasonCompleted.
const EndStage = "end"

// AgentConfig describes one pipeline stage: its declared order (used to
// detect backward edges), its routing rules evaluated in declaration
// order, and its fallback target when no rule matches.
type AgentConfig struct {
	Name        string
	StageOrder  int
	Routes      []RoutingRule
	DefaultNext string
	Config      map[string]string
}

// PipelineConfig is the full routing table for one session.
type PipelineConfig struct {
	Agents        []AgentConfig
	MaxIterations int
	EdgeLimits    map[string]int // key "from->to"
}

func (c PipelineConfig) agentByName(name string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// InstructionKind discriminates the Instruction union.
type InstructionKind uint8

const (
	InstructionRunAgent InstructionKind = iota
	InstructionTerminate
	InstructionWaitInterrupt
)

// Instruction is the orchestrator's verdict for one get_next_instruction
// call: run this agent, terminate the session, or wait on an interrupt.
type Instruction struct {
	Kind     InstructionKind
	Agent    string
	Config   map[string]string
	Envelope envelope.Envelope // value snapshot

	TerminalReason types.TerminalReason
	Message        string

	InterruptID types.InterruptId
}

// AgentMetrics is what an external worker reports after executing one
// agent step.
type AgentMetrics struct {
	LLMCalls   int64
	ToolCalls  int64
	TokensIn   int64
	TokensOut  int64
	DurationMs int64
}

// AgentResult is the full report_agent_result payload for one stage.
type AgentResult struct {
	AgentName string
	Metrics   AgentMetrics
	Output    map[string]any
	Err       string // non-empty marks the stage failed
}

// Session is one pipeline run bound to a process.
type Session struct {
	Pid            types.ProcessId
	Config         PipelineConfig
	Envelope       *envelope.Envelope
	EdgeTraversals map[string]int
	Iteration      int
	Terminated     bool
	TerminalReason types.TerminalReason
	CreatedAt      time.Time
	LastActivityAt time.Time

	// dispatched is false only before the session's first
	// get_next_instruction call; it is never reset afterward. It marks
	// the transition from "run the stage as given" to "route from the
	// current stage's just-reported result".
	dispatched bool
}

// SessionState is the value snapshot returned by get_session_state.
type SessionState struct {
	Pid            types.ProcessId
	CurrentStage   string
	Iteration      int
	Terminated     bool
	TerminalReason types.TerminalReason
	Envelope       envelope.Envelope
	EdgeTraversals map[string]int
	LastActivityAt time.Time
}

func edgeKey(from, to string) string { return from + "->" + to }

func cloneEdgeCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneEnvelope(e *envelope.Envelope) envelope.Envelope {
	cp := *e
	cp.ActiveStages = cloneStringSet(e.ActiveStages)
	cp.CompletedStages = cloneStringSet(e.CompletedStages)
	cp.FailedStages = make(map[string]string, len(e.FailedStages))
	for k, v := range e.FailedStages {
		cp.FailedStages[k] = v
	}
	cp.Outputs = make(map[string]any, len(e.Outputs))
	for k, v := range e.Outputs {
		cp.Outputs[k] = v
	}
	cp.Metadata = make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		cp.Metadata[k] = v
	}
	cp.GoalCompletion = make(map[string]bool, len(e.GoalCompletion))
	for k, v := range e.GoalCompletion {
		cp.GoalCompletion[k] = v
	}
	cp.CompletedStageOrder = append([]string(nil), e.CompletedStageOrder...)
	cp.AllGoals = append([]string(nil), e.AllGoals...)
	cp.RemainingGoals = append([]string(nil), e.RemainingGoals...)
	cp.PriorPlans = append([]string(nil), e.PriorPlans...)
	cp.LoopFeedback = append([]string(nil), e.LoopFeedback...)
	cp.ProcessingHistory = append([]envelope.ProcessingRecord(nil), e.ProcessingHistory...)
	cp.Errors = append([]string(nil), e.Errors...)
	return cp
}

func cloneStringSet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// Manager owns every orchestration session, keyed by process id.
type Manager struct {
	sessions map[types.ProcessId]*Session
}

// NewManager creates an empty session Manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[types.ProcessId]*Session)}
}

// InitializeSession starts a pipeline session for pid, bound to env.
func (m *Manager) InitializeSession(pid types.ProcessId, cfg PipelineConfig, env *envelope.Envelope, now time.Time) error {
	if _, exists := m.sessions[pid]; exists {
		return types.ErrInvalidInput("orchestrator: session already initialized for this process")
	}
	// An envelope that names no current stage starts at the pipeline's
	// first configured agent.
	if env.CurrentStage == "" && len(cfg.Agents) > 0 {
		env.CurrentStage = cfg.Agents[0].Name
		env.StageOrder = cfg.Agents[0].StageOrder
	}
	m.sessions[pid] = &Session{
		Pid:            pid,
		Config:         cfg,
		Envelope:       env,
		EdgeTraversals: make(map[string]int),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	return nil
}

func (m *Manager) lookup(pid types.ProcessId) (*Session, error) {
	s, ok := m.sessions[pid]
	if !ok {
		return nil, types.ErrNotFound("orchestrator: no session for process")
	}
	return s, nil
}

// GetSessionState returns a snapshot of a session's current state.
func (m *Manager) GetSessionState(pid types.ProcessId) (SessionState, error) {
	s, err := m.lookup(pid)
	if err != nil {
		return SessionState{}, err
	}
	return SessionState{
		Pid:            s.Pid,
		CurrentStage:   s.Envelope.CurrentStage,
		Iteration:      s.Iteration,
		Terminated:     s.Terminated,
		TerminalReason: s.TerminalReason,
		Envelope:       cloneEnvelope(s.Envelope),
		EdgeTraversals: cloneEdgeCounts(s.EdgeTraversals),
		LastActivityAt: s.LastActivityAt,
	}, nil
}

// TerminateSession marks a session (and its envelope) terminated with
// the given reason.
func (m *Manager) TerminateSession(pid types.ProcessId, reason types.TerminalReason, now time.Time) error {
	s, err := m.lookup(pid)
	if err != nil {
		return err
	}
	m.terminate(s, reason, now)
	return nil
}

// CleanupSession removes a session's bookkeeping. The envelope itself is
// owned and cleaned up separately by the kernel/cleanup service.
func (m *Manager) CleanupSession(pid types.ProcessId) {
	delete(m.sessions, pid)
}

func (m *Manager) terminate(s *Session, reason types.TerminalReason, now time.Time) {
	s.Terminated = true
	s.TerminalReason = reason
	if !s.Envelope.Terminated {
		s.Envelope.Terminate(reason, now)
	}
}

// CheckEnvelopeBounds reports the first bounds dimension, in canonical
// order, that an envelope's own counters have crossed — independent of
// internal/resources.Manager's usage table (see envelope.go). Exported
// for EngineService's check_bounds, which inspects an envelope without
// driving it through the routing algorithm.
func CheckEnvelopeBounds(b envelope.Bounds) (types.TerminalReason, bool) {
	return boundsViolation(b)
}

func boundsViolation(b envelope.Bounds) (types.TerminalReason, bool) {
	switch {
	case b.MaxLLMCalls > 0 && b.LLMCallCount >= b.MaxLLMCalls:
		return types.ReasonMaxCallsExceeded, true
	case b.MaxTokensIn > 0 && b.TokensIn >= b.MaxTokensIn:
		return types.ReasonQuotaExceeded, true
	case b.MaxTokensOut > 0 && b.TokensOut >= b.MaxTokensOut:
		return types.ReasonQuotaExceeded, true
	case b.MaxToolCalls > 0 && b.ToolCallCount >= b.MaxToolCalls:
		return types.ReasonMaxCallsExceeded, true
	case b.MaxAgentHops > 0 && b.AgentHopCount >= b.MaxAgentHops:
		return types.ReasonMaxHopsExceeded, true
	default:
		return types.ReasonNone, false
	}
}

// GetNextInstruction runs the routing algorithm described in spec §4.5.
func (m *Manager) GetNextInstruction(pid types.ProcessId, now time.Time) (Instruction, error) {
	s, err := m.lookup(pid)
	if err != nil {
		return Instruction{}, err
	}
	env := s.Envelope

	// 1. Already terminated.
	if s.Terminated {
		return Instruction{Kind: InstructionTerminate, TerminalReason: s.TerminalReason, Envelope: cloneEnvelope(env)}, nil
	}

	// 2. Interrupt pending.
	if env.InterruptPending && env.Interrupt != nil {
		return Instruction{Kind: InstructionWaitInterrupt, InterruptID: *env.Interrupt, Envelope: cloneEnvelope(env)}, nil
	}

	// 3. Bounds check.
	if reason, violated := boundsViolation(env.Bounds); violated {
		m.terminate(s, reason, now)
		return Instruction{Kind: InstructionTerminate, TerminalReason: reason, Envelope: cloneEnvelope(env)}, nil
	}

	agent, ok := s.Config.agentByName(env.CurrentStage)
	if !ok {
		return Instruction{}, types.ErrInternal("orchestrator: current_stage names an unconfigured agent: " + env.CurrentStage)
	}

	// The first dispatch of a session has no prior output to route on:
	// run current_stage exactly as initialize_session left it.
	if !s.dispatched {
		s.dispatched = true
		s.LastActivityAt = now
		return Instruction{Kind: InstructionRunAgent, Agent: agent.Name, Config: agent.Config, Envelope: cloneEnvelope(env)}, nil
	}

	// 4. Evaluate the current agent's routing rules against the result
	// it has already reported.
	next := resolveNext(agent, env)
	if next == EndStage {
		m.terminate(s, types.ReasonCompleted, now)
		return Instruction{Kind: InstructionTerminate, TerminalReason: types.ReasonCompleted, Envelope: cloneEnvelope(env)}, nil
	}

	nextAgent, ok := s.Config.agentByName(next)
	if !ok {
		return Instruction{}, types.ErrInternal("orchestrator: routing target names an unconfigured agent: " + next)
	}

	// 5. Per-edge traversal limit: would this traversal exceed it?
	key := edgeKey(env.CurrentStage, next)
	if limit, hasLimit := s.Config.EdgeLimits[key]; hasLimit && limit > 0 && s.EdgeTraversals[key]+1 > limit {
		m.terminate(s, types.ReasonBackwardCycleExhausted, now)
		return Instruction{Kind: InstructionTerminate, TerminalReason: types.ReasonBackwardCycleExhausted, Envelope: cloneEnvelope(env)}, nil
	}

	// 6. Backward-cycle detection: next's stage_order <= current's.
	if nextAgent.StageOrder <= agent.StageOrder {
		s.Iteration++
		env.Iteration = s.Iteration
		if s.Config.MaxIterations > 0 && s.Iteration > s.Config.MaxIterations {
			m.terminate(s, types.ReasonMaxIterationsExceeded, now)
			return Instruction{Kind: InstructionTerminate, TerminalReason: types.ReasonMaxIterationsExceeded, Envelope: cloneEnvelope(env)}, nil
		}
	}

	// 7. Advance and dispatch the new stage within this same call.
	s.EdgeTraversals[key]++
	env.CurrentStage = next
	env.StageOrder = nextAgent.StageOrder
	s.LastActivityAt = now

	return Instruction{
		Kind:     InstructionRunAgent,
		Agent:    next,
		Config:   nextAgent.Config,
		Envelope: cloneEnvelope(env),
	}, nil
}

// ReportAgentResult merges one agent's execution result into the
// session's envelope: usage bounds, the stage's output, the audit
// trail, and any failure message. Routing to the next stage happens on
// the following get_next_instruction call, not here.
func (m *Manager) ReportAgentResult(pid types.ProcessId, result AgentResult, now time.Time) error {
	s, err := m.lookup(pid)
	if err != nil {
		return err
	}
	env := s.Envelope

	env.Bounds.LLMCallCount += result.Metrics.LLMCalls
	env.Bounds.ToolCallCount += result.Metrics.ToolCalls
	env.Bounds.TokensIn += result.Metrics.TokensIn
	env.Bounds.TokensOut += result.Metrics.TokensOut
	env.Bounds.AgentHopCount++

	if env.Outputs == nil {
		env.Outputs = make(map[string]any)
	}
	env.Outputs[result.AgentName] = result.Output

	env.ProcessingHistory = append(env.ProcessingHistory, envelope.ProcessingRecord{
		Stage:      result.AgentName,
		StartedAt:  now.Add(-time.Duration(result.Metrics.DurationMs) * time.Millisecond),
		FinishedAt: now,
		Output:     result.Output,
	})

	if result.Err != "" {
		if err := env.MarkFailedStage(result.AgentName, result.Err); err != nil {
			return err
		}
		env.Errors = append(env.Errors, result.Err)
	} else {
		env.MarkCompletedStage(result.AgentName)
	}

	s.LastActivityAt = now
	return nil
}
