// Package envelope — envelope.go
//
// The per-request execution-state container that flows through a
// pipeline: identity, pipeline progress, bounds counters, the interrupt
// slot, and the audit trail. The orchestrator reads and mutates an
// envelope on every get_next_instruction / report_agent_result call; the
// Kernel facade is the only caller that holds a pointer to a live
// Envelope, everyone else receives a Snapshot copy.

package envelope

import (
	"time"

	"github.com/flowkernel/flowkernel/internal/types"
)

// Bounds mirrors the quota dimensions for orchestrator-local bookkeeping,
// independent of internal/resources.Manager's own usage table: this is
// the copy the routing algorithm consults directly off the envelope, per
// spec.md §3/§4.5.
type Bounds struct {
	LLMCallCount  int64
	ToolCallCount int64
	AgentHopCount int64
	TokensIn      int64
	TokensOut     int64

	MaxLLMCalls  int64
	MaxToolCalls int64
	MaxAgentHops int64
	MaxTokensIn  int64
	MaxTokensOut int64
}

// ProcessingRecord is one entry in the audit trail.
type ProcessingRecord struct {
	Stage      string
	StartedAt  time.Time
	FinishedAt time.Time
	Output     map[string]any
}

// Envelope is the per-request execution state.
type Envelope struct {
	// Identity
	ID        types.EnvelopeId
	RequestID types.RequestId
	UserID    types.UserId
	SessionID types.SessionId

	// Pipeline
	CurrentStage   string
	StageOrder     int
	Iteration      int
	MaxIterations  int
	ActiveStages   map[string]struct{}
	CompletedStages map[string]struct{}
	FailedStages   map[string]string
	ParallelMode   bool

	// Bounds
	Bounds         Bounds
	TerminalReason types.TerminalReason

	// Interrupt
	InterruptPending bool
	Interrupt        *types.InterruptId

	// Execution
	CompletedStageOrder []string
	CurrentStageNumber  int
	MaxStages           int
	AllGoals            []string
	RemainingGoals      []string
	GoalCompletion      map[string]bool
	PriorPlans          []string
	LoopFeedback        []string

	// Audit
	ProcessingHistory []ProcessingRecord
	Errors            []string

	// Top-level
	RawInput     string
	ReceivedAt   time.Time
	Outputs      map[string]any
	Terminated   bool
	CreatedAt    time.Time
	CompletedAt  time.Time
	Metadata     map[string]string
}

// New creates an Envelope in its initial, untouched state.
func New(id types.EnvelopeId, requestID types.RequestId, userID types.UserId, sessionID types.SessionId, rawInput string, now time.Time) *Envelope {
	return &Envelope{
		ID:              id,
		RequestID:       requestID,
		UserID:          userID,
		SessionID:       sessionID,
		ActiveStages:    make(map[string]struct{}),
		CompletedStages: make(map[string]struct{}),
		FailedStages:    make(map[string]string),
		GoalCompletion:  make(map[string]bool),
		Outputs:         make(map[string]any),
		Metadata:        make(map[string]string),
		RawInput:        rawInput,
		ReceivedAt:      now,
		CreatedAt:       now,
	}
}

// MarkCompletedStage moves a stage from active to completed, preserving
// the completed-stages ∩ active-stages = ∅ invariant.
func (e *Envelope) MarkCompletedStage(stage string) {
	delete(e.ActiveStages, stage)
	e.CompletedStages[stage] = struct{}{}
	e.CompletedStageOrder = append(e.CompletedStageOrder, stage)
}

// MarkFailedStage records a non-empty error message for a stage.
func (e *Envelope) MarkFailedStage(stage, message string) error {
	if message == "" {
		return types.ErrInvalidInput("envelope: failed stage requires a non-empty error message")
	}
	e.FailedStages[stage] = message
	return nil
}

// Terminate marks the envelope terminated with the given reason. Invariant:
// if Terminated is true then TerminalReason is set and CompletedAt is
// populated.
func (e *Envelope) Terminate(reason types.TerminalReason, now time.Time) {
	e.Terminated = true
	e.TerminalReason = reason
	e.CompletedAt = now
}

// CheckInvariants reports a violation of the envelope's documented
// invariants. Neither the kernel nor the tests in this module call it.
func (e *Envelope) CheckInvariants() error {
	for stage := range e.CompletedStages {
		if _, active := e.ActiveStages[stage]; active {
			return types.ErrInternal("envelope: stage is both completed and active: " + stage)
		}
	}
	for stage, msg := range e.FailedStages {
		if msg == "" {
			return types.ErrInternal("envelope: failed stage has empty message: " + stage)
		}
	}
	if e.Terminated && e.TerminalReason == types.ReasonNone {
		return types.ErrInternal("envelope: terminated without a terminal reason")
	}
	if e.Terminated && e.CompletedAt.IsZero() {
		return types.ErrInternal("envelope: terminated without completed_at")
	}
	return nil
}
