// Package ipc — wire.go
//
// Wire DTOs for every (service, method) payload. These are the only
// types that cross the msgpack boundary; internal packages never embed
// msgpack tags of their own, keeping the wire format decoupled from
// internal struct layout.

package ipc

import (
	"time"

	"github.com/flowkernel/flowkernel/internal/envelope"
	"github.com/flowkernel/flowkernel/internal/interrupt"
	"github.com/flowkernel/flowkernel/internal/orchestrator"
	"github.com/flowkernel/flowkernel/internal/pcb"
	"github.com/flowkernel/flowkernel/internal/ratelimiter"
	"github.com/flowkernel/flowkernel/internal/resources"
	"github.com/flowkernel/flowkernel/internal/types"
)

// --- KernelService ---

type QuotaDTO struct {
	MaxLLMCalls    int64 `msgpack:"max_llm_calls"`
	MaxToolCalls   int64 `msgpack:"max_tool_calls"`
	MaxAgentHops   int64 `msgpack:"max_agent_hops"`
	MaxIterations  int64 `msgpack:"max_iterations"`
	MaxTokensIn    int64 `msgpack:"max_tokens_in"`
	MaxTokensOut   int64 `msgpack:"max_tokens_out"`
	MaxTimeSeconds int64 `msgpack:"max_time_seconds"`
}

func (q QuotaDTO) toQuota() resources.Quota {
	return resources.Quota{
		MaxLLMCalls:    q.MaxLLMCalls,
		MaxToolCalls:   q.MaxToolCalls,
		MaxAgentHops:   q.MaxAgentHops,
		MaxIterations:  q.MaxIterations,
		MaxTokensIn:    q.MaxTokensIn,
		MaxTokensOut:   q.MaxTokensOut,
		MaxTimeSeconds: q.MaxTimeSeconds,
	}
}

type CreateProcessRequest struct {
	Pid       string   `msgpack:"pid"`
	RequestID string   `msgpack:"request_id"`
	UserID    string   `msgpack:"user_id"`
	SessionID string   `msgpack:"session_id"`
	Priority  string   `msgpack:"priority"`
	Quota     QuotaDTO `msgpack:"quota"`
}

type ProcessDTO struct {
	Pid              string `msgpack:"pid"`
	RequestID        string `msgpack:"request_id"`
	UserID           string `msgpack:"user_id"`
	SessionID        string `msgpack:"session_id"`
	Priority         string `msgpack:"priority"`
	State            string `msgpack:"state"`
	CreatedAtUnix    int64  `msgpack:"created_at_unix"`
	CurrentStage     string `msgpack:"current_stage"`
	PendingInterrupt string `msgpack:"pending_interrupt"`
	HasInterrupt     bool   `msgpack:"has_interrupt"`
	TerminalReason   string `msgpack:"terminal_reason"`
}

func processToDTO(s pcb.Snapshot) ProcessDTO {
	return ProcessDTO{
		Pid:              string(s.Pid),
		RequestID:        string(s.RequestID),
		UserID:           string(s.UserID),
		SessionID:        string(s.SessionID),
		Priority:         s.Priority.String(),
		State:            s.State.String(),
		CreatedAtUnix:    s.CreatedAt.Unix(),
		CurrentStage:     s.CurrentStage,
		PendingInterrupt: string(s.PendingInterrupt),
		HasInterrupt:     s.HasInterrupt,
		TerminalReason:   s.TerminalReason.String(),
	}
}

type PidRequest struct {
	Pid string `msgpack:"pid"`
}

type ReasonRequest struct {
	Pid    string `msgpack:"pid"`
	Reason string `msgpack:"reason"`
}

type BlockProcessRequest struct {
	Pid        string `msgpack:"pid"`
	Dependency string `msgpack:"dependency"`
}

type WaitProcessRequest struct {
	Pid         string `msgpack:"pid"`
	InterruptID string `msgpack:"interrupt_id"`
}

type CleanupZombiesRequest struct {
	OlderThanSeconds int64 `msgpack:"older_than_seconds"`
}

type CleanupZombiesResponse struct {
	Removed int `msgpack:"removed"`
}

type RecordUsageRequest struct {
	Pid       string `msgpack:"pid"`
	LLMCalls  int64  `msgpack:"llm_calls"`
	ToolCalls int64  `msgpack:"tool_calls"`
	AgentHops int64  `msgpack:"agent_hops"`
	TokensIn  int64  `msgpack:"tokens_in"`
	TokensOut int64  `msgpack:"tokens_out"`
}

type CheckQuotaResponse struct {
	Violated  bool   `msgpack:"violated"`
	Dimension string `msgpack:"dimension"`
	Used      int64  `msgpack:"used"`
	Limit     int64  `msgpack:"limit"`
}

type RemainingBudgetDTO struct {
	LLMCalls      int64 `msgpack:"llm_calls"`
	ToolCalls     int64 `msgpack:"tool_calls"`
	AgentHops     int64 `msgpack:"agent_hops"`
	Iterations    int64 `msgpack:"iterations"`
	TokensIn      int64 `msgpack:"tokens_in"`
	TokensOut     int64 `msgpack:"tokens_out"`
	TimeRemaining int64 `msgpack:"time_remaining"`
}

func remainingBudgetToDTO(r resources.RemainingBudget) RemainingBudgetDTO {
	return RemainingBudgetDTO{
		LLMCalls:      r.LLMCalls,
		ToolCalls:     r.ToolCalls,
		AgentHops:     r.AgentHops,
		Iterations:    r.Iterations,
		TokensIn:      r.TokensIn,
		TokensOut:     r.TokensOut,
		TimeRemaining: r.TimeRemaining,
	}
}

type UserRequest struct {
	UserID string `msgpack:"user_id"`
}

type CheckRateLimitResponse struct {
	Allowed bool   `msgpack:"allowed"`
	Window  string `msgpack:"window"`
}

type RatesDTO struct {
	PerMinute int `msgpack:"per_minute"`
	PerHour   int `msgpack:"per_hour"`
	PerDay    int `msgpack:"per_day"`
	Burst     int `msgpack:"burst"`
}

func ratesToDTO(r ratelimiter.Rates) RatesDTO {
	return RatesDTO{PerMinute: r.PerMinute, PerHour: r.PerHour, PerDay: r.PerDay, Burst: r.BurstRemaining}
}

type GetNextRunnableResponse struct {
	Pid   string `msgpack:"pid"`
	Found bool   `msgpack:"found"`
}

// --- Interrupts ---

type PayloadDTO struct {
	Question         string            `msgpack:"question"`
	Context          map[string]string `msgpack:"context"`
	SuggestedActions []string          `msgpack:"suggested_actions"`
}

func (p PayloadDTO) toPayload() interrupt.Payload {
	return interrupt.Payload{Question: p.Question, Context: p.Context, SuggestedActions: p.SuggestedActions}
}

type CreateInterruptRequest struct {
	Pid             string     `msgpack:"pid"`
	InterruptID     string     `msgpack:"interrupt_id"`
	Kind            string     `msgpack:"kind"`
	RequestID       string     `msgpack:"request_id"`
	SessionID       string     `msgpack:"session_id"`
	UserID          string     `msgpack:"user_id"`
	Payload         PayloadDTO `msgpack:"payload"`
	HasTTLOverride  bool       `msgpack:"has_ttl_override"`
	TTLOverrideSecs int64      `msgpack:"ttl_override_secs"`
}

type InterruptDTO struct {
	ID        string     `msgpack:"id"`
	Kind      string     `msgpack:"kind"`
	Status    string     `msgpack:"status"`
	RequestID string     `msgpack:"request_id"`
	SessionID string     `msgpack:"session_id"`
	UserID    string     `msgpack:"user_id"`
	Payload   PayloadDTO `msgpack:"payload"`
	HasExpiry bool       `msgpack:"has_expiry"`
	ExpiresAt int64      `msgpack:"expires_at_unix"`
}

func interruptToDTO(i *interrupt.Interrupt) InterruptDTO {
	var expiresAt int64
	if i.HasExpiry {
		expiresAt = i.ExpiresAt.Unix()
	}
	return InterruptDTO{
		ID:        string(i.ID),
		Kind:      i.Kind.String(),
		Status:    i.Status.String(),
		RequestID: string(i.RequestID),
		SessionID: string(i.SessionID),
		UserID:    string(i.UserID),
		Payload: PayloadDTO{
			Question:         i.Payload.Question,
			Context:          i.Payload.Context,
			SuggestedActions: i.Payload.SuggestedActions,
		},
		HasExpiry: i.HasExpiry,
		ExpiresAt: expiresAt,
	}
}

type ResolveInterruptRequest struct {
	Pid           string            `msgpack:"pid"`
	InterruptID   string            `msgpack:"interrupt_id"`
	ResolvingUser string            `msgpack:"resolving_user"`
	Approved      bool              `msgpack:"approved"`
	Response      map[string]string `msgpack:"response"`
}

type CancelInterruptRequest struct {
	InterruptID string `msgpack:"interrupt_id"`
	Reason      string `msgpack:"reason"`
}

type ExpireOldInterruptsResponse struct {
	Expired int `msgpack:"expired"`
}

type CleanupResolvedRequest struct {
	OlderThanSeconds int64 `msgpack:"older_than_seconds"`
}

type CleanupResolvedResponse struct {
	Removed int `msgpack:"removed"`
}

type RequestIDRequest struct {
	RequestID string `msgpack:"request_id"`
}

type GetPendingInterruptResponse struct {
	Found     bool         `msgpack:"found"`
	Interrupt InterruptDTO `msgpack:"interrupt"`
}

type ListInterruptsResponse struct {
	Interrupts []InterruptDTO `msgpack:"interrupts"`
}

type HasPendingResponse struct {
	HasPending bool `msgpack:"has_pending"`
}

// --- EngineService ---

type CreateEnvelopeRequest struct {
	EnvelopeID string `msgpack:"envelope_id"`
	RequestID  string `msgpack:"request_id"`
	UserID     string `msgpack:"user_id"`
	SessionID  string `msgpack:"session_id"`
	RawInput   string `msgpack:"raw_input"`
}

type BoundsDTO struct {
	LLMCallCount  int64 `msgpack:"llm_call_count"`
	ToolCallCount int64 `msgpack:"tool_call_count"`
	AgentHopCount int64 `msgpack:"agent_hop_count"`
	TokensIn      int64 `msgpack:"tokens_in"`
	TokensOut     int64 `msgpack:"tokens_out"`
	MaxLLMCalls   int64 `msgpack:"max_llm_calls"`
	MaxToolCalls  int64 `msgpack:"max_tool_calls"`
	MaxAgentHops  int64 `msgpack:"max_agent_hops"`
	MaxTokensIn   int64 `msgpack:"max_tokens_in"`
	MaxTokensOut  int64 `msgpack:"max_tokens_out"`
}

func boundsToDTO(b envelope.Bounds) BoundsDTO {
	return BoundsDTO{
		LLMCallCount: b.LLMCallCount, ToolCallCount: b.ToolCallCount, AgentHopCount: b.AgentHopCount,
		TokensIn: b.TokensIn, TokensOut: b.TokensOut,
		MaxLLMCalls: b.MaxLLMCalls, MaxToolCalls: b.MaxToolCalls, MaxAgentHops: b.MaxAgentHops,
		MaxTokensIn: b.MaxTokensIn, MaxTokensOut: b.MaxTokensOut,
	}
}

type EnvelopeDTO struct {
	ID             string         `msgpack:"id"`
	RequestID      string         `msgpack:"request_id"`
	UserID         string         `msgpack:"user_id"`
	SessionID      string         `msgpack:"session_id"`
	CurrentStage   string         `msgpack:"current_stage"`
	StageOrder     int            `msgpack:"stage_order"`
	Iteration      int            `msgpack:"iteration"`
	Bounds         BoundsDTO      `msgpack:"bounds"`
	TerminalReason string         `msgpack:"terminal_reason"`
	Terminated     bool           `msgpack:"terminated"`
	RawInput       string         `msgpack:"raw_input"`
	Outputs        map[string]any `msgpack:"outputs"`
	Errors         []string       `msgpack:"errors"`
}

func envelopeToDTO(e envelope.Envelope) EnvelopeDTO {
	return EnvelopeDTO{
		ID:             string(e.ID),
		RequestID:      string(e.RequestID),
		UserID:         string(e.UserID),
		SessionID:      string(e.SessionID),
		CurrentStage:   e.CurrentStage,
		StageOrder:     e.StageOrder,
		Iteration:      e.Iteration,
		Bounds:         boundsToDTO(e.Bounds),
		TerminalReason: e.TerminalReason.String(),
		Terminated:     e.Terminated,
		RawInput:       e.RawInput,
		Outputs:        e.Outputs,
		Errors:         e.Errors,
	}
}

type EnvelopeIDRequest struct {
	EnvelopeID string `msgpack:"envelope_id"`
}

type RecordStageOutputRequest struct {
	EnvelopeID string         `msgpack:"envelope_id"`
	Stage      string         `msgpack:"stage"`
	Output     map[string]any `msgpack:"output"`
}

type TerminateEnvelopeRequest struct {
	EnvelopeID string `msgpack:"envelope_id"`
	Reason     string `msgpack:"reason"`
}

type CheckBoundsResponse struct {
	Reason   string `msgpack:"reason"`
	Violated bool   `msgpack:"violated"`
}

type EvictEnvelopesRequest struct {
	Capacity int `msgpack:"capacity"`
}

type EvictEnvelopesResponse struct {
	Removed int `msgpack:"removed"`
}

// --- OrchestrationService ---

type RoutingRuleDTO struct {
	ConditionPath string `msgpack:"condition_path"`
	Op            string `msgpack:"op"`
	Value         string `msgpack:"value"`
	Target        string `msgpack:"target"`
}

func (r RoutingRuleDTO) toRule() (orchestrator.RoutingRule, error) {
	op, err := parseComparator(r.Op)
	if err != nil {
		return orchestrator.RoutingRule{}, err
	}
	return orchestrator.RoutingRule{ConditionPath: r.ConditionPath, Op: op, Value: r.Value, Target: r.Target}, nil
}

func parseComparator(name string) (orchestrator.Comparator, error) {
	switch name {
	case "equals":
		return orchestrator.CompEquals, nil
	case "not_equals":
		return orchestrator.CompNotEquals, nil
	case "greater":
		return orchestrator.CompGreater, nil
	case "less":
		return orchestrator.CompLess, nil
	case "contains":
		return orchestrator.CompContains, nil
	default:
		return 0, types.ErrInvalidInput("unknown routing comparator " + name)
	}
}

type AgentConfigDTO struct {
	Name        string            `msgpack:"name"`
	StageOrder  int               `msgpack:"stage_order"`
	Routes      []RoutingRuleDTO  `msgpack:"routes"`
	DefaultNext string            `msgpack:"default_next"`
	Config      map[string]string `msgpack:"config"`
}

type PipelineConfigDTO struct {
	Agents        []AgentConfigDTO `msgpack:"agents"`
	MaxIterations int              `msgpack:"max_iterations"`
	EdgeLimits    map[string]int   `msgpack:"edge_limits"`
}

func (p PipelineConfigDTO) toPipelineConfig() (orchestrator.PipelineConfig, error) {
	agents := make([]orchestrator.AgentConfig, 0, len(p.Agents))
	for _, a := range p.Agents {
		routes := make([]orchestrator.RoutingRule, 0, len(a.Routes))
		for _, r := range a.Routes {
			rule, err := r.toRule()
			if err != nil {
				return orchestrator.PipelineConfig{}, err
			}
			routes = append(routes, rule)
		}
		agents = append(agents, orchestrator.AgentConfig{
			Name: a.Name, StageOrder: a.StageOrder, Routes: routes,
			DefaultNext: a.DefaultNext, Config: a.Config,
		})
	}
	return orchestrator.PipelineConfig{Agents: agents, MaxIterations: p.MaxIterations, EdgeLimits: p.EdgeLimits}, nil
}

type InitializeSessionRequest struct {
	Pid        string            `msgpack:"pid"`
	EnvelopeID string            `msgpack:"envelope_id"`
	Pipeline   PipelineConfigDTO `msgpack:"pipeline"`
}

type InstructionDTO struct {
	Kind           string    `msgpack:"kind"`
	Agent          string    `msgpack:"agent"`
	Config         map[string]string `msgpack:"config"`
	Envelope       EnvelopeDTO `msgpack:"envelope"`
	TerminalReason string    `msgpack:"terminal_reason"`
	Message        string    `msgpack:"message"`
	InterruptID    string    `msgpack:"interrupt_id"`
}

func instructionKindName(k orchestrator.InstructionKind) string {
	switch k {
	case orchestrator.InstructionRunAgent:
		return "run_agent"
	case orchestrator.InstructionTerminate:
		return "terminate"
	case orchestrator.InstructionWaitInterrupt:
		return "wait_interrupt"
	default:
		return "unknown"
	}
}

func instructionToDTO(ins orchestrator.Instruction) InstructionDTO {
	return InstructionDTO{
		Kind:           instructionKindName(ins.Kind),
		Agent:          ins.Agent,
		Config:         ins.Config,
		Envelope:       envelopeToDTO(ins.Envelope),
		TerminalReason: ins.TerminalReason.String(),
		Message:        ins.Message,
		InterruptID:    string(ins.InterruptID),
	}
}

type AgentMetricsDTO struct {
	LLMCalls   int64 `msgpack:"llm_calls"`
	ToolCalls  int64 `msgpack:"tool_calls"`
	TokensIn   int64 `msgpack:"tokens_in"`
	TokensOut  int64 `msgpack:"tokens_out"`
	DurationMs int64 `msgpack:"duration_ms"`
}

type ReportAgentResultRequest struct {
	Pid       string          `msgpack:"pid"`
	AgentName string          `msgpack:"agent_name"`
	Metrics   AgentMetricsDTO `msgpack:"metrics"`
	Output    map[string]any  `msgpack:"output"`
	Err       string          `msgpack:"err"`
}

func (r ReportAgentResultRequest) toAgentResult() orchestrator.AgentResult {
	return orchestrator.AgentResult{
		AgentName: r.AgentName,
		Metrics: orchestrator.AgentMetrics{
			LLMCalls: r.Metrics.LLMCalls, ToolCalls: r.Metrics.ToolCalls,
			TokensIn: r.Metrics.TokensIn, TokensOut: r.Metrics.TokensOut,
			DurationMs: r.Metrics.DurationMs,
		},
		Output: r.Output,
		Err:    r.Err,
	}
}

type SessionStateDTO struct {
	Pid            string         `msgpack:"pid"`
	CurrentStage   string         `msgpack:"current_stage"`
	Iteration      int            `msgpack:"iteration"`
	Terminated     bool           `msgpack:"terminated"`
	TerminalReason string         `msgpack:"terminal_reason"`
	Envelope       EnvelopeDTO    `msgpack:"envelope"`
	EdgeTraversals map[string]int `msgpack:"edge_traversals"`
}

func sessionStateToDTO(s orchestrator.SessionState) SessionStateDTO {
	return SessionStateDTO{
		Pid: string(s.Pid), CurrentStage: s.CurrentStage, Iteration: s.Iteration,
		Terminated: s.Terminated, TerminalReason: s.TerminalReason.String(),
		Envelope: envelopeToDTO(s.Envelope), EdgeTraversals: s.EdgeTraversals,
	}
}

// --- CommBusService ---

type PublishRequest struct {
	Topic   string `msgpack:"topic"`
	Payload any    `msgpack:"payload"`
}

type SubscribeRequest struct {
	Topic string `msgpack:"topic"`
}

type SubscribeResponse struct {
	SubscriptionID string `msgpack:"subscription_id"`
}

type UnsubscribeRequest struct {
	SubscriptionID string `msgpack:"subscription_id"`
}

type NextMessageRequest struct {
	SubscriptionID string `msgpack:"subscription_id"`
	TimeoutMs      int64  `msgpack:"timeout_ms"`
}

type NextMessageResponse struct {
	Found   bool   `msgpack:"found"`
	Topic   string `msgpack:"topic"`
	Payload any    `msgpack:"payload"`
}

type SendRequest struct {
	Target  string `msgpack:"target"`
	Payload any    `msgpack:"payload"`
}

type SendResponse struct {
	Result any `msgpack:"result"`
}

type QueryRequest struct {
	Target    string `msgpack:"target"`
	Payload   any    `msgpack:"payload"`
	TimeoutMs int64  `msgpack:"timeout_ms"`
}

type QueryResponse struct {
	Result any `msgpack:"result"`
}

func secondsOrNil(has bool, secs int64) *time.Duration {
	if !has {
		return nil
	}
	d := time.Duration(secs) * time.Second
	return &d
}
