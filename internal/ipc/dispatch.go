// Package ipc — dispatch.go
//
// The (service, method) dispatch table. Each handler decodes its own
// payload shape, calls exactly one Kernel method, and returns the value
// to be wire-encoded. Unknown (service, method) pairs are NoHandler;
// payload decode failures are InvalidInput — both map through
// types.CodeOf without any handler needing to know its own wire code.

package ipc

import (
	"context"
	"sync"
	"time"

	"github.com/flowkernel/flowkernel/internal/commbus"
	"github.com/flowkernel/flowkernel/internal/kernel"
	"github.com/flowkernel/flowkernel/internal/types"
)

// Handler decodes payload, executes one kernel operation, and returns
// the result to encode. ctx is the server's context, cancelled when the
// server shuts down; it carries no per-connection read/write deadline.
// Only CommBusService's blocking calls consult it.
type Handler func(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error)

type methodKey struct {
	service string
	method  string
}

// Dispatcher resolves (service, method) pairs and tracks the
// subscriptions long-poll calls need across requests. A Server uses one
// Dispatcher for all of its connections, so the subscription table is
// shared by every connection.
type Dispatcher struct {
	kernel *kernel.Kernel
	table  map[methodKey]Handler

	mu   sync.Mutex
	subs map[types.SubscriptionId]*commbus.Subscription
}

// NewDispatcher builds the full method table bound to k.
func NewDispatcher(k *kernel.Kernel) *Dispatcher {
	d := &Dispatcher{
		kernel: k,
		subs:   make(map[types.SubscriptionId]*commbus.Subscription),
	}
	d.table = map[methodKey]Handler{
		{"KernelService", "create_process"}:            d.createProcess,
		{"KernelService", "get_process"}:                d.getProcess,
		{"KernelService", "list_processes"}:             d.listProcesses,
		{"KernelService", "get_process_counts"}:         d.getProcessCounts,
		{"KernelService", "schedule_process"}:           d.scheduleProcess,
		{"KernelService", "get_next_runnable"}:          d.getNextRunnable,
		{"KernelService", "start_process"}:              d.startProcess,
		{"KernelService", "block_process"}:              d.blockProcess,
		{"KernelService", "wait_process"}:                d.waitProcess,
		{"KernelService", "resume_process"}:             d.resumeProcess,
		{"KernelService", "terminate_process"}:          d.terminateProcess,
		{"KernelService", "cleanup_zombies"}:             d.cleanupZombies,
		{"KernelService", "record_usage"}:                d.recordUsage,
		{"KernelService", "check_quota"}:                 d.checkQuota,
		{"KernelService", "get_remaining_budget"}:        d.getRemainingBudget,
		{"KernelService", "check_rate_limit"}:            d.checkRateLimit,
		{"KernelService", "get_current_rate"}:            d.getCurrentRate,
		{"KernelService", "create_interrupt"}:            d.createInterrupt,
		{"KernelService", "resolve_interrupt"}:           d.resolveInterrupt,
		{"KernelService", "cancel_interrupt"}:            d.cancelInterrupt,
		{"KernelService", "expire_old_interrupts"}:       d.expireOldInterrupts,
		{"KernelService", "cleanup_resolved_interrupts"}: d.cleanupResolvedInterrupts,
		{"KernelService", "get_pending_interrupt"}:       d.getPendingInterrupt,
		{"KernelService", "list_interrupts"}:             d.listInterrupts,
		{"KernelService", "has_pending"}:                 d.hasPending,

		{"EngineService", "create_envelope"}:                 d.createEnvelope,
		{"EngineService", "get_envelope"}:                    d.getEnvelope,
		{"EngineService", "record_stage_output"}:             d.recordStageOutput,
		{"EngineService", "terminate_envelope"}:               d.terminateEnvelope,
		{"EngineService", "check_bounds"}:                     d.checkBounds,
		{"EngineService", "evict_envelopes_beyond_capacity"}: d.evictEnvelopesBeyondCapacity,

		{"OrchestrationService", "initialize_session"}:    d.initializeSession,
		{"OrchestrationService", "get_next_instruction"}:  d.getNextInstruction,
		{"OrchestrationService", "report_agent_result"}:   d.reportAgentResult,
		{"OrchestrationService", "get_session_state"}:     d.getSessionState,

		{"CommBusService", "publish"}:      d.publish,
		{"CommBusService", "subscribe"}:    d.subscribe,
		{"CommBusService", "unsubscribe"}:  d.unsubscribe,
		{"CommBusService", "next_message"}: d.nextMessage,
		{"CommBusService", "send"}:         d.send,
		{"CommBusService", "query"}:        d.query,
	}
	return d
}

// Dispatch routes req to its handler, executing within ctx.
func (d *Dispatcher) Dispatch(ctx context.Context, req RequestEnvelope) (any, error) {
	h, ok := d.table[methodKey{req.Service, req.Method}]
	if !ok {
		return nil, types.ErrNoHandler("ipc: no handler for " + req.Service + "." + req.Method)
	}
	return h(ctx, d.kernel, req.Payload)
}

// --- KernelService ---

func (d *Dispatcher) createProcess(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req CreateProcessRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	pid, err := types.ParseProcessID(req.Pid)
	if err != nil {
		return nil, err
	}
	requestID, err := types.ParseRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}
	userID, err := types.ParseUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	sessionID, err := types.ParseSessionID(req.SessionID)
	if err != nil {
		return nil, err
	}
	priority, err := types.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}
	if err := k.CreateProcess(pid, requestID, userID, sessionID, priority, req.Quota.toQuota()); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (d *Dispatcher) getProcess(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req PidRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	pid, err := types.ParseProcessID(req.Pid)
	if err != nil {
		return nil, err
	}
	snap, err := k.GetProcess(pid)
	if err != nil {
		return nil, err
	}
	return processToDTO(snap), nil
}

func (d *Dispatcher) listProcesses(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	snaps := k.ListProcesses()
	out := make([]ProcessDTO, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, processToDTO(s))
	}
	return out, nil
}

func (d *Dispatcher) getProcessCounts(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	counts := k.GetProcessCounts()
	out := make(map[string]int, len(counts))
	for state, n := range counts {
		out[state.String()] = n
	}
	return out, nil
}

func (d *Dispatcher) scheduleProcess(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req PidRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	pid, err := types.ParseProcessID(req.Pid)
	if err != nil {
		return nil, err
	}
	if err := k.Schedule(pid); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (d *Dispatcher) getNextRunnable(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	pid, found := k.GetNextRunnable()
	return GetNextRunnableResponse{Pid: string(pid), Found: found}, nil
}

func (d *Dispatcher) startProcess(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req PidRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	pid, err := types.ParseProcessID(req.Pid)
	if err != nil {
		return nil, err
	}
	if err := k.StartProcess(pid); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (d *Dispatcher) blockProcess(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req BlockProcessRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	pid, err := types.ParseProcessID(req.Pid)
	if err != nil {
		return nil, err
	}
	if err := k.BlockProcess(pid, req.Dependency); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (d *Dispatcher) waitProcess(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req WaitProcessRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	pid, err := types.ParseProcessID(req.Pid)
	if err != nil {
		return nil, err
	}
	interruptID, err := types.ParseInterruptID(req.InterruptID)
	if err != nil {
		return nil, err
	}
	if err := k.WaitProcess(pid, interruptID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (d *Dispatcher) resumeProcess(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req PidRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	pid, err := types.ParseProcessID(req.Pid)
	if err != nil {
		return nil, err
	}
	if err := k.ResumeProcess(pid); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (d *Dispatcher) terminateProcess(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req ReasonRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	pid, err := types.ParseProcessID(req.Pid)
	if err != nil {
		return nil, err
	}
	reason, err := parseTerminalReason(req.Reason)
	if err != nil {
		return nil, err
	}
	if err := k.TerminateProcess(pid, reason); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (d *Dispatcher) cleanupZombies(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req CleanupZombiesRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	removed := k.CleanupZombies(time.Duration(req.OlderThanSeconds) * time.Second)
	return CleanupZombiesResponse{Removed: removed}, nil
}

func (d *Dispatcher) recordUsage(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req RecordUsageRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	pid, err := types.ParseProcessID(req.Pid)
	if err != nil {
		return nil, err
	}
	if err := k.RecordUsage(pid, req.LLMCalls, req.ToolCalls, req.AgentHops, req.TokensIn, req.TokensOut); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (d *Dispatcher) checkQuota(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req PidRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	pid, err := types.ParseProcessID(req.Pid)
	if err != nil {
		return nil, err
	}
	violation, err := k.CheckQuota(pid)
	if err != nil {
		return nil, err
	}
	if violation == nil {
		return CheckQuotaResponse{Violated: false}, nil
	}
	return CheckQuotaResponse{Violated: true, Dimension: violation.Dimension.String(), Used: violation.Used, Limit: violation.Limit}, nil
}

func (d *Dispatcher) getRemainingBudget(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req PidRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	pid, err := types.ParseProcessID(req.Pid)
	if err != nil {
		return nil, err
	}
	budget, err := k.GetRemainingBudget(pid)
	if err != nil {
		return nil, err
	}
	return remainingBudgetToDTO(budget), nil
}

func (d *Dispatcher) checkRateLimit(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req UserRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	userID, err := types.ParseUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	result := k.CheckRateLimit(userID)
	window := ""
	if !result.Allowed {
		window = result.Reason.String()
	}
	return CheckRateLimitResponse{Allowed: result.Allowed, Window: window}, nil
}

func (d *Dispatcher) getCurrentRate(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req UserRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	userID, err := types.ParseUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	return ratesToDTO(k.GetCurrentRate(userID)), nil
}

func (d *Dispatcher) createInterrupt(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req CreateInterruptRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	pid, err := types.ParseProcessID(req.Pid)
	if err != nil {
		return nil, err
	}
	interruptID, err := types.ParseInterruptID(req.InterruptID)
	if err != nil {
		return nil, err
	}
	kind, err := types.ParseInterruptKind(req.Kind)
	if err != nil {
		return nil, err
	}
	requestID, err := types.ParseRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}
	sessionID, err := types.ParseSessionID(req.SessionID)
	if err != nil {
		return nil, err
	}
	userID, err := types.ParseUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	rec, err := k.CreateInterrupt(pid, interruptID, kind, requestID, sessionID, userID, req.Payload.toPayload(), secondsOrNil(req.HasTTLOverride, req.TTLOverrideSecs))
	if err != nil {
		return nil, err
	}
	return interruptToDTO(rec), nil
}

func (d *Dispatcher) resolveInterrupt(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req ResolveInterruptRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	pid, err := types.ParseProcessID(req.Pid)
	if err != nil {
		return nil, err
	}
	interruptID, err := types.ParseInterruptID(req.InterruptID)
	if err != nil {
		return nil, err
	}
	resolvingUser, err := types.ParseUserID(req.ResolvingUser)
	if err != nil {
		return nil, err
	}
	if err := k.ResolveInterrupt(pid, interruptID, resolvingUser, req.Approved, req.Response); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (d *Dispatcher) cancelInterrupt(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req CancelInterruptRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	interruptID, err := types.ParseInterruptID(req.InterruptID)
	if err != nil {
		return nil, err
	}
	if err := k.CancelInterrupt(interruptID, req.Reason); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (d *Dispatcher) expireOldInterrupts(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	return ExpireOldInterruptsResponse{Expired: k.ExpireOldInterrupts()}, nil
}

func (d *Dispatcher) cleanupResolvedInterrupts(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req CleanupResolvedRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	removed := k.CleanupResolvedInterrupts(time.Duration(req.OlderThanSeconds) * time.Second)
	return CleanupResolvedResponse{Removed: removed}, nil
}

func (d *Dispatcher) getPendingInterrupt(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req RequestIDRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	requestID, err := types.ParseRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}
	rec, ok := k.GetPendingInterrupt(requestID)
	if !ok {
		return GetPendingInterruptResponse{Found: false}, nil
	}
	return GetPendingInterruptResponse{Found: true, Interrupt: interruptToDTO(rec)}, nil
}

func (d *Dispatcher) listInterrupts(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req RequestIDRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	requestID, err := types.ParseRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}
	recs := k.ListInterrupts(requestID)
	out := make([]InterruptDTO, 0, len(recs))
	for i := range recs {
		out = append(out, interruptToDTO(&recs[i]))
	}
	return ListInterruptsResponse{Interrupts: out}, nil
}

func (d *Dispatcher) hasPending(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req RequestIDRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	requestID, err := types.ParseRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}
	return HasPendingResponse{HasPending: k.HasPending(requestID)}, nil
}

// --- EngineService ---

func (d *Dispatcher) createEnvelope(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req CreateEnvelopeRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	id, err := types.ParseEnvelopeID(req.EnvelopeID)
	if err != nil {
		return nil, err
	}
	requestID, err := types.ParseRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}
	userID, err := types.ParseUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	sessionID, err := types.ParseSessionID(req.SessionID)
	if err != nil {
		return nil, err
	}
	env := k.CreateEnvelope(id, requestID, userID, sessionID, req.RawInput)
	return envelopeToDTO(env), nil
}

func (d *Dispatcher) getEnvelope(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req EnvelopeIDRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	id, err := types.ParseEnvelopeID(req.EnvelopeID)
	if err != nil {
		return nil, err
	}
	env, err := k.GetEnvelope(id)
	if err != nil {
		return nil, err
	}
	return envelopeToDTO(env), nil
}

func (d *Dispatcher) recordStageOutput(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req RecordStageOutputRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	id, err := types.ParseEnvelopeID(req.EnvelopeID)
	if err != nil {
		return nil, err
	}
	if err := k.RecordStageOutput(id, req.Stage, req.Output); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (d *Dispatcher) terminateEnvelope(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req TerminateEnvelopeRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	id, err := types.ParseEnvelopeID(req.EnvelopeID)
	if err != nil {
		return nil, err
	}
	reason, err := parseTerminalReason(req.Reason)
	if err != nil {
		return nil, err
	}
	if err := k.TerminateEnvelope(id, reason); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (d *Dispatcher) checkBounds(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req EnvelopeIDRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	id, err := types.ParseEnvelopeID(req.EnvelopeID)
	if err != nil {
		return nil, err
	}
	reason, violated, err := k.CheckBounds(id)
	if err != nil {
		return nil, err
	}
	return CheckBoundsResponse{Reason: reason.String(), Violated: violated}, nil
}

func (d *Dispatcher) evictEnvelopesBeyondCapacity(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req EvictEnvelopesRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	return EvictEnvelopesResponse{Removed: k.EvictEnvelopesBeyondCapacity(req.Capacity)}, nil
}

// --- OrchestrationService ---

func (d *Dispatcher) initializeSession(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req InitializeSessionRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	pid, err := types.ParseProcessID(req.Pid)
	if err != nil {
		return nil, err
	}
	envID, err := types.ParseEnvelopeID(req.EnvelopeID)
	if err != nil {
		return nil, err
	}
	cfg, err := req.Pipeline.toPipelineConfig()
	if err != nil {
		return nil, err
	}
	if err := k.InitializeSession(pid, cfg, envID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (d *Dispatcher) getNextInstruction(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req PidRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	pid, err := types.ParseProcessID(req.Pid)
	if err != nil {
		return nil, err
	}
	ins, err := k.GetNextInstruction(pid)
	if err != nil {
		return nil, err
	}
	return instructionToDTO(ins), nil
}

func (d *Dispatcher) reportAgentResult(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req ReportAgentResultRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	pid, err := types.ParseProcessID(req.Pid)
	if err != nil {
		return nil, err
	}
	if err := k.ReportAgentResult(pid, req.toAgentResult()); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (d *Dispatcher) getSessionState(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req PidRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	pid, err := types.ParseProcessID(req.Pid)
	if err != nil {
		return nil, err
	}
	state, err := k.GetSessionState(pid)
	if err != nil {
		return nil, err
	}
	return sessionStateToDTO(state), nil
}

// --- CommBusService ---

func (d *Dispatcher) publish(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req PublishRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	k.Publish(req.Topic, req.Payload)
	return struct{}{}, nil
}

func (d *Dispatcher) subscribe(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req SubscribeRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	sub := k.Subscribe(req.Topic)
	d.mu.Lock()
	d.subs[sub.ID] = sub
	d.mu.Unlock()
	return SubscribeResponse{SubscriptionID: string(sub.ID)}, nil
}

func (d *Dispatcher) unsubscribe(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req UnsubscribeRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	id, err := types.ParseSubscriptionID(req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	k.Unsubscribe(id)
	d.mu.Lock()
	delete(d.subs, id)
	d.mu.Unlock()
	return struct{}{}, nil
}

// nextMessage implements subscribe-over-IPC as long-poll: it blocks up
// to timeout_ms waiting for the next message on an existing
// subscription, per spec.md's "long-poll semantics" fallback for
// transports without a true push stream.
func (d *Dispatcher) nextMessage(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req NextMessageRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	id, err := types.ParseSubscriptionID(req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	sub, ok := d.subs[id]
	d.mu.Unlock()
	if !ok {
		return nil, types.ErrNotFound("ipc: no such subscription")
	}
	pollCtx, cancel := context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
	defer cancel()
	msg, err := sub.Next(pollCtx)
	if err != nil {
		if pollCtx.Err() != nil {
			return NextMessageResponse{Found: false}, nil
		}
		return nil, err
	}
	return NextMessageResponse{Found: true, Topic: msg.Topic, Payload: msg.Payload}, nil
}

func (d *Dispatcher) send(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req SendRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	result, err := k.Send(req.Target, req.Payload)
	if err != nil {
		return nil, err
	}
	return SendResponse{Result: result}, nil
}

func (d *Dispatcher) query(ctx context.Context, k *kernel.Kernel, payload []byte) (any, error) {
	var req QueryRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	result, err := k.Query(ctx, req.Target, req.Payload, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return QueryResponse{Result: result}, nil
}

func parseTerminalReason(name string) (types.TerminalReason, error) {
	switch name {
	case "Completed":
		return types.ReasonCompleted, nil
	case "Failed":
		return types.ReasonFailed, nil
	case "TimedOut":
		return types.ReasonTimedOut, nil
	case "QuotaExceeded":
		return types.ReasonQuotaExceeded, nil
	case "Cancelled":
		return types.ReasonCancelled, nil
	case "MaxIterationsExceeded":
		return types.ReasonMaxIterationsExceeded, nil
	case "MaxCallsExceeded":
		return types.ReasonMaxCallsExceeded, nil
	case "MaxHopsExceeded":
		return types.ReasonMaxHopsExceeded, nil
	case "BackwardCycleExhausted":
		return types.ReasonBackwardCycleExhausted, nil
	default:
		return types.ReasonNone, types.ErrInvalidInput("unknown terminal reason " + name)
	}
}
