// Package kernel — kernel.go
//
// The single-actor facade: one exclusive lock wraps every mutation of
// PCB, resource, rate-limiter, interrupt, envelope, orchestrator, and
// CommBus state. Kernel is used by the IPC server (internal/ipc), the
// cleanup service (internal/cleanup) and the daemon entrypoint
// (cmd/flowkerneld). The IPC server decodes/encodes outside this lock
// and calls exactly one Kernel method per request, matching spec.md §5's
// "parallel I/O threads share a single logical kernel actor" model.
//
// Every exported method that returns kernel state returns a value
// snapshot, never a live pointer, so callers across the IPC boundary
// (and across goroutines generally) never observe a half-mutated record.
// Subscribe is the exception: it returns the live subscription handle
// its caller reads messages from.

package kernel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowkernel/flowkernel/internal/commbus"
	"github.com/flowkernel/flowkernel/internal/envelope"
	"github.com/flowkernel/flowkernel/internal/interrupt"
	"github.com/flowkernel/flowkernel/internal/observability"
	"github.com/flowkernel/flowkernel/internal/orchestrator"
	"github.com/flowkernel/flowkernel/internal/pcb"
	"github.com/flowkernel/flowkernel/internal/ratelimiter"
	"github.com/flowkernel/flowkernel/internal/resources"
	"github.com/flowkernel/flowkernel/internal/types"
)

// Clock is the kernel's sole source of "now", swappable in tests.
type Clock func() time.Time

// Config bundles the subsystem configuration the kernel wires together
// at construction time.
type Config struct {
	RateLimiter        ratelimiter.Config
	DefaultQuota       resources.Quota
	InterruptOverrides map[types.InterruptKind]interrupt.KindDefaults
	CommBusQueueDepth  int
}

// Kernel is the single logical actor. mu serializes every mutation;
// the pcb, resources, ratelimiter, interrupt and commbus subsystems also
// keep their own internal mutex for defense in depth (the orchestrator
// sessions and the envelope map are guarded by mu alone), but no caller
// outside this package ever acquires a subsystem lock without holding
// mu first.
type Kernel struct {
	mu sync.Mutex

	clock Clock
	log   *zap.Logger
	metr  *observability.Metrics

	processes    *pcb.Registry
	resourceMgr  *resources.Manager
	limiter      *ratelimiter.Limiter
	interrupts   *interrupt.Manager
	envelopes    map[types.EnvelopeId]*envelope.Envelope
	orchestrator *orchestrator.Manager
	bus          *commbus.Bus
	defaultQuota resources.Quota

	envelopeOrder []types.EnvelopeId // insertion order, for capacity eviction
}

// New constructs a Kernel with fresh, empty subsystem state.
func New(cfg Config, clock Clock, log *zap.Logger, metr *observability.Metrics) *Kernel {
	if clock == nil {
		clock = time.Now
	}
	return &Kernel{
		clock:        clock,
		log:          log,
		metr:         metr,
		processes:    pcb.NewRegistry(),
		resourceMgr:  resources.NewManager(),
		limiter:      ratelimiter.New(cfg.RateLimiter),
		interrupts:   interrupt.NewManager(cfg.InterruptOverrides),
		envelopes:    make(map[types.EnvelopeId]*envelope.Envelope),
		orchestrator: orchestrator.NewManager(),
		bus:          commbus.New(cfg.CommBusQueueDepth),
		defaultQuota: cfg.DefaultQuota,
	}
}

func (k *Kernel) now() time.Time { return k.clock() }

// --- KernelService: process lifecycle, resources, rate limiting ---

// CreateProcess registers a new PCB and its resource quota. A caller
// that supplies the zero-value Quota (no bound set on any dimension)
// gets the kernel's configured DefaultQuota instead, so an IPC client
// can omit quota fields entirely and still be bounded.
func (k *Kernel) CreateProcess(pid types.ProcessId, requestID types.RequestId, userID types.UserId, sessionID types.SessionId, priority types.Priority, quota resources.Quota) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	if err := k.processes.CreateProcess(pid, requestID, userID, sessionID, priority, now); err != nil {
		return err
	}
	if quota == (resources.Quota{}) {
		quota = k.defaultQuota
	}
	k.resourceMgr.Track(pid, quota, now)
	return nil
}

// GetProcess returns a snapshot of one PCB.
func (k *Kernel) GetProcess(pid types.ProcessId) (pcb.Snapshot, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.processes.GetProcess(pid)
}

// ListProcesses returns every tracked PCB.
func (k *Kernel) ListProcesses() []pcb.Snapshot {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.processes.ListProcesses()
}

// GetProcessCounts tallies PCBs per lifecycle state.
func (k *Kernel) GetProcessCounts() map[types.ProcessState]int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.processes.CountByState()
}

// Schedule moves a PCB into the ready queue.
func (k *Kernel) Schedule(pid types.ProcessId) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.processes.Schedule(pid)
}

// GetNextRunnable pops and dispatches the highest-priority ready PCB.
func (k *Kernel) GetNextRunnable() (types.ProcessId, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.processes.GetNextRunnable(k.now())
}

// StartProcess transitions Ready -> Running directly.
func (k *Kernel) StartProcess(pid types.ProcessId) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.processes.StartProcess(pid, k.now())
}

// BlockProcess transitions Running -> Blocked.
func (k *Kernel) BlockProcess(pid types.ProcessId, dependency string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.processes.BlockProcess(pid, dependency)
}

// WaitProcess transitions Running -> Waiting and records the pending
// interrupt slot.
func (k *Kernel) WaitProcess(pid types.ProcessId, interruptID types.InterruptId) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.processes.WaitProcess(pid, interruptID)
}

// ResumeProcess transitions Waiting/Blocked back to Ready.
func (k *Kernel) ResumeProcess(pid types.ProcessId) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.processes.ResumeProcess(pid)
}

// TerminateProcess transitions a PCB to Terminated. Its resource
// tracking entry stays in place until CleanupZombies removes the PCB.
func (k *Kernel) TerminateProcess(pid types.ProcessId, reason types.TerminalReason) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.processes.TerminateProcess(pid, reason, k.now())
}

// CleanupZombies removes Terminated PCBs past their grace period,
// together with their resource tracking entries.
func (k *Kernel) CleanupZombies(olderThan time.Duration) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	for _, snap := range k.processes.ListProcesses() {
		if snap.State == types.StateTerminated && now.Sub(snap.CompletedAt) >= olderThan {
			k.resourceMgr.Untrack(snap.Pid)
		}
	}
	return k.processes.CleanupZombies(now, olderThan)
}

// RecordUsage accumulates resource-usage deltas for pid.
func (k *Kernel) RecordUsage(pid types.ProcessId, llmCalls, toolCalls, agentHops, tokensIn, tokensOut int64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.resourceMgr.RecordUsage(pid, llmCalls, toolCalls, agentHops, tokensIn, tokensOut)
}

// CheckQuota reports the first violated dimension for pid, if any.
func (k *Kernel) CheckQuota(pid types.ProcessId) (*types.QuotaViolation, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.resourceMgr.CheckQuota(pid, k.now())
}

// GetRemainingBudget reports pid's remaining quota per dimension.
func (k *Kernel) GetRemainingBudget(pid types.ProcessId) (resources.RemainingBudget, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.resourceMgr.GetRemainingBudget(pid, k.now())
}

// CheckRateLimit admits or rejects one event for user.
func (k *Kernel) CheckRateLimit(user types.UserId) ratelimiter.Result {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.limiter.CheckRateLimit(user, k.now())
}

// GetCurrentRate reports user's current window occupancy.
func (k *Kernel) GetCurrentRate(user types.UserId) ratelimiter.Rates {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.limiter.GetCurrentRate(user, k.now())
}

// --- EngineService: envelopes ---

// CreateEnvelope allocates and tracks a new Envelope.
func (k *Kernel) CreateEnvelope(id types.EnvelopeId, requestID types.RequestId, userID types.UserId, sessionID types.SessionId, rawInput string) envelope.Envelope {
	k.mu.Lock()
	defer k.mu.Unlock()
	env := envelope.New(id, requestID, userID, sessionID, rawInput, k.now())
	k.envelopes[id] = env
	k.envelopeOrder = append(k.envelopeOrder, id)
	return *env
}

// GetEnvelope returns a snapshot of one envelope.
func (k *Kernel) GetEnvelope(id types.EnvelopeId) (envelope.Envelope, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	env, ok := k.envelopes[id]
	if !ok {
		return envelope.Envelope{}, types.ErrNotFound("kernel: envelope not found")
	}
	return *env, nil
}

// RecordStageOutput writes one stage's output into an envelope without
// going through the orchestrator (used by EngineService callers that
// bypass pipeline routing entirely).
func (k *Kernel) RecordStageOutput(id types.EnvelopeId, stage string, output map[string]any) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	env, ok := k.envelopes[id]
	if !ok {
		return types.ErrNotFound("kernel: envelope not found")
	}
	if env.Outputs == nil {
		env.Outputs = make(map[string]any)
	}
	env.Outputs[stage] = output
	return nil
}

// TerminateEnvelope marks an envelope terminated with reason.
func (k *Kernel) TerminateEnvelope(id types.EnvelopeId, reason types.TerminalReason) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	env, ok := k.envelopes[id]
	if !ok {
		return types.ErrNotFound("kernel: envelope not found")
	}
	env.Terminate(reason, k.now())
	return nil
}

// CheckBounds reports whether an envelope's own bounds counters have
// crossed any configured maximum.
func (k *Kernel) CheckBounds(id types.EnvelopeId) (types.TerminalReason, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	env, ok := k.envelopes[id]
	if !ok {
		return types.ReasonNone, false, types.ErrNotFound("kernel: envelope not found")
	}
	reason, violated := orchestrator.CheckEnvelopeBounds(env.Bounds)
	return reason, violated, nil
}

// EvictEnvelopesBeyondCapacity removes the oldest terminated envelopes
// past capacity, returning the count removed. Called by the cleanup
// service.
func (k *Kernel) EvictEnvelopesBeyondCapacity(capacity int) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if capacity <= 0 || len(k.envelopes) <= capacity {
		return 0
	}
	removed := 0
	kept := k.envelopeOrder[:0]
	for _, id := range k.envelopeOrder {
		env, ok := k.envelopes[id]
		if !ok {
			continue
		}
		if len(k.envelopes)-removed > capacity && env.Terminated {
			delete(k.envelopes, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	k.envelopeOrder = kept
	return removed
}

// --- OrchestrationService ---

// InitializeSession binds a pipeline configuration to an already
// created process/envelope pair.
func (k *Kernel) InitializeSession(pid types.ProcessId, cfg orchestrator.PipelineConfig, envID types.EnvelopeId) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	env, ok := k.envelopes[envID]
	if !ok {
		return types.ErrNotFound("kernel: envelope not found")
	}
	return k.orchestrator.InitializeSession(pid, cfg, env, k.now())
}

// GetNextInstruction runs the routing algorithm for pid's session.
func (k *Kernel) GetNextInstruction(pid types.ProcessId) (orchestrator.Instruction, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.orchestrator.GetNextInstruction(pid, k.now())
}

// ReportAgentResult merges one agent's result into pid's session.
func (k *Kernel) ReportAgentResult(pid types.ProcessId, result orchestrator.AgentResult) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.orchestrator.ReportAgentResult(pid, result, k.now())
}

// GetSessionState returns a snapshot of pid's orchestration session.
func (k *Kernel) GetSessionState(pid types.ProcessId) (orchestrator.SessionState, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.orchestrator.GetSessionState(pid)
}

// --- Interrupt subsystem (shared by KernelService and OrchestrationService) ---

// CreateInterrupt registers a new Pending interrupt and parks pid in
// Waiting. Rejects with InvalidTransition if requestID already has a
// Pending interrupt outstanding.
func (k *Kernel) CreateInterrupt(pid types.ProcessId, id types.InterruptId, kind types.InterruptKind, requestID types.RequestId, sessionID types.SessionId, userID types.UserId, payload interrupt.Payload, ttlOverride *time.Duration) (*interrupt.Interrupt, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.interrupts.HasPending(requestID) {
		return nil, types.ErrInvalidTransition("interrupt: request already has a pending interrupt")
	}
	now := k.now()
	rec := k.interrupts.CreateInterrupt(id, kind, requestID, sessionID, userID, payload, ttlOverride, now)
	if err := k.processes.WaitProcess(pid, id); err != nil {
		return nil, err
	}
	cp := *rec
	return &cp, nil
}

// ResolveInterrupt resolves a Pending interrupt and resumes its PCB.
func (k *Kernel) ResolveInterrupt(pid types.ProcessId, id types.InterruptId, resolvingUser types.UserId, approved bool, response map[string]string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.interrupts.ResolveInterrupt(id, resolvingUser, approved, response); err != nil {
		return err
	}
	return k.processes.ResumeProcess(pid)
}

// CancelInterrupt cancels a Pending interrupt.
func (k *Kernel) CancelInterrupt(id types.InterruptId, reason string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.interrupts.CancelInterrupt(id, reason)
}

// ExpireOldInterrupts batch-expires Pending interrupts past TTL.
func (k *Kernel) ExpireOldInterrupts() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.interrupts.ExpireOldInterrupts(k.now())
}

// GetPendingInterrupt returns the single Pending interrupt for a
// request, if any.
func (k *Kernel) GetPendingInterrupt(requestID types.RequestId) (*interrupt.Interrupt, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.interrupts.GetPendingInterrupt(requestID)
}

// ListInterrupts returns every interrupt recorded for a request.
func (k *Kernel) ListInterrupts(requestID types.RequestId) []interrupt.Interrupt {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.interrupts.ListInterrupts(requestID)
}

// HasPending reports whether a request currently has a Pending
// interrupt.
func (k *Kernel) HasPending(requestID types.RequestId) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.interrupts.HasPending(requestID)
}

// --- CommBusService ---

// Publish fans payload out to every subscriber of topic.
func (k *Kernel) Publish(topic string, payload any) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.bus.Publish(topic, payload)
}

// Subscribe registers a new CommBus subscription.
func (k *Kernel) Subscribe(topic string) *commbus.Subscription {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.bus.Subscribe(topic)
}

// Unsubscribe removes a CommBus subscription. Idempotent.
func (k *Kernel) Unsubscribe(id types.SubscriptionId) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.bus.Unsubscribe(id)
}

// Send invokes target's registered command handler.
func (k *Kernel) Send(target string, payload any) (any, error) {
	k.mu.Lock()
	bus := k.bus
	k.mu.Unlock()
	return bus.Send(target, payload)
}

// RegisterCommandHandler installs target's command handler.
func (k *Kernel) RegisterCommandHandler(target string, handler commbus.CommandHandler) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.bus.RegisterCommandHandler(target, handler)
}

// RegisterQueryHandler installs target's query handler.
func (k *Kernel) RegisterQueryHandler(target string, handler commbus.QueryHandler) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.bus.RegisterQueryHandler(target, handler)
}

// Query looks up target's handler under the kernel lock, then waits on
// the handler/timeout entirely outside it: commbus.Bus.Query does not
// block on kernel state, so a slow query never stalls other kernel
// operations.
func (k *Kernel) Query(ctx context.Context, target string, payload any, timeout time.Duration) (any, error) {
	k.mu.Lock()
	bus := k.bus
	k.mu.Unlock()
	return bus.Query(ctx, target, payload, timeout)
}

// EvictStaleRateLimitUsers removes per-user rate-limit state for users
// with no recent activity and no active PCB.
func (k *Kernel) EvictStaleRateLimitUsers() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.limiter.EvictStaleUsers(k.now(), k.userHasActivePCBLocked)
}

func (k *Kernel) userHasActivePCBLocked(user types.UserId) bool {
	for _, snap := range k.processes.ListProcesses() {
		if snap.UserID == user && snap.State != types.StateTerminated && !snap.State.IsTerminal() {
			return true
		}
	}
	return false
}

// CleanupResolvedInterrupts drops resolved/expired/cancelled interrupts
// older than olderThan.
func (k *Kernel) CleanupResolvedInterrupts(olderThan time.Duration) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.interrupts.CleanupResolved(k.now(), olderThan)
}
