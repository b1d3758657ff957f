// Package pcb — lifecycle.go
//
// Registry operations: create_process, schedule, get_next_runnable,
// start_process, block_process, wait_process, resume_process,
// terminate_process, list_processes, get_process, count_by_state,
// cleanup_zombies.

package pcb

import (
	"sync"
	"time"

	"github.com/flowkernel/flowkernel/internal/types"
)

// Registry owns every PCB and the priority ready queue.
type Registry struct {
	mu       sync.Mutex
	byPid    map[types.ProcessId]*PCB
	ready    *readyQueue
	nextSeq  uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byPid: make(map[types.ProcessId]*PCB),
		ready: newReadyQueue(),
	}
}

// CreateProcess registers a new PCB in state New. Duplicate pid is
// rejected with DuplicatePidError.
func (r *Registry) CreateProcess(pid types.ProcessId, requestID types.RequestId, userID types.UserId, sessionID types.SessionId, priority types.Priority, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byPid[pid]; exists {
		return &types.DuplicatePidError{Pid: pid}
	}
	r.byPid[pid] = &PCB{
		pid:       pid,
		requestID: requestID,
		userID:    userID,
		sessionID: sessionID,
		priority:  priority,
		state:     types.StateNew,
		createdAt: now,
	}
	return nil
}

func (r *Registry) lookup(pid types.ProcessId) (*PCB, error) {
	p, ok := r.byPid[pid]
	if !ok {
		return nil, types.ErrNotFound("pcb: process not found")
	}
	return p, nil
}

// GetProcess returns a snapshot of one PCB.
func (r *Registry) GetProcess(pid types.ProcessId) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(pid)
	if err != nil {
		return Snapshot{}, err
	}
	return p.Snapshot(), nil
}

// ListProcesses returns a snapshot of every tracked PCB.
func (r *Registry) ListProcesses() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.byPid))
	for _, p := range r.byPid {
		out = append(out, p.Snapshot())
	}
	return out
}

// CountByState tallies PCBs per lifecycle state.
func (r *Registry) CountByState() map[types.ProcessState]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[types.ProcessState]int)
	for _, p := range r.byPid {
		counts[p.State()]++
	}
	return counts
}

// transition validates and applies one state-machine edge under the
// PCB's own lock. The caller already holds the Registry lock.
func (p *PCB) transition(from, to types.ProcessState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != from {
		return &types.InvalidTransitionError{From: p.state, To: to}
	}
	p.state = to
	return nil
}

// Schedule moves a PCB from New to Ready and enqueues it in the ready
// queue under the registry's next insertion sequence.
func (r *Registry) Schedule(pid types.ProcessId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(pid)
	if err != nil {
		return err
	}
	if err := p.transition(types.StateNew, types.StateReady); err != nil {
		return err
	}
	r.nextSeq++
	p.mu.Lock()
	p.seq = r.nextSeq
	prio := p.priority
	p.mu.Unlock()
	r.ready.push(pid, prio, p.seq)
	return nil
}

// GetNextRunnable pops the highest-priority, oldest-enqueued Ready PCB
// and transitions it to Running atomically with removal. Returns
// (zero, false) if the ready queue is empty.
func (r *Registry) GetNextRunnable(now time.Time) (types.ProcessId, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		pid, ok := r.ready.pop()
		if !ok {
			return "", false
		}
		p, err := r.lookup(pid)
		if err != nil {
			continue // stale entry; process was removed by cleanup
		}
		if err := p.transition(types.StateReady, types.StateRunning); err != nil {
			continue // state moved on by another path; skip stale entry
		}
		p.mu.Lock()
		p.startedAt = now
		p.mu.Unlock()
		return pid, true
	}
}

// StartProcess transitions Ready -> Running directly, bypassing the
// ready queue (used when the orchestrator dispatches by name rather than
// by dequeue order).
func (r *Registry) StartProcess(pid types.ProcessId, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(pid)
	if err != nil {
		return err
	}
	if err := p.transition(types.StateReady, types.StateRunning); err != nil {
		return err
	}
	p.mu.Lock()
	p.startedAt = now
	p.mu.Unlock()
	return nil
}

// WaitProcess transitions Running -> Waiting, recording the pending
// interrupt slot.
func (r *Registry) WaitProcess(pid types.ProcessId, interruptID types.InterruptId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(pid)
	if err != nil {
		return err
	}
	if err := p.transition(types.StateRunning, types.StateWaiting); err != nil {
		return err
	}
	p.mu.Lock()
	p.pendingInterrupt = interruptID
	p.hasInterrupt = true
	p.mu.Unlock()
	return nil
}

// BlockProcess transitions Running -> Blocked, recording the dependency
// name in serviceTarget for observability.
func (r *Registry) BlockProcess(pid types.ProcessId, dependency string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(pid)
	if err != nil {
		return err
	}
	if err := p.transition(types.StateRunning, types.StateBlocked); err != nil {
		return err
	}
	p.mu.Lock()
	p.serviceTarget = dependency
	p.mu.Unlock()
	return nil
}

// ResumeProcess transitions Waiting or Blocked back to Ready and
// re-enqueues the PCB at the back of its priority band.
func (r *Registry) ResumeProcess(pid types.ProcessId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(pid)
	if err != nil {
		return err
	}

	p.mu.Lock()
	from := p.state
	p.mu.Unlock()

	var transitionErr error
	switch from {
	case types.StateWaiting:
		transitionErr = p.transition(types.StateWaiting, types.StateReady)
	case types.StateBlocked:
		transitionErr = p.transition(types.StateBlocked, types.StateReady)
	default:
		transitionErr = &types.InvalidTransitionError{From: from, To: types.StateReady}
	}
	if transitionErr != nil {
		return transitionErr
	}

	p.mu.Lock()
	p.hasInterrupt = false
	p.pendingInterrupt = ""
	prio := p.priority
	p.mu.Unlock()

	r.nextSeq++
	p.mu.Lock()
	p.seq = r.nextSeq
	p.mu.Unlock()
	r.ready.push(pid, prio, p.seq)
	return nil
}

// TerminateProcess transitions Running to Terminated. Any other source
// state is rejected with InvalidTransitionError.
func (r *Registry) TerminateProcess(pid types.ProcessId, reason types.TerminalReason, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(pid)
	if err != nil {
		return err
	}

	p.mu.Lock()
	from := p.state
	p.mu.Unlock()

	if from != types.StateRunning {
		return &types.InvalidTransitionError{From: from, To: types.StateTerminated}
	}

	if err := p.transition(from, types.StateTerminated); err != nil {
		return err
	}
	p.mu.Lock()
	p.terminalReason = reason
	p.completedAt = now
	p.mu.Unlock()
	return nil
}

// CleanupZombies transitions every Terminated PCB older than olderThan
// into Zombie and removes it from the registry, returning the count
// removed.
func (r *Registry) CleanupZombies(now time.Time, olderThan time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for pid, p := range r.byPid {
		p.mu.Lock()
		isTerminated := p.state == types.StateTerminated
		age := now.Sub(p.completedAt)
		p.mu.Unlock()
		if isTerminated && age >= olderThan {
			p.mu.Lock()
			p.state = types.StateZombie
			p.mu.Unlock()
			delete(r.byPid, pid)
			removed++
		}
	}
	return removed
}
