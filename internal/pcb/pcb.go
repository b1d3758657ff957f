// Package pcb — pcb.go
//
// The Process Control Block registry: one record per in-flight request,
// its state machine, and the priority-ordered ready queue that decides
// dispatch order.
//
// State transition graph (see types.ProcessState):
//
//	New --schedule--> Ready --start--> Running --terminate--> Terminated --cleanup--> Zombie
//	                    ^                |   |
//	                    |                |   +--block--> Blocked --resume(clear dep)--+
//	                    +----------------+                                            |
//	                    ^                                                             |
//	                    +---------------------------------------------------(resume)--+
//	                    |
//	                 (interrupt resolved)
//	Running --wait--> Waiting
//
// Any edge not named above is rejected with InvalidTransitionError. A PCB
// in Terminated moves to Zombie only via the cleanup scan, after at least
// the configured grace period has elapsed.

package pcb

import (
	"sync"
	"time"

	"github.com/flowkernel/flowkernel/internal/types"
)

// PCB is the kernel's bookkeeping record for one in-flight request.
// All mutable fields are guarded by mu; callers never hold a pointer to a
// live PCB across the kernel lock boundary — Registry methods return
// value snapshots (Snapshot) instead.
type PCB struct {
	mu sync.Mutex

	pid       types.ProcessId
	requestID types.RequestId
	userID    types.UserId
	sessionID types.SessionId
	priority  types.Priority

	state ProcessState

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	currentStage   string
	serviceTarget  string
	pendingInterrupt types.InterruptId
	hasInterrupt     bool

	terminalReason types.TerminalReason
	seq            uint64 // insertion sequence, assigned at schedule time
}

// ProcessState is re-exported for callers that only import this package.
type ProcessState = types.ProcessState

// Snapshot is an immutable value copy of a PCB's observable fields.
type Snapshot struct {
	Pid              types.ProcessId
	RequestID        types.RequestId
	UserID           types.UserId
	SessionID        types.SessionId
	Priority         types.Priority
	State            types.ProcessState
	CreatedAt        time.Time
	StartedAt        time.Time
	CompletedAt      time.Time
	CurrentStage     string
	ServiceTarget    string
	PendingInterrupt types.InterruptId
	HasInterrupt     bool
	TerminalReason   types.TerminalReason
}

func (p *PCB) snapshotLocked() Snapshot {
	return Snapshot{
		Pid:              p.pid,
		RequestID:        p.requestID,
		UserID:           p.userID,
		SessionID:        p.sessionID,
		Priority:         p.priority,
		State:            p.state,
		CreatedAt:        p.createdAt,
		StartedAt:        p.startedAt,
		CompletedAt:      p.completedAt,
		CurrentStage:     p.currentStage,
		ServiceTarget:    p.serviceTarget,
		PendingInterrupt: p.pendingInterrupt,
		HasInterrupt:     p.hasInterrupt,
		TerminalReason:   p.terminalReason,
	}
}

// Snapshot returns a copy of the PCB's current observable state.
func (p *PCB) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// State returns the PCB's current lifecycle state.
func (p *PCB) State() types.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
