// Package interrupt — interrupt.go
//
// The unified HITL interrupt subsystem: create/resolve/cancel, per-kind
// TTL defaults, and atomic batch expiry. Bookkeeping style (enteredAt +
// time.Since based expiry) generalizes escalation.ProcessState's
// enteredAt/TimeInState pattern from the teacher.
//
// Invariant: a Pending interrupt transitions only to Resolved, Expired,
// or Cancelled; a resolved interrupt is immutable thereafter. A request
// has at most one pending interrupt at a time — enforced by the caller
// (internal/kernel.Kernel.CreateInterrupt), which calls HasPending
// before issuing create.

package interrupt

import (
	"sync"
	"time"

	"github.com/flowkernel/flowkernel/internal/types"
)

// KindDefaults describes a kind's default TTL / auto-expire / requires-
// response behavior.
type KindDefaults struct {
	TTL             time.Duration // zero means no TTL
	AutoExpire      bool
	RequiresResponse bool
}

// DefaultKindTable is the spec's fixed per-kind default configuration.
var DefaultKindTable = map[types.InterruptKind]KindDefaults{
	types.InterruptClarification:     {TTL: 24 * time.Hour, AutoExpire: true, RequiresResponse: true},
	types.InterruptConfirmation:      {TTL: time.Hour, AutoExpire: true, RequiresResponse: true},
	types.InterruptAgentReview:       {TTL: 30 * time.Minute, AutoExpire: true, RequiresResponse: true},
	types.InterruptCheckpoint:        {TTL: 0, AutoExpire: false, RequiresResponse: false},
	types.InterruptResourceExhausted: {TTL: 5 * time.Minute, AutoExpire: true, RequiresResponse: false},
	types.InterruptTimeout:           {TTL: 5 * time.Minute, AutoExpire: true, RequiresResponse: false},
	types.InterruptSystemError:       {TTL: time.Hour, AutoExpire: true, RequiresResponse: false},
}

// Payload carries the human-facing content of an interrupt.
type Payload struct {
	Question         string
	Context          map[string]string
	SuggestedActions []string
}

// Resolution carries the outcome once an interrupt leaves Pending via
// resolve_interrupt.
type Resolution struct {
	Approved bool
	Response map[string]string
}

// Interrupt is one HITL pause record.
type Interrupt struct {
	ID        types.InterruptId
	Kind      types.InterruptKind
	Status    types.InterruptStatus
	RequestID types.RequestId
	SessionID types.SessionId
	UserID    types.UserId
	Payload   Payload
	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiry
	HasExpiry bool
	Resolution Resolution
	HasResolution bool
}

// Manager owns every interrupt record.
type Manager struct {
	mu         sync.Mutex
	kindTable  map[types.InterruptKind]KindDefaults
	byID       map[types.InterruptId]*Interrupt
	byRequest  map[types.RequestId][]types.InterruptId
}

// NewManager creates a Manager using DefaultKindTable, optionally
// overridden by overrides (nil uses the defaults unmodified).
func NewManager(overrides map[types.InterruptKind]KindDefaults) *Manager {
	table := make(map[types.InterruptKind]KindDefaults, len(DefaultKindTable))
	for k, v := range DefaultKindTable {
		table[k] = v
	}
	for k, v := range overrides {
		table[k] = v
	}
	return &Manager{
		kindTable: table,
		byID:      make(map[types.InterruptId]*Interrupt),
		byRequest: make(map[types.RequestId][]types.InterruptId),
	}
}

// CreateInterrupt registers a new Pending interrupt. ttlOverride, when
// non-nil, replaces the kind's default TTL for this instance only.
func (m *Manager) CreateInterrupt(id types.InterruptId, kind types.InterruptKind, requestID types.RequestId, sessionID types.SessionId, userID types.UserId, payload Payload, ttlOverride *time.Duration, now time.Time) *Interrupt {
	m.mu.Lock()
	defer m.mu.Unlock()

	defaults := m.kindTable[kind]
	ttl := defaults.TTL
	if ttlOverride != nil {
		ttl = *ttlOverride
	}

	rec := &Interrupt{
		ID:        id,
		Kind:      kind,
		Status:    types.InterruptPending,
		RequestID: requestID,
		SessionID: sessionID,
		UserID:    userID,
		Payload:   payload,
		CreatedAt: now,
	}
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
		rec.HasExpiry = true
	}

	m.byID[id] = rec
	m.byRequest[requestID] = append(m.byRequest[requestID], id)
	return rec
}

// ResolveInterrupt moves a Pending interrupt to Resolved. Rejects with
// Unauthorized if resolvingUser differs from the owning user, and with
// InvalidTransition if the interrupt is not Pending.
func (m *Manager) ResolveInterrupt(id types.InterruptId, resolvingUser types.UserId, approved bool, response map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byID[id]
	if !ok {
		return types.ErrNotFound("interrupt: not found")
	}
	if rec.Status != types.InterruptPending {
		return types.ErrInvalidTransition("interrupt: already resolved, expired, or cancelled")
	}
	if rec.UserID != resolvingUser {
		return types.ErrUnauthorized("interrupt: resolving user does not own this interrupt")
	}

	rec.Status = types.InterruptResolved
	rec.Resolution = Resolution{Approved: approved, Response: response}
	rec.HasResolution = true
	return nil
}

// CancelInterrupt moves a Pending interrupt to Cancelled.
func (m *Manager) CancelInterrupt(id types.InterruptId, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return types.ErrNotFound("interrupt: not found")
	}
	if rec.Status != types.InterruptPending {
		return types.ErrInvalidTransition("interrupt: only a pending interrupt can be cancelled")
	}
	rec.Status = types.InterruptCancelled
	return nil
}

// GetPendingInterrupt returns the single Pending interrupt for a
// request, if any.
func (m *Manager) GetPendingInterrupt(requestID types.RequestId) (*Interrupt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.byRequest[requestID] {
		if rec := m.byID[id]; rec.Status == types.InterruptPending {
			cp := *rec
			return &cp, true
		}
	}
	return nil, false
}

// ListInterrupts returns every interrupt recorded for a request.
func (m *Manager) ListInterrupts(requestID types.RequestId) []Interrupt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Interrupt, 0, len(m.byRequest[requestID]))
	for _, id := range m.byRequest[requestID] {
		out = append(out, *m.byID[id])
	}
	return out
}

// HasPending reports whether a request currently has a Pending
// interrupt.
func (m *Manager) HasPending(requestID types.RequestId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.byRequest[requestID] {
		if m.byID[id].Status == types.InterruptPending {
			return true
		}
	}
	return false
}

// ExpireOldInterrupts atomically moves every Pending interrupt whose
// ExpiresAt <= now into Expired, returning the count moved.
func (m *Manager) ExpireOldInterrupts(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, rec := range m.byID {
		if rec.Status == types.InterruptPending && rec.HasExpiry && !rec.ExpiresAt.After(now) {
			rec.Status = types.InterruptExpired
			count++
		}
	}
	return count
}

// CleanupResolved drops every non-Pending interrupt created at least
// olderThan before now, returning the count removed. Age is measured
// from CreatedAt; the time an interrupt left Pending is not recorded
// and plays no part.
func (m *Manager) CleanupResolved(now time.Time, olderThan time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, rec := range m.byID {
		if rec.Status == types.InterruptPending {
			continue
		}
		if now.Sub(rec.CreatedAt) >= olderThan {
			delete(m.byID, id)
			removed++
		}
	}
	for reqID, ids := range m.byRequest {
		kept := ids[:0]
		for _, id := range ids {
			if _, ok := m.byID[id]; ok {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(m.byRequest, reqID)
		} else {
			m.byRequest[reqID] = kept
		}
	}
	return removed
}
