package interrupt

import (
	"testing"
	"time"

	"github.com/flowkernel/flowkernel/internal/types"
)

func TestManager_ResolveInterrupt_UnauthorizedUser(t *testing.T) {
	m := NewManager(nil)
	now := time.Now()
	rec := m.CreateInterrupt("i1", types.InterruptConfirmation, "r1", "s1", "owner", Payload{Question: "ok?"}, nil, now)

	err := m.ResolveInterrupt(rec.ID, "someone-else", true, nil)
	if types.CodeOf(err) != types.CodeUnauthorized {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}

func TestManager_ResolveInterrupt_Idempotence(t *testing.T) {
	m := NewManager(nil)
	now := time.Now()
	rec := m.CreateInterrupt("i1", types.InterruptConfirmation, "r1", "s1", "owner", Payload{Question: "ok?"}, nil, now)

	if err := m.ResolveInterrupt(rec.ID, "owner", true, nil); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	err := m.ResolveInterrupt(rec.ID, "owner", true, nil)
	if types.CodeOf(err) != types.CodeInvalidTransition {
		t.Fatalf("expected InvalidTransition on second resolve, got %v", err)
	}

	pending, ok := m.GetPendingInterrupt("r1")
	if ok {
		t.Fatalf("expected no pending interrupt after resolution, got %+v", pending)
	}
}

func TestManager_DefaultTTLByKind(t *testing.T) {
	m := NewManager(nil)
	now := time.Now()

	rec := m.CreateInterrupt("i1", types.InterruptClarification, "r1", "s1", "u1", Payload{}, nil, now)
	if !rec.HasExpiry {
		t.Fatal("clarification must have an expiry")
	}
	wantExpiry := now.Add(24 * time.Hour)
	if !rec.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expected expiry at %v, got %v", wantExpiry, rec.ExpiresAt)
	}

	cp := m.CreateInterrupt("i2", types.InterruptCheckpoint, "r2", "s1", "u1", Payload{}, nil, now)
	if cp.HasExpiry {
		t.Fatal("checkpoint must have no TTL")
	}
}

func TestManager_ExpireOldInterrupts(t *testing.T) {
	m := NewManager(nil)
	t0 := time.Now()
	m.CreateInterrupt("i1", types.InterruptClarification, "r1", "s1", "u1", Payload{}, nil, t0)

	after := t0.Add(24*time.Hour + time.Second)
	count := m.ExpireOldInterrupts(after)
	if count != 1 {
		t.Fatalf("expected 1 expired, got %d", count)
	}

	err := m.ResolveInterrupt("i1", "u1", true, nil)
	if types.CodeOf(err) != types.CodeInvalidTransition {
		t.Fatalf("expected InvalidTransition resolving an expired interrupt, got %v", err)
	}
}

func TestManager_HasPending_TrueAfterCreate(t *testing.T) {
	m := NewManager(nil)
	now := time.Now()
	m.CreateInterrupt("i1", types.InterruptConfirmation, "r1", "s1", "u1", Payload{}, nil, now)

	if !m.HasPending("r1") {
		t.Fatal("expected has_pending true")
	}
	if m.HasPending("r2") {
		t.Fatal("expected has_pending false for an unrelated request")
	}
}
