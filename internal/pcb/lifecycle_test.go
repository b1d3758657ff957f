package pcb

import (
	"testing"
	"time"

	"github.com/flowkernel/flowkernel/internal/types"
)

func newTestPCB(t *testing.T, r *Registry, pid types.ProcessId, prio types.Priority) {
	t.Helper()
	if err := r.CreateProcess(pid, types.RequestId("r-"+string(pid)), types.UserId("u1"), types.SessionId("s1"), prio, time.Now()); err != nil {
		t.Fatalf("CreateProcess(%s): %v", pid, err)
	}
}

func TestRegistry_CreateProcess_DuplicatePid(t *testing.T) {
	r := NewRegistry()
	newTestPCB(t, r, "p1", types.PriorityNormal)

	err := r.CreateProcess("p1", "r2", "u1", "s1", types.PriorityNormal, time.Now())
	if err == nil {
		t.Fatal("expected DuplicatePid error")
	}
	if _, ok := err.(*types.DuplicatePidError); !ok {
		t.Fatalf("expected *DuplicatePidError, got %T", err)
	}
}

func TestRegistry_StateMachine_RejectsInvalidTransitions(t *testing.T) {
	r := NewRegistry()
	newTestPCB(t, r, "p1", types.PriorityNormal)

	// New -> Running directly is not a valid edge.
	err := r.StartProcess("p1", time.Now())
	if _, ok := err.(*types.InvalidTransitionError); !ok {
		t.Fatalf("expected InvalidTransitionError, got %v (%T)", err, err)
	}

	if err := r.Schedule("p1"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := r.StartProcess("p1", time.Now()); err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	snap, _ := r.GetProcess("p1")
	if snap.State != types.StateRunning {
		t.Fatalf("expected Running, got %s", snap.State)
	}

	// Running -> Ready directly is not a valid edge (must go through
	// Waiting/Blocked).
	err = r.ResumeProcess("p1")
	if _, ok := err.(*types.InvalidTransitionError); !ok {
		t.Fatalf("expected InvalidTransitionError for Running->Ready, got %v", err)
	}
}

func TestRegistry_FullLifecycle_ViaWaiting(t *testing.T) {
	r := NewRegistry()
	newTestPCB(t, r, "p1", types.PriorityNormal)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(r.Schedule("p1"))
	must(r.StartProcess("p1", time.Now()))
	must(r.WaitProcess("p1", types.InterruptId("i1")))
	must(r.ResumeProcess("p1"))

	snap, _ := r.GetProcess("p1")
	if snap.State != types.StateReady {
		t.Fatalf("expected Ready after resume, got %s", snap.State)
	}
	if snap.HasInterrupt {
		t.Fatal("interrupt slot must be cleared on resume")
	}

	must(r.StartProcess("p1", time.Now()))
	must(r.TerminateProcess("p1", types.ReasonCompleted, time.Now()))

	snap, _ = r.GetProcess("p1")
	if snap.State != types.StateTerminated || snap.TerminalReason != types.ReasonCompleted {
		t.Fatalf("unexpected final snapshot: %+v", snap)
	}

	// Terminated -> Terminated again is rejected.
	err := r.TerminateProcess("p1", types.ReasonFailed, time.Now())
	if _, ok := err.(*types.InvalidTransitionError); !ok {
		t.Fatalf("expected InvalidTransitionError re-terminating, got %v", err)
	}
}

func TestRegistry_PriorityScheduling(t *testing.T) {
	r := NewRegistry()
	newTestPCB(t, r, "A", types.PriorityLow)
	newTestPCB(t, r, "B", types.PriorityHigh)
	newTestPCB(t, r, "C", types.PriorityNormal)

	if err := r.Schedule("A"); err != nil {
		t.Fatal(err)
	}
	if err := r.Schedule("B"); err != nil {
		t.Fatal(err)
	}
	if err := r.Schedule("C"); err != nil {
		t.Fatal(err)
	}

	want := []types.ProcessId{"B", "C", "A"}
	for _, w := range want {
		got, ok := r.GetNextRunnable(time.Now())
		if !ok {
			t.Fatalf("expected a runnable process, queue empty")
		}
		if got != w {
			t.Fatalf("expected %s next, got %s", w, got)
		}
	}

	if _, ok := r.GetNextRunnable(time.Now()); ok {
		t.Fatal("expected empty ready queue")
	}
}

func TestRegistry_CleanupZombies(t *testing.T) {
	r := NewRegistry()
	newTestPCB(t, r, "p1", types.PriorityNormal)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(r.Schedule("p1"))
	must(r.StartProcess("p1", time.Now()))

	past := time.Now().Add(-time.Hour)
	must(r.TerminateProcess("p1", types.ReasonCompleted, past))

	removed := r.CleanupZombies(time.Now(), time.Minute)
	if removed != 1 {
		t.Fatalf("expected 1 zombie removed, got %d", removed)
	}

	if _, err := r.GetProcess("p1"); types.CodeOf(err) != types.CodeNotFound {
		t.Fatalf("expected process to be gone after cleanup, err=%v", err)
	}
}

func TestRegistry_OperationsOnUnknownPid(t *testing.T) {
	r := NewRegistry()
	if _, err := r.GetProcess("ghost"); types.CodeOf(err) != types.CodeNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if err := r.Schedule("ghost"); types.CodeOf(err) != types.CodeNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
