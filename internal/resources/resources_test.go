package resources

import (
	"testing"
	"time"

	"github.com/flowkernel/flowkernel/internal/types"
)

func TestManager_RecordUsage_RejectsNegativeDelta(t *testing.T) {
	m := NewManager()
	pid := types.ProcessId("p1")
	m.Track(pid, Quota{MaxLLMCalls: 10}, time.Now())

	err := m.RecordUsage(pid, -1, 0, 0, 0, 0)
	if err == nil {
		t.Fatal("expected error for negative delta, got nil")
	}
	if types.CodeOf(err) != types.CodeInvalidInput {
		t.Fatalf("expected InvalidInput, got %v", types.CodeOf(err))
	}

	u, _ := m.Usage(pid)
	if u.LLMCalls != 0 {
		t.Fatalf("usage must be unchanged after a rejected call, got %+v", u)
	}
}

func TestManager_CheckQuota_InclusiveBoundary(t *testing.T) {
	m := NewManager()
	pid := types.ProcessId("p1")
	m.Track(pid, Quota{MaxLLMCalls: 2}, time.Now())

	if err := m.RecordUsage(pid, 1, 0, 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	v, err := m.CheckQuota(pid, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Fatalf("usage below limit must not violate, got %+v", v)
	}

	if err := m.RecordUsage(pid, 1, 0, 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	v, err = m.CheckQuota(pid, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if v == nil {
		t.Fatal("used == limit must violate (inclusive boundary)")
	}
	if v.Dimension != types.DimLLMCalls || v.Used != 2 || v.Limit != 2 {
		t.Fatalf("unexpected violation: %+v", v)
	}
}

func TestManager_CheckQuota_CanonicalOrder(t *testing.T) {
	m := NewManager()
	pid := types.ProcessId("p1")
	m.Track(pid, Quota{MaxLLMCalls: 1, MaxTokensIn: 1}, time.Now())

	if err := m.RecordUsage(pid, 1, 0, 0, 1, 0); err != nil {
		t.Fatal(err)
	}
	v, err := m.CheckQuota(pid, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if v == nil || v.Dimension != types.DimLLMCalls {
		t.Fatalf("expected llm_calls to be reported first, got %+v", v)
	}
}

func TestManager_GetRemainingBudget(t *testing.T) {
	m := NewManager()
	pid := types.ProcessId("p1")
	m.Track(pid, Quota{MaxLLMCalls: 5, MaxTokensIn: 100}, time.Now())
	_ = m.RecordUsage(pid, 2, 0, 0, 40, 0)

	rb, err := m.GetRemainingBudget(pid, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if rb.LLMCalls != 3 || rb.TokensIn != 60 {
		t.Fatalf("unexpected remaining budget: %+v", rb)
	}
}

func TestManager_RecordUsage_UnknownProcess(t *testing.T) {
	m := NewManager()
	err := m.RecordUsage(types.ProcessId("ghost"), 1, 0, 0, 0, 0)
	if types.CodeOf(err) != types.CodeNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
