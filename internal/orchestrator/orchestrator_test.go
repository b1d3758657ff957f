package orchestrator

import (
	"testing"
	"time"

	"github.com/flowkernel/flowkernel/internal/envelope"
	"github.com/flowkernel/flowkernel/internal/types"
)

func newEnv(stage string) *envelope.Envelope {
	e := envelope.New(types.NewEnvelopeID(), types.NewRequestID(), types.UserId("u1"), types.NewSessionID(), "hello", time.Unix(0, 0))
	e.CurrentStage = stage
	return e
}

func linearPipeline() PipelineConfig {
	return PipelineConfig{
		Agents: []AgentConfig{
			{Name: "intent", StageOrder: 1, DefaultNext: "planner"},
			{Name: "planner", StageOrder: 2, DefaultNext: "executor"},
			{Name: "executor", StageOrder: 3, DefaultNext: EndStage},
		},
		MaxIterations: 10,
	}
}

func TestManager_HappyPath_LinearPipeline(t *testing.T) {
	m := NewManager()
	pid := types.ProcessId("p1")
	env := newEnv("intent")
	now := time.Unix(100, 0)

	if err := m.InitializeSession(pid, linearPipeline(), env, now); err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}

	for _, agent := range []string{"intent", "planner", "executor"} {
		instr, err := m.GetNextInstruction(pid, now)
		if err != nil {
			t.Fatalf("GetNextInstruction: %v", err)
		}
		if instr.Kind != InstructionRunAgent || instr.Agent != agent {
			t.Fatalf("want RunAgent(%s), got kind=%v agent=%s", agent, instr.Kind, instr.Agent)
		}
		if err := m.ReportAgentResult(pid, AgentResult{
			AgentName: agent,
			Metrics:   AgentMetrics{LLMCalls: 1, TokensIn: 10, TokensOut: 20},
			Output:    map[string]any{"parsed": "Hello"},
		}, now); err != nil {
			t.Fatalf("ReportAgentResult(%s): %v", agent, err)
		}
	}

	instr, err := m.GetNextInstruction(pid, now)
	if err != nil {
		t.Fatalf("GetNextInstruction final: %v", err)
	}
	if instr.Kind != InstructionTerminate || instr.TerminalReason != types.ReasonCompleted {
		t.Fatalf("want Terminate(Completed), got kind=%v reason=%v", instr.Kind, instr.TerminalReason)
	}
	if instr.Envelope.Bounds.LLMCallCount != 3 {
		t.Fatalf("want cumulative llm_call_count=3, got %d", instr.Envelope.Bounds.LLMCallCount)
	}
	if len(instr.Envelope.Outputs) != 3 {
		t.Fatalf("want 3 stage outputs, got %d", len(instr.Envelope.Outputs))
	}
}

func TestManager_QuotaEnforcement_TerminatesOnMaxCalls(t *testing.T) {
	m := NewManager()
	pid := types.ProcessId("p2")
	env := newEnv("intent")
	env.Bounds.MaxLLMCalls = 2
	now := time.Unix(200, 0)

	if err := m.InitializeSession(pid, linearPipeline(), env, now); err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}

	instr, _ := m.GetNextInstruction(pid, now) // RunAgent(intent)
	if instr.Agent != "intent" {
		t.Fatalf("want intent, got %s", instr.Agent)
	}
	m.ReportAgentResult(pid, AgentResult{AgentName: "intent", Metrics: AgentMetrics{LLMCalls: 1}}, now)

	instr, _ = m.GetNextInstruction(pid, now) // routes to planner
	if instr.Kind != InstructionRunAgent || instr.Agent != "planner" {
		t.Fatalf("want RunAgent(planner), got kind=%v agent=%s", instr.Kind, instr.Agent)
	}
	m.ReportAgentResult(pid, AgentResult{AgentName: "planner", Metrics: AgentMetrics{LLMCalls: 1}}, now)

	instr, err := m.GetNextInstruction(pid, now)
	if err != nil {
		t.Fatalf("GetNextInstruction: %v", err)
	}
	if instr.Kind != InstructionTerminate || instr.TerminalReason != types.ReasonMaxCallsExceeded {
		t.Fatalf("want Terminate(MaxCallsExceeded), got kind=%v reason=%v", instr.Kind, instr.TerminalReason)
	}
}

func selfLoopPipeline() PipelineConfig {
	return PipelineConfig{
		Agents: []AgentConfig{
			{
				Name:       "intent",
				StageOrder: 1,
				Routes: []RoutingRule{
					{ConditionPath: "outputs.intent.verdict", Op: CompEquals, Value: "needs_clarification", Target: "intent"},
				},
				DefaultNext: EndStage,
			},
		},
		MaxIterations: 3,
		EdgeLimits:    map[string]int{"intent->intent": 3},
	}
}

func TestManager_BackwardCycle_ExhaustsEdgeLimit(t *testing.T) {
	m := NewManager()
	pid := types.ProcessId("p3")
	env := newEnv("intent")
	now := time.Unix(300, 0)

	if err := m.InitializeSession(pid, selfLoopPipeline(), env, now); err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}

	report := func() {
		if err := m.ReportAgentResult(pid, AgentResult{
			AgentName: "intent",
			Output:    map[string]any{"verdict": "needs_clarification"},
		}, now); err != nil {
			t.Fatalf("ReportAgentResult: %v", err)
		}
	}

	// First call just dispatches the initial stage.
	instr, err := m.GetNextInstruction(pid, now)
	if err != nil || instr.Kind != InstructionRunAgent || instr.Agent != "intent" {
		t.Fatalf("want initial RunAgent(intent), got %+v err=%v", instr, err)
	}
	report()

	var last Instruction
	for i := 0; i < 4; i++ {
		last, err = m.GetNextInstruction(pid, now)
		if err != nil {
			t.Fatalf("GetNextInstruction iteration %d: %v", i, err)
		}
		if last.Kind == InstructionTerminate {
			break
		}
		if last.Kind != InstructionRunAgent || last.Agent != "intent" {
			t.Fatalf("iteration %d: want RunAgent(intent), got kind=%v agent=%s", i, last.Kind, last.Agent)
		}
		report()
	}

	if last.Kind != InstructionTerminate || last.TerminalReason != types.ReasonBackwardCycleExhausted {
		t.Fatalf("want Terminate(BackwardCycleExhausted), got kind=%v reason=%v", last.Kind, last.TerminalReason)
	}
	state, err := m.GetSessionState(pid)
	if err != nil {
		t.Fatalf("GetSessionState: %v", err)
	}
	if state.Iteration != 3 {
		t.Fatalf("want iteration=3, got %d", state.Iteration)
	}
}

func TestManager_InterruptPending_ReturnsWaitInterrupt(t *testing.T) {
	m := NewManager()
	pid := types.ProcessId("p4")
	env := newEnv("intent")
	id := types.NewInterruptID()
	env.InterruptPending = true
	env.Interrupt = &id
	now := time.Unix(400, 0)

	if err := m.InitializeSession(pid, linearPipeline(), env, now); err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}
	instr, err := m.GetNextInstruction(pid, now)
	if err != nil {
		t.Fatalf("GetNextInstruction: %v", err)
	}
	if instr.Kind != InstructionWaitInterrupt || instr.InterruptID != id {
		t.Fatalf("want WaitInterrupt(%s), got kind=%v id=%s", id, instr.Kind, instr.InterruptID)
	}
}

func TestManager_GetNextInstruction_UnknownSession(t *testing.T) {
	m := NewManager()
	if _, err := m.GetNextInstruction(types.ProcessId("ghost"), time.Unix(0, 0)); err == nil {
		t.Fatal("want error for unknown session")
	}
}

func TestManager_InitializeSession_RejectsDuplicate(t *testing.T) {
	m := NewManager()
	pid := types.ProcessId("p5")
	now := time.Unix(500, 0)
	if err := m.InitializeSession(pid, linearPipeline(), newEnv("intent"), now); err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}
	if err := m.InitializeSession(pid, linearPipeline(), newEnv("intent"), now); err == nil {
		t.Fatal("want error on duplicate session")
	}
}
