package ipc

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flowkernel/flowkernel/internal/kernel"
	"github.com/flowkernel/flowkernel/internal/observability"
	"github.com/flowkernel/flowkernel/internal/ratelimiter"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	k := kernel.New(kernel.Config{
		RateLimiter:       ratelimiter.DefaultConfig(),
		CommBusQueueDepth: 8,
	}, nil, zap.NewNop(), observability.NewMetrics())
	return NewDispatcher(k)
}

func dispatchOK(t *testing.T, d *Dispatcher, service, method string, req any) any {
	t.Helper()
	payload, err := EncodePayload(req)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	out, err := d.Dispatch(context.Background(), RequestEnvelope{Service: service, Method: method, ID: 1, Payload: payload})
	if err != nil {
		t.Fatalf("Dispatch %s.%s: %v", service, method, err)
	}
	return out
}

func TestDispatch_UnknownMethodIsNoHandler(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), RequestEnvelope{Service: "KernelService", Method: "no_such_method", ID: 1})
	if err == nil {
		t.Fatal("want NoHandler error")
	}
}

func TestDispatch_MalformedPayloadIsInvalidInput(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), RequestEnvelope{
		Service: "KernelService",
		Method:  "create_process",
		ID:      1,
		Payload: []byte{0xff, 0xff},
	})
	if err == nil {
		t.Fatal("want decode error for malformed payload")
	}
}

func TestDispatch_CreateAndGetProcess(t *testing.T) {
	d := newTestDispatcher(t)

	dispatchOK(t, d, "KernelService", "create_process", CreateProcessRequest{
		Pid:       "pid-1",
		RequestID: "req-1",
		UserID:    "user-1",
		SessionID: "sess-1",
		Priority:  "Normal",
		Quota:     QuotaDTO{MaxLLMCalls: 10},
	})

	got := dispatchOK(t, d, "KernelService", "get_process", PidRequest{Pid: "pid-1"})
	proc, ok := got.(ProcessDTO)
	if !ok {
		t.Fatalf("want ProcessDTO, got %T", got)
	}
	if proc.Pid != "pid-1" || proc.State != "New" {
		t.Fatalf("want pid-1/New, got %+v", proc)
	}
}

func TestDispatch_CreateProcess_InvalidPriorityIsInvalidInput(t *testing.T) {
	d := newTestDispatcher(t)
	payload, err := EncodePayload(CreateProcessRequest{
		Pid: "pid-2", RequestID: "r", UserID: "u", SessionID: "s", Priority: "Nonsense",
	})
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	_, err = d.Dispatch(context.Background(), RequestEnvelope{Service: "KernelService", Method: "create_process", ID: 1, Payload: payload})
	if err == nil {
		t.Fatal("want error for unknown priority")
	}
}

func TestDispatch_ScheduleAndGetNextRunnable(t *testing.T) {
	d := newTestDispatcher(t)
	dispatchOK(t, d, "KernelService", "create_process", CreateProcessRequest{
		Pid: "pid-3", RequestID: "r", UserID: "u", SessionID: "s", Priority: "High",
	})
	dispatchOK(t, d, "KernelService", "schedule_process", PidRequest{Pid: "pid-3"})

	got := dispatchOK(t, d, "KernelService", "get_next_runnable", nil)
	resp, ok := got.(GetNextRunnableResponse)
	if !ok {
		t.Fatalf("want GetNextRunnableResponse, got %T", got)
	}
	if !resp.Found || resp.Pid != "pid-3" {
		t.Fatalf("want pid-3 found, got %+v", resp)
	}
}

func TestDispatch_EnvelopeLifecycle(t *testing.T) {
	d := newTestDispatcher(t)
	created := dispatchOK(t, d, "EngineService", "create_envelope", CreateEnvelopeRequest{
		EnvelopeID: "env-1", RequestID: "r", UserID: "u", SessionID: "s", RawInput: "hi",
	})
	env, ok := created.(EnvelopeDTO)
	if !ok || env.ID != "env-1" {
		t.Fatalf("want EnvelopeDTO env-1, got %+v (%T)", created, created)
	}

	dispatchOK(t, d, "EngineService", "terminate_envelope", TerminateEnvelopeRequest{
		EnvelopeID: "env-1", Reason: "Completed",
	})

	got := dispatchOK(t, d, "EngineService", "get_envelope", EnvelopeIDRequest{EnvelopeID: "env-1"})
	env2, ok := got.(EnvelopeDTO)
	if !ok {
		t.Fatalf("want EnvelopeDTO, got %T", got)
	}
	if !env2.Terminated || env2.TerminalReason != "Completed" {
		t.Fatalf("want terminated/Completed, got %+v", env2)
	}
}

func TestDispatch_CommBusSubscribePublishNextMessage(t *testing.T) {
	d := newTestDispatcher(t)

	subResp := dispatchOK(t, d, "CommBusService", "subscribe", SubscribeRequest{Topic: "news"})
	sub, ok := subResp.(SubscribeResponse)
	if !ok || sub.SubscriptionID == "" {
		t.Fatalf("want SubscribeResponse, got %+v (%T)", subResp, subResp)
	}

	dispatchOK(t, d, "CommBusService", "publish", PublishRequest{Topic: "news", Payload: "hello"})

	got := dispatchOK(t, d, "CommBusService", "next_message", NextMessageRequest{
		SubscriptionID: sub.SubscriptionID,
		TimeoutMs:      int64(time.Second / time.Millisecond),
	})
	msg, ok := got.(NextMessageResponse)
	if !ok || !msg.Found || msg.Topic != "news" {
		t.Fatalf("want found message on news, got %+v (%T)", got, got)
	}
}

func TestDispatch_CommBusNextMessage_TimesOutWithoutError(t *testing.T) {
	d := newTestDispatcher(t)
	subResp := dispatchOK(t, d, "CommBusService", "subscribe", SubscribeRequest{Topic: "quiet"})
	sub := subResp.(SubscribeResponse)

	got := dispatchOK(t, d, "CommBusService", "next_message", NextMessageRequest{
		SubscriptionID: sub.SubscriptionID,
		TimeoutMs:      20,
	})
	msg, ok := got.(NextMessageResponse)
	if !ok || msg.Found {
		t.Fatalf("want not-found on timeout, got %+v (%T)", got, got)
	}
}

func TestDispatch_CommBusNextMessage_UnknownSubscriptionIsNotFound(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), requestFor(t, "CommBusService", "next_message", NextMessageRequest{
		SubscriptionID: "does-not-exist",
		TimeoutMs:      20,
	}))
	if err == nil {
		t.Fatal("want NotFound for unknown subscription")
	}
}

func TestDispatch_InterruptQueries(t *testing.T) {
	d := newTestDispatcher(t)
	dispatchOK(t, d, "KernelService", "create_process", CreateProcessRequest{
		Pid: "pid-4", RequestID: "req-4", UserID: "u", SessionID: "s", Priority: "Normal",
	})
	dispatchOK(t, d, "KernelService", "schedule_process", PidRequest{Pid: "pid-4"})
	dispatchOK(t, d, "KernelService", "start_process", PidRequest{Pid: "pid-4"})

	notPending := dispatchOK(t, d, "KernelService", "has_pending", RequestIDRequest{RequestID: "req-4"})
	if notPending.(HasPendingResponse).HasPending {
		t.Fatal("want has_pending false before create_interrupt")
	}

	dispatchOK(t, d, "KernelService", "create_interrupt", CreateInterruptRequest{
		Pid: "pid-4", InterruptID: "int-1", Kind: "Confirmation",
		RequestID: "req-4", SessionID: "s", UserID: "u",
		Payload: PayloadDTO{Question: "ok?"},
	})

	pending := dispatchOK(t, d, "KernelService", "get_pending_interrupt", RequestIDRequest{RequestID: "req-4"})
	pr, ok := pending.(GetPendingInterruptResponse)
	if !ok || !pr.Found || pr.Interrupt.ID != "int-1" {
		t.Fatalf("want found int-1, got %+v (%T)", pending, pending)
	}

	has := dispatchOK(t, d, "KernelService", "has_pending", RequestIDRequest{RequestID: "req-4"})
	if !has.(HasPendingResponse).HasPending {
		t.Fatal("want has_pending true after create_interrupt")
	}

	listed := dispatchOK(t, d, "KernelService", "list_interrupts", RequestIDRequest{RequestID: "req-4"})
	lr, ok := listed.(ListInterruptsResponse)
	if !ok || len(lr.Interrupts) != 1 || lr.Interrupts[0].ID != "int-1" {
		t.Fatalf("want single interrupt int-1, got %+v (%T)", listed, listed)
	}

	_, err := d.Dispatch(context.Background(), requestFor(t, "KernelService", "create_interrupt", CreateInterruptRequest{
		Pid: "pid-4", InterruptID: "int-2", Kind: "Confirmation",
		RequestID: "req-4", SessionID: "s", UserID: "u",
	}))
	if err == nil {
		t.Fatal("want error creating a second pending interrupt for the same request")
	}
}

func requestFor(t *testing.T, service, method string, body any) RequestEnvelope {
	t.Helper()
	payload, err := EncodePayload(body)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	return RequestEnvelope{Service: service, Method: method, ID: 1, Payload: payload}
}
