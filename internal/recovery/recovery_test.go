package recovery

import (
	"context"
	"errors"
	"testing"
)

func TestGuard_PassesThroughNormalResult(t *testing.T) {
	out, err := Guard("target", nil, func() (any, error) {
		return "ok", nil
	})
	if err != nil || out != "ok" {
		t.Fatalf("want ok, got %v err=%v", out, err)
	}
}

func TestGuard_PassesThroughNormalError(t *testing.T) {
	wantErr := errors.New("boom")
	_, err := Guard("target", nil, func() (any, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("want boom, got %v", err)
	}
}

func TestGuard_RecoversPanicAndNotifies(t *testing.T) {
	var got Event
	notify := func(ev Event) { got = ev }

	_, err := Guard("my-target", notify, func() (any, error) {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("want error from panic")
	}
	if got.Target != "my-target" {
		t.Fatalf("want target my-target, got %q", got.Target)
	}
	if got.Reason != "kaboom" {
		t.Fatalf("want reason kaboom, got %q", got.Reason)
	}
	if got.Stack == "" {
		t.Fatal("want non-empty stack trace")
	}
}

func TestGuardQuery_RecoversPanic(t *testing.T) {
	_, err := GuardQuery(context.Background(), "q", nil, func(ctx context.Context) (any, error) {
		panic("query boom")
	})
	if err == nil {
		t.Fatal("want error from panic")
	}
}
