package ratelimiter

import (
	"testing"
	"time"

	"github.com/flowkernel/flowkernel/internal/types"
)

func TestLimiter_PerUserIsolation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerMinuteLimit = 2
	cfg.BurstCapacity = 100
	l := New(cfg)

	now := time.Now()
	u1 := types.UserId("u1")
	u2 := types.UserId("u2")

	if r := l.CheckRateLimit(u1, now); !r.Allowed {
		t.Fatal("u1 first call should be allowed")
	}
	if r := l.CheckRateLimit(u1, now); !r.Allowed {
		t.Fatal("u1 second call should be allowed")
	}
	if r := l.CheckRateLimit(u1, now); r.Allowed || r.Reason != types.WindowPerMinute {
		t.Fatalf("u1 third call should be rate limited on PerMinute, got %+v", r)
	}

	// U2's first call, in the same instant, must be unaffected by U1.
	if r := l.CheckRateLimit(u2, now); !r.Allowed {
		t.Fatal("u2 first call should be allowed regardless of u1's state")
	}
}

func TestLimiter_SlidingWindowExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerMinuteLimit = 2
	cfg.BurstCapacity = 100
	l := New(cfg)

	now := time.Now()
	u1 := types.UserId("u1")
	l.CheckRateLimit(u1, now)
	l.CheckRateLimit(u1, now)
	if r := l.CheckRateLimit(u1, now); r.Allowed {
		t.Fatal("expected third call to be rejected")
	}

	later := now.Add(61 * time.Second)
	if r := l.CheckRateLimit(u1, later); !r.Allowed {
		t.Fatalf("expected call after window elapses to be allowed, got %+v", r)
	}

	rates := l.GetCurrentRate(u1, later)
	if rates.PerMinute != 1 {
		t.Fatalf("expected exactly the new event in the window, got %+v", rates)
	}
}

func TestLimiter_Disabled_AlwaysAllowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.PerMinuteLimit = 0
	l := New(cfg)

	now := time.Now()
	u1 := types.UserId("u1")
	for i := 0; i < 100; i++ {
		if r := l.CheckRateLimit(u1, now); !r.Allowed {
			t.Fatalf("disabled limiter must always allow, rejected on iteration %d", i)
		}
	}
}

func TestLimiter_BurstExhaustion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerMinuteLimit = 1000
	cfg.PerHourLimit = 1000
	cfg.PerDayLimit = 1000
	cfg.BurstCapacity = 2
	cfg.BurstRefillSecs = 60
	l := New(cfg)

	now := time.Now()
	u1 := types.UserId("u1")
	l.CheckRateLimit(u1, now)
	l.CheckRateLimit(u1, now)
	r := l.CheckRateLimit(u1, now)
	if r.Allowed || r.Reason != types.WindowBurst {
		t.Fatalf("expected burst exhaustion, got %+v", r)
	}
}
