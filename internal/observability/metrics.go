// Package observability — metrics.go
//
// Prometheus metrics for flowkerneld.
//
// Endpoint: GET /metrics on 127.0.0.1:9090 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback by default — non-loopback requires explicit config.
//
// Metric naming convention: flowkernel_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not
// the default global registry) to avoid collisions with other
// instrumented libraries sharing the process.
//
// Cardinality control: pid/request_id/session_id are never used as
// label values (unbounded cardinality); state and reason labels use
// their small fixed string sets instead.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric descriptor flowkerneld exposes.
// Only the IPC metrics and UptimeSeconds are updated by the current
// code; the PCB, resources, rate-limiter, interrupt, orchestrator and
// CommBus families are registered and exported but stay at zero.
type Metrics struct {
	registry *prometheus.Registry

	// ─── PCB / scheduler ──────────────────────────────────────────────────

	// ProcessTransitionsTotal counts PCB state transitions.
	// Labels: from_state, to_state
	ProcessTransitionsTotal *prometheus.CounterVec

	// ProcessesByState is the current PCB count per state.
	// Labels: state
	ProcessesByState *prometheus.GaugeVec

	// ReadyQueueDepth is the current ready-queue length.
	ReadyQueueDepth prometheus.Gauge

	// ZombiesReapedTotal counts PCBs removed by the cleanup scan.
	ZombiesReapedTotal prometheus.Counter

	// ─── Resources ────────────────────────────────────────────────────────

	// QuotaViolationsTotal counts check_quota calls that found a
	// violation. Labels: dimension
	QuotaViolationsTotal *prometheus.CounterVec

	// ─── Rate limiter ─────────────────────────────────────────────────────

	// RateLimitDecisionsTotal counts check_rate_limit outcomes.
	// Labels: allowed (true, false), window
	RateLimitDecisionsTotal *prometheus.CounterVec

	// ─── Interrupts ───────────────────────────────────────────────────────

	// InterruptsCreatedTotal counts create_interrupt calls. Labels: kind
	InterruptsCreatedTotal *prometheus.CounterVec

	// InterruptsExpiredTotal counts interrupts moved to Expired by a
	// cleanup scan.
	InterruptsExpiredTotal prometheus.Counter

	// PendingInterrupts is the current count of Pending interrupts.
	PendingInterrupts prometheus.Gauge

	// ─── Orchestrator ─────────────────────────────────────────────────────

	// InstructionsTotal counts get_next_instruction outcomes.
	// Labels: kind (run_agent, terminate, wait_interrupt)
	InstructionsTotal *prometheus.CounterVec

	// SessionsTerminatedTotal counts session terminations. Labels: reason
	SessionsTerminatedTotal *prometheus.CounterVec

	// ─── CommBus ──────────────────────────────────────────────────────────

	// PublishedMessagesTotal counts publish() calls. Labels: topic
	PublishedMessagesTotal *prometheus.CounterVec

	// DroppedMessagesTotal counts messages dropped to a full subscriber
	// queue.
	DroppedMessagesTotal prometheus.Counter

	// QueryTimeoutsTotal counts query() calls that hit their timeout.
	// Labels: target
	QueryTimeoutsTotal *prometheus.CounterVec

	// ─── IPC ──────────────────────────────────────────────────────────────

	// ConnectionsActive is the current accepted-connection count.
	ConnectionsActive prometheus.Gauge

	// ConnectionsRejectedTotal counts connections rejected by the
	// max_connections semaphore.
	ConnectionsRejectedTotal prometheus.Counter

	// RequestDuration records dispatch latency in seconds.
	// Labels: service, method
	RequestDuration *prometheus.HistogramVec

	// RequestErrorsTotal counts dispatched requests that returned an
	// error. Labels: service, method, code
	RequestErrorsTotal *prometheus.CounterVec

	// FramesRejectedTotal counts frames rejected for exceeding the
	// configured max size.
	FramesRejectedTotal prometheus.Counter

	// ─── Process ──────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since flowkerneld started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers every flowkernel Prometheus metric on
// a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		ProcessTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowkernel",
			Subsystem: "pcb",
			Name:      "transitions_total",
			Help:      "Total PCB lifecycle transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		ProcessesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowkernel",
			Subsystem: "pcb",
			Name:      "processes",
			Help:      "Current PCB count, by lifecycle state.",
		}, []string{"state"}),

		ReadyQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowkernel",
			Subsystem: "pcb",
			Name:      "ready_queue_depth",
			Help:      "Current length of the priority ready queue.",
		}),

		ZombiesReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowkernel",
			Subsystem: "pcb",
			Name:      "zombies_reaped_total",
			Help:      "Total Terminated PCBs removed by the cleanup scan.",
		}),

		QuotaViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowkernel",
			Subsystem: "resources",
			Name:      "quota_violations_total",
			Help:      "Total check_quota calls that found a violation, by dimension.",
		}, []string{"dimension"}),

		RateLimitDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowkernel",
			Subsystem: "ratelimiter",
			Name:      "decisions_total",
			Help:      "Total check_rate_limit decisions, by allowed and window.",
		}, []string{"allowed", "window"}),

		InterruptsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowkernel",
			Subsystem: "interrupt",
			Name:      "created_total",
			Help:      "Total interrupts created, by kind.",
		}, []string{"kind"}),

		InterruptsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowkernel",
			Subsystem: "interrupt",
			Name:      "expired_total",
			Help:      "Total interrupts moved to Expired by a cleanup scan.",
		}),

		PendingInterrupts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowkernel",
			Subsystem: "interrupt",
			Name:      "pending",
			Help:      "Current count of Pending interrupts.",
		}),

		InstructionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowkernel",
			Subsystem: "orchestrator",
			Name:      "instructions_total",
			Help:      "Total get_next_instruction outcomes, by kind.",
		}, []string{"kind"}),

		SessionsTerminatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowkernel",
			Subsystem: "orchestrator",
			Name:      "sessions_terminated_total",
			Help:      "Total orchestration sessions terminated, by reason.",
		}, []string{"reason"}),

		PublishedMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowkernel",
			Subsystem: "commbus",
			Name:      "published_total",
			Help:      "Total publish() calls, by topic.",
		}, []string{"topic"}),

		DroppedMessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowkernel",
			Subsystem: "commbus",
			Name:      "dropped_total",
			Help:      "Total messages dropped due to a full subscriber queue.",
		}),

		QueryTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowkernel",
			Subsystem: "commbus",
			Name:      "query_timeouts_total",
			Help:      "Total query() calls that exceeded their timeout, by target.",
		}, []string{"target"}),

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowkernel",
			Subsystem: "ipc",
			Name:      "connections_active",
			Help:      "Current number of accepted IPC connections.",
		}),

		ConnectionsRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowkernel",
			Subsystem: "ipc",
			Name:      "connections_rejected_total",
			Help:      "Total connections rejected by the max_connections semaphore.",
		}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowkernel",
			Subsystem: "ipc",
			Name:      "request_duration_seconds",
			Help:      "Dispatch latency in seconds, by service and method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "method"}),

		RequestErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowkernel",
			Subsystem: "ipc",
			Name:      "request_errors_total",
			Help:      "Total dispatched requests that returned an error, by service, method, and code.",
		}, []string{"service", "method", "code"}),

		FramesRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowkernel",
			Subsystem: "ipc",
			Name:      "frames_rejected_total",
			Help:      "Total frames rejected for exceeding the configured maximum size.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowkernel",
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since flowkerneld started.",
		}),
	}

	reg.MustRegister(
		m.ProcessTransitionsTotal,
		m.ProcessesByState,
		m.ReadyQueueDepth,
		m.ZombiesReapedTotal,
		m.QuotaViolationsTotal,
		m.RateLimitDecisionsTotal,
		m.InterruptsCreatedTotal,
		m.InterruptsExpiredTotal,
		m.PendingInterrupts,
		m.InstructionsTotal,
		m.SessionsTerminatedTotal,
		m.PublishedMessagesTotal,
		m.DroppedMessagesTotal,
		m.QueryTimeoutsTotal,
		m.ConnectionsActive,
		m.ConnectionsRejectedTotal,
		m.RequestDuration,
		m.RequestErrorsTotal,
		m.FramesRejectedTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr and
// blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
