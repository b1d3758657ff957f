// Package bench — cmd/flowkernel-bench/main.go
//
// IPC round-trip latency measurement tool.
//
// Measures the time from frame write to response frame read for a
// get_process_counts call against a running flowkerneld.
//
// Method:
//  1. Dials the IPC server once and keeps the connection open.
//  2. Sends a KernelService.get_process_counts request in a tight loop.
//  3. Measures the wall-clock time of each round trip with
//     time.Now() after the request is encoded, immediately before the
//     frame write, and time.Since immediately after the next response
//     frame is read. The response body is not decoded and its ID is not
//     compared with the request's.
//  4. Results are written to a CSV file.
//
// The measurement includes:
//   - the server's msgpack decode/encode overhead (the client's own
//     request encode happens before the timer starts)
//   - TCP write/read syscall overhead
//   - kernel lock acquisition and dispatch overhead
//
// It does NOT include:
//   - connection setup (dial happens once, outside the timed loop)
//   - concurrent-client contention (this tool is single-connection)
//
// Output CSV columns:
//
//	iteration, latency_us, error
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/flowkernel/flowkernel/internal/ipc"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of round trips to measure")
	outputFile := flag.String("output", "ipc_latency_raw.csv", "Output CSV file path")
	addr := flag.String("addr", "127.0.0.1:7420", "flowkerneld IPC address")
	timeout := flag.Duration("timeout", 5*time.Second, "Dial and per-frame timeout")
	flag.Parse()

	conn, err := net.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us", "error"})

	var (
		totalErrors int
		hist        [10001]int // microsecond buckets, 0-10000us
	)

	for i := 0; i < *iterations; i++ {
		req := ipc.RequestEnvelope{
			Service: "KernelService",
			Method:  "get_process_counts",
			ID:      uint64(i),
			Payload: nil,
		}
		body, encErr := ipc.EncodeRequest(req)

		start := time.Now()
		var roundTripErr error
		if encErr != nil {
			roundTripErr = encErr
		} else {
			_ = conn.SetDeadline(time.Now().Add(*timeout))
			if err := ipc.WriteFrame(conn, body); err != nil {
				roundTripErr = err
			} else if _, err := ipc.ReadFrame(conn, 5*1024*1024); err != nil {
				roundTripErr = err
			}
		}
		latency := time.Since(start)

		if roundTripErr != nil {
			totalErrors++
		}

		latencyUs := int(latency.Microseconds())
		if latencyUs < len(hist) {
			hist[latencyUs]++
		}

		errStr := ""
		if roundTripErr != nil {
			errStr = roundTripErr.Error()
		}
		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.Itoa(latencyUs),
			errStr,
		})

		if roundTripErr != nil {
			break
		}
	}

	p50, p95, p99 := computePercentiles(hist[:], *iterations)

	fmt.Printf("IPC Round-Trip Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  Errors: %d/%d\n", totalErrors, *iterations)
	fmt.Printf("  p50: %dus\n", p50)
	fmt.Printf("  p95: %dus\n", p95)
	fmt.Printf("  p99: %dus\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	if totalErrors > 0 {
		os.Exit(1)
	}
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
