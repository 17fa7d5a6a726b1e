// Command jobctl is a thin ops CLI against a running worker's admin HTTP
// surface (cmd/worker's /stats and /jobs/deadletter/:id/retry routes): not
// production-grade tooling, a simple utility for inspecting and requeuing
// dead-lettered jobs.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	addr := flag.String("addr", getEnv("JOBCTL_ADDR", "http://localhost:8081"), "worker ops HTTP base address")
	cmd := flag.String("cmd", "", "subcommand: stats | retry")
	jobID := flag.String("id", "", "dead-letter job id (required for retry)")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Parse()

	switch *cmd {
	case "stats":
		runStats(*addr, *timeout)
	case "retry":
		if *jobID == "" {
			fmt.Println("Error: -id is required for retry")
			flag.Usage()
			os.Exit(1)
		}
		runRetry(*addr, *jobID, *timeout)
	default:
		fmt.Println("Error: -cmd must be one of: stats, retry")
		flag.Usage()
		os.Exit(1)
	}
}

// client wraps http.Client with otelhttp's transport, which uses the global
// OpenTelemetry tracer provider and propagator. jobctl does not call
// pkg/observability's Setup, so those globals are the no-op defaults and
// requests carry no trace context.
func client(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func runStats(addr string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/stats", nil)
	if err != nil {
		log.Fatalf("jobctl: build request: %v", err)
	}
	resp, err := client(timeout).Do(req)
	if err != nil {
		log.Fatalf("jobctl: stats request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("jobctl: read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("jobctl: stats returned %s: %s", resp.Status, body)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Println(pretty.String())
}

func runRetry(addr, jobID string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	url := fmt.Sprintf("%s/jobs/deadletter/%s/retry", addr, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
	if err != nil {
		log.Fatalf("jobctl: build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client(timeout).Do(req)
	if err != nil {
		log.Fatalf("jobctl: retry request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("jobctl: read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("jobctl: retry returned %s: %s", resp.Status, body)
	}
	fmt.Printf("requeued: %s\n", body)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
