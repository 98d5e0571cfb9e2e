// Command steward runs the autonomous swarm supervisor.
// It observes convergence, decides whether the swarm has stalled,
// and triggers a global reassignment through the operator API.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/talgya/drone-swarm/internal/steward"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Configuration from environment.
	apiURL := envOrDefault("SWARMSIM_API_URL", "http://localhost:8080")
	adminKey := os.Getenv("SWARMSIM_ADMIN_KEY")
	memoryPath := envOrDefault("STEWARD_MEMORY", "steward_memory.json")
	intervalSec := envIntOrDefault("STEWARD_INTERVAL", 30)

	if adminKey == "" {
		slog.Error("SWARMSIM_ADMIN_KEY is required")
		os.Exit(1)
	}

	interval := time.Duration(intervalSec) * time.Second
	policy := steward.DefaultPolicy()

	slog.Info("swarm steward starting",
		"api_url", apiURL,
		"interval", interval,
		"min_samples", policy.MinSamples,
		"min_improvement", policy.MinImprovement,
	)

	observer := steward.NewObserver(apiURL)
	actor := steward.NewActor(apiURL, adminKey)
	mem := steward.LoadMemory(memoryPath)

	slog.Info("waiting for swarmsim API...")
	waitForAPI(apiURL)

	runCycle(observer, actor, policy, mem, memoryPath)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			runCycle(observer, actor, policy, mem, memoryPath)
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			fmt.Println("Steward stopped.")
			return
		}
	}
}

func runCycle(observer *steward.Observer, actor *steward.Actor, policy steward.Policy, mem *steward.CycleMemory, memoryPath string) {
	slog.Info("steward cycle starting")
	if _, err := steward.RunCycle(observer, actor, policy, mem); err != nil {
		slog.Error("steward cycle failed", "error", err)
		return
	}
	mem.Save(memoryPath)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// waitForAPI polls the status endpoint with exponential backoff until it
// responds. Exits after 5 minutes if the API never becomes ready.
func waitForAPI(apiURL string) {
	backoff := 2 * time.Second
	maxBackoff := 30 * time.Second
	deadline := time.Now().Add(5 * time.Minute)

	for {
		resp, err := http.Get(apiURL + "/api/v1/status")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				slog.Info("swarmsim API is ready")
				return
			}
		}
		if time.Now().After(deadline) {
			slog.Error("swarmsim API did not become ready within 5 minutes")
			os.Exit(1)
		}
		slog.Info("swarmsim not ready, retrying...", "backoff", backoff)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
