// Package steward implements the autonomous swarm supervisor.
// It observes convergence via the API, decides whether the swarm has
// stalled, and acts via the operator reassign endpoint.
package steward

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// historyWindow is how many history samples one observation fetches.
const historyWindow = 30

// Snapshot holds all data collected during an observation cycle.
type Snapshot struct {
	Status  ServiceStatus `json:"status"`
	History History       `json:"history"`
}

// ServiceStatus mirrors GET /api/v1/status.
type ServiceStatus struct {
	Name    string      `json:"name"`
	Speed   float64     `json:"speed"`
	Running bool        `json:"running"`
	Swarm   SwarmStatus `json:"status"`
}

// SwarmStatus mirrors the "status" object of GET /api/v1/status.
type SwarmStatus struct {
	Tick      uint64   `json:"tick"`
	SimTime   string   `json:"sim_time"`
	Drones    int      `json:"drones"`
	Targets   int      `json:"targets"`
	Held      int      `json:"held"`
	AvgError  *float64 `json:"avg_error"`
	Converged bool     `json:"converged"`
	Threshold float64  `json:"threshold"`
	Strategy  string   `json:"strategy"`
	Contour   string   `json:"contour"`
	RunID     string   `json:"run_id"`
}

// History mirrors GET /api/v1/history. Samples are in tick order, oldest first.
type History struct {
	RunID   string       `json:"run_id"`
	Samples []SampleInfo `json:"samples"`
}

// SampleInfo mirrors one history sample.
type SampleInfo struct {
	Tick      uint64   `json:"tick"`
	AvgError  *float64 `json:"avg_error"`
	Converged bool     `json:"converged"`
	Held      int      `json:"held"`
}

// Observer fetches swarm state from the API.
type Observer struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewObserver creates an Observer targeting the given API base URL.
func NewObserver(baseURL string) *Observer {
	return &Observer{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Observe fetches status and recent history and returns a Snapshot.
func (o *Observer) Observe() (*Snapshot, error) {
	snap := &Snapshot{}

	if err := o.fetchJSON("/api/v1/status", &snap.Status); err != nil {
		return nil, fmt.Errorf("fetch status: %w", err)
	}
	if err := o.fetchJSON(fmt.Sprintf("/api/v1/history?limit=%d", historyWindow), &snap.History); err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	return snap, nil
}

// fetchJSON GETs a path and decodes the JSON response into target.
func (o *Observer) fetchJSON(path string, target any) error {
	resp, err := o.HTTPClient.Get(o.BaseURL + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s returned %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
