package steward

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ReassignResult is the response from POST /api/v1/reassign. Distances are
// -1 when the swarm had no targets.
type ReassignResult struct {
	Before   float64 `json:"total_distance_before"`
	After    float64 `json:"total_distance_after"`
	Assigned int     `json:"assigned"`
	Applied  bool    `json:"applied"`
}

// Actor executes operator actions via the API.
type Actor struct {
	BaseURL    string
	AdminKey   string
	HTTPClient *http.Client
}

// NewActor creates an Actor targeting the given API base URL with operator auth.
func NewActor(baseURL, adminKey string) *Actor {
	return &Actor{
		BaseURL:  baseURL,
		AdminKey: adminKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Reassign triggers a global reassignment via POST /api/v1/reassign.
func (a *Actor) Reassign() (*ReassignResult, error) {
	req, err := http.NewRequest(http.MethodPost, a.BaseURL+"/api/v1/reassign", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.AdminKey)

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST reassign: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reassign failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var result ReassignResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}
