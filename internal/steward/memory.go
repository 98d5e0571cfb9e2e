package steward

import (
	"encoding/json"
	"log/slog"
	"os"
)

const maxRecords = 10

// CycleRecord captures what happened in a single steward cycle.
type CycleRecord struct {
	Tick        uint64  `json:"tick"`
	RunID       string  `json:"run_id"`
	Action      string  `json:"action"`
	AvgError    float64 `json:"avg_error"`
	Improvement float64 `json:"improvement"`
	Level       string  `json:"level"`
	Applied     bool    `json:"applied,omitempty"`
	Rationale   string  `json:"rationale,omitempty"`
}

// CycleMemory manages a ring of recent steward cycle records.
type CycleMemory struct {
	Records []CycleRecord `json:"records"`
}

// LoadMemory reads the memory file from disk. Returns empty memory if not found.
func LoadMemory(path string) *CycleMemory {
	data, err := os.ReadFile(path)
	if err != nil {
		return &CycleMemory{}
	}
	var mem CycleMemory
	if err := json.Unmarshal(data, &mem); err != nil {
		slog.Warn("steward memory corrupted, starting fresh", "error", err)
		return &CycleMemory{}
	}
	return &mem
}

// Save writes the memory to disk.
func (m *CycleMemory) Save(path string) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		slog.Error("failed to marshal steward memory", "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		slog.Error("failed to write steward memory", "error", err)
	}
}

// Record adds a cycle record, trimming to maxRecords.
func (m *CycleMemory) Record(r CycleRecord) {
	m.Records = append(m.Records, r)
	if len(m.Records) > maxRecords {
		m.Records = m.Records[len(m.Records)-maxRecords:]
	}
}

// Last returns the most recent record with the given action.
func (m *CycleMemory) Last(action string) (CycleRecord, bool) {
	for i := len(m.Records) - 1; i >= 0; i-- {
		if m.Records[i].Action == action {
			return m.Records[i], true
		}
	}
	return CycleRecord{}, false
}
