package models

import (
	"encoding/json"
	"errors"
	"time"
)

// AnalysisResult is one inference outcome. It is created once per successful
// inference call and never updated.
type AnalysisResult struct {
	ID           int64     `json:"id"`
	SensorDataID int64     `json:"sensor_data_id"`
	Timestamp    time.Time `json:"timestamp"`
	Prompt       string    `json:"prompt"`
	Response     string    `json:"response"`
	ModelUsed    string    `json:"model_used"`
}

// Validate checks that all result fields are valid.
func (r *AnalysisResult) Validate() error {
	if r.SensorDataID <= 0 {
		return errors.New("result must reference a sensor snapshot")
	}
	if r.Prompt == "" {
		return errors.New("result prompt must not be empty")
	}
	if r.ModelUsed == "" {
		return errors.New("result model must not be empty")
	}
	if r.Timestamp.IsZero() {
		return errors.New("result timestamp must be set")
	}
	return nil
}

// AnalysisRecord is the read shape of a result: the result joined with the raw
// payload of the snapshot it was produced from.
type AnalysisRecord struct {
	AnalysisResult
	RawData json.RawMessage `json:"raw_data"`
}

// RunOutcome is what a successful pipeline run hands back to its caller.
type RunOutcome struct {
	RunID          string        `json:"run_id"`
	SnapshotID     int64         `json:"snapshot_id"`
	ResultID       int64         `json:"result_id"`
	Response       string        `json:"response"`
	Model          string        `json:"model"`
	PromptDegraded bool          `json:"prompt_degraded"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration_ns"`
}

// Validate checks the outcome is complete.
func (o *RunOutcome) Validate() error {
	if o.RunID == "" {
		return errors.New("run ID must not be empty")
	}
	if o.SnapshotID <= 0 {
		return errors.New("snapshot ID must be positive")
	}
	if o.ResultID <= 0 {
		return errors.New("result ID must be positive")
	}
	if o.Model == "" {
		return errors.New("model must not be empty")
	}
	return nil
}
