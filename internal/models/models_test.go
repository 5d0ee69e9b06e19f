package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSensorSnapshotValidate(t *testing.T) {
	tests := []struct {
		name     string
		snapshot SensorSnapshot
		wantErr  bool
	}{
		{
			name: "valid snapshot",
			snapshot: SensorSnapshot{
				Timestamp: "2025-05-01T10:00:00",
				RawData:   json.RawMessage(`{"gps":{"latitud":9.89}}`),
			},
			wantErr: false,
		},
		{
			name: "empty object is a valid payload",
			snapshot: SensorSnapshot{
				Timestamp: "2025-05-01T10:00:00",
				RawData:   json.RawMessage(`{}`),
			},
			wantErr: false,
		},
		{
			name: "missing timestamp",
			snapshot: SensorSnapshot{
				RawData: json.RawMessage(`{}`),
			},
			wantErr: true,
		},
		{
			name: "empty payload",
			snapshot: SensorSnapshot{
				Timestamp: "2025-05-01T10:00:00",
			},
			wantErr: true,
		},
		{
			name: "array payload",
			snapshot: SensorSnapshot{
				Timestamp: "2025-05-01T10:00:00",
				RawData:   json.RawMessage(`[1,2,3]`),
			},
			wantErr: true,
		},
		{
			name: "climate linked to another snapshot",
			snapshot: SensorSnapshot{
				ID:        1,
				Timestamp: "2025-05-01T10:00:00",
				RawData:   json.RawMessage(`{}`),
				Climate:   &ClimateSnapshot{SensorDataID: 2},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.snapshot.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("SensorSnapshot.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClimateSnapshotValidate(t *testing.T) {
	if err := (&ClimateSnapshot{}).Validate(); err == nil {
		t.Error("expected error for climate row without parent")
	}
	if err := (&ClimateSnapshot{SensorDataID: 7}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAnalysisResultValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		result  AnalysisResult
		wantErr bool
	}{
		{
			name:    "valid result",
			result:  AnalysisResult{SensorDataID: 1, Prompt: "p", Response: "r", ModelUsed: "gemma3:4b", Timestamp: now},
			wantErr: false,
		},
		{
			name:    "empty response is allowed",
			result:  AnalysisResult{SensorDataID: 1, Prompt: "p", ModelUsed: "gemma3:4b", Timestamp: now},
			wantErr: false,
		},
		{
			name:    "no snapshot",
			result:  AnalysisResult{Prompt: "p", ModelUsed: "m", Timestamp: now},
			wantErr: true,
		},
		{
			name:    "no prompt",
			result:  AnalysisResult{SensorDataID: 1, ModelUsed: "m", Timestamp: now},
			wantErr: true,
		},
		{
			name:    "no model",
			result:  AnalysisResult{SensorDataID: 1, Prompt: "p", Timestamp: now},
			wantErr: true,
		},
		{
			name:    "zero timestamp",
			result:  AnalysisResult{SensorDataID: 1, Prompt: "p", ModelUsed: "m"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.result.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("AnalysisResult.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunOutcomeValidate(t *testing.T) {
	ok := RunOutcome{RunID: "r", SnapshotID: 1, ResultID: 2, Model: "m"}
	if err := ok.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	bad := ok
	bad.ResultID = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for missing result ID")
	}
}

func TestClimateSnapshotJSONUsesPayloadKeys(t *testing.T) {
	v := 22.0
	b, err := json.Marshal(ClimateSnapshot{SensorDataID: 1, T2M: &v})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["T2M"] != 22.0 {
		t.Errorf("T2M = %v, want 22", m["T2M"])
	}
	if _, ok := m["PRECTOTCORR"]; !ok {
		t.Error("expected PRECTOTCORR key to be present")
	}
}
