// Package models defines the core domain entities for agrolens.
// These models represent sensor snapshots, their satellite-climate enrichment,
// and the analysis results produced from them.
//
// Terminology:
//   - Snapshot: one persisted sensor-reading event, raw payload plus derived scalars.
//   - Climate: the optional clima_satelital block attached to a snapshot.
//   - Result: one inference outcome linked back to the snapshot it analysed.
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// Readings holds the scalar fields derived from a raw sensor payload.
// Every field is nullable: a sensor may be offline or a key may be missing.
type Readings struct {
	PresionHPa   *float64 `db:"presion_hpa" json:"presion_hpa"`
	TemperaturaA *float64 `db:"temperatura_a" json:"temperatura_a"`
	LuzCruda     *float64 `db:"luz_cruda" json:"luz_cruda"`
	UVCrudo      *float64 `db:"uv_crudo" json:"uv_crudo"`
	Lux          *float64 `db:"lux" json:"lux"`
	IndiceUV     *float64 `db:"indice_uv" json:"indice_uv"`
	CO2PPM       *float64 `db:"co2_ppm" json:"co2_ppm"`
	TemperaturaB *float64 `db:"temperatura_b" json:"temperatura_b"`
	HumedadPct   *float64 `db:"humedad_pct" json:"humedad_pct"`
	Latitud      *float64 `db:"latitud" json:"latitud"`
	Longitud     *float64 `db:"longitud" json:"longitud"`
	Altitud      *float64 `db:"altitud" json:"altitud"`
	Satelites    *float64 `db:"satelites" json:"satelites"`
}

// SensorSnapshot is one ingestion event. RawData is kept verbatim (in canonical
// form) and Readings are always extracted from it, never edited on their own.
type SensorSnapshot struct {
	ID        int64            `json:"id"`
	Timestamp string           `json:"timestamp"` // producer-supplied ISO-8601
	RawData   json.RawMessage  `json:"raw_data"`
	Readings  Readings         `json:"readings"`
	Climate   *ClimateSnapshot `json:"clima_satelital,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Validate checks that the snapshot carries a usable payload.
func (s *SensorSnapshot) Validate() error {
	if s.Timestamp == "" {
		return errors.New("snapshot timestamp must not be empty")
	}
	trimmed := bytes.TrimSpace(s.RawData)
	if len(trimmed) == 0 {
		return errors.New("snapshot raw data must not be empty")
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return errors.New("snapshot raw data must be a JSON object")
	}
	if s.Climate != nil && s.Climate.SensorDataID != 0 && s.ID != 0 && s.Climate.SensorDataID != s.ID {
		return errors.New("climate row must reference its parent snapshot")
	}
	return nil
}

// ClimateSnapshot is the satellite-climate enrichment attached to at most one
// SensorSnapshot. JSON names follow the upstream payload keys.
type ClimateSnapshot struct {
	ID             int64    `db:"id" json:"id"`
	SensorDataID   int64    `db:"sensor_data_id" json:"sensor_data_id"`
	T2M            *float64 `db:"t2m" json:"T2M"`
	T2MMax         *float64 `db:"t2m_max" json:"T2M_MAX"`
	T2MMin         *float64 `db:"t2m_min" json:"T2M_MIN"`
	T2MRange       *float64 `db:"t2m_range" json:"T2M_RANGE"`
	PrecTotCorr    *float64 `db:"prectotcorr" json:"PRECTOTCORR"`
	RH2M           *float64 `db:"rh2m" json:"RH2M"`
	QV2M           *float64 `db:"qv2m" json:"QV2M"`
	WS10M          *float64 `db:"ws10m" json:"WS10M"`
	WS10MMax       *float64 `db:"ws10m_max" json:"WS10M_MAX"`
	WS10MMin       *float64 `db:"ws10m_min" json:"WS10M_MIN"`
	T2MDew         *float64 `db:"t2mdew" json:"T2MDEW"`
	T2MWet         *float64 `db:"t2mwet" json:"T2MWET"`
	TS             *float64 `db:"ts" json:"TS"`
	AllSkySfcLWDwn *float64 `db:"allsky_sfc_lw_dwn" json:"ALLSKY_SFC_LW_DWN"`
	AllSkySfcSWDwn *float64 `db:"allsky_sfc_sw_dwn" json:"ALLSKY_SFC_SW_DWN"`
	ClrSkySfcSWDwn *float64 `db:"clrsky_sfc_sw_dwn" json:"CLRSKY_SFC_SW_DWN"`
	AllSkyKT       *float64 `db:"allsky_kt" json:"ALLSKY_KT"`
	EvLand         *float64 `db:"evland" json:"EVLAND"`
	PS             *float64 `db:"ps" json:"PS"`
}

// Validate checks the climate row linkage.
func (c *ClimateSnapshot) Validate() error {
	if c.SensorDataID <= 0 {
		return errors.New("climate row must reference a sensor snapshot")
	}
	return nil
}
