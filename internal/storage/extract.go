package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	"github.com/rewired-gh/agrolens/internal/models"
)

// readingField binds a sensor_data column to the payload path it is extracted from.
type readingField struct {
	column string
	path   string
	ref    func(*models.Readings) **float64
}

var readingFields = []readingField{
	{"presion_hpa", "sensor_bmp390.presion_hPa", func(r *models.Readings) **float64 { return &r.PresionHPa }},
	{"temperatura_a", "sensor_bmp390.temperatura_a", func(r *models.Readings) **float64 { return &r.TemperaturaA }},
	{"luz_cruda", "sensor_ltr390.luz_cruda", func(r *models.Readings) **float64 { return &r.LuzCruda }},
	{"uv_crudo", "sensor_ltr390.uv_crudo", func(r *models.Readings) **float64 { return &r.UVCrudo }},
	{"lux", "sensor_ltr390.lux", func(r *models.Readings) **float64 { return &r.Lux }},
	{"indice_uv", "sensor_ltr390.indice_uv", func(r *models.Readings) **float64 { return &r.IndiceUV }},
	{"co2_ppm", "sensor_scd30.co2_ppm", func(r *models.Readings) **float64 { return &r.CO2PPM }},
	{"temperatura_b", "sensor_scd30.temperatura_b", func(r *models.Readings) **float64 { return &r.TemperaturaB }},
	{"humedad_pct", "sensor_scd30.humedad_pct", func(r *models.Readings) **float64 { return &r.HumedadPct }},
	{"latitud", "gps.latitud", func(r *models.Readings) **float64 { return &r.Latitud }},
	{"longitud", "gps.longitud", func(r *models.Readings) **float64 { return &r.Longitud }},
	{"altitud", "gps.altitud", func(r *models.Readings) **float64 { return &r.Altitud }},
	{"satelites", "gps.satelites", func(r *models.Readings) **float64 { return &r.Satelites }},
}

type climateField struct {
	column string
	key    string
	ref    func(*models.ClimateSnapshot) **float64
}

var climateFields = []climateField{
	{"t2m", "T2M", func(c *models.ClimateSnapshot) **float64 { return &c.T2M }},
	{"t2m_max", "T2M_MAX", func(c *models.ClimateSnapshot) **float64 { return &c.T2MMax }},
	{"t2m_min", "T2M_MIN", func(c *models.ClimateSnapshot) **float64 { return &c.T2MMin }},
	{"t2m_range", "T2M_RANGE", func(c *models.ClimateSnapshot) **float64 { return &c.T2MRange }},
	{"prectotcorr", "PRECTOTCORR", func(c *models.ClimateSnapshot) **float64 { return &c.PrecTotCorr }},
	{"rh2m", "RH2M", func(c *models.ClimateSnapshot) **float64 { return &c.RH2M }},
	{"qv2m", "QV2M", func(c *models.ClimateSnapshot) **float64 { return &c.QV2M }},
	{"ws10m", "WS10M", func(c *models.ClimateSnapshot) **float64 { return &c.WS10M }},
	{"ws10m_max", "WS10M_MAX", func(c *models.ClimateSnapshot) **float64 { return &c.WS10MMax }},
	{"ws10m_min", "WS10M_MIN", func(c *models.ClimateSnapshot) **float64 { return &c.WS10MMin }},
	{"t2mdew", "T2MDEW", func(c *models.ClimateSnapshot) **float64 { return &c.T2MDew }},
	{"t2mwet", "T2MWET", func(c *models.ClimateSnapshot) **float64 { return &c.T2MWet }},
	{"ts", "TS", func(c *models.ClimateSnapshot) **float64 { return &c.TS }},
	{"allsky_sfc_lw_dwn", "ALLSKY_SFC_LW_DWN", func(c *models.ClimateSnapshot) **float64 { return &c.AllSkySfcLWDwn }},
	{"allsky_sfc_sw_dwn", "ALLSKY_SFC_SW_DWN", func(c *models.ClimateSnapshot) **float64 { return &c.AllSkySfcSWDwn }},
	{"clrsky_sfc_sw_dwn", "CLRSKY_SFC_SW_DWN", func(c *models.ClimateSnapshot) **float64 { return &c.ClrSkySfcSWDwn }},
	{"allsky_kt", "ALLSKY_KT", func(c *models.ClimateSnapshot) **float64 { return &c.AllSkyKT }},
	{"evland", "EVLAND", func(c *models.ClimateSnapshot) **float64 { return &c.EvLand }},
	{"ps", "PS", func(c *models.ClimateSnapshot) **float64 { return &c.PS }},
}

const climateKey = "clima_satelital"

// Extract pulls the derived scalar fields out of a raw payload. Missing keys,
// nulls and non-numeric values all yield nil.
func Extract(raw []byte) models.Readings {
	var r models.Readings
	for _, f := range readingFields {
		*f.ref(&r) = number(gjson.GetBytes(raw, f.path))
	}
	return r
}

// ExtractClimate returns the climate row carried by a raw payload, or nil when
// the payload has no clima_satelital object.
func ExtractClimate(raw []byte) *models.ClimateSnapshot {
	block := gjson.GetBytes(raw, climateKey)
	if !block.IsObject() {
		return nil
	}

	c := &models.ClimateSnapshot{}
	for _, f := range climateFields {
		*f.ref(c) = number(block.Get(gjson.Escape(f.key)))
	}
	return c
}

// captureTimestamp returns the producer-supplied timestamp, if any.
func captureTimestamp(raw []byte) string {
	ts := gjson.GetBytes(raw, "timestamp")
	if ts.Type != gjson.String {
		return ""
	}
	return ts.Str
}

// number reads a JSON number literal. Numeric text such as "23.5" is not a
// reading and yields nil, matching how prompts treat it.
func number(r gjson.Result) *float64 {
	if r.Type != gjson.Number {
		return nil
	}
	v := r.Float()
	return &v
}

// Canonicalize turns an accepted payload shape into the canonical text stored
// in sensor_data.raw_data: a compact JSON object with sorted keys and number
// literals preserved as received.
func Canonicalize(payload any) ([]byte, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		return nil, ErrInvalidPayload
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	case string:
		raw = []byte(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: payload is null", ErrInvalidPayload)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after object", ErrInvalidPayload)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
