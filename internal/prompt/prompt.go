// Package prompt compiles a sensor snapshot into the text submitted to the
// inference backend.
//
// Compilation never fails. A missing required section is replaced by its fixed
// default block; a section with the wrong shape replaces the whole digest with
// the fixed default digest. Either case marks the prompt as degraded and logs
// a warning.
package prompt

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/rewired-gh/agrolens/internal/logger"
)

// NotAvailable is rendered for any value the snapshot does not provide.
const NotAvailable = "No disponible"

const preamble = `Eres un agrónomo especialista en agricultura de precisión. Con los datos ambientales de abajo, redacta un informe agrícola con esta estructura:

### 📍 Ubicación y condiciones generales
- Coordenadas
- Altitud estimada a partir de la presión atmosférica
- Temperatura, humedad, radiación, precipitación y viento

### 🌾 Cultivos recomendados
Para cada cultivo viable:
- 🌱 **Cultivo**
  - Época de siembra adecuada
  - Requisitos que las condiciones satisfacen
  - Precauciones particulares

### ✅ Manejo agronómico
- Preparación del suelo
- Riego (frecuencia y método)
- Fertilización
- Manejo de plagas

### ⚠️ Riesgos
- Eventos climáticos extremos
- Limitaciones del sitio
- Plagas o enfermedades probables

### 🌿 Sostenibilidad
- Prácticas recomendadas
- Uso eficiente del agua
- Mitigación de impacto ambiental

### 📊 Datos recibidos
Resume los datos de entrada.

Datos:
`

const closing = `

Responde en español, de forma breve y directa. Cuando un dato no esté disponible, escríbelo como "No disponible".
`

// Section names as they appear in the sensor payload.
const (
	SectionLocation  = "gps"
	SectionPrimary   = "sensor_bmp390"
	SectionLight     = "sensor_ltr390"
	SectionSecondary = "sensor_scd30"
	SectionClimate   = "clima_satelital"
)

// requiredSections are defaulted, in this order, when missing.
var requiredSections = []string{SectionLocation, SectionPrimary, SectionLight, SectionClimate}

// Prompt is the compiled prompt plus what the compiler had to substitute.
type Prompt struct {
	Text      string
	Defaulted []string // required sections replaced by their default block
	Malformed bool     // whole digest replaced by the default digest
}

// Degraded reports whether any default was substituted.
func (p Prompt) Degraded() bool {
	return p.Malformed || len(p.Defaulted) > 0
}

type location struct {
	Latitud  any `json:"latitud"`
	Longitud any `json:"longitud"`
}

type conditions struct {
	Temperatura any `json:"temperatura"`
	PresionHPa  any `json:"presion_hPa"`
	LuzLux      any `json:"luz_lux"`
	IndiceUV    any `json:"indice_uv"`
}

type secondary struct {
	CO2PPM     any `json:"co2_ppm"`
	HumedadPct any `json:"humedad_pct"`
}

type satellite struct {
	TempMedia     any `json:"temp_media"`
	TempMin       any `json:"temp_min"`
	TempMax       any `json:"temp_max"`
	Humedad       any `json:"humedad"`
	Precipitacion any `json:"precipitacion"`
	Viento        any `json:"viento"`
}

// digest is the condensed view of a snapshot embedded in the prompt. Field
// order is fixed so the rendered JSON is deterministic.
type digest struct {
	Ubicacion           location   `json:"ubicacion"`
	Clima               conditions `json:"clima"`
	SensoresSecundarios secondary  `json:"sensores_secundarios"`
	ClimaSatelital      satellite  `json:"clima_satelital"`
}

// defaultDigest is used whole when the snapshot is malformed.
func defaultDigest() digest {
	return digest{
		Ubicacion:           location{NotAvailable, NotAvailable},
		Clima:               conditions{NotAvailable, NotAvailable, NotAvailable, NotAvailable},
		SensoresSecundarios: secondary{NotAvailable, NotAvailable},
		ClimaSatelital:      satellite{NotAvailable, NotAvailable, NotAvailable, NotAvailable, NotAvailable, NotAvailable},
	}
}

// defaultSections are the fixed blocks substituted for a missing section.
func defaultSections() map[string]map[string]any {
	return map[string]map[string]any{
		SectionLocation: {"latitud": NotAvailable, "longitud": NotAvailable},
		SectionPrimary:  {"temperatura_a": NotAvailable, "presion_hPa": NotAvailable},
		SectionLight:    {"lux": NotAvailable, "indice_uv": NotAvailable},
		SectionClimate: {
			"T2M": NotAvailable, "T2M_MIN": NotAvailable, "T2M_MAX": NotAvailable,
			"RH2M": NotAvailable, "PRECTOTCORR": NotAvailable, "WS10M": NotAvailable,
		},
	}
}

type malformedError struct {
	section string
	field   string
}

func (e *malformedError) Error() string {
	if e.field == "" {
		return "section " + e.section + " is not an object"
	}
	return "field " + e.section + "." + e.field + " is not a number"
}

// Compile builds the prompt for a decoded snapshot. It never panics and never
// returns an error; identical input gives identical output.
func Compile(snapshot map[string]any) Prompt {
	p := Prompt{}

	d, defaulted, err := buildDigest(snapshot)
	p.Defaulted = defaulted
	if err != nil {
		logger.Warn("[PromptDegraded] malformed snapshot, using default digest: %v", err)
		d = defaultDigest()
		p.Malformed = true
	} else if len(defaulted) > 0 {
		logger.Warn("[PromptDegraded] missing sections replaced by defaults: %s", strings.Join(defaulted, ", "))
	}

	text, err := render(d)
	if err != nil {
		logger.Warn("[PromptDegraded] digest could not be rendered, using default digest: %v", err)
		text = mustRenderDefault()
		p.Malformed = true
	}
	p.Text = text
	return p
}

// CompileJSON decodes raw and compiles it. Input that is not a JSON object
// compiles to the default digest.
func CompileJSON(raw []byte) Prompt {
	var snapshot map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&snapshot); err != nil || snapshot == nil {
		logger.Warn("[PromptDegraded] snapshot is not a JSON object, using default digest")
		return Prompt{Text: mustRenderDefault(), Malformed: true}
	}
	return Compile(snapshot)
}

func render(d digest) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return "", err
	}
	return preamble + strings.TrimRight(buf.String(), "\n") + closing, nil
}

// mustRenderDefault renders the default digest, which holds only strings.
func mustRenderDefault() string {
	text, err := render(defaultDigest())
	if err != nil {
		panic("prompt: default digest does not render: " + err.Error())
	}
	return text
}

func buildDigest(snapshot map[string]any) (digest, []string, error) {
	var defaulted []string
	defaults := defaultSections()

	sections := make(map[string]map[string]any, len(requiredSections)+1)
	for _, name := range requiredSections {
		v, ok := snapshot[name]
		if !ok || v == nil {
			sections[name] = defaults[name]
			defaulted = append(defaulted, name)
			continue
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return digest{}, defaulted, &malformedError{section: name}
		}
		sections[name] = obj
	}

	// secondary readings are optional; absent means not available, not degraded
	switch v := snapshot[SectionSecondary].(type) {
	case nil:
		sections[SectionSecondary] = map[string]any{}
	case map[string]any:
		sections[SectionSecondary] = v
	default:
		return digest{}, defaulted, &malformedError{section: SectionSecondary}
	}

	var err error
	field := func(section, key string) any {
		if err != nil {
			return nil
		}
		var v any
		v, err = scalar(section, key, sections[section][key])
		return v
	}

	d := digest{
		Ubicacion: location{
			Latitud:  field(SectionLocation, "latitud"),
			Longitud: field(SectionLocation, "longitud"),
		},
		Clima: conditions{
			Temperatura: field(SectionPrimary, "temperatura_a"),
			PresionHPa:  field(SectionPrimary, "presion_hPa"),
			LuzLux:      field(SectionLight, "lux"),
			IndiceUV:    field(SectionLight, "indice_uv"),
		},
		SensoresSecundarios: secondary{
			CO2PPM:     field(SectionSecondary, "co2_ppm"),
			HumedadPct: field(SectionSecondary, "humedad_pct"),
		},
		ClimaSatelital: satellite{
			TempMedia:     field(SectionClimate, "T2M"),
			TempMin:       field(SectionClimate, "T2M_MIN"),
			TempMax:       field(SectionClimate, "T2M_MAX"),
			Humedad:       field(SectionClimate, "RH2M"),
			Precipitacion: field(SectionClimate, "PRECTOTCORR"),
			Viento:        field(SectionClimate, "WS10M"),
		},
	}
	if err != nil {
		return digest{}, defaulted, err
	}
	return d, defaulted, nil
}

// scalar normalizes one digest value. Finite numbers become float64, nulls and
// missing keys become NotAvailable, and the default marker passes through.
// Numeric text such as "23.5" is malformed, as it is for the stored readings.
func scalar(section, key string, v any) (any, error) {
	switch n := v.(type) {
	case nil:
		return NotAvailable, nil
	case float64:
		return finite(section, key, n)
	case float32:
		return finite(section, key, float64(n))
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			return nil, &malformedError{section: section, field: key}
		}
		return finite(section, key, f)
	case string:
		if n == NotAvailable {
			return n, nil
		}
	}
	return nil, &malformedError{section: section, field: key}
}

func finite(section, key string, f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &malformedError{section: section, field: key}
	}
	return f, nil
}
