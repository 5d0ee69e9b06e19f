package prompt

import (
	"encoding/json"
	"math"
	"reflect"
	"strings"
	"testing"
)

func scenario() map[string]any {
	return map[string]any{
		"gps":             map[string]any{"latitud": 9.89, "longitud": -84.09},
		"sensor_bmp390":   map[string]any{"temperatura_a": 23.5, "presion_hPa": 890.0},
		"sensor_ltr390":   map[string]any{"lux": 70.0, "indice_uv": 0.5},
		"clima_satelital": map[string]any{"T2M": 22.0, "RH2M": 90.0, "PRECTOTCORR": 12.0, "WS10M": 0.8},
	}
}

// embeddedDigest extracts and decodes the JSON digest from a compiled prompt.
func embeddedDigest(t *testing.T, text string) map[string]map[string]any {
	t.Helper()
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		t.Fatalf("no digest found in prompt: %q", text)
	}
	var d map[string]map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &d); err != nil {
		t.Fatalf("digest is not valid JSON: %v", err)
	}
	return d
}

func TestCompile_FullSnapshot(t *testing.T) {
	p := Compile(scenario())

	if p.Degraded() {
		t.Errorf("full snapshot should not be degraded: %+v", p)
	}
	for _, want := range []string{"23.5", "9.89", "-84.09", "890", "Responde en español", `"No disponible"`} {
		if !strings.Contains(p.Text, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if !strings.HasPrefix(p.Text, preamble) {
		t.Error("prompt must start with the fixed preamble")
	}
	if !strings.HasSuffix(p.Text, closing) {
		t.Error("prompt must end with the fixed closing instruction")
	}

	d := embeddedDigest(t, p.Text)
	if d["clima"]["temperatura"] != 23.5 {
		t.Errorf("clima.temperatura = %v, want 23.5", d["clima"]["temperatura"])
	}
	if d["clima_satelital"]["temp_media"] != 22.0 {
		t.Errorf("clima_satelital.temp_media = %v, want 22", d["clima_satelital"]["temp_media"])
	}
	if d["clima_satelital"]["temp_max"] != NotAvailable {
		t.Errorf("missing T2M_MAX should render as %q, got %v", NotAvailable, d["clima_satelital"]["temp_max"])
	}
	if d["sensores_secundarios"]["co2_ppm"] != NotAvailable {
		t.Errorf("absent secondary section should render as %q", NotAvailable)
	}
}

func TestCompile_DigestExcludesRawPayload(t *testing.T) {
	s := scenario()
	s["sensor_ltr390"].(map[string]any)["luz_cruda"] = 123456.0

	p := Compile(s)
	if strings.Contains(p.Text, "123456") {
		t.Error("digest should only contain the condensed fields")
	}
}

func TestCompile_Idempotent(t *testing.T) {
	inputs := []map[string]any{
		scenario(),
		{},
		nil,
		{"gps": "broken"},
	}

	for _, in := range inputs {
		first := Compile(in)
		for i := 0; i < 5; i++ {
			if again := Compile(in); !reflect.DeepEqual(first, again) {
				t.Fatalf("Compile not idempotent for %v", in)
			}
		}
	}
}

func TestCompile_MissingSections(t *testing.T) {
	tests := []struct {
		name          string
		drop          []string
		wantDefaulted []string
	}{
		{"no primary sensor", []string{"sensor_bmp390"}, []string{SectionPrimary}},
		{"no gps", []string{"gps"}, []string{SectionLocation}},
		{"no climate and no light", []string{"clima_satelital", "sensor_ltr390"}, []string{SectionLight, SectionClimate}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := scenario()
			for _, k := range tt.drop {
				delete(s, k)
			}

			p := Compile(s)
			if !p.Degraded() || p.Malformed {
				t.Fatalf("expected degraded (not malformed) prompt, got %+v", p)
			}
			if !reflect.DeepEqual(p.Defaulted, tt.wantDefaulted) {
				t.Errorf("Defaulted = %v, want %v", p.Defaulted, tt.wantDefaulted)
			}
		})
	}
}

func TestCompile_MissingPrimaryUsesDefaultBlock(t *testing.T) {
	s := scenario()
	delete(s, "sensor_bmp390")

	p := Compile(s)
	d := embeddedDigest(t, p.Text)

	if d["clima"]["temperatura"] != NotAvailable || d["clima"]["presion_hPa"] != NotAvailable {
		t.Errorf("expected default pressure/temperature block, got %v", d["clima"])
	}
	if d["clima"]["luz_lux"] != 70.0 {
		t.Errorf("other sections must be kept, luz_lux = %v", d["clima"]["luz_lux"])
	}
	if d["ubicacion"]["latitud"] != 9.89 {
		t.Errorf("latitud = %v, want 9.89", d["ubicacion"]["latitud"])
	}
}

func TestCompile_EmptyAndNilInput(t *testing.T) {
	for _, in := range []map[string]any{{}, nil} {
		p := Compile(in)
		if len(p.Defaulted) != len(requiredSections) {
			t.Errorf("expected all %d required sections defaulted, got %v", len(requiredSections), p.Defaulted)
		}
		if p.Text != Compile(map[string]any{}).Text {
			t.Error("nil and empty input should compile identically")
		}
		if strings.Contains(p.Text, "23.5") {
			t.Error("default digest should not contain sensor values")
		}
	}
}

func TestCompile_MalformedUsesDefaultDigest(t *testing.T) {
	defaultText := mustRenderDefault()

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"section is a string", func(s map[string]any) { s["gps"] = "9.89,-84.09" }},
		{"section is a list", func(s map[string]any) { s["clima_satelital"] = []any{1, 2} }},
		{"field is a bool", func(s map[string]any) { s["sensor_bmp390"].(map[string]any)["temperatura_a"] = true }},
		{"field is an object", func(s map[string]any) { s["sensor_ltr390"].(map[string]any)["lux"] = map[string]any{"v": 1} }},
		{"field is text", func(s map[string]any) { s["gps"].(map[string]any)["latitud"] = "norte" }},
		{"secondary is a number", func(s map[string]any) { s["sensor_scd30"] = 5.0 }},
		{"field is NaN", func(s map[string]any) { s["gps"].(map[string]any)["longitud"] = math.NaN() }},
		{"field is +Inf", func(s map[string]any) { s["sensor_bmp390"].(map[string]any)["presion_hPa"] = math.Inf(1) }},
		{"field is float32 -Inf", func(s map[string]any) { s["sensor_ltr390"].(map[string]any)["lux"] = float32(math.Inf(-1)) }},
		{"field is numeric text", func(s map[string]any) { s["sensor_bmp390"].(map[string]any)["temperatura_a"] = "23.5" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := scenario()
			tt.mutate(s)

			p := Compile(s)
			if !p.Malformed || !p.Degraded() {
				t.Fatalf("expected malformed prompt, got %+v", p)
			}
			if p.Text != defaultText {
				t.Error("malformed snapshot must compile to the default digest")
			}
			if !strings.Contains(p.Text, `"ubicacion"`) {
				t.Error("compiled prompt is missing its digest")
			}
		})
	}
}

func TestCompile_SecondaryReadings(t *testing.T) {
	s := scenario()
	s["sensor_scd30"] = map[string]any{"co2_ppm": 415.2, "temperatura_b": nil, "humedad_pct": nil}

	p := Compile(s)
	if p.Degraded() {
		t.Errorf("nullable secondary readings must not degrade the prompt: %+v", p)
	}
	d := embeddedDigest(t, p.Text)
	if d["sensores_secundarios"]["co2_ppm"] != 415.2 {
		t.Errorf("co2_ppm = %v, want 415.2", d["sensores_secundarios"]["co2_ppm"])
	}
	if d["sensores_secundarios"]["humedad_pct"] != NotAvailable {
		t.Errorf("null humedad_pct should render as %q", NotAvailable)
	}
}

func TestCompileJSON(t *testing.T) {
	raw := []byte(`{"gps":{"latitud":9.89,"longitud":-84.09},"sensor_bmp390":{"temperatura_a":23.5,"presion_hPa":890},
		"sensor_ltr390":{"lux":70,"indice_uv":0.5},"clima_satelital":{"T2M":22,"RH2M":90,"PRECTOTCORR":12,"WS10M":0.8}}`)

	fromJSON := CompileJSON(raw)
	if fromJSON.Text != Compile(scenario()).Text {
		t.Error("CompileJSON and Compile should agree on the same snapshot")
	}

	for _, bad := range [][]byte{nil, []byte("[]"), []byte("null"), []byte("{")} {
		p := CompileJSON(bad)
		if !p.Malformed {
			t.Errorf("CompileJSON(%q) should be malformed", bad)
		}
		if p.Text != mustRenderDefault() {
			t.Errorf("CompileJSON(%q) should render the default digest", bad)
		}
	}
}

func TestRender_RejectsNonFiniteNumbers(t *testing.T) {
	d := defaultDigest()
	d.Ubicacion.Longitud = math.NaN()
	if _, err := render(d); err == nil {
		t.Error("render should fail on a NaN value")
	}
}
