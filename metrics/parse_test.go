package metrics

import (
	"math"
	"testing"
)

func TestParseTextBasic(t *testing.T) {
	text := "# HELP npu_cache_usage_perc cache usage\n" +
		"# TYPE npu_cache_usage_perc gauge\n" +
		"npu_cache_usage_perc{pod=\"a\"} 0.5\n" +
		"# HELP request_received_total total requests\n" +
		"# TYPE request_received_total counter\n" +
		"request_received_total 10\n"

	fams, err := ParseText(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fams) != 2 {
		t.Fatalf("expected 2 families, got %d", len(fams))
	}
	if fams[0].Type != TypeGauge || fams[0].Samples[0].Value != 0.5 {
		t.Fatalf("unexpected first family: %+v", fams[0])
	}
	if fams[1].Samples[0].Value != 10 {
		t.Fatalf("unexpected second family: %+v", fams[1])
	}
}

func TestParseTextRejectsUnknownType(t *testing.T) {
	text := "# HELP x x\n# TYPE x summary\nx 1\n"
	if _, err := ParseText(text); err == nil {
		t.Fatalf("expected error for unsupported metric type")
	}
}

func TestParseValueSpecials(t *testing.T) {
	text := "# HELP x x\n# TYPE x gauge\nx Nan\n"
	fams, err := ParseText(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !math.IsNaN(fams[0].Samples[0].Value) {
		t.Fatalf("expected NaN, got %v", fams[0].Samples[0].Value)
	}
}

func TestFormatValueRoundTrip(t *testing.T) {
	cases := map[float64]string{
		math.NaN():        "Nan",
		math.Inf(1):       "+Inf",
		math.Inf(-1):      "-Inf",
		1.5:                "1.5",
	}
	for v, want := range cases {
		if got := FormatValue(v); got != want {
			t.Fatalf("FormatValue(%v) = %q, want %q", v, got, want)
		}
	}
}
