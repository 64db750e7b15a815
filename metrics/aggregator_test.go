package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fakeCounters struct{ received, success, failed int64 }

func (f fakeCounters) Counters() (int64, int64, int64) { return f.received, f.success, f.failed }

func podMetrics(cacheUsage float64, reqTotal int) string {
	return "# HELP npu_cache_usage_perc usage\n" +
		"# TYPE npu_cache_usage_perc gauge\n" +
		"npu_cache_usage_perc " + FormatValue(cacheUsage) + "\n" +
		"# HELP request_received_total total\n" +
		"# TYPE request_received_total counter\n" +
		"request_received_total " + FormatValue(float64(reqTotal)) + "\n" +
		"# HELP request_failed_total failed\n" +
		"# TYPE request_failed_total counter\n" +
		"request_failed_total 0\n" +
		"# HELP request_success_total success\n" +
		"# TYPE request_success_total counter\n" +
		"request_success_total 0\n" +
		"# HELP failed_request_perc pct\n" +
		"# TYPE failed_request_perc gauge\n" +
		"failed_request_perc 0\n"
}

func TestAggregatorMergesAndOverwritesCounters(t *testing.T) {
	srv1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(podMetrics(0.4, 5)))
	}))
	defer srv1.Close()
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(podMetrics(0.8, 5)))
	}))
	defer srv2.Close()

	a := New(fakeCounters{received: 100, success: 90, failed: 10}, 0, nil)
	targets := []InstanceTarget{
		{MetricURL: srv1.URL, MemSize: 1},
		{MetricURL: srv2.URL, MemSize: 1},
	}

	out, err := a.Serve(context.Background(), targets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := string(out)
	if !strings.Contains(text, "npu_cache_usage_perc 0.6") {
		t.Fatalf("expected weighted mean 0.6 in output, got: %s", text)
	}
	if !strings.Contains(text, "request_received_total 100") {
		t.Fatalf("expected overwritten received counter, got: %s", text)
	}
	if !strings.Contains(text, "failed_request_perc 0.1") {
		t.Fatalf("expected computed failed_request_perc, got: %s", text)
	}
}

func TestAggregatorCachesWithinReuseTime(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(podMetrics(0.1, 1)))
	}))
	defer srv.Close()

	a := New(nil, time.Hour, nil)
	targets := []InstanceTarget{{MetricURL: srv.URL, MemSize: 1}}

	if _, err := a.Serve(context.Background(), targets); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := a.Serve(context.Background(), targets); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected only one scrape within reuseTime, got %d", calls)
	}
}

func TestAggregatorRejectsMetricCountMismatch(t *testing.T) {
	srv1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(podMetrics(0.1, 1)))
	}))
	defer srv1.Close()
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# HELP x x\n# TYPE x gauge\nx 1\n"))
	}))
	defer srv2.Close()

	a := New(nil, 0, nil)
	targets := []InstanceTarget{
		{MetricURL: srv1.URL, MemSize: 1},
		{MetricURL: srv2.URL, MemSize: 1},
	}
	if _, err := a.Serve(context.Background(), targets); err != ErrMetricCountMismatch {
		t.Fatalf("expected ErrMetricCountMismatch, got %v", err)
	}
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	original := []byte("# HELP x x\n# TYPE x gauge\nx 1\n")
	compressed, err := CompressCache(original)
	if err != nil {
		t.Fatalf("compress error: %v", err)
	}
	decompressed, err := DecompressCache(compressed)
	if err != nil {
		t.Fatalf("decompress error: %v", err)
	}
	if string(decompressed) != string(original) {
		t.Fatalf("round trip mismatch: got %q want %q", decompressed, original)
	}
}
