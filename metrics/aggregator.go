package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ErrMetricCountMismatch is returned when instances report differing
// numbers of metric families (spec §4.8 step 3).
var ErrMetricCountMismatch = fmt.Errorf("metrics: instances report different metric counts")

// Counters is the subset of agent.Manager's hot counters the aggregator
// overwrites request_received_total/request_failed_total/request_success_total
// with (spec §4.8 step 5). Declared locally to avoid an import cycle.
type Counters interface {
	Counters() (received, success, failed int64)
}

// InstanceTarget is one worker's metrics endpoint plus its NPU_mem_size
// weight, used for the weighted-mean aggregation rules.
type InstanceTarget struct {
	MetricURL string
	MemSize   float64
}

// Aggregator scrapes, parses, and aggregates metrics across instances,
// caching the serialized result for reuseTime.
type Aggregator struct {
	client    *http.Client
	counters  Counters
	reuseTime time.Duration

	mu               sync.Mutex
	cachedAt         time.Time
	cachedCompressed []byte
}

// New builds an Aggregator. counters may be nil in tests that do not
// exercise the overwrite rule.
func New(counters Counters, reuseTime time.Duration, client *http.Client) *Aggregator {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Aggregator{client: client, counters: counters, reuseTime: reuseTime}
}

// Serve returns the cached aggregated text if still fresh, else rescrapes
// targets and rebuilds it. The cache itself is kept zstd-compressed
// (SPEC_FULL §2 DOMAIN STACK) since the same byte-identical payload is
// served to every scraper during one reuseTime window.
func (a *Aggregator) Serve(ctx context.Context, targets []InstanceTarget) ([]byte, error) {
	a.mu.Lock()
	if a.reuseTime > 0 && !a.cachedAt.IsZero() && time.Since(a.cachedAt) < a.reuseTime {
		compressed := a.cachedCompressed
		a.mu.Unlock()
		return DecompressCache(compressed)
	}
	a.mu.Unlock()

	text, err := a.rebuild(ctx, targets)
	if err != nil {
		return nil, err
	}

	compressed, err := CompressCache(text)
	if err != nil {
		return nil, fmt.Errorf("metrics: compress cache: %w", err)
	}

	a.mu.Lock()
	a.cachedCompressed = compressed
	a.cachedAt = time.Now()
	a.mu.Unlock()
	return text, nil
}

func (a *Aggregator) rebuild(ctx context.Context, targets []InstanceTarget) ([]byte, error) {
	scraped := make([][]Family, len(targets))
	for i, t := range targets {
		text, err := a.scrape(ctx, t.MetricURL)
		if err != nil {
			return nil, fmt.Errorf("metrics: scrape %s: %w", t.MetricURL, err)
		}
		fams, err := ParseText(text)
		if err != nil {
			return nil, fmt.Errorf("metrics: parse %s: %w", t.MetricURL, err)
		}
		if err := validateFamilies(fams); err != nil {
			return nil, fmt.Errorf("metrics: validate %s: %w", t.MetricURL, err)
		}
		scraped[i] = fams
	}

	if len(scraped) == 0 {
		return []byte{}, nil
	}
	count := len(scraped[0])
	for _, fams := range scraped[1:] {
		if len(fams) != count {
			return nil, ErrMetricCountMismatch
		}
	}

	weights := make([]float64, len(targets))
	for i, t := range targets {
		weights[i] = t.MemSize
	}

	merged, err := aggregate(scraped, weights)
	if err != nil {
		return nil, err
	}

	if a.counters != nil {
		overwriteCounters(merged, a.counters)
	}
	computeFailedRequestPerc(merged)

	return serialize(merged), nil
}

func (a *Aggregator) scrape(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func validateFamilies(fams []Family) error {
	for _, f := range fams {
		for _, s := range f.Samples {
			switch f.Type {
			case TypeCounter, TypeGauge:
				if s.Value < 0 {
					return fmt.Errorf("metric %s: negative value %v for %s", f.Name, s.Value, f.Type)
				}
			case TypeHistogram:
				if strings.HasSuffix(f.Name, "_sum") || strings.HasSuffix(f.Name, "_count") {
					if s.Value < 0 {
						return fmt.Errorf("metric %s: negative histogram sum/count", f.Name)
					}
				}
				if s.Value < 0 {
					return fmt.Errorf("metric %s: negative bucket value", f.Name)
				}
			}
		}
	}
	return nil
}

// weightedMeanMetrics and arithmeticMeanMetrics name the metrics with
// special aggregation rules (spec §4.8 step 5); everything else sums.
var weightedMeanMetrics = map[string]bool{
	"npu_cache_usage_perc": true,
	"cpu_cache_usage_perc": true,
}

var arithmeticMeanMetrics = map[string]bool{
	"npu_prefix_cache_hit_rate": true,
}

const failedRequestPercMetric = "failed_request_perc"

var counterOverwriteMetrics = map[string]bool{
	"request_received_total": true,
	"request_failed_total":   true,
	"request_success_total":  true,
}

func aggregate(scraped [][]Family, weights []float64) ([]Family, error) {
	n := len(scraped[0])
	out := make([]Family, n)
	for idx := 0; idx < n; idx++ {
		name := scraped[0][idx].Name
		out[idx] = Family{Name: name, Help: scraped[0][idx].Help, Type: scraped[0][idx].Type}

		switch {
		case weightedMeanMetrics[name]:
			out[idx].Samples = weightedMeanSamples(scraped, idx, weights)
		case arithmeticMeanMetrics[name]:
			out[idx].Samples = arithmeticMeanSamples(scraped, idx)
		case name == failedRequestPercMetric:
			out[idx].Samples = []Sample{{Value: 0}} // filled in by computeFailedRequestPerc
		case counterOverwriteMetrics[name]:
			out[idx].Samples = []Sample{{Value: 0}} // filled in by overwriteCounters
		default:
			out[idx].Samples = sumSamples(scraped, idx)
		}
	}
	return out, nil
}

func weightedMeanSamples(scraped [][]Family, idx int, weights []float64) []Sample {
	byLabel := map[string]*struct{ weighted, totalWeight float64 }{}
	var order []string
	for i, fams := range scraped {
		w := weights[i]
		if w <= 0 {
			w = 1
		}
		for _, s := range fams[idx].Samples {
			acc, ok := byLabel[s.Labels]
			if !ok {
				acc = &struct{ weighted, totalWeight float64 }{}
				byLabel[s.Labels] = acc
				order = append(order, s.Labels)
			}
			acc.weighted += s.Value * w
			acc.totalWeight += w
		}
	}
	out := make([]Sample, 0, len(order))
	for _, label := range order {
		acc := byLabel[label]
		v := 0.0
		if acc.totalWeight > 0 {
			v = acc.weighted / acc.totalWeight
		}
		out = append(out, Sample{Labels: label, Value: v})
	}
	return out
}

func arithmeticMeanSamples(scraped [][]Family, idx int) []Sample {
	byLabel := map[string]*struct {
		sum float64
		n   int
	}{}
	var order []string
	for _, fams := range scraped {
		for _, s := range fams[idx].Samples {
			acc, ok := byLabel[s.Labels]
			if !ok {
				acc = &struct {
					sum float64
					n   int
				}{}
				byLabel[s.Labels] = acc
				order = append(order, s.Labels)
			}
			acc.sum += s.Value
			acc.n++
		}
	}
	out := make([]Sample, 0, len(order))
	for _, label := range order {
		acc := byLabel[label]
		v := 0.0
		if acc.n > 0 {
			v = acc.sum / float64(acc.n)
		}
		out = append(out, Sample{Labels: label, Value: v})
	}
	return out
}

func sumSamples(scraped [][]Family, idx int) []Sample {
	byLabel := map[string]float64{}
	var order []string
	for _, fams := range scraped {
		for _, s := range fams[idx].Samples {
			if _, ok := byLabel[s.Labels]; !ok {
				order = append(order, s.Labels)
			}
			byLabel[s.Labels] += s.Value
		}
	}
	out := make([]Sample, 0, len(order))
	for _, label := range order {
		out = append(out, Sample{Labels: label, Value: byLabel[label]})
	}
	return out
}

func overwriteCounters(fams []Family, c Counters) {
	received, success, failed := c.Counters()
	for i := range fams {
		switch fams[i].Name {
		case "request_received_total":
			fams[i].Samples = []Sample{{Value: float64(received)}}
		case "request_success_total":
			fams[i].Samples = []Sample{{Value: float64(success)}}
		case "request_failed_total":
			fams[i].Samples = []Sample{{Value: float64(failed)}}
		}
	}
}

func computeFailedRequestPerc(fams []Family) {
	var received, failed float64
	for _, f := range fams {
		if len(f.Samples) == 0 {
			continue
		}
		switch f.Name {
		case "request_received_total":
			received = f.Samples[0].Value
		case "request_failed_total":
			failed = f.Samples[0].Value
		}
	}
	for i := range fams {
		if fams[i].Name == failedRequestPercMetric {
			v := 0.0
			if received > 0 {
				v = failed / received
			}
			fams[i].Samples = []Sample{{Value: v}}
		}
	}
}

func serialize(fams []Family) []byte {
	var buf bytes.Buffer
	for _, f := range fams {
		fmt.Fprintf(&buf, "# HELP %s %s\n", f.Name, f.Help)
		fmt.Fprintf(&buf, "# TYPE %s %s\n", f.Name, f.Type)
		for _, s := range f.Samples {
			if s.Labels == "" {
				fmt.Fprintf(&buf, "%s %s\n", f.Name, FormatValue(s.Value))
			} else {
				fmt.Fprintf(&buf, "%s%s %s\n", f.Name, s.Labels, FormatValue(s.Value))
			}
		}
	}
	return buf.Bytes()
}

// CompressCache compresses the cached aggregated text with zstd, for
// callers that want to keep a larger reuseTime window without the
// cache occupying uncompressed memory (SPEC_FULL §2 DOMAIN STACK).
func CompressCache(text []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(text, nil), nil
}

// DecompressCache reverses CompressCache.
func DecompressCache(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(compressed, nil)
}
