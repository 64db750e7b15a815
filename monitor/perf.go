package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/itskum47/mindie-coordinator/agent"
)

// PerfRecorder tracks per-ReqType latency distributions (SPEC_FULL §3
// supplement — not present in the original component design, which only
// ever reports aggregate counters).
var (
	scheduleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mindie_request_schedule_latency_seconds",
		Help:    "Time from ARRIVE to SCHEDULED per request type",
		Buckets: prometheus.DefBuckets,
	}, []string{"req_type"})

	firstTokenLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mindie_request_first_token_latency_seconds",
		Help:    "Time from ARRIVE to FIRST_TOKEN_FINISH per request type",
		Buckets: prometheus.DefBuckets,
	}, []string{"req_type"})

	totalLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mindie_request_total_latency_seconds",
		Help:    "Time from ARRIVE to FINISH or EXCEPTION per request type",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"req_type"})
)

// PerfRecorder observes an Agent's state history once it reaches FINISH or
// EXCEPTION, recording each stage's latency against its ReqType label.
type PerfRecorder struct{}

// NewPerfRecorder constructs a PerfRecorder. It holds no state of its own —
// every observation is derived from the Agent's own history — so a single
// package-level instance is not required, but callers may share one.
func NewPerfRecorder() *PerfRecorder { return &PerfRecorder{} }

// Observe records the completed latencies for a finished Agent.
// Safe to call more than once per Agent; duplicate samples simply add
// extra histogram observations, which skews aggregates, so callers should
// invoke this exactly once per terminal transition.
func (r *PerfRecorder) Observe(a *agent.Agent) {
	label := reqTypeLabel(a.Type)
	hist := a.History()

	var arriveNS, scheduledNS, firstTokenNS, terminalNS int64
	for _, e := range hist {
		switch e.State {
		case agent.StateArrive:
			if arriveNS == 0 {
				arriveNS = e.AtNS
			}
		case agent.StateScheduled:
			if scheduledNS == 0 {
				scheduledNS = e.AtNS
			}
		case agent.StateFirstTokenFinish:
			if firstTokenNS == 0 {
				firstTokenNS = e.AtNS
			}
		case agent.StateFinish, agent.StateException:
			terminalNS = e.AtNS
		}
	}
	if arriveNS == 0 {
		return
	}
	if scheduledNS > 0 {
		scheduleLatency.WithLabelValues(label).Observe(secondsBetween(arriveNS, scheduledNS))
	}
	if firstTokenNS > 0 {
		firstTokenLatency.WithLabelValues(label).Observe(secondsBetween(arriveNS, firstTokenNS))
	}
	if terminalNS > 0 {
		totalLatency.WithLabelValues(label).Observe(secondsBetween(arriveNS, terminalNS))
	}
}

func secondsBetween(startNS, endNS int64) float64 {
	if endNS <= startNS {
		return 0
	}
	return float64(endNS-startNS) / 1e9
}

func reqTypeLabel(t agent.ReqType) string {
	switch t {
	case agent.ReqTypeTGI:
		return "tgi"
	case agent.ReqTypeVLLM:
		return "vllm"
	case agent.ReqTypeOpenAI:
		return "openai"
	case agent.ReqTypeTriton:
		return "triton"
	case agent.ReqTypeMindIE:
		return "mindie"
	case agent.ReqTypeTokenizer:
		return "tokenizer"
	default:
		return "unknown"
	}
}
