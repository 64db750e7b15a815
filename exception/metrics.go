package exception

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus series for the three FIFO queues, named the way the teacher's
// observability package names its queue-depth gauge (TaskQueueDepth).
var (
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coordinator_exception_queue_depth",
		Help: "Current number of pending events per Exception Monitor queue",
	}, []string{"queue"})

	eventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_exception_events_total",
		Help: "Total Exception Monitor events dispatched, by kind",
	}, []string{"kind"})
)

func (m *Monitor) reportDepthLocked() {
	for qi, q := range m.queues {
		queueDepth.WithLabelValues(Queue(qi).String()).Set(float64(len(q)))
	}
}
