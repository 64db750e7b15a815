// Package monitor implements the periodic Request Monitor sweep and the
// PerfMonitor per-request latency recorder.
package monitor

import (
	"context"
	"log"
	"time"

	"github.com/itskum47/mindie-coordinator/agent"
	"github.com/itskum47/mindie-coordinator/exception"
)

// InstanceChecker reports whether an instance id is still known to the
// cluster — used to distinguish a genuine timeout from a route that no
// longer resolves to a live instance.
type InstanceChecker interface {
	Exists(instanceID uint64) bool
}

// ManagerView is the subset of agent.Manager the sweep needs.
type ManagerView interface {
	Snapshot() []*agent.Agent
	ReleaseFinishedRequest() int
	UpdateState(reqID string, state agent.ReqState) error
}

// Config carries the four timeout thresholds (spec §4.6). A zero value
// disables the corresponding check.
type Config struct {
	Tick              time.Duration
	ScheduleTimeout   time.Duration
	FirstTokenTimeout time.Duration
	InferTimeout      time.Duration
	TokenizerTimeout  time.Duration
}

// Sweeper is the Request Monitor's single periodic worker.
type Sweeper struct {
	cfg      Config
	mgr      ManagerView
	cluster  InstanceChecker
	excQueue *exception.Monitor
}

// New builds a Sweeper. cluster may be nil only in tests that never exercise
// the instance-existence validation path.
func New(cfg Config, mgr ManagerView, cluster InstanceChecker, excQueue *exception.Monitor) *Sweeper {
	return &Sweeper{cfg: cfg, mgr: mgr, cluster: cluster, excQueue: excQueue}
}

// Start launches the 1 Hz (by default) sweep loop in its own goroutine and
// returns at once; the loop exits when ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Sweeper) loop(ctx context.Context) {
	tick := s.cfg.Tick
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one pass: ReleaseFinishedRequest, then the per-Agent timeout
// checks in the order documented by spec §4.6. Exported so tests and a
// manual admin trigger can run it synchronously.
func (s *Sweeper) Sweep() {
	s.mgr.ReleaseFinishedRequest()

	now := nowNS()
	for _, a := range s.mgr.Snapshot() {
		s.checkAgent(a, now)
	}
}

func (s *Sweeper) checkAgent(a *agent.Agent, now int64) {
	state := a.CurrentState()
	if state == agent.StateException || state == agent.StateFinish || state == agent.StateTimeout {
		return
	}
	arrive := a.ArriveAtNS()
	if arrive == 0 {
		return
	}
	elapsed := time.Duration(now - arrive)

	if a.Type == agent.ReqTypeTokenizer {
		if s.cfg.TokenizerTimeout > 0 && elapsed >= s.cfg.TokenizerTimeout {
			s.reportTimeout(a, exception.KindTokenizerTimeout)
		}
		return
	}

	if !a.HasReachedState(agent.StateScheduled) {
		if s.cfg.ScheduleTimeout > 0 && elapsed >= s.cfg.ScheduleTimeout {
			s.reportTimeout(a, exception.KindScheduleTimeout)
		}
		return
	}

	if !a.HasReachedState(agent.StateFirstTokenFinish) {
		if s.cfg.FirstTokenTimeout > 0 && elapsed >= s.cfg.FirstTokenTimeout {
			s.reportTimeoutOrException(a, exception.KindFirstTokenTimeout)
		}
		return
	}

	if s.cfg.InferTimeout > 0 && elapsed >= s.cfg.InferTimeout {
		s.reportTimeoutOrException(a, exception.KindInferTimeout)
	}
}

// reportTimeoutOrException validates that the chosen P/D instances still
// exist before pushing a timeout event; if either has vanished from the
// cluster view, the request is marked EXCEPTION directly with no RPC
// (spec §4.6 step 2).
func (s *Sweeper) reportTimeoutOrException(a *agent.Agent, kind exception.Kind) {
	if s.cluster != nil && (!s.cluster.Exists(a.RouteP) || !s.cluster.Exists(a.RouteD)) {
		if err := s.mgr.UpdateState(a.ReqID, agent.StateException); err != nil {
			log.Printf("monitor: failed to mark %s EXCEPTION after vanished route: %v", a.ReqID, err)
		}
		return
	}
	s.reportTimeout(a, kind)
}

// reportTimeout records TIMEOUT before pushing the event, guaranteeing each
// timeout is reported at most once (spec §4.6 step 3): the next sweep will
// see CurrentState()==TIMEOUT and skip this Agent.
func (s *Sweeper) reportTimeout(a *agent.Agent, kind exception.Kind) {
	if err := s.mgr.UpdateState(a.ReqID, agent.StateTimeout); err != nil {
		log.Printf("monitor: failed to record TIMEOUT for %s: %v", a.ReqID, err)
		return
	}
	s.excQueue.PushRequest(exception.Event{Kind: kind, ReqID: a.ReqID})
}

func nowNS() int64 {
	return time.Now().UnixNano()
}
