package router

import (
	"context"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/itskum47/mindie-coordinator/agent"
	"github.com/itskum47/mindie-coordinator/cluster"
	"github.com/itskum47/mindie-coordinator/exception"
	"github.com/itskum47/mindie-coordinator/pool"
)

// ClusterView is the subset of *cluster.Cluster the router needs: whether
// the cluster can serve requests, and address lookup for the chosen P/D
// instances.
type ClusterView interface {
	IsAvailable() bool
	Get(id uint64) *cluster.InstanceInfo
	All() []*cluster.InstanceInfo
}

// Scheduler is the external black-box collaborator (spec §1): "schedule
// this request id; call me back with chosen (P, D)". priorityHint is the
// SPEC_FULL §3 extension point for a pluggable reordering policy; this port
// does not implement one, it only carries the hint through.
type Scheduler interface {
	Schedule(reqID string, priorityHint int, callback func(prefillID, decodeID uint64))
}

// Config carries the router's tunables (spec §4.4, §7).
type Config struct {
	MaxRetry          int
	RetryBackoff      time.Duration // delay before re-dispatching a RETRY_DUPLICATE_REQID (spec Scenario C: 1s)
	DeployModePD      bool
	IsStandby         func() bool // reports whether this Coordinator is the standby of a primary-standby pair
	IsStandbyAbnormal func() bool
}

// Router is the Coordinator Request Router (spec §4.4).
type Router struct {
	cfg Config

	mgr     *agent.Manager
	cluster ClusterView
	pool    *pool.Pool
	exc     *exception.Monitor
	sched   Scheduler

	mu          sync.Mutex
	conns       map[string]*serverConn // reqID -> client connection
	dresult     map[uint64]context.CancelFunc // decode instance id -> running long-poll cancel
	frameStates map[uint64]*pool.DResultFrameState

	arriveTotal int64
}

// New builds a Router. sched may be set later via SetScheduler if the
// scheduler is constructed after the router (common wiring order in
// cmd/coordinator since the scheduler needs the router's PD callback).
func New(cfg Config, mgr *agent.Manager, cl ClusterView, p *pool.Pool, exc *exception.Monitor) *Router {
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 4
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	r := &Router{
		cfg:         cfg,
		mgr:         mgr,
		cluster:     cl,
		pool:        p,
		exc:         exc,
		conns:       make(map[string]*serverConn),
		dresult:     make(map[uint64]context.CancelFunc),
		frameStates: make(map[uint64]*pool.DResultFrameState),
	}
	r.registerExceptionHandlers()
	return r
}

// SetScheduler binds the scheduler collaborator.
func (r *Router) SetScheduler(s Scheduler) { r.sched = s }

// Mux returns an http.Handler with every inference route from spec §4.4's
// table registered, in the Go 1.22+ enhanced-ServeMux pattern style the
// teacher's api.go uses for its own route table.
func (r *Router) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/models/{name}/generate", r.handleInference)
	mux.HandleFunc("POST /v2/models/{name}/generate_stream", r.handleInference)
	mux.HandleFunc("POST /v2/models/{name}/infer", r.handleInference)
	mux.HandleFunc("POST /generate", r.handleInference)
	mux.HandleFunc("POST /generate_stream", r.handleInference)
	mux.HandleFunc("POST /v1/chat/completions", r.handleInference)
	mux.HandleFunc("POST /v1/completions", r.handleInference)
	mux.HandleFunc("POST /infer", r.handleInference)
	mux.HandleFunc("POST /v1/tokenizer", r.handleInference)
	return mux
}

// handleInference is the single entry point for every inference URL in
// spec §4.4's table; it runs the router entry steps in order.
func (r *Router) handleInference(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.arriveTotal++
	r.mu.Unlock()

	// Step 2: cluster must be serving.
	if !r.cluster.IsAvailable() {
		http.Error(w, userMessage(msgNotReady), http.StatusServiceUnavailable)
		return
	}

	// Step 3: congestion alarm hysteresis, then hard admission cap.
	r.mgr.CheckAndHandleReqCongestionAlarm()

	// Step 4: standby-abnormal drop (silent — no response at all).
	if r.cfg.IsStandby != nil && r.cfg.IsStandby() && r.cfg.IsStandbyAbnormal != nil && r.cfg.IsStandbyAbnormal() {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		return
	}

	// Step 5: ensure a /dresult long-poll is running for every known Decode
	// instance (primary + PD mode only).
	if r.cfg.DeployModePD {
		r.ensureDResultPolls()
	}

	rawBody, err := io.ReadAll(io.LimitReader(req.Body, 8<<20))
	if err != nil {
		http.Error(w, userMessage(msgInvalidFormat), http.StatusBadRequest)
		return
	}

	reqType, isStream, err := classify(req.URL.Path, rawBody)
	if err != nil {
		http.Error(w, userMessage(msgInvalidFormat), http.StatusBadRequest)
		return
	}

	reqID := agent.NewReqID()
	a, ok := r.mgr.AddReq(reqID, reqType, isStream)
	if !ok {
		http.Error(w, userMessage(msgDuplicateReqID), http.StatusBadRequest)
		return
	}

	if reqType == agent.ReqTypeMindIE || reqType == agent.ReqTypeTriton {
		if name := req.PathValue("name"); name != "" {
			a.SetModelName(name)
		}
	}

	sc := newServerConn(w)
	r.mu.Lock()
	r.conns[reqID] = sc
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.conns, reqID)
		r.mu.Unlock()
	}()

	if err := r.mgr.UpdateState(reqID, agent.StateArrive); err != nil {
		log.Printf("router: UpdateState(ARRIVE) failed for %s: %v", reqID, err)
	}

	// Admission cap is checked after AddReq/ARRIVE so the congestion alarm's
	// InFlightCount() reflects this request, matching spec §4.4 step 3's
	// ordering ("check... then if in-flight >= max -> 429").
	if r.mgr.InFlightCount() > maxInFlight(r.mgr) {
		sc.writeFinal(http.StatusTooManyRequests, "text/plain", []byte(userMessage(msgTooManyRequests)), nil)
		_ = r.mgr.UpdateState(reqID, agent.StateException)
		sc.wait()
		return
	}

	if r.sched != nil {
		r.sched.Schedule(reqID, 0, func(prefillID, decodeID uint64) {
			r.pdRoute(reqID, prefillID, decodeID, rawBody, req.Header)
		})
	}

	sc.wait()
}

// maxInFlight reads the configured admission cap off the manager's alarm
// denominator; router.Config intentionally does not duplicate it.
func maxInFlight(m *agent.Manager) int {
	return m.MaxInFlightCap()
}

func (r *Router) serverConnFor(reqID string) *serverConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[reqID]
}

// registerExceptionHandlers wires every Instance/Request/User event kind
// the router pushes (spec §4.5's table) to its side-effect handler.
func (r *Router) registerExceptionHandlers() {
	r.exc.Register(exception.KindConnPErr, r.onConnError)
	r.exc.Register(exception.KindConnDErr, r.onConnError)
	r.exc.Register(exception.KindConnMixErr, r.onConnError)
	r.exc.Register(exception.KindConnTokenErr, r.onConnError)

	r.exc.Register(exception.KindSendPErr, r.onSendError)
	r.exc.Register(exception.KindSendMixErr, r.onSendError)
	r.exc.Register(exception.KindSendTokenErr, r.onSendError)
	r.exc.Register(exception.KindRetry, r.onRetryEvent)
	r.exc.Register(exception.KindRetryDuplicateReqID, r.onRetryDuplicateReqID)
	r.exc.Register(exception.KindUserDisConn, r.onUserDisconnect)
	r.exc.Register(exception.KindDecodeDisConn, r.onDecodeDisconnect)
	r.exc.Register(exception.KindInferTimeout, r.onTimeout(msgInferTimeout))
	r.exc.Register(exception.KindFirstTokenTimeout, r.onTimeout(msgFirstTokenTimeout))
	r.exc.Register(exception.KindScheduleTimeout, r.onTimeout(msgScheduleTimeout))
	r.exc.Register(exception.KindTokenizerTimeout, r.onTimeout(msgTokenizerTimeout))

	r.exc.Register(exception.KindConnUserErr, r.onUserDisconnect)
}

func (r *Router) onConnError(e exception.Event) {
	log.Printf("router: instance event %s reqId=%s", e.Kind, e.ReqID)
}

func (r *Router) onSendError(e exception.Event) {
	log.Printf("router: send event %s reqId=%s", e.Kind, e.ReqID)
}

// onTimeout responds to the client with 408 and the matching plain-text
// message, then marks the request EXCEPTION and stop-infers P/D (spec §5
// cancellation semantics).
func (r *Router) onTimeout(msg string) exception.Handler {
	return func(e exception.Event) {
		if sc := r.serverConnFor(e.ReqID); sc != nil {
			sc.writeFinal(http.StatusRequestTimeout, "text/plain", []byte(userMessage(msg)), nil)
		}
		a, ok := r.mgr.GetReqInfo(e.ReqID)
		if ok {
			r.stopInferBoth(a)
		}
		_ = r.mgr.UpdateState(e.ReqID, agent.StateException)
	}
}

func (r *Router) onUserDisconnect(e exception.Event) {
	a, ok := r.mgr.GetReqInfo(e.ReqID)
	if !ok {
		return
	}
	r.stopInferBoth(a)
	_ = r.mgr.UpdateState(e.ReqID, agent.StateException)
	if sc := r.serverConnFor(e.ReqID); sc != nil {
		sc.finishStream()
	}
}

func (r *Router) onDecodeDisconnect(e exception.Event) {
	r.onUserDisconnect(e)
}

