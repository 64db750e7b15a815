package agent

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// ErrDuplicateReqID is the sentinel for a request id that is already in use
// (spec §4.1, §8 "double-dispatch"). AddReq itself reports that case by
// returning false, not this error.
var ErrDuplicateReqID = errors.New("agent: duplicate request id")

// ErrNotFound is returned when an operation targets an unknown request id.
var ErrNotFound = errors.New("agent: request not found")

// ClusterHook lets the Manager update per-instance task counts on state
// transitions without importing the cluster package directly.
type ClusterHook interface {
	AddTask(instanceID uint64, reqID string)
	DecreaseTask(instanceID uint64, reqID string)
}

// SchedulerNotifier is the black-box scheduler callback interface from
// spec §1: "schedule this request id; call me back with chosen (P, D)".
// The Manager only needs the stage-completion notifications it documents
// in §4.1 (FIRST_TOKEN_FINISH, FINISH/EXCEPTION).
type SchedulerNotifier interface {
	NotifyPrefillEnd(reqID string, prefillEndNS int64)
	NotifyDecodeEnd(reqID string, decodeEndNS int64, outputLength int)
}

// ConnReleaser releases the pooled client connection bound to a request,
// letting the Manager drive connection lifecycle without importing pool.
type ConnReleaser interface {
	ReleaseForRequest(reqID string)
}

// CongestionAlarm is the edge-triggered 85%/75% hysteresis alarm from
// spec §4.1. OnTrip/OnClear fire at most once per crossing.
type CongestionAlarm struct {
	mu      sync.Mutex
	tripped bool
	Hi, Lo  float64
	OnTrip  func()
	OnClear func()
}

func (c *CongestionAlarm) check(inFlight, max int) {
	if max <= 0 {
		return
	}
	ratio := float64(inFlight) / float64(max)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tripped && ratio >= c.Hi {
		c.tripped = true
		if c.OnTrip != nil {
			c.OnTrip()
		}
	} else if c.tripped && ratio <= c.Lo {
		c.tripped = false
		if c.OnClear != nil {
			c.OnClear()
		}
	}
}

// Manager is the registry of all in-flight Agents.
type Manager struct {
	mu sync.RWMutex
	m  map[string]*Agent

	received atomic.Int64
	failed   atomic.Int64
	success  atomic.Int64

	cluster  ClusterHook
	sched    SchedulerNotifier
	conns    ConnReleaser

	Alarm       *CongestionAlarm
	maxInFlight int

	// singleNodeOrEqual reports whether deploy mode is single-node, or
	// whether P == D for a given request — both release the pooled
	// connection at FINISH instead of at FIRST_TOKEN_FINISH.
	singleNodeOrEqual func(a *Agent) bool
}

// NewManager builds a Manager. Any of cluster/sched/conns may be nil in
// tests that do not exercise the corresponding side effect.
func NewManager(cluster ClusterHook, sched SchedulerNotifier, conns ConnReleaser, singleNodeOrEqual func(a *Agent) bool) *Manager {
	if singleNodeOrEqual == nil {
		singleNodeOrEqual = func(a *Agent) bool { return a.RouteP == a.RouteD }
	}
	return &Manager{
		m:                 make(map[string]*Agent),
		cluster:           cluster,
		sched:             sched,
		conns:             conns,
		Alarm:             &CongestionAlarm{Hi: 0.85, Lo: 0.75},
		singleNodeOrEqual: singleNodeOrEqual,
	}
}

// NewReqID mints a process-unique request id: a UUID folded together with
// a monotonic counter (spec §3 Identifiers).
var reqIDCounter atomic.Int64

func NewReqID() string {
	n := reqIDCounter.Add(1)
	u := uuid.New()
	// XOR the low 8 bytes of the UUID with the monotonic counter so two
	// requests minted in the same nanosecond on different goroutines still
	// diverge even if uuid.New()'s randomness source were ever exhausted.
	var low int64
	for i := 8; i < 16; i++ {
		low = (low << 8) | int64(u[i])
	}
	var mixed [8]byte
	binary.BigEndian.PutUint64(mixed[:], uint64(low^n))
	return uuid.NewSHA1(uuid.NameSpaceOID, mixed[:]).String() + "-" + u.String()[:8]
}

// AddReq registers a new Agent under reqID. Returns false without mutating
// anything if reqID is already present (spec §4.1, §8 double-dispatch).
func (m *Manager) AddReq(reqID string, t ReqType, isStream bool) (*Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.m[reqID]; exists {
		return nil, false
	}
	a := newAgent(reqID, t, isStream)
	m.m[reqID] = a
	return a, true
}

// GetReqInfo is an O(1) lookup under the shared lock.
func (m *Manager) GetReqInfo(reqID string) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.m[reqID]
	return a, ok
}

// InFlightCount returns the number of Agents currently tracked.
func (m *Manager) InFlightCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

// Snapshot returns the current set of tracked Agent pointers. Callers must
// not mutate the slice's ownership of the map; Agent fields are themselves
// guarded by each Agent's own mutex.
func (m *Manager) Snapshot() []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Agent, 0, len(m.m))
	for _, a := range m.m {
		out = append(out, a)
	}
	return out
}

// UpdateState timestamps the transition and triggers the per-state side
// effect documented in spec §4.1.
func (m *Manager) UpdateState(reqID string, state ReqState) error {
	a, ok := m.GetReqInfo(reqID)
	if !ok {
		return ErrNotFound
	}

	a.mu.Lock()
	a.history = append(a.history, StateEvent{State: state, AtNS: nowNS()})
	a.current = state
	a.mu.Unlock()

	switch state {
	case StateArrive:
		m.received.Add(1)

	case StateRepeated:
		a.mu.Lock()
		p := a.RouteP
		a.mu.Unlock()
		if m.cluster != nil {
			m.cluster.AddTask(p, reqID)
		}

	case StateFirstTokenFinish:
		now := nowNS()
		if m.sched != nil {
			m.sched.NotifyPrefillEnd(reqID, now)
		}
		a.mu.Lock()
		p, d := a.RouteP, a.RouteD
		a.mu.Unlock()
		if m.cluster != nil {
			m.cluster.DecreaseTask(p, reqID)
			m.cluster.AddTask(d, reqID)
		}
		if !m.singleNodeOrEqual(a) && m.conns != nil {
			m.conns.ReleaseForRequest(reqID)
		}

	case StateFinish, StateException:
		a.mu.Lock()
		d := a.RouteD
		out := a.OutputTokens
		a.mu.Unlock()
		now := nowNS()
		if m.sched != nil {
			m.sched.NotifyDecodeEnd(reqID, now, out)
		}
		if m.cluster != nil {
			m.cluster.DecreaseTask(d, reqID)
		}
		if state == StateFinish {
			m.success.Add(1)
		} else {
			m.failed.Add(1)
		}
		if m.singleNodeOrEqual(a) && m.conns != nil {
			m.conns.ReleaseForRequest(reqID)
		}

	case StateRetry:
		// spec §4.1: "RETRY: equivalent to EXCEPTION followed by clearing
		// output counter" — run the same decode-end notify/decrement the
		// EXCEPTION branch runs, then zero the output counter.
		a.mu.Lock()
		d := a.RouteD
		out := a.OutputTokens
		a.mu.Unlock()
		now := nowNS()
		if m.sched != nil {
			m.sched.NotifyDecodeEnd(reqID, now, out)
		}
		if m.cluster != nil {
			m.cluster.DecreaseTask(d, reqID)
		}
		m.failed.Add(1)
		a.mu.Lock()
		a.OutputTokens = 0
		a.mu.Unlock()
	}

	m.Alarm.check(m.InFlightCount(), m.maxInFlight)
	return nil
}

// SetMaxInFlight configures the congestion-alarm denominator; zero disables
// the alarm check.
func (m *Manager) SetMaxInFlight(n int) {
	m.maxInFlight = n
}

// MaxInFlightCap returns the configured max-in-flight admission cap (spec
// §4.4 step 3: "if in-flight >= max -> 429"). Zero means uncapped.
func (m *Manager) MaxInFlightCap() int {
	if m.maxInFlight <= 0 {
		return int(^uint(0) >> 1) // effectively unbounded
	}
	return m.maxInFlight
}

// CheckAndHandleReqCongestionAlarm re-evaluates the hysteresis alarm
// against the current in-flight count (spec §4.1).
func (m *Manager) CheckAndHandleReqCongestionAlarm() {
	m.Alarm.check(m.InFlightCount(), m.maxInFlight)
}

// ReleaseFinishedRequest removes every Agent whose latest state is FINISH
// or EXCEPTION, gracefully releasing any still-held client connection.
func (m *Manager) ReleaseFinishedRequest() int {
	m.mu.Lock()
	var toRemove []string
	for id, a := range m.m {
		state := a.CurrentState()
		if state == StateFinish || state == StateException {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		delete(m.m, id)
	}
	m.mu.Unlock()

	if m.conns != nil {
		for _, id := range toRemove {
			m.conns.ReleaseForRequest(id)
		}
	}
	return len(toRemove)
}

// Counters returns the received/success/failed request counts, used by the
// Metrics Aggregator to overwrite the corresponding Prometheus series
// (spec §4.8 step 5).
func (m *Manager) Counters() (received, success, failed int64) {
	return m.received.Load(), m.success.Load(), m.failed.Load()
}
