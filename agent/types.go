// Package agent is the canonical owner of every in-flight request: the
// Request Agent & Manager from spec §4.1.
package agent

import (
	"sync"
	"time"
)

// ReqType identifies which inference API dialect a request arrived through.
type ReqType int

const (
	ReqTypeUnknown ReqType = iota
	ReqTypeTGI
	ReqTypeVLLM
	ReqTypeOpenAI
	ReqTypeTriton
	ReqTypeMindIE
	ReqTypeTokenizer
)

// ReqState is one point in a request's lifecycle state machine.
type ReqState int

const (
	StateArrive ReqState = iota
	StateScheduled
	StateRepeated
	StateFirstTokenFinish
	StateRecvTokensFromIns
	StateSendTokensToUser
	StateFinish
	StateException
	StateTimeout
	StateRetry
)

func (s ReqState) String() string {
	switch s {
	case StateArrive:
		return "ARRIVE"
	case StateScheduled:
		return "SCHEDULED"
	case StateRepeated:
		return "REPEATED"
	case StateFirstTokenFinish:
		return "FIRST_TOKEN_FINISH"
	case StateRecvTokensFromIns:
		return "RECV_TOKENS_FROM_INS"
	case StateSendTokensToUser:
		return "SEND_TOKENS_TO_USER"
	case StateFinish:
		return "FINISH"
	case StateException:
		return "EXCEPTION"
	case StateTimeout:
		return "TIMEOUT"
	case StateRetry:
		return "RETRY"
	default:
		return "UNKNOWN"
	}
}

// StateEvent is one entry in a request's append-only state-history log.
type StateEvent struct {
	State ReqState
	AtNS  int64
}

// RouteIP is the resolved (ip, port) pair for the chosen P and D instances.
type RouteIP struct {
	PIP   string
	PPort int
	DIP   string
	DPort int
}

// DToken is one token queued by the D long-poll before the first P token has
// been forwarded to the client (spec §3: "P/D sync").
type DToken struct {
	Payload string
	IsLast  bool
}

// Agent is the per-in-flight-request record. Every field that can be
// observed concurrently from the Router, Exception Monitor, and Request
// Monitor is guarded by mu.
type Agent struct {
	ReqID string // immutable
	Type  ReqType

	mu sync.Mutex

	IsStream bool

	RouteP uint64
	RouteD uint64
	RouteIP RouteIP

	ModelName string

	OutputTokens int
	RetryCount   int

	history []StateEvent
	current ReqState

	firstTokenSent bool
	waitQueue      []DToken

	ServerConnClosed bool
}

// newAgent constructs an Agent with no history; UpdateState(ARRIVE) records
// the first transition.
func newAgent(reqID string, t ReqType, isStream bool) *Agent {
	return &Agent{
		ReqID:    reqID,
		Type:     t,
		IsStream: isStream,
	}
}

// CurrentState returns the most recent recorded state.
func (a *Agent) CurrentState() ReqState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// History returns a copy of the state-history log.
func (a *Agent) History() []StateEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]StateEvent, len(a.history))
	copy(out, a.history)
	return out
}

// SetRoute records the chosen P/D instance ids.
func (a *Agent) SetRoute(p, d uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.RouteP = p
	a.RouteD = d
}

// SetRouteIP records the resolved network addresses for P and D.
func (a *Agent) SetRouteIP(r RouteIP) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.RouteIP = r
}

// SetModelName records the model name used to route this request.
func (a *Agent) SetModelName(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ModelName = name
}

// Route returns the currently chosen P/D instance ids.
func (a *Agent) Route() (p, d uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.RouteP, a.RouteD
}

// RouteAddr returns the currently resolved P/D network addresses.
func (a *Agent) RouteAddr() RouteIP {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.RouteIP
}

// GetModelName returns the model name used to route this request.
func (a *Agent) GetModelName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ModelName
}

// AddOutputTokens adds n to the output-token counter and returns the new
// total.
func (a *Agent) AddOutputTokens(n int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.OutputTokens += n
	return a.OutputTokens
}

// OutputTokenCount returns the current output-token counter.
func (a *Agent) OutputTokenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.OutputTokens
}

// IncRetry increments and returns the per-request retry counter.
func (a *Agent) IncRetry() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.RetryCount++
	return a.RetryCount
}

// GetRetryCount returns the per-request retry counter.
func (a *Agent) GetRetryCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.RetryCount
}

// FirstTokenSent reports whether the first P token has already been
// forwarded to the client.
func (a *Agent) FirstTokenSent() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.firstTokenSent
}

// MarkFirstTokenSent flips firstTokenSent and returns the queued D tokens
// that arrived early, in receipt order, for the caller to flush (spec §8
// property 3).
func (a *Agent) MarkFirstTokenSent() []DToken {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.firstTokenSent = true
	queued := a.waitQueue
	a.waitQueue = nil
	return queued
}

// EnqueueDToken buffers a D token that arrived before the first P token.
// Returns false if the first token has already been sent (caller should
// forward immediately instead).
func (a *Agent) EnqueueDToken(tok DToken) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.firstTokenSent {
		return false
	}
	a.waitQueue = append(a.waitQueue, tok)
	return true
}

// ArriveAtNS returns the timestamp of the first ARRIVE event, or 0 if the
// request has not yet arrived.
func (a *Agent) ArriveAtNS() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.history {
		if e.State == StateArrive {
			return e.AtNS
		}
	}
	return 0
}

// HasReachedState reports whether state appears anywhere in the history.
func (a *Agent) HasReachedState(state ReqState) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.history {
		if e.State == state {
			return true
		}
	}
	return false
}

func nowNS() int64 {
	return time.Now().UnixNano()
}
