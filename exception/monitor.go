// Package exception implements the single-worker, three-queue event monitor
// that serializes every retry budget, stop-infer call, and cancellation
// side effect per event kind.
package exception

import (
	"log"
	"sync"
)

// Queue identifies which of the three FIFO queues an event belongs to.
type Queue int

const (
	QueueInstance Queue = iota
	QueueRequest
	QueueUser
)

func (q Queue) String() string {
	switch q {
	case QueueInstance:
		return "instance"
	case QueueRequest:
		return "request"
	case QueueUser:
		return "user"
	default:
		return "unknown"
	}
}

// Kind is one event kind. The valid kinds per queue are fixed by the table
// below; Monitor does not enforce membership itself (callers choose the
// right Push* method); an event whose kind has no registered handler is
// logged and skipped, and the worker moves on to the next event.
type Kind string

// Instance queue event kinds — registered by the Request Router.
const (
	KindConnPErr    Kind = "CONN_P_ERR"
	KindConnDErr    Kind = "CONN_D_ERR"
	KindConnMixErr  Kind = "CONN_MIX_ERR"
	KindConnTokenErr Kind = "CONN_TOKEN_ERR"
)

// Request queue event kinds — registered by the Request Router.
const (
	KindSendPErr          Kind = "SEND_P_ERR"
	KindRetry             Kind = "RETRY"
	KindSendMixErr        Kind = "SEND_MIX_ERR"
	KindUserDisConn       Kind = "USER_DIS_CONN"
	KindInferTimeout      Kind = "INFER_TIMEOUT"
	KindFirstTokenTimeout Kind = "FIRST_TOKEN_TIMEOUT"
	KindScheduleTimeout   Kind = "SCHEDULE_TIMEOUT"
	KindSendTokenErr      Kind = "SEND_TOKEN_ERR"
	KindTokenizerTimeout  Kind = "TOKENIZER_TIMEOUT"
	KindRetryDuplicateReqID Kind = "RETRY_DUPLICATE_REQID"
	KindDecodeDisConn     Kind = "DECODE_DIS_CONN"
)

// User queue event kinds — registered by the Request Router.
const (
	KindConnUserErr Kind = "CONN_USER_ERR"
)

// Event is one entry pushed onto a queue.
type Event struct {
	Kind    Kind
	ReqID   string
	Payload any
}

type queueEntry struct {
	queue Queue
	event Event
}

// Handler processes one Event synchronously.
type Handler func(Event)

// Monitor is the single background worker draining three FIFO queues.
// Events are dispatched strictly FIFO within each queue; across queues no
// ordering is guaranteed. Handlers run synchronously — the worker advances
// to the next event only after the current handler returns.
type Monitor struct {
	mu       sync.Mutex
	cond     *sync.Cond
	running  bool
	started  bool
	queues   [3][]Event
	handlers map[Kind]Handler
	done     chan struct{}
}

// New builds a Monitor. Call Start to launch the worker goroutine.
func New() *Monitor {
	m := &Monitor{
		handlers: make(map[Kind]Handler),
		done:     make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Register binds a Handler to a Kind. Must be called before Start, or while
// holding no assumptions about in-flight events of that kind.
func (m *Monitor) Register(kind Kind, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

// Start launches the single worker goroutine.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.running = true
	m.mu.Unlock()

	go m.loop()
}

// Push enqueues an event onto one of the three FIFO queues and wakes the
// worker.
func (m *Monitor) Push(q Queue, e Event) {
	m.mu.Lock()
	m.queues[q] = append(m.queues[q], e)
	m.reportDepthLocked()
	m.cond.Signal()
	m.mu.Unlock()
}

// PushInstance, PushRequest, PushUser are typed conveniences for Push.
func (m *Monitor) PushInstance(e Event) { m.Push(QueueInstance, e) }
func (m *Monitor) PushRequest(e Event)  { m.Push(QueueRequest, e) }
func (m *Monitor) PushUser(e Event)     { m.Push(QueueUser, e) }

// loop is the single worker: it wakes whenever any queue is non-empty or
// Stop has been called, pops one event at a time via popLocked (preserving
// FIFO order per queue), and runs each registered handler synchronously.
func (m *Monitor) loop() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for m.running && m.empty() {
			m.cond.Wait()
		}
		if !m.running && m.empty() {
			m.mu.Unlock()
			return
		}
		entry, ok := m.popLocked()
		m.mu.Unlock()
		if !ok {
			continue
		}
		m.dispatch(entry)
	}
}

func (m *Monitor) empty() bool {
	for _, q := range m.queues {
		if len(q) > 0 {
			return false
		}
	}
	return true
}

// popLocked removes and returns the head of the first non-empty queue,
// checking instance, request, user in that fixed order, so a non-empty
// instance queue is always served before the other two. Must be called
// with mu held.
func (m *Monitor) popLocked() (queueEntry, bool) {
	for qi := range m.queues {
		if len(m.queues[qi]) > 0 {
			e := m.queues[qi][0]
			m.queues[qi] = m.queues[qi][1:]
			m.reportDepthLocked()
			return queueEntry{queue: Queue(qi), event: e}, true
		}
	}
	return queueEntry{}, false
}

func (m *Monitor) dispatch(entry queueEntry) {
	m.mu.Lock()
	h := m.handlers[entry.event.Kind]
	m.mu.Unlock()
	if h == nil {
		log.Printf("exception: no handler registered for %s event %q (reqId=%s)", entry.queue, entry.event.Kind, entry.event.ReqID)
		return
	}
	eventsHandled.WithLabelValues(string(entry.event.Kind)).Inc()
	h(entry.event)
}

// Stop drains in-flight handlers and joins the worker goroutine.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.running = false
	m.cond.Broadcast()
	m.mu.Unlock()
	<-m.done
}
