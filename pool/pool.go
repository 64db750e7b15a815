// Package pool implements the bounded set of reusable outgoing HTTP
// connections per (ip, port) target, and the D-result chunk-reassembly
// framing protocol (spec §4.3).
package pool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CallbackKind enumerates the ClientHandler callback slots (spec §4.3).
type CallbackKind int

const (
	CallbackReq CallbackKind = iota
	CallbackReqError
	CallbackRes
	CallbackHeaderResError
	CallbackChunkBodyRes
	CallbackChunkBodyResError
)

// ClientHandler is the callback-kind → closure map bound to a connection
// for the duration of one request.
type ClientHandler map[CallbackKind]func(payload []byte)

// ClientConnection is one pooled connection to a single (ip, port) target.
type ClientConnection struct {
	mu sync.Mutex

	Target    string
	Available bool
	IsClosed  bool

	handler ClientHandler
	reqID   string

	reassembly []byte // chunk-reassembly buffer, see framing.go

	idleTimer *time.Timer
	client    *http.Client
}

// Bind atomically flips available=false and rebinds the handler and reqID,
// matching ApplyConn's contract.
func (c *ClientConnection) Bind(handler ClientHandler, reqID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Available = false
	c.handler = handler
	c.reqID = reqID
	c.reassembly = c.reassembly[:0]
}

// Release returns the connection to the pool. Callers must call this
// explicitly once the response (or first-token handoff) is complete.
func (c *ClientConnection) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Available = true
	c.handler = nil
	c.reqID = ""
}

// ReqID returns the request id currently bound to this connection.
func (c *ClientConnection) ReqID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reqID
}

func (c *ClientConnection) dispatch(kind CallbackKind, payload []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return
	}
	if fn, ok := h[kind]; ok && fn != nil {
		fn(payload)
	}
}

// HeaderLimit is the 8 KB request/response header size (spec §4.3). No code
// in the module reads it; header sizes are not checked against it.
const HeaderLimit = 8 * 1024

// Pool is the per-target connection pool plus a retry-backoff limiter.
type Pool struct {
	mu    sync.Mutex
	conns map[string][]*ClientConnection

	retryLimiter *rate.Limiter
	idleTimeout  time.Duration
	bodyLimit    int64
	dialTimeout  time.Duration
}

// New creates a Pool. applyConnRPS bounds the rate of new-connection
// creation attempts across all targets (spec §4.3 retry budget). bodyLimit is
// stored on the Pool; Send and SendStreaming do not apply it, so response
// bodies are read without a size cap.
func New(applyConnRPS float64, idleTimeout time.Duration, bodyLimit int64) *Pool {
	return &Pool{
		conns:        make(map[string][]*ClientConnection),
		retryLimiter: rate.NewLimiter(rate.Limit(applyConnRPS), int(applyConnRPS)+1),
		idleTimeout:  idleTimeout,
		bodyLimit:    bodyLimit,
		dialTimeout:  5 * time.Second,
	}
}

func target(ip string, port int) string {
	return fmt.Sprintf("%s:%d", ip, port)
}

// ApplyConn scans existing connections for (ip, port); returns the first
// available, non-closed one with the handler rebound. Otherwise it creates
// a new connection. Returns nil if creation fails (spec §4.3).
func (p *Pool) ApplyConn(ctx context.Context, ip string, port int, handler ClientHandler, reqID string, timeout time.Duration) *ClientConnection {
	tgt := target(ip, port)

	p.mu.Lock()
	for _, c := range p.conns[tgt] {
		c.mu.Lock()
		if c.Available && !c.IsClosed {
			c.mu.Unlock()
			p.mu.Unlock()
			c.Bind(handler, reqID)
			return c
		}
		c.mu.Unlock()
	}
	p.mu.Unlock()

	if !p.retryLimiter.Allow() {
		return nil
	}

	conn := p.dial(ctx, ip, port, timeout)
	if conn == nil {
		return nil
	}
	conn.Bind(handler, reqID)

	p.mu.Lock()
	p.conns[tgt] = append(p.conns[tgt], conn)
	p.mu.Unlock()

	return conn
}

func (p *Pool) dial(ctx context.Context, ip string, port int, timeout time.Duration) *ClientConnection {
	dctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(dctx, "tcp", target(ip, port))
	if err != nil {
		return nil
	}
	_ = rawConn.Close() // only probing reachability; http.Client dials its own

	return &ClientConnection{
		Target:    target(ip, port),
		Available: true,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// ReleaseForRequest releases whichever connection currently holds reqID —
// satisfies agent.ConnReleaser so the Manager can drive connection
// lifecycle without importing this package's concrete type.
func (p *Pool) ReleaseForRequest(reqID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, list := range p.conns {
		for _, c := range list {
			if c.ReqID() == reqID {
				c.Release()
			}
		}
	}
}

// Send issues req over conn's underlying client, dispatching REQ/REQ_ERROR
// and RES/HEADER_RES_ERROR callbacks as appropriate. A non-streaming
// caller; streaming callers use SendStreaming (framing.go).
func (c *ClientConnection) Send(req *http.Request) {
	resp, err := c.client.Do(req)
	if err != nil {
		c.dispatch(CallbackReqError, []byte(err.Error()))
		return
	}
	defer resp.Body.Close()
	c.dispatch(CallbackReq, nil)

	body := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.dispatch(CallbackRes, body)
	} else {
		c.dispatch(CallbackHeaderResError, body)
	}
}
