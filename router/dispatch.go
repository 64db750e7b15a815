package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/itskum47/mindie-coordinator/agent"
	"github.com/itskum47/mindie-coordinator/cluster"
	"github.com/itskum47/mindie-coordinator/exception"
	"github.com/itskum47/mindie-coordinator/pool"
)

// pdRoute is the scheduler's callback target: "schedule this request id;
// call me back with chosen (P, D)" (spec §1, §4.4 "PD route callback").
func (r *Router) pdRoute(reqID string, prefillID, decodeID uint64, body []byte, clientHeaders http.Header) {
	a, ok := r.mgr.GetReqInfo(reqID)
	if !ok {
		return
	}
	switch a.CurrentState() {
	case agent.StateFinish, agent.StateException, agent.StateTimeout:
		return
	}

	a.SetRoute(prefillID, decodeID)
	pInfo := r.cluster.Get(prefillID)
	dInfo := r.cluster.Get(decodeID)
	if pInfo == nil || dInfo == nil {
		r.exc.PushInstance(exception.Event{Kind: exception.KindConnMixErr, ReqID: reqID})
		r.failRequest(a, http.StatusInternalServerError, msgConnPFailed)
		return
	}
	a.SetRouteIP(agent.RouteIP{PIP: pInfo.IP, PPort: pInfo.Port, DIP: dInfo.IP, DPort: dInfo.Port})
	a.SetModelName(pInfo.ModelName)

	if err := r.mgr.UpdateState(reqID, agent.StateScheduled); err != nil {
		log.Printf("router: UpdateState(SCHEDULED) failed for %s: %v", reqID, err)
	}

	headers := forwardingHeaders(reqID, dInfo)
	r.dispatchToP(a, pInfo, body, headers, 0)
}

// forwardingHeaders builds the headers forwarded on every request to P
// (spec §2, §4.4): req-id, req-type=prefill, d-target=<ip[;intercomm]>,
// d-port.
func forwardingHeaders(reqID string, d *cluster.InstanceInfo) http.Header {
	h := http.Header{}
	h.Set("req-id", reqID)
	h.Set("req-type", "prefill")
	target := d.IP
	if d.IntercommPort != 0 {
		target = fmt.Sprintf("%s;%d", d.IP, d.IntercommPort)
	}
	h.Set("d-target", target)
	h.Set("d-port", itoa(d.Port))
	return h
}

// dispatchToP applies a pooled connection to P (retrying up to
// cfg.MaxRetry times) and sends the request. attempt counts prior tries.
func (r *Router) dispatchToP(a *agent.Agent, p *cluster.InstanceInfo, body []byte, headers http.Header, attempt int) {
	if attempt >= r.cfg.MaxRetry {
		kind := exception.KindConnPErr
		_, d := a.Route()
		if p.ID != d {
			kind = exception.KindConnMixErr
		}
		r.exc.PushInstance(exception.Event{Kind: kind, ReqID: a.ReqID})
		r.failRequest(a, http.StatusInternalServerError, msgConnPFailed)
		return
	}

	handler := pool.ClientHandler{
		pool.CallbackReq: func([]byte) {
			if err := r.mgr.UpdateState(a.ReqID, agent.StateRepeated); err != nil {
				log.Printf("router: UpdateState(REPEATED) failed for %s: %v", a.ReqID, err)
			}
		},
		pool.CallbackReqError: func(payload []byte) {
			r.dispatchToP(a, p, body, headers, attempt+1)
		},
		pool.CallbackRes: func(payload []byte) {
			r.onPResponse(a, p, payload, true)
		},
		pool.CallbackHeaderResError: func(payload []byte) {
			r.onPResponse(a, p, payload, false)
		},
	}

	conn := r.pool.ApplyConn(context.Background(), p.IP, p.Port, handler, a.ReqID, 30*time.Second)
	if conn == nil {
		r.dispatchToP(a, p, body, headers, attempt+1)
		return
	}

	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s:%d/%s/infer", p.IP, p.Port, a.GetModelName()), bytes.NewReader(body))
	if err != nil {
		conn.Release()
		r.failRequest(a, http.StatusInternalServerError, msgSendPFailed)
		return
	}
	for k := range headers {
		req.Header.Set(k, headers.Get(k))
	}
	go conn.Send(req)
}

// onPResponse handles the P-side response (spec §4.4 "P response
// dispatch"). ok indicates a 2xx status.
func (r *Router) onPResponse(a *agent.Agent, p *cluster.InstanceInfo, payload []byte, ok bool) {
	if !ok {
		if a.CurrentState() == agent.StateRetry {
			r.pool.ReleaseForRequest(a.ReqID)
			r.exc.PushRequest(exception.Event{Kind: exception.KindRetryDuplicateReqID, ReqID: a.ReqID, Payload: payload})
			return
		}
		r.failRequest(a, http.StatusInternalServerError, string(payload))
		return
	}

	var resp pResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		r.failRequest(a, http.StatusInternalServerError, msgReadPFailed)
		return
	}
	if resp.ReqID != "" && resp.ReqID != a.ReqID {
		log.Printf("router: P response reqId mismatch: got %q want %q", resp.ReqID, a.ReqID)
		return
	}

	sc := r.serverConnFor(a.ReqID)

	if a.IsStream {
		if sc != nil {
			sc.writeChunk(resp.Output)
		}
		if resp.IsLastResp {
			r.finishRequest(a, sc)
			return
		}
		if err := r.mgr.UpdateState(a.ReqID, agent.StateFirstTokenFinish); err != nil {
			log.Printf("router: UpdateState(FIRST_TOKEN_FINISH) failed for %s: %v", a.ReqID, err)
		}
		r.flushWaitQueue(a, sc)
		return
	}

	if resp.IsLastResp {
		a.AddOutputTokens(countOutputTokens(a.Type, resp.Output))
		if sc != nil {
			sc.writeFinal(http.StatusOK, "application/json", payload, nil)
		}
		r.finishRequest(a, sc)
		return
	}
	// Non-streaming, not yet last: record first-token-finish and wait for
	// further P/D packets (single-node path, or a P that emits partials).
	if err := r.mgr.UpdateState(a.ReqID, agent.StateFirstTokenFinish); err != nil {
		log.Printf("router: UpdateState(FIRST_TOKEN_FINISH) failed for %s: %v", a.ReqID, err)
	}
}

// flushWaitQueue marks the first P token sent and flushes any D tokens that
// queued up before it, in receipt order (spec §8 property 3). The first
// flushed packet whose IsLast is true terminates the stream.
func (r *Router) flushWaitQueue(a *agent.Agent, sc *serverConn) {
	queued := a.MarkFirstTokenSent()
	for _, tok := range queued {
		if sc != nil {
			sc.writeChunk([]byte(tok.Payload))
		}
		a.AddOutputTokens(1)
		if tok.IsLast {
			r.finishRequest(a, sc)
			return
		}
	}
}

// finishRequest transitions to FINISH and releases the client connection.
func (r *Router) finishRequest(a *agent.Agent, sc *serverConn) {
	if sc != nil {
		sc.finishStream()
	}
	if err := r.mgr.UpdateState(a.ReqID, agent.StateFinish); err != nil {
		log.Printf("router: UpdateState(FINISH) failed for %s: %v", a.ReqID, err)
	}
}

// failRequest sends a final error response to the client and marks the
// Agent EXCEPTION (spec §7: "every final failure transitions the Agent to
// EXCEPTION and sends a final HTTP response").
func (r *Router) failRequest(a *agent.Agent, status int, msg string) {
	if sc := r.serverConnFor(a.ReqID); sc != nil {
		sc.writeFinal(status, "text/plain", []byte(userMessage(msg)), nil)
	}
	if err := r.mgr.UpdateState(a.ReqID, agent.StateException); err != nil {
		log.Printf("router: UpdateState(EXCEPTION) failed for %s: %v", a.ReqID, err)
	}
}

// onRetryEvent re-dispatches a request to P after a D-originated retry
// packet (spec §4.4 "retry" packet kind).
func (r *Router) onRetryEvent(e exception.Event) {
	a, ok := r.mgr.GetReqInfo(e.ReqID)
	if !ok {
		return
	}
	p, _ := a.Route()
	pInfo := r.cluster.Get(p)
	if pInfo == nil {
		return
	}
	payload, _ := e.Payload.([]byte)
	headers := http.Header{"is-recompute": []string{"true"}}
	r.dispatchToP(a, pInfo, payload, headers, 0)
}

// onRetryDuplicateReqID implements Scenario C: back off one second, then
// re-dispatch to the same P with the same reqId, up to maxRetry.
func (r *Router) onRetryDuplicateReqID(e exception.Event) {
	a, ok := r.mgr.GetReqInfo(e.ReqID)
	if !ok {
		return
	}
	if a.GetRetryCount() >= r.cfg.MaxRetry {
		r.failRequest(a, http.StatusInternalServerError, msgSendPFailed)
		return
	}
	a.IncRetry()
	if err := r.mgr.UpdateState(a.ReqID, agent.StateRetry); err != nil {
		log.Printf("router: UpdateState(RETRY) failed for %s: %v", a.ReqID, err)
	}
	p, _ := a.Route()
	pInfo := r.cluster.Get(p)
	if pInfo == nil {
		return
	}
	payload, _ := e.Payload.([]byte)
	_, d := a.Route()
	dInfo := r.cluster.Get(d)
	headers := forwardingHeaders(a.ReqID, dInfo)
	time.AfterFunc(r.cfg.RetryBackoff, func() {
		r.dispatchToP(a, pInfo, payload, headers, 0)
	})
}

// stopInferBoth synchronously POSTs stopInfer to P and D (unless they are
// the same worker) per spec §4.4 "Stop-infer".
func (r *Router) stopInferBoth(a *agent.Agent) {
	p, d := a.Route()
	pInfo := r.cluster.Get(p)
	if pInfo != nil {
		r.stopInfer(pInfo, a.ReqID)
	}
	if d != p {
		if dInfo := r.cluster.Get(d); dInfo != nil {
			r.stopInfer(dInfo, a.ReqID)
		}
	}
}

func (r *Router) stopInfer(inst *cluster.InstanceInfo, reqID string) {
	body, _ := json.Marshal(map[string]string{"id": reqID})
	url := fmt.Sprintf("http://%s:%d/v2/models/%s/stopInfer", inst.IP, inst.Port, inst.ModelName)
	client := &http.Client{Timeout: 10 * time.Second}
	for attempt := 0; attempt < r.cfg.MaxRetry; attempt++ {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return
		}
	}
	log.Printf("router: stopInfer to %s:%d exhausted retries for %s", inst.IP, inst.Port, reqID)
}
