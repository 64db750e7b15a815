package router

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/itskum47/mindie-coordinator/agent"
	"github.com/itskum47/mindie-coordinator/cluster"
	"github.com/itskum47/mindie-coordinator/exception"
	"github.com/itskum47/mindie-coordinator/pool"
)

// ensureDResultPolls starts a persistent /dresult long-poll for every known
// Decode instance that does not already have one running (spec §4.4 step
// 5). Idempotent: already-running polls are left untouched.
func (r *Router) ensureDResultPolls() {
	for _, inst := range r.cluster.All() {
		if inst.Role != cluster.RoleDecode && inst.Role != cluster.RoleFlex {
			continue
		}
		r.mu.Lock()
		_, running := r.dresult[inst.ID]
		r.mu.Unlock()
		if running {
			continue
		}
		r.startDResultPoll(inst.Clone())
	}
}

func (r *Router) startDResultPoll(inst *cluster.InstanceInfo) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.dresult[inst.ID] = cancel
	if _, ok := r.frameStates[inst.ID]; !ok {
		r.frameStates[inst.ID] = &pool.DResultFrameState{}
	}
	r.mu.Unlock()

	go r.runDResultPoll(ctx, inst)
}

// runDResultPoll retries the long-poll GET up to cfg.MaxRetry times,
// reassembling and dispatching framed packets as they arrive (spec §4.3).
// It removes itself from the running set on exit so a later
// ensureDResultPolls call retries.
func (r *Router) runDResultPoll(ctx context.Context, inst *cluster.InstanceInfo) {
	defer func() {
		r.mu.Lock()
		delete(r.dresult, inst.ID)
		r.mu.Unlock()
	}()

	for attempt := 0; attempt < r.cfg.MaxRetry; attempt++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		url := fmt.Sprintf("http://%s:%d/dresult", inst.IP, inst.Port)
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return
		}

		closed := make(chan struct{})
		handler := pool.ClientHandler{
			pool.CallbackChunkBodyRes: func(payload []byte) {
				r.onDChunk(inst.ID, payload)
			},
			pool.CallbackChunkBodyResError: func([]byte) {
				select {
				case <-closed:
				default:
					close(closed)
				}
			},
			pool.CallbackHeaderResError: func([]byte) {
				select {
				case <-closed:
				default:
					close(closed)
				}
			},
		}

		conn := r.pool.ApplyConn(ctx, inst.IP, inst.Port, handler, "", 0)
		if conn == nil {
			time.Sleep(r.cfg.RetryBackoff)
			continue
		}
		conn.SendStreaming(ctx, req)
		conn.Release()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	log.Printf("router: /dresult long-poll to %s:%d exhausted retries", inst.IP, inst.Port)
}

func (r *Router) onDChunk(decodeInstanceID uint64, raw []byte) {
	packets := pool.ParseChunk(raw)

	r.mu.Lock()
	state := r.frameStates[decodeInstanceID]
	r.mu.Unlock()
	if state == nil {
		return
	}

	for _, fp := range state.Apply(packets) {
		r.onDPacket(fp)
	}
}

// onDPacket handles one decoded D-result packet for its reqId (spec §4.4
// "D response dispatch").
func (r *Router) onDPacket(fp pool.FramedPacket) {
	if fp.ReqID == "" {
		return
	}
	a, ok := r.mgr.GetReqInfo(fp.ReqID)
	if !ok {
		return // already reaped; spec §5 "further D packets... are dropped"
	}
	switch a.CurrentState() {
	case agent.StateFinish, agent.StateException, agent.StateTimeout:
		return
	}

	switch fp.Key {
	case pool.PacketKA:
		return

	case pool.PacketClose:
		_, d := a.Route()
		r.mu.Lock()
		if cancel, ok := r.dresult[d]; ok {
			cancel()
		}
		r.mu.Unlock()
		return

	case pool.PacketData:
		r.onDData(a, fp.Payload, false)

	case pool.PacketLastData:
		r.onDData(a, fp.Payload, true)

	case pool.PacketError:
		if sc := r.serverConnFor(a.ReqID); sc != nil {
			sc.writeFinal(http.StatusOK, "application/json", []byte(fp.Payload), nil)
		}
		if err := r.mgr.UpdateState(a.ReqID, agent.StateException); err != nil {
			log.Printf("router: UpdateState(EXCEPTION) failed for %s: %v", a.ReqID, err)
		}

	case pool.PacketRetry:
		r.exc.PushRequest(exception.Event{Kind: exception.KindRetry, ReqID: a.ReqID, Payload: []byte(fp.Payload)})
	}
}

// onDData handles "data"/"lastData" packets: tokens arriving before the
// first P token are buffered in the Agent's waitQueue (spec §3 P/D sync,
// §8 property 3); everything after is forwarded immediately, FIFO.
func (r *Router) onDData(a *agent.Agent, payload string, isLast bool) {
	if !a.FirstTokenSent() {
		if a.EnqueueDToken(agent.DToken{Payload: payload, IsLast: isLast}) {
			return
		}
		// First token was sent between the check and the enqueue attempt;
		// fall through and forward immediately.
	}

	sc := r.serverConnFor(a.ReqID)
	if err := r.mgr.UpdateState(a.ReqID, agent.StateRecvTokensFromIns); err != nil {
		log.Printf("router: UpdateState(RECV_TOKENS_FROM_INS) failed for %s: %v", a.ReqID, err)
	}

	if isLast {
		if a.IsStream {
			if sc != nil {
				sc.writeChunk([]byte(payload))
			}
		} else {
			a.AddOutputTokens(countOutputTokens(a.Type, []byte(payload)))
			if sc != nil {
				sc.writeFinal(http.StatusOK, "application/json", []byte(payload), nil)
			}
		}
		r.finishRequest(a, sc)
		return
	}

	a.AddOutputTokens(1)
	if a.IsStream && sc != nil {
		sc.writeChunk([]byte(payload))
	}
	if err := r.mgr.UpdateState(a.ReqID, agent.StateSendTokensToUser); err != nil {
		log.Printf("router: UpdateState(SEND_TOKENS_TO_USER) failed for %s: %v", a.ReqID, err)
	}
}
