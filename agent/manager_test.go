package agent

import "testing"

type fakeCluster struct {
	added, decreased []string
}

func (f *fakeCluster) AddTask(id uint64, reqID string)      { f.added = append(f.added, reqID) }
func (f *fakeCluster) DecreaseTask(id uint64, reqID string) { f.decreased = append(f.decreased, reqID) }

type fakeSched struct {
	prefillEnds, decodeEnds []string
}

func (f *fakeSched) NotifyPrefillEnd(reqID string, _ int64)       { f.prefillEnds = append(f.prefillEnds, reqID) }
func (f *fakeSched) NotifyDecodeEnd(reqID string, _ int64, _ int) { f.decodeEnds = append(f.decodeEnds, reqID) }

type fakeConns struct {
	released []string
}

func (f *fakeConns) ReleaseForRequest(reqID string) { f.released = append(f.released, reqID) }

func TestAddReqDuplicateRejected(t *testing.T) {
	m := NewManager(nil, nil, nil, nil)
	_, ok := m.AddReq("r1", ReqTypeTGI, false)
	if !ok {
		t.Fatalf("first AddReq should succeed")
	}
	_, ok = m.AddReq("r1", ReqTypeTGI, false)
	if ok {
		t.Fatalf("duplicate AddReq should fail")
	}
	if m.InFlightCount() != 1 {
		t.Fatalf("expected exactly one agent, got %d", m.InFlightCount())
	}
}

func TestUpdateStateLifecycle(t *testing.T) {
	fc := &fakeCluster{}
	fs := &fakeSched{}
	fco := &fakeConns{}
	m := NewManager(fc, fs, fco, nil)

	a, ok := m.AddReq("r1", ReqTypeTGI, true)
	if !ok {
		t.Fatalf("AddReq failed")
	}
	a.SetRoute(1, 2)

	must(t, m.UpdateState("r1", StateArrive))
	must(t, m.UpdateState("r1", StateScheduled))
	must(t, m.UpdateState("r1", StateRepeated))
	if len(fc.added) != 1 {
		t.Fatalf("expected AddTask called once on REPEATED, got %v", fc.added)
	}

	must(t, m.UpdateState("r1", StateFirstTokenFinish))
	if len(fs.prefillEnds) != 1 {
		t.Fatalf("expected scheduler notified of prefill end")
	}
	if len(fco.released) != 1 {
		t.Fatalf("expected connection released on FIRST_TOKEN_FINISH since P != D")
	}

	must(t, m.UpdateState("r1", StateFinish))
	if len(fs.decodeEnds) != 1 {
		t.Fatalf("expected scheduler notified of decode end")
	}

	n := m.ReleaseFinishedRequest()
	if n != 1 {
		t.Fatalf("expected 1 agent reaped, got %d", n)
	}
	if m.InFlightCount() != 0 {
		t.Fatalf("expected manager empty after reap")
	}
}

func TestFlexSelfForwardKeepsConnectionUntilFinish(t *testing.T) {
	fco := &fakeConns{}
	m := NewManager(nil, nil, fco, nil)
	a, _ := m.AddReq("r1", ReqTypeTGI, true)
	a.SetRoute(5, 5) // P == D: Flex-self-forward case

	must(t, m.UpdateState("r1", StateArrive))
	must(t, m.UpdateState("r1", StateFirstTokenFinish))
	if len(fco.released) != 0 {
		t.Fatalf("connection must not be released at FIRST_TOKEN_FINISH when P == D")
	}
	must(t, m.UpdateState("r1", StateFinish))
	if len(fco.released) != 1 {
		t.Fatalf("connection should be released at FINISH when P == D")
	}
}

func TestRetryRunsExceptionSideEffectsAndClearsOutputCounter(t *testing.T) {
	fc := &fakeCluster{}
	fs := &fakeSched{}
	m := NewManager(fc, fs, nil, nil)

	a, ok := m.AddReq("r1", ReqTypeTGI, true)
	if !ok {
		t.Fatalf("AddReq failed")
	}
	a.SetRoute(1, 2)

	must(t, m.UpdateState("r1", StateArrive))
	must(t, m.UpdateState("r1", StateRepeated))
	must(t, m.UpdateState("r1", StateFirstTokenFinish))
	a.mu.Lock()
	a.OutputTokens = 3
	a.mu.Unlock()

	must(t, m.UpdateState("r1", StateRetry))

	if len(fs.decodeEnds) != 1 {
		t.Fatalf("expected scheduler notified of decode end on RETRY, got %v", fs.decodeEnds)
	}
	// One decrement of P at FIRST_TOKEN_FINISH, one of D on RETRY.
	if len(fc.decreased) != 2 {
		t.Fatalf("expected D task decremented on RETRY, got %v", fc.decreased)
	}
	a.mu.Lock()
	out := a.OutputTokens
	a.mu.Unlock()
	if out != 0 {
		t.Fatalf("expected output token counter cleared on RETRY, got %d", out)
	}
}

func TestWaitQueueFlushOrder(t *testing.T) {
	m := NewManager(nil, nil, nil, nil)
	a, _ := m.AddReq("r1", ReqTypeTGI, true)

	queued := a.EnqueueDToken(DToken{Payload: "a"})
	if !queued {
		t.Fatalf("expected token to be queued before first P token")
	}
	a.EnqueueDToken(DToken{Payload: "b"})

	flushed := a.MarkFirstTokenSent()
	if len(flushed) != 2 || flushed[0].Payload != "a" || flushed[1].Payload != "b" {
		t.Fatalf("expected queued tokens flushed in receipt order, got %+v", flushed)
	}

	if queued2 := a.EnqueueDToken(DToken{Payload: "c"}); queued2 {
		t.Fatalf("tokens arriving after first P token must not be queued")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
