package monitor

import (
	"testing"
	"time"

	"github.com/itskum47/mindie-coordinator/agent"
	"github.com/itskum47/mindie-coordinator/exception"
)

type fakeChecker struct{ missing map[uint64]bool }

func (f *fakeChecker) Exists(id uint64) bool { return !f.missing[id] }

func TestSweepSchedulesTimeoutWhenUnscheduled(t *testing.T) {
	mgr := agent.NewManager(nil, nil, nil, nil)
	if _, ok := mgr.AddReq("r1", agent.ReqTypeTGI, false); !ok {
		t.Fatalf("setup: AddReq failed")
	}
	if err := mgr.UpdateState("r1", agent.StateArrive); err != nil {
		t.Fatalf("setup: %v", err)
	}

	exc := exception.New()
	var got exception.Event
	done := make(chan struct{})
	exc.Register(exception.KindScheduleTimeout, func(e exception.Event) {
		got = e
		close(done)
	})
	exc.Start()
	defer exc.Stop()

	s := New(Config{ScheduleTimeout: time.Nanosecond}, mgr, nil, exc)
	time.Sleep(time.Millisecond)
	s.Sweep()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected SCHEDULE_TIMEOUT to be pushed")
	}
	if got.ReqID != "r1" {
		t.Fatalf("unexpected reqId: %+v", got)
	}
	a, _ := mgr.GetReqInfo("r1")
	if a.CurrentState() != agent.StateTimeout {
		t.Fatalf("expected Agent to be recorded TIMEOUT, got %v", a.CurrentState())
	}
}

func TestSweepMarksExceptionWhenRouteVanished(t *testing.T) {
	mgr := agent.NewManager(nil, nil, nil, nil)
	a, ok := mgr.AddReq("r2", agent.ReqTypeTGI, false)
	if !ok {
		t.Fatalf("setup: AddReq failed")
	}
	a.SetRoute(1, 2)
	must(t, mgr.UpdateState("r2", agent.StateArrive))
	must(t, mgr.UpdateState("r2", agent.StateScheduled))
	must(t, mgr.UpdateState("r2", agent.StateFirstTokenFinish))

	exc := exception.New()
	exc.Start()
	defer exc.Stop()

	checker := &fakeChecker{missing: map[uint64]bool{1: true}}
	s := New(Config{InferTimeout: time.Nanosecond}, mgr, checker, exc)
	time.Sleep(time.Millisecond)
	s.Sweep()

	if a.CurrentState() != agent.StateException {
		t.Fatalf("expected EXCEPTION when routed instance vanished, got %v", a.CurrentState())
	}
}

func TestSweepSkipsTerminalAgents(t *testing.T) {
	mgr := agent.NewManager(nil, nil, nil, nil)
	_, ok := mgr.AddReq("r3", agent.ReqTypeTGI, false)
	if !ok {
		t.Fatalf("setup: AddReq failed")
	}
	must(t, mgr.UpdateState("r3", agent.StateArrive))
	must(t, mgr.UpdateState("r3", agent.StateScheduled))
	must(t, mgr.UpdateState("r3", agent.StateFirstTokenFinish))
	must(t, mgr.UpdateState("r3", agent.StateFinish))

	exc := exception.New()
	exc.Start()
	defer exc.Stop()

	s := New(Config{InferTimeout: time.Nanosecond}, mgr, nil, exc)
	// Sweep should reap the finished request and not push any timeout.
	s.Sweep()
	if mgr.InFlightCount() != 0 {
		t.Fatalf("expected finished request reaped by Sweep")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
