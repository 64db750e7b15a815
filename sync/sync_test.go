package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakePeers struct {
	pd        map[uint64]bool
	available map[uint64]bool
}

func (f fakePeers) IsPD(id uint64) bool           { return f.pd[id] }
func (f fakePeers) HasAvailablePeer(id uint64) bool { return f.available[id] }

type fakeSink struct{ got []byte }

func (s *fakeSink) Write(payload []byte) error {
	s.got = payload
	return nil
}

func TestFilterDropsUnavailableAndStrandedPD(t *testing.T) {
	p := New(nil, fakePeers{
		pd:        map[uint64]bool{2: true, 3: true},
		available: map[uint64]bool{3: true},
	}, nil, 0, nil)

	snap := ClusterSnapshot{
		Instances: []InstanceView{
			{ID: 1, InferenceType: Unavailable},
			{ID: 2, InferenceType: "PREFILL"}, // PD, no available peer
			{ID: 3, InferenceType: "DECODE"},  // PD, has available peer
			{ID: 4, InferenceType: "PREFILL"}, // not PD-tracked at all
		},
	}

	out := p.filter(snap)
	ids := map[uint64]bool{}
	for _, inst := range out.Instances {
		ids[inst.ID] = true
	}
	if ids[1] || ids[2] {
		t.Fatalf("expected ids 1 and 2 filtered out, got %v", ids)
	}
	if !ids[3] || !ids[4] {
		t.Fatalf("expected ids 3 and 4 retained, got %v", ids)
	}
}

func TestTickTogglesHealthOnSuccessAndFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":"ok"}`))
	}))
	defer srv.Close()

	healthyCoord := &Coordinator{Name: "a", RefreshURL: srv.URL}
	badCoord := &Coordinator{Name: "b", RefreshURL: "http://127.0.0.1:1/unreachable"}

	p := New([]*Coordinator{healthyCoord, badCoord}, nil, nil, 0, nil)
	p.Tick(context.Background(), ClusterSnapshot{})

	if !healthyCoord.IsHealthy() {
		t.Fatalf("expected healthyCoord marked healthy")
	}
	if badCoord.IsHealthy() {
		t.Fatalf("expected badCoord marked unhealthy")
	}
}

func TestPullMetricsWritesToSink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	sink := &fakeSink{}
	c := &Coordinator{Name: "a", RefreshURL: srv.URL, MetricsPullURL: srv.URL}
	p := New([]*Coordinator{c}, nil, sink, 0, nil)
	p.Tick(context.Background(), ClusterSnapshot{})

	if string(sink.got) != "payload" {
		t.Fatalf("expected sink to receive pulled payload, got %q", sink.got)
	}
}
