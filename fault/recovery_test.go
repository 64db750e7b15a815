package fault

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeLocator struct {
	mu             sync.Mutex
	ready          bool
	instanceForIP  map[string]uint64
	podIPs         map[uint64][]string
	unavailable    []string
	available      []string
	singleNode     map[uint64]bool
	hasPrefill     map[uint64]bool
}

func (f *fakeLocator) HasReadyPrefillAndDecode() bool { return f.ready }
func (f *fakeLocator) InstanceIDForNode(ip string) (uint64, []uint64, bool) {
	id, ok := f.instanceForIP[ip]
	return id, nil, ok
}
func (f *fakeLocator) PodIPsForInstance(id uint64) []string { return f.podIPs[id] }
func (f *fakeLocator) MarkUnavailable(ips []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = append(f.unavailable, ips...)
}
func (f *fakeLocator) MarkAvailable(ips []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = append(f.available, ips...)
}
func (f *fakeLocator) IsSingleNodeInstance(id uint64) bool { return f.singleNode[id] }
func (f *fakeLocator) InstanceRoles(id uint64) bool         { return f.hasPrefill[id] }

type fakeStore struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeStore() *fakeStore { return &fakeStore{seen: make(map[string]bool)} }

func (s *fakeStore) Contains(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[key], nil
}
func (s *fakeStore) Add(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[key] = true
	return nil
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []string
	failCmd  string
}

func (f *fakeSender) Send(ctx context.Context, podIP, cmd string, timeout time.Duration) error {
	f.mu.Lock()
	f.sent = append(f.sent, cmd+"@"+podIP)
	f.mu.Unlock()
	if cmd == f.failCmd {
		return context.DeadlineExceeded
	}
	return nil
}

func TestBufferedWhileGated(t *testing.T) {
	loc := &fakeLocator{ready: false, instanceForIP: map[string]uint64{}}
	r := New(loc, newFakeStore(), &fakeSender{}, nil, time.Second)

	r.Ingest(context.Background(), FaultMsgSignal{
		NodeIP:     "10.0.0.1",
		FaultLevel: "UnHealthy",
		Devices: []DeviceFault{{
			FaultLevel: "UnHealthy",
			Faults:     []SwitchFaultInfo{{FaultCode: "[0x08520003,na,L2,na]", SwitchChipID: "c0", SwitchPortID: "p0", FaultTime: 1}},
		}},
	})

	r.mu.Lock()
	n := len(r.pendingOnGate)
	r.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected allowlisted fault buffered while gated, got %d pending", n)
	}
}

func TestCriticalUnhealthyBlacklists(t *testing.T) {
	loc := &fakeLocator{
		ready:         true,
		instanceForIP: map[string]uint64{"10.0.0.2": 7},
	}
	r := New(loc, newFakeStore(), &fakeSender{}, nil, time.Second)

	r.Ingest(context.Background(), FaultMsgSignal{
		NodeIP:     "10.0.0.2",
		FaultLevel: "UnHealthy",
		Devices: []DeviceFault{{
			FaultLevel: "UnHealthy",
			Faults:     []SwitchFaultInfo{{FaultCode: "SOME_CRITICAL_CODE", FaultTime: 5}},
		}},
	})

	r.mu.Lock()
	blacklisted := r.blacklist[7]
	r.mu.Unlock()
	if !blacklisted {
		t.Fatalf("expected instance 7 blacklisted")
	}
}

func TestIsolationStrategyForSingleNodePrefill(t *testing.T) {
	loc := &fakeLocator{
		ready:         true,
		instanceForIP: map[string]uint64{"10.0.0.3": 9},
		singleNode:    map[uint64]bool{9: true},
		hasPrefill:    map[uint64]bool{9: true},
		podIPs:        map[uint64][]string{9: {"10.0.0.3"}},
	}
	r := New(loc, newFakeStore(), &fakeSender{}, nil, time.Second)

	r.Ingest(context.Background(), FaultMsgSignal{
		NodeIP:     "10.0.0.3",
		FaultLevel: "Healthy",
		Devices: []DeviceFault{{
			FaultLevel: "NotHandleFault",
			Faults:     []SwitchFaultInfo{{FaultCode: "80CB8009", FaultTime: 11}},
		}},
	})

	r.mu.Lock()
	_, isolated := r.isolated[9]
	r.mu.Unlock()
	if !isolated {
		t.Fatalf("expected isolation timer started for single-node prefill instance")
	}
	loc.mu.Lock()
	defer loc.mu.Unlock()
	if len(loc.unavailable) != 1 {
		t.Fatalf("expected the faulty node marked unavailable, got %v", loc.unavailable)
	}
}

type fakeChecker struct {
	mu     sync.Mutex
	status map[string]string
}

func (f *fakeChecker) NodeStatus(ctx context.Context, podIP string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[podIP], nil
}

func (f *fakeChecker) setReady(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		f.status = make(map[string]string)
	}
	f.status[ip] = "ready"
}

// TestFullRecoveryCompletesOnPollReady exercises Scenario E end to end:
// PAUSE_ENGINE and REINIT_NPU both succeed, the poll timer starts, and
// once every pod of the instance reports ready the poll loop itself
// issues START_ENGINE, restores the nodes to Available, and drops the
// instance from the recovery map.
func TestFullRecoveryCompletesOnPollReady(t *testing.T) {
	loc := &fakeLocator{
		ready:         true,
		instanceForIP: map[string]uint64{"10.0.0.6": 5},
		podIPs:        map[uint64][]string{5: {"10.0.0.6", "10.0.0.7"}},
	}
	sender := &fakeSender{}
	checker := &fakeChecker{}
	r := New(loc, newFakeStore(), sender, checker, 10*time.Millisecond)

	r.Ingest(context.Background(), FaultMsgSignal{
		NodeIP:     "10.0.0.6",
		FaultLevel: "Healthy",
		Devices: []DeviceFault{{
			FaultLevel: "NotHandleFault",
			Faults:     []SwitchFaultInfo{{FaultCode: "80CB8009", FaultTime: 33}},
		}},
	})

	r.mu.Lock()
	_, inRecovery := r.inRecovery[5]
	r.mu.Unlock()
	if !inRecovery {
		t.Fatalf("expected instance 5 in the recovery map after PAUSE_ENGINE/REINIT_NPU succeed")
	}

	checker.setReady("10.0.0.6")
	checker.setReady("10.0.0.7")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		_, stillIn := r.inRecovery[5]
		r.mu.Unlock()
		if !stillIn {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	r.mu.Lock()
	_, stillIn := r.inRecovery[5]
	r.mu.Unlock()
	if stillIn {
		t.Fatalf("expected instance 5 to leave the recovery map once all pods report ready")
	}

	sender.mu.Lock()
	sawStart := 0
	for _, cmd := range sender.sent {
		if cmd == "START_ENGINE@10.0.0.6" || cmd == "START_ENGINE@10.0.0.7" {
			sawStart++
		}
	}
	sender.mu.Unlock()
	if sawStart != 2 {
		t.Fatalf("expected START_ENGINE sent to both pods, got %v", sender.sent)
	}

	loc.mu.Lock()
	defer loc.mu.Unlock()
	avail := map[string]bool{}
	for _, ip := range loc.available {
		avail[ip] = true
	}
	if !avail["10.0.0.6"] || !avail["10.0.0.7"] {
		t.Fatalf("expected both pods restored to Available, got %v", loc.available)
	}
}

func TestFullRecoveryAbortsOnPauseFailure(t *testing.T) {
	loc := &fakeLocator{
		ready:         true,
		instanceForIP: map[string]uint64{"10.0.0.4": 3},
		podIPs:        map[uint64][]string{3: {"10.0.0.4", "10.0.0.5"}},
	}
	sender := &fakeSender{failCmd: "PAUSE_ENGINE"}
	r := New(loc, newFakeStore(), sender, nil, time.Second)

	r.Ingest(context.Background(), FaultMsgSignal{
		NodeIP:     "10.0.0.4",
		FaultLevel: "Healthy",
		Devices: []DeviceFault{{
			FaultLevel: "NotHandleFault",
			Faults:     []SwitchFaultInfo{{FaultCode: "80CB8009", FaultTime: 22}},
		}},
	})

	sender.mu.Lock()
	defer sender.mu.Unlock()
	sawStop := false
	for _, cmd := range sender.sent {
		if cmd == "STOP_ENGINE@10.0.0.4" || cmd == "STOP_ENGINE@10.0.0.5" {
			sawStop = true
		}
	}
	if !sawStop {
		t.Fatalf("expected STOP_ENGINE abort after PAUSE_ENGINE failure, got %v", sender.sent)
	}
}
