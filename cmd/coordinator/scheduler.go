package main

import (
	"sync"

	"github.com/itskum47/mindie-coordinator/cluster"
)

// roundRobinScheduler is a reference implementation of router.Scheduler and
// agent.SchedulerNotifier. The real scheduler is an external black box
// (spec §1); this one exists so the Coordinator binary is runnable
// standalone, picking available Prefill and Decode instances in plain
// round-robin order. It does not look at per-instance task load.
type roundRobinScheduler struct {
	cl *cluster.Cluster

	mu       sync.Mutex
	pNext    int
	dNext    int
}

func newRoundRobinScheduler(cl *cluster.Cluster) *roundRobinScheduler {
	return &roundRobinScheduler{cl: cl}
}

// Schedule picks one available Prefill and one available Decode instance
// (or a single Flex/Undefined instance for non-PD deployments) and invokes
// callback synchronously. priorityHint is accepted but unused by this
// reference policy.
func (s *roundRobinScheduler) Schedule(reqID string, priorityHint int, callback func(prefillID, decodeID uint64)) {
	all := s.cl.All()

	var prefill, decode []*cluster.InstanceInfo
	for _, inst := range all {
		if !inst.Available {
			continue
		}
		switch inst.Role {
		case cluster.RolePrefill:
			prefill = append(prefill, inst)
		case cluster.RoleDecode:
			decode = append(decode, inst)
		default:
			prefill = append(prefill, inst)
			decode = append(decode, inst)
		}
	}

	if len(prefill) == 0 || len(decode) == 0 {
		return
	}

	s.mu.Lock()
	p := prefill[s.pNext%len(prefill)]
	s.pNext++
	d := decode[s.dNext%len(decode)]
	s.dNext++
	s.mu.Unlock()

	callback(p.ID, d.ID)
}

// NotifyPrefillEnd and NotifyDecodeEnd satisfy agent.SchedulerNotifier. The
// reference policy does not react to stage completion; a real scheduler
// would use these to free its own per-instance slot accounting.
func (s *roundRobinScheduler) NotifyPrefillEnd(reqID string, prefillEndNS int64)             {}
func (s *roundRobinScheduler) NotifyDecodeEnd(reqID string, decodeEndNS int64, outputLength int) {}
