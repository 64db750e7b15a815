package cluster

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrDuplicateInstance is returned by AddInstance when the id already exists.
	ErrDuplicateInstance = errors.New("cluster: duplicate instance id")
	// ErrNotFound is returned when an operation targets an unknown instance id.
	ErrNotFound = errors.New("cluster: instance not found")
)

// DeployMode controls IsAvailable's readiness rule.
type DeployMode int

const (
	DeployModeSingle DeployMode = iota
	DeployModePD
)

// Cluster is the registry of worker instances: an ordered id list (insertion
// order drives Roll's diff ordering), a flat id→InstanceInfo map, a
// virtualID→ids grouping, and fault-tracking state. Reads take the shared
// lock; mutation takes the exclusive lock — mirroring the teacher's
// MemoryStore convention of one RWMutex guarding one map family.
type Cluster struct {
	mu sync.RWMutex

	order []uint64
	byID  map[uint64]*InstanceInfo

	virtualGroups map[uint64]map[uint64]struct{}

	faultyVirtualIDs map[uint64]struct{}
	faultAdmittedAt  map[uint64]time.Time

	flex FlexInfo

	deployMode DeployMode
}

// New creates an empty cluster view.
func New(mode DeployMode) *Cluster {
	return &Cluster{
		byID:             make(map[uint64]*InstanceInfo),
		virtualGroups:    make(map[uint64]map[uint64]struct{}),
		faultyVirtualIDs: make(map[uint64]struct{}),
		faultAdmittedAt:  make(map[uint64]time.Time),
		deployMode:       mode,
	}
}

// AddInstance registers a new worker. Fails on duplicate id (invariant 1:
// every id in the order list has exactly one map entry).
func (c *Cluster) AddInstance(id uint64, ip string, port int, role Role, modelName string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byID[id]; exists {
		return false, nil
	}
	limit := MaxInstanceCount
	if c.flex.HasFlex && c.flex.PPercentage > 0 && c.flex.PPercentage < 100 {
		limit++ // the synthetic D of a split Flex
	}
	if len(c.order) >= limit {
		return false, ErrClusterCapExceeded
	}

	c.byID[id] = &InstanceInfo{
		ID:         id,
		IP:         ip,
		Port:       port,
		Role:       role,
		ModelName:  modelName,
		TaskSet:    make(map[string]struct{}),
		Available:  true,
		RoleStatus: RoleStatusUnknown,
		UpdatedAt:  time.Now(),
	}
	c.order = append(c.order, id)
	return true, nil
}

// ErrClusterCapExceeded signals the instance count cap (spec §3 invariant 3)
// would be exceeded.
var ErrClusterCapExceeded = errors.New("cluster: instance cap exceeded")

// RemoveInstance deletes id from both the ordered list and the map
// (invariant 1: removing an id removes both).
func (c *Cluster) RemoveInstance(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeInstanceLocked(id)
}

func (c *Cluster) removeInstanceLocked(id uint64) {
	info, ok := c.byID[id]
	if !ok {
		return
	}
	delete(c.byID, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if info.VirtualID != 0 {
		if group, ok := c.virtualGroups[info.VirtualID]; ok {
			delete(group, id)
			if len(group) == 0 {
				delete(c.virtualGroups, info.VirtualID)
			}
		}
	}
}

// UpdateExtraInfo fills in fields only known once the id has been bound to a
// virtual id: metric port, intercomm port, block/slot totals, and the
// virtualID→ids grouping.
func (c *Cluster) UpdateExtraInfo(id uint64, metricPort, interCommPort int, totalBlocks, totalSlots int64, virtualID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.byID[id]
	if !ok {
		return ErrNotFound
	}
	info.MetricPort = metricPort
	info.IntercommPort = interCommPort
	info.TotalBlocks = totalBlocks
	info.TotalSlots = totalSlots
	info.AvailBlocks = totalBlocks
	info.AvailSlots = totalSlots

	if info.VirtualID != 0 && info.VirtualID != virtualID {
		if group, ok := c.virtualGroups[info.VirtualID]; ok {
			delete(group, id)
		}
	}
	info.VirtualID = virtualID
	if c.virtualGroups[virtualID] == nil {
		c.virtualGroups[virtualID] = make(map[uint64]struct{})
	}
	c.virtualGroups[virtualID][id] = struct{}{}
	return nil
}

// RollResult is the three-way diff returned by Roll.
type RollResult struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Roll diffs the current ordered id list against newIds, preserving
// newIds' insertion order in Added (spec §3 invariant / §8 property 4).
func (c *Cluster) Roll(newIds []uint64) RollResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	newSet := make(map[uint64]struct{}, len(newIds))
	for _, id := range newIds {
		newSet[id] = struct{}{}
	}

	var res RollResult
	for _, id := range newIds {
		if _, exists := c.byID[id]; exists {
			res.Updated = append(res.Updated, id)
		} else {
			res.Added = append(res.Added, id)
		}
	}
	for _, id := range c.order {
		if _, keep := newSet[id]; !keep {
			res.Removed = append(res.Removed, id)
		}
	}
	for _, id := range res.Removed {
		c.removeInstanceLocked(id)
	}
	return res
}

// IsAvailable reports whether the cluster can serve requests under the
// current deploy mode: PD modes require at least one Prefill and one Decode
// instance; otherwise any non-empty cluster suffices.
func (c *Cluster) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.byID) == 0 {
		return false
	}
	if c.deployMode != DeployModePD {
		return true
	}
	var hasP, hasD bool
	for _, info := range c.byID {
		switch info.Role {
		case RolePrefill:
			hasP = true
		case RoleDecode:
			hasD = true
		}
	}
	return hasP && hasD
}

// Get returns a copy of the instance info, or nil if unknown.
func (c *Cluster) Get(id uint64) *InstanceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.byID[id]
	if !ok {
		return nil
	}
	return info.Clone()
}

// All returns a copy of every instance, in roll order.
func (c *Cluster) All() []*InstanceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*InstanceInfo, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id].Clone())
	}
	return out
}

// AddTask records reqId as routed through instance id. A no-op on unknown id.
func (c *Cluster) AddTask(id uint64, reqID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info, ok := c.byID[id]; ok {
		info.TaskSet[reqID] = struct{}{}
	}
}

// DecreaseTask removes reqId from instance id's task set. A no-op on
// unknown id or unknown reqId (spec §4.2).
func (c *Cluster) DecreaseTask(id uint64, reqID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info, ok := c.byID[id]; ok {
		delete(info.TaskSet, reqID)
	}
}

// TaskCount returns the number of in-flight tasks on instance id.
func (c *Cluster) TaskCount(id uint64) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if info, ok := c.byID[id]; ok {
		return len(info.TaskSet)
	}
	return 0
}

// AddRetry increments and returns the retry counter for instance id.
func (c *Cluster) AddRetry(id uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info, ok := c.byID[id]; ok {
		info.Retry++
		return info.Retry
	}
	return 0
}

// GetRetry returns the current retry counter for instance id.
func (c *Cluster) GetRetry(id uint64) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if info, ok := c.byID[id]; ok {
		return info.Retry
	}
	return 0
}

// SetAvailable flips the Available flag on instance id (used by NPU fault
// recovery's isolate/restore steps).
func (c *Cluster) SetAvailable(id uint64, available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info, ok := c.byID[id]; ok {
		info.Available = available
	}
}

// AddFaultNode marks every id sharing id's virtual id as faulty together.
func (c *Cluster) AddFaultNode(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vid := c.virtualIDOf(id)
	if _, already := c.faultyVirtualIDs[vid]; !already {
		c.faultyVirtualIDs[vid] = struct{}{}
		c.faultAdmittedAt[vid] = time.Now()
	}
}

// RemoveFaultNode clears the fault flag from every id sharing id's virtual id.
func (c *Cluster) RemoveFaultNode(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vid := c.virtualIDOf(id)
	delete(c.faultyVirtualIDs, vid)
	delete(c.faultAdmittedAt, vid)
}

// IsFaultyNode reports whether id's virtual id is currently marked faulty.
func (c *Cluster) IsFaultyNode(id uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vid := c.virtualIDOf(id)
	_, faulty := c.faultyVirtualIDs[vid]
	return faulty
}

// virtualIDOf returns id's virtual id, or id itself if it has none. Caller
// must hold c.mu.
func (c *Cluster) virtualIDOf(id uint64) uint64 {
	if info, ok := c.byID[id]; ok && info.VirtualID != 0 {
		return info.VirtualID
	}
	return id
}

// PeersOf returns every id sharing id's virtual id (the data-parallel group).
func (c *Cluster) PeersOf(id uint64) []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vid := c.virtualIDOf(id)
	group, ok := c.virtualGroups[vid]
	if !ok {
		return []uint64{id}
	}
	out := make([]uint64, 0, len(group))
	for v := range group {
		out = append(out, v)
	}
	return out
}

// Flex returns a copy of the Flex singleton.
func (c *Cluster) Flex() FlexInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flex
}
