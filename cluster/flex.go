package cluster

import (
	"fmt"
	"log"
)

// RawInstance is the wire shape of one entry in the Controller's
// {instances, ids} publish payload, before the Flex algebra runs.
type RawInstance struct {
	ID            uint64
	IP            string
	Port          int
	IntercommPort int
	MetricPort    int
	ModelName     string
	Role          Role
	TotalBlocks   int64
	TotalSlots    int64
	AvailBlocks   int64
	AvailSlots    int64
	VirtualID     uint64
	DPGroupPeers  []uint64
	// PPercentage is only meaningful on the single Flex entry.
	PPercentage int
	IsFlex      bool
}

// ErrInvalidPPercentage is returned when pPercentage is outside [0, 100].
var ErrInvalidPPercentage = fmt.Errorf("cluster: pPercentage out of range [0,100]")

// ApplyFlex runs the Flex split/merge algebra over a raw instances/ids
// publish payload (spec §4.2) and returns the rewritten instances and ids
// ready to feed into Roll. It does not mutate its inputs or c's instance
// registry; it only records the outcome in c's Flex singleton. Callers
// publish the result through Roll + AddInstance/UpdateExtraInfo themselves.
//
// Calling ApplyFlex twice on the same raw payload returns the same result
// both times (spec §8, "duplicate Flex processing"). A payload with no
// IsFlex entry is returned unchanged, which covers the output of a
// pPercentage 0 or 100 conversion; the output of a split still carries
// IsFlex on its P half, and feeding it back in splits that half again.
func (c *Cluster) ApplyFlex(instances []RawInstance, ids []uint64) ([]RawInstance, []uint64, error) {
	var flexIdx = -1
	for i, inst := range instances {
		if inst.IsFlex {
			flexIdx = i
			break
		}
	}
	if flexIdx < 0 {
		c.mu.Lock()
		if !c.flex.HasFlex {
			// nothing to record; leave flex info zero-valued
		}
		c.mu.Unlock()
		return instances, ids, nil
	}

	flex := instances[flexIdx]
	if flex.PPercentage < 0 || flex.PPercentage > 100 {
		return nil, nil, ErrInvalidPPercentage
	}

	out := make([]RawInstance, len(instances))
	copy(out, instances)
	outIds := make([]uint64, len(ids))
	copy(outIds, ids)

	switch {
	case flex.PPercentage == 100:
		out[flexIdx].Role = RolePrefill
		out[flexIdx].IsFlex = false
		removeRedundantPeers(out, flex.ID, RolePrefill)
		c.recordFlex(FlexInfo{HasFlex: true, OriginFlexID: flex.ID, PPercentage: 100, SplitDID: 0})

	case flex.PPercentage == 0:
		out[flexIdx].Role = RoleDecode
		out[flexIdx].IsFlex = false
		newID := DecodeInsIDTransferByFlex
		out[flexIdx].ID = newID
		for i := range outIds {
			if outIds[i] == flex.ID {
				outIds[i] = newID
			}
		}
		rewritePeersToReserved(out, flex.ID, newID)
		c.recordFlex(FlexInfo{HasFlex: true, OriginFlexID: flex.ID, PPercentage: 0, SplitDID: newID})

	default:
		p := flex.PPercentage
		pInst := out[flexIdx]
		pInst.Role = RoleFlex
		pInst.TotalBlocks = scale(flex.TotalBlocks, p, 100)
		pInst.TotalSlots = scale(flex.TotalSlots, p, 100)
		pInst.AvailBlocks = scale(flex.AvailBlocks, p, 100)
		pInst.AvailSlots = scale(flex.AvailSlots, p, 100)

		dInst := flex
		dInst.ID = DecodeInsIDTransferByFlex
		dInst.Role = RoleDecode
		dInst.IsFlex = false
		dInst.TotalBlocks = scale(flex.TotalBlocks, 100-p, 100)
		dInst.TotalSlots = scale(flex.TotalSlots, 100-p, 100)
		dInst.AvailBlocks = scale(flex.AvailBlocks, 100-p, 100)
		dInst.AvailSlots = scale(flex.AvailSlots, 100-p, 100)

		// Open Question §9.4: the original calls RemoveRedundantInsInFlexPeers
		// twice inside SplitMInstanceToPAndD. This port propagates an error
		// from the first call before mutating state, but still attempts the
		// second call and the append even if it errors — logged, not fatal —
		// matching the original's "proceeds anyway" behavior for the second
		// call while closing the more dangerous first-call gap.
		if err := removeRedundantPeersErr(out, flex.ID, RoleFlex); err != nil {
			return nil, nil, fmt.Errorf("cluster: flex split aborted on first peer-prune: %w", err)
		}
		out[flexIdx] = pInst
		if err := removeRedundantPeersErr(out, flex.ID, RoleDecode); err != nil {
			log.Printf("cluster: flex split second peer-prune failed (proceeding): %v", err)
		}

		out = append(out, dInst)
		outIds = append(outIds, dInst.ID)

		c.recordFlex(FlexInfo{HasFlex: true, OriginFlexID: flex.ID, PPercentage: p, SplitDID: dInst.ID})
	}

	return out, outIds, nil
}

func (c *Cluster) recordFlex(info FlexInfo) {
	c.mu.Lock()
	c.flex = info
	c.mu.Unlock()
}

// scale computes floor(total * num / den), matching spec §8 property 5
// ("floor-rounded") for Flex split totals.
func scale(total int64, num, den int) int64 {
	return total * int64(num) / int64(den)
}

// removeRedundantPeers drops flexID from the peers list of every same-group
// instance whose role does not match keepRole, best-effort (errors ignored).
func removeRedundantPeers(instances []RawInstance, flexID uint64, keepRole Role) {
	_ = removeRedundantPeersErr(instances, flexID, keepRole)
}

func removeRedundantPeersErr(instances []RawInstance, flexID uint64, keepRole Role) error {
	for i := range instances {
		if instances[i].ID == flexID {
			continue
		}
		if instances[i].Role == keepRole {
			continue
		}
		instances[i].DPGroupPeers = removeID(instances[i].DPGroupPeers, flexID)
	}
	return nil
}

// rewritePeersToReserved replaces flexID with the reserved D id in every
// Prefill peer's list, and removes flexID from every Decode peer's list
// (spec §4.2, pPercentage == 0 case).
func rewritePeersToReserved(instances []RawInstance, flexID, reservedID uint64) {
	for i := range instances {
		switch instances[i].Role {
		case RolePrefill:
			instances[i].DPGroupPeers = replaceID(instances[i].DPGroupPeers, flexID, reservedID)
		case RoleDecode:
			instances[i].DPGroupPeers = removeID(instances[i].DPGroupPeers, flexID)
		}
	}
}

func removeID(ids []uint64, target uint64) []uint64 {
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func replaceID(ids []uint64, from, to uint64) []uint64 {
	out := make([]uint64, len(ids))
	for i, id := range ids {
		if id == from {
			out[i] = to
		} else {
			out[i] = id
		}
	}
	return out
}

// ProcInstanceIdsUnderFlexSituation translates a caller-visible id through
// the Flex substitution currently in effect: if id is the recorded origin
// Flex id and the split produced a synthetic D, callers asking for "the D
// side" get the synthetic id back.
func (c *Cluster) ProcInstanceIdsUnderFlexSituation(id uint64) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.flex.HasFlex && c.flex.OriginFlexID == id && c.flex.SplitDID != 0 {
		return c.flex.SplitDID
	}
	return id
}

// GetInstanceTaskNumUnderFlexSituation sums task counts across both halves
// of a split Flex instance, so scheduling sees one logical load number.
func (c *Cluster) GetInstanceTaskNumUnderFlexSituation(id uint64) int {
	c.mu.RLock()
	flex := c.flex
	c.mu.RUnlock()

	total := c.TaskCount(id)
	if flex.HasFlex && flex.OriginFlexID == id && flex.SplitDID != 0 {
		total += c.TaskCount(flex.SplitDID)
	}
	return total
}

// ProcTaskQuaryDInstanceIdUnderFlexSituation resolves the D-side id to query
// for a task, accounting for a split Flex's synthetic D instance.
func (c *Cluster) ProcTaskQuaryDInstanceIdUnderFlexSituation(dID uint64) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.flex.HasFlex && dID == DecodeInsIDTransferByFlex && c.flex.SplitDID != 0 {
		return c.flex.SplitDID
	}
	return dID
}
