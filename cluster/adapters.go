package cluster

// This file adapts Cluster to the small collaborator interfaces declared by
// packages that must not import cluster directly (monitor.InstanceChecker,
// sync.PeerAvailability, fault.NodeLocator, router.ClusterView) — the same
// "narrow interface, concrete adapter" shape the teacher uses for
// store.Store's consumers.

// Exists reports whether instanceID is currently known to the cluster.
// Satisfies monitor.InstanceChecker.
func (c *Cluster) Exists(instanceID uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byID[instanceID]
	return ok
}

// IsPD reports whether id is a Prefill or Decode instance (as opposed to an
// undifferentiated single-node deployment). Satisfies sync.PeerAvailability.
func (c *Cluster) IsPD(id uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.byID[id]
	if !ok {
		return false
	}
	return info.Role == RolePrefill || info.Role == RoleDecode
}

// HasAvailablePeer reports whether id has at least one other instance in its
// dpGroupPeers set that is currently Available. Satisfies
// sync.PeerAvailability.
func (c *Cluster) HasAvailablePeer(id uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.byID[id]
	if !ok {
		return false
	}
	for _, peerID := range info.DPGroupPeers {
		if peerID == id {
			continue
		}
		if peer, ok := c.byID[peerID]; ok && peer.Available {
			return true
		}
	}
	return false
}

// InstanceIDForNode resolves the pod at nodeIP to its logical instance id
// (the virtual id, or the node's own id if it has none) and its
// dpGroupPeers list. Satisfies fault.NodeLocator.
func (c *Cluster) InstanceIDForNode(nodeIP string) (instanceID uint64, dpGroupPeers []uint64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.order {
		info := c.byID[id]
		if info.IP != nodeIP {
			continue
		}
		return c.virtualIDOf(id), append([]uint64(nil), info.DPGroupPeers...), true
	}
	return 0, nil, false
}

// PodIPsForInstance returns the ip of every pod sharing instanceID's virtual
// id. Satisfies fault.NodeLocator.
func (c *Cluster) PodIPsForInstance(instanceID uint64) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	group, ok := c.virtualGroups[instanceID]
	if !ok {
		if info, ok := c.byID[instanceID]; ok {
			return []string{info.IP}
		}
		return nil
	}
	out := make([]string, 0, len(group))
	for id := range group {
		if info, ok := c.byID[id]; ok {
			out = append(out, info.IP)
		}
	}
	return out
}

// HasReadyPrefillAndDecode reports whether at least one Prefill and one
// Decode node have reported RoleStatusReady — the NPU recovery bootstrap
// gate predicate (spec §4.7). Satisfies fault.NodeLocator.
func (c *Cluster) HasReadyPrefillAndDecode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var hasP, hasD bool
	for _, info := range c.byID {
		if info.RoleStatus != RoleStatusReady {
			continue
		}
		switch info.Role {
		case RolePrefill:
			hasP = true
		case RoleDecode:
			hasD = true
		}
	}
	return hasP && hasD
}

// MarkUnavailable flips Available=false on every node whose ip is in
// nodeIPs. Satisfies fault.NodeLocator.
func (c *Cluster) MarkUnavailable(nodeIPs []string) { c.setAvailableByIP(nodeIPs, false) }

// MarkAvailable flips Available=true on every node whose ip is in nodeIPs.
// Satisfies fault.NodeLocator.
func (c *Cluster) MarkAvailable(nodeIPs []string) { c.setAvailableByIP(nodeIPs, true) }

func (c *Cluster) setAvailableByIP(nodeIPs []string, available bool) {
	if len(nodeIPs) == 0 {
		return
	}
	want := make(map[string]struct{}, len(nodeIPs))
	for _, ip := range nodeIPs {
		want[ip] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, info := range c.byID {
		if _, ok := want[info.IP]; ok {
			info.Available = available
		}
	}
}

// IsSingleNodeInstance reports whether instanceID's virtual group has only
// one pod. Satisfies fault.NodeLocator.
func (c *Cluster) IsSingleNodeInstance(instanceID uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	group, ok := c.virtualGroups[instanceID]
	if !ok {
		return true
	}
	return len(group) <= 1
}

// InstanceRoles reports whether any pod in instanceID's virtual group plays
// the Prefill role. Satisfies fault.NodeLocator.
func (c *Cluster) InstanceRoles(instanceID uint64) (hasPrefill bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	group, ok := c.virtualGroups[instanceID]
	if !ok {
		if info, ok := c.byID[instanceID]; ok {
			return info.Role == RolePrefill
		}
		return false
	}
	for id := range group {
		if info, ok := c.byID[id]; ok && info.Role == RolePrefill {
			return true
		}
	}
	return false
}
