package cluster

import "testing"

func TestAddInstanceDuplicate(t *testing.T) {
	c := New(DeployModePD)
	ok, err := c.AddInstance(1, "127.0.0.1", 1026, RolePrefill, "m1")
	if err != nil || !ok {
		t.Fatalf("first add: ok=%v err=%v", ok, err)
	}
	ok, err = c.AddInstance(1, "127.0.0.1", 1026, RolePrefill, "m1")
	if err != nil {
		t.Fatalf("second add returned error: %v", err)
	}
	if ok {
		t.Fatalf("second add with duplicate id should return false")
	}
}

func TestRollDiff(t *testing.T) {
	c := New(DeployModePD)
	mustAdd(t, c, 1, RolePrefill)
	mustAdd(t, c, 2, RoleDecode)
	mustAdd(t, c, 3, RoleDecode)

	res := c.Roll([]uint64{2, 3, 4})

	if len(res.Added) != 1 || res.Added[0] != 4 {
		t.Fatalf("expected added=[4], got %v", res.Added)
	}
	if len(res.Updated) != 2 {
		t.Fatalf("expected 2 updated, got %v", res.Updated)
	}
	if len(res.Removed) != 1 || res.Removed[0] != 1 {
		t.Fatalf("expected removed=[1], got %v", res.Removed)
	}

	all := c.All()
	ids := make(map[uint64]bool)
	for _, inst := range all {
		ids[inst.ID] = true
	}
	if ids[1] {
		t.Fatalf("instance 1 should have been removed by Roll")
	}
	if !ids[2] || !ids[3] {
		t.Fatalf("instances 2 and 3 should remain")
	}
}

func TestFlexFullPrefill(t *testing.T) {
	c := New(DeployModePD)
	instances := []RawInstance{
		{ID: 10, Role: RoleFlex, IsFlex: true, PPercentage: 100, TotalSlots: 100},
	}
	out, ids, err := c.ApplyFlex(instances, []uint64{10})
	if err != nil {
		t.Fatalf("ApplyFlex: %v", err)
	}
	if len(out) != 1 || out[0].Role != RolePrefill {
		t.Fatalf("expected single Prefill instance, got %+v", out)
	}
	if len(ids) != 1 || ids[0] != 10 {
		t.Fatalf("expected ids unchanged, got %v", ids)
	}
	flex := c.Flex()
	if !flex.HasFlex || flex.PPercentage != 100 {
		t.Fatalf("flex singleton not recorded: %+v", flex)
	}
}

func TestFlexSplitPreservesTotals(t *testing.T) {
	c := New(DeployModePD)
	instances := []RawInstance{
		{ID: 20, Role: RoleFlex, IsFlex: true, PPercentage: 40, TotalSlots: 101},
	}
	out, ids, err := c.ApplyFlex(instances, []uint64{20})
	if err != nil {
		t.Fatalf("ApplyFlex: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected split into 2 instances, got %d", len(out))
	}
	if len(ids) != 2 || ids[1] != DecodeInsIDTransferByFlex {
		t.Fatalf("expected synthetic D id appended, got %v", ids)
	}
	sum := out[0].TotalSlots + out[1].TotalSlots
	// floor-rounded: 101*40/100=40, 101*60/100=60 -> 100, not 101.
	if sum != 100 {
		t.Fatalf("expected floor-rounded split sum 100, got %d", sum)
	}
}

func TestFlexInvalidPercentage(t *testing.T) {
	c := New(DeployModePD)
	instances := []RawInstance{
		{ID: 30, Role: RoleFlex, IsFlex: true, PPercentage: 150},
	}
	if _, _, err := c.ApplyFlex(instances, []uint64{30}); err != ErrInvalidPPercentage {
		t.Fatalf("expected ErrInvalidPPercentage, got %v", err)
	}
}

func TestParseRoleStatusNeverDefaultsToRunning(t *testing.T) {
	if ParseRoleStatus("garbage") != RoleStatusUnknown {
		t.Fatalf("unrecognized role status must map to RoleStatusUnknown")
	}
	if ParseRoleStatus("RoleReady") != RoleStatusReady {
		t.Fatalf("RoleReady must round-trip exactly")
	}
}

func mustAdd(t *testing.T, c *Cluster, id uint64, role Role) {
	t.Helper()
	ok, err := c.AddInstance(id, "127.0.0.1", 1026, role, "m1")
	if err != nil || !ok {
		t.Fatalf("add instance %d: ok=%v err=%v", id, ok, err)
	}
}
