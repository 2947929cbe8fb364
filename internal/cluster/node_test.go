package cluster

import "testing"

func TestOwnsSlot(t *testing.T) {
	n := NewLocalNode(4000, 14000, 0, 8192, RoleMaster)
	if !n.OwnsSlot(0) || !n.OwnsSlot(8191) {
		t.Fatal("expected ownership inside range")
	}
	if n.OwnsSlot(8192) {
		t.Fatal("range upper bound is exclusive")
	}

	replica := NewLocalNode(4001, 14001, 0, 8192, RoleReplica)
	if replica.OwnsSlot(0) {
		t.Fatal("replicas own no slots")
	}
}

func TestAddReplicaDeduplicates(t *testing.T) {
	n := NewLocalNode(4000, 14000, 0, 8192, RoleMaster)
	n.AddReplica(14001)
	n.AddReplica(14001)
	n.AddReplica(14002)
	if got := n.Snapshot().ReplicaPorts; len(got) != 2 {
		t.Fatalf("ReplicaPorts = %v, want 2 unique ports", got)
	}
}

func TestPromoteToMaster(t *testing.T) {
	n := NewLocalNode(4001, 14001, 0, 16384, RoleReplica)
	n.SetMaster(14000)

	former := n.PromoteToMaster()
	if former != 14000 {
		t.Fatalf("former master = %d, want 14000", former)
	}

	snap := n.Snapshot()
	if snap.Role != RoleMaster {
		t.Fatalf("role = %s, want master", snap.Role)
	}
	if snap.MasterPort != 0 {
		t.Fatalf("master port = %d, want cleared", snap.MasterPort)
	}
	if snap.RangeLo != 0 || snap.RangeHi != 16384 {
		t.Fatalf("range changed on promotion: [%d, %d)", snap.RangeLo, snap.RangeHi)
	}
}
