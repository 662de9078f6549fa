package view

import (
	"testing"

	"smrcore/pkg/types"
)

func TestView_QuorumSizes(t *testing.T) {
	tests := []struct {
		n, f, write, cert int
	}{
		{4, 1, 3, 2},
		{7, 2, 5, 3},
		{10, 3, 7, 4},
		{1, 0, 1, 1},
	}

	for _, tt := range tests {
		members := make([]types.ReplicaID, tt.n)
		for i := range members {
			members[i] = types.ReplicaID(i + 1)
		}
		v, err := New(1, members)
		if err != nil {
			t.Fatalf("New(n=%d) failed: %v", tt.n, err)
		}
		if v.N() != tt.n {
			t.Errorf("n=%d: N() = %d", tt.n, v.N())
		}
		if v.F() != tt.f {
			t.Errorf("n=%d: F() = %d, want %d", tt.n, v.F(), tt.f)
		}
		if v.WriteQuorum() != tt.write {
			t.Errorf("n=%d: WriteQuorum() = %d, want %d", tt.n, v.WriteQuorum(), tt.write)
		}
		if v.CertQuorum() != tt.cert {
			t.Errorf("n=%d: CertQuorum() = %d, want %d", tt.n, v.CertQuorum(), tt.cert)
		}
	}
}

func TestView_RejectsEmptyAndDuplicates(t *testing.T) {
	if _, err := New(1, nil); err == nil {
		t.Fatal("expected error for empty member set")
	}
	if _, err := New(1, []types.ReplicaID{1, 2, 2, 3}); err == nil {
		t.Fatal("expected error for duplicate members")
	}
}

func TestView_SortsMembers(t *testing.T) {
	v, err := New(3, []types.ReplicaID{4, 1, 3, 2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for i, m := range v.Members {
		if m != types.ReplicaID(i+1) {
			t.Fatalf("members not sorted: %v", v.Members)
		}
	}
}

func TestView_ContainsAndOthers(t *testing.T) {
	v, err := New(1, []types.ReplicaID{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if !v.Contains(3) {
		t.Error("expected Contains(3)")
	}
	if v.Contains(9) {
		t.Error("did not expect Contains(9)")
	}

	others := v.Others(2)
	if len(others) != 3 {
		t.Fatalf("Others(2) returned %d members", len(others))
	}
	for _, m := range others {
		if m == 2 {
			t.Fatal("Others(2) contains self")
		}
	}
}
