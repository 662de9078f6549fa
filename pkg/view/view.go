package view

import (
	"fmt"
	"slices"

	"smrcore/pkg/types"
)

// View is the current membership and quorum configuration of the cluster.
// Views are immutable values: the controller replaces them wholesale, never
// mutates one in place.
type View struct {
	Epoch   types.Epoch       `json:"epoch"`
	Members []types.ReplicaID `json:"members"`
}

// New builds a view over a sorted, deduplicated member set.
func New(epoch types.Epoch, members []types.ReplicaID) (View, error) {
	if len(members) == 0 {
		return View{}, fmt.Errorf("view %d: empty member set", epoch)
	}

	ms := slices.Clone(members)
	slices.Sort(ms)
	ms = slices.Compact(ms)
	if len(ms) != len(members) {
		return View{}, fmt.Errorf("view %d: duplicate members", epoch)
	}

	return View{Epoch: epoch, Members: ms}, nil
}

// N is the cluster size.
func (v View) N() int { return len(v.Members) }

// F is the tolerated fault count for n = 3f+1.
func (v View) F() int { return (v.N() - 1) / 3 }

// WriteQuorum is the agreement quorum size, 2f+1.
func (v View) WriteQuorum() int { return 2*v.F() + 1 }

// CertQuorum is the certification quorum for state transfer, f+1: one more
// attestation than the tolerated fault count excludes forgery by a faulty
// minority.
func (v View) CertQuorum() int { return v.F() + 1 }

// Contains reports membership of id in the view.
func (v View) Contains(id types.ReplicaID) bool {
	_, ok := slices.BinarySearch(v.Members, id)
	return ok
}

// Others returns all members except self, in member order.
func (v View) Others(self types.ReplicaID) []types.ReplicaID {
	out := make([]types.ReplicaID, 0, v.N()-1)
	for _, m := range v.Members {
		if m != self {
			out = append(out, m)
		}
	}
	return out
}
