// Package placement implements PlacementPolicy (C8): per-row primary and
// secondary peer selection.
package placement

import (
	"math/rand"
	"sync"
)

// EmptySentinel marks "no secondary peer was available at insertion time",
// matching table.EmptySentinel (kept independent to avoid an import cycle
// between pkg/placement and pkg/table).
const EmptySentinel = ""

// PeerSource supplies the current peer roster, excluding self. C11's
// cluster.Roster satisfies this so PlacementPolicy depends only on the
// interface (spec §9's "singletons become explicit collaborators" hint).
type PeerSource interface {
	// Peers returns the ids of currently-reachable peers, excluding self.
	Peers() []string
}

// Policy chooses (primary, secondary) node ids for newly-inserted rows.
// Select is called once per incoming insert, concurrently, from
// pkg/server's request-handling goroutines, so rand is guarded by a mutex:
// a *rand.Rand built via rand.New is not safe for concurrent use (unlike
// the top-level math/rand functions, which lock a shared source).
type Policy struct {
	selfID string

	mu   sync.Mutex
	rand *rand.Rand
}

// New creates a Policy for a node identified by selfID.
func New(selfID string) *Policy {
	return &Policy{selfID: selfID, rand: rand.New(rand.NewSource(seed(selfID)))}
}

// seed derives a deterministic-per-node seed from selfID so two Policy
// instances for different nodes don't happen to pick identical sequences
// from a shared global source. Not cryptographic; placement has no security
// requirement (spec §1 excludes auth from scope).
func seed(id string) int64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= 1099511628211
	}
	return int64(h)
}

// Select chooses (primary, secondary) given the current peer roster (self
// excluded by the caller). selfAsPrimary hints that the caller already holds
// the row locally and wants self forced into the primary slot rather than
// chosen at random — used when a node is itself inserting a row, per spec
// §4.6: "callers that already hold a row locally should pass self as a hint
// to force self-as-primary".
func (p *Policy) Select(peers []string, selfAsPrimary bool) (primary, secondary string) {
	switch len(peers) {
	case 0:
		return p.selfID, EmptySentinel
	case 1:
		other := peers[0]
		if selfAsPrimary {
			return p.selfID, other
		}
		if p.intn(2) == 0 {
			return p.selfID, other
		}
		return other, p.selfID
	default:
		candidates := peers
		idx := p.perm(len(candidates))
		first, second := candidates[idx[0]], candidates[idx[1]]
		if selfAsPrimary {
			return p.selfID, first
		}
		return first, second
	}
}

// intn and perm serialize access to p.rand: a *rand.Rand is not safe for
// concurrent use, and Select is called concurrently from one goroutine per
// incoming HTTP request.
func (p *Policy) intn(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rand.Intn(n)
}

func (p *Policy) perm(n int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rand.Perm(n)
}
