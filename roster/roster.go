// Package roster maintains the bounded set of known peers: a fixed
// array of slots, each either empty or holding one peer, guarded by a
// single lock. The locking discipline — one lock, no callouts while
// held — is modeled on the generic Map[K,V] in util/map.go, adapted
// from a hash map with a "process" escape hatch
// to a fixed-size slot array with no escape hatch at all, since the
// roster's six operations never need to call back into caller code
// while holding the lock.
package roster

import (
	"errors"
	"sync"
	"time"

	"peerbeacon/internal/tunables"
)

// Result distinguishes a fresh insertion from a refresh of an existing
// slot, as returned by AddOrUpdate.
type Result int

const (
	Added Result = iota
	Updated
)

// Errors returned by roster operations.
var (
	ErrFull       = errors.New("roster: full")
	ErrOutOfRange = errors.New("roster: index out of range")
)

// Peer is one reachable node, keyed by its textual IPv4 address.
type Peer struct {
	IP       string
	Username string
	LastSeen time.Time
	Active   bool

	// Generation counts how many peers have claimed this slot across
	// its lifetime (1 after the first claim, incremented on each
	// reuse). It carries no protocol meaning; it only
	// gives the status surface (see httpapi) a stable way to tell
	// "the same peer, refreshed" from "a different peer in the same
	// slot" across two snapshots.
	Generation uint64
}

// Roster is the bounded, lockable peer table. Zero value is not usable;
// construct with New.
type Roster struct {
	mu    sync.Mutex
	slots [tunables.MaxPeers]Peer
}

// New creates a roster with all slots inactive.
func New() *Roster {
	r := &Roster{}
	r.Init()
	return r
}

// Init marks every slot inactive. Safe to call on a live roster to
// reset it.
func (r *Roster) Init() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		r.slots[i] = Peer{}
	}
}

// AddOrUpdate records a sighting of ip at the given moment. If ip
// already occupies an active slot, its username (when non-empty) and
// LastSeen are refreshed and Updated is returned. Otherwise the first
// inactive slot is claimed and Added is returned. ErrFull is returned
// when no slot is free.
func (r *Roster) AddOrUpdate(ip, username string, now time.Time) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	free := -1
	for i := range r.slots {
		s := &r.slots[i]
		if s.Active && s.IP == ip {
			if username != "" {
				s.Username = username
			}
			s.LastSeen = now
			return Updated, nil
		}
		if !s.Active && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return Added, ErrFull
	}
	gen := r.slots[free].Generation
	r.slots[free] = Peer{
		IP:         ip,
		Username:   username,
		LastSeen:   now,
		Active:     true,
		Generation: gen + 1,
	}
	return Added, nil
}

// Prune deactivates every active slot whose LastSeen is older than
// tunables.PeerTimeout as of now, and returns how many were pruned.
// Wraparound-safe: a slot is never treated as expired when now is
// before its LastSeen (a clock adjustment or counter wraparound must
// not produce a false expiry).
func (r *Roster) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for i := range r.slots {
		s := &r.slots[i]
		if !s.Active {
			continue
		}
		if now.Before(s.LastSeen) {
			// now < last_seen: not yet expired, regardless of how far apart.
			continue
		}
		if now.Sub(s.LastSeen) >= tunables.PeerTimeout {
			s.Active = false
			n++
		}
	}
	return n
}

// MarkInactive deactivates the active slot for ip, if any, and reports
// whether it found one.
func (r *Roster) MarkInactive(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		s := &r.slots[i]
		if s.Active && s.IP == ip {
			s.Active = false
			return true
		}
	}
	return false
}

// CountActive returns the number of active slots.
func (r *Roster) CountActive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countActiveLocked()
}

func (r *Roster) countActiveLocked() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].Active {
			n++
		}
	}
	return n
}

// GetByActiveIndex returns the i-th active slot in slot order (not
// insertion order). ErrOutOfRange is returned if i >= CountActive().
func (r *Roster) GetByActiveIndex(i int) (Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := 0
	for s := range r.slots {
		if !r.slots[s].Active {
			continue
		}
		if idx == i {
			return r.slots[s], nil
		}
		idx++
	}
	return Peer{}, ErrOutOfRange
}

// Snapshot returns a copy of every active peer in slot order, for use
// by components (e.g. the status surface, or QUIT broadcast) that need
// a stable view without holding the roster lock for the duration of
// their own work.
func (r *Roster) Snapshot() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Peer, 0, r.countActiveLocked())
	for i := range r.slots {
		if r.slots[i].Active {
			out = append(out, r.slots[i])
		}
	}
	return out
}
