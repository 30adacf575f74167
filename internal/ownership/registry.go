// Package ownership tracks exclusive, TTL-bounded claims over conversation
// threads so that exactly one agent instance answers a given thread even when
// multiple replicas consume the same inbound stream.
//
// The registry is in-memory only. Expiry is lazy: expired entries are swept
// on claim/access rather than by a background timer, so abandoned threads are
// reclaimed the next time anyone touches the registry.
package ownership

import (
	"sync"
	"time"
)

// ClaimStatus is the outcome of a claim attempt.
type ClaimStatus int

const (
	// Claimed: the thread was unclaimed and is now owned by the caller.
	Claimed ClaimStatus = iota
	// AlreadyOwned: the caller already owns the thread (idempotent repeat).
	AlreadyOwned
	// Contested: another live owner holds the thread; no mutation occurred.
	Contested
)

func (s ClaimStatus) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case AlreadyOwned:
		return "already-owned"
	default:
		return "contested"
	}
}

// ClaimResult reports a claim outcome. OwnerID is the current owner — the
// caller for Claimed/AlreadyOwned, the competing agent for Contested.
type ClaimResult struct {
	Status  ClaimStatus
	OwnerID string
}

// ThreadOwner is one live ownership record. TTL zero means the claim never
// expires by time.
type ThreadOwner struct {
	ThreadID      string        `json:"thread_id"`
	OwnerID       string        `json:"owner_id"`
	ClaimedAt     time.Time     `json:"claimed_at"`
	LastRefreshed time.Time     `json:"last_refreshed"`
	TTL           time.Duration `json:"ttl,omitempty"`
}

func (o ThreadOwner) expired(now time.Time) bool {
	return o.TTL > 0 && now.Sub(o.LastRefreshed) > o.TTL
}

// Registry is a mutex-guarded map of thread ownership records. All methods
// are safe for concurrent use; none blocks or performs I/O.
type Registry struct {
	mu     sync.Mutex
	owners map[string]*ThreadOwner
	now    func() time.Time
}

// NewRegistry creates an empty ownership registry.
func NewRegistry() *Registry {
	return &Registry{owners: make(map[string]*ThreadOwner), now: time.Now}
}

// SetClock overrides the registry clock, for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Claim attempts to take ownership of a thread. Expired entries registry-wide
// are swept first. Repeat claims by the current owner return AlreadyOwned
// without touching the claim or refresh times; claims against a live foreign
// owner return Contested and mutate nothing.
func (r *Registry) Claim(threadID, agentID string, ttl time.Duration) ClaimResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.gcLocked(now)

	if owner, ok := r.owners[threadID]; ok {
		if owner.OwnerID == agentID {
			return ClaimResult{Status: AlreadyOwned, OwnerID: agentID}
		}
		return ClaimResult{Status: Contested, OwnerID: owner.OwnerID}
	}

	r.owners[threadID] = &ThreadOwner{
		ThreadID:      threadID,
		OwnerID:       agentID,
		ClaimedAt:     now,
		LastRefreshed: now,
		TTL:           ttl,
	}
	return ClaimResult{Status: Claimed, OwnerID: agentID}
}

// Release removes the thread's ownership record if the caller owns it.
// Returns false (and leaves the record alone) for non-owners.
func (r *Registry) Release(threadID, agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.owners[threadID]
	if !ok || owner.OwnerID != agentID {
		return false
	}
	delete(r.owners, threadID)
	return true
}

// Refresh bumps the thread's last-refreshed time if the caller owns a live
// claim on it.
func (r *Registry) Refresh(threadID, agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.owners[threadID]
	if !ok || owner.OwnerID != agentID || owner.expired(r.now()) {
		return false
	}
	owner.LastRefreshed = r.now()
	return true
}

// GetOwner returns the live ownership record for a thread, if any. Expired
// entries are treated as absent (and swept).
func (r *Registry) GetOwner(threadID string) (ThreadOwner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.owners[threadID]
	if !ok {
		return ThreadOwner{}, false
	}
	if owner.expired(r.now()) {
		delete(r.owners, threadID)
		return ThreadOwner{}, false
	}
	return *owner, true
}

// ForceRelease unconditionally removes a thread's ownership record.
// Administrative override; returns true if an entry existed.
func (r *Registry) ForceRelease(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.owners[threadID]; !ok {
		return false
	}
	delete(r.owners, threadID)
	return true
}

// GC sweeps all expired entries and returns how many were removed.
func (r *Registry) GC() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gcLocked(r.now())
}

// List returns a snapshot of all live ownership records.
func (r *Registry) List() []ThreadOwner {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]ThreadOwner, 0, len(r.owners))
	for _, owner := range r.owners {
		if !owner.expired(now) {
			out = append(out, *owner)
		}
	}
	return out
}

// Len returns the number of tracked records, expired entries included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.owners)
}

func (r *Registry) gcLocked(now time.Time) int {
	removed := 0
	for id, owner := range r.owners {
		if owner.expired(now) {
			delete(r.owners, id)
			removed++
		}
	}
	return removed
}

// ShouldHandle is the single call dispatch sites use to decide whether this
// instance processes a message or yields to the thread's owner: true for
// Claimed and AlreadyOwned, false for Contested.
func ShouldHandle(r *Registry, threadID, agentID string, ttl time.Duration) bool {
	return r.Claim(threadID, agentID, ttl).Status != Contested
}
