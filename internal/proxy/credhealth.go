package proxy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/relay-gateway/internal/store"
)

// Ordering selects how a credential snapshot is ordered before the scan.
type Ordering string

const (
	// OrderByHealth tries the most recently successful credential first,
	// then the rest in store order, then credentials that failed within the
	// cooldown.
	OrderByHealth Ordering = "health"
	// OrderByStore keeps plain insertion order.
	OrderByStore Ordering = "store"
)

// DefaultFailureCooldown is how long a failure demotes a credential.
const DefaultFailureCooldown = 60 * time.Second

// credentialState holds the last outcome timestamps (unix nanos) for one
// credential. Both only ever move forward.
type credentialState struct {
	lastSuccess atomic.Int64
	lastFailure atomic.Int64
}

// CredentialHealth tracks per-credential outcomes across requests. Reads and
// writes are lock-free per credential; the map only locks on first sight of
// a new id. Ordering never removes a credential: every one is still tried.
type CredentialHealth struct {
	states   sync.Map // int64 -> *credentialState
	policy   Ordering
	cooldown time.Duration
	now      func() time.Time
}

// NewCredentialHealth creates a tracker. An empty or unknown policy falls
// back to OrderByStore; a negative cooldown to DefaultFailureCooldown.
func NewCredentialHealth(policy Ordering, cooldown time.Duration) *CredentialHealth {
	if policy != OrderByHealth {
		policy = OrderByStore
	}
	if cooldown < 0 {
		cooldown = DefaultFailureCooldown
	}
	return &CredentialHealth{
		policy:   policy,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Order returns the attempt order for creds. The input slice is not modified.
func (h *CredentialHealth) Order(creds []store.Credential) []store.Credential {
	out := make([]store.Credential, 0, len(creds))
	if h.policy == OrderByStore || len(creds) < 2 {
		return append(out, creds...)
	}

	now := h.now().UnixNano()

	best := -1
	var bestAt int64
	cooling := make([]bool, len(creds))
	for i, c := range creds {
		st := h.lookup(c.ID)
		if st == nil {
			continue
		}
		succ, fail := st.lastSuccess.Load(), st.lastFailure.Load()
		if fail > succ && now-fail < h.cooldown.Nanoseconds() {
			cooling[i] = true
			continue
		}
		if succ > bestAt {
			best, bestAt = i, succ
		}
	}

	if best >= 0 {
		out = append(out, creds[best])
	}
	for i, c := range creds {
		if i != best && !cooling[i] {
			out = append(out, c)
		}
	}
	for i, c := range creds {
		if cooling[i] {
			out = append(out, c)
		}
	}
	return out
}

// RecordSuccess marks a successful attempt with credential id.
func (h *CredentialHealth) RecordSuccess(id int64) {
	advance(&h.state(id).lastSuccess, h.now().UnixNano())
}

// RecordFailure marks a failed attempt with credential id.
func (h *CredentialHealth) RecordFailure(id int64) {
	advance(&h.state(id).lastFailure, h.now().UnixNano())
}

// Healthy reports whether id is outside its failure cooldown.
func (h *CredentialHealth) Healthy(id int64) bool {
	st := h.lookup(id)
	if st == nil {
		return true
	}
	succ, fail := st.lastSuccess.Load(), st.lastFailure.Load()
	return fail <= succ || h.now().UnixNano()-fail >= h.cooldown.Nanoseconds()
}

func (h *CredentialHealth) lookup(id int64) *credentialState {
	v, ok := h.states.Load(id)
	if !ok {
		return nil
	}
	return v.(*credentialState)
}

func (h *CredentialHealth) state(id int64) *credentialState {
	if st := h.lookup(id); st != nil {
		return st
	}
	v, _ := h.states.LoadOrStore(id, &credentialState{})
	return v.(*credentialState)
}

// advance stores ts in v unless v already holds a later value.
func advance(v *atomic.Int64, ts int64) {
	for {
		cur := v.Load()
		if ts <= cur || v.CompareAndSwap(cur, ts) {
			return
		}
	}
}
