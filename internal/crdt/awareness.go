package crdt

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// AwarenessEntry is one peer's presence record on the wire.
// A nil State marks the entry as removed.
type AwarenessEntry struct {
	ClientID uint64 `msgpack:"id"`
	Clock    uint32 `msgpack:"clock"`
	State    []byte `msgpack:"state"`
}

type awarenessMeta struct {
	clock       uint32
	lastUpdated time.Time
}

// Awareness holds ephemeral per-client presence (cursor, user name, ...).
// Entries are keyed by client id and ordered by a per-client clock.
type Awareness struct {
	mu     sync.RWMutex
	states map[uint64][]byte
	meta   map[uint64]awarenessMeta
	now    func() time.Time
}

// NewAwareness creates an empty awareness set
func NewAwareness() *Awareness {
	return &Awareness{
		states: make(map[uint64][]byte),
		meta:   make(map[uint64]awarenessMeta),
		now:    time.Now,
	}
}

// Apply merges an encoded awareness update and returns the ids of the clients
// whose entry was added, updated or removed.
func (a *Awareness) Apply(update []byte) ([]uint64, error) {
	var entries []AwarenessEntry
	if err := msgpack.Unmarshal(update, &entries); err != nil {
		return nil, fmt.Errorf("%w: awareness: %v", ErrMalformedUpdate, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	changed := make([]uint64, 0, len(entries))
	for _, e := range entries {
		m, known := a.meta[e.ClientID]
		_, present := a.states[e.ClientID]

		// removal wins a tie so a peer leaving is never resurrected
		newer := !known || e.Clock > m.clock || (e.Clock == m.clock && e.State == nil && present)
		if !newer {
			continue
		}

		a.meta[e.ClientID] = awarenessMeta{clock: e.Clock, lastUpdated: now}
		if e.State == nil {
			if present {
				delete(a.states, e.ClientID)
				changed = append(changed, e.ClientID)
			}
			continue
		}
		a.states[e.ClientID] = e.State
		changed = append(changed, e.ClientID)
	}
	return changed, nil
}

// SetLocal sets the state for clientID, bumping its clock.
// A nil state removes the entry.
func (a *Awareness) SetLocal(clientID uint64, state []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.meta[clientID]
	a.meta[clientID] = awarenessMeta{clock: m.clock + 1, lastUpdated: a.now()}
	if state == nil {
		delete(a.states, clientID)
		return
	}
	a.states[clientID] = state
}

// Remove drops the given clients and returns an update announcing the removal.
// Clients without a live entry are ignored.
func (a *Awareness) Remove(ids ...uint64) ([]uint64, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.removeLocked(ids)
}

// Expire removes entries that have not been renewed within timeout.
func (a *Awareness) Expire(timeout time.Duration) ([]uint64, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-timeout)
	var stale []uint64
	for _, id := range a.clientIDsLocked() {
		if a.meta[id].lastUpdated.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return a.removeLocked(stale)
}

func (a *Awareness) removeLocked(ids []uint64) ([]uint64, []byte, error) {
	now := a.now()
	removed := make([]uint64, 0, len(ids))
	entries := make([]AwarenessEntry, 0, len(ids))
	for _, id := range ids {
		if _, ok := a.states[id]; !ok {
			continue
		}
		m := a.meta[id]
		m.clock++
		m.lastUpdated = now
		a.meta[id] = m
		delete(a.states, id)
		removed = append(removed, id)
		entries = append(entries, AwarenessEntry{ClientID: id, Clock: m.clock})
	}
	if len(removed) == 0 {
		return nil, nil, nil
	}

	raw, err := msgpack.Marshal(entries)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode awareness: %w", err)
	}
	return removed, raw, nil
}

// Encode encodes the entries for ids, or every live entry when ids is empty.
// Ids without an entry are encoded as removals.
func (a *Awareness) Encode(ids ...uint64) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(ids) == 0 {
		ids = a.clientIDsLocked()
	}

	entries := make([]AwarenessEntry, 0, len(ids))
	for _, id := range ids {
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		entries = append(entries, AwarenessEntry{ClientID: id, Clock: m.clock, State: a.states[id]})
	}

	raw, err := msgpack.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode awareness: %w", err)
	}
	return raw, nil
}

// States returns a copy of every live entry
func (a *Awareness) States() map[uint64][]byte {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[uint64][]byte, len(a.states))
	for id, s := range a.states {
		out[id] = s
	}
	return out
}

// Len returns the number of live entries
func (a *Awareness) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return len(a.states)
}

func (a *Awareness) clientIDsLocked() []uint64 {
	ids := make([]uint64, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
