package document

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"hearthsync/events"
	"hearthsync/models"
)

// awarenessEntry is one client's presence. A nil State marks the client as gone.
type awarenessEntry struct {
	Client uint64                 `json:"client"`
	Clock  uint64                 `json:"clock"`
	State  *models.AwarenessState `json:"state"`
}

type awarenessChange struct {
	clients []uint64
	origin  any
}

// Awareness holds ephemeral per-client presence. Entries are versioned by a
// per-client clock; higher clocks win.
type Awareness struct {
	clientID uint64
	now      func() time.Time

	mu     sync.Mutex
	states map[uint64]awarenessEntry

	changes events.Feed[awarenessChange]
}

// NewAwareness returns a presence store for clientID.
func NewAwareness(clientID uint64) *Awareness {
	return &Awareness{
		clientID: clientID,
		now:      time.Now,
		states:   make(map[uint64]awarenessEntry),
	}
}

// ClientID returns the local client id.
func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

// SetLocalState replaces the local presence. A nil state clears it.
func (a *Awareness) SetLocalState(state *models.AwarenessState) {
	a.mu.Lock()
	entry := a.states[a.clientID]
	entry.Client = a.clientID
	entry.Clock++
	if state != nil {
		copied := *state
		copied.LastSeen = a.now()
		entry.State = &copied
	} else {
		entry.State = nil
	}
	a.states[a.clientID] = entry
	a.mu.Unlock()

	a.changes.Dispatch(awarenessChange{clients: []uint64{a.clientID}})
}

// LocalState returns the local presence, if set.
func (a *Awareness) LocalState() (models.AwarenessState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.states[a.clientID]
	if !ok || entry.State == nil {
		return models.AwarenessState{}, false
	}
	return *entry.State, true
}

// States returns every known live presence keyed by client id.
func (a *Awareness) States() map[uint64]models.AwarenessState {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]models.AwarenessState, len(a.states))
	for client, entry := range a.states {
		if entry.State != nil {
			out[client] = *entry.State
		}
	}
	return out
}

// EncodeUpdate encodes the entries of clients. Nil clients encodes every entry.
func (a *Awareness) EncodeUpdate(clients []uint64) ([]byte, error) {
	a.mu.Lock()
	var entries []awarenessEntry
	if clients == nil {
		for _, entry := range a.states {
			entries = append(entries, entry)
		}
	} else {
		for _, client := range clients {
			if entry, ok := a.states[client]; ok {
				entries = append(entries, entry)
			}
		}
	}
	a.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Client < entries[j].Client })
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode awareness: %w", err)
	}
	return raw, nil
}

// ApplyUpdate merges a remote awareness update.
func (a *Awareness) ApplyUpdate(update []byte, origin any) error {
	var entries []awarenessEntry
	if err := json.Unmarshal(update, &entries); err != nil {
		return fmt.Errorf("%w: awareness: %v", ErrMalformedUpdate, err)
	}

	a.mu.Lock()
	var changed []uint64
	for _, entry := range entries {
		current, ok := a.states[entry.Client]
		// Remote peers may not overwrite our own presence.
		if entry.Client == a.clientID {
			continue
		}
		if ok && entry.Clock <= current.Clock {
			continue
		}
		a.states[entry.Client] = entry
		changed = append(changed, entry.Client)
	}
	a.mu.Unlock()

	if len(changed) > 0 {
		a.changes.Dispatch(awarenessChange{clients: changed, origin: origin})
	}
	return nil
}

// OnChange subscribes to changed client ids.
func (a *Awareness) OnChange(fn func(clients []uint64, origin any)) (unsubscribe func()) {
	return a.changes.Subscribe(func(c awarenessChange) { fn(c.clients, c.origin) })
}

// ListenerCount returns the number of change listeners.
func (a *Awareness) ListenerCount() int {
	return a.changes.Len()
}
