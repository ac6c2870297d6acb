// Package document provides a small last-writer-wins replicated map and a
// presence store. They satisfy the sync engine's collaborator interfaces and
// give the daemon and tests a concrete CRDT to move around.
package document

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"hearthsync/events"
)

// ErrMalformedUpdate is returned for updates or state vectors that do not decode.
var ErrMalformedUpdate = errors.New("document: malformed update")

// op is one keyed write. Ops from a client carry consecutive sequence numbers
// starting at 1; the (Lamport, Client) pair orders concurrent writes to a key.
type op struct {
	Client  uint64          `json:"c"`
	Seq     uint64          `json:"s"`
	Lamport uint64          `json:"l"`
	Key     string          `json:"k"`
	Value   json.RawMessage `json:"v,omitempty"`
	Deleted bool            `json:"d,omitempty"`
}

func (o op) beats(other op) bool {
	if o.Lamport != other.Lamport {
		return o.Lamport > other.Lamport
	}
	return o.Client > other.Client
}

type updatePayload struct {
	Ops []op `json:"ops"`
}

// UpdateEvent reports ops integrated into the document.
type UpdateEvent struct {
	Update []byte
	Origin any
}

// Doc is a replicated map of JSON values.
type Doc struct {
	clientID uint64

	mu      sync.Mutex
	clock   uint64
	ops     map[uint64][]op
	pending map[uint64]map[uint64]op
	entries map[string]op

	updates events.Feed[UpdateEvent]
}

// New returns an empty document with a random client id.
func New() *Doc {
	var raw [8]byte
	_, _ = rand.Read(raw[:])
	return NewWithClientID(binary.BigEndian.Uint64(raw[:]) >> 1)
}

// NewWithClientID returns an empty document writing as clientID.
func NewWithClientID(clientID uint64) *Doc {
	return &Doc{
		clientID: clientID,
		ops:      make(map[uint64][]op),
		pending:  make(map[uint64]map[uint64]op),
		entries:  make(map[string]op),
	}
}

// ClientID returns the id local writes are attributed to.
func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// Set writes value under key. origin is passed through to update listeners.
func (d *Doc) Set(key string, value any, origin any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %q: %w", key, err)
	}
	d.local(op{Key: key, Value: raw}, origin)
	return nil
}

// Delete removes key.
func (d *Doc) Delete(key string, origin any) {
	d.local(op{Key: key, Deleted: true}, origin)
}

// Get decodes the current value of key into out. It reports false when the
// key is absent or deleted.
func (d *Doc) Get(key string, out any) (bool, error) {
	d.mu.Lock()
	entry, ok := d.entries[key]
	d.mu.Unlock()
	if !ok || entry.Deleted {
		return false, nil
	}
	if err := json.Unmarshal(entry.Value, out); err != nil {
		return true, fmt.Errorf("decode value for %q: %w", key, err)
	}
	return true, nil
}

// Keys returns the live keys in sorted order.
func (d *Doc) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.entries))
	for key, entry := range d.entries {
		if !entry.Deleted {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// OnUpdate subscribes to integrated updates.
func (d *Doc) OnUpdate(fn func(update []byte, origin any)) (unsubscribe func()) {
	return d.updates.Subscribe(func(e UpdateEvent) { fn(e.Update, e.Origin) })
}

// ListenerCount returns the number of update listeners.
func (d *Doc) ListenerCount() int {
	return d.updates.Len()
}

// EncodeStateVector returns the highest contiguous sequence seen per client.
func (d *Doc) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	vector := make(map[string]uint64, len(d.ops))
	for client, ops := range d.ops {
		vector[strconv.FormatUint(client, 10)] = uint64(len(ops))
	}
	raw, _ := json.Marshal(vector)
	return raw
}

// EncodeStateAsUpdate returns every op the holder of stateVector is missing.
// An empty vector yields the whole document.
func (d *Doc) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	known, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	var missing []op
	for client, ops := range d.ops {
		have := known[client]
		if have < uint64(len(ops)) {
			missing = append(missing, ops[have:]...)
		}
	}
	d.mu.Unlock()

	return encodeOps(missing), nil
}

// ApplyUpdate integrates update. Ops already known are skipped; ops that arrive
// ahead of their predecessors wait until the gap is filled.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	var applied []op
	for _, o := range ops {
		applied = append(applied, d.integrateLocked(o)...)
	}
	d.mu.Unlock()

	if len(applied) > 0 {
		d.updates.Dispatch(UpdateEvent{Update: encodeOps(applied), Origin: origin})
	}
	return nil
}

// MergeUpdates combines updates into one, dropping duplicates.
func (d *Doc) MergeUpdates(updates [][]byte) ([]byte, error) {
	seen := make(map[[2]uint64]op)
	for _, update := range updates {
		ops, err := decodeOps(update)
		if err != nil {
			return nil, err
		}
		for _, o := range ops {
			seen[[2]uint64{o.Client, o.Seq}] = o
		}
	}

	merged := make([]op, 0, len(seen))
	for _, o := range seen {
		merged = append(merged, o)
	}
	return encodeOps(merged), nil
}

func (d *Doc) local(o op, origin any) {
	d.mu.Lock()
	d.clock++
	o.Client = d.clientID
	o.Seq = uint64(len(d.ops[d.clientID])) + 1
	o.Lamport = d.clock
	applied := d.integrateLocked(o)
	d.mu.Unlock()

	d.updates.Dispatch(UpdateEvent{Update: encodeOps(applied), Origin: origin})
}

// integrateLocked applies o if it is next for its client, then drains any
// pending ops it unblocked. It returns everything applied.
func (d *Doc) integrateLocked(o op) []op {
	have := uint64(len(d.ops[o.Client]))
	switch {
	case o.Seq <= have:
		return nil
	case o.Seq > have+1:
		if d.pending[o.Client] == nil {
			d.pending[o.Client] = make(map[uint64]op)
		}
		d.pending[o.Client][o.Seq] = o
		return nil
	}

	var applied []op
	for {
		d.ops[o.Client] = append(d.ops[o.Client], o)
		if o.Lamport > d.clock {
			d.clock = o.Lamport
		}
		if current, ok := d.entries[o.Key]; !ok || o.beats(current) {
			d.entries[o.Key] = o
		}
		applied = append(applied, o)

		next, ok := d.pending[o.Client][o.Seq+1]
		if !ok {
			break
		}
		delete(d.pending[o.Client], o.Seq+1)
		o = next
	}
	if len(d.pending[o.Client]) == 0 {
		delete(d.pending, o.Client)
	}
	return applied
}

func decodeStateVector(raw []byte) (map[uint64]uint64, error) {
	known := make(map[uint64]uint64)
	if len(raw) == 0 {
		return known, nil
	}
	var vector map[string]uint64
	if err := json.Unmarshal(raw, &vector); err != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedUpdate, err)
	}
	for key, seq := range vector {
		client, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: state vector client %q", ErrMalformedUpdate, key)
		}
		known[client] = seq
	}
	return known, nil
}

func decodeOps(raw []byte) ([]op, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var payload updatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, o := range payload.Ops {
		if o.Seq == 0 {
			return nil, fmt.Errorf("%w: op without sequence", ErrMalformedUpdate)
		}
	}
	sortOps(payload.Ops)
	return payload.Ops, nil
}

// encodeOps is deterministic: equal op sets encode to equal bytes.
func encodeOps(ops []op) []byte {
	sorted := append(make([]op, 0, len(ops)), ops...)
	sortOps(sorted)
	raw, _ := json.Marshal(updatePayload{Ops: sorted})
	return raw
}

func sortOps(ops []op) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Client != ops[j].Client {
			return ops[i].Client < ops[j].Client
		}
		return ops[i].Seq < ops[j].Seq
	})
}
