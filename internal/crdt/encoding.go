package crdt

import (
	"encoding/json"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 26,
		MaxMapPairs:      1 << 26,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

type wireItem struct {
	Client  uint64 `cbor:"1,keyasint"`
	Clock   uint64 `cbor:"2,keyasint"`
	Lamport uint64 `cbor:"3,keyasint"`
	Root    string `cbor:"4,keyasint,omitempty"`
	Parent  *ID    `cbor:"5,keyasint,omitempty"`
	Key     string `cbor:"6,keyasint"`
	Kind    uint8  `cbor:"7,keyasint"`
	Value   []byte `cbor:"8,keyasint,omitempty"`
}

type deleteRange struct {
	Client uint64 `cbor:"1,keyasint"`
	Clock  uint64 `cbor:"2,keyasint"`
	Len    uint64 `cbor:"3,keyasint"`
}

type wireUpdate struct {
	Items   []wireItem    `cbor:"1,keyasint,omitempty"`
	Deletes []deleteRange `cbor:"2,keyasint,omitempty"`
}

// EncodeStateVector summarizes which operations d has integrated.
func EncodeStateVector(d *Doc) []byte {
	sv := make(map[uint64]uint64, len(d.state))
	for client, clock := range d.state {
		sv[client] = clock
	}
	return mustMarshal(sv)
}

// DecodeStateVector parses an encoded state vector. Empty input is the empty
// vector.
func DecodeStateVector(b []byte) (map[uint64]uint64, error) {
	sv := make(map[uint64]uint64)
	if len(b) == 0 {
		return sv, nil
	}
	if err := decMode.Unmarshal(b, &sv); err != nil {
		return nil, errors.Wrapf(ErrMalformedUpdate, "decode state vector: %v", err)
	}
	return sv, nil
}

// EncodeStateAsUpdate encodes every operation d has that the replica described
// by sv lacks. A nil sv encodes the whole document.
func EncodeStateAsUpdate(d *Doc, sv []byte) ([]byte, error) {
	known, err := DecodeStateVector(sv)
	if err != nil {
		return nil, err
	}
	var items []wireItem
	for client, list := range d.store {
		from := known[client]
		if from >= uint64(len(list)) {
			continue
		}
		items = append(items, toWireItems(list[from:])...)
	}
	for client, queue := range d.pending {
		for clock, w := range queue {
			if clock >= known[client] {
				items = append(items, *w)
			}
		}
	}

	var tombstones []ID
	for _, list := range d.store {
		for _, it := range list {
			if it.deleted {
				tombstones = append(tombstones, it.id)
			}
		}
	}
	deletes := append(idRanges(tombstones), d.pendingDeletes...)
	return encodeWire(items, deletes), nil
}

// ApplyUpdate integrates an encoded update into d in a remote transaction.
// Operations whose dependencies have not arrived yet are kept pending and
// integrated once they can be.
func ApplyUpdate(d *Doc, update []byte, origin any) error {
	u, err := decodeUpdate(update)
	if err != nil {
		return err
	}
	apply := func(tx *Transaction) {
		d.applyWire(tx, u)
	}
	if d.txn != nil {
		apply(d.txn)
		return nil
	}
	d.run(apply, origin, false)
	return nil
}

// MergeUpdates combines several updates into one equivalent update.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	seen := make(map[ID]struct{})
	var items []wireItem
	var deletes []deleteRange
	for _, raw := range updates {
		u, err := decodeUpdate(raw)
		if err != nil {
			return nil, err
		}
		for _, w := range u.Items {
			id := ID{Client: w.Client, Clock: w.Clock}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			items = append(items, w)
		}
		deletes = append(deletes, u.Deletes...)
	}
	return encodeWire(items, deletes), nil
}

// EncodeStateVectorFromUpdate computes the state vector a fresh document would
// have after applying update.
func EncodeStateVectorFromUpdate(update []byte) ([]byte, error) {
	u, err := decodeUpdate(update)
	if err != nil {
		return nil, err
	}
	clocks := make(map[uint64]map[uint64]struct{})
	for _, w := range u.Items {
		if clocks[w.Client] == nil {
			clocks[w.Client] = make(map[uint64]struct{})
		}
		clocks[w.Client][w.Clock] = struct{}{}
	}
	sv := make(map[uint64]uint64, len(clocks))
	for client, set := range clocks {
		var next uint64
		for {
			if _, ok := set[next]; !ok {
				break
			}
			next++
		}
		if next > 0 {
			sv[client] = next
		}
	}
	return mustMarshal(sv), nil
}

func (d *Doc) applyWire(tx *Transaction, u *wireUpdate) {
	for i := range u.Items {
		w := u.Items[i]
		if w.Clock < d.state[w.Client] {
			continue
		}
		queue := d.pending[w.Client]
		if queue == nil {
			queue = make(map[uint64]*wireItem)
			d.pending[w.Client] = queue
		}
		queue[w.Clock] = &w
	}
	for _, r := range u.Deletes {
		if r.Len > 0 {
			d.pendingDeletes = append(d.pendingDeletes, r)
		}
	}
	d.drainPending(tx)
}

func (d *Doc) drainPending(tx *Transaction) {
	for progress := true; progress; {
		progress = false
		clients := make([]uint64, 0, len(d.pending))
		for client := range d.pending {
			clients = append(clients, client)
		}
		sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

		for _, client := range clients {
			queue := d.pending[client]
			for {
				w, ok := queue[d.state[client]]
				if !ok {
					break
				}
				if w.Parent != nil && w.Parent.Clock >= d.state[w.Parent.Client] {
					break
				}
				delete(queue, w.Clock)
				d.integrate(tx, fromWire(w))
				progress = true
			}
			for clock := range queue {
				if clock < d.state[client] {
					delete(queue, clock)
				}
			}
			if len(queue) == 0 {
				delete(d.pending, client)
			}
		}
	}

	// Delete what has arrived; keep the part of each range past the
	// integrated clock for later.
	var keep []deleteRange
	for _, r := range mergeRanges(d.pendingDeletes) {
		end := r.Clock + r.Len
		present := uint64(len(d.store[r.Client]))
		for clock := r.Clock; clock < end && clock < present; clock++ {
			if it := d.getItem(ID{Client: r.Client, Clock: clock}); it != nil {
				d.deleteItem(tx, it)
			}
		}
		if end > present {
			start := max(r.Clock, present)
			keep = append(keep, deleteRange{Client: r.Client, Clock: start, Len: end - start})
		}
	}
	d.pendingDeletes = keep
}

func decodeUpdate(b []byte) (*wireUpdate, error) {
	u := &wireUpdate{}
	if len(b) == 0 {
		return u, nil
	}
	if err := decMode.Unmarshal(b, u); err != nil {
		return nil, errors.Wrapf(ErrMalformedUpdate, "decode update: %v", err)
	}
	for _, r := range u.Deletes {
		if r.Clock+r.Len < r.Clock {
			return nil, errors.Wrapf(ErrMalformedUpdate, "delete range %d:%d+%d overflows", r.Client, r.Clock, r.Len)
		}
	}
	for _, w := range u.Items {
		switch contentKind(w.Kind) {
		case contentAny:
			if !json.Valid(w.Value) {
				return nil, errors.Wrapf(ErrMalformedUpdate, "item %d:%d has an invalid value", w.Client, w.Clock)
			}
		case contentMap:
		default:
			return nil, errors.Wrapf(ErrMalformedUpdate, "item %d:%d has unknown content kind %d", w.Client, w.Clock, w.Kind)
		}
		if w.Parent == nil && w.Root == "" {
			return nil, errors.Wrapf(ErrMalformedUpdate, "item %d:%d has no parent", w.Client, w.Clock)
		}
	}
	return u, nil
}

func toWireItems(items []*item) []wireItem {
	out := make([]wireItem, 0, len(items))
	for _, it := range items {
		w := wireItem{
			Client:  it.id.Client,
			Clock:   it.id.Clock,
			Lamport: it.lamport,
			Root:    it.parent.root,
			Key:     it.key,
			Kind:    uint8(it.kind),
		}
		if it.parent.item != nil {
			parent := *it.parent.item
			w.Parent = &parent
		}
		if it.kind == contentAny {
			raw, err := json.Marshal(it.value)
			if err != nil {
				panic(errors.Wrapf(err, "encode item %s", it.id))
			}
			w.Value = raw
		}
		out = append(out, w)
	}
	return out
}

func fromWire(w *wireItem) *item {
	it := &item{
		id:      ID{Client: w.Client, Clock: w.Clock},
		lamport: w.Lamport,
		parent:  parentRef{root: w.Root},
		key:     w.Key,
		kind:    contentKind(w.Kind),
	}
	if w.Parent != nil {
		parent := *w.Parent
		it.parent = parentRef{item: &parent}
	}
	if it.kind == contentAny {
		_ = json.Unmarshal(w.Value, &it.value)
	}
	return it
}

func itemIDs(items []*item) []ID {
	ids := make([]ID, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.id)
	}
	return ids
}

func encodeWire(items []wireItem, deletes []deleteRange) []byte {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Client != items[j].Client {
			return items[i].Client < items[j].Client
		}
		return items[i].Clock < items[j].Clock
	})
	return mustMarshal(wireUpdate{Items: items, Deletes: mergeRanges(deletes)})
}

// idRanges turns single ids into one-operation ranges.
func idRanges(ids []ID) []deleteRange {
	out := make([]deleteRange, 0, len(ids))
	for _, id := range ids {
		out = append(out, deleteRange{Client: id.Client, Clock: id.Clock, Len: 1})
	}
	return out
}

// mergeRanges sorts ranges and joins the ones that overlap or touch. Empty
// ranges are dropped.
func mergeRanges(ranges []deleteRange) []deleteRange {
	sorted := make([]deleteRange, 0, len(ranges))
	for _, r := range ranges {
		if r.Len > 0 {
			sorted = append(sorted, r)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Client != sorted[j].Client {
			return sorted[i].Client < sorted[j].Client
		}
		return sorted[i].Clock < sorted[j].Clock
	})
	var out []deleteRange
	for _, r := range sorted {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Client == r.Client && r.Clock <= last.Clock+last.Len {
				last.Len = max(last.Clock+last.Len, r.Clock+r.Len) - last.Clock
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Client != ids[j].Client {
			return ids[i].Client < ids[j].Client
		}
		return ids[i].Clock < ids[j].Clock
	})
}

func mustMarshal(v any) []byte {
	b, err := encMode.Marshal(v)
	if err != nil {
		panic(errors.Wrap(err, "encode"))
	}
	return b
}
