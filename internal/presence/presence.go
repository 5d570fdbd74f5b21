// Package presence tracks the ephemeral per-peer state of an editing session
// and derives soft locks from it.
//
// Nothing here is persisted. A transport delivers remote states through
// ApplyRemote and clears them through Remove when a peer disconnects.
package presence

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// State is the presence of one peer. FocusTime is in unix milliseconds.
type State struct {
	ClientID     uint64         `json:"id"`
	User         *User          `json:"user,omitempty"`
	FocusingNode string         `json:"focusingNode,omitempty"`
	FocusTime    int64          `json:"focusTime,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
}

func (s State) clone() State {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	if s.Fields != nil {
		fields := make(map[string]any, len(s.Fields))
		for k, v := range s.Fields {
			fields[k] = v
		}
		s.Fields = fields
	}
	return s
}

// Patch is a partial state. Nil fields are left as they are; Fields entries
// with a nil value are deleted.
type Patch struct {
	User         *User
	FocusingNode *string
	FocusTime    *int64
	Fields       map[string]any
}

// Broadcaster ships the local state to other peers. A nil state announces
// that the peer left.
type Broadcaster interface {
	Broadcast(clientID uint64, state *State) error
}

type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

type Options struct {
	Broadcaster Broadcaster
	Logger      *zap.SugaredLogger
	Now         func() time.Time
}

type Awareness struct {
	mu        sync.RWMutex
	clientID  uint64
	local     *State
	remote    map[uint64]State
	bc        Broadcaster
	log       *zap.SugaredLogger
	now       func() time.Time
	listeners map[int]func(Change)
	nextID    int
}

func New(clientID uint64, opts Options) *Awareness {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Awareness{
		clientID:  clientID,
		remote:    make(map[uint64]State),
		bc:        opts.Broadcaster,
		log:       opts.Logger,
		now:       opts.Now,
		listeners: make(map[int]func(Change)),
	}
}

func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

// SetBroadcaster attaches a transport after construction.
func (a *Awareness) SetBroadcaster(bc Broadcaster) {
	a.mu.Lock()
	a.bc = bc
	a.mu.Unlock()
}

// SetState merges p into the local state and broadcasts the result.
func (a *Awareness) SetState(p Patch) State {
	a.mu.Lock()
	next := State{ClientID: a.clientID}
	if a.local != nil {
		next = a.local.clone()
	}
	if p.User != nil {
		u := *p.User
		next.User = &u
	}
	if p.FocusingNode != nil {
		next.FocusingNode = *p.FocusingNode
	}
	if p.FocusTime != nil {
		next.FocusTime = *p.FocusTime
	}
	for k, v := range p.Fields {
		if v == nil {
			delete(next.Fields, k)
			continue
		}
		if next.Fields == nil {
			next.Fields = make(map[string]any)
		}
		next.Fields[k] = v
	}
	a.local = &next
	bc := a.bc
	a.mu.Unlock()

	a.broadcast(bc, &next)
	return next.clone()
}

// Focus marks nodeID as focused by the local peer from now on.
func (a *Awareness) Focus(nodeID string) State {
	at := a.now().UnixMilli()
	return a.SetState(Patch{FocusingNode: &nodeID, FocusTime: &at})
}

func (a *Awareness) Blur() State {
	none := ""
	var zero int64
	return a.SetState(Patch{FocusingNode: &none, FocusTime: &zero})
}

// State returns the local state, if one was set.
func (a *Awareness) State() (State, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.local == nil {
		return State{}, false
	}
	return a.local.clone(), true
}

// ApplyRemote records the state of another peer. A nil state removes it.
// States that claim the local client id are ignored.
func (a *Awareness) ApplyRemote(clientID uint64, state *State) {
	if clientID == a.clientID {
		return
	}
	if state == nil {
		a.Remove(clientID)
		return
	}
	next := state.clone()
	next.ClientID = clientID

	a.mu.Lock()
	_, known := a.remote[clientID]
	a.remote[clientID] = next
	a.mu.Unlock()

	if known {
		a.notify(Change{Updated: []uint64{clientID}})
	} else {
		a.notify(Change{Added: []uint64{clientID}})
	}
}

func (a *Awareness) Remove(clientID uint64) {
	a.mu.Lock()
	_, known := a.remote[clientID]
	delete(a.remote, clientID)
	a.mu.Unlock()
	if known {
		a.notify(Change{Removed: []uint64{clientID}})
	}
}

// RemoteStates returns the states of the other peers by client id.
func (a *Awareness) RemoteStates() map[uint64]State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[uint64]State, len(a.remote))
	for id, s := range a.remote {
		out[id] = s.clone()
	}
	return out
}

// RemoteStatesInArray returns the remote states ordered by client id.
func (a *Awareness) RemoteStatesInArray() []State {
	states := a.RemoteStates()
	out := make([]State, 0, len(states))
	for _, s := range states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// IsLocked reports whether nodeID is locked against the local peer.
func (a *Awareness) IsLocked(nodeID string) bool {
	_, ok := a.LockedBy(nodeID)
	return ok
}

// LockedBy returns the peer holding nodeID. Another peer focusing the node
// holds it unless the local peer focused it strictly earlier. Among several
// holders the earliest focus is returned.
func (a *Awareness) LockedBy(nodeID string) (State, bool) {
	if nodeID == "" {
		return State{}, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	var holder *State
	for id := range a.remote {
		s := a.remote[id]
		if s.FocusingNode != nodeID {
			continue
		}
		if a.local != nil && a.local.FocusingNode == nodeID && a.local.FocusTime <= s.FocusTime {
			continue
		}
		if holder == nil || s.FocusTime < holder.FocusTime ||
			(s.FocusTime == holder.FocusTime && s.ClientID < holder.ClientID) {
			holder = &s
		}
	}
	if holder == nil {
		return State{}, false
	}
	return holder.clone(), true
}

// OnChange registers fn for remote state changes and returns its
// unsubscribe function.
func (a *Awareness) OnChange(fn func(Change)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

// Destroy clears the local state and announces the departure.
func (a *Awareness) Destroy() {
	a.mu.Lock()
	a.local = nil
	bc := a.bc
	a.mu.Unlock()
	a.broadcast(bc, nil)
}

func (a *Awareness) broadcast(bc Broadcaster, state *State) {
	if bc == nil {
		return
	}
	if err := bc.Broadcast(a.clientID, state); err != nil {
		a.log.Warnw("presence broadcast failed", "client", a.clientID, "error", err)
	}
}

func (a *Awareness) notify(c Change) {
	a.mu.RLock()
	fns := make([]func(Change), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}
