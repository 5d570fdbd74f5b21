package presence

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recorder struct {
	sent []*State
	err  error
}

func (r *recorder) Broadcast(clientID uint64, state *State) error {
	r.sent = append(r.sent, state)
	return r.err
}

func clockAt(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestLockTieBreakEarliestFocusWins(t *testing.T) {
	a := New(1, Options{Now: clockAt(100)})
	b := New(2, Options{Now: clockAt(150)})

	sa := a.Focus("x")
	sb := b.Focus("x")
	a.ApplyRemote(2, &sb)
	b.ApplyRemote(1, &sa)

	assert.True(t, b.IsLocked("x"))
	holder, ok := b.LockedBy("x")
	require.True(t, ok)
	assert.Equal(t, uint64(1), holder.ClientID)

	assert.False(t, a.IsLocked("x"))
	assert.False(t, a.IsLocked("y"))
}

func TestLockWithoutLocalFocus(t *testing.T) {
	a := New(1, Options{})
	a.ApplyRemote(2, &State{FocusingNode: "x", FocusTime: 300})
	assert.True(t, a.IsLocked("x"))

	a.ApplyRemote(2, &State{FocusingNode: "y", FocusTime: 400})
	assert.False(t, a.IsLocked("x"))
	assert.True(t, a.IsLocked("y"))

	a.Remove(2)
	assert.False(t, a.IsLocked("y"))
	assert.False(t, a.IsLocked(""))
}

func TestEqualFocusTimeIsNotLocked(t *testing.T) {
	a := New(1, Options{Now: clockAt(100)})
	a.Focus("x")
	a.ApplyRemote(2, &State{FocusingNode: "x", FocusTime: 100})
	assert.False(t, a.IsLocked("x"))
}

func TestSetStateMergesAndBroadcasts(t *testing.T) {
	rec := &recorder{}
	a := New(7, Options{Broadcaster: rec, Now: clockAt(42)})

	a.SetState(Patch{User: &User{ID: "u1", Name: "Ada"}, Fields: map[string]any{"color": "red"}})
	state := a.Focus("n1")
	assert.Equal(t, uint64(7), state.ClientID)
	assert.Equal(t, "Ada", state.User.Name)
	assert.Equal(t, "n1", state.FocusingNode)
	assert.Equal(t, int64(42), state.FocusTime)
	assert.Equal(t, "red", state.Fields["color"])

	state = a.SetState(Patch{Fields: map[string]any{"color": nil}})
	assert.Empty(t, state.Fields)
	assert.Equal(t, "n1", state.FocusingNode)

	state = a.Blur()
	assert.Empty(t, state.FocusingNode)

	require.Len(t, rec.sent, 4)
	assert.Equal(t, "n1", rec.sent[1].FocusingNode)

	a.Destroy()
	require.Len(t, rec.sent, 5)
	assert.Nil(t, rec.sent[4])
	_, ok := a.State()
	assert.False(t, ok)
}

func TestBroadcastFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	a := New(1, Options{Broadcaster: &recorder{err: errors.New("offline")}, Logger: zap.New(core).Sugar()})
	a.Focus("x")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "presence broadcast failed", logs.All()[0].Message)
}

func TestRemoteStatesAndChanges(t *testing.T) {
	a := New(1, Options{})
	var changes []Change
	off := a.OnChange(func(c Change) { changes = append(changes, c) })

	a.ApplyRemote(3, &State{FocusingNode: "a"})
	a.ApplyRemote(2, &State{})
	a.ApplyRemote(3, &State{FocusingNode: "b"})
	a.ApplyRemote(1, &State{FocusingNode: "self"})
	a.ApplyRemote(2, nil)
	a.Remove(9)

	assert.Equal(t, []Change{
		{Added: []uint64{3}},
		{Added: []uint64{2}},
		{Updated: []uint64{3}},
		{Removed: []uint64{2}},
	}, changes)

	states := a.RemoteStatesInArray()
	require.Len(t, states, 1)
	assert.Equal(t, uint64(3), states[0].ClientID)
	assert.Equal(t, "b", states[0].FocusingNode)

	off()
	a.ApplyRemote(4, &State{})
	assert.Len(t, changes, 4)
	assert.Len(t, a.RemoteStates(), 2)
}
