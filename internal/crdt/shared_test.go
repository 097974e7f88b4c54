package crdt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type observedUpdate struct {
	update []byte
	origin any
}

func TestSharedState_ApplyUpdateNotifiesObservers(t *testing.T) {
	state := NewSharedState(NewAutomergeDoc(), nil)

	var seen []observedUpdate
	state.OnUpdate(func(update []byte, origin any) {
		seen = append(seen, observedUpdate{update: update, origin: origin})
	})

	source := NewAutomergeDoc()
	update, err := source.InsertText("content", 0, "a")
	require.NoError(t, err)

	require.NoError(t, state.ApplyUpdate(update, "peer-a"))
	require.Len(t, seen, 1)
	assert.Equal(t, "peer-a", seen[0].origin)

	replica := NewAutomergeDoc()
	require.NoError(t, replica.ApplyUpdate(seen[0].update))
	text, err := replica.Text("content")
	require.NoError(t, err)
	assert.Equal(t, "a", text)

	// a duplicate changes nothing and notifies nobody
	require.NoError(t, state.ApplyUpdate(update, "peer-b"))
	assert.Len(t, seen, 1)
}

func TestSharedState_ObserversSeeApplyOrder(t *testing.T) {
	state := NewSharedState(NewAutomergeDoc(), nil)
	replica := NewAutomergeDoc()
	state.OnUpdate(func(update []byte, _ any) {
		require.NoError(t, replica.ApplyUpdate(update))
	})

	source := NewAutomergeDoc()
	u1, err := source.InsertText("content", 0, "a")
	require.NoError(t, err)
	u2, err := source.InsertText("content", 1, "b")
	require.NoError(t, err)

	require.NoError(t, state.ApplyUpdate(u1, nil))
	require.NoError(t, state.ApplyUpdate(u2, nil))

	text, err := replica.Text("content")
	require.NoError(t, err)
	assert.Equal(t, "ab", text)
}

func TestSharedState_MalformedUpdateLeavesStateUntouched(t *testing.T) {
	state := NewSharedState(NewAutomergeDoc(), nil)
	notified := false
	state.OnUpdate(func([]byte, any) { notified = true })

	before := state.EncodeStateVector()
	err := state.ApplyUpdate([]byte("garbage"), nil)
	require.ErrorIs(t, err, ErrMalformedUpdate)

	assert.False(t, notified)
	assert.Equal(t, before, state.EncodeStateVector())
}

func TestSharedState_Join(t *testing.T) {
	doc := NewAutomergeDoc()
	_, err := doc.InsertText("content", 0, "x")
	require.NoError(t, err)

	aw := NewAwareness()
	aw.SetLocal(3, []byte("carol"))
	state := NewSharedState(doc, aw)

	var gotVector, gotAwareness []byte
	require.NoError(t, state.Join(func(stateVector, awareness []byte) {
		gotVector = stateVector
		gotAwareness = awareness
	}))

	assert.Equal(t, doc.EncodeStateVector(), gotVector)
	require.NotNil(t, gotAwareness)

	other := NewAwareness()
	_, err = other.Apply(gotAwareness)
	require.NoError(t, err)
	assert.Equal(t, []byte("carol"), other.States()[3])
}

func TestSharedState_JoinWithoutAwareness(t *testing.T) {
	state := NewSharedState(NewAutomergeDoc(), nil)

	called := false
	require.NoError(t, state.Join(func(stateVector, awareness []byte) {
		called = true
		assert.Empty(t, stateVector)
		assert.Nil(t, awareness)
	}))
	assert.True(t, called)
}

func TestSharedState_AwarenessObservers(t *testing.T) {
	state := NewSharedState(NewAutomergeDoc(), nil)

	var changes [][]uint64
	var origins []any
	state.OnAwarenessChange(func(changed []uint64, update []byte, origin any) {
		changes = append(changes, changed)
		origins = append(origins, origin)
	})

	peer := NewAwareness()
	peer.SetLocal(9, []byte("dave"))
	raw, err := peer.Encode()
	require.NoError(t, err)

	changed, err := state.ApplyAwareness(raw, "peer")
	require.NoError(t, err)
	assert.Equal(t, []uint64{9}, changed)

	// same clock again is not a change
	changed, err = state.ApplyAwareness(raw, "peer")
	require.NoError(t, err)
	assert.Empty(t, changed)

	require.NoError(t, state.RemoveAwareness([]uint64{9}, "peer"))
	require.NoError(t, state.RemoveAwareness([]uint64{9}, "peer"))

	assert.Equal(t, [][]uint64{{9}, {9}}, changes)
	assert.Equal(t, []any{"peer", "peer"}, origins)
	assert.Equal(t, 0, state.Awareness().Len())
}

func TestSharedState_ExpireAwareness(t *testing.T) {
	now := time.Unix(1700000000, 0)
	aw := NewAwareness()
	aw.now = func() time.Time { return now }
	aw.SetLocal(1, []byte("idle"))

	state := NewSharedState(NewAutomergeDoc(), aw)
	var expired []uint64
	state.OnAwarenessChange(func(changed []uint64, _ []byte, origin any) {
		assert.Nil(t, origin)
		expired = append(expired, changed...)
	})

	now = now.Add(time.Minute)
	removed, err := state.ExpireAwareness(30 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, removed)
	assert.Equal(t, []uint64{1}, expired)
}

type vectorOnlyDoc struct{}

func (vectorOnlyDoc) ApplyUpdate([]byte) error               { return nil }
func (vectorOnlyDoc) EncodeStateVector() []byte              { return nil }
func (vectorOnlyDoc) EncodeDiffSince([]byte) ([]byte, error) { return nil, nil }

func TestSharedState_Snapshot(t *testing.T) {
	doc := NewAutomergeDoc()
	_, err := doc.InsertText("content", 0, "saved")
	require.NoError(t, err)

	snap, ok := NewSharedState(doc, nil).Snapshot()
	require.True(t, ok)
	restored, err := LoadAutomergeDoc(snap)
	require.NoError(t, err)
	text, err := restored.Text("content")
	require.NoError(t, err)
	assert.Equal(t, "saved", text)

	_, ok = NewSharedState(vectorOnlyDoc{}, nil).Snapshot()
	assert.False(t, ok)
}
