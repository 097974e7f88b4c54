package crdt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func encodeEntries(t *testing.T, entries ...AwarenessEntry) []byte {
	t.Helper()
	raw, err := msgpack.Marshal(entries)
	require.NoError(t, err)
	return raw
}

func TestAwareness_ApplyClockOrdering(t *testing.T) {
	a := NewAwareness()

	changed, err := a.Apply(encodeEntries(t, AwarenessEntry{ClientID: 7, Clock: 2, State: []byte("bob")}))
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, changed)

	// an older clock is ignored
	changed, err = a.Apply(encodeEntries(t, AwarenessEntry{ClientID: 7, Clock: 1, State: []byte("stale")}))
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, []byte("bob"), a.States()[7])

	changed, err = a.Apply(encodeEntries(t, AwarenessEntry{ClientID: 7, Clock: 3, State: []byte("bob typing")}))
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, changed)
	assert.Equal(t, []byte("bob typing"), a.States()[7])
}

func TestAwareness_RemovalWinsTie(t *testing.T) {
	a := NewAwareness()
	_, err := a.Apply(encodeEntries(t, AwarenessEntry{ClientID: 1, Clock: 4, State: []byte("x")}))
	require.NoError(t, err)

	changed, err := a.Apply(encodeEntries(t, AwarenessEntry{ClientID: 1, Clock: 4}))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, changed)
	assert.Equal(t, 0, a.Len())

	// the same clock cannot bring it back
	changed, err = a.Apply(encodeEntries(t, AwarenessEntry{ClientID: 1, Clock: 4, State: []byte("x")}))
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, 0, a.Len())
}

func TestAwareness_ApplyMalformed(t *testing.T) {
	a := NewAwareness()
	_, err := a.Apply([]byte{0xc1})
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestAwareness_EncodeRoundTrip(t *testing.T) {
	a := NewAwareness()
	a.SetLocal(20, []byte("second"))
	a.SetLocal(10, []byte("first"))

	raw, err := a.Encode()
	require.NoError(t, err)

	var entries []AwarenessEntry
	require.NoError(t, msgpack.Unmarshal(raw, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(10), entries[0].ClientID)
	assert.Equal(t, uint64(20), entries[1].ClientID)

	b := NewAwareness()
	changed, err := b.Apply(raw)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{10, 20}, changed)
	assert.Equal(t, a.States(), b.States())
}

func TestAwareness_SetLocalNilRemoves(t *testing.T) {
	local := NewAwareness()
	remote := NewAwareness()

	local.SetLocal(5, []byte("here"))
	raw, err := local.Encode(5)
	require.NoError(t, err)
	_, err = remote.Apply(raw)
	require.NoError(t, err)
	require.Equal(t, 1, remote.Len())

	local.SetLocal(5, nil)
	raw, err = local.Encode(5)
	require.NoError(t, err)
	changed, err := remote.Apply(raw)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, changed)
	assert.Equal(t, 0, remote.Len())
}

func TestAwareness_Remove(t *testing.T) {
	a := NewAwareness()
	a.SetLocal(1, []byte("a"))
	a.SetLocal(2, []byte("b"))

	removed, update, err := a.Remove(1, 99)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, removed)
	require.NotNil(t, update)

	var entries []AwarenessEntry
	require.NoError(t, msgpack.Unmarshal(update, &entries))
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].State)
	assert.Equal(t, uint32(2), entries[0].Clock)

	removed, update, err = a.Remove(1)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Nil(t, update)
}

func TestAwareness_Expire(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a := NewAwareness()
	a.now = func() time.Time { return now }

	a.SetLocal(1, []byte("old"))
	now = now.Add(20 * time.Second)
	a.SetLocal(2, []byte("fresh"))
	now = now.Add(15 * time.Second)

	removed, update, err := a.Expire(30 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, removed)
	assert.NotNil(t, update)
	assert.Equal(t, map[uint64][]byte{2: []byte("fresh")}, a.States())

	removed, _, err = a.Expire(30 * time.Second)
	require.NoError(t, err)
	assert.Empty(t, removed)
}
