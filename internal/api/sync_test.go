package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"pitch-relay/internal/crdt"
	"pitch-relay/internal/models"
	"pitch-relay/internal/syncclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 3 * time.Second

func dial(t *testing.T, relay *relayHarness) *syncclient.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()

	c, err := syncclient.Dial(ctx, relay.syncURL(), crdt.NewAutomergeDoc(), syncclient.Options{})
	require.NoError(t, err)
	t.Cleanup(c.Drop)

	select {
	case <-c.Synced():
	case <-time.After(eventually):
		t.Fatal("client never synced")
	}
	return c
}

func textOf(c *syncclient.Client) string {
	text, err := c.Text("content")
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return text
}

func TestSync_LateJoinerAndDroppedPeer(t *testing.T) {
	relay := newRelay(t, nil)

	x := dial(t, relay)
	require.NoError(t, x.InsertText("content", 0, "a"))

	y := dial(t, relay)
	require.Eventually(t, func() bool { return textOf(y) == "a" }, eventually, 10*time.Millisecond)

	require.NoError(t, x.InsertText("content", 1, "b"))
	require.Eventually(t, func() bool { return textOf(y) == "ab" }, eventually, 10*time.Millisecond)

	x.Drop()
	require.Eventually(t, func() bool { return relay.group.Len() == 1 }, eventually, 10*time.Millisecond)

	// the remaining peer is unaffected
	require.NoError(t, y.AppendText("content", "c"))
	z := dial(t, relay)
	require.Eventually(t, func() bool { return textOf(z) == "abc" }, eventually, 10*time.Millisecond)
	assert.Equal(t, "abc", textOf(y))
}

func TestSync_ConcurrentEditsConverge(t *testing.T) {
	relay := newRelay(t, nil)

	clients := []*syncclient.Client{dial(t, relay), dial(t, relay), dial(t, relay)}
	for i, c := range clients {
		go func() {
			for j := range 5 {
				_ = c.AppendText("content", fmt.Sprintf("%d%d", i, j))
			}
		}()
	}

	require.Eventually(t, func() bool {
		first := textOf(clients[0])
		if len(first) != 30 {
			return false
		}
		for _, c := range clients[1:] {
			if textOf(c) != first {
				return false
			}
		}
		return true
	}, eventually, 20*time.Millisecond)

	stateText, err := relay.group.State().Document().(*crdt.AutomergeDoc).Text("content")
	require.NoError(t, err)
	assert.Equal(t, textOf(clients[0]), stateText)
}

func TestSync_AwarenessFollowsConnection(t *testing.T) {
	relay := newRelay(t, nil)

	x := dial(t, relay)
	y := dial(t, relay)

	require.NoError(t, x.SetAwareness([]byte("xavier")))
	require.Eventually(t, func() bool {
		return string(y.Awareness()[x.ClientID()]) == "xavier"
	}, eventually, 10*time.Millisecond)

	// a late joiner receives the current presence with its first frames
	z := dial(t, relay)
	require.Eventually(t, func() bool {
		return string(z.Awareness()[x.ClientID()]) == "xavier"
	}, eventually, 10*time.Millisecond)

	x.Drop()
	require.Eventually(t, func() bool {
		_, ok := y.Awareness()[x.ClientID()]
		return !ok
	}, eventually, 10*time.Millisecond)
}

func TestSync_GracefulClose(t *testing.T) {
	relay := newRelay(t, nil)

	x := dial(t, relay)
	require.Eventually(t, func() bool { return relay.group.Len() == 1 }, eventually, 10*time.Millisecond)

	var peers struct {
		Peers []models.PeerInfo `json:"peers"`
	}
	getJSON(t, relay.srv.URL+"/api/peers", http.StatusOK, &peers)
	require.Len(t, peers.Peers, 1)

	require.NoError(t, x.Close())
	require.Eventually(t, func() bool { return relay.group.Len() == 0 }, eventually, 10*time.Millisecond)
}

func TestSync_ShutdownDisconnectsPeers(t *testing.T) {
	relay := newRelay(t, nil)
	x := dial(t, relay)

	relay.group.Shutdown()

	select {
	case <-x.Done():
	case <-time.After(eventually):
		t.Fatal("client was not disconnected")
	}
}
