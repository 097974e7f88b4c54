package collaboration

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"pitch-relay/internal/crdt"
	"pitch-relay/internal/models"
	"pitch-relay/internal/protocol"
)

/*
LEARNING: BROADCAST GROUP

One group per process, bound to the single shared state.

  peer A frame → A.inbound → state.ApplyUpdate(origin=A)
               → update observer (still under the state lock)
               → append to every other subscription's backlog, in order
               → B.outbound, C.outbound → peers B, C

Fan-out never blocks: it runs under the state lock, and a wait there would
stall every peer. Overflow policy: a backlog that stays above Capacity for
SendTimeout disconnects that peer with ErrSlowPeer. A subscription that is
already stopping is skipped.
*/

var (
	// ErrSlowPeer terminates a peer that did not drain its queue in time
	ErrSlowPeer = errors.New("peer did not drain its outbound queue in time")

	// ErrShutdown terminates peers when the group shuts down
	ErrShutdown = errors.New("broadcast group shut down")
)

// SessionRecorder stores the connection ledger.
// Learning: Defined here, where it is consumed; the repository package implements it.
type SessionRecorder interface {
	RecordConnect(ctx context.Context, session *models.PeerSession) error
	RecordDisconnect(ctx context.Context, id string, at time.Time, reason string, framesIn, framesOut int64) error
}

// Options configures a BroadcastGroup. Zero values take the defaults.
type Options struct {
	// Pending frames per subscriber before the send timeout starts
	Capacity int
	// How long a subscriber may stay above Capacity before it is dropped
	SendTimeout time.Duration
	// Keepalive ping interval; only used for connections implementing Pinger
	PingInterval time.Duration
	// Awareness entries not renewed within this window expire
	AwarenessTimeout time.Duration

	Recorder SessionRecorder
}

const (
	DefaultCapacity         = 32
	DefaultSendTimeout      = 5 * time.Second
	DefaultPingInterval     = 54 * time.Second
	DefaultAwarenessTimeout = 30 * time.Second

	recorderTimeout = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.PingInterval == 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.AwarenessTimeout <= 0 {
		o.AwarenessTimeout = DefaultAwarenessTimeout
	}
	return o
}

// BroadcastGroup fans every change of the shared state out to all subscribers
type BroadcastGroup struct {
	state *crdt.SharedState
	opts  Options

	subs map[*Subscription]struct{}
	mu   sync.RWMutex

	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewBroadcastGroup binds a group to state and starts observing it
func NewBroadcastGroup(state *crdt.SharedState, opts Options) *BroadcastGroup {
	g := &BroadcastGroup{
		state: state,
		opts:  opts.withDefaults(),
		subs:  make(map[*Subscription]struct{}),
		done:  make(chan struct{}),
	}

	state.OnUpdate(g.broadcastUpdate)
	state.OnAwarenessChange(g.broadcastAwareness)

	return g
}

// State returns the shared state the group is bound to
func (g *BroadcastGroup) State() *crdt.SharedState {
	return g.state
}

// Start begins the awareness expiry loop
func (g *BroadcastGroup) Start() {
	g.startOnce.Do(func() {
		g.wg.Add(1)
		go g.expiryLoop()
		slog.Info("broadcast group started",
			"capacity", g.opts.Capacity,
			"send_timeout", g.opts.SendTimeout,
		)
	})
}

// Subscribe registers a new peer and starts its loops. The peer first
// receives the relay's state vector and the current awareness state; every
// change applied after that snapshot is queued for it.
func (g *BroadcastGroup) Subscribe(ctx context.Context, conn Conn, info models.PeerInfo) *Subscription {
	s := newSubscription(ctx, g, conn, info)

	var joinErr error
	err := g.state.Join(func(stateVector, awareness []byte) {
		step1, err := protocol.SyncStep1(stateVector)
		if err != nil {
			joinErr = err
			return
		}
		s.initial = append(s.initial, step1)

		if awareness != nil {
			aw, err := protocol.Awareness(awareness)
			if err != nil {
				joinErr = err
				return
			}
			s.initial = append(s.initial, aw)
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		select {
		case <-g.done:
			joinErr = ErrShutdown
		default:
			g.subs[s] = struct{}{}
		}
	})
	if err == nil {
		err = joinErr
	}
	if err != nil {
		s.stop(err)
	}

	slog.Info("peer subscribed", "peer", info.ID, "remote", info.RemoteAddr, "total", g.Len())

	go s.run()
	return s
}

// Len returns the number of active subscriptions
func (g *BroadcastGroup) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.subs)
}

// Peers returns the connected peers ordered by connection time
func (g *BroadcastGroup) Peers() []models.PeerInfo {
	subs := g.subscribers()
	peers := make([]models.PeerInfo, 0, len(subs))
	for _, s := range subs {
		peers = append(peers, s.Info())
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ConnectedAt.Before(peers[j].ConnectedAt) })
	return peers
}

// Shutdown terminates every subscription and waits for them to complete
func (g *BroadcastGroup) Shutdown() {
	g.stopOnce.Do(func() {
		slog.Info("shutting down broadcast group")

		g.mu.Lock()
		close(g.done)
		g.mu.Unlock()

		subs := g.subscribers()
		for _, s := range subs {
			s.stop(ErrShutdown)
		}
		for _, s := range subs {
			_ = s.Completed()
		}
		g.wg.Wait()

		slog.Info("broadcast group shutdown complete", "peers", len(subs))
	})
}

func (g *BroadcastGroup) subscribers() []*Subscription {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Subscription, 0, len(g.subs))
	for s := range g.subs {
		out = append(out, s)
	}
	return out
}

// unsubscribe is called once both loops of s have stopped
func (g *BroadcastGroup) unsubscribe(s *Subscription) {
	g.mu.Lock()
	_, ok := g.subs[s]
	delete(g.subs, s)
	remaining := len(g.subs)
	g.mu.Unlock()

	if ids := s.announcedClientIDs(); len(ids) > 0 {
		if err := g.state.RemoveAwareness(ids, s); err != nil {
			slog.Error("failed to remove peer awareness", "peer", s.info.ID, "err", err)
		}
	}

	if !ok {
		return
	}
	if s.err != nil {
		slog.Warn("peer unsubscribed", "peer", s.info.ID, "remaining", remaining, "err", s.err)
	} else {
		slog.Info("peer unsubscribed", "peer", s.info.ID, "remaining", remaining)
	}
}

// recordConnect writes the ledger row in the background. The returned
// channel is closed once the write finished; nil when no recorder is set.
func (g *BroadcastGroup) recordConnect(s *Subscription) <-chan struct{} {
	if g.opts.Recorder == nil {
		return nil
	}

	recorded := make(chan struct{})
	go func() {
		defer close(recorded)
		ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
		defer cancel()
		if err := g.opts.Recorder.RecordConnect(ctx, models.NewPeerSession(s.info)); err != nil {
			slog.Warn("failed to record peer connect", "peer", s.info.ID, "err", err)
		}
	}()
	return recorded
}

func (g *BroadcastGroup) recordDisconnect(s *Subscription, recorded <-chan struct{}) {
	if g.opts.Recorder == nil {
		return
	}
	<-recorded

	reason := "closed"
	if s.err != nil {
		reason = s.err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
	defer cancel()
	if err := g.opts.Recorder.RecordDisconnect(ctx, s.info.ID, time.Now(), reason, s.framesIn.Load(), s.framesOut.Load()); err != nil {
		slog.Warn("failed to record peer disconnect", "peer", s.info.ID, "err", err)
	}
}

func (g *BroadcastGroup) broadcastUpdate(update []byte, origin any) {
	msg, err := protocol.Update(update)
	if err != nil {
		slog.Error("failed to encode update frame", "err", err)
		return
	}
	g.fanOut(msg, origin)
}

func (g *BroadcastGroup) broadcastAwareness(_ []uint64, update []byte, origin any) {
	msg, err := protocol.Awareness(update)
	if err != nil {
		slog.Error("failed to encode awareness frame", "err", err)
		return
	}
	g.fanOut(msg, origin)
}

// fanOut runs under the shared state lock, so frames reach every backlog in
// the order the state applied them.
func (g *BroadcastGroup) fanOut(msg []byte, origin any) {
	for _, s := range g.subscribers() {
		if origin == s {
			continue
		}
		s.enqueue(msg)
	}
}

// expiryLoop periodically drops awareness entries that were not renewed
func (g *BroadcastGroup) expiryLoop() {
	defer g.wg.Done()

	interval := g.opts.AwarenessTimeout / 10
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			removed, err := g.state.ExpireAwareness(g.opts.AwarenessTimeout)
			if err != nil {
				slog.Error("failed to expire awareness", "err", err)
			} else if len(removed) > 0 {
				slog.Debug("expired awareness entries", "clients", removed)
			}
		}
	}
}
