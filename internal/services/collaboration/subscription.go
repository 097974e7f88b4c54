package collaboration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"pitch-relay/internal/middleware"
	"pitch-relay/internal/models"
	"pitch-relay/internal/protocol"

	"go.opentelemetry.io/otel/attribute"
)

// ProtocolError reports a frame the relay could not decode or apply.
type ProtocolError struct {
	Frame string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation (%s): %v", e.Frame, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

var errSubscriptionClosed = errors.New("subscription closed")

// Subscription is one peer's participation in a broadcast group.
//
// Two goroutines serve it:
//   - inbound reads frames from the peer and applies them to the shared state
//   - outbound drains the pending frames into the peer's connection
//
// Whichever stops first records the error, closes done and closes the
// connection, which stops the other one.
type Subscription struct {
	info  models.PeerInfo
	group *BroadcastGroup
	conn  Conn
	ctx   context.Context

	// written before run starts, read only by outbound
	initial [][]byte

	// frames waiting for outbound; see enqueue
	pendingMu   sync.Mutex
	pending     [][]byte
	ready       chan struct{}
	overflow    *time.Timer
	overflowGen uint64

	done      chan struct{}
	completed chan struct{}
	stopOnce  sync.Once
	err       error

	// client ids this peer announced through awareness; inbound only
	clientIDs map[uint64]struct{}

	framesIn  atomic.Int64
	framesOut atomic.Int64
}

func newSubscription(ctx context.Context, g *BroadcastGroup, conn Conn, info models.PeerInfo) *Subscription {
	return &Subscription{
		info:      info,
		group:     g,
		conn:      conn,
		ctx:       ctx,
		ready:     make(chan struct{}, 1),
		done:      make(chan struct{}),
		completed: make(chan struct{}),
		clientIDs: make(map[uint64]struct{}),
	}
}

// ID returns the peer's session id
func (s *Subscription) ID() string {
	return s.info.ID
}

// Info returns the peer info with current frame counters
func (s *Subscription) Info() models.PeerInfo {
	info := s.info
	info.FramesIn = s.framesIn.Load()
	info.FramesOut = s.framesOut.Load()
	return info
}

// Done is closed as soon as the subscription starts shutting down
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Completed blocks until both loops have stopped and the peer has been
// removed from the group. It returns nil for a clean close.
func (s *Subscription) Completed() error {
	<-s.completed
	return s.err
}

// Err returns the terminating error once Done is closed
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close terminates the subscription
func (s *Subscription) Close() {
	s.stop(nil)
}

func (s *Subscription) stop(err error) {
	s.stopOnce.Do(func() {
		s.err = err
		close(s.done)
		_ = s.conn.Close()

		s.pendingMu.Lock()
		s.clearOverflowLocked()
		s.pending = nil
		s.pendingMu.Unlock()
	})
}

func (s *Subscription) run() {
	recorded := s.group.recordConnect(s)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.stop(s.inbound())
	}()
	go func() {
		defer wg.Done()
		s.stop(s.outbound())
	}()
	wg.Wait()

	s.group.unsubscribe(s)
	s.group.recordDisconnect(s, recorded)
	close(s.completed)
}

func (s *Subscription) inbound() error {
	for {
		raw, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || s.stopped() {
				return nil
			}
			if errors.Is(err, ErrUnexpectedMessageType) {
				return &ProtocolError{Frame: "websocket", Err: err}
			}
			return fmt.Errorf("failed to read message: %w", err)
		}

		s.framesIn.Add(1)
		if err := s.handleFrame(raw); err != nil {
			if errors.Is(err, errSubscriptionClosed) {
				return nil
			}
			return err
		}
	}
}

func (s *Subscription) handleFrame(raw []byte) error {
	ctx, span := middleware.StartSpan(s.ctx, "Subscription.HandleFrame",
		attribute.String("peer.id", s.info.ID),
		attribute.Int("message.size", len(raw)),
	)
	defer span.End()

	frame, err := protocol.Decode(raw)
	if err != nil {
		perr := &ProtocolError{Frame: "undecodable", Err: err}
		middleware.AddSpanError(ctx, perr)
		return perr
	}
	span.SetAttributes(attribute.String("frame.kind", frame.Name()))

	if err := s.dispatch(frame); err != nil {
		if errors.Is(err, errSubscriptionClosed) {
			return err
		}
		perr := &ProtocolError{Frame: frame.Name(), Err: err}
		middleware.AddSpanError(ctx, perr)
		return perr
	}
	return nil
}

func (s *Subscription) dispatch(frame protocol.Frame) error {
	state := s.group.state

	switch frame.Kind {
	case protocol.KindSync:
		switch frame.Step {
		case protocol.StepStateVector:
			diff, err := state.EncodeDiffSince(frame.Payload)
			if err != nil {
				return err
			}
			reply, err := protocol.SyncStep2(diff)
			if err != nil {
				return err
			}
			return s.reply(reply)

		case protocol.StepDiff, protocol.StepUpdate:
			return state.ApplyUpdate(frame.Payload, s)
		}

	case protocol.KindAwareness:
		changed, err := state.ApplyAwareness(frame.Payload, s)
		if err != nil {
			return err
		}
		for _, id := range changed {
			s.clientIDs[id] = struct{}{}
		}
		return nil

	case protocol.KindQueryAwareness:
		aw, err := state.EncodeAwareness()
		if err != nil {
			return err
		}
		reply, err := protocol.Awareness(aw)
		if err != nil {
			return err
		}
		return s.reply(reply)
	}

	return fmt.Errorf("%w: unhandled %s", protocol.ErrMalformedFrame, frame.Name())
}

func (s *Subscription) reply(msg []byte) error {
	if !s.enqueue(msg) {
		return errSubscriptionClosed
	}
	return nil
}

// enqueue appends msg to the peer's backlog and never blocks, so it is safe
// to call under the shared state lock. A backlog that stays above the group's
// capacity for longer than the send timeout disconnects the peer with
// ErrSlowPeer.
func (s *Subscription) enqueue(msg []byte) bool {
	if s.stopped() {
		return false
	}

	s.pendingMu.Lock()
	if s.stopped() {
		s.pendingMu.Unlock()
		return false
	}
	s.pending = append(s.pending, msg)
	if len(s.pending) > s.group.opts.Capacity && s.overflow == nil {
		s.overflowGen++
		gen := s.overflowGen
		s.overflow = time.AfterFunc(s.group.opts.SendTimeout, func() { s.overflowed(gen) })
	}
	s.pendingMu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) overflowed(gen uint64) {
	s.pendingMu.Lock()
	stale := s.overflow == nil || s.overflowGen != gen
	backlog := len(s.pending)
	if !stale {
		s.overflow = nil
	}
	s.pendingMu.Unlock()
	if stale {
		return
	}

	slog.Warn("peer outbound queue full, disconnecting",
		"peer", s.info.ID,
		"remote", s.info.RemoteAddr,
		"capacity", s.group.opts.Capacity,
		"backlog", backlog,
	)
	s.stop(ErrSlowPeer)
}

// next pops the oldest pending frame
func (s *Subscription) next() ([]byte, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if len(s.pending) == 0 {
		return nil, false
	}
	msg := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	if len(s.pending) <= s.group.opts.Capacity {
		s.clearOverflowLocked()
	}
	return msg, true
}

func (s *Subscription) clearOverflowLocked() {
	if s.overflow != nil {
		s.overflow.Stop()
		s.overflow = nil
	}
}

func (s *Subscription) outbound() error {
	for _, msg := range s.initial {
		if err := s.write(msg); err != nil {
			return err
		}
	}

	var ping <-chan time.Time
	pinger, canPing := s.conn.(Pinger)
	if canPing && s.group.opts.PingInterval > 0 {
		ticker := time.NewTicker(s.group.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-s.done:
			return nil

		case <-s.ready:
			for {
				msg, ok := s.next()
				if !ok {
					break
				}
				if err := s.write(msg); err != nil {
					return err
				}
				if s.stopped() {
					return nil
				}
			}

		case <-ping:
			if err := pinger.Ping(); err != nil {
				if s.stopped() {
					return nil
				}
				return fmt.Errorf("failed to ping: %w", err)
			}
		}
	}
}

func (s *Subscription) write(msg []byte) error {
	if err := s.conn.WriteMessage(msg); err != nil {
		if s.stopped() {
			return nil
		}
		return fmt.Errorf("failed to write message: %w", err)
	}
	s.framesOut.Add(1)
	return nil
}

func (s *Subscription) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subscription) announcedClientIDs() []uint64 {
	ids := make([]uint64, 0, len(s.clientIDs))
	for id := range s.clientIDs {
		ids = append(ids, id)
	}
	return ids
}
