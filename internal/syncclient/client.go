package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"pitch-relay/internal/crdt"
	"pitch-relay/internal/protocol"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
)

// Options configures a Client
type Options struct {
	// Awareness client id; random when zero
	ClientID uint64
	Header   http.Header
	// How often the local awareness state is re-sent so the relay keeps it alive
	AwarenessRenew time.Duration
	WriteTimeout   time.Duration
}

// Client is a peer of the relay holding its own replica of the document.
//
// On connect it sends its state vector, answers the relay's state vector with
// a diff, and from then on applies incoming updates and sends local edits.
type Client struct {
	conn      *websocket.Conn
	doc       *crdt.AutomergeDoc
	awareness *crdt.Awareness
	clientID  uint64
	opts      Options

	writeMu sync.Mutex

	synced     chan struct{}
	syncedOnce sync.Once
	changed    chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	err       error
	wg        sync.WaitGroup
}

// Dial connects to the relay's sync endpoint (ws://host:port/path)
func Dial(ctx context.Context, url string, doc *crdt.AutomergeDoc, opts Options) (*Client, error) {
	if doc == nil {
		doc = crdt.NewAutomergeDoc()
	}
	if opts.ClientID == 0 {
		opts.ClientID = rand.Uint64()
	}
	if opts.AwarenessRenew <= 0 {
		opts.AwarenessRenew = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	c := &Client{
		conn:      conn,
		doc:       doc,
		awareness: crdt.NewAwareness(),
		clientID:  opts.ClientID,
		opts:      opts,
		synced:    make(chan struct{}),
		changed:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	step1, err := protocol.SyncStep1(doc.EncodeStateVector())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := c.write(step1); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.renewLoop()

	return c, nil
}

// Doc returns the local replica
func (c *Client) Doc() *crdt.AutomergeDoc {
	return c.doc
}

// ClientID returns the awareness client id
func (c *Client) ClientID() uint64 {
	return c.clientID
}

// Synced is closed once the relay answered the initial state vector
func (c *Client) Synced() <-chan struct{} {
	return c.synced
}

// Changed receives a signal after remote updates were applied
func (c *Client) Changed() <-chan struct{} {
	return c.changed
}

// Done is closed when the connection ended
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended; nil for a clean close
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Edit applies fn locally and sends the resulting update
func (c *Client) Edit(fn func(doc *automerge.Doc) error) error {
	update, err := c.doc.Update(fn)
	if err != nil {
		return err
	}
	return c.sendUpdate(update)
}

// InsertText inserts s at pos in the text under key and sends the update
func (c *Client) InsertText(key string, pos int, s string) error {
	update, err := c.doc.InsertText(key, pos, s)
	if err != nil {
		return err
	}
	return c.sendUpdate(update)
}

// AppendText appends s to the text under key and sends the update
func (c *Client) AppendText(key, s string) error {
	current, err := c.doc.Text(key)
	if err != nil {
		return err
	}
	return c.InsertText(key, utf8.RuneCountInString(current), s)
}

// Text returns the text under key in the local replica
func (c *Client) Text(key string) (string, error) {
	return c.doc.Text(key)
}

// SetAwareness publishes this client's presence state
func (c *Client) SetAwareness(state []byte) error {
	c.awareness.SetLocal(c.clientID, state)
	return c.sendLocalAwareness()
}

// Awareness returns the presence states known to this client
func (c *Client) Awareness() map[uint64][]byte {
	return c.awareness.States()
}

// QueryAwareness asks the relay for its full awareness state
func (c *Client) QueryAwareness() error {
	msg, err := protocol.QueryAwareness()
	if err != nil {
		return err
	}
	return c.write(msg)
}

// Send writes a raw frame; meant for tools and tests that speak the protocol directly
func (c *Client) Send(frame []byte) error {
	return c.write(frame)
}

// Close says goodbye to the relay and closes the connection
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.finish(nil)
	c.wg.Wait()
	return c.Err()
}

// Drop closes the connection without a close handshake
func (c *Client) Drop() {
	c.finish(nil)
	c.wg.Wait()
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		mt, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.finish(nil)
			} else {
				c.finish(fmt.Errorf("failed to read message: %w", err))
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}

		if err := c.handle(raw); err != nil {
			slog.Error("sync client dropped connection", "err", err)
			c.finish(err)
			return
		}
	}
}

func (c *Client) handle(raw []byte) error {
	frame, err := protocol.Decode(raw)
	if err != nil {
		return err
	}

	switch frame.Kind {
	case protocol.KindSync:
		switch frame.Step {
		case protocol.StepStateVector:
			diff, err := c.doc.EncodeDiffSince(frame.Payload)
			if err != nil {
				return err
			}
			reply, err := protocol.SyncStep2(diff)
			if err != nil {
				return err
			}
			return c.write(reply)

		case protocol.StepDiff:
			if err := c.doc.ApplyUpdate(frame.Payload); err != nil {
				return err
			}
			c.syncedOnce.Do(func() { close(c.synced) })
			c.notifyChanged()

		case protocol.StepUpdate:
			if err := c.doc.ApplyUpdate(frame.Payload); err != nil {
				return err
			}
			c.notifyChanged()
		}

	case protocol.KindAwareness:
		if _, err := c.awareness.Apply(frame.Payload); err != nil {
			return err
		}

	case protocol.KindQueryAwareness:
		return c.sendLocalAwareness()
	}
	return nil
}

func (c *Client) renewLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.AwarenessRenew)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if _, ok := c.awareness.States()[c.clientID]; !ok {
				continue
			}
			c.awareness.SetLocal(c.clientID, c.awareness.States()[c.clientID])
			if err := c.sendLocalAwareness(); err != nil && !errors.Is(err, errClosed) {
				slog.Warn("failed to renew awareness", "err", err)
			}
		}
	}
}

func (c *Client) sendLocalAwareness() error {
	encoded, err := c.awareness.Encode(c.clientID)
	if err != nil {
		return err
	}
	msg, err := protocol.Awareness(encoded)
	if err != nil {
		return err
	}
	return c.write(msg)
}

func (c *Client) sendUpdate(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	msg, err := protocol.Update(update)
	if err != nil {
		return err
	}
	return c.write(msg)
}

var errClosed = errors.New("sync client closed")

func (c *Client) write(msg []byte) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) notifyChanged() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}
