// Package client connects an editor host to a hub document and keeps a
// local replica in sync with it.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kevinxiao27/yata/codec"
	"github.com/kevinxiao27/yata/crdt"
)

const dialRetries = 8

// Client is a connected replica. Local edits apply immediately and are
// pushed to the hub; remote changes arrive on a background loop. If the
// connection drops, the client redials with backoff, resumes under a
// freshly assigned replica id, and pushes whatever the hub missed.
type Client struct {
	url    string
	docID  string
	logger zerolog.Logger

	mu           sync.Mutex
	doc          *crdt.Doc
	conn         *websocket.Conn
	serverVector crdt.StateVector // what the hub is known to hold
	onChange     func(string)
	closed       bool
}

// Dial connects, performs the Init/Snapshot handshake, and starts the
// read loop. The context bounds dialing, including later redials.
func Dial(ctx context.Context, url, docID string, logger zerolog.Logger) (*Client, error) {
	c := &Client{url: url, docID: docID, logger: logger}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	go c.readLoop(ctx)
	return c, nil
}

// connect dials with exponential backoff and rebuilds the session. The
// hub assigns a new replica id on every connect, so the local document is
// reminted under it: snapshot first, then whatever the previous document
// held, then a flush of anything the hub is missing.
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	var resume crdt.StateVector
	if c.doc != nil {
		resume = c.doc.StateVector()
	}
	c.mu.Unlock()

	var conn *websocket.Conn
	dial := func() error {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.Debug().Err(err).Str("url", c.url).Msg("dial failed, backing off")
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), dialRetries), ctx)
	if err := backoff.Retry(dial, policy); err != nil {
		return fmt.Errorf("client: dialing %s: %w", c.url, err)
	}

	buf, err := codec.EncodeInit(c.docID, resume)
	if err == nil {
		err = conn.WriteMessage(websocket.TextMessage, buf)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("client: sending init: %w", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("client: awaiting snapshot: %w", err)
	}
	msg, err := codec.Decode(raw)
	if err != nil {
		conn.Close()
		return fmt.Errorf("client: handshake: %w", err)
	}
	snap, ok := msg.(codec.Snapshot)
	if !ok {
		conn.Close()
		return fmt.Errorf("client: handshake answered with %T, want snapshot", msg)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return errors.New("client: closed")
	}
	old := c.doc
	doc := crdt.New(snap.ClientId)
	doc.Apply(snap.Items)
	server := doc.StateVector()
	// the snapshot's vector covers clocks that truncated runs no longer
	// span; the item replay alone would under-count those
	server.Merge(snap.Vector)
	if old != nil {
		doc.Apply(append(old.Diff(nil), old.Amendments()...))
	}
	c.doc = doc
	c.serverVector = server
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info().
		Uint64("client", snap.ClientId).
		Str("doc", c.docID).
		Int("items", len(snap.Items)).
		Msg("connected")

	if old == nil {
		return nil
	}
	// edits made while disconnected go out now
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

// flushLocked pushes everything the hub has not seen, plus amendments.
// Callers hold c.mu.
func (c *Client) flushLocked() error {
	items := append(c.doc.Diff(c.serverVector), c.doc.Amendments()...)
	if len(items) == 0 {
		return nil
	}
	buf, err := codec.EncodeUpdate(c.doc.Client(), items)
	if err != nil {
		return fmt.Errorf("client: encoding update: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
		return fmt.Errorf("client: pushing update: %w", err)
	}
	c.serverVector = c.doc.StateVector()
	return nil
}

// Insert edits the local replica and pushes the delta. A push that fails
// is not an edit failure: the edit is already applied locally and goes
// out on the next successful flush after the redial.
func (c *Client) Insert(pos int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.doc.Insert(pos, text); err != nil {
		return err
	}
	if err := c.flushLocked(); err != nil {
		c.logger.Warn().Err(err).Msg("push deferred until reconnect")
	}
	return nil
}

// Delete edits the local replica and pushes the delta, with the same
// push semantics as Insert.
func (c *Client) Delete(pos, length int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.doc.Delete(pos, length); err != nil {
		return err
	}
	if err := c.flushLocked(); err != nil {
		c.logger.Warn().Err(err).Msg("push deferred until reconnect")
	}
	return nil
}

// Value returns the current visible text of the local replica.
func (c *Client) Value() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Value()
}

// ID returns the replica id the hub assigned on the current connection.
func (c *Client) ID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Client()
}

// OnChange registers fn to run whenever remote items change the visible
// text. It runs on the read loop; keep it short.
func (c *Client) OnChange(fn func(value string)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Close stops the read loop and drops the connection. The local replica
// stays readable.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed = c.closed
			c.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("connection lost, redialing")
			if err := c.connect(ctx); err != nil {
				c.logger.Error().Err(err).Msg("redial failed, giving up")
				return
			}
			continue
		}
		c.handleMessage(raw)
	}
}

func (c *Client) handleMessage(raw []byte) {
	msg, err := codec.Decode(raw)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping undecodable message")
		return
	}
	change, ok := msg.(codec.Change)
	if !ok {
		c.logger.Warn().Str("type", fmt.Sprintf("%T", msg)).Msg("unexpected message")
		return
	}

	c.mu.Lock()
	before := c.doc.Value()
	c.doc.Apply(change.Items)
	for _, it := range change.Items {
		c.serverVector.Observe(it)
	}
	value := c.doc.Value()
	fn := c.onChange
	c.mu.Unlock()

	// own pushes echo back; integration is idempotent and the value does
	// not move, so hosts only hear about real remote changes
	if fn != nil && value != before {
		fn(value)
	}
}
