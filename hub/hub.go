// Package hub is a websocket sync server for shared documents. Each
// document gets a session owning the server-side replica; connected
// streams exchange codec envelopes with it and with each other.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kevinxiao27/yata/codec"
	"github.com/kevinxiao27/yata/crdt"
	"github.com/kevinxiao27/yata/store"
	"github.com/kevinxiao27/yata/util"
)

// serverClient is the replica id reserved for server documents. The server
// never edits, so it mints nothing; connecting clients are numbered from 1.
const serverClient = 0

const (
	sendBuffer = 256

	// pendingWarnAt is how many parked items the server document tolerates
	// before logging. Parked items normally drain within one update; a
	// count that keeps growing means a client is pushing items whose
	// dependencies never arrive.
	pendingWarnAt = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub serves any number of documents over websockets, persisting them
// through an optional store.
type Hub struct {
	logger zerolog.Logger
	store  *store.Store // may be nil; documents then live in memory only

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func New(st *store.Store, logger zerolog.Logger) *Hub {
	return &Hub{
		logger:   logger,
		store:    st,
		sessions: make(map[string]*session),
	}
}

// Close stops every session, disconnecting its streams, and refuses new
// ones. The http server cannot reach hijacked websocket connections, so
// shutdown goes through here. Safe to call more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	sessions := slices.Collect(maps.Values(h.sessions))
	h.mu.Unlock()

	for _, s := range sessions {
		close(s.done)
	}
	h.logger.Info().Int("sessions", len(sessions)).Msg("hub closed")
}

// session owns one document's server replica and the streams subscribed to
// it. The streams map and every send channel belong to run: streams are
// added and removed there, and send channels are closed there. done stops
// run and unblocks anyone sending into its channels; senders always select
// against it.
type session struct {
	id          string
	subscribe   chan *stream
	unsubscribe chan *stream
	broadcast   chan []byte
	done        chan struct{}
	streams     map[*stream]bool

	mu           sync.Mutex // protects the fields below
	doc          *crdt.Doc
	nextClientID uint64
}

func (h *Hub) session(id string) (*session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("hub: closed")
	}
	if s, ok := h.sessions[id]; ok {
		return s, nil
	}

	doc, err := h.loadDoc(id)
	if err != nil {
		return nil, err
	}
	s := &session{
		id:           id,
		subscribe:    make(chan *stream),
		unsubscribe:  make(chan *stream),
		broadcast:    make(chan []byte),
		done:         make(chan struct{}),
		streams:      make(map[*stream]bool),
		doc:          doc,
		nextClientID: 1,
	}
	// a reloaded document has minted under earlier client ids; never hand
	// those out again
	for client := range doc.StateVector() {
		if client >= s.nextClientID {
			s.nextClientID = client + 1
		}
	}
	go s.run()
	h.sessions[id] = s
	h.logger.Info().Str("doc", id).Uint64("next_client", s.nextClientID).Msg("session started")
	return s, nil
}

func (h *Hub) loadDoc(id string) (*crdt.Doc, error) {
	if h.store == nil {
		return crdt.New(serverClient), nil
	}
	doc, err := h.store.LoadDoc(id)
	if errors.Is(err, store.ErrNotFound) {
		return crdt.New(serverClient), nil
	}
	return doc, err
}

func (s *session) run() {
	for {
		select {
		case st := <-s.subscribe:
			s.streams[st] = true
		case st := <-s.unsubscribe:
			if _, ok := s.streams[st]; ok {
				delete(s.streams, st)
				close(st.send)
			}
		case msg := <-s.broadcast:
			for st := range s.streams {
				select {
				case st.send <- msg:
				default:
					// a stream that cannot keep up is cut loose; it will
					// resync on reconnect
					delete(s.streams, st)
					close(st.send)
				}
			}
		case <-s.done:
			for st := range s.streams {
				delete(s.streams, st)
				close(st.send)
			}
			return
		}
	}
}

// stream is one websocket connection. It joins a session on Init and
// afterwards relays updates both ways.
type stream struct {
	hub    *Hub
	id     string
	conn   *websocket.Conn
	send   chan []byte
	logger zerolog.Logger

	session *session
	client  uint64
}

// HandleWS upgrades the connection and serves it until it closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	st := &stream{
		hub:  h,
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	st.logger = h.logger.With().Str("stream", st.id).Logger()
	st.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("stream connected")
	go st.writePump()
	st.readPump()
}

func (st *stream) readPump() {
	defer func() {
		if st.session != nil {
			select {
			case st.session.unsubscribe <- st:
			case <-st.session.done:
				// run closes every subscribed send channel on its way out
			}
		} else {
			close(st.send)
		}
		st.conn.Close()
		st.logger.Info().Msg("stream closed")
	}()
	for {
		_, buf, err := st.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				st.logger.Debug().Err(err).Msg("read loop ended")
			}
			return
		}
		msg, err := codec.Decode(buf)
		if err != nil {
			st.logger.Warn().Err(err).Msg("dropping stream on undecodable message")
			return
		}
		switch m := msg.(type) {
		case codec.Init:
			if err := st.handleInit(m); err != nil {
				st.logger.Warn().Err(err).Msg("init failed")
				return
			}
		case codec.Update:
			if err := st.handleUpdate(m); err != nil {
				st.logger.Warn().Err(err).Msg("update rejected")
				return
			}
		default:
			st.logger.Warn().Str("type", fmt.Sprintf("%T", msg)).Msg("message type not accepted from clients")
			return
		}
	}
}

func (st *stream) writePump() {
	defer st.conn.Close()
	for msg := range st.send {
		if err := st.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			st.logger.Debug().Err(err).Msg("write failed")
			return
		}
	}
	st.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// handleInit joins the stream to its document's session, assigns it a
// replica id, and answers with a snapshot of everything the client's
// vector does not cover plus the amendments it cannot know about.
func (st *stream) handleInit(msg codec.Init) error {
	if st.session != nil {
		return errors.New("hub: stream already initialized")
	}
	if msg.DocId == "" {
		return errors.New("hub: init without document id")
	}
	sess, err := st.hub.session(msg.DocId)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	client := sess.nextClientID
	if st.hub.store != nil {
		// the store remembers assignments the vector cannot: a client
		// that connected but never flushed an item
		reserved, err := st.hub.store.ReserveClient(sess.id, client)
		if err != nil {
			return fmt.Errorf("hub: reserving client id: %w", err)
		}
		client = reserved
	}
	items := append(sess.doc.Diff(msg.Vector), sess.doc.Amendments()...)
	buf, err := codec.EncodeSnapshot(client, sess.doc.StateVector(), items)
	if err != nil {
		return fmt.Errorf("hub: encoding snapshot: %w", err)
	}
	st.send <- buf
	// subscribing under the session lock keeps the snapshot and the
	// broadcast order consistent: nothing can apply between the two
	select {
	case sess.subscribe <- st:
	case <-sess.done:
		return errors.New("hub: session closed")
	}
	sess.nextClientID = client + 1
	st.session = sess
	st.client = client

	st.logger.Info().
		Str("doc", sess.id).
		Uint64("client", client).
		Int("items", len(items)).
		Msg("stream initialized")
	return nil
}

// handleUpdate folds pushed items into the server replica, saves the
// snapshot, and re-broadcasts the same items to every stream on the
// session. Receivers integrate idempotently, the originator included.
func (st *stream) handleUpdate(msg codec.Update) error {
	sess := st.session
	if sess == nil {
		return errors.New("hub: update before init")
	}

	sess.mu.Lock()
	sess.doc.Apply(msg.Items)
	pending := sess.doc.Pending()
	if st.hub.store != nil {
		if err := st.hub.store.SaveDoc(sess.id, sess.doc); err != nil {
			st.logger.Error().Err(err).Str("doc", sess.id).Msg("snapshot save failed")
		}
	}
	buf, err := codec.EncodeChange(msg.ClientId, msg.Items)
	if err != nil {
		sess.mu.Unlock()
		return fmt.Errorf("hub: encoding change: %w", err)
	}
	select {
	case sess.broadcast <- buf:
	case <-sess.done:
	}
	sess.mu.Unlock()

	if pending > pendingWarnAt {
		st.logger.Warn().
			Str("doc", sess.id).
			Int("pending", pending).
			Msg("pending buffer growing, a dependency may be lost upstream")
	}
	st.logger.Debug().
		Str("doc", sess.id).
		Uint64("client", msg.ClientId).
		Int("items", len(msg.Items)).
		Int("tombstones", len(util.Filter(msg.Items, func(it crdt.Item) bool { return it.Deleted }))).
		Strs("ids", util.Map(msg.Items, func(it crdt.Item) string { return it.ID.String() })).
		Msg("update applied")
	return nil
}

// DocResponse is the REST view of one document.
type DocResponse struct {
	Content string `json:"content"`
	Items   int    `json:"items"`
	Pending int    `json:"pending"`
}

// DocsResponse lists every known document id.
type DocsResponse struct {
	Docs []string `json:"docs"`
}

// HandleDoc reports a document's visible text and item counts. Live
// sessions win over stored snapshots; a GET never creates a session.
func (h *Hub) HandleDoc(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	h.mu.Lock()
	sess, ok := h.sessions[id]
	h.mu.Unlock()

	var resp DocResponse
	if ok {
		sess.mu.Lock()
		resp = docResponse(sess.doc)
		sess.mu.Unlock()
	} else {
		if h.store == nil {
			http.NotFound(w, r)
			return
		}
		doc, err := h.store.LoadDoc(id)
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			h.logger.Error().Err(err).Str("doc", id).Msg("loading document")
			http.Error(w, "loading document", http.StatusInternalServerError)
			return
		}
		resp = docResponse(doc)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func docResponse(doc *crdt.Doc) DocResponse {
	items := 0
	for range doc.All() {
		items++
	}
	return DocResponse{Content: doc.Value(), Items: items, Pending: doc.Pending()}
}

// HandleDocs lists every document the hub knows, live or stored.
func (h *Hub) HandleDocs(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]bool)
	h.mu.Lock()
	for id := range h.sessions {
		seen[id] = true
	}
	h.mu.Unlock()
	if h.store != nil {
		ids, err := h.store.Docs()
		if err != nil {
			h.logger.Error().Err(err).Msg("listing documents")
			http.Error(w, "listing documents", http.StatusInternalServerError)
			return
		}
		for _, id := range ids {
			seen[id] = true
		}
	}

	docs := slices.Sorted(maps.Keys(seen))
	if docs == nil {
		docs = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DocsResponse{Docs: docs})
}
