// Package realtime implements C6: the per-connection WebSocket hub
// that subscribes connections to game/room topics and fans out
// persisted events, generalized from Seednode-partybox's
// Hub/Client/GameManager pattern (celebrity.go) to spec.md §4.6's RPC
// surface.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crosswithfriends/crossplay/internal/apierr"
	"github.com/crosswithfriends/crossplay/internal/auth"
	"github.com/crosswithfriends/crossplay/internal/authz"
	"github.com/crosswithfriends/crossplay/internal/logx"
	"github.com/crosswithfriends/crossplay/internal/reducer"
	"github.com/crosswithfriends/crossplay/internal/validate"
)

// RPC names (spec.md §4.6).
const (
	rpcJoinGame               = "join_game"
	rpcLeaveGame              = "leave_game"
	rpcSyncAllGameEvents      = "sync_all_game_events"
	rpcSyncRecentGameEvents   = "sync_recent_game_events"
	rpcSyncArchivedGameEvents = "sync_archived_game_events"
	rpcGameEvent              = "game_event"
	rpcJoinRoom               = "join_room"
	rpcLeaveRoom              = "leave_room"
	rpcSyncAllRoomEvents      = "sync_all_room_events"
	rpcRoomEvent              = "room_event"
	rpcLatencyPing            = "latency_ping"
)

// maxSyncLimit bounds sync_recent_game_events/sync_archived_game_events
// (spec.md §4.6 "cap limit at a safe maximum").
const maxSyncLimit = 1000

// sendQueueSize is the bounded per-subscriber queue capacity (spec.md
// §4.6 "bounded per-subscriber queues... disconnected with
// BACKPRESSURE").
const sendQueueSize = 64

// Envelope is the inbound RPC message shape: {reqId, type, payload}.
type Envelope struct {
	ReqID   string          `json:"reqId"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ack is the outbound response shape for a request/response RPC.
type Ack struct {
	ReqID string          `json:"reqId"`
	OK    bool            `json:"ok"`
	Error *apierr.Error   `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Push is an unsolicited server->client message: broadcast events and
// pongs are both delivered this way.
type Push struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// GameStore is the subset of internal/store.Store the hub needs for
// games. Kept as an interface so the hub is testable without Postgres.
type GameStore interface {
	AppendGameEvent(ctx context.Context, gid string, event reducer.Event) error
	GetGameEvents(ctx context.Context, gid string, limit, offset int) ([]reducer.Event, int, error)
	Games() authz.CreatorLookup
}

// RoomStore is the room-side symmetric counterpart of GameStore.
type RoomStore interface {
	AppendRoomEvent(ctx context.Context, rid string, event reducer.Event) error
	GetRoomEvents(ctx context.Context, rid string, limit, offset int) ([]reducer.Event, int, error)
	Rooms() authz.CreatorLookup
}

// Store is the full persistence surface the hub depends on.
type Store interface {
	GameStore
	RoomStore
}

// Hub owns the subscription table: topic ("game:<gid>" or
// "room:<rid>") -> set of connections. Mutated under short exclusive
// sections on join/leave/disconnect; broadcast only reads it, under a
// shared lock, matching spec.md §5's "Subscription table" resource
// description.
type Hub struct {
	store Store
	auth  *auth.Service

	pingInterval time.Duration
	pingTimeout  time.Duration
	verbose      bool

	mu          sync.RWMutex
	subscribers map[string]map[*Connection]struct{}
}

// NewHub builds a Hub bound to store for persistence/reads and auth
// for handshake verification. verbose gates connection-lifecycle
// logging the same way partybox's cfg.verbose gates logf.
func NewHub(store Store, authSvc *auth.Service, pingInterval, pingTimeout time.Duration, verbose bool) *Hub {
	return &Hub{
		store:        store,
		auth:         authSvc,
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
		verbose:      verbose,
		subscribers:  make(map[string]map[*Connection]struct{}),
	}
}

func gameTopic(gid string) string { return "game:" + gid }
func roomTopic(rid string) string { return "room:" + rid }

func (h *Hub) subscribe(topic string, c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[topic]
	if !ok {
		set = make(map[*Connection]struct{})
		h.subscribers[topic] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unsubscribe(topic string, c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subscribers[topic]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subscribers, topic)
		}
	}
}

// unsubscribeAll removes c from every topic it joined, used on
// disconnect (spec.md §4.6 "Disconnect cleans up subscriptions").
func (h *Hub) unsubscribeAll(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, set := range h.subscribers {
		if _, ok := set[c]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subscribers, topic)
			}
		}
	}
}

// broadcast fans event out to every subscriber of topic, including the
// sender (spec.md §4.6 "including sender"). A subscriber whose queue
// is full is disconnected with BACKPRESSURE rather than blocking the
// others.
func (h *Hub) broadcast(topic string, event reducer.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	push := Push{Type: topic[:4], Data: payload} // "game" or "room" prefix

	h.mu.RLock()
	subs := make([]*Connection, 0, len(h.subscribers[topic]))
	for c := range h.subscribers[topic] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	for _, c := range subs {
		select {
		case c.send <- push:
		default:
			c.disconnectBackpressure()
		}
	}
}

// upgrader mirrors the teacher's permissive CheckOrigin: an upgrade is
// accepted from any origin. internal/httpd's CORS middleware only sets
// response headers; it does not refuse a request from an unlisted
// origin, so the realtime transport has no origin check.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and runs the connection's lifecycle.
// Unauthenticated connections see no events (spec.md §4.6): the
// handshake is verified before upgrading, and the upgrade is refused
// with 401 on failure.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.ExtractFromSocket(auth.HandshakeAuth{
		Query:  r.URL.Query(),
		Header: r.Header,
	})
	if err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logx.Errorf("", "realtime: upgrade error: %v", err)
		return
	}

	c := &Connection{
		hub:     h,
		conn:    conn,
		userID:  userID,
		corrID:  uuid.NewString(),
		verbose: h.verbose,
		send:    make(chan Push, sendQueueSize),
		topics:  make(map[string]struct{}),
	}

	go c.writePump(h.pingInterval)
	c.readPump(h.pingTimeout)
}

// Connection is one client's long-lived session (spec.md §4.6 "one
// long-lived connection per client"). State is mutated only by this
// connection's own goroutines, per spec.md §5.
type Connection struct {
	hub     *Hub
	conn    *websocket.Conn
	userID  string
	corrID  string
	verbose bool

	send chan Push

	mu     sync.Mutex
	topics map[string]struct{}
}

func (c *Connection) disconnectBackpressure() {
	logx.Logf(c.verbose, c.corrID, "realtime: backpressure, disconnecting")
	// The close frame names BACKPRESSURE; it is written off the caller's
	// goroutine so a stalled peer cannot hold up a broadcast.
	go func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, string(apierr.Backpressure)),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	}()
}

func (c *Connection) readPump(pingTimeout time.Duration) {
	defer func() {
		c.hub.unsubscribeAll(c)
		close(c.send)
		_ = c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pingTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pingTimeout))
		return nil
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		c.dispatch(env)
	}
}

func (c *Connection) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case push, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(push); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) ack(reqID string, data any, err error) {
	a := Ack{ReqID: reqID}
	if err != nil {
		ae, ok := err.(*apierr.Error)
		if !ok {
			ae = apierr.Wrap(apierr.Internal, "unexpected error", err)
		}
		a.Error = ae.WithCorrID(c.corrID)
		a.OK = false
	} else {
		a.OK = true
		if data != nil {
			b, merr := json.Marshal(data)
			if merr == nil {
				a.Data = b
			}
		}
	}

	select {
	case c.send <- Push{Type: "ack", Data: mustMarshal(a)}:
	default:
		c.disconnectBackpressure()
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

func (c *Connection) dispatch(env Envelope) {
	ctx := context.Background()

	switch env.Type {
	case rpcJoinGame:
		c.handleJoin(ctx, env, gameTopic, c.hub.store.Games())
	case rpcLeaveGame:
		c.handleLeave(env, gameTopic)
	case rpcSyncAllGameEvents:
		c.handleSyncAll(ctx, env, c.hub.store.Games(), c.hub.store.GetGameEvents)
	case rpcSyncRecentGameEvents:
		c.handleSyncRecent(ctx, env, c.hub.store.Games(), c.hub.store.GetGameEvents)
	case rpcSyncArchivedGameEvents:
		c.handleSyncArchived(ctx, env, c.hub.store.Games(), c.hub.store.GetGameEvents)
	case rpcGameEvent:
		c.handleEvent(ctx, env, gameTopic, c.hub.store.Games(), c.hub.store.AppendGameEvent)

	case rpcJoinRoom:
		c.handleJoin(ctx, env, roomTopic, c.hub.store.Rooms())
	case rpcLeaveRoom:
		c.handleLeave(env, roomTopic)
	case rpcSyncAllRoomEvents:
		c.handleSyncAll(ctx, env, c.hub.store.Rooms(), c.hub.store.GetRoomEvents)
	case rpcRoomEvent:
		c.handleEvent(ctx, env, roomTopic, c.hub.store.Rooms(), c.hub.store.AppendRoomEvent)

	case rpcLatencyPing:
		c.handleLatencyPing(env)

	default:
		// Unknown RPC: silently ignored, matching the teacher's
		// "ignore unknown types" default case.
	}
}

type idPayload struct {
	ID string `json:"gid"`
}

// handleJoin implements join_game/join_room (spec.md §4.6): authorize,
// then subscribe on success.
func (c *Connection) handleJoin(ctx context.Context, env Envelope, topicFn func(string) string, lookup authz.CreatorLookup) {
	var p idPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.ID == "" {
		c.ack(env.ReqID, nil, apierr.New(apierr.Validation, "missing id"))
		return
	}

	decision := authz.IsUserAuthorized(ctx, lookup, c.userID, p.ID)
	if !decision.OK {
		c.ack(env.ReqID, nil, apierr.New(apierr.Forbidden, string(decision.Reason)))
		return
	}

	topic := topicFn(p.ID)
	c.hub.subscribe(topic, c)
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()

	c.ack(env.ReqID, map[string]bool{"ok": true}, nil)
}

// handleLeave implements leave_game/leave_room: unsubscribe
// idempotently (spec.md §4.6).
func (c *Connection) handleLeave(env Envelope, topicFn func(string) string) {
	var p idPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.ID == "" {
		c.ack(env.ReqID, nil, apierr.New(apierr.Validation, "missing id"))
		return
	}

	topic := topicFn(p.ID)
	c.hub.unsubscribe(topic, c)
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()

	c.ack(env.ReqID, nil, nil)
}

type getEventsFn func(ctx context.Context, id string, limit, offset int) ([]reducer.Event, int, error)

// handleSyncAll implements sync_all_game_events/sync_all_room_events:
// authorization-gated full history (spec.md §4.6).
func (c *Connection) handleSyncAll(ctx context.Context, env Envelope, lookup authz.CreatorLookup, getEvents getEventsFn) {
	var p idPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.ID == "" {
		c.ack(env.ReqID, nil, apierr.New(apierr.Validation, "missing id"))
		return
	}

	decision := authz.IsUserAuthorized(ctx, lookup, c.userID, p.ID)
	if !decision.OK {
		c.ack(env.ReqID, nil, apierr.New(apierr.Forbidden, string(decision.Reason)))
		return
	}

	events, _, err := getEvents(ctx, p.ID, 0, 0)
	if err != nil {
		c.ack(env.ReqID, nil, apierr.Wrap(apierr.Internal, "sync failed", err))
		return
	}
	c.ack(env.ReqID, map[string]any{"events": events}, nil)
}

type syncRecentPayload struct {
	ID    string `json:"gid"`
	Limit int    `json:"limit"`
}

// handleSyncRecent implements sync_recent_game_events: tail query,
// limit capped at maxSyncLimit (spec.md §4.6).
func (c *Connection) handleSyncRecent(ctx context.Context, env Envelope, lookup authz.CreatorLookup, getEvents getEventsFn) {
	var p syncRecentPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.ID == "" {
		c.ack(env.ReqID, nil, apierr.New(apierr.Validation, "missing id"))
		return
	}
	if p.Limit <= 0 {
		p.Limit = maxSyncLimit
	}
	if p.Limit > maxSyncLimit {
		p.Limit = maxSyncLimit
	}

	decision := authz.IsUserAuthorized(ctx, lookup, c.userID, p.ID)
	if !decision.OK {
		c.ack(env.ReqID, nil, apierr.New(apierr.Forbidden, string(decision.Reason)))
		return
	}

	_, total, err := getEvents(ctx, p.ID, 0, 0)
	if err != nil {
		c.ack(env.ReqID, nil, apierr.Wrap(apierr.Internal, "sync failed", err))
		return
	}
	offset := total - p.Limit
	if offset < 0 {
		offset = 0
	}
	events, _, err := getEvents(ctx, p.ID, p.Limit, offset)
	if err != nil {
		c.ack(env.ReqID, nil, apierr.Wrap(apierr.Internal, "sync failed", err))
		return
	}
	c.ack(env.ReqID, map[string]any{"events": events, "total": total}, nil)
}

type syncArchivedPayload struct {
	ID     string `json:"gid"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

// handleSyncArchived implements sync_archived_game_events's two-phase
// paging-backward-into-the-archive algorithm (spec.md §4.6).
func (c *Connection) handleSyncArchived(ctx context.Context, env Envelope, lookup authz.CreatorLookup, getEvents getEventsFn) {
	var p syncArchivedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.ID == "" {
		c.ack(env.ReqID, nil, apierr.New(apierr.Validation, "missing id"))
		return
	}
	if p.Limit <= 0 || p.Limit > maxSyncLimit {
		p.Limit = maxSyncLimit
	}

	decision := authz.IsUserAuthorized(ctx, lookup, c.userID, p.ID)
	if !decision.OK {
		c.ack(env.ReqID, nil, apierr.New(apierr.Forbidden, string(decision.Reason)))
		return
	}

	_, total, err := getEvents(ctx, p.ID, 0, 0)
	if err != nil {
		c.ack(env.ReqID, nil, apierr.Wrap(apierr.Internal, "sync failed", err))
		return
	}
	archivedOffset := total - maxSyncLimit - p.Offset
	if archivedOffset < 0 {
		archivedOffset = 0
	}

	events, _, err := getEvents(ctx, p.ID, p.Limit, archivedOffset)
	if err != nil {
		c.ack(env.ReqID, nil, apierr.Wrap(apierr.Internal, "sync failed", err))
		return
	}
	c.ack(env.ReqID, map[string]any{"events": events}, nil)
}

// wireEvent mirrors reducer.Event but keeps Timestamp raw, since the
// wire format allows the `{".sv":"timestamp"}`/"SERVER_TIMESTAMP"
// sentinels validate.CoerceTimestamp resolves (spec.md §4.4.2) — a
// reducer.Event's Timestamp field is already a concrete int64 and
// can't hold those shapes.
type wireEvent struct {
	Timestamp json.RawMessage   `json:"timestamp"`
	Type      reducer.EventType `json:"type"`
	User      string            `json:"user,omitempty"`
	Params    json.RawMessage   `json:"params"`
}

type eventPayload struct {
	ID    string    `json:"gid"`
	Event wireEvent `json:"event"`
}

type appendFn func(ctx context.Context, id string, event reducer.Event) error

// handleEvent implements game_event/room_event: coerce timestamp,
// validate, authorize, persist, broadcast to every subscriber including
// the sender (spec.md §4.6).
func (c *Connection) handleEvent(ctx context.Context, env Envelope, topicFn func(string) string, lookup authz.CreatorLookup, persist appendFn) {
	var p eventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.ID == "" {
		c.ack(env.ReqID, nil, apierr.New(apierr.Validation, "missing id or event"))
		return
	}

	event := reducer.Event{
		Timestamp: validate.CoerceTimestamp(p.Event.Timestamp, time.Now().UnixMilli()),
		Type:      p.Event.Type,
		Params:    p.Event.Params,
	}
	if err := validate.Event(event); err != nil {
		c.ack(env.ReqID, nil, err)
		return
	}

	if event.Type == reducer.EventCreate {
		// A create event establishes a brand-new id, so the normal
		// owner/participant check can't gate it (spec.md §2/§4.2): a
		// fresh id has no creator yet and would always come back
		// not-found. appendEvent still rejects a second create for an
		// id that already exists with CONFLICT.
		exists, err := lookup.Exists(ctx, p.ID)
		if err != nil {
			c.ack(env.ReqID, nil, apierr.Wrap(apierr.Internal, "lookup failed", err))
			return
		}
		if exists {
			c.ack(env.ReqID, nil, apierr.New(apierr.Conflict, "a create event already exists for this id"))
			return
		}
	} else {
		decision := authz.IsUserAuthorized(ctx, lookup, c.userID, p.ID)
		if !decision.OK {
			c.ack(env.ReqID, nil, apierr.New(apierr.Forbidden, string(decision.Reason)))
			return
		}
	}

	if event.Type == reducer.EventSendChatMessage {
		// MessageID is minted once here, at creation time, and carried
		// in params from then on: the reducer must stay pure so replay
		// from any memoized checkpoint agrees (spec.md §4.4/§8).
		event.Params = withChatMessageID(event.Params)
	}

	event.User = c.userID
	if err := persist(ctx, p.ID, event); err != nil {
		c.ack(env.ReqID, nil, err)
		return
	}

	c.hub.broadcast(topicFn(p.ID), event)
	c.ack(env.ReqID, nil, nil)
}

type chatMessageParams struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
}

// withChatMessageID assigns a MessageID if the client didn't already
// supply one, leaving params otherwise untouched.
func withChatMessageID(raw json.RawMessage) json.RawMessage {
	var p chatMessageParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return raw
	}
	if p.MessageID != "" {
		return raw
	}
	p.MessageID = uuid.NewString()
	b, err := json.Marshal(p)
	if err != nil {
		return raw
	}
	return b
}

type latencyPingPayload struct {
	ClientTS json.Number `json:"clientTs"`
}

// handleLatencyPing implements latency_ping: pong(serverTs) to sender
// only; malformed clientTs is silently dropped (spec.md §4.6).
func (c *Connection) handleLatencyPing(env Envelope) {
	var p latencyPingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if _, err := p.ClientTS.Float64(); err != nil {
		return
	}

	pong := map[string]int64{"serverTs": time.Now().UnixMilli()}
	select {
	case c.send <- Push{Type: "pong", Data: mustMarshal(pong)}:
	default:
		c.disconnectBackpressure()
	}
}
