// Package room implements the Realtime Room: the WebSocket-facing host
// for connected players, their join handshake, intent dispatch, and
// broadcast (spec.md §4.14).
package room

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/dkirby-ms/tilemud/internal/degraded"
	"github.com/dkirby-ms/tilemud/internal/durability"
	"github.com/dkirby-ms/tilemud/internal/intent"
	"github.com/dkirby-ms/tilemud/internal/pipeline"
	"github.com/dkirby-ms/tilemud/internal/session"
	"github.com/dkirby-ms/tilemud/internal/version"
)

// tileActionCategoryRank is the categoryRank tile placements use in the
// Action Pipeline's comparator: scripted events < NPC events < tile
// placements (spec.md §4.8), so player-submitted actions always rank
// behind either once priorityTier ties at the sentinel below.
const tileActionCategoryRank = 2

// tileActionPriorityTier is the saturated sentinel priorityTier every
// player tile action carries (spec.md §9: "use a saturated sentinel
// (e.g., INT_MAX) for the tile-placement default").
const tileActionPriorityTier = math.MaxInt32

// actionDrainBatchSize bounds how many queued actions RunActionDrain
// processes per tick.
const actionDrainBatchSize = 32

// WebSocket close codes (spec.md §6).
const (
	CloseAuthFailure     = 4401
	CloseVersionMismatch = 4408
)

// Timing constants for the transport loops, following
// teranos-QNTX/server/client.go's writeWait/pongWait/pingPeriod
// conventions adapted to TileMUD's room.
const (
	writeWait                 = 10 * time.Second
	pongWait                  = 60 * time.Second
	pingPeriod                = (pongWait * 9) / 10
	maxMessageSize            = 64 * 1024
	versionMismatchFlushDelay = 50 * time.Millisecond
)

// Config configures room-wide limits (spec.md §4.14).
type Config struct {
	MaxClients  int
	AutoDispose bool
}

// DefaultConfig matches spec.md §4.14's defaults.
func DefaultConfig() Config {
	return Config{MaxClients: 120, AutoDispose: false}
}

// Conn is the minimal transport surface a Room needs from a WebSocket
// connection. GorillaConn adapts a real *websocket.Conn to it; tests use
// an in-memory fake.
type Conn interface {
	WriteJSON(v interface{}) error
	WriteClose(code int, reason string) error
	Close() error
}

// ConnectedPlayer is the per-connection record a Room tracks while a
// client is joined (spec.md §4.14).
type ConnectedPlayer struct {
	ClientID     string
	SessionID    string
	UserID       string
	CharacterID  string
	ProfileCopy  durability.CharacterProfile
	LastSequence int64
	JoinedAt     time.Time
	LastIntentAt time.Time

	conn      Conn
	send      chan interface{}
	closeOnce sync.Once
}

func (cp *ConnectedPlayer) enqueue(msg interface{}) {
	select {
	case cp.send <- msg:
	default:
		// Slow consumer: drop rather than block the dispatching goroutine.
	}
}

func (cp *ConnectedPlayer) stop() {
	cp.closeOnce.Do(func() { close(cp.send) })
}

type sessionStore interface {
	Get(sessionID string) (session.Session, bool)
	RecordHeartbeat(sessionID string, at time.Time) (session.Session, bool)
	SetStatus(sessionID string, status session.Status) (session.Session, bool)
}

type profileStore interface {
	CreateCharacterProfileIfAbsent(ctx context.Context, profile durability.CharacterProfile) (durability.CharacterProfile, bool, error)
}

type versionChecker interface {
	Check(clientVersion string) version.Result
	Current() string
}

// intentProcessor is the narrow surface Room needs from *intent.Processor,
// letting unit tests substitute a fake instead of standing up a
// Postgres-backed durability.Store, the same testability pattern used by
// internal/reconnectflow, internal/bootstrap, and internal/intent itself.
type intentProcessor interface {
	ProcessMove(ctx context.Context, sessionID, userID, characterID string, in intent.MoveIntent) intent.Result
	ProcessChat(ctx context.Context, sessionID, userID, characterID string, in intent.ChatIntent) intent.Result
	ProcessAction(ctx context.Context, sessionID, userID, characterID string, in intent.ActionIntent) intent.Result
	Forget(sessionID string)
}

// Room hosts connected players and dispatches their intents.
type Room struct {
	cfg       Config
	sessions  sessionStore
	profiles  profileStore
	processor intentProcessor
	signal    *degraded.Service
	versions  versionChecker
	queue     *pipeline.Queue
	now       func() time.Time
	clientSeq func() string

	mu      sync.RWMutex
	clients map[string]*ConnectedPlayer
}

// New constructs a Room. queue may be nil, in which case intent.action
// dispatch bypasses the Action Pipeline and resolves synchronously — the
// pipeline only matters once multiple rooms compete for durability-layer
// throughput under load.
func New(cfg Config, sessions *session.Store, profiles *durability.Store, processor *intent.Processor, signal *degraded.Service, versions *version.Service, queue *pipeline.Queue, clientSeq func() string) *Room {
	return &Room{
		cfg: cfg, sessions: sessions, profiles: profiles, processor: processor,
		signal: signal, versions: versions, queue: queue, now: time.Now, clientSeq: clientSeq,
		clients: make(map[string]*ConnectedPlayer),
	}
}

// Len reports the number of currently joined players.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Get returns the ConnectedPlayer for clientID, if present.
func (r *Room) Get(clientID string) (*ConnectedPlayer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp, ok := r.clients[clientID]
	return cp, ok
}

// JoinPayload is the inbound join handshake message (spec.md §4.14). A
// client resuming after a drop goes through POST /api/session/reconnect
// first (spec.md §4.11), which issues a fresh sessionId this message then
// carries like any other join.
type JoinPayload struct {
	SessionID          string `json:"sessionId"`
	UserID             string `json:"userId"`
	ClientVersion      string `json:"clientVersion,omitempty"`
	LastSequenceNumber *int64 `json:"lastSequenceNumber,omitempty"`
}

func (p JoinPayload) malformed() bool {
	return p.SessionID == "" || p.UserID == ""
}

// JoinError reports why Join refused a connection, carrying the close
// code the caller must send before tearing down the socket.
type JoinError struct {
	Code   int
	Reason string
}

func (e *JoinError) Error() string { return e.Reason }

func (r *Room) fail(conn Conn, closeCode int, errCode, message string) error {
	_ = conn.WriteJSON(intent.ErrorEvent{Type: "event.error", Code: errCode, Category: "AUTH", Retryable: false, Message: message})
	_ = conn.WriteClose(closeCode, message)
	return &JoinError{Code: closeCode, Reason: message}
}

// Join runs the handshake procedure from spec.md §4.14 and, on success,
// registers the player in the room.
func (r *Room) Join(ctx context.Context, conn Conn, payload JoinPayload) (*ConnectedPlayer, error) {
	if payload.malformed() {
		return nil, r.fail(conn, CloseAuthFailure, "SESSION_NOT_FOUND", "join payload missing sessionId/userId")
	}

	sess, ok := r.sessions.Get(payload.SessionID)
	if !ok {
		return nil, r.fail(conn, CloseAuthFailure, "SESSION_NOT_FOUND", "no session found for sessionId")
	}
	if sess.UserID != payload.UserID {
		return nil, r.fail(conn, CloseAuthFailure, "SESSION_USER_MISMATCH", "session belongs to a different user")
	}

	now := r.now()
	r.sessions.RecordHeartbeat(sess.SessionID, now)
	sess, _ = r.sessions.SetStatus(sess.SessionID, session.StatusActive)

	clientVersion := payload.ClientVersion
	if clientVersion == "" {
		clientVersion = sess.ProtocolVersion
	}
	verResult := r.versions.Check(clientVersion)
	if !verResult.Compatible {
		_ = conn.WriteJSON(struct {
			Type            string `json:"type"`
			ExpectedVersion string `json:"expectedVersion"`
			ReceivedVersion string `json:"receivedVersion"`
			Message         string `json:"message,omitempty"`
		}{
			Type: "event.version_mismatch", ExpectedVersion: verResult.Expected,
			ReceivedVersion: verResult.Received, Message: verResult.Message,
		})
		time.Sleep(versionMismatchFlushDelay)
		_ = conn.WriteClose(CloseVersionMismatch, "version_mismatch")
		return nil, &JoinError{Code: CloseVersionMismatch, Reason: "version_mismatch"}
	}

	profile, _, err := r.profiles.CreateCharacterProfileIfAbsent(ctx, durability.CharacterProfile{
		CharacterID: sess.CharacterID, UserID: sess.UserID, DisplayName: sess.UserID,
	})
	if err != nil {
		return nil, r.fail(conn, CloseAuthFailure, "PROFILE_UNAVAILABLE", "could not load character profile")
	}

	lastSeq := sess.LastSequenceNumber
	if payload.LastSequenceNumber != nil {
		lastSeq = *payload.LastSequenceNumber
	}

	cp := &ConnectedPlayer{
		ClientID: r.clientSeq(), SessionID: sess.SessionID, UserID: sess.UserID,
		CharacterID: sess.CharacterID, ProfileCopy: profile, LastSequence: lastSeq,
		JoinedAt: now, LastIntentAt: now,
		conn: conn, send: make(chan interface{}, 64),
	}

	r.mu.Lock()
	if len(r.clients) >= r.cfg.MaxClients {
		r.mu.Unlock()
		return nil, r.fail(conn, CloseAuthFailure, "INSTANCE_CAPACITY_EXCEEDED", "room is at capacity")
	}
	r.clients[cp.ClientID] = cp
	r.mu.Unlock()

	ack := intent.Ack{
		Type: "event.ack", Reason: "handshake", SessionID: sess.SessionID,
		Sequence: lastSeq, Version: r.versions.Current(),
		AcknowledgedIntents: []string{}, AcknowledgedAt: now,
	}
	cp.enqueue(ack)

	cp.enqueue(intent.StateDelta{
		Type: "event.state_delta", Sequence: lastSeq, IssuedAt: now,
		Character: &intent.CharacterState{
			CharacterID: profile.CharacterID, DisplayName: profile.DisplayName,
			Position: intent.Position{X: profile.PositionX, Y: profile.PositionY},
		},
	})

	for _, change := range r.signal.Snapshot() {
		cp.enqueue(change.ToEvent())
	}

	return cp, nil
}

// Leave removes a player from the room and marks their session
// terminating, per spec.md §4.14.
func (r *Room) Leave(clientID string) {
	r.mu.Lock()
	cp, ok := r.clients[clientID]
	if ok {
		delete(r.clients, clientID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	cp.stop()
	r.processor.Forget(cp.SessionID)
	r.sessions.SetStatus(cp.SessionID, session.StatusTerminating)

	if r.queue != nil {
		r.queue.RemoveWhere(func(a pipeline.Action) bool { return a.PlayerID == cp.ClientID })
	}
}

// Broadcast enqueues msg on every joined player's send channel except
// excludeClientID (pass "" to include everyone).
func (r *Room) Broadcast(msg interface{}, excludeClientID string) {
	r.mu.RLock()
	players := make([]*ConnectedPlayer, 0, len(r.clients))
	for id, cp := range r.clients {
		if id == excludeClientID {
			continue
		}
		players = append(players, cp)
	}
	r.mu.RUnlock()

	for _, cp := range players {
		cp.enqueue(msg)
	}
}

// RunActionDrain periodically drains the Action Pipeline in priority
// order, running each tile action through the Intent Processor and
// routing its result to the originating (and any broadcast) clients,
// per spec.md §4.8's "draining is expected to run from a single
// consumer". No-op if the Room was constructed without a queue.
func (r *Room) RunActionDrain(ctx context.Context, interval time.Duration) {
	if r.queue == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, a := range r.queue.DrainBatch(actionDrainBatchSize) {
				cp, ok := r.Get(a.PlayerID)
				if !ok {
					continue
				}
				in, ok := a.Payload.(intent.ActionIntent)
				if !ok {
					continue
				}
				result := r.processor.ProcessAction(ctx, cp.SessionID, cp.UserID, cp.CharacterID, in)
				r.route(cp, result)
			}
		}
	}
}

// SubscribeDegraded fans out every Degraded Signal Service transition to
// every joined client, per spec.md §4.14's degraded emitter.
func (r *Room) SubscribeDegraded(ctx context.Context) {
	ch := r.signal.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-ch:
				if !ok {
					return
				}
				r.Broadcast(change.ToEvent(), "")
			}
		}
	}()
}
