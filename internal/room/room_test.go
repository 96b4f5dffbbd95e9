package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkirby-ms/tilemud/internal/degraded"
	"github.com/dkirby-ms/tilemud/internal/durability"
	"github.com/dkirby-ms/tilemud/internal/intent"
	"github.com/dkirby-ms/tilemud/internal/pipeline"
	"github.com/dkirby-ms/tilemud/internal/session"
	"github.com/dkirby-ms/tilemud/internal/version"
)

// fakeConn records every JSON message and close call a Room writes to it.
type fakeConn struct {
	mu         sync.Mutex
	written    []interface{}
	closeCode  int
	closeMsg   string
	closed     bool
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, v)
	return nil
}

func (f *fakeConn) WriteClose(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCode = code
	f.closeMsg = reason
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) messages() []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interface{}(nil), f.written...)
}

// flush moves every message queued on cp's send channel onto its Conn,
// standing in for writePump (which needs a real *websocket.Conn).
func flush(cp *ConnectedPlayer) {
	for {
		select {
		case msg, ok := <-cp.send:
			if !ok {
				return
			}
			_ = cp.conn.WriteJSON(msg)
		default:
			return
		}
	}
}

type fakeProfileStore struct {
	profiles map[string]durability.CharacterProfile
}

func newFakeProfileStore() *fakeProfileStore {
	return &fakeProfileStore{profiles: make(map[string]durability.CharacterProfile)}
}

func (f *fakeProfileStore) GetCharacterProfile(_ context.Context, characterID string) (durability.CharacterProfile, bool, error) {
	p, ok := f.profiles[characterID]
	return p, ok, nil
}

func (f *fakeProfileStore) CreateCharacterProfileIfAbsent(_ context.Context, profile durability.CharacterProfile) (durability.CharacterProfile, bool, error) {
	if existing, ok := f.profiles[profile.CharacterID]; ok {
		return existing, false, nil
	}
	f.profiles[profile.CharacterID] = profile
	return profile, true, nil
}

type fakeIntentProcessor struct {
	moveResult   intent.Result
	actionResult intent.Result
}

func (f *fakeIntentProcessor) ProcessMove(_ context.Context, _, _, _ string, _ intent.MoveIntent) intent.Result {
	return f.moveResult
}
func (f *fakeIntentProcessor) ProcessChat(_ context.Context, _, _, _ string, _ intent.ChatIntent) intent.Result {
	return intent.Result{}
}
func (f *fakeIntentProcessor) ProcessAction(_ context.Context, _, _, _ string, _ intent.ActionIntent) intent.Result {
	return f.actionResult
}
func (f *fakeIntentProcessor) Forget(_ string) {}

func newTestRoom(t *testing.T, cfg Config) (*Room, *session.Store, *fakeProfileStore, *fakeIntentProcessor) {
	t.Helper()
	return newTestRoomWithQueue(t, cfg, nil)
}

func newTestRoomWithQueue(t *testing.T, cfg Config, queue *pipeline.Queue) (*Room, *session.Store, *fakeProfileStore, *fakeIntentProcessor) {
	t.Helper()
	sessions := session.New()
	profiles := newFakeProfileStore()
	processor := &fakeIntentProcessor{}
	versions, err := version.New("tilemud", "1.0.0", []string{"1.0.0"})
	require.NoError(t, err)
	signal := degraded.New(degraded.DefaultThresholds())

	seq := 0
	r := &Room{
		cfg: cfg, sessions: sessions, profiles: profiles, processor: processor,
		signal: signal, versions: versions, queue: queue, now: time.Now,
		clientSeq: func() string { seq++; return "client-" + string(rune('a'+seq)) },
		clients:   make(map[string]*ConnectedPlayer),
	}
	return r, sessions, profiles, processor
}

func TestJoin_SessionNotFound(t *testing.T) {
	r, _, _, _ := newTestRoom(t, DefaultConfig())
	conn := &fakeConn{}

	cp, err := r.Join(context.Background(), conn, JoinPayload{SessionID: "missing", UserID: "user-1"})
	assert.Nil(t, cp)
	require.Error(t, err)
	joinErr, ok := err.(*JoinError)
	require.True(t, ok)
	assert.Equal(t, CloseAuthFailure, joinErr.Code)
	assert.Equal(t, CloseAuthFailure, conn.closeCode)
}

func TestJoin_UserMismatch(t *testing.T) {
	r, sessions, _, _ := newTestRoom(t, DefaultConfig())
	sessions.CreateOrUpdateSession(session.Session{SessionID: "sess-1", UserID: "user-1", CharacterID: "char-1", ProtocolVersion: "1.0.0"})
	conn := &fakeConn{}

	cp, err := r.Join(context.Background(), conn, JoinPayload{SessionID: "sess-1", UserID: "someone-else"})
	assert.Nil(t, cp)
	require.Error(t, err)
	assert.Equal(t, CloseAuthFailure, conn.closeCode)
}

func TestJoin_VersionMismatchDisconnects(t *testing.T) {
	r, sessions, _, _ := newTestRoom(t, DefaultConfig())
	sessions.CreateOrUpdateSession(session.Session{SessionID: "sess-1", UserID: "user-1", CharacterID: "char-1", ProtocolVersion: "0.1.0"})
	conn := &fakeConn{}

	cp, err := r.Join(context.Background(), conn, JoinPayload{SessionID: "sess-1", UserID: "user-1", ClientVersion: "0.1.0"})
	assert.Nil(t, cp)
	require.Error(t, err)
	assert.Equal(t, CloseVersionMismatch, conn.closeCode)
}

func TestJoin_SuccessSendsAckAndStateDelta(t *testing.T) {
	r, sessions, profiles, _ := newTestRoom(t, DefaultConfig())
	sessions.CreateOrUpdateSession(session.Session{SessionID: "sess-1", UserID: "user-1", CharacterID: "char-1", ProtocolVersion: "1.0.0"})
	profiles.profiles["char-1"] = durability.CharacterProfile{CharacterID: "char-1", DisplayName: "user-1", PositionX: 3, PositionY: 4}
	conn := &fakeConn{}

	cp, err := r.Join(context.Background(), conn, JoinPayload{SessionID: "sess-1", UserID: "user-1", ClientVersion: "1.0.0"})
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 1, r.Len())

	flush(cp)
	msgs := conn.messages()
	require.Len(t, msgs, 2)
	ack, ok := msgs[0].(intent.Ack)
	require.True(t, ok)
	assert.Equal(t, "event.ack", ack.Type)

	delta, ok := msgs[1].(intent.StateDelta)
	require.True(t, ok)
	require.NotNil(t, delta.Character)
	assert.Equal(t, 3.0, delta.Character.Position.X)
}

func TestJoin_CapacityExceeded(t *testing.T) {
	r, sessions, _, _ := newTestRoom(t, Config{MaxClients: 1})
	sessions.CreateOrUpdateSession(session.Session{SessionID: "sess-1", UserID: "user-1", CharacterID: "char-1", ProtocolVersion: "1.0.0"})
	sessions.CreateOrUpdateSession(session.Session{SessionID: "sess-2", UserID: "user-2", CharacterID: "char-2", ProtocolVersion: "1.0.0"})

	_, err := r.Join(context.Background(), &fakeConn{}, JoinPayload{SessionID: "sess-1", UserID: "user-1", ClientVersion: "1.0.0"})
	require.NoError(t, err)

	conn2 := &fakeConn{}
	cp2, err2 := r.Join(context.Background(), conn2, JoinPayload{SessionID: "sess-2", UserID: "user-2", ClientVersion: "1.0.0"})
	assert.Nil(t, cp2)
	require.Error(t, err2)
	assert.Equal(t, CloseAuthFailure, conn2.closeCode)
}

func TestDispatch_StateDeltaBroadcastsToOtherClientsOnly(t *testing.T) {
	r, sessions, _, processor := newTestRoom(t, DefaultConfig())
	sessions.CreateOrUpdateSession(session.Session{SessionID: "sess-1", UserID: "user-1", CharacterID: "char-1", ProtocolVersion: "1.0.0"})
	sessions.CreateOrUpdateSession(session.Session{SessionID: "sess-2", UserID: "user-2", CharacterID: "char-2", ProtocolVersion: "1.0.0"})

	conn1 := &fakeConn{}
	cp1, err := r.Join(context.Background(), conn1, JoinPayload{SessionID: "sess-1", UserID: "user-1", ClientVersion: "1.0.0"})
	require.NoError(t, err)

	conn2 := &fakeConn{}
	cp2, err := r.Join(context.Background(), conn2, JoinPayload{SessionID: "sess-2", UserID: "user-2", ClientVersion: "1.0.0"})
	require.NoError(t, err)

	processor.moveResult = intent.Result{
		Ack:        &intent.Ack{Type: "event.ack", Status: "applied"},
		StateDelta: &intent.StateDelta{Type: "event.state_delta", Character: &intent.CharacterState{CharacterID: "char-1", Position: intent.Position{X: 1, Y: 1}}},
	}

	err = r.Dispatch(context.Background(), cp1.ClientID, []byte(`{"type":"intent.move","sequence":1,"direction":"north","magnitude":1}`))
	require.NoError(t, err)

	flush(cp1)
	flush(cp2)
	msgs1 := conn1.messages()
	msgs2 := conn2.messages()
	// conn1 (origin): handshake ack + handshake delta + move ack + move delta = 4
	require.Len(t, msgs1, 4)
	// conn2 (other player): handshake ack + handshake delta + broadcast delta = 3
	require.Len(t, msgs2, 3)
	_, ok := msgs2[2].(intent.StateDelta)
	assert.True(t, ok)
}

func TestLeave_RemovesClientAndTerminatesSession(t *testing.T) {
	r, sessions, _, _ := newTestRoom(t, DefaultConfig())
	sessions.CreateOrUpdateSession(session.Session{SessionID: "sess-1", UserID: "user-1", CharacterID: "char-1", ProtocolVersion: "1.0.0"})

	cp, err := r.Join(context.Background(), &fakeConn{}, JoinPayload{SessionID: "sess-1", UserID: "user-1", ClientVersion: "1.0.0"})
	require.NoError(t, err)

	r.Leave(cp.ClientID)
	assert.Equal(t, 0, r.Len())

	sess, ok := sessions.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, session.StatusTerminating, sess.Status)
}

func TestSubscribeDegraded_BroadcastsTransitions(t *testing.T) {
	r, sessions, _, _ := newTestRoom(t, DefaultConfig())
	sessions.CreateOrUpdateSession(session.Session{SessionID: "sess-1", UserID: "user-1", CharacterID: "char-1", ProtocolVersion: "1.0.0"})
	conn := &fakeConn{}
	cp, err := r.Join(context.Background(), conn, JoinPayload{SessionID: "sess-1", UserID: "user-1", ClientVersion: "1.0.0"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.SubscribeDegraded(ctx)

	now := time.Now()
	r.signal.RecordFailure(degraded.DependencyRedis, now, "boom")
	r.signal.RecordFailure(degraded.DependencyRedis, now, "boom")

	require.Eventually(t, func() bool {
		flush(cp)
		return len(conn.messages()) >= 3
	}, time.Second, 5*time.Millisecond)

	msgs := conn.messages()
	ev, ok := msgs[len(msgs)-1].(degraded.DegradedEvent)
	require.True(t, ok)
	assert.Equal(t, degraded.DependencyRedis, ev.Dependency)
	_ = cp
}

func TestDispatch_ActionGoesThroughPipelineAndDrains(t *testing.T) {
	queue := pipeline.New(pipeline.DefaultConfig(), nil)
	r, sessions, _, processor := newTestRoomWithQueue(t, DefaultConfig(), queue)
	sessions.CreateOrUpdateSession(session.Session{SessionID: "sess-1", UserID: "user-1", CharacterID: "char-1", ProtocolVersion: "1.0.0"})

	conn := &fakeConn{}
	cp, err := r.Join(context.Background(), conn, JoinPayload{SessionID: "sess-1", UserID: "user-1", ClientVersion: "1.0.0"})
	require.NoError(t, err)

	processor.actionResult = intent.Result{
		Ack: &intent.Ack{Type: "event.ack", IntentType: "intent.action", Status: "applied"},
	}

	err = r.Dispatch(context.Background(), cp.ClientID, []byte(`{"type":"intent.action","sequence":1,"actionId":7,"kind":"ability"}`))
	require.NoError(t, err)

	// Nothing resolves until the drain loop runs: only the handshake
	// ack + handshake delta are present so far.
	flush(cp)
	assert.Len(t, conn.messages(), 2)
	assert.Equal(t, 1, queue.Len())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.RunActionDrain(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		flush(cp)
		return len(conn.messages()) >= 3
	}, time.Second, 5*time.Millisecond)

	msgs := conn.messages()
	ack, ok := msgs[2].(intent.Ack)
	require.True(t, ok)
	assert.Equal(t, "applied", ack.Status)
}
