package reconnectflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkirby-ms/tilemud/internal/durability"
	"github.com/dkirby-ms/tilemud/internal/reconnecttoken"
	"github.com/dkirby-ms/tilemud/internal/session"
)

type fakeTokens struct {
	payload reconnecttoken.Payload
	found   bool
	issued  reconnecttoken.Payload
}

func (f *fakeTokens) Consume(ctx context.Context, token string) (reconnecttoken.Payload, bool, error) {
	return f.payload, f.found, nil
}

func (f *fakeTokens) Issue(ctx context.Context, req reconnecttoken.IssueRequest) (reconnecttoken.Payload, error) {
	f.issued = reconnecttoken.Payload{
		Token:              "reissued-token",
		SessionID:          req.SessionID,
		LastSequenceNumber: req.LastSequenceNumber,
		ExpiresAt:          time.Now().Add(5 * time.Minute),
	}
	return f.issued, nil
}

type fakeSessions struct {
	store *session.Store
}

func (f *fakeSessions) Get(sessionID string) (session.Session, bool) { return f.store.Get(sessionID) }
func (f *fakeSessions) RecordHeartbeat(sessionID string, at time.Time) (session.Session, bool) {
	return f.store.RecordHeartbeat(sessionID, at)
}
func (f *fakeSessions) SetStatus(sessionID string, status session.Status) (session.Session, bool) {
	return f.store.SetStatus(sessionID, status)
}
func (f *fakeSessions) ResetReconnectAttempts(sessionID string) (session.Session, bool) {
	return f.store.ResetReconnectAttempts(sessionID)
}
func (f *fakeSessions) RecordActionSequence(sessionID string, seq int64) (session.Session, bool) {
	return f.store.RecordActionSequence(sessionID, seq)
}

type fakeDurable struct {
	latest     durability.ActionEvent
	latestOK   bool
	recent     []durability.ActionEvent
	profile    durability.CharacterProfile
	profileOK  bool
}

func (f *fakeDurable) GetLatestForSession(ctx context.Context, sessionID string) (durability.ActionEvent, bool, error) {
	return f.latest, f.latestOK, nil
}
func (f *fakeDurable) ListRecentForCharacter(ctx context.Context, characterID string, limit int) ([]durability.ActionEvent, error) {
	return f.recent, nil
}
func (f *fakeDurable) GetCharacterProfile(ctx context.Context, characterID string) (durability.CharacterProfile, bool, error) {
	return f.profile, f.profileOK, nil
}

func newTestService(tokens *fakeTokens, sess *session.Store, durable *fakeDurable, cfg Config) *Service {
	return &Service{cfg: cfg, tokens: tokens, session: &fakeSessions{store: sess}, store: durable, now: time.Now}
}

func TestReconnect_InvalidToken(t *testing.T) {
	tokens := &fakeTokens{found: false}
	sess := session.New()
	svc := newTestService(tokens, sess, &fakeDurable{}, DefaultConfig())

	_, err := svc.Reconnect(context.Background(), Request{ReconnectToken: "bad"})
	assert.ErrorIs(t, err, ErrReconnectTokenInvalid)
}

func TestReconnect_SessionNotFound(t *testing.T) {
	tokens := &fakeTokens{found: true, payload: reconnecttoken.Payload{SessionID: "missing"}}
	sess := session.New()
	svc := newTestService(tokens, sess, &fakeDurable{}, DefaultConfig())

	_, err := svc.Reconnect(context.Background(), Request{ReconnectToken: "tok"})
	assert.ErrorIs(t, err, ErrSessionNotFoundForReconnect)
}

func TestReconnect_CaughtUpClientGetsEmptyDelta(t *testing.T) {
	sess := session.New()
	sess.CreateOrUpdateSession(session.Session{SessionID: "s1", CharacterID: "c1", LastSequenceNumber: 5})

	tokens := &fakeTokens{found: true, payload: reconnecttoken.Payload{SessionID: "s1", LastSequenceNumber: 5}}
	svc := newTestService(tokens, sess, &fakeDurable{}, DefaultConfig())

	res, err := svc.Reconnect(context.Background(), Request{ReconnectToken: "tok", ClientSequence: 5})
	require.NoError(t, err)
	assert.Equal(t, ModeDelta, res.Mode)
	assert.Empty(t, res.Delta)
	assert.Equal(t, int64(5), res.LastSequenceNumber)
	assert.Equal(t, "reissued-token", res.ReconnectToken)

	updated, ok := sess.Get("s1")
	require.True(t, ok)
	assert.Equal(t, session.StatusActive, updated.Status)
	assert.Equal(t, 0, updated.ReconnectAttempts)
}

func TestReconnect_SmallGapWithContiguousEventsYieldsDelta(t *testing.T) {
	sess := session.New()
	sess.CreateOrUpdateSession(session.Session{SessionID: "s1", CharacterID: "c1", LastSequenceNumber: 3})

	tokens := &fakeTokens{found: true, payload: reconnecttoken.Payload{SessionID: "s1", LastSequenceNumber: 5}}
	durable := &fakeDurable{
		recent: []durability.ActionEvent{
			{SessionID: "s1", SequenceNumber: 4},
			{SessionID: "s1", SequenceNumber: 5},
		},
	}
	svc := newTestService(tokens, sess, durable, DefaultConfig())

	res, err := svc.Reconnect(context.Background(), Request{ReconnectToken: "tok", ClientSequence: 3})
	require.NoError(t, err)
	assert.Equal(t, ModeDelta, res.Mode)
	require.Len(t, res.Delta, 2)
	assert.Equal(t, int64(4), res.Delta[0].SequenceNumber)
	assert.Equal(t, int64(5), res.Delta[1].SequenceNumber)
}

func TestReconnect_NonContiguousEventsFallsBackToSnapshot(t *testing.T) {
	sess := session.New()
	sess.CreateOrUpdateSession(session.Session{SessionID: "s1", CharacterID: "c1", LastSequenceNumber: 3})

	tokens := &fakeTokens{found: true, payload: reconnecttoken.Payload{SessionID: "s1", LastSequenceNumber: 5}}
	durable := &fakeDurable{
		recent: []durability.ActionEvent{
			{SessionID: "s1", SequenceNumber: 5}, // missing seq 4: not contiguous from clientSequence+1
		},
		profile:   durability.CharacterProfile{CharacterID: "c1", DisplayName: "Hero", Stats: json.RawMessage(`{}`), Inventory: json.RawMessage(`{}`)},
		profileOK: true,
	}
	svc := newTestService(tokens, sess, durable, DefaultConfig())

	res, err := svc.Reconnect(context.Background(), Request{ReconnectToken: "tok", ClientSequence: 3})
	require.NoError(t, err)
	assert.Equal(t, ModeSnapshot, res.Mode)
	require.NotNil(t, res.Snapshot)
	assert.Equal(t, "Hero", res.Snapshot.DisplayName)
}

func TestReconnect_GapBeyondDeltaWindowFallsBackToSnapshot(t *testing.T) {
	sess := session.New()
	sess.CreateOrUpdateSession(session.Session{SessionID: "s1", CharacterID: "c1", LastSequenceNumber: 3})

	tokens := &fakeTokens{found: true, payload: reconnecttoken.Payload{SessionID: "s1", LastSequenceNumber: 1000}}
	svc := newTestService(tokens, sess, &fakeDurable{}, Config{DeltaWindow: 10})

	res, err := svc.Reconnect(context.Background(), Request{ReconnectToken: "tok", ClientSequence: 3})
	require.NoError(t, err)
	assert.Equal(t, ModeSnapshot, res.Mode)
	require.NotNil(t, res.Snapshot)
	assert.Equal(t, "c1", res.Snapshot.CharacterID) // absent profile -> synthetic default
}

func TestReconnect_LatestSequenceTakesMaxAcrossSources(t *testing.T) {
	sess := session.New()
	sess.CreateOrUpdateSession(session.Session{SessionID: "s1", CharacterID: "c1", LastSequenceNumber: 7})

	tokens := &fakeTokens{found: true, payload: reconnecttoken.Payload{SessionID: "s1", LastSequenceNumber: 2}}
	durable := &fakeDurable{latest: durability.ActionEvent{SequenceNumber: 9}, latestOK: true}
	svc := newTestService(tokens, sess, durable, DefaultConfig())

	res, err := svc.Reconnect(context.Background(), Request{ReconnectToken: "tok", ClientSequence: 9})
	require.NoError(t, err)
	assert.Equal(t, int64(9), res.LastSequenceNumber)
}
