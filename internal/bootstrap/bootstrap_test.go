package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkirby-ms/tilemud/internal/durability"
	"github.com/dkirby-ms/tilemud/internal/reconnecttoken"
	"github.com/dkirby-ms/tilemud/internal/session"
	"github.com/dkirby-ms/tilemud/internal/version"
)

type fakeTokens struct {
	payload reconnecttoken.Payload
	found   bool
}

func (f *fakeTokens) Consume(ctx context.Context, token string) (reconnecttoken.Payload, bool, error) {
	return f.payload, f.found, nil
}

func (f *fakeTokens) Issue(ctx context.Context, req reconnecttoken.IssueRequest) (reconnecttoken.Payload, error) {
	return reconnecttoken.Payload{
		Token:              "new-token",
		SessionID:          req.SessionID,
		LastSequenceNumber: req.LastSequenceNumber,
		ExpiresAt:          time.Now().Add(5 * time.Minute),
	}, nil
}

type fakeProfiles struct {
	created bool
}

func (f *fakeProfiles) CreateCharacterProfileIfAbsent(ctx context.Context, profile durability.CharacterProfile) (durability.CharacterProfile, bool, error) {
	f.created = true
	return profile, true, nil
}

func newTestService(tokens *fakeTokens, sessions *session.Store, profiles *fakeProfiles, validator Validator) *Service {
	vs, _ := version.New("1.0.0", "1.0.0", []string{"1.0.0"})
	id := 0
	return &Service{
		validator: validator,
		tokens:    tokens,
		sessions:  sessions,
		profiles:  profiles,
		versions:  vs,
		idgen: func() string {
			id++
			return "sess-" + string(rune('0'+id))
		},
		now: time.Now,
	}
}

func TestBootstrap_RejectsMissingAuth(t *testing.T) {
	svc := newTestService(&fakeTokens{}, session.New(), &fakeProfiles{}, DevValidator{})
	_, err := svc.Bootstrap(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrAuthorizationTokenMissing)
}

func TestBootstrap_RejectsInvalidFormat(t *testing.T) {
	svc := newTestService(&fakeTokens{}, session.New(), &fakeProfiles{}, DevValidator{})
	_, err := svc.Bootstrap(context.Background(), Request{AuthorizationHeader: "Basic xyz"})
	assert.ErrorIs(t, err, ErrAuthorizationTokenInvalidFormat)
}

func TestBootstrap_RejectsEmptyUserID(t *testing.T) {
	svc := newTestService(&fakeTokens{}, session.New(), &fakeProfiles{}, DevValidator{})
	_, err := svc.Bootstrap(context.Background(), Request{AuthorizationHeader: "Bearer "})
	assert.ErrorIs(t, err, ErrAuthorizationTokenEmpty)
}

func TestBootstrap_OpensSessionAndCreatesProfile(t *testing.T) {
	profiles := &fakeProfiles{}
	sessions := session.New()
	svc := newTestService(&fakeTokens{}, sessions, profiles, DevValidator{})

	res, err := svc.Bootstrap(context.Background(), Request{AuthorizationHeader: "Bearer alice", ClientVersion: "1.0.0"})
	require.NoError(t, err)
	assert.True(t, profiles.created)
	assert.Equal(t, "alice", res.Session.UserID)
	assert.Equal(t, session.StatusActive, res.Session.Status)
	assert.Equal(t, int64(0), res.Session.LastSequenceNumber)
	assert.Equal(t, "new-token", res.Reconnect.Token)
	assert.NotEmpty(t, res.Character.CharacterID)

	stored, ok := sessions.Get(res.Session.SessionID)
	require.True(t, ok)
	assert.Equal(t, res.Session.SessionID, stored.SessionID)
}

func TestBootstrap_ReconnectTokenSeedsLastSequenceAndClearsStaleSession(t *testing.T) {
	sessions := session.New()
	sessions.CreateOrUpdateSession(session.Session{SessionID: "stale-sess", Status: session.StatusGrace})

	tokens := &fakeTokens{found: true, payload: reconnecttoken.Payload{SessionID: "stale-sess", LastSequenceNumber: 42}}
	svc := newTestService(tokens, sessions, &fakeProfiles{}, DevValidator{})

	res, err := svc.Bootstrap(context.Background(), Request{AuthorizationHeader: "Bearer bob", ReconnectToken: "old-token"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Session.LastSequenceNumber)

	_, ok := sessions.Get("stale-sess")
	assert.False(t, ok) // removed per step 2
}

func TestBootstrap_DeriveCharacterIDIsDeterministic(t *testing.T) {
	assert.Equal(t, deriveCharacterID("alice"), deriveCharacterID("alice"))
	assert.NotEqual(t, deriveCharacterID("alice"), deriveCharacterID("bob"))
}
