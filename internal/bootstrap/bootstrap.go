// Package bootstrap implements the Session Bootstrap Service: validates a
// bearer token, optionally resumes a prior reconnect token, ensures a
// character profile exists, opens a fresh session, and issues the first
// reconnect token — the HTTP-adjacent entry point a new WebSocket
// connection's handshake is built from.
package bootstrap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/dkirby-ms/tilemud/internal/durability"
	"github.com/dkirby-ms/tilemud/internal/reconnecttoken"
	"github.com/dkirby-ms/tilemud/internal/session"
	"github.com/dkirby-ms/tilemud/internal/version"
)

// Token validation failure reasons (spec.md §4.12).
var (
	ErrAuthorizationTokenMissing      = errors.New("authorization_token_missing")
	ErrAuthorizationTokenEmpty        = errors.New("authorization_token_empty")
	ErrAuthorizationTokenInvalidFormat = errors.New("authorization_token_invalid_format")
	ErrAuthorizationTokenInvalid      = errors.New("authorization_token_invalid")
)

// Validator authenticates a raw Authorization header value and returns the
// identified userId. Pluggable so production deployments can swap in a
// signed-token validator without touching the rest of bootstrap.
type Validator interface {
	Validate(ctx context.Context, authorizationHeader string) (userID string, err error)
}

// DevValidator accepts "Bearer <userId>" unconditionally, for local
// development and tests. Production deployments should use a validator
// backed by a real token format (e.g. the JWT validator in
// internal/bootstrap/jwt.go).
type DevValidator struct{}

// Validate implements Validator.
func (DevValidator) Validate(_ context.Context, authorizationHeader string) (string, error) {
	if authorizationHeader == "" {
		return "", ErrAuthorizationTokenMissing
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authorizationHeader, prefix) {
		return "", ErrAuthorizationTokenInvalidFormat
	}
	userID := strings.TrimSpace(strings.TrimPrefix(authorizationHeader, prefix))
	if userID == "" {
		return "", ErrAuthorizationTokenEmpty
	}
	return userID, nil
}

type tokenStore interface {
	Consume(ctx context.Context, token string) (reconnecttoken.Payload, bool, error)
	Issue(ctx context.Context, req reconnecttoken.IssueRequest) (reconnecttoken.Payload, error)
}

type sessionStore interface {
	CreateOrUpdateSession(sess session.Session) session.Session
	Remove(sessionID string)
}

type profileStore interface {
	CreateCharacterProfileIfAbsent(ctx context.Context, profile durability.CharacterProfile) (durability.CharacterProfile, bool, error)
}

// Service orchestrates bootstrap per spec.md §4.12.
type Service struct {
	validator Validator
	tokens    tokenStore
	sessions  sessionStore
	profiles  profileStore
	versions  *version.Service
	idgen     func() string
	now       func() time.Time
}

// New constructs a Service.
func New(validator Validator, tokens *reconnecttoken.Store, sessions *session.Store, profiles *durability.Store, versions *version.Service, idgen func() string) *Service {
	return &Service{validator: validator, tokens: tokens, sessions: sessions, profiles: profiles, versions: versions, idgen: idgen, now: time.Now}
}

// deriveCharacterID is a deterministic, stable hash of userID, per
// spec.md §4.12's "derive characterId from userId (deterministic
// function, e.g., stable hash)". sha256 is used purely as a fixed-width
// deterministic digest, not for any cryptographic guarantee, so the
// standard library is the natural fit here — no pack dependency
// implements "stable id from string".
func deriveCharacterID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return "char-" + hex.EncodeToString(sum[:8])
}

// Request is the input to Bootstrap.
type Request struct {
	AuthorizationHeader string
	ReconnectToken      string
	ClientVersion       string
}

// CharacterState mirrors the state.character shape in the response.
type CharacterState struct {
	CharacterID string
	DisplayName string
	PositionX   float64
	PositionY   float64
	Stats       json.RawMessage
	Inventory   json.RawMessage
}

// Reconnect is the reconnect{token,expiresAt} shape in the response.
type Reconnect struct {
	Token     string
	ExpiresAt time.Time
}

// Result is the full bootstrap response (spec.md §4.12 step 6, minus the
// realtime.room field, which the HTTP layer fills in from its own
// room-assignment policy).
type Result struct {
	Version   version.Info
	IssuedAt  time.Time
	Session   session.Session
	Character CharacterState
	Reconnect Reconnect
}

// Bootstrap runs the six-step procedure from spec.md §4.12.
func (s *Service) Bootstrap(ctx context.Context, req Request) (Result, error) {
	userID, err := s.validator.Validate(ctx, req.AuthorizationHeader)
	if err != nil {
		return Result{}, err
	}

	var priorLastSequence int64
	if req.ReconnectToken != "" {
		payload, found, consumeErr := s.tokens.Consume(ctx, req.ReconnectToken)
		if consumeErr != nil {
			return Result{}, consumeErr
		}
		if found {
			priorLastSequence = payload.LastSequenceNumber
			s.sessions.Remove(payload.SessionID)
		}
	}

	characterID := deriveCharacterID(userID)
	profile, _, err := s.profiles.CreateCharacterProfileIfAbsent(ctx, durability.CharacterProfile{
		CharacterID: characterID,
		UserID:      userID,
		DisplayName: userID,
	})
	if err != nil {
		return Result{}, err
	}

	sess := s.sessions.CreateOrUpdateSession(session.Session{
		SessionID:          s.idgen(),
		UserID:             userID,
		CharacterID:        characterID,
		ProtocolVersion:    s.versions.Current(),
		Status:             session.StatusActive,
		LastSequenceNumber: priorLastSequence,
		LastHeartbeatAt:    s.now(),
	})

	reissued, err := s.tokens.Issue(ctx, reconnecttoken.IssueRequest{
		SessionID:          sess.SessionID,
		LastSequenceNumber: sess.LastSequenceNumber,
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		Version:  s.versions.Get(),
		IssuedAt: s.now(),
		Session:  sess,
		Character: CharacterState{
			CharacterID: profile.CharacterID,
			DisplayName: profile.DisplayName,
			PositionX:   profile.PositionX,
			PositionY:   profile.PositionY,
			Stats:       profile.Stats,
			Inventory:   profile.Inventory,
		},
		Reconnect: Reconnect{Token: reissued.Token, ExpiresAt: reissued.ExpiresAt},
	}, nil
}
