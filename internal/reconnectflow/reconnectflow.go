// Package reconnectflow implements the Reconnect Flow Service: the
// procedure that turns a presented reconnect token into either a small
// delta of missed actions or a full state snapshot, per spec.md §4.11.
package reconnectflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkirby-ms/tilemud/internal/catalog"
	"github.com/dkirby-ms/tilemud/internal/durability"
	"github.com/dkirby-ms/tilemud/internal/reconnecttoken"
	"github.com/dkirby-ms/tilemud/internal/session"
)

// Sentinel errors surfaced by Reconnect; callers map these to the
// auth/validation wire category per spec.md §7.
var (
	ErrReconnectTokenInvalid       = errors.New("reconnect_token_invalid")
	ErrSessionNotFoundForReconnect = errors.New("session_not_found_for_reconnect")
)

func decodeJSONObject(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

// tokenStore, sessionStore, and durableStore are the narrow dependency
// interfaces Service needs, satisfied by *reconnecttoken.Store,
// *session.Store, and *durability.Store respectively. Defining them here
// (rather than depending on the concrete types) lets tests exercise the
// orchestration logic against fakes instead of live Redis/Postgres.
type tokenStore interface {
	Consume(ctx context.Context, token string) (reconnecttoken.Payload, bool, error)
	Issue(ctx context.Context, req reconnecttoken.IssueRequest) (reconnecttoken.Payload, error)
}

type sessionStore interface {
	Get(sessionID string) (session.Session, bool)
	RecordHeartbeat(sessionID string, at time.Time) (session.Session, bool)
	SetStatus(sessionID string, status session.Status) (session.Session, bool)
	ResetReconnectAttempts(sessionID string) (session.Session, bool)
	RecordActionSequence(sessionID string, seq int64) (session.Session, bool)
}

type durableStore interface {
	GetLatestForSession(ctx context.Context, sessionID string) (durability.ActionEvent, bool, error)
	ListRecentForCharacter(ctx context.Context, characterID string, limit int) ([]durability.ActionEvent, error)
	GetCharacterProfile(ctx context.Context, characterID string) (durability.CharacterProfile, bool, error)
}

// DefaultDeltaWindow bounds how large a sequence gap may be before the
// service gives up on a delta and falls back to a full snapshot. Not
// specified numerically by spec.md §4.11; chosen here (DESIGN.md Open
// Question decision) to match the durable recent-event window durability
// callers typically request.
const DefaultDeltaWindow = 200

// Config configures a Service.
type Config struct {
	DeltaWindow int
}

// DefaultConfig returns Config{DeltaWindow: DefaultDeltaWindow}.
func DefaultConfig() Config {
	return Config{DeltaWindow: DefaultDeltaWindow}
}

// Service orchestrates reconnect-token consumption against the session
// store and durability layer.
type Service struct {
	cfg     Config
	tokens  tokenStore
	session sessionStore
	store   durableStore
	now     func() time.Time
}

// New constructs a Service.
func New(cfg Config, tokens *reconnecttoken.Store, sessions *session.Store, store *durability.Store) *Service {
	return &Service{cfg: cfg, tokens: tokens, session: sessions, store: store, now: time.Now}
}

// Mode is the reconnect response shape.
type Mode string

const (
	ModeDelta    Mode = "delta"
	ModeSnapshot Mode = "snapshot"
)

// CharacterSnapshot is the state.character shape returned on mode=snapshot;
// mode=delta results carry none.
type CharacterSnapshot struct {
	CharacterID string
	DisplayName string
	PositionX   float64
	PositionY   float64
	Stats       map[string]interface{}
	Inventory   map[string]interface{}
}

// Result is the outcome of Reconnect.
type Result struct {
	Session            session.Session
	LastSequenceNumber int64
	ReconnectToken      string
	ReconnectExpiresAt  time.Time
	Mode               Mode
	Delta              []durability.ActionEvent // present when Mode == ModeDelta and non-empty
	Snapshot           *CharacterSnapshot       // present when Mode == ModeSnapshot
}

// Request is the input to Reconnect.
type Request struct {
	ReconnectToken string
	ClientSequence int64
}

// Reconnect runs the seven-step procedure from spec.md §4.11.
func (s *Service) Reconnect(ctx context.Context, req Request) (Result, error) {
	payload, found, err := s.tokens.Consume(ctx, req.ReconnectToken)
	if err != nil {
		return Result{}, catalog.New(catalog.InternalError, err)
	}
	if !found {
		return Result{}, ErrReconnectTokenInvalid
	}

	sess, ok := s.session.Get(payload.SessionID)
	if !ok {
		return Result{}, ErrSessionNotFoundForReconnect
	}

	latestSequence := payload.LastSequenceNumber
	if sess.LastSequenceNumber > latestSequence {
		latestSequence = sess.LastSequenceNumber
	}
	if latest, durFound, durErr := s.store.GetLatestForSession(ctx, sess.SessionID); durErr == nil && durFound {
		if latest.SequenceNumber > latestSequence {
			latestSequence = latest.SequenceNumber
		}
	}

	mode, delta := s.decideMode(ctx, sess, req.ClientSequence, latestSequence)

	sess, _ = s.session.RecordHeartbeat(sess.SessionID, s.now())
	sess, _ = s.session.SetStatus(sess.SessionID, session.StatusActive)
	sess, _ = s.session.ResetReconnectAttempts(sess.SessionID)
	sess, _ = s.session.RecordActionSequence(sess.SessionID, latestSequence)

	reissued, err := s.tokens.Issue(ctx, reconnecttoken.IssueRequest{
		SessionID:          sess.SessionID,
		LastSequenceNumber: latestSequence,
	})
	if err != nil {
		return Result{}, catalog.New(catalog.InternalError, err)
	}

	result := Result{
		Session:            sess,
		LastSequenceNumber: latestSequence,
		ReconnectToken:     reissued.Token,
		ReconnectExpiresAt: reissued.ExpiresAt,
		Mode:               mode,
	}
	if mode == ModeDelta {
		result.Delta = delta
	} else {
		result.Snapshot = s.buildSnapshot(ctx, sess)
	}
	return result, nil
}

// decideMode implements step 4 of spec.md §4.11.
func (s *Service) decideMode(ctx context.Context, sess session.Session, clientSequence, latestSequence int64) (Mode, []durability.ActionEvent) {
	if latestSequence <= clientSequence {
		return ModeDelta, nil
	}

	gap := latestSequence - clientSequence
	if gap > int64(s.cfg.DeltaWindow) {
		return ModeSnapshot, nil
	}

	recent, err := s.store.ListRecentForCharacter(ctx, sess.CharacterID, s.cfg.DeltaWindow)
	if err != nil {
		return ModeSnapshot, nil
	}

	var candidate []durability.ActionEvent
	for _, ev := range recent {
		if ev.SessionID == sess.SessionID && ev.SequenceNumber > clientSequence {
			candidate = append(candidate, ev)
		}
	}
	if !isContiguousDelta(candidate, clientSequence, latestSequence) {
		return ModeSnapshot, nil
	}
	return ModeDelta, candidate
}

func isContiguousDelta(events []durability.ActionEvent, clientSequence, latestSequence int64) bool {
	if len(events) == 0 {
		return false
	}
	expect := clientSequence + 1
	for _, ev := range events {
		if ev.SequenceNumber != expect {
			return false
		}
		expect++
	}
	return events[len(events)-1].SequenceNumber == latestSequence
}

// buildSnapshot builds a CharacterSnapshot from the durable character
// profile, or a synthetic default derived from the session if the
// profile is absent or the fetch fails — per spec.md §4.11, a snapshot
// build failure never surfaces a crash to the client.
func (s *Service) buildSnapshot(ctx context.Context, sess session.Session) *CharacterSnapshot {
	profile, found, err := s.store.GetCharacterProfile(ctx, sess.CharacterID)
	if err != nil || !found {
		return &CharacterSnapshot{
			CharacterID: sess.CharacterID,
			DisplayName: sess.CharacterID,
			Stats:       map[string]interface{}{},
			Inventory:   map[string]interface{}{},
		}
	}

	return &CharacterSnapshot{
		CharacterID: profile.CharacterID,
		DisplayName: profile.DisplayName,
		PositionX:   profile.PositionX,
		PositionY:   profile.PositionY,
		Stats:       decodeJSONObject(profile.Stats),
		Inventory:   decodeJSONObject(profile.Inventory),
	}
}
