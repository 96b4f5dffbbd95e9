// Package intent implements the Realtime Intent Processor: per-intent
// sequence evaluation, side effects, and ack/error production for
// intent.move, intent.chat, and intent.action (spec.md §4.13).
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dkirby-ms/tilemud/internal/catalog"
	"github.com/dkirby-ms/tilemud/internal/durability"
	"github.com/dkirby-ms/tilemud/internal/sequence"
	"github.com/dkirby-ms/tilemud/internal/session"
)

// chatWindowLimit/chatWindowPeriod implement spec.md §4.13's "5 messages
// per 10s window per session" as a token bucket: one token replenishes
// every period/limit, with a burst equal to the full window allowance.
// This is an approximation of a true sliding window (the same tradeoff
// internal/ratelimit avoids by using Redis sorted sets), acceptable here
// because the chat window is purely in-process and session-scoped.
const (
	chatWindowLimit  = 5
	chatWindowPeriod = 10 * time.Second
)

// durableStore is the subset of durability.Store the processor needs.
type durableStore interface {
	PersistAction(ctx context.Context, ev durability.ActionEvent) (durability.ActionEvent, bool, error)
	GetBySessionAndSequence(ctx context.Context, sessionID string, seq int64) (durability.ActionEvent, bool, error)
	GetCharacterProfile(ctx context.Context, characterID string) (durability.CharacterProfile, bool, error)
	UpdateCharacterProfile(ctx context.Context, profile durability.CharacterProfile) error
}

// sessionStore is the subset of session.Store the processor needs.
type sessionStore interface {
	RecordActionSequence(sessionID string, seq int64) (session.Session, bool)
}

// Processor runs the common sequence-handling rules plus the three
// per-intent side-effect procedures.
type Processor struct {
	seq   *sequence.Service
	store durableStore
	sess  sessionStore
	now   func() time.Time

	chatMu       sync.Mutex
	chatLimiters map[string]*rate.Limiter
}

// New constructs a Processor.
func New(seq *sequence.Service, store *durability.Store, sess *session.Store) *Processor {
	return &Processor{
		seq:          seq,
		store:        store,
		sess:         sess,
		now:          time.Now,
		chatLimiters: make(map[string]*rate.Limiter),
	}
}

// Result is the outcome of processing one intent: at most one of Ack or
// Error is populated on terminal paths; StateDelta is set only alongside
// a successful Ack that changed world-visible state.
type Result struct {
	Ack        *Ack
	StateDelta *StateDelta
	Error      *ErrorEvent
}

// Forget releases per-session chat-window state, e.g. on session close.
func (p *Processor) Forget(sessionID string) {
	p.chatMu.Lock()
	delete(p.chatLimiters, sessionID)
	p.chatMu.Unlock()
}

// evaluateSequence runs the common handling shared by every intent type.
// proceed is false whenever the caller should return the accompanying
// Result directly without running the type-specific procedure.
func (p *Processor) evaluateSequence(ctx context.Context, sessionID, intentType string, seq int64) (proceed bool, result Result) {
	ev := p.seq.Evaluate(sessionID, seq)
	switch ev.Outcome {
	case sequence.OutcomeAccept:
		return true, Result{}

	case sequence.OutcomeDuplicate:
		ack := &Ack{
			Type: "event.ack", IntentType: intentType, Sequence: seq,
			Status: "duplicate", AcknowledgedAt: p.now(),
		}
		if existing, found, err := p.store.GetBySessionAndSequence(ctx, sessionID, seq); err == nil && found {
			ack.Durability = &DurabilityMeta{ActionID: existing.ActionID.String(), PersistedAt: existing.PersistedAt}
		}
		return false, Result{Ack: ack}

	case sequence.OutcomeGap:
		ev := newErrorEvent(intentType, seq, "SEQ_GAP", "CONSISTENCY", "sequence has a gap; a full resync has been scheduled", true)
		return false, Result{Error: &ev}

	case sequence.OutcomeOutOfOrder:
		ev := newErrorEvent(intentType, seq, "SEQ_OUT_OF_ORDER", "CONSISTENCY", "sequence is out of order", true)
		return false, Result{Error: &ev}

	case sequence.OutcomeMissingSession:
		ev := newErrorEvent(intentType, seq, "SEQ_MISSING_SESSION", "CONSISTENCY", "session is not tracked; a full resync has been scheduled", true)
		return false, Result{Error: &ev}

	default: // OutcomeInvalid
		ev := newErrorEvent(intentType, seq, "SEQ_INVALID", "VALIDATION", "sequence must be a non-negative integer", false)
		return false, Result{Error: &ev}
	}
}

// translatePersistErr maps a durability-layer failure onto event.error
// per spec.md §4.13's "Persistence errors" rule: a catalog-typed error
// keeps its own code/category (uppercased), anything else becomes a
// generic ACTION_PERSIST_FAILURE. Both are reported as retryable=true,
// since a durable-write failure is assumed transient regardless of the
// underlying error's usual retryability.
func translatePersistErr(intentType string, seq int64, err error) ErrorEvent {
	var tme *catalog.TileMudError
	if e, ok := err.(*catalog.TileMudError); ok {
		tme = e
	}
	if tme != nil {
		return newErrorEvent(intentType, seq, tme.Code(), strings.ToUpper(string(tme.Definition.Category)), tme.Error(), true)
	}
	return newErrorEvent(intentType, seq, "ACTION_PERSIST_FAILURE", "SYSTEM", err.Error(), true)
}

var directionVectors = map[string]Position{
	"north": {X: 0, Y: 1},
	"south": {X: 0, Y: -1},
	"east":  {X: 1, Y: 0},
	"west":  {X: -1, Y: 0},
}

// ProcessMove runs intent.move per spec.md §4.13.
func (p *Processor) ProcessMove(ctx context.Context, sessionID, userID, characterID string, in MoveIntent) Result {
	const intentType = "intent.move"
	if proceed, res := p.evaluateSequence(ctx, sessionID, intentType, in.Sequence); !proceed {
		return res
	}

	profile, _, err := p.store.GetCharacterProfile(ctx, characterID)
	if err != nil {
		ev := translatePersistErr(intentType, in.Sequence, err)
		return Result{Error: &ev}
	}

	magnitude := int(math.Floor(in.Magnitude))
	if magnitude < 1 {
		magnitude = 1
	} else if magnitude > 3 {
		magnitude = 3
	}

	origin := Position{X: profile.PositionX, Y: profile.PositionY}
	vec := directionVectors[in.Direction]
	target := Position{X: origin.X + vec.X*float64(magnitude), Y: origin.Y + vec.Y*float64(magnitude)}

	payload, _ := json.Marshal(struct {
		Direction string                 `json:"direction"`
		Magnitude float64                `json:"magnitude"`
		Origin    Position               `json:"origin"`
		Target    Position               `json:"target"`
		Metadata  map[string]interface{} `json:"metadata,omitempty"`
	}{Direction: in.Direction, Magnitude: in.Magnitude, Origin: origin, Target: target, Metadata: in.Metadata})

	persisted, duplicate, err := p.store.PersistAction(ctx, durability.ActionEvent{
		SessionID: sessionID, UserID: userID, CharacterID: characterID,
		SequenceNumber: in.Sequence, ActionType: "move", Payload: payload,
	})
	if err != nil {
		ev := translatePersistErr(intentType, in.Sequence, err)
		return Result{Error: &ev}
	}

	profile.PositionX, profile.PositionY = target.X, target.Y
	if err := p.store.UpdateCharacterProfile(ctx, profile); err != nil {
		ev := translatePersistErr(intentType, in.Sequence, err)
		return Result{Error: &ev}
	}

	p.seq.Acknowledge(sessionID, in.Sequence)
	p.sess.RecordActionSequence(sessionID, in.Sequence)

	now := p.now()
	status := "applied"
	if duplicate {
		status = "duplicate"
	}
	ack := &Ack{
		Type: "event.ack", IntentType: intentType, Sequence: in.Sequence,
		Status: status, AcknowledgedAt: now,
		Durability: &DurabilityMeta{ActionID: persisted.ActionID.String(), PersistedAt: persisted.PersistedAt},
	}

	delta := &StateDelta{
		Type: "event.state_delta", Sequence: in.Sequence, IssuedAt: now,
		Character: &CharacterState{
			CharacterID: profile.CharacterID, DisplayName: profile.DisplayName,
			Position: target,
		},
		Effects: []Effect{{
			Type: "movement", ActionID: persisted.ActionID.String(),
			Origin: &origin, Target: target,
			Direction: in.Direction, Magnitude: magnitude,
		}},
	}

	return Result{Ack: ack, StateDelta: delta}
}

func (p *Processor) chatLimiterFor(sessionID string) *rate.Limiter {
	p.chatMu.Lock()
	defer p.chatMu.Unlock()
	l, ok := p.chatLimiters[sessionID]
	if !ok {
		l = rate.NewLimiter(rate.Every(chatWindowPeriod/chatWindowLimit), chatWindowLimit)
		p.chatLimiters[sessionID] = l
	}
	return l
}

// enforceChatWindow reports whether sessionID may send a chat message
// right now. On denial, it returns the number of whole seconds (>=1) the
// caller should wait, without leaving the limiter holding a reservation
// for a message that was never sent.
func (p *Processor) enforceChatWindow(sessionID string) (allowed bool, retryAfterSeconds int) {
	limiter := p.chatLimiterFor(sessionID)
	now := p.now()
	r := limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, 1
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		secs := int(math.Ceil(delay.Seconds()))
		if secs < 1 {
			secs = 1
		}
		return false, secs
	}
	return true, 0
}

// ProcessChat runs intent.chat per spec.md §4.13.
func (p *Processor) ProcessChat(ctx context.Context, sessionID, userID, characterID string, in ChatIntent) Result {
	const intentType = "intent.chat"
	if proceed, res := p.evaluateSequence(ctx, sessionID, intentType, in.Sequence); !proceed {
		return res
	}

	if allowed, retryAfter := p.enforceChatWindow(sessionID); !allowed {
		ev := newErrorEvent(intentType, in.Sequence, "CHAT_RATE_LIMIT_EXCEEDED", "RATE_LIMIT",
			fmt.Sprintf("chat rate limit exceeded, retry after %ds", retryAfter), false)
		return Result{Error: &ev}
	}

	payload, _ := json.Marshal(struct {
		Channel string `json:"channel"`
		Message string `json:"message"`
		Locale  string `json:"locale,omitempty"`
	}{Channel: in.Channel, Message: in.Message, Locale: in.Locale})

	persisted, duplicate, err := p.store.PersistAction(ctx, durability.ActionEvent{
		SessionID: sessionID, UserID: userID, CharacterID: characterID,
		SequenceNumber: in.Sequence, ActionType: "chat", Payload: payload,
	})
	if err != nil {
		ev := translatePersistErr(intentType, in.Sequence, err)
		return Result{Error: &ev}
	}

	p.seq.Acknowledge(sessionID, in.Sequence)
	p.sess.RecordActionSequence(sessionID, in.Sequence)

	status := "applied"
	if duplicate {
		status = "duplicate"
	}
	ack := &Ack{
		Type: "event.ack", IntentType: intentType, Sequence: in.Sequence,
		Status: status, AcknowledgedAt: p.now(),
		Durability: &DurabilityMeta{ActionID: persisted.ActionID.String(), PersistedAt: persisted.PersistedAt},
	}
	return Result{Ack: ack}
}

// ProcessAction runs intent.action per spec.md §4.13.
func (p *Processor) ProcessAction(ctx context.Context, sessionID, userID, characterID string, in ActionIntent) Result {
	const intentType = "intent.action"
	if proceed, res := p.evaluateSequence(ctx, sessionID, intentType, in.Sequence); !proceed {
		return res
	}

	kind := normalizeKind(in.Kind)
	actionIDStr := strconv.FormatInt(in.ActionID, 10)

	payload, _ := json.Marshal(struct {
		ActionID int64                  `json:"actionId"`
		Kind     string                 `json:"kind"`
		Target   map[string]interface{} `json:"target,omitempty"`
		Metadata map[string]interface{} `json:"metadata,omitempty"`
	}{ActionID: in.ActionID, Kind: kind, Target: in.Target, Metadata: in.Metadata})

	persisted, duplicate, err := p.store.PersistAction(ctx, durability.ActionEvent{
		SessionID: sessionID, UserID: userID, CharacterID: characterID,
		SequenceNumber: in.Sequence, ActionType: kind, Payload: payload,
	})
	if err != nil {
		ev := translatePersistErr(intentType, in.Sequence, err)
		return Result{Error: &ev}
	}

	p.seq.Acknowledge(sessionID, in.Sequence)
	p.sess.RecordActionSequence(sessionID, in.Sequence)

	now := p.now()
	status := "applied"
	if duplicate {
		status = "duplicate"
	}
	ack := &Ack{
		Type: "event.ack", IntentType: intentType, Sequence: in.Sequence,
		Status: status, AcknowledgedAt: now,
		Durability: &DurabilityMeta{ActionID: persisted.ActionID.String(), PersistedAt: persisted.PersistedAt},
	}

	var target interface{}
	if in.Target != nil {
		target = in.Target
	}
	delta := &StateDelta{
		Type: "event.state_delta", Sequence: in.Sequence, IssuedAt: now,
		Effects: []Effect{{
			Type: kind, ActionID: actionIDStr, Target: target, Metadata: in.Metadata,
		}},
	}

	return Result{Ack: ack, StateDelta: delta}
}
