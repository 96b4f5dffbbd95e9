package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dkirby-ms/tilemud/internal/catalog"
	"github.com/dkirby-ms/tilemud/internal/intent"
	"github.com/dkirby-ms/tilemud/internal/pipeline"
)

// Dispatch decodes a raw client message, validates it, runs it through the
// Intent Processor, and routes the result per spec.md §4.14: an ack goes
// to the origin only; a state delta goes to the origin then broadcasts to
// every other joined client; an error goes to the origin only.
func (r *Room) Dispatch(ctx context.Context, clientID string, raw []byte) error {
	cp, ok := r.Get(clientID)
	if !ok {
		return fmt.Errorf("room: dispatch for unknown client %s", clientID)
	}

	var env intent.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		cp.enqueue(intent.ErrorEvent{Type: "event.error", Code: "MALFORMED_ENVELOPE", Category: "VALIDATION", Retryable: false, Message: "could not parse message envelope"})
		return nil
	}

	var result intent.Result
	switch env.Type {
	case "intent.move":
		var in intent.MoveIntent
		if err := json.Unmarshal(raw, &in); err != nil {
			cp.enqueue(intent.ErrorEvent{Type: "event.error", IntentType: env.Type, Code: "MALFORMED_PAYLOAD", Category: "VALIDATION", Retryable: false, Message: err.Error()})
			return nil
		}
		if err := intent.ValidateMove(in); err != nil {
			cp.enqueue(intent.ErrorEvent{Type: "event.error", IntentType: env.Type, Code: "INVALID_MOVE", Category: "VALIDATION", Retryable: false, Message: err.Error()})
			return nil
		}
		result = r.processor.ProcessMove(ctx, cp.SessionID, cp.UserID, cp.CharacterID, in)

	case "intent.chat":
		var in intent.ChatIntent
		if err := json.Unmarshal(raw, &in); err != nil {
			cp.enqueue(intent.ErrorEvent{Type: "event.error", IntentType: env.Type, Code: "MALFORMED_PAYLOAD", Category: "VALIDATION", Retryable: false, Message: err.Error()})
			return nil
		}
		if err := intent.ValidateChat(in); err != nil {
			cp.enqueue(intent.ErrorEvent{Type: "event.error", IntentType: env.Type, Code: "INVALID_CHAT", Category: "VALIDATION", Retryable: false, Message: err.Error()})
			return nil
		}
		result = r.processor.ProcessChat(ctx, cp.SessionID, cp.UserID, cp.CharacterID, in)

	case "intent.action":
		var in intent.ActionIntent
		if err := json.Unmarshal(raw, &in); err != nil {
			cp.enqueue(intent.ErrorEvent{Type: "event.error", IntentType: env.Type, Code: "MALFORMED_PAYLOAD", Category: "VALIDATION", Retryable: false, Message: err.Error()})
			return nil
		}
		if err := intent.ValidateAction(in); err != nil {
			cp.enqueue(intent.ErrorEvent{Type: "event.error", IntentType: env.Type, Code: "INVALID_ACTION", Category: "VALIDATION", Retryable: false, Message: err.Error()})
			return nil
		}
		if r.queue == nil {
			result = r.processor.ProcessAction(ctx, cp.SessionID, cp.UserID, cp.CharacterID, in)
			break
		}
		return r.enqueueAction(ctx, cp, in)

	default:
		cp.enqueue(intent.ErrorEvent{Type: "event.error", IntentType: env.Type, Code: "UNKNOWN_INTENT", Category: "VALIDATION", Retryable: false, Message: "unrecognized intent type"})
		return nil
	}

	r.route(cp, result)
	return nil
}

// enqueueAction admits a tile action onto the Action Pipeline instead of
// running it synchronously; RunActionDrain resolves it later in priority
// order (spec.md §4.8).
func (r *Room) enqueueAction(ctx context.Context, cp *ConnectedPlayer, in intent.ActionIntent) error {
	dedupeKey, _ := in.Metadata["dedupeKey"].(string)

	admitted, err := r.queue.Enqueue(ctx, pipeline.Action{
		ID:             cp.ClientID + ":" + strconv.FormatInt(in.ActionID, 10),
		PlayerID:       cp.ClientID,
		Kind:           "tile_action",
		PriorityTier:   tileActionPriorityTier,
		CategoryRank:   tileActionCategoryRank,
		InitiativeRank: 0,
		Timestamp:      pipeline.NowMillis(),
		DedupeKey:      dedupeKey,
		Payload:        in,
	})
	if err != nil {
		code, category, retryable := "ACTION_REJECTED", "CAPACITY", false
		var tmErr *catalog.TileMudError
		if errors.As(err, &tmErr) {
			code = strings.ToUpper(tmErr.Definition.ReasonKey)
			category = strings.ToUpper(string(tmErr.Definition.Category))
			retryable = tmErr.Definition.Retryable
		}
		cp.enqueue(intent.ErrorEvent{Type: "event.error", IntentType: "intent.action", Code: code, Category: category, Retryable: retryable, Message: err.Error()})
		return nil
	}
	if !admitted.Admitted {
		now := r.now()
		latency := latencyMillis(cp.LastIntentAt, now)
		cp.LastIntentAt = now
		cp.enqueue(intent.Ack{Type: "event.ack", IntentType: "intent.action", Sequence: in.Sequence, Status: "duplicate", AcknowledgedAt: now, LatencyMs: &latency})
	}
	return nil
}

// latencyMillis is the wall-clock gap between a player's last intent and
// now, floored at 0 (spec.md §4.14's per-intent latency figure).
func latencyMillis(last, now time.Time) int64 {
	ms := now.Sub(last).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

func (r *Room) route(cp *ConnectedPlayer, result intent.Result) {
	now := r.now()
	latency := latencyMillis(cp.LastIntentAt, now)
	cp.LastIntentAt = now

	if result.Error != nil {
		cp.enqueue(*result.Error)
		return
	}
	if result.Ack != nil {
		result.Ack.LatencyMs = &latency
		cp.enqueue(*result.Ack)
	}
	if result.StateDelta != nil {
		if result.StateDelta.Character != nil {
			cp.ProfileCopy.PositionX = result.StateDelta.Character.Position.X
			cp.ProfileCopy.PositionY = result.StateDelta.Character.Position.Y
		}
		cp.enqueue(*result.StateDelta)
		r.Broadcast(*result.StateDelta, cp.ClientID)
	}
}
