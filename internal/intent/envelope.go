package intent

import "time"

// Position is a 2D world coordinate (spec.md §4.13's target/origin shape).
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// MoveIntent is the inbound intent.move payload. Magnitude is a float so
// a fractional client value can still be floored per spec.md §4.13.
type MoveIntent struct {
	Sequence  int64                  `json:"sequence"`
	Direction string                 `json:"direction"`
	Magnitude float64                `json:"magnitude"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ChatIntent is the inbound intent.chat payload.
type ChatIntent struct {
	Sequence int64  `json:"sequence"`
	Channel  string `json:"channel"`
	Message  string `json:"message"`
	Locale   string `json:"locale,omitempty"`
}

// ActionIntent is the inbound intent.action payload.
type ActionIntent struct {
	Sequence int64                  `json:"sequence"`
	ActionID int64                  `json:"actionId"`
	Kind     string                 `json:"kind,omitempty"`
	Target   map[string]interface{} `json:"target,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Action kinds recognized by intent.action (spec.md §4.13).
const (
	KindMove   = "move"
	KindChat   = "chat"
	KindAbility = "ability"
	KindSystem = "system"
)

// normalizeKind maps an arbitrary client-supplied kind onto one of the
// four known action types, defaulting to "system" per spec.md §4.13.
func normalizeKind(kind string) string {
	switch kind {
	case KindMove, KindChat, KindAbility, KindSystem:
		return kind
	default:
		return KindSystem
	}
}

// CharacterState mirrors the character{...} shape carried on state deltas.
type CharacterState struct {
	CharacterID string                 `json:"characterId"`
	DisplayName string                 `json:"displayName"`
	Position    Position               `json:"position"`
	Stats       map[string]interface{} `json:"stats,omitempty"`
	Inventory   map[string]interface{} `json:"inventory,omitempty"`
}

// Effect is one entry of a state-delta's effects[] list. Target is either
// a Position (intent.move's resolved destination) or the free-form target
// map a client supplied on intent.action — both are valid JSON shapes for
// the same wire field, so it stays an interface{}.
type Effect struct {
	Type      string                 `json:"type"`
	ActionID  string                 `json:"actionId,omitempty"`
	Origin    *Position              `json:"origin,omitempty"`
	Target    interface{}            `json:"target,omitempty"`
	Direction string                 `json:"direction,omitempty"`
	Magnitude int                    `json:"magnitude,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// DurabilityMeta is the ack's optional durability{...} metadata, present
// when the intent resulted in (or matched) a persisted action event.
type DurabilityMeta struct {
	ActionID    string    `json:"actionId"`
	PersistedAt time.Time `json:"persistedAt"`
}

// Ack is the outbound event.ack envelope, covering both the join
// handshake shape and the per-intent acknowledgement shape.
type Ack struct {
	Type                string          `json:"type"`
	Reason              string          `json:"reason,omitempty"`
	SessionID           string          `json:"sessionId,omitempty"`
	IntentType          string          `json:"intentType,omitempty"`
	Sequence            int64           `json:"sequence"`
	Status              string          `json:"status,omitempty"`
	Version             string          `json:"version,omitempty"`
	AcknowledgedIntents []string        `json:"acknowledgedIntents,omitempty"`
	AcknowledgedAt      time.Time       `json:"acknowledgedAt"`
	Durability          *DurabilityMeta `json:"durability,omitempty"`
	LatencyMs           *int64          `json:"latencyMs,omitempty"`
	Message             string          `json:"message,omitempty"`
}

// StateDelta is the outbound event.state_delta envelope.
type StateDelta struct {
	Type           string          `json:"type"`
	Sequence       int64           `json:"sequence"`
	IssuedAt       time.Time       `json:"issuedAt"`
	Character      *CharacterState `json:"character,omitempty"`
	World          interface{}     `json:"world,omitempty"`
	Effects        []Effect        `json:"effects,omitempty"`
	ReconnectToken *ReconnectInfo  `json:"reconnectToken,omitempty"`
}

// ReconnectInfo is the optional reconnectToken{...} attached to a delta.
type ReconnectInfo struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ErrorEvent is the outbound event.error envelope.
type ErrorEvent struct {
	Type       string `json:"type"`
	IntentType string `json:"intentType,omitempty"`
	Sequence   *int64 `json:"sequence,omitempty"`
	Code       string `json:"code"`
	Category   string `json:"category"`
	Retryable  bool   `json:"retryable"`
	Message    string `json:"message"`
}

func newErrorEvent(intentType string, sequence int64, code, category, message string, retryable bool) ErrorEvent {
	seq := sequence
	return ErrorEvent{
		Type: "event.error", IntentType: intentType, Sequence: &seq,
		Code: code, Category: category, Retryable: retryable, Message: message,
	}
}
