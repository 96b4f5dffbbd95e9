package intent

import (
	"fmt"
)

// Envelope peeks the discriminant `type` field common to every inbound
// and outbound message, mirroring teranos-QNTX/server/client.go's
// QueryMessage decode-then-route idiom generalized to TileMUD's intent
// types.
type Envelope struct {
	Type string `json:"type"`
}

var directions = map[string]bool{"north": true, "south": true, "east": true, "west": true}

// ValidateMove checks a decoded MoveIntent against spec.md §4.16's
// constraints. Magnitude is range-checked before flooring/clamping so an
// out-of-range value (e.g. 0 or 4.9) is rejected rather than silently
// clamped — clamping happens only to the post-floor integer in Process.
func ValidateMove(in MoveIntent) error {
	if in.Sequence < 0 {
		return fmt.Errorf("sequence must be >= 0")
	}
	if !directions[in.Direction] {
		return fmt.Errorf("direction must be one of north, south, east, west")
	}
	if in.Magnitude < 1 || in.Magnitude > 3 {
		return fmt.Errorf("magnitude must be in [1, 3]")
	}
	return nil
}

// ValidateChat checks a decoded ChatIntent against spec.md §4.16.
func ValidateChat(in ChatIntent) error {
	if in.Sequence < 0 {
		return fmt.Errorf("sequence must be >= 0")
	}
	if len(in.Channel) < 1 || len(in.Channel) > 32 {
		return fmt.Errorf("channel must be 1..32 chars")
	}
	if len(in.Message) < 1 || len(in.Message) > 280 {
		return fmt.Errorf("message must be 1..280 chars")
	}
	if in.Locale != "" && (len(in.Locale) < 2 || len(in.Locale) > 8) {
		return fmt.Errorf("locale must be 2..8 chars")
	}
	return nil
}

// ValidateAction checks a decoded ActionIntent against spec.md §4.16.
func ValidateAction(in ActionIntent) error {
	if in.Sequence < 0 {
		return fmt.Errorf("sequence must be >= 0")
	}
	if in.ActionID < 1 {
		return fmt.Errorf("actionId must be >= 1")
	}
	return nil
}
