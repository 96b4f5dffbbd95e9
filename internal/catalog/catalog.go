// Package catalog is the central registry of TileMUD error definitions:
// numeric code, symbolic reason, category, retryability, and a
// human-readable message. Every error the core surfaces to a client is
// constructed from (or mapped onto) an entry here.
package catalog

// Category classifies a catalog entry for wire-protocol mapping (§7).
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryConflict   Category = "conflict"
	CategoryCapacity   Category = "capacity"
	CategoryState      Category = "state"
	CategoryRateLimit  Category = "rate_limit"
	CategorySecurity   Category = "security"
	CategoryInternal   Category = "internal"
)

// Definition is one static catalog entry.
type Definition struct {
	NumericCode   string
	ReasonKey     string
	Category      Category
	Retryable     bool
	HumanMessage  string
}

// TileMudError is a concrete error value constructed from a Definition,
// optionally carrying a RetryAfter (rate_limit category) or extra detail.
type TileMudError struct {
	Definition Definition
	RetryAfter *int // seconds; only meaningful for CategoryRateLimit
	cause      error
}

func (e *TileMudError) Error() string {
	if e.cause != nil {
		return e.Definition.HumanMessage + ": " + e.cause.Error()
	}
	return e.Definition.HumanMessage
}

func (e *TileMudError) Unwrap() error { return e.cause }

// Code returns the symbolic reason key, the identifier the wire protocol
// and the rest of the core use to refer to this error.
func (e *TileMudError) Code() string { return e.Definition.ReasonKey }

// New constructs a TileMudError for def, wrapping cause (may be nil) so
// errors.Is/errors.As still reach the underlying cause via Unwrap.
func New(def Definition, cause error) *TileMudError {
	return &TileMudError{Definition: def, cause: cause}
}

// WithRetryAfter attaches a retry-after duration (seconds, >=1) to a
// rate_limit category error and returns the same value for chaining.
func (e *TileMudError) WithRetryAfter(seconds int) *TileMudError {
	e.RetryAfter = &seconds
	return e
}

// Fixed registry. Entries required by spec.md §4.1.
var (
	InvalidTilePlacement = Definition{
		NumericCode: "E1001", ReasonKey: "invalid_tile_placement",
		Category: CategoryValidation, Retryable: false,
		HumanMessage: "tile placement is invalid",
	}
	PrecedenceConflict = Definition{
		NumericCode: "E1002", ReasonKey: "precedence_conflict",
		Category: CategoryConflict, Retryable: true,
		HumanMessage: "action conflicts with a higher-precedence action",
	}
	InstanceCapacityExceeded = Definition{
		NumericCode: "E1003", ReasonKey: "instance_capacity_exceeded",
		Category: CategoryCapacity, Retryable: false,
		HumanMessage: "instance has reached its capacity",
	}
	InstanceTerminated = Definition{
		NumericCode: "E1004", ReasonKey: "instance_terminated",
		Category: CategoryState, Retryable: false,
		HumanMessage: "instance has terminated",
	}
	GracePeriodExpired = Definition{
		NumericCode: "E1005", ReasonKey: "grace_period_expired",
		Category: CategoryState, Retryable: false,
		HumanMessage: "reconnect grace period has expired",
	}
	RateLimitExceeded = Definition{
		NumericCode: "E1006", ReasonKey: "rate_limit_exceeded",
		Category: CategoryRateLimit, Retryable: true,
		HumanMessage: "rate limit exceeded",
	}
	CrossInstanceAction = Definition{
		NumericCode: "E1007", ReasonKey: "cross_instance_action",
		Category: CategoryValidation, Retryable: false,
		HumanMessage: "action targets a different instance",
	}
	UnauthorizedPrivateMessage = Definition{
		NumericCode: "E1008", ReasonKey: "unauthorized_private_message",
		Category: CategorySecurity, Retryable: false,
		HumanMessage: "not authorized to send this private message",
	}
	RetentionExpired = Definition{
		NumericCode: "E1009", ReasonKey: "retention_expired",
		Category: CategoryState, Retryable: false,
		HumanMessage: "requested data has passed its retention window",
	}
	InternalError = Definition{
		NumericCode: "E1010", ReasonKey: "internal_error",
		Category: CategoryInternal, Retryable: true,
		HumanMessage: "internal error",
	}
)

var (
	byCode   = map[string]Definition{}
	byReason = map[string]Definition{}
	all      []Definition
)

func register(defs ...Definition) {
	for _, d := range defs {
		byCode[d.NumericCode] = d
		byReason[d.ReasonKey] = d
		all = append(all, d)
	}
}

func init() {
	register(
		InvalidTilePlacement,
		PrecedenceConflict,
		InstanceCapacityExceeded,
		InstanceTerminated,
		GracePeriodExpired,
		RateLimitExceeded,
		CrossInstanceAction,
		UnauthorizedPrivateMessage,
		RetentionExpired,
		InternalError,
	)
}

// ListCatalog returns every registered definition.
func ListCatalog() []Definition {
	out := make([]Definition, len(all))
	copy(out, all)
	return out
}

// LookupByCode finds a definition by its numeric code (e.g. "E1006").
func LookupByCode(code string) (Definition, bool) {
	d, ok := byCode[code]
	return d, ok
}

// LookupByReason finds a definition by its symbolic reason key.
func LookupByReason(reason string) (Definition, bool) {
	d, ok := byReason[reason]
	return d, ok
}
