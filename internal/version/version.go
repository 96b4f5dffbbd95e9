// Package version implements the protocol Version Service: reporting the
// server's protocol version and checking client-reported versions for
// compatibility.
package version

import (
	"fmt"
	"runtime"

	"github.com/Masterminds/semver/v3"
)

// Reason enumerates why a client version was judged compatible or not.
type Reason string

const (
	ReasonMatch           Reason = "match"
	ReasonBehindSupported Reason = "behind-supported"
	ReasonAheadSupported  Reason = "ahead-supported"
	ReasonMismatch        Reason = "mismatch"
	ReasonBehind          Reason = "behind"
	ReasonAhead           Reason = "ahead"
	ReasonMissing         Reason = "missing"
	ReasonInvalid         Reason = "invalid"
)

// Result is the outcome of Service.Check.
type Result struct {
	Compatible bool
	Reason     Reason
	Expected   string
	Received   string
	Message    string
}

// Service reports the server's protocol version and validates client
// versions against a supported set.
type Service struct {
	protocol  string
	current   string
	supported []*semver.Version
	supStr    []string
}

// New constructs a Service. protocol is a tag for the wire protocol name
// (independent of semantic version), current is the server's own version,
// supported is every version a connecting client may present.
func New(protocol, current string, supported []string) (*Service, error) {
	s := &Service{protocol: protocol, current: current, supStr: append([]string(nil), supported...)}
	for _, v := range supported {
		parsed, err := semver.NewVersion(v)
		if err != nil {
			return nil, fmt.Errorf("invalid supported version %q: %w", v, err)
		}
		s.supported = append(s.supported, parsed)
	}
	return s, nil
}

// Protocol returns the protocol name tag.
func (s *Service) Protocol() string { return s.protocol }

// Current returns the server's current version string.
func (s *Service) Current() string { return s.current }

// Supported returns the list of supported version strings.
func (s *Service) Supported() []string {
	return append([]string(nil), s.supStr...)
}

// Check validates clientVersion against the supported set. A version is
// compatible iff it parses and exactly matches a supported entry.
// Pre-release identifiers compare lexicographically, with an absent
// pre-release ranking higher than any present one (semver's own rule,
// which Masterminds/semver implements natively).
func (s *Service) Check(clientVersion string) Result {
	if clientVersion == "" {
		return Result{
			Compatible: false,
			Reason:     ReasonMissing,
			Expected:   s.current,
			Received:   "",
			Message:    "client version is required",
		}
	}

	client, err := semver.NewVersion(clientVersion)
	if err != nil {
		return Result{
			Compatible: false,
			Reason:     ReasonInvalid,
			Expected:   s.current,
			Received:   clientVersion,
			Message:    fmt.Sprintf("client version %q does not parse as semver", clientVersion),
		}
	}

	current, currentErr := semver.NewVersion(s.current)

	for _, sup := range s.supported {
		if client.Equal(sup) {
			reason := ReasonMatch
			if currentErr == nil {
				switch {
				case client.LessThan(current):
					reason = ReasonBehindSupported
				case client.GreaterThan(current):
					reason = ReasonAheadSupported
				}
			}
			return Result{
				Compatible: true,
				Reason:     reason,
				Expected:   s.current,
				Received:   clientVersion,
				Message:    "client version is supported",
			}
		}
	}

	// Not an exact supported match: classify relative to the full
	// supported range so the client gets an actionable reason.
	lowest, highest := s.bounds()
	switch {
	case lowest != nil && client.LessThan(lowest):
		return Result{
			Compatible: false,
			Reason:     ReasonBehind,
			Expected:   s.current,
			Received:   clientVersion,
			Message:    "client version is older than any supported version",
		}
	case highest != nil && client.GreaterThan(highest):
		return Result{
			Compatible: false,
			Reason:     ReasonAhead,
			Expected:   s.current,
			Received:   clientVersion,
			Message:    "client version is newer than any supported version",
		}
	default:
		return Result{
			Compatible: false,
			Reason:     ReasonMismatch,
			Expected:   s.current,
			Received:   clientVersion,
			Message:    "client version is not in the supported set",
		}
	}
}

func (s *Service) bounds() (lowest, highest *semver.Version) {
	for _, v := range s.supported {
		if lowest == nil || v.LessThan(lowest) {
			lowest = v
		}
		if highest == nil || v.GreaterThan(highest) {
			highest = v
		}
	}
	return lowest, highest
}

// Info is build/version metadata for GET /api/version.
type Info struct {
	Version    string `json:"version"`
	Protocol   string `json:"protocol"`
	GoVersion  string `json:"goVersion"`
	Platform   string `json:"platform"`
}

// Get returns runtime build info alongside the configured protocol version.
func (s *Service) Get() Info {
	return Info{
		Version:   s.current,
		Protocol:  s.protocol,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
