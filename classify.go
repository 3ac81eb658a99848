package bingest

import (
	"strconv"
	"strings"
)

// Mode is the ingestion mode for a request body, decided once per request
// from the content-type header and immutable afterwards.
type Mode int

const (
	// ModeOpaque collects the raw bytes into the body buffer.
	ModeOpaque Mode = iota
	// ModeURLEncoded decodes form attributes while, for client
	// compatibility, still collecting the raw bytes.
	ModeURLEncoded
	// ModeMultipart streams file parts to durable storage and keeps the
	// raw bytes out of the body buffer.
	ModeMultipart
)

// ExpectsForm reports whether the transport should decode form attributes
// for this mode.
func (m Mode) ExpectsForm() bool { return m == ModeURLEncoded || m == ModeMultipart }

func (m Mode) String() string {
	switch m {
	case ModeURLEncoded:
		return "urlencoded"
	case ModeMultipart:
		return "multipart"
	default:
		return "opaque"
	}
}

// classify inspects the content-type header value. The match is a
// case-insensitive prefix match so parameters like boundaries or charsets
// don't interfere. An absent header classifies as opaque.
func classify(contentType string) Mode {
	if contentType == "" {
		return ModeOpaque
	}

	lower := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(lower, "multipart/form-data"):
		return ModeMultipart
	case strings.HasPrefix(lower, "application/x-www-form-urlencoded"):
		return ModeURLEncoded
	default:
		return ModeOpaque
	}
}

// parseDeclaredLength turns a raw content-length header value into a length
// hint. Absent, malformed or negative values all yield -1: the declared
// length is only ever a hint, streaming limit enforcement stays
// authoritative.
func parseDeclaredLength(value string) int64 {
	if value == "" {
		return -1
	}

	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil || parsed < 0 {
		return -1
	}

	return parsed
}
