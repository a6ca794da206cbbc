package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/vinayprograms/streamrpc/envelope"
)

// Transport moves JSON-RPC envelopes between the client and a peer.
//
// Requests block until the correlated response arrives, the request timeout
// elapses, the context ends, or the transport fails. Implementations must be
// safe for concurrent use.
type Transport interface {
	// Connect opens the inbound channel. It is a no-op when already connected.
	Connect(ctx context.Context) error

	// SendRequest sends an encoded request and waits for the response
	// carrying id.
	SendRequest(ctx context.Context, payload []byte, id int64) (*envelope.Message, error)

	// SendNotification sends an encoded notification. No response is awaited.
	SendNotification(ctx context.Context, payload []byte) error

	// Close releases the transport. It is idempotent.
	Close() error
}

// VersionSetter is implemented by transports that advertise the negotiated
// protocol version on outbound traffic.
type VersionSetter interface {
	SetProtocolVersion(version string)
}

// StateReporter is implemented by transports that expose their connection
// state.
type StateReporter interface {
	State() State
}

// State is the connection state of a transport.
type State int32

const (
	StateUnconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// NormalizeBaseURL trims raw and ensures the path ends in a slash so that
// relative references resolve beneath it.
func NormalizeBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("base URL must not be blank")
	}
	if !strings.HasSuffix(trimmed, "/") {
		trimmed += "/"
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", raw, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", raw)
	}
	return u, nil
}

// NormalizePath trims p and ensures it starts with a slash. Blank becomes "/".
func NormalizePath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		return "/"
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return trimmed
}

// resolve resolves ref against base. Absolute references replace the base.
func resolve(base *url.URL, ref string) (*url.URL, error) {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(r), nil
}
