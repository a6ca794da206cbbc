package errors

// ErrorCategory classifies errors by their nature.
type ErrorCategory string

const (
	// CategoryTransient covers failures that may clear up on their own,
	// such as a slow peer or a dropped stream.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent covers failures a retry of the same request will not fix.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal covers bugs and broken invariants.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies a specific failure.
type ErrorCode string

const (
	// Transport-level outcomes
	ErrCodeTimeout   ErrorCode = "TIMEOUT"   // No correlated response before the deadline
	ErrCodeTransport ErrorCode = "TRANSPORT" // Connect, send or stream failure
	ErrCodeClosed    ErrorCode = "CLOSED"    // Transport closed

	// Peer-level outcomes
	ErrCodeProtocol  ErrorCode = "PROTOCOL"  // JSON-RPC error object returned
	ErrCodeMalformed ErrorCode = "MALFORMED" // Response without result or error

	// Local problems
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Bad arguments or unencodable params
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Caller canceled the context
	ErrCodeConflict     ErrorCode = "CONFLICT"      // Identifier already in flight
	ErrCodeInternal     ErrorCode = "INTERNAL"      // Unexpected internal error
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeTransport:
		return CategoryTransient
	case ErrCodeClosed, ErrCodeProtocol, ErrCodeMalformed,
		ErrCodeInvalidInput, ErrCodeCanceled, ErrCodeConflict:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:      "timed out waiting for response",
	ErrCodeTransport:    "transport failure",
	ErrCodeClosed:       "transport closed",
	ErrCodeProtocol:     "peer returned an error",
	ErrCodeMalformed:    "malformed response",
	ErrCodeInvalidInput: "invalid input",
	ErrCodeCanceled:     "operation canceled",
	ErrCodeConflict:     "conflicting request",
	ErrCodeInternal:     "internal error",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
