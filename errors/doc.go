// Package errors provides the structured error taxonomy shared by the
// transport, rpc and mcp packages.
//
// # Error Codes
//
// Every failure surfaced to a caller carries a code:
//
//   - TIMEOUT: no correlated response arrived before the deadline
//   - TRANSPORT: connect, send or stream I/O failed (including connection loss)
//   - CLOSED: the transport was closed; counts as a transport failure
//   - PROTOCOL: the peer answered with a JSON-RPC error object
//   - MALFORMED: the peer answered with neither result nor error
//   - INVALID_INPUT, CANCELED, CONFLICT, INTERNAL: local problems
//
// The transport only ever produces TIMEOUT, TRANSPORT, CLOSED and CANCELED.
// PROTOCOL and MALFORMED are layered on top by the rpc package.
//
// # Categories
//
// Codes map to a category (transient, permanent, internal). Retryable is
// informational only: nothing in this module retries on its own.
//
// # Usage
//
//	err := errors.New(errors.ErrCodeTimeout, "no response for request 7",
//	    errors.WithRequestID(7))
//
//	if errors.IsTimeout(err) {
//	    // caller decides whether to retry
//	}
package errors
