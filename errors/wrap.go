package errors

import (
	"context"
	"errors"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already an *Error, the wrapper keeps its code and metadata.
// Context errors map to TIMEOUT and CANCELED; anything else becomes TRANSPORT,
// since wrapping happens at I/O boundaries.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		wrapped := &Error{
			code:      rpcErr.code,
			category:  rpcErr.category,
			message:   message,
			cause:     err,
			metadata:  rpcErr.Metadata(),
			retryable: rpcErr.retryable,
			timestamp: rpcErr.timestamp,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeTransport, message, append(opts, WithCause(err))...)
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsRPCError extracts an RPCError from an error chain, or nil.
func AsRPCError(err error) RPCError {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return nil
}

// Is checks if the outermost *Error in the chain has the given code.
func Is(err error, code ErrorCode) bool {
	return Code(err) == code
}

// IsTimeout reports whether err is a typed timeout.
func IsTimeout(err error) bool {
	return Is(err, ErrCodeTimeout)
}

// IsTransportFailure reports whether err is a transport failure, including
// calls made against a closed transport.
func IsTransportFailure(err error) bool {
	switch Code(err) {
	case ErrCodeTransport, ErrCodeClosed:
		return true
	}
	return false
}

// IsProtocol reports whether the peer returned a JSON-RPC error.
func IsProtocol(err error) bool {
	return Is(err, ErrCodeProtocol)
}

// IsMalformed reports whether the peer's response was unusable.
func IsMalformed(err error) bool {
	return Is(err, ErrCodeMalformed)
}

// Code extracts the error code from an error, if available.
// Returns empty string if err carries no *Error.
func Code(err error) ErrorCode {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.code
	}
	return ""
}

// Category extracts the error category from an error, if available.
func Category(err error) ErrorCategory {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.category
	}
	return ""
}

// GetMetadata extracts metadata from an error.
// Returns nil if err carries no *Error.
func GetMetadata(err error) map[string]string {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Metadata()
	}
	return nil
}

// Cause returns the root cause of the error chain.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := unwrapper.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}
