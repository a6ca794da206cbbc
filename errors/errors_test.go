package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// ============================================================================
// 1. Error creation with different codes/categories
// ============================================================================

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		message      string
		wantCategory ErrorCategory
	}{
		{"timeout", ErrCodeTimeout, "no response", CategoryTransient},
		{"transport", ErrCodeTransport, "stream dropped", CategoryTransient},
		{"closed", ErrCodeClosed, "transport closed", CategoryPermanent},
		{"protocol", ErrCodeProtocol, "method not found", CategoryPermanent},
		{"malformed", ErrCodeMalformed, "missing result", CategoryPermanent},
		{"internal", ErrCodeInternal, "internal error", CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != tt.message {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.message)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeClosed)
	if err.Error() != "transport closed" {
		t.Errorf("Error() = %v, want %v", err.Error(), "transport closed")
	}
	if ErrorCode("BOGUS").Description() != "unknown error" {
		t.Error("unknown code should have generic description")
	}
}

// ============================================================================
// 2. Retryable vs non-retryable errors
// ============================================================================

func TestRetryable(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		wantRetry bool
	}{
		{ErrCodeTimeout, true},
		{ErrCodeTransport, true},
		{ErrCodeClosed, false},
		{ErrCodeProtocol, false},
		{ErrCodeInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := New(tt.code, "test").Retryable(); got != tt.wantRetry {
				t.Errorf("Retryable() = %v, want %v", got, tt.wantRetry)
			}
		})
	}

	if New(ErrCodeTimeout, "x", WithRetryable(false)).Retryable() {
		t.Error("expected override to make timeout non-retryable")
	}
}

// ============================================================================
// 3. Metadata handling
// ============================================================================

func TestMetadata(t *testing.T) {
	err := New(ErrCodeTimeout, "test", WithRequestID(42), WithMethod("tools/list"))

	meta := err.Metadata()
	if meta["request_id"] != "42" || meta["method"] != "tools/list" {
		t.Errorf("Metadata() = %v", meta)
	}

	meta["injected"] = "evil"
	if _, ok := err.Metadata()["injected"]; ok {
		t.Error("Metadata() should return a copy")
	}

	if New(ErrCodeInternal, "x").Metadata() == nil {
		t.Error("Metadata() should return empty map, not nil")
	}
}

// ============================================================================
// 4. Wrapping and classification
// ============================================================================

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Wrap(cause, "post failed")

	if err.Error() != "post failed: connection reset" {
		t.Errorf("Error() = %v", err.Error())
	}
	if err.Code() != ErrCodeTransport {
		t.Errorf("Code() = %v, want TRANSPORT", err.Code())
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestWrapContextErrors(t *testing.T) {
	if got := Wrap(context.DeadlineExceeded, "waiting").Code(); got != ErrCodeTimeout {
		t.Errorf("deadline code = %v, want TIMEOUT", got)
	}
	if got := Wrap(context.Canceled, "waiting").Code(); got != ErrCodeCanceled {
		t.Errorf("canceled code = %v, want CANCELED", got)
	}
}

func TestWrapPreservesCode(t *testing.T) {
	inner := Timeout("no response", WithRequestID(3))
	outer := Wrap(inner, "calling initialize")

	if !IsTimeout(outer) {
		t.Error("wrapped timeout should still be a timeout")
	}
	if outer.Metadata()["request_id"] != "3" {
		t.Error("metadata should carry over")
	}
}

func TestClassifiers(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		timeout   bool
		transport bool
		protocol  bool
		malformed bool
	}{
		{"timeout", Timeout("t"), true, false, false, false},
		{"transport", Transport("t"), false, true, false, false},
		{"closed", Closed("t"), false, true, false, false},
		{"protocol", Protocol("t"), false, false, true, false},
		{"malformed", Malformed("t"), false, false, false, true},
		{"plain", fmt.Errorf("plain"), false, false, false, false},
		{"nil", nil, false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if IsTimeout(tt.err) != tt.timeout {
				t.Errorf("IsTimeout = %v", !tt.timeout)
			}
			if IsTransportFailure(tt.err) != tt.transport {
				t.Errorf("IsTransportFailure = %v", !tt.transport)
			}
			if IsProtocol(tt.err) != tt.protocol {
				t.Errorf("IsProtocol = %v", !tt.protocol)
			}
			if IsMalformed(tt.err) != tt.malformed {
				t.Errorf("IsMalformed = %v", !tt.malformed)
			}
		})
	}
}

func TestWrappedByFmt(t *testing.T) {
	err := fmt.Errorf("outer: %w", Closed("gone"))
	if !IsTransportFailure(err) {
		t.Error("classification should see through fmt wrapping")
	}
	if Category(err) != CategoryPermanent {
		t.Errorf("Category = %v", Category(err))
	}
	if AsRPCError(err) == nil {
		t.Error("AsRPCError should find the error")
	}
}

func TestCause(t *testing.T) {
	root := fmt.Errorf("root")
	err := Wrap(Wrap(root, "inner"), "outer")
	if Cause(err) != root {
		t.Errorf("Cause() = %v, want root", Cause(err))
	}
}
