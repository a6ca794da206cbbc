// Package envelope builds and parses JSON-RPC 2.0 envelopes.
//
// Building never fails for encodable inputs. Parsing never panics: anything
// that is not a JSON object comes back as "no parse" so a stream reader can
// skip noise without tearing down the connection.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Version is the protocol tag value carried by every envelope.
const Version = "2.0"

// Standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification represents a JSON-RPC 2.0 notification (no ID).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response as written by a peer.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request envelope.
func NewRequest(id int64, method string, params json.RawMessage) *Request {
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewNotification builds a notification envelope. Notifications carry no id
// so the peer never replies.
func NewNotification(method string, params json.RawMessage) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// Encode serializes an envelope.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// MarshalParams converts caller params to raw JSON. nil stays nil so the
// params member is omitted; raw JSON passes through untouched.
func MarshalParams(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nil, nil
		}
		if !json.Valid(p) {
			return nil, errors.New("params are not valid JSON")
		}
		return p, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	return data, nil
}

// DecodeRequest parses a request or notification envelope. A missing id
// decodes as 0; use Parse when the distinction matters.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if req.JSONRPC != Version {
		return nil, fmt.Errorf("jsonrpc must be %s", Version)
	}
	if req.Method == "" {
		return nil, errors.New("missing method")
	}
	return &req, nil
}

// Message is a parsed inbound envelope.
type Message struct {
	// HasID is set when the envelope carries a usable identifier.
	HasID bool
	ID    int64

	// Method is set for peer-initiated requests and notifications.
	Method string

	// Result is nil when absent or null.
	Result json.RawMessage

	// Error is nil when absent or null. ErrorRaw keeps the original bytes.
	Error    *Error
	ErrorRaw json.RawMessage

	// Raw contains the original bytes.
	Raw json.RawMessage
}

// HasResult reports whether a non-null result member is present.
func (m *Message) HasResult() bool {
	return len(m.Result) > 0
}

// HasError reports whether a non-null error member is present.
func (m *Message) HasError() bool {
	return len(m.ErrorRaw) > 0
}

// ErrorDetail returns the error object as compact JSON, or "".
func (m *Message) ErrorDetail() string {
	if !m.HasError() {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, m.ErrorRaw); err != nil {
		return string(m.ErrorRaw)
	}
	return buf.String()
}

// Parse parses an inbound envelope. It returns false for anything that is
// not a JSON object; it does not validate the protocol tag, matching peers
// that omit it.
func Parse(data []byte) (*Message, bool) {
	var raw struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, false
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false
	}

	msg := &Message{
		Method: raw.Method,
		Raw:    append(json.RawMessage(nil), data...),
	}
	msg.ID, msg.HasID = parseID(raw.ID)

	if !isNull(raw.Result) {
		msg.Result = raw.Result
	}
	if !isNull(raw.Error) {
		msg.ErrorRaw = raw.Error
		var e Error
		if err := json.Unmarshal(raw.Error, &e); err == nil {
			msg.Error = &e
		} else {
			msg.Error = &Error{Code: InternalError, Message: string(raw.Error)}
		}
	}
	return msg, true
}

// parseID accepts non-negative integers, as JSON numbers or numeric strings.
func parseID(raw json.RawMessage) (int64, bool) {
	if isNull(raw) {
		return 0, false
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
	} else {
		s = string(raw)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
