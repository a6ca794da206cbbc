// Package ledger records every JSON-RPC exchange attempt for later inspection.
//
// The ledger is append-only and safe for concurrent use. Entries are stored
// as finished snapshots; nothing in this package mutates an entry after it
// has been recorded.
package ledger

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Status is the terminal outcome of an exchange.
type Status string

const (
	// StatusSuccess means a response with a result arrived.
	StatusSuccess Status = "SUCCESS"
	// StatusError means the peer answered with an error or an unusable response.
	StatusError Status = "ERROR"
	// StatusTimeout means no response arrived within the deadline.
	StatusTimeout Status = "TIMEOUT"
	// StatusFailed means the transport failed.
	StatusFailed Status = "FAILED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout, StatusFailed:
		return true
	}
	return false
}

// Exchange is the record of one request attempt from send to outcome.
type Exchange struct {
	ID          int64
	Method      string
	Params      json.RawMessage // nil when the call had no params
	Request     json.RawMessage
	Response    json.RawMessage // nil when no response arrived
	SentAt      time.Time
	ReceivedAt  time.Time // zero when no response arrived
	Status      Status
	ErrorDetail string
}

// Latency returns the round-trip time. ok is false unless both timestamps are set.
func (e Exchange) Latency() (d time.Duration, ok bool) {
	if e.SentAt.IsZero() || e.ReceivedAt.IsZero() {
		return 0, false
	}
	return e.ReceivedAt.Sub(e.SentAt), true
}

func (e Exchange) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Exchange{id=%d, method=%q, status=%s", e.ID, e.Method, e.Status)
	if d, ok := e.Latency(); ok {
		fmt.Fprintf(&b, ", latency=%dms", d.Milliseconds())
	}
	if e.ErrorDetail != "" {
		fmt.Fprintf(&b, ", error=%q", e.ErrorDetail)
	}
	b.WriteString("}")
	return b.String()
}

// clone returns a copy that shares no byte slices with e.
func (e Exchange) clone() Exchange {
	e.Params = cloneRaw(e.Params)
	e.Request = cloneRaw(e.Request)
	e.Response = cloneRaw(e.Response)
	return e
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

// exchangeJSON is the JSON form written by WriteJSON.
type exchangeJSON struct {
	ID          int64           `json:"id"`
	Method      string          `json:"method"`
	Params      json.RawMessage `json:"params,omitempty"`
	Request     json.RawMessage `json:"request"`
	Response    json.RawMessage `json:"response,omitempty"`
	SentAt      time.Time       `json:"sent_at"`
	ReceivedAt  *time.Time      `json:"received_at,omitempty"`
	LatencyMS   *int64          `json:"latency_ms,omitempty"`
	Status      Status          `json:"status"`
	ErrorDetail string          `json:"error_detail,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Exchange) MarshalJSON() ([]byte, error) {
	j := exchangeJSON{
		ID:          e.ID,
		Method:      e.Method,
		Params:      e.Params,
		Request:     e.Request,
		Response:    e.Response,
		SentAt:      e.SentAt,
		Status:      e.Status,
		ErrorDetail: e.ErrorDetail,
	}
	if !e.ReceivedAt.IsZero() {
		r := e.ReceivedAt
		j.ReceivedAt = &r
	}
	if d, ok := e.Latency(); ok {
		ms := d.Milliseconds()
		j.LatencyMS = &ms
	}
	return json.Marshal(j)
}

// Ledger is an append-only, concurrency-safe log of exchanges.
type Ledger struct {
	mu      sync.RWMutex
	entries []Exchange
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{}
}

// Record appends a finished exchange.
func (l *Ledger) Record(e Exchange) {
	stored := e.clone()
	l.mu.Lock()
	l.entries = append(l.entries, stored)
	l.mu.Unlock()
}

// All returns a snapshot of every exchange in append order.
func (l *Ledger) All() []Exchange {
	return l.filter(func(Exchange) bool { return true })
}

// Last returns the most recent exchange.
func (l *Ledger) Last() (Exchange, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return Exchange{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// ByID returns the first exchange with the given request id.
func (l *Ledger) ByID(id int64) (Exchange, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Exchange{}, false
}

// ForMethod returns every exchange for a method name.
func (l *Ledger) ForMethod(method string) []Exchange {
	return l.filter(func(e Exchange) bool { return e.Method == method })
}

// WithStatus returns every exchange that ended with the given status.
func (l *Ledger) WithStatus(status Status) []Exchange {
	return l.filter(func(e Exchange) bool { return e.Status == status })
}

// Len returns the number of recorded exchanges.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Clear removes every recorded exchange.
func (l *Ledger) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// Summary counts exchanges per status.
func (l *Ledger) Summary() map[Status]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	counts := make(map[Status]int, 4)
	for _, e := range l.entries {
		counts[e.Status]++
	}
	return counts
}

// WriteJSON writes the snapshot as one JSON object per line.
func (l *Ledger) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, e := range l.All() {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) filter(keep func(Exchange) bool) []Exchange {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Exchange, 0, len(l.entries))
	for _, e := range l.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
