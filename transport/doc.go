// Package transport carries JSON-RPC 2.0 traffic over a split channel: a
// long-lived Server-Sent Events stream for everything the peer sends, and
// HTTP POST for everything the client sends.
//
// # Overview
//
// SSETransport opens the stream with Connect and keeps one goroutine reading
// frames from it. Outbound envelopes are POSTed to the message endpoint,
// which starts at the configured default and is replaced whenever the peer
// sends an "endpoint" event. Responses come back on the stream as "message"
// events and are matched to waiting callers by request id.
//
// # Usage
//
//	t, err := transport.NewSSETransport(transport.DefaultSSEConfig())
//	if err != nil {
//	    return err
//	}
//	defer t.Close()
//
//	if err := t.Connect(ctx); err != nil {
//	    return err
//	}
//	msg, err := t.SendRequest(ctx, payload, id)
//
// # Correlation
//
// Each in-flight request owns one slot in the pending table. Delivery, timeout
// and shutdown all remove the slot atomically, so exactly one of them decides
// the outcome. Responses for ids nobody waits on are dropped.
//
// # Failure
//
// When the stream ends without Close, every pending request fails with a
// transport error and the transport returns to the unconnected state. There
// is no automatic reconnection; a later Connect opens a fresh stream.
//
// # Thread Safety
//
// All SSETransport methods are safe for concurrent use.
package transport
