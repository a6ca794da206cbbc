package transport

import (
	"sync"

	"github.com/vinayprograms/streamrpc/envelope"
	rpcerrors "github.com/vinayprograms/streamrpc/errors"
)

// result is what a waiting request eventually receives.
type result struct {
	msg *envelope.Message
	err error
}

// pendingTable maps in-flight request ids to their delivery slots.
//
// Every removal path (resolve, remove, failAll) deletes under the lock, so
// whichever path removes a slot first is the only one that may complete it.
type pendingTable struct {
	mu    sync.Mutex
	slots map[int64]chan result
	open  bool
}

// newPendingTable returns a table that refuses registrations until reopen.
func newPendingTable() *pendingTable {
	return &pendingTable{slots: make(map[int64]chan result)}
}

// register creates the slot for id.
func (p *pendingTable) register(id int64) (<-chan result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return nil, rpcerrors.Transport("not connected", rpcerrors.WithRequestID(id))
	}
	if _, exists := p.slots[id]; exists {
		return nil, rpcerrors.New(rpcerrors.ErrCodeConflict, "request id already in flight", rpcerrors.WithRequestID(id))
	}
	ch := make(chan result, 1)
	p.slots[id] = ch
	return ch, nil
}

// resolve delivers msg to the slot for id. It reports false when no one is
// waiting, in which case msg is dropped.
func (p *pendingTable) resolve(id int64, msg *envelope.Message) bool {
	p.mu.Lock()
	ch, ok := p.slots[id]
	if ok {
		delete(p.slots, id)
	}
	p.mu.Unlock()

	if ok {
		ch <- result{msg: msg}
	}
	return ok
}

// remove deletes the slot for id and reports whether the caller won it.
func (p *pendingTable) remove(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.slots[id]; !ok {
		return false
	}
	delete(p.slots, id)
	return true
}

// failAll completes every slot with err and refuses new registrations until
// reopen. It returns the number of requests failed.
func (p *pendingTable) failAll(err error) int {
	p.mu.Lock()
	slots := p.slots
	p.slots = make(map[int64]chan result)
	p.open = false
	p.mu.Unlock()

	for _, ch := range slots {
		ch <- result{err: err}
	}
	return len(slots)
}

// reopen allows registrations again after a new stream is established.
func (p *pendingTable) reopen() {
	p.mu.Lock()
	p.open = true
	p.mu.Unlock()
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
