// Package lifecycle runs one-time initialization shared by concurrent callers.
//
// A Gate moves through three states:
//
//	Unstarted --Ensure--> InProgress --success--> Done
//	                          |
//	                          +--failure/panic--> Unstarted
//
// The first caller to find the gate Unstarted runs the initializer. Callers
// that arrive while it runs wait for that attempt and share its outcome. A
// failed attempt leaves the gate Unstarted so the next caller tries again.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	rpcerrors "github.com/vinayprograms/streamrpc/errors"
)

// State is the gate state.
type State int

const (
	StateUnstarted State = iota
	StateInProgress
	StateDone
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateInProgress:
		return "in_progress"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// InitFunc performs initialization. It runs with the context of the caller
// that started the attempt.
type InitFunc func(ctx context.Context) error

// attempt is one run of the initializer. done closes once err is set.
type attempt struct {
	done chan struct{}
	err  error
}

// Gate guards an initializer.
type Gate struct {
	init InitFunc

	mu      sync.Mutex
	state   State
	current *attempt
}

// NewGate creates an Unstarted gate.
func NewGate(init InitFunc) *Gate {
	return &Gate{init: init}
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Done reports whether initialization has succeeded.
func (g *Gate) Done() bool {
	return g.State() == StateDone
}

// Ensure returns nil once initialization has succeeded, running the
// initializer if no attempt is under way. Callers that wait on another
// caller's attempt return that attempt's error, or a CANCELED/TIMEOUT error
// if their own ctx ends first.
func (g *Gate) Ensure(ctx context.Context) error {
	g.mu.Lock()
	switch g.state {
	case StateDone:
		g.mu.Unlock()
		return nil
	case StateInProgress:
		a := g.current
		g.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return rpcerrors.Wrap(ctx.Err(), "waiting for initialization")
		}
	}

	a := &attempt{done: make(chan struct{})}
	g.state = StateInProgress
	g.current = a
	g.mu.Unlock()

	return g.run(ctx, a)
}

func (g *Gate) run(ctx context.Context, a *attempt) (err error) {
	completed := false
	defer func() {
		if completed {
			return
		}
		r := recover()
		g.finish(a, rpcerrors.New(rpcerrors.ErrCodeInternal, fmt.Sprintf("initializer panicked: %v", r)))
		panic(r)
	}()

	err = g.init(ctx)
	completed = true
	g.finish(a, err)
	return err
}

// finish records the outcome and wakes every waiter of the attempt.
func (g *Gate) finish(a *attempt, err error) {
	g.mu.Lock()
	if err == nil {
		g.state = StateDone
	} else {
		g.state = StateUnstarted
	}
	g.current = nil
	g.mu.Unlock()

	a.err = err
	close(a.done)
}

// Do ensures initialization and then runs fn.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.Ensure(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// Reset returns a Done gate to Unstarted, for example after the underlying
// connection was replaced. It has no effect on an attempt in progress.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateDone {
		g.state = StateUnstarted
	}
}
