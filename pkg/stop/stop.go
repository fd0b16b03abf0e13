// Package stop implements a pattern for shutting down the components of the
// tracker, concurrently within a Group and in order across stages.
package stop

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Channel is used to return zero or more errors asynchronously. Call Done()
// once to pass errors to the Channel.
type Channel chan []error

// Result is a receive-only version of Channel. Call Wait() once to receive any
// returned errors.
type Result <-chan []error

// Done adds zero or more errors to the Channel and closes it, indicating the
// caller has finished stopping. It should be called exactly once.
//
// Nil errors are dropped.
func (ch Channel) Done(errs ...error) {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}

	if len(nonNil) > 0 {
		ch <- nonNil
	}
	close(ch)
}

// Result converts a Channel to a Result.
func (ch Channel) Result() <-chan []error {
	return ch
}

// Wait blocks until Done() is called on the underlying Channel and returns any
// errors. It should be called exactly once.
func (r Result) Wait() []error {
	return <-r
}

// Stopper is an interface that allows a clean shutdown.
type Stopper interface {
	// Stop returns a channel that indicates whether the stop was
	// successful.
	//
	// The channel can either return errors or be closed.
	// Closing the channel signals a clean shutdown.
	// Stop() should return immediately and perform the actual shutdown in a
	// separate goroutine.
	Stop() Result
}

// Func is a function that can be used to provide a clean shutdown.
type Func func() Result

// Stop implements Stopper.
func (f Func) Stop() Result { return f() }

// CloserFunc adapts an io.Closer, such as a connection pool or a log file,
// into a Func that closes it asynchronously.
func CloserFunc(c io.Closer) Func {
	return func() Result {
		ch := make(Channel)
		go func() {
			ch.Done(c.Close())
		}()
		return ch.Result()
	}
}

type member struct {
	name string
	stop Func
}

// Group is a collection of named Stoppers that are stopped all at once.
type Group struct {
	mu      sync.Mutex
	members []member
}

// NewGroup allocates a new Group.
func NewGroup() *Group {
	return &Group{}
}

// Add appends a Stopper to the Group. Errors it returns are prefixed with
// name.
func (g *Group) Add(name string, s Stopper) {
	g.AddFunc(name, s.Stop)
}

// AddFunc appends a Func to the Group.
func (g *Group) AddFunc(name string, f Func) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.members = append(g.members, member{name: name, stop: f})
}

// Len returns the number of members of the Group.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.members)
}

// Stop stops all members of the Group concurrently.
//
// The slice of errors returned contains all errors returned by stopping the
// members, each wrapped with the name of its member.
func (g *Group) Stop() Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	whenDone := make(Channel)

	waits := make([]Result, len(g.members))
	for i, m := range g.members {
		waits[i] = m.stop()
		if waits[i] == nil {
			panic("stop: received a nil chan from stopping " + m.name)
		}
	}
	names := make([]string, len(g.members))
	for i, m := range g.members {
		names[i] = m.name
	}

	go func() {
		var errs []error
		for i, wait := range waits {
			for _, err := range wait.Wait() {
				errs = append(errs, errors.Wrap(err, names[i]))
			}
		}
		whenDone.Done(errs...)
	}()

	return whenDone.Result()
}

// Sequence stops each stage only once the previous one has finished, such as
// the servers writing to a store before the store itself. Errors of every
// stage are collected; a failing stage does not prevent later ones.
func Sequence(stages ...Stopper) Result {
	whenDone := make(Channel)

	go func() {
		var errs []error
		for _, s := range stages {
			errs = append(errs, s.Stop().Wait()...)
		}
		whenDone.Done(errs...)
	}()

	return whenDone.Result()
}
