package actor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/codefionn/tablock/internal/logger"
)

var (
	// ErrStopped is returned when sending to an actor that is not running.
	ErrStopped = errors.New("actor is stopped")
	// ErrMailboxFull is returned by Send when the mailbox has no room.
	ErrMailboxFull = errors.New("actor mailbox is full")
)

// Message represents a message sent to an actor
type Message interface {
	Type() string
}

// Actor processes messages one at a time on its own goroutine. Receive is
// never called concurrently with itself, so an actor's state needs no
// locking as long as only Receive touches it.
type Actor interface {
	// Receive processes incoming messages
	Receive(ctx context.Context, msg Message) error
	// Start is called once before the first message
	Start(ctx context.Context) error
	// Stop is called once after the last message
	Stop(ctx context.Context) error
	// ID returns the actor's unique identifier
	ID() string
}

// Ref is a handle for sending messages to a running actor.
type Ref struct {
	id      string
	mailbox chan Message
	actor   Actor
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewRef creates a reference for actor with a mailbox of the given size.
// The actor does not run until Start.
func NewRef(actor Actor, mailboxSize int) *Ref {
	if mailboxSize < 1 {
		mailboxSize = 1
	}
	return &Ref{
		id:      actor.ID(),
		actor:   actor,
		mailbox: make(chan Message, mailboxSize),
		done:    make(chan struct{}),
	}
}

// ID returns the actor's ID
func (ref *Ref) ID() string {
	return ref.id
}

// Send enqueues msg without blocking.
func (ref *Ref) Send(msg Message) error {
	ref.mu.RLock()
	defer ref.mu.RUnlock()
	if ref.stopped {
		return fmt.Errorf("%s: %w", ref.id, ErrStopped)
	}

	select {
	case ref.mailbox <- msg:
		return nil
	default:
		return fmt.Errorf("%s: %w", ref.id, ErrMailboxFull)
	}
}

// SendContext enqueues msg, waiting for mailbox space until ctx is done or
// the actor stops.
func (ref *Ref) SendContext(ctx context.Context, msg Message) error {
	ref.mu.RLock()
	stopped := ref.stopped
	ref.mu.RUnlock()
	if stopped {
		return fmt.Errorf("%s: %w", ref.id, ErrStopped)
	}

	select {
	case ref.mailbox <- msg:
		return nil
	case <-ref.done:
		return fmt.Errorf("%s: %w", ref.id, ErrStopped)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start starts the actor's message processing loop. The loop ends when ctx
// is cancelled or Stop is called.
func (ref *Ref) Start(ctx context.Context) error {
	ref.mu.Lock()
	if ref.started {
		ref.mu.Unlock()
		return fmt.Errorf("actor %s already started", ref.id)
	}
	ref.started = true
	ref.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	ref.cancel = cancel

	if err := ref.actor.Start(ctx); err != nil {
		cancel()
		return err
	}

	ref.wg.Add(1)
	go ref.run(ctx)
	return nil
}

// Stop stops the actor gracefully
func (ref *Ref) Stop(ctx context.Context) error {
	ref.mu.Lock()
	if ref.stopped {
		ref.mu.Unlock()
		return nil
	}
	ref.stopped = true
	ref.mu.Unlock()

	if ref.cancel != nil {
		ref.cancel()
	}

	// Wait for actor to finish processing
	done := make(chan struct{})
	go func() {
		ref.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return ref.actor.Stop(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the actor's main message processing loop
func (ref *Ref) run(ctx context.Context) {
	defer ref.wg.Done()
	defer close(ref.done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ref.mailbox:
			ref.deliver(ctx, msg)
		}
	}
}

// deliver hands one message to the actor. A panicking handler is logged and
// the loop keeps going.
func (ref *Ref) deliver(ctx context.Context, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Actor %s panicked on %s: %v\n%s", ref.id, msg.Type(), r, debug.Stack())
		}
	}()

	if err := ref.actor.Receive(ctx, msg); err != nil {
		// Log error but continue processing
		logger.Error("Actor %s error processing %s: %v", ref.id, msg.Type(), err)
	}
}
