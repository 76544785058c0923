// Package transport provides framed peer streams and swarm membership.
package transport

import (
	"context"
	"sync"
)

// Peer is one live, framed, bidirectional stream to a remote node.
type Peer interface {
	ID() string
	PublicKey() []byte

	// Write queues one frame. It returns false once the queued bytes reach
	// the high-water mark; callers should then wait on Drained.
	Write(frame []byte) bool
	Drained() <-chan struct{}
	Writable() bool

	// Frames yields inbound frames in order and is closed when the stream ends.
	Frames() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Close() error
}

type JoinOptions struct {
	Client bool
	Server bool
}

// Discovery is the handle returned by Swarm.Join.
type Discovery interface {
	// Flushed blocks until the first announce or lookup round completed.
	Flushed(ctx context.Context) error
}

// SwarmEvent carries either a new connection or a swarm-level error.
type SwarmEvent struct {
	Peer Peer
	Err  error
}

type Swarm interface {
	Join(topic []byte, opts JoinOptions) (Discovery, error)
	Events() <-chan SwarmEvent
	Destroy() error
}

type JoinHandle struct {
	once    sync.Once
	flushed chan struct{}
}

func NewJoinHandle() *JoinHandle {
	return &JoinHandle{flushed: make(chan struct{})}
}

func (h *JoinHandle) MarkFlushed() {
	h.once.Do(func() { close(h.flushed) })
}

func (h *JoinHandle) Flushed(ctx context.Context) error {
	select {
	case <-h.flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emitter delivers swarm events from tracked goroutines. Emit must only be
// called between Enter and Exit (or inside Go) so Close can safely close
// the events channel.
type Emitter struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	events chan SwarmEvent
	done   chan struct{}
}

func NewEmitter() *Emitter {
	return &Emitter{
		events: make(chan SwarmEvent, 16),
		done:   make(chan struct{}),
	}
}

func (e *Emitter) Enter() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

func (e *Emitter) Exit() {
	e.wg.Done()
}

func (e *Emitter) Go(fn func()) bool {
	if !e.Enter() {
		return false
	}
	go func() {
		defer e.Exit()
		fn()
	}()
	return true
}

// Emit reports false when the emitter closed before the event was taken.
func (e *Emitter) Emit(ev SwarmEvent) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

func (e *Emitter) Events() <-chan SwarmEvent {
	return e.events
}

func (e *Emitter) Done() <-chan struct{} {
	return e.done
}

func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()

	e.wg.Wait()
	close(e.events)
}
