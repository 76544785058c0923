package transport

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

const (
	DefaultHighWaterMark = 16 * 1024
	maxFrameSize         = 4 * 1024 * 1024
	framesBuffer         = 64
)

var ErrPeerClosed = errors.New("peer closed")

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type PeerOptions struct {
	ID            string
	PublicKey     []byte
	HighWaterMark int
}

// StreamPeer frames newline-delimited messages over any byte stream and
// queues writes behind a single writer goroutine.
type StreamPeer struct {
	rwc       io.ReadWriteCloser
	id        string
	publicKey []byte
	hwm       int

	mu       sync.Mutex
	queue    [][]byte
	buffered int
	drain    chan struct{}
	closed   bool
	err      error

	dropped atomic.Int64

	wake      chan struct{}
	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewStreamPeer(rwc io.ReadWriteCloser, opts PeerOptions) *StreamPeer {
	hwm := opts.HighWaterMark
	if hwm <= 0 {
		hwm = DefaultHighWaterMark
	}

	p := &StreamPeer{
		rwc:       rwc,
		id:        opts.ID,
		publicKey: opts.PublicKey,
		hwm:       hwm,
		wake:      make(chan struct{}, 1),
		frames:    make(chan []byte, framesBuffer),
		done:      make(chan struct{}),
	}

	go p.readLoop()
	go p.writeLoop()
	return p
}

func (p *StreamPeer) ID() string        { return p.id }
func (p *StreamPeer) PublicKey() []byte { return p.publicKey }

func (p *StreamPeer) Write(frame []byte) bool {
	buf := make([]byte, len(frame)+1)
	copy(buf, frame)
	buf[len(frame)] = '\n'

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}

	p.queue = append(p.queue, buf)
	p.buffered += len(buf)

	select {
	case p.wake <- struct{}{}:
	default:
	}

	if p.buffered >= p.hwm {
		if p.drain == nil {
			p.drain = make(chan struct{})
		}
		return false
	}
	return true
}

// Drained is closed once the write queue has emptied, or the peer closed.
func (p *StreamPeer) Drained() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.drain == nil {
		return closedCh
	}
	return p.drain
}

func (p *StreamPeer) Writable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *StreamPeer) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffered
}

func (p *StreamPeer) Frames() <-chan []byte { return p.frames }
func (p *StreamPeer) Done() <-chan struct{} { return p.done }

// Err is nil after a clean close or EOF.
func (p *StreamPeer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *StreamPeer) Close() error {
	p.closeWithError(nil)
	return nil
}

func (p *StreamPeer) closeWithError(err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		if err != nil && !errors.Is(err, io.EOF) {
			p.err = err
		}
		if p.drain != nil {
			close(p.drain)
			p.drain = nil
		}
		p.queue = nil
		p.mu.Unlock()

		close(p.done)
		_ = p.rwc.Close()
	})
}

// readLoop drops any line longer than maxFrameSize and keeps reading.
func (p *StreamPeer) readLoop() {
	defer close(p.frames)

	r := bufio.NewReaderSize(p.rwc, 64*1024)
	var (
		line     []byte
		oversize bool
	)
	for {
		chunk, err := r.ReadSlice('\n')
		switch {
		case oversize:
		case len(line)+len(chunk) > maxFrameSize:
			oversize = true
			line = line[:0]
		default:
			line = append(line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if oversize {
			p.dropped.Add(1)
		} else if frame := bytes.TrimSpace(line); len(frame) > 0 {
			select {
			case p.frames <- append([]byte(nil), frame...):
			case <-p.done:
				return
			}
		}
		line = line[:0]
		oversize = false

		if err != nil {
			p.closeWithError(err)
			return
		}
	}
}

// Dropped counts inbound lines discarded for exceeding the frame size limit.
func (p *StreamPeer) Dropped() int64 {
	return p.dropped.Load()
}

func (p *StreamPeer) writeLoop() {
	for {
		select {
		case <-p.wake:
		case <-p.done:
			return
		}

		for {
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				return
			}
			if len(p.queue) == 0 {
				if p.drain != nil {
					close(p.drain)
					p.drain = nil
				}
				p.mu.Unlock()
				break
			}
			buf := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.mu.Unlock()

			if _, err := p.rwc.Write(buf); err != nil {
				p.closeWithError(err)
				return
			}

			p.mu.Lock()
			p.buffered -= len(buf)
			p.mu.Unlock()
		}
	}
}
