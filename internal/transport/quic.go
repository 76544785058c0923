package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

const (
	maxTopicLine  = 128
	acceptTimeout = 10 * time.Second
)

// Transport shares one UDP socket between dialing and listening.
type Transport struct {
	conn     *net.UDPConn
	tr       *quic.Transport
	tlsConf  *tls.Config
	quicConf *quic.Config

	mu       sync.Mutex
	listener *quic.Listener
}

func NewTransport(addr string, key ed25519.PrivateKey) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	tlsConf, err := DefaultTLSConfig(key)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &Transport{
		conn:     conn,
		tr:       &quic.Transport{Conn: conn},
		tlsConf:  tlsConf,
		quicConf: DefaultQUICConfig(),
	}, nil
}

func (t *Transport) Accept(ctx context.Context) (*quic.Conn, error) {
	ln, err := t.listen()
	if err != nil {
		return nil, err
	}
	return ln.Accept(ctx)
}

func (t *Transport) listen() (*quic.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return t.listener, nil
	}

	ln, err := t.tr.Listen(t.tlsConf, t.quicConf)
	if err != nil {
		return nil, err
	}
	t.listener = ln
	return ln, nil
}

func (t *Transport) Dial(ctx context.Context, addr string) (*quic.Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return t.tr.Dial(ctx, udpAddr, t.tlsConf.Clone(), t.quicConf)
}

func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.mu.Unlock()

	_ = t.tr.Close()
	if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// quicStream closes the whole connection along with its single stream.
type quicStream struct {
	*quic.Stream
	conn *quic.Conn
}

func (s quicStream) Close() error {
	s.Stream.CancelRead(0)
	_ = s.Stream.Close()
	return s.conn.CloseWithError(0, "")
}

type QUICSwarmOptions struct {
	// RemoteAddr is dialed by client joins.
	RemoteAddr string
	ListenAddr string
	Key        ed25519.PrivateKey

	HighWaterMark int
	Logger        *logrus.Logger
}

// QUICSwarm joins topics on a fixed rendezvous address instead of the DHT.
// Dialers announce the topic as the first line of the stream.
type QUICSwarm struct {
	opts    QUICSwarmOptions
	tr      *Transport
	emitter *Emitter
	logger  *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	topics      map[string]bool
	peers       map[*StreamPeer]struct{}
	acceptOnce  sync.Once
	destroyOnce sync.Once
}

func NewQUICSwarm(opts QUICSwarmOptions) (*QUICSwarm, error) {
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":0"
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	tr, err := NewTransport(opts.ListenAddr, opts.Key)
	if err != nil {
		return nil, fmt.Errorf("quic transport: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &QUICSwarm{
		opts:    opts,
		tr:      tr,
		emitter: NewEmitter(),
		logger:  log,
		ctx:     ctx,
		cancel:  cancel,
		topics:  make(map[string]bool),
		peers:   make(map[*StreamPeer]struct{}),
	}, nil
}

func (s *QUICSwarm) LocalAddr() net.Addr {
	return s.tr.LocalAddr()
}

func (s *QUICSwarm) Join(topic []byte, opts JoinOptions) (Discovery, error) {
	if !opts.Client && !opts.Server {
		return nil, errors.New("join needs client or server role")
	}
	if opts.Client && s.opts.RemoteAddr == "" {
		return nil, errors.New("client join needs a remote address")
	}

	key := hex.EncodeToString(topic)
	handle := NewJoinHandle()

	if opts.Server {
		s.mu.Lock()
		s.topics[key] = true
		s.mu.Unlock()

		var err error
		s.acceptOnce.Do(func() {
			if _, err = s.tr.listen(); err != nil {
				return
			}
			s.emitter.Go(s.acceptLoop)
		})
		if err != nil {
			return nil, fmt.Errorf("quic listen: %w", err)
		}
	}

	if !opts.Client {
		handle.MarkFlushed()
		return handle, nil
	}

	ok := s.emitter.Go(func() {
		defer handle.MarkFlushed()
		s.dial(key)
	})
	if !ok {
		return nil, ErrPeerClosed
	}
	return handle, nil
}

func (s *QUICSwarm) dial(topic string) {
	conn, err := s.tr.Dial(s.ctx, s.opts.RemoteAddr)
	if err != nil {
		s.emitter.Emit(SwarmEvent{Err: fmt.Errorf("dial %s: %w", s.opts.RemoteAddr, err)})
		return
	}

	stream, err := conn.OpenStreamSync(s.ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		s.emitter.Emit(SwarmEvent{Err: fmt.Errorf("open stream: %w", err)})
		return
	}

	if _, err := stream.Write([]byte(topic + "\n")); err != nil {
		_ = conn.CloseWithError(0, "")
		s.emitter.Emit(SwarmEvent{Err: fmt.Errorf("announce topic: %w", err)})
		return
	}

	s.deliver(conn, stream)
}

func (s *QUICSwarm) acceptLoop() {
	for {
		conn, err := s.tr.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.emitter.Emit(SwarmEvent{Err: fmt.Errorf("accept: %w", err)})
			}
			return
		}
		s.emitter.Go(func() { s.handleConn(conn) })
	}
}

func (s *QUICSwarm) handleConn(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(s.ctx, acceptTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		s.logger.Debugf("No stream from %s: %v", conn.RemoteAddr(), err)
		return
	}

	topic, err := readLine(stream, maxTopicLine)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		s.logger.Debugf("Bad topic line from %s: %v", conn.RemoteAddr(), err)
		return
	}

	s.mu.Lock()
	joined := s.topics[topic]
	s.mu.Unlock()
	if !joined {
		_ = conn.CloseWithError(1, "unknown topic")
		s.logger.Debugf("Rejected %s for unknown topic %s", conn.RemoteAddr(), topic)
		return
	}

	s.deliver(conn, stream)
}

func (s *QUICSwarm) deliver(conn *quic.Conn, stream *quic.Stream) {
	pub, err := RemotePublicKey(conn.ConnectionState().TLS)
	if err != nil {
		_ = conn.CloseWithError(1, "no identity")
		s.emitter.Emit(SwarmEvent{Err: err})
		return
	}

	peer := NewStreamPeer(quicStream{Stream: stream, conn: conn}, PeerOptions{
		ID:            hex.EncodeToString(pub),
		PublicKey:     pub,
		HighWaterMark: s.opts.HighWaterMark,
	})

	s.mu.Lock()
	s.peers[peer] = struct{}{}
	s.mu.Unlock()
	go func() {
		<-peer.Done()
		s.mu.Lock()
		delete(s.peers, peer)
		s.mu.Unlock()
	}()

	if !s.emitter.Emit(SwarmEvent{Peer: peer}) {
		_ = peer.Close()
	}
}

func (s *QUICSwarm) Events() <-chan SwarmEvent {
	return s.emitter.Events()
}

func (s *QUICSwarm) Destroy() error {
	var err error
	s.destroyOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		peers := make([]*StreamPeer, 0, len(s.peers))
		for p := range s.peers {
			peers = append(peers, p)
		}
		s.mu.Unlock()
		for _, p := range peers {
			_ = p.Close()
		}

		err = s.tr.Close()
		s.emitter.Close()
	})
	return err
}

// readLine reads byte by byte so nothing past the newline is consumed.
func readLine(r io.Reader, max int) (string, error) {
	buf := make([]byte, 0, 80)
	one := make([]byte, 1)
	for len(buf) < max {
		if _, err := io.ReadFull(r, one); err != nil {
			return "", err
		}
		if one[0] == '\n' {
			return string(buf), nil
		}
		buf = append(buf, one[0])
	}
	return "", errors.New("line too long")
}
