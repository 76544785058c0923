package node

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/symmetry-node/internal/identity"
	"github.com/rudransh-shrivastava/symmetry-node/internal/protocol"
	"github.com/rudransh-shrivastava/symmetry-node/internal/transport"
)

var ErrNoChallenge = errors.New("no outstanding challenge")

type SessionState int

const (
	SessionConnected SessionState = iota
	SessionChallenged
	SessionActive
	SessionRejected
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionConnected:
		return "connected"
	case SessionChallenged:
		return "challenged"
	case SessionActive:
		return "active"
	case SessionRejected:
		return "rejected"
	case SessionTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type sessionIDKey struct{}

func withSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

func sessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}

// Session runs the protocol for one rendezvous connection.
type Session struct {
	id     string
	node   *Node
	peer   transport.Peer
	logger *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	mu        sync.Mutex
	state     SessionState
	challenge []byte
}

func newSession(n *Node, peer transport.Peer) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(withSessionID(n.ctx, id))
	return &Session{
		id:   id,
		node: n,
		peer: peer,
		logger: n.logger.WithFields(logrus.Fields{
			"session": id[:8],
			"peer":    shortKey(peer.ID()),
		}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// start sends the challenge and join frames, then serves inbound frames.
func (s *Session) start() {
	challenge, err := identity.NewChallenge()
	if err != nil {
		s.logger.Errorf("Failed to create challenge: %v", err)
	} else {
		s.mu.Lock()
		s.challenge = challenge
		s.state = SessionChallenged
		s.mu.Unlock()
		s.send(BuildChallengeMessage(challenge))
	}

	join, err := BuildJoinMessage(s.node.cfg, s.node.DiscoveryKeyHex())
	if err != nil {
		s.logger.Errorf("Failed to build join message: %v", err)
	} else {
		s.send(join)
	}

	go s.run()
}

func (s *Session) run() {
	defer s.terminate()

	for {
		select {
		case <-s.ctx.Done():
			return
		case line, ok := <-s.peer.Frames():
			if !ok {
				return
			}
			frame, ok := protocol.SafeParse(line)
			if !ok {
				continue
			}
			if !s.dispatch(frame) {
				return
			}
		}
	}
}

// dispatch reports false when the session must stop reading.
func (s *Session) dispatch(frame protocol.Frame) bool {
	switch frame.Key {
	case protocol.KeyChallenge:
		s.verifyChallenge(frame)

	case protocol.KeyVersionMismatch:
		s.handleVersionMismatch(frame)
		return false

	case protocol.KeyInference:
		var req protocol.InferenceRequest
		if err := frame.Decode(&req); err != nil {
			s.logger.Warnf("Invalid inference request: %v", err)
			return true
		}
		s.spawn(func(ctx context.Context) {
			s.node.handleInference(ctx, s.peer, frame.Key, req)
		})

	case protocol.KeyHealthCheck:
		s.spawn(func(ctx context.Context) {
			s.node.handleHealthCheck(ctx, s.peer)
		})

	case protocol.KeyHealthCheckAck:
		s.logger.Info("Health check acknowledged by server")

	case protocol.KeyJoinAck:
		s.logger.Info("Joined the network")

	case protocol.KeyNewConversation:
		s.node.conversation.Add(1)

	default:
		s.logger.Debugf("Ignoring %s frame", frame.Key)
	}
	return true
}

// verifyChallenge consumes the outstanding challenge whatever the outcome.
// A failed verification closes the connection.
func (s *Session) verifyChallenge(frame protocol.Frame) {
	s.mu.Lock()
	challenge := s.challenge
	s.challenge = nil
	s.mu.Unlock()

	err := ErrNoChallenge
	if challenge != nil {
		var resp protocol.ChallengeResponse
		if err = frame.Decode(&resp); err == nil {
			if identity.Verify(s.node.serverKey, challenge, resp.Signature) {
				s.setState(SessionActive)
				s.logger.Info("Verified server identity")
				return
			}
			err = errors.New("signature does not match server key")
		}
	}

	s.setState(SessionRejected)
	s.logger.Errorf("Server verification failed: %v", err)
	_ = s.peer.Close()
}

func (s *Session) handleVersionMismatch(frame protocol.Frame) {
	var vm protocol.VersionMismatch
	_ = frame.Decode(&vm)
	s.logger.Errorf("Client version %s is below the network minimum %s, disconnecting",
		protocol.ClientVersion, vm.MinVersion)

	s.terminate()
	if err := s.node.conn.Destroy(); err != nil {
		s.logger.Warnf("Destroy server connection: %v", err)
	}
	// Destroy does not report the lost peer, so release it here.
	s.node.handleDisconnection(s.peer)
}

// spawn is a no-op once the session is terminated, so Wait never races Add.
func (s *Session) spawn(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.tasks.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.tasks.Done()
		fn(s.ctx)
	}()
}

// send writes a control frame unless the session is over.
func (s *Session) send(frame []byte) bool {
	if s.ctx.Err() != nil {
		return false
	}
	return s.peer.Write(frame)
}

func (s *Session) terminate() {
	s.mu.Lock()
	s.cancel()
	s.state = SessionTerminated
	s.mu.Unlock()
}

// Wait blocks until in-flight requests of this session returned.
func (s *Session) Wait() {
	s.tasks.Wait()
}
