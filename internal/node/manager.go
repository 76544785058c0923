package node

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/symmetry-node/internal/identity"
	"github.com/rudransh-shrivastava/symmetry-node/internal/transport"
)

const (
	DefaultReconnectDelay    = time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	defaultFlushTimeout      = 30 * time.Second
)

type connState int

const (
	stateIdle connState = iota
	stateJoining
	stateConnected
	stateReconnecting
	stateStopped
	stateDestroyed
)

func (s connState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateJoining:
		return "joining"
	case stateConnected:
		return "connected"
	case stateReconnecting:
		return "reconnecting"
	case stateStopped:
		return "stopped"
	case stateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

type ManagerOptions struct {
	ServerKey []byte
	NewSwarm  func() (transport.Swarm, error)

	OnConnection func(transport.Peer)
	// OnDisconnection receives the peer that was lost, or nil when the
	// join itself failed.
	OnDisconnection func(transport.Peer)

	Reconnect         bool
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	FlushTimeout      time.Duration
	Logger            *logrus.Logger
}

// ConnectionManager keeps at most one connection to the rendezvous peer.
type ConnectionManager struct {
	opts   ManagerOptions
	topic  []byte
	logger *logrus.Logger

	mu             sync.Mutex
	state          connState
	swarm          transport.Swarm
	current        transport.Peer
	stopHeartbeat  context.CancelFunc
	reconnectTimer *time.Timer
}

func NewConnectionManager(opts ManagerOptions) (*ConnectionManager, error) {
	topic, err := identity.DiscoveryKey(opts.ServerKey)
	if err != nil {
		return nil, err
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = defaultFlushTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &ConnectionManager{
		opts:   opts,
		topic:  topic,
		logger: log,
	}, nil
}

// Connect replaces any previous swarm and joins the server topic as a client.
// Failures are logged and routed through the disconnection path.
func (m *ConnectionManager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.state == stateDestroyed {
		m.mu.Unlock()
		return
	}
	m.state = stateJoining
	old := m.swarm
	m.swarm = nil
	m.mu.Unlock()

	if old != nil {
		_ = old.Destroy()
	}

	sw, err := m.opts.NewSwarm()
	if err != nil {
		m.logger.Errorf("Failed to create swarm: %v", err)
		m.handleDisconnection(nil)
		return
	}

	disc, err := sw.Join(m.topic, transport.JoinOptions{Client: true, Server: false})
	if err != nil {
		_ = sw.Destroy()
		m.logger.Errorf("Failed to join server topic: %v", err)
		m.handleDisconnection(nil)
		return
	}

	m.mu.Lock()
	if m.state == stateDestroyed {
		m.mu.Unlock()
		_ = sw.Destroy()
		return
	}
	m.swarm = sw
	m.mu.Unlock()

	go m.watchSwarm(sw)

	fctx, cancel := context.WithTimeout(ctx, m.opts.FlushTimeout)
	defer cancel()
	if err := disc.Flushed(fctx); err != nil {
		m.logger.Warnf("Server topic join not flushed: %v", err)
		return
	}
	m.logger.Debug("Server topic join flushed")
}

func (m *ConnectionManager) watchSwarm(sw transport.Swarm) {
	for ev := range sw.Events() {
		if ev.Err != nil {
			m.logger.Errorf("Swarm error: %v", ev.Err)
			if m.ownsSwarm(sw) {
				m.handleDisconnection(nil)
			}
			continue
		}
		m.handleConnection(sw, ev.Peer)
	}
}

func (m *ConnectionManager) ownsSwarm(sw transport.Swarm) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.swarm == sw
}

func (m *ConnectionManager) handleConnection(sw transport.Swarm, peer transport.Peer) {
	m.mu.Lock()
	if m.state == stateDestroyed || m.swarm != sw {
		m.mu.Unlock()
		_ = peer.Close()
		return
	}
	if m.current != nil && m.current != peer {
		m.mu.Unlock()
		m.logger.Debugf("Dropping extra server connection %s", shortKey(peer.ID()))
		_ = peer.Close()
		return
	}

	m.state = stateConnected
	m.current = peer
	if m.stopHeartbeat != nil {
		m.stopHeartbeat()
	}
	hbCtx, cancel := context.WithCancel(context.Background())
	m.stopHeartbeat = cancel
	m.mu.Unlock()

	m.logger.Infof("Connected to server %s", shortKey(peer.ID()))

	go m.heartbeat(hbCtx, peer)
	go m.watchPeer(peer)

	if m.opts.OnConnection != nil {
		m.opts.OnConnection(peer)
	}
}

func (m *ConnectionManager) watchPeer(peer transport.Peer) {
	<-peer.Done()
	if err := peer.Err(); err != nil {
		m.logger.Warnf("Server connection error: %v", err)
	}
	m.handleDisconnection(peer)
}

func (m *ConnectionManager) heartbeat(ctx context.Context, peer transport.Peer) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !peer.Writable() {
				m.handleDisconnection(peer)
				return
			}
			peer.Write(BuildHeartbeatMessage())
		}
	}
}

// HandleDisconnection tears down the current connection and schedules a
// reconnect. Repeated calls before the next connection are no-ops.
func (m *ConnectionManager) HandleDisconnection() {
	m.handleDisconnection(nil)
}

// handleDisconnection ignores a non-nil peer that is no longer current.
func (m *ConnectionManager) handleDisconnection(peer transport.Peer) {
	m.mu.Lock()
	switch m.state {
	case stateReconnecting, stateStopped, stateDestroyed:
		m.mu.Unlock()
		return
	}
	if peer != nil && m.current != peer {
		m.mu.Unlock()
		return
	}

	current := m.current
	m.current = nil
	if m.stopHeartbeat != nil {
		m.stopHeartbeat()
		m.stopHeartbeat = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.opts.Reconnect {
		m.state = stateReconnecting
		m.reconnectTimer = time.AfterFunc(m.opts.ReconnectDelay, m.reconnect)
	} else {
		m.state = stateStopped
	}
	m.mu.Unlock()

	if current != nil {
		_ = current.Close()
	}
	m.logger.Info("Disconnected from server")

	if m.opts.OnDisconnection != nil {
		m.opts.OnDisconnection(current)
	}
}

func (m *ConnectionManager) reconnect() {
	m.mu.Lock()
	if m.state != stateReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.mu.Unlock()

	m.logger.Info("Attempting to reconnect to server")
	m.Connect(context.Background())
}

// Destroy is safe to call more than once.
func (m *ConnectionManager) Destroy() error {
	m.mu.Lock()
	if m.state == stateDestroyed {
		m.mu.Unlock()
		return nil
	}
	m.state = stateDestroyed
	if m.stopHeartbeat != nil {
		m.stopHeartbeat()
		m.stopHeartbeat = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	current := m.current
	m.current = nil
	sw := m.swarm
	m.swarm = nil
	m.mu.Unlock()

	if current != nil {
		_ = current.Close()
	}
	if sw != nil {
		return sw.Destroy()
	}
	return nil
}

func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.Writable()
}

func (m *ConnectionManager) CurrentPeer() transport.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *ConnectionManager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.String()
}

func shortKey(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
