package node

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/symmetry-node/internal/config"
	"github.com/rudransh-shrivastava/symmetry-node/internal/identity"
	"github.com/rudransh-shrivastava/symmetry-node/internal/logger"
	"github.com/rudransh-shrivastava/symmetry-node/internal/metrics"
	"github.com/rudransh-shrivastava/symmetry-node/internal/protocol"
	"github.com/rudransh-shrivastava/symmetry-node/internal/provider"
	"github.com/rudransh-shrivastava/symmetry-node/internal/store"
	"github.com/rudransh-shrivastava/symmetry-node/internal/transport"
	"github.com/rudransh-shrivastava/symmetry-node/internal/transport/p2p"
)

// ChatProvider streams completions from the local model endpoint.
type ChatProvider interface {
	StreamChat(ctx context.Context, req provider.ChatRequest) (iter.Seq2[provider.Fragment, error], error)
}

type connection interface {
	Connect(ctx context.Context)
	Destroy() error
	IsConnected() bool
}

type Options struct {
	Config *config.ProviderConfig
	// ConfigPath receives a generated user secret when the config has none.
	ConfigPath string
	Logger     *logrus.Logger

	Provider    ChatProvider
	Transcripts store.TranscriptRepository
	Metrics     metrics.Options

	// NewServerSwarm builds the rendezvous swarm on every (re)connect.
	NewServerSwarm func() (transport.Swarm, error)
	// NewProviderSwarm builds the swarm clients reach this node on. Nil
	// disables it when NewServerSwarm is also supplied.
	NewProviderSwarm func() (transport.Swarm, error)

	SelfTestDelay     time.Duration
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
}

type Node struct {
	cfg          *config.ProviderConfig
	keys         identity.KeyPair
	discoveryKey []byte
	serverKey    []byte
	logger       *logrus.Logger

	provider         ChatProvider
	transcripts      store.TranscriptRepository
	closeTranscripts func() error
	metricsOpts      metrics.Options

	conn             connection
	newProviderSwarm func() (transport.Swarm, error)
	selfTestDelay    time.Duration
	conversation     atomic.Int64

	ctx        context.Context
	cancel     context.CancelFunc
	background sync.WaitGroup

	mu            sync.Mutex
	session       *Session
	providerSwarm transport.Swarm
	selfTest      *time.Timer
	stopped       bool
}

func New(opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("node: missing provider config")
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	if opts.ConfigPath != "" {
		created, err := cfg.EnsureUserSecret(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		if created {
			log.Infof("Generated user secret and saved it to %s", opts.ConfigPath)
		}
	}

	keys, err := identity.FromSecret(cfg.UserSecret)
	if err != nil {
		return nil, fmt.Errorf("node identity: %w", err)
	}
	discoveryKey, err := identity.DiscoveryKey(keys.PublicKey)
	if err != nil {
		return nil, err
	}
	serverKey, err := cfg.ServerPublicKey()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:              cfg,
		keys:             keys,
		discoveryKey:     discoveryKey,
		serverKey:        serverKey,
		logger:           log,
		provider:         opts.Provider,
		transcripts:      opts.Transcripts,
		metricsOpts:      opts.Metrics,
		newProviderSwarm: opts.NewProviderSwarm,
		selfTestDelay:    opts.SelfTestDelay,
		ctx:              ctx,
		cancel:           cancel,
	}

	if n.metricsOpts.MetricsInterval <= 0 {
		n.metricsOpts = metrics.DefaultOptions()
	}
	if n.selfTestDelay <= 0 {
		n.selfTestDelay = DefaultSelfTestDelay
	}
	if n.provider == nil {
		n.provider = provider.NewClient(provider.Options{
			BaseURL:  cfg.BaseURL(),
			ChatPath: cfg.APIChatPath,
			APIKey:   cfg.APIKey,
			Model:    cfg.ModelName,
		})
	}
	if n.transcripts == nil && cfg.DataCollectionEnabled {
		ts, err := store.OpenTranscriptStore(cfg.DataPath)
		if err != nil {
			cancel()
			return nil, err
		}
		n.transcripts = ts
		n.closeTranscripts = ts.Close
	}

	newServerSwarm := opts.NewServerSwarm
	if newServerSwarm == nil {
		newServerSwarm = n.defaultServerSwarm
		if n.newProviderSwarm == nil {
			n.newProviderSwarm = n.defaultProviderSwarm
		}
	}

	conn, err := NewConnectionManager(ManagerOptions{
		ServerKey:         serverKey,
		NewSwarm:          newServerSwarm,
		OnConnection:      n.handleConnection,
		OnDisconnection:   n.handleDisconnection,
		Reconnect:         cfg.ReconnectEnabled(),
		ReconnectDelay:    opts.ReconnectDelay,
		HeartbeatInterval: opts.HeartbeatInterval,
		Logger:            log,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	n.conn = conn

	return n, nil
}

func (n *Node) PublicKeyHex() string {
	return n.keys.PublicKeyHex()
}

func (n *Node) DiscoveryKeyHex() string {
	return hex.EncodeToString(n.discoveryKey)
}

// Start joins the provider topic and connects to the server. It returns once
// the server join has been flushed.
func (n *Node) Start(ctx context.Context) error {
	n.logger.Infof("Node starting, model %s via %s", n.cfg.ModelName, n.cfg.BaseURL())
	n.logger.Infof("Public key: %s", n.PublicKeyHex())
	n.logger.Infof("Discovery key: %s", n.DiscoveryKeyHex())

	if n.newProviderSwarm != nil {
		if err := n.joinProviderSwarm(); err != nil {
			return err
		}
	}

	n.conn.Connect(ctx)
	return nil
}

// Run starts the node and blocks until ctx is done or the node stops itself.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		n.Stop()
		return err
	}

	n.logger.Info("Node is now running...")
	select {
	case <-ctx.Done():
	case <-n.ctx.Done():
	}

	n.logger.Info("Shutting down node...")
	n.Stop()
	return nil
}

// Stop leaves both swarms and waits for in-flight requests. Safe to call
// more than once.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	if n.selfTest != nil {
		n.selfTest.Stop()
		n.selfTest = nil
	}
	session := n.session
	n.session = nil
	psw := n.providerSwarm
	n.providerSwarm = nil
	n.mu.Unlock()

	n.cancel()

	if err := n.conn.Destroy(); err != nil {
		n.logger.Warnf("Destroy server swarm: %v", err)
	}
	if psw != nil {
		if err := psw.Destroy(); err != nil {
			n.logger.Warnf("Destroy provider swarm: %v", err)
		}
	}
	if session != nil {
		session.terminate()
		session.Wait()
	}

	n.background.Wait()
	if n.closeTranscripts != nil {
		if err := n.closeTranscripts(); err != nil {
			n.logger.Warnf("Close transcript index: %v", err)
		}
	}
	n.logger.Info("Node stopped")
}

func (n *Node) IsConnected() bool {
	return n.conn.IsConnected()
}

// ActiveSession is nil while the node is not connected to the server.
func (n *Node) ActiveSession() *Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.session
}

func (n *Node) handleConnection(peer transport.Peer) {
	s := newSession(n, peer)

	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		s.terminate()
		return
	}
	old := n.session
	n.session = s
	n.mu.Unlock()

	if old != nil {
		old.terminate()
	}
	s.start()
	n.scheduleSelfTest()
}

func (n *Node) handleDisconnection(peer transport.Peer) {
	n.mu.Lock()
	s := n.session
	if s != nil && (peer == nil || s.peer == peer) {
		n.session = nil
	} else {
		s = nil
	}
	n.mu.Unlock()

	if s != nil {
		s.terminate()
	}
	n.cancelSelfTest()
}

func (n *Node) joinProviderSwarm() error {
	sw, err := n.newProviderSwarm()
	if err != nil {
		return fmt.Errorf("provider swarm: %w", err)
	}
	if _, err := sw.Join(n.discoveryKey, transport.JoinOptions{Server: true}); err != nil {
		_ = sw.Destroy()
		return fmt.Errorf("join provider topic: %w", err)
	}

	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return sw.Destroy()
	}
	n.providerSwarm = sw
	n.mu.Unlock()

	go n.watchProviderSwarm(sw)
	return nil
}

func (n *Node) watchProviderSwarm(sw transport.Swarm) {
	for ev := range sw.Events() {
		if ev.Err != nil {
			n.logger.Warnf("Provider swarm error: %v", ev.Err)
			continue
		}
		go n.serveProviderPeer(ev.Peer)
	}
}

// serveProviderPeer answers a client connected directly on the discovery key.
func (n *Node) serveProviderPeer(peer transport.Peer) {
	ctx, cancel := context.WithCancel(withSessionID(n.ctx, uuid.NewString()))
	var tasks sync.WaitGroup
	defer func() {
		cancel()
		tasks.Wait()
		_ = peer.Close()
	}()

	log := n.logger.WithField("peer", shortKey(peer.ID()))
	log.Info("Provider peer connected")

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-peer.Frames():
			if !ok {
				log.Info("Provider peer disconnected")
				return
			}
			frame, ok := protocol.SafeParse(line)
			if !ok {
				continue
			}

			switch frame.Key {
			case protocol.KeyNewConversation:
				n.conversation.Add(1)
			case protocol.KeyInference:
				var req protocol.InferenceRequest
				if err := frame.Decode(&req); err != nil {
					log.Warnf("Invalid inference request: %v", err)
					continue
				}
				tasks.Add(1)
				go func() {
					defer tasks.Done()
					n.handleInference(ctx, peer, protocol.KeyInference, req)
				}()
			default:
				log.Debugf("Ignoring %s frame from provider peer", frame.Key)
			}
		}
	}
}

func (n *Node) defaultServerSwarm() (transport.Swarm, error) {
	if n.cfg.ServerAddress != "" {
		return transport.NewQUICSwarm(transport.QUICSwarmOptions{
			RemoteAddr: n.cfg.ServerAddress,
			Key:        n.keys.SecretKey,
			Logger:     n.logger,
		})
	}

	// Rebuilt on every reconnect, so it runs under a throwaway libp2p
	// identity and leaves the node key to the provider swarm.
	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return p2p.New(n.ctx, p2p.Options{
		Key:            key,
		BootstrapPeers: n.cfg.BootstrapPeers,
		Logger:         n.logger,
	})
}

func (n *Node) defaultProviderSwarm() (transport.Swarm, error) {
	if n.cfg.ServerAddress != "" {
		listen := ":0"
		if len(n.cfg.ListenAddrs) > 0 {
			listen = n.cfg.ListenAddrs[0]
		}
		return transport.NewQUICSwarm(transport.QUICSwarmOptions{
			ListenAddr: listen,
			Key:        n.keys.SecretKey,
			Logger:     n.logger,
		})
	}

	return p2p.New(n.ctx, p2p.Options{
		Key:            n.keys.SecretKey,
		ListenAddrs:    n.cfg.ListenAddrs,
		BootstrapPeers: n.cfg.BootstrapPeers,
		Logger:         n.logger,
	})
}
