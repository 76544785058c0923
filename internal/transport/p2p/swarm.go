// Package p2p implements transport.Swarm on a libp2p host: topics are
// advertised and looked up on the Kademlia DHT and streams are NOISE secured.
package p2p

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/symmetry-node/internal/transport"
)

const (
	ProtocolPrefix = "/symmetry/1.0.0"

	defaultLookupInterval = 15 * time.Second
	advertiseRetry        = 30 * time.Second
	lookupTimeout         = 30 * time.Second
	dialTimeout           = 15 * time.Second
)

var defaultListenAddrs = []string{
	"/ip4/0.0.0.0/tcp/0",
	"/ip4/0.0.0.0/udp/0/quic-v1",
}

type Options struct {
	Key         ed25519.PrivateKey
	ListenAddrs []string

	// BootstrapPeers are multiaddrs with a /p2p/ component. When empty the
	// public IPFS bootstrap set is used unless NoDefaultBootstrap is set.
	BootstrapPeers     []string
	NoDefaultBootstrap bool

	LookupInterval time.Duration
	HighWaterMark  int
	Logger         *logrus.Logger
}

type Swarm struct {
	opts      Options
	host      host.Host
	dht       *dht.IpfsDHT
	discovery *drouting.RoutingDiscovery
	emitter   *transport.Emitter
	logger    *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	connected   map[string]map[peer.ID]*transport.StreamPeer
	destroyOnce sync.Once
}

func New(ctx context.Context, opts Options) (*Swarm, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.LookupInterval <= 0 {
		opts.LookupInterval = defaultLookupInterval
	}
	if len(opts.ListenAddrs) == 0 {
		opts.ListenAddrs = defaultListenAddrs
	}

	priv, err := crypto.UnmarshalEd25519PrivateKey(opts.Key)
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}

	bootstrap, err := ParseBootstrapPeers(opts.BootstrapPeers)
	if err != nil {
		return nil, err
	}
	if len(bootstrap) == 0 && !opts.NoDefaultBootstrap {
		bootstrap = dht.GetDefaultBootstrapPeerAddrInfos()
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(opts.ListenAddrs...),
		libp2p.Security(noise.ID, noise.New),
	)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	swarmCtx, cancel := context.WithCancel(ctx)

	kdht, err := dht.New(swarmCtx, h, dht.Mode(dht.ModeAuto), dht.BootstrapPeers(bootstrap...))
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("dht: %w", err)
	}
	if err := kdht.Bootstrap(swarmCtx); err != nil {
		cancel()
		_ = kdht.Close()
		_ = h.Close()
		return nil, fmt.Errorf("dht bootstrap: %w", err)
	}

	s := &Swarm{
		opts:      opts,
		host:      h,
		dht:       kdht,
		discovery: drouting.NewRoutingDiscovery(kdht),
		emitter:   transport.NewEmitter(),
		logger:    log,
		ctx:       swarmCtx,
		cancel:    cancel,
		connected: make(map[string]map[peer.ID]*transport.StreamPeer),
	}

	for _, info := range bootstrap {
		s.emitter.Go(func() {
			dctx, dcancel := context.WithTimeout(swarmCtx, dialTimeout)
			defer dcancel()
			if err := h.Connect(dctx, info); err != nil {
				log.Debugf("Bootstrap peer %s unreachable: %v", info.ID, err)
			}
		})
	}

	log.Debugf("libp2p host %s listening on %v", h.ID(), h.Addrs())
	return s, nil
}

func ParseBootstrapPeers(addrs []string) ([]peer.AddrInfo, error) {
	out := make([]peer.AddrInfo, 0, len(addrs))
	for _, s := range addrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("bootstrap peer %q: %w", s, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("bootstrap peer %q: %w", s, err)
		}
		out = append(out, *info)
	}
	return out, nil
}

func ProtocolFor(namespace string) protocol.ID {
	return protocol.ID(ProtocolPrefix + "/" + namespace)
}

func (s *Swarm) Host() host.Host {
	return s.host
}

func (s *Swarm) Join(topic []byte, opts transport.JoinOptions) (transport.Discovery, error) {
	if !opts.Client && !opts.Server {
		return nil, errors.New("join needs client or server role")
	}

	ns := hex.EncodeToString(topic)
	pid := ProtocolFor(ns)
	handle := transport.NewJoinHandle()

	if opts.Server {
		s.host.SetStreamHandler(pid, func(stream network.Stream) {
			s.handleStream(ns, stream)
		})
		if !s.emitter.Go(func() { s.advertise(ns, handle) }) {
			return nil, transport.ErrPeerClosed
		}
	}

	if opts.Client {
		if !s.emitter.Go(func() { s.lookup(ns, pid, handle) }) {
			return nil, transport.ErrPeerClosed
		}
	}

	return handle, nil
}

func (s *Swarm) advertise(ns string, handle *transport.JoinHandle) {
	for {
		ttl, err := s.discovery.Advertise(s.ctx, ns)
		handle.MarkFlushed()

		wait := advertiseRetry
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Debugf("Advertise %s failed: %v", short(ns), err)
		} else if ttl > 0 {
			wait = ttl * 7 / 8
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Swarm) lookup(ns string, pid protocol.ID, handle *transport.JoinHandle) {
	ticker := time.NewTicker(s.opts.LookupInterval)
	defer ticker.Stop()

	for {
		s.findPeers(ns, pid)
		handle.MarkFlushed()

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Swarm) findPeers(ns string, pid protocol.ID) {
	ctx, cancel := context.WithTimeout(s.ctx, lookupTimeout)
	defer cancel()

	found, err := s.discovery.FindPeers(ctx, ns)
	if err != nil {
		s.logger.Debugf("FindPeers %s failed: %v", short(ns), err)
		return
	}

	for info := range found {
		if info.ID == s.host.ID() || len(info.Addrs) == 0 || s.isConnected(ns, info.ID) {
			continue
		}
		if err := s.dialPeer(ctx, ns, pid, info); err != nil {
			s.logger.Debugf("Dial %s failed: %v", info.ID, err)
		}
	}
}

func (s *Swarm) dialPeer(ctx context.Context, ns string, pid protocol.ID, info peer.AddrInfo) error {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if err := s.host.Connect(dctx, info); err != nil {
		return err
	}
	stream, err := s.host.NewStream(dctx, info.ID, pid)
	if err != nil {
		return err
	}
	s.deliver(ns, stream)
	return nil
}

func (s *Swarm) handleStream(ns string, stream network.Stream) {
	if !s.emitter.Enter() {
		_ = stream.Reset()
		return
	}
	defer s.emitter.Exit()

	s.deliver(ns, stream)
}

func (s *Swarm) deliver(ns string, stream network.Stream) {
	remote := stream.Conn().RemotePeer()

	var pub []byte
	if key := stream.Conn().RemotePublicKey(); key != nil {
		if raw, err := key.Raw(); err == nil {
			pub = raw
		}
	}

	p := transport.NewStreamPeer(stream, transport.PeerOptions{
		ID:            hex.EncodeToString(pub),
		PublicKey:     pub,
		HighWaterMark: s.opts.HighWaterMark,
	})

	s.mu.Lock()
	if s.connected[ns] == nil {
		s.connected[ns] = make(map[peer.ID]*transport.StreamPeer)
	}
	s.connected[ns][remote] = p
	s.mu.Unlock()

	go func() {
		<-p.Done()
		s.mu.Lock()
		if s.connected[ns][remote] == p {
			delete(s.connected[ns], remote)
		}
		s.mu.Unlock()
	}()

	if !s.emitter.Emit(transport.SwarmEvent{Peer: p}) {
		_ = p.Close()
	}
}

func (s *Swarm) isConnected(ns string, id peer.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.connected[ns][id]
	return ok
}

func (s *Swarm) Events() <-chan transport.SwarmEvent {
	return s.emitter.Events()
}

func (s *Swarm) Destroy() error {
	var err error
	s.destroyOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		var peers []*transport.StreamPeer
		for _, byID := range s.connected {
			for _, p := range byID {
				peers = append(peers, p)
			}
		}
		s.mu.Unlock()
		for _, p := range peers {
			_ = p.Close()
		}

		err = errors.Join(s.dht.Close(), s.host.Close())
		s.emitter.Close()
	})
	return err
}

func short(ns string) string {
	if len(ns) > 8 {
		return ns[:8]
	}
	return ns
}
