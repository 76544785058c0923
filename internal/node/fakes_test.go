package node

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/symmetry-node/internal/config"
	"github.com/rudransh-shrivastava/symmetry-node/internal/db"
	"github.com/rudransh-shrivastava/symmetry-node/internal/protocol"
	"github.com/rudransh-shrivastava/symmetry-node/internal/provider"
	"github.com/rudransh-shrivastava/symmetry-node/internal/store"
	"github.com/rudransh-shrivastava/symmetry-node/internal/transport"
)

const waitFor = 2 * time.Second

type fakePeer struct {
	id string

	mu       sync.Mutex
	written  [][]byte
	pressure bool
	drained  chan struct{}

	frames    chan []byte
	done      chan struct{}
	closed    atomic.Bool
	stalled   atomic.Bool
	closeOnce sync.Once
}

func newFakePeer(id string) *fakePeer {
	drained := make(chan struct{})
	close(drained)
	return &fakePeer{
		id:      id,
		drained: drained,
		frames:  make(chan []byte, 32),
		done:    make(chan struct{}),
	}
}

func (p *fakePeer) ID() string        { return p.id }
func (p *fakePeer) PublicKey() []byte { return nil }
func (p *fakePeer) Err() error        { return nil }

func (p *fakePeer) Write(frame []byte) bool {
	if p.closed.Load() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, append([]byte(nil), frame...))
	return !p.pressure
}

func (p *fakePeer) Drained() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drained
}

func (p *fakePeer) Writable() bool        { return !p.closed.Load() && !p.stalled.Load() }
func (p *fakePeer) Frames() <-chan []byte { return p.frames }
func (p *fakePeer) Done() <-chan struct{} { return p.done }

func (p *fakePeer) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.drain()
		close(p.done)
	})
	return nil
}

// block makes every following write report backpressure until drain.
func (p *fakePeer) block() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pressure {
		p.pressure = true
		p.drained = make(chan struct{})
	}
}

func (p *fakePeer) drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pressure {
		p.pressure = false
		close(p.drained)
	}
}

func (p *fakePeer) send(t *testing.T, key protocol.MessageKey, data any) {
	t.Helper()
	p.frames <- protocol.MustCreateMessage(key, data)
}

func (p *fakePeer) writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.written...)
}

func (p *fakePeer) waitWrites(t *testing.T, n int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.writes()) >= n }, waitFor, 5*time.Millisecond,
		"expected %d writes", n)
	return p.writes()
}

// keyed returns the written frames that carry a protocol key.
func (p *fakePeer) keyed() []protocol.Frame {
	var out []protocol.Frame
	for _, w := range p.writes() {
		if f, ok := protocol.SafeParse(w); ok && f.Key != "" {
			out = append(out, f)
		}
	}
	return out
}

func (p *fakePeer) countKey(key protocol.MessageKey) int {
	n := 0
	for _, f := range p.keyed() {
		if f.Key == key {
			n++
		}
	}
	return n
}

type fakeSwarm struct {
	events      chan transport.SwarmEvent
	topics      chan []byte
	destroyed   atomic.Int32
	destroyOnce sync.Once
}

func newFakeSwarm() *fakeSwarm {
	return &fakeSwarm{
		events: make(chan transport.SwarmEvent, 4),
		topics: make(chan []byte, 4),
	}
}

func (s *fakeSwarm) Join(topic []byte, _ transport.JoinOptions) (transport.Discovery, error) {
	s.topics <- topic
	h := transport.NewJoinHandle()
	h.MarkFlushed()
	return h, nil
}

func (s *fakeSwarm) Events() <-chan transport.SwarmEvent { return s.events }

func (s *fakeSwarm) Destroy() error {
	s.destroyed.Add(1)
	s.destroyOnce.Do(func() { close(s.events) })
	return nil
}

func (s *fakeSwarm) connect(p transport.Peer) {
	s.events <- transport.SwarmEvent{Peer: p}
}

// swarmFactory hands out a fresh fakeSwarm per call and keeps them all.
type swarmFactory struct {
	mu     sync.Mutex
	swarms []*fakeSwarm
}

func (f *swarmFactory) New() (transport.Swarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sw := newFakeSwarm()
	f.swarms = append(f.swarms, sw)
	return sw, nil
}

func (f *swarmFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.swarms)
}

func (f *swarmFactory) latest(t *testing.T) *fakeSwarm {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() > 0 }, waitFor, 5*time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.swarms[len(f.swarms)-1]
}

type fakeProvider struct {
	fragments []string
	err       error
	startErr  error

	mu       sync.Mutex
	requests []provider.ChatRequest
}

func (p *fakeProvider) StreamChat(ctx context.Context, req provider.ChatRequest) (iter.Seq2[provider.Fragment, error], error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.startErr != nil {
		return nil, p.startErr
	}
	return func(yield func(provider.Fragment, error) bool) {
		for _, content := range p.fragments {
			if err := ctx.Err(); err != nil {
				yield(provider.Fragment{}, err)
				return
			}
			if !yield(provider.Fragment{Content: content, Raw: rawChunk(content)}, nil) {
				return
			}
		}
		if p.err != nil {
			yield(provider.Fragment{}, p.err)
		}
	}, nil
}

func (p *fakeProvider) calls() []provider.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.ChatRequest(nil), p.requests...)
}

func rawChunk(content string) []byte {
	b, _ := json.Marshal(map[string]any{
		"object":  "chat.completion.chunk",
		"choices": []any{map[string]any{"index": 0, "delta": map[string]string{"content": content}}},
	})
	return b
}

type savedTranscript struct {
	rec        store.TranscriptRecord
	messages   []protocol.ChatMessage
	completion string
}

type fakeTranscripts struct {
	mu    sync.Mutex
	saved []savedTranscript
}

func (f *fakeTranscripts) SaveTranscript(_ context.Context, rec store.TranscriptRecord, messages []protocol.ChatMessage, completion string) (db.Transcript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, savedTranscript{rec: rec, messages: messages, completion: completion})
	return db.Transcript{Path: rec.FileName()}, nil
}

func (f *fakeTranscripts) ListTranscripts(context.Context, int) ([]db.Transcript, error) {
	return nil, nil
}

func (f *fakeTranscripts) all() []savedTranscript {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]savedTranscript(nil), f.saved...)
}

type testServer struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return testServer{pub: pub, priv: priv}
}

func testConfig(t *testing.T, server testServer) *config.ProviderConfig {
	t.Helper()
	cfg := &config.ProviderConfig{
		APIHostname: "localhost",
		APIPort:     11434,
		APIProtocol: "http",
		APIBasePath: "/v1",
		ModelName:   "llama3.2:1b",
		Name:        "test-node",
		DataPath:    t.TempDir(),
		Public:      true,
		ServerKey:   hex.EncodeToString(server.pub),
		UserSecret:  "test-user-secret",
	}
	cfg.ApplyDefaults()
	return cfg
}

type harness struct {
	node     *Node
	server   testServer
	swarms   *swarmFactory
	provider *fakeProvider
}

func newHarness(t *testing.T, prov *fakeProvider, tweak func(*config.ProviderConfig, *Options)) *harness {
	t.Helper()
	server := newTestServer(t)
	cfg := testConfig(t, server)
	log, _ := logtest.NewNullLogger()
	swarms := &swarmFactory{}

	opts := Options{
		Config:         cfg,
		Logger:         log,
		Provider:       prov,
		NewServerSwarm: swarms.New,
		SelfTestDelay:  time.Hour,
		ReconnectDelay: 10 * time.Millisecond,
	}
	if tweak != nil {
		tweak(cfg, &opts)
	}

	n, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(n.Stop)

	require.NoError(t, n.Start(context.Background()))
	return &harness{node: n, server: server, swarms: swarms, provider: prov}
}

// connect delivers a server peer and waits for the challenge and join frames.
func (h *harness) connect(t *testing.T) *fakePeer {
	t.Helper()
	p := newFakePeer("5e7ae7c0ffee" + hex.EncodeToString([]byte(t.Name()))[:8])
	h.swarms.latest(t).connect(p)
	p.waitWrites(t, 2)
	return p
}

func (h *harness) challenge(t *testing.T, p *fakePeer) []byte {
	t.Helper()
	frames := p.keyed()
	require.NotEmpty(t, frames)
	require.Equal(t, protocol.KeyChallenge, frames[0].Key)

	var req protocol.ChallengeRequest
	require.NoError(t, frames[0].Decode(&req))
	return req.Challenge
}

func (h *harness) verify(t *testing.T, p *fakePeer) {
	t.Helper()
	sig := ed25519.Sign(h.server.priv, h.challenge(t, p))
	p.send(t, protocol.KeyChallenge, protocol.ChallengeResponse{Signature: sig})
	require.Eventually(t, func() bool {
		s := h.node.ActiveSession()
		return s != nil && s.State() == SessionActive
	}, waitFor, 5*time.Millisecond)
}
