package p2p

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/symmetry-node/internal/transport"
)

func newTestSwarm(t *testing.T) (*Swarm, ed25519.PublicKey) {
	t.Helper()
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sw, err := New(context.Background(), Options{
		Key:                key,
		ListenAddrs:        []string{"/ip4/127.0.0.1/tcp/0"},
		NoDefaultBootstrap: true,
		LookupInterval:     time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sw.Destroy() })
	return sw, pub
}

func TestParseBootstrapPeers(t *testing.T) {
	infos, err := ParseBootstrapPeers([]string{
		"/ip4/104.131.131.82/tcp/4001/p2p/QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ",
	})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ", infos[0].ID.String())

	_, err = ParseBootstrapPeers([]string{"not-a-multiaddr"})
	assert.Error(t, err)

	_, err = ParseBootstrapPeers([]string{"/ip4/127.0.0.1/tcp/4001"})
	assert.Error(t, err)
}

func TestProtocolFor(t *testing.T) {
	assert.Equal(t, "/symmetry/1.0.0/abcd", string(ProtocolFor("abcd")))
}

func TestSwarmStreamBetweenHosts(t *testing.T) {
	server, serverPub := newTestSwarm(t)
	client, clientPub := newTestSwarm(t)

	topic := []byte("0123456789abcdef0123456789abcdef")
	ns := hex.EncodeToString(topic)

	_, err := server.Join(topic, transport.JoinOptions{Server: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info := peer.AddrInfo{ID: server.Host().ID(), Addrs: server.Host().Addrs()}
	require.NoError(t, client.dialPeer(ctx, ns, ProtocolFor(ns), info))

	var clientSide transport.Peer
	select {
	case ev := <-client.Events():
		require.NoError(t, ev.Err)
		clientSide = ev.Peer
	case <-ctx.Done():
		t.Fatal("timeout waiting for client side peer")
	}
	assert.Equal(t, hex.EncodeToString(serverPub), clientSide.ID())
	assert.True(t, client.isConnected(ns, server.Host().ID()))

	require.True(t, clientSide.Write([]byte(`{"key":"challenge"}`)))

	select {
	case ev := <-server.Events():
		require.NoError(t, ev.Err)
		assert.Equal(t, []byte(clientPub), ev.Peer.PublicKey())
		select {
		case frame := <-ev.Peer.Frames():
			assert.Equal(t, `{"key":"challenge"}`, string(frame))
		case <-ctx.Done():
			t.Fatal("timeout waiting for frame")
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for server side peer")
	}

	_ = client.Destroy()
	assert.False(t, clientSide.Writable())
	assert.NoError(t, client.Destroy())
}
