package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"
)

func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	return key
}

func TestTransportCreateAndClose(t *testing.T) {
	tr, err := NewTransport("127.0.0.1:0", testKey(t))
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	defer func() { _ = tr.Close() }()

	if tr.LocalAddr() == nil {
		t.Error("Expected non-nil local address")
	}
}

func TestTransportDialAccept(t *testing.T) {
	serverKey := testKey(t)
	server, err := NewTransport("127.0.0.1:0", serverKey)
	if err != nil {
		t.Fatalf("NewTransport server failed: %v", err)
	}
	defer func() { _ = server.Close() }()

	clientKey := testKey(t)
	client, err := NewTransport("127.0.0.1:0", clientKey)
	if err != nil {
		t.Fatalf("NewTransport client failed: %v", err)
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// listen before dialing
	if _, err := server.listen(); err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	type result struct {
		pub ed25519.PublicKey
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := server.Accept(ctx)
		if err != nil {
			accepted <- result{err: err}
			return
		}
		pub, err := RemotePublicKey(conn.ConnectionState().TLS)
		accepted <- result{pub: pub, err: err}
	}()

	conn, err := client.Dial(ctx, server.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = conn.CloseWithError(0, "") }()

	serverPub, err := RemotePublicKey(conn.ConnectionState().TLS)
	if err != nil {
		t.Fatalf("client RemotePublicKey failed: %v", err)
	}
	if !serverPub.Equal(serverKey.Public()) {
		t.Error("expected server certificate to carry the server identity key")
	}

	select {
	case res := <-accepted:
		if res.err != nil {
			t.Fatalf("Accept failed: %v", res.err)
		}
		if !res.pub.Equal(clientKey.Public()) {
			t.Error("expected client certificate to carry the client identity key")
		}
	case <-ctx.Done():
		t.Fatal("Timeout waiting for connection")
	}
}

func TestQUICSwarmJoin(t *testing.T) {
	topic := []byte("0123456789abcdef0123456789abcdef")

	server, err := NewQUICSwarm(QUICSwarmOptions{ListenAddr: "127.0.0.1:0", Key: testKey(t)})
	if err != nil {
		t.Fatalf("NewQUICSwarm server failed: %v", err)
	}
	defer func() { _ = server.Destroy() }()

	if _, err := server.Join(topic, JoinOptions{Server: true, Client: false}); err != nil {
		t.Fatalf("server Join failed: %v", err)
	}

	client, err := NewQUICSwarm(QUICSwarmOptions{
		ListenAddr: "127.0.0.1:0",
		RemoteAddr: server.LocalAddr().String(),
		Key:        testKey(t),
	})
	if err != nil {
		t.Fatalf("NewQUICSwarm client failed: %v", err)
	}
	defer func() { _ = client.Destroy() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d, err := client.Join(topic, JoinOptions{Client: true})
	if err != nil {
		t.Fatalf("client Join failed: %v", err)
	}
	if err := d.Flushed(ctx); err != nil {
		t.Fatalf("Flushed failed: %v", err)
	}

	var clientPeer Peer
	select {
	case ev := <-client.Events():
		if ev.Err != nil {
			t.Fatalf("client swarm error: %v", ev.Err)
		}
		clientPeer = ev.Peer
	case <-ctx.Done():
		t.Fatal("Timeout waiting for client connection")
	}

	// the accept side only sees the stream once data flows
	clientPeer.Write([]byte(`{"key":"heartbeat"}`))

	select {
	case ev := <-server.Events():
		if ev.Err != nil {
			t.Fatalf("server swarm error: %v", ev.Err)
		}
		select {
		case frame := <-ev.Peer.Frames():
			if string(frame) != `{"key":"heartbeat"}` {
				t.Errorf("unexpected frame %s", frame)
			}
		case <-ctx.Done():
			t.Fatal("Timeout waiting for frame")
		}
	case <-ctx.Done():
		t.Fatal("Timeout waiting for server connection")
	}

	if err := client.Destroy(); err != nil {
		t.Logf("Destroy returned %v", err)
	}
	if err := client.Destroy(); err != nil {
		t.Errorf("second Destroy should be a no-op, got %v", err)
	}
	if clientPeer.Writable() {
		t.Error("expected peer to be closed after Destroy")
	}
}

func TestQUICSwarmRejectsClientWithoutAddress(t *testing.T) {
	sw, err := NewQUICSwarm(QUICSwarmOptions{ListenAddr: "127.0.0.1:0", Key: testKey(t)})
	if err != nil {
		t.Fatalf("NewQUICSwarm failed: %v", err)
	}
	defer func() { _ = sw.Destroy() }()

	if _, err := sw.Join([]byte("topic"), JoinOptions{Client: true}); err == nil {
		t.Error("expected client join without remote address to fail")
	}
}
