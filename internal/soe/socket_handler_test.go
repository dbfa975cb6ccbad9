package soe

import (
	"net"
	"testing"
	"time"
)

func listenLoopbackUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestSocketHandlerAcceptsNewSessionAndExchangesData drives two real
// loopback UDP sockets through a full SOE negotiation and one round of
// application data, end to end through both SocketHandlers.
func TestSocketHandlerAcceptsNewSessionAndExchangesData(t *testing.T) {
	clientConn := listenLoopbackUDP(t)
	serverConn := listenLoopbackUDP(t)

	clientApp := &recordingApp{}
	serverApp := &recordingApp{}

	serverHandler := NewSocketHandler(serverConn, SocketHandlerConfig{
		DefaultParams: negotiationParams(),
		NewApplication: func() ApplicationProtocol {
			return serverApp
		},
	})
	clientHandler := NewSocketHandler(clientConn, SocketHandlerConfig{DefaultParams: negotiationParams()})

	clientSession := clientHandler.DialClient(serverConn.LocalAddr(), negotiationParams(), clientApp)

	deadline := time.Now().Add(2 * time.Second)
	for !clientApp.opened || !serverApp.opened {
		now := time.Now()
		if _, err := clientHandler.Tick(now); err != nil {
			t.Fatal(err)
		}
		if _, err := serverHandler.Tick(now); err != nil {
			t.Fatal(err)
		}
		if !clientSession.EnqueueData([]byte("ping")) {
			// EnqueueData refuses data until the session is Running; a later iteration retries.
			_ = clientSession
		}
		if time.Now().After(deadline) {
			t.Fatalf("negotiation did not complete: client opened=%v server opened=%v", clientApp.opened, serverApp.opened)
		}
		time.Sleep(time.Millisecond)
	}

	if serverHandler.SessionCount() != 1 {
		t.Fatalf("expected the server to track exactly one session, got %d", serverHandler.SessionCount())
	}

	deadline = time.Now().Add(2 * time.Second)
	for len(serverApp.received) == 0 {
		now := time.Now()
		clientHandler.Tick(now)
		serverHandler.Tick(now)
		if time.Now().After(deadline) {
			t.Fatal("server never received the client's application data")
		}
		time.Sleep(time.Millisecond)
	}
	if string(serverApp.received[0]) != "ping" {
		t.Fatalf("got %q", serverApp.received[0])
	}
}

func TestSocketHandlerReapsTerminatedSessions(t *testing.T) {
	clientConn := listenLoopbackUDP(t)
	serverConn := listenLoopbackUDP(t)

	serverApp := &recordingApp{}
	serverHandler := NewSocketHandler(serverConn, SocketHandlerConfig{
		DefaultParams:  negotiationParams(),
		NewApplication: func() ApplicationProtocol { return &recordingApp{} },
	})
	clientHandler := NewSocketHandler(clientConn, SocketHandlerConfig{DefaultParams: negotiationParams()})
	clientSession := clientHandler.DialClient(serverConn.LocalAddr(), negotiationParams(), &recordingApp{})

	deadline := time.Now().Add(2 * time.Second)
	for clientSession.State() != StateRunning {
		now := time.Now()
		clientHandler.Tick(now)
		serverHandler.Tick(now)
		if time.Now().After(deadline) {
			t.Fatal("negotiation never completed")
		}
		time.Sleep(time.Millisecond)
	}
	_ = serverApp

	clientSession.TerminateSession()
	deadline = time.Now().Add(2 * time.Second)
	for serverHandler.SessionCount() != 0 {
		now := time.Now()
		clientHandler.Tick(now)
		serverHandler.Tick(now)
		if time.Now().After(deadline) {
			t.Fatalf("server never reaped the terminated session, count=%d", serverHandler.SessionCount())
		}
		time.Sleep(time.Millisecond)
	}
	if clientHandler.SessionCount() != 0 {
		t.Fatalf("expected the client to have reaped its own terminated session too, got %d", clientHandler.SessionCount())
	}
}

func TestSameIP(t *testing.T) {
	a := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1000}
	b := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2000}
	c := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1000}
	if !sameIP(a, b) {
		t.Fatal("expected addresses differing only in port to share an IP")
	}
	if sameIP(a, c) {
		t.Fatal("expected addresses with different IPs to not match")
	}
}
