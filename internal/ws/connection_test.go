package ws

import (
	"net"
	"testing"
	"time"
)

// tcpPair returns a connected client/server socket pair on the loopback
// interface. Both ends are closed in t.Cleanup.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestSocketFD_DistinctPerConnection(t *testing.T) {
	_, s1 := tcpPair(t)
	_, s2 := tcpPair(t)

	fd1 := socketFD(s1)
	fd2 := socketFD(s2)

	if fd1 == -1 || fd2 == -1 {
		t.Fatalf("real sockets must yield descriptors, got %d and %d", fd1, fd2)
	}
	if fd1 == fd2 {
		t.Fatalf("descriptors must be distinct, both = %d", fd1)
	}
}

// The byFd index is only correct if every registered connection has its own
// descriptor; GetByConn must resolve each net.Conn to its own Connection.
func TestConnectionManager_GetByConnResolvesDistinctConnections(t *testing.T) {
	_, s1 := tcpPair(t)
	_, s2 := tcpPair(t)

	cm := NewConnectionManager()
	c1 := &Connection{ID: "conn-1", Conn: s1, Fd: socketFD(s1)}
	c2 := &Connection{ID: "conn-2", Conn: s2, Fd: socketFD(s2)}
	cm.Add(c1)
	cm.Add(c2)

	if got := cm.GetByConn(s1); got == nil || got.ID != "conn-1" {
		t.Errorf("GetByConn(s1) = %v, want conn-1", got)
	}
	if got := cm.GetByConn(s2); got == nil || got.ID != "conn-2" {
		t.Errorf("GetByConn(s2) = %v, want conn-2", got)
	}

	if cm.Count() != 2 {
		t.Errorf("count = %d, want 2", cm.Count())
	}
}
