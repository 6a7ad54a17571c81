package transport

import (
	"io"
	"net"
	"testing"
	"time"
)

// loopbackPair returns two connected, in-process net.Conn ends (a TCP
// listener dialed over loopback rather than net.Pipe, so deadlines and
// buffering behave the way the real back ends see them).
func loopbackPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case server = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("accept timed out")
	}
	return server, client
}

func TestStreamBroadcastInt(t *testing.T) {
	masterConn, slaveConn := loopbackPair(t)
	defer masterConn.Close()
	defer slaveConn.Close()

	master := NewStreamMasterBackend([2][]net.Conn{
		ChanApp:  {masterConn},
		ChanDraw: {masterConn},
	})
	slave := NewStreamSlaveBackend(1, [2]net.Conn{ChanApp: slaveConn, ChanDraw: slaveConn})

	payload := []byte{0x2a, 0x00, 0x00, 0x00}
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, len(payload))
		_, err := slave.RecvFromMaster(ChanApp, buf, false)
		if err == nil && string(buf) != string(payload) {
			t.Errorf("slave received %v, want %v", buf, payload)
		}
		done <- err
	}()

	if err := master.SendToAll(ChanApp, payload); err != nil {
		t.Fatalf("SendToAll: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("RecvFromMaster: %v", err)
	}
}

func TestStreamGatherFromThreeSlaves(t *testing.T) {
	const n = 3
	var masterConns, slaveConns [n]net.Conn
	for i := 0; i < n; i++ {
		masterConns[i], slaveConns[i] = loopbackPair(t)
		defer masterConns[i].Close()
		defer slaveConns[i].Close()
	}

	master := NewStreamMasterBackend([2][]net.Conn{
		ChanApp:  masterConns[:],
		ChanDraw: masterConns[:],
	})

	for i := 0; i < n; i++ {
		go func(i int) {
			slaveConns[i].Write([]byte{byte(10 + i)})
		}(i)
	}

	for i := 0; i < n; i++ {
		buf := make([]byte, 1)
		if _, err := master.RecvFromSlave(ChanApp, i, buf); err != nil {
			t.Fatalf("RecvFromSlave(%d): %v", i, err)
		}
		if buf[0] != byte(10+i) {
			t.Errorf("slave %d sent %d, want %d", i, buf[0], 10+i)
		}
	}
}

func TestStreamBarrier(t *testing.T) {
	masterConn, slaveConn := loopbackPair(t)
	defer masterConn.Close()
	defer slaveConn.Close()

	const slaveRank = 3
	master := NewStreamMasterBackend([2][]net.Conn{ChanApp: {masterConn}, ChanDraw: {masterConn}})
	slave := NewStreamSlaveBackend(slaveRank, [2]net.Conn{ChanApp: slaveConn, ChanDraw: slaveConn})

	done := make(chan error, 1)
	go func() { done <- slave.Barrier(ChanApp) }()

	if err := master.Barrier(ChanApp); err != nil {
		t.Fatalf("master Barrier: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("slave Barrier: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("barrier did not complete")
	}
}

// TestStreamBarrierWireBytes drives the wire directly (no StreamBackend on
// the peer side) to check spec §6's exact byte values: arrival = the
// slave's rank, release = ASCII 'g'.
func TestStreamBarrierWireBytes(t *testing.T) {
	const slaveRank = 5

	t.Run("slave side", func(t *testing.T) {
		masterRaw, slaveConn := loopbackPair(t)
		defer masterRaw.Close()
		defer slaveConn.Close()
		slave := NewStreamSlaveBackend(slaveRank, [2]net.Conn{ChanApp: slaveConn, ChanDraw: slaveConn})

		done := make(chan error, 1)
		go func() { done <- slave.Barrier(ChanApp) }()

		arrival := make([]byte, 1)
		if _, err := io.ReadFull(masterRaw, arrival); err != nil {
			t.Fatalf("read arrival: %v", err)
		}
		if arrival[0] != byte(slaveRank) {
			t.Fatalf("arrival byte = %d, want slave rank %d", arrival[0], slaveRank)
		}
		if _, err := masterRaw.Write([]byte{'g'}); err != nil {
			t.Fatalf("write release: %v", err)
		}
		if err := <-done; err != nil {
			t.Fatalf("slave Barrier: %v", err)
		}
	})

	t.Run("master side", func(t *testing.T) {
		masterConn, slaveRaw := loopbackPair(t)
		defer masterConn.Close()
		defer slaveRaw.Close()
		master := NewStreamMasterBackend([2][]net.Conn{ChanApp: {masterConn}, ChanDraw: {masterConn}})

		done := make(chan error, 1)
		go func() { done <- master.Barrier(ChanApp) }()

		if _, err := slaveRaw.Write([]byte{slaveRank}); err != nil {
			t.Fatalf("write arrival: %v", err)
		}
		release := make([]byte, 1)
		if _, err := io.ReadFull(slaveRaw, release); err != nil {
			t.Fatalf("read release: %v", err)
		}
		if release[0] != 'g' {
			t.Fatalf("release byte = %q, want 'g'", release[0])
		}
		if err := <-done; err != nil {
			t.Fatalf("master Barrier: %v", err)
		}
	})
}
