package cluster

import (
	"net"
	"testing"
	"time"

	"github.com/ivs-cluster/clustersync/transport"
	"github.com/ivs-cluster/clustersync/wire"
)

func loopbackConnPair(t *testing.T) (server, client net.Conn) {
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

func TestBroadcastMessageUnframedRoundTrip(t *testing.T) {
	masterConn, slaveConn := loopbackConnPair(t)
	defer masterConn.Close()
	defer slaveConn.Close()

	masterBackend := transport.NewStreamMasterBackend([2][]net.Conn{
		ChanApp:  {masterConn},
		ChanDraw: {masterConn},
	})
	slaveBackend := transport.NewStreamSlaveBackend(1, [2]net.Conn{ChanApp: slaveConn, ChanDraw: slaveConn})

	mc := &Controller{role: RoleMaster, backend: masterBackend}
	sc := &Controller{role: RoleSlave, backend: slaveBackend}

	payload := []byte("hello cluster")
	out := &wire.Message{Header: wire.Header{SenderRank: 0, SendKind: 1, TypeTag: 9}, Payload: payload}

	recvd := make(chan *wire.Message, 1)
	errc := make(chan error, 1)
	go func() {
		m, err := sc.BroadcastMessage(ChanApp, &wire.Message{})
		if err != nil {
			errc <- err
			return
		}
		recvd <- m
		errc <- nil
	}()

	if _, err := mc.BroadcastMessage(ChanApp, out); err != nil {
		t.Fatalf("master BroadcastMessage: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("slave BroadcastMessage: %v", err)
	}
	got := <-recvd
	if string(got.Payload) != string(payload) {
		t.Fatalf("payload = %q, want %q", got.Payload, payload)
	}
	if got.TypeTag != 9 || got.SendKind != 1 {
		t.Fatalf("header mismatch: %+v", got.Header)
	}
}

func TestGatherFromSlaves(t *testing.T) {
	const n = 2
	var masterConns, slaveConns [n]net.Conn
	for i := 0; i < n; i++ {
		masterConns[i], slaveConns[i] = loopbackConnPair(t)
		defer masterConns[i].Close()
		defer slaveConns[i].Close()
	}
	masterBackend := transport.NewStreamMasterBackend([2][]net.Conn{
		ChanApp:  masterConns[:],
		ChanDraw: masterConns[:],
	})
	mc := &Controller{
		role:    RoleMaster,
		backend: masterBackend,
		slaves:  []*SlaveEndpoint{{Rank: 1}, {Rank: 2}},
	}

	for i := 0; i < n; i++ {
		go func(i int) { slaveConns[i].Write([]byte{byte(5 + i)}) }(i)
	}

	buf := NewGatherBuffer(n, 1)
	if err := mc.GatherFromSlaves(ChanApp, buf); err != nil {
		t.Fatalf("GatherFromSlaves: %v", err)
	}
	for i := 0; i < n; i++ {
		if buf.Slot(i)[0] != byte(5+i) {
			t.Errorf("slot %d = %d, want %d", i, buf.Slot(i)[0], 5+i)
		}
	}
}
