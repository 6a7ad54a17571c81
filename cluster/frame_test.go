package cluster

import (
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/ivs-cluster/clustersync/cmn/cos"
	"github.com/ivs-cluster/clustersync/transport"
)

// pipeBackend is an in-process fake of transport.Backend: SendToAll on one
// end deposits into a channel the other end's RecvFromMaster drains, enough
// to drive SyncApp/SyncDraw/HeartBeat without a real transport.
type pipeBackend struct {
	toSlave  chan []byte
	barriers chan struct{}
	isMaster bool
	peer     *pipeBackend
}

func newPipePair() (master, slave *pipeBackend) {
	ch := make(chan []byte, 4)
	b := make(chan struct{}, 4)
	master = &pipeBackend{toSlave: ch, barriers: b, isMaster: true}
	slave = &pipeBackend{toSlave: ch, barriers: b, isMaster: false}
	master.peer, slave.peer = slave, master
	return
}

func (p *pipeBackend) SendToAll(_ transport.Channel, b []byte) error {
	cp := append([]byte(nil), b...)
	p.toSlave <- cp
	return nil
}

func (p *pipeBackend) RecvFromMaster(_ transport.Channel, b []byte, _ bool) (int, error) {
	got := <-p.toSlave
	n := copy(b, got)
	return n, nil
}

func (p *pipeBackend) SendToMaster(transport.Channel, []byte) error { return nil }
func (p *pipeBackend) RecvFromSlave(transport.Channel, int, []byte) (int, error) {
	return 0, nil
}

func (p *pipeBackend) Barrier(transport.Channel) error {
	p.barriers <- struct{}{}
	<-p.barriers
	return nil
}

func (p *pipeBackend) Framed() bool { return false }
func (p *pipeBackend) Close() error { return nil }

func TestSyncAppAgreement(t *testing.T) {
	master, slave := newPipePair()
	mc := &Controller{role: RoleMaster, backend: master, sproc: BarrierOnDraw}
	sc := &Controller{role: RoleSlave, backend: slave, sproc: BarrierOnDraw}

	done := make(chan error, 1)
	go func() { done <- sc.SyncApp(0) }()
	if err := mc.SyncApp(0); err != nil {
		t.Fatalf("master SyncApp: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("slave SyncApp: %v", err)
	}
	if sc.frameCount[ChanApp] != 1 {
		t.Fatalf("slave frame counter = %d, want 1", sc.frameCount[ChanApp])
	}
}

func TestSyncDrawNoopWithoutSlaves(t *testing.T) {
	master, _ := newPipePair()
	mc := &Controller{role: RoleMaster, backend: master, sproc: BarrierOnDraw, slaves: nil}
	if err := mc.SyncDraw(); err != nil {
		t.Fatalf("SyncDraw on a slave-less master: %v", err)
	}
}

// TestSyncAppFrameDivergenceAborts exercises spec.md §8 scenario 5: a slave
// whose local frame counter has drifted from the master's broadcast value
// must call cos.ExitDiverged, and the resulting diagnostic must name both
// the local and the remote frame number.
func TestSyncAppFrameDivergenceAborts(t *testing.T) {
	master, slave := newPipePair()
	mc := &Controller{role: RoleMaster, backend: master, sproc: BarrierOnDraw}
	sc := &Controller{role: RoleSlave, backend: slave, sproc: BarrierOnDraw, rank: 1}
	sc.frameCount[ChanApp] = 7 // slave expects frame 7; master is about to broadcast 0

	var gotCode int
	restore := cos.SetExitFn(func(code int) { gotCode = code })
	defer restore()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	origStderr := os.Stderr
	os.Stderr = w

	done := make(chan error, 1)
	go func() { done <- sc.SyncApp(0) }()
	if err := mc.SyncApp(0); err != nil {
		t.Fatalf("master SyncApp: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("slave SyncApp: %v", err)
	}

	os.Stderr = origStderr
	w.Close()
	captured, _ := io.ReadAll(r)

	if gotCode != cos.ExitDivergence {
		t.Fatalf("exit code = %d, want %d (cos.ExitDivergence)", gotCode, cos.ExitDivergence)
	}
	msg := string(captured)
	if !strings.Contains(msg, fmt.Sprintf("local=%d", 7)) || !strings.Contains(msg, fmt.Sprintf("remote=%d", 0)) {
		t.Fatalf("divergence message %q does not name both local=7 and remote=0", msg)
	}
}

func TestHeartBeatAgreement(t *testing.T) {
	master, slave := newPipePair()
	mc := &Controller{role: RoleMaster, backend: master}
	sc := &Controller{role: RoleSlave, backend: slave}

	done := make(chan error, 1)
	go func() { done <- sc.HeartBeat("frame", ChanApp) }()
	if err := mc.HeartBeat("frame", ChanApp); err != nil {
		t.Fatalf("master HeartBeat: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("slave HeartBeat: %v", err)
	}
}
