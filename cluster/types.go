// Package cluster implements the process-wide coordinator that drives a
// tightly-coupled render cluster through its per-frame barriers: Controller
// owns the selected transport.Backend, the master's slave table, and the
// counters the barrier protocol depends on. The shape follows
// transport/bundle/dmover.go's DataMover, generalized from per-peer object
// streams to per-peer frame barriers.
package cluster

import (
	"io"
	"net"

	"github.com/ivs-cluster/clustersync/transport"
)

// Channel and SyncMode are re-exported from transport so call sites never
// need to import both packages for one enum.
type (
	Channel  = transport.Channel
	SyncMode = transport.SyncMode
)

const (
	ChanApp  = transport.ChanApp
	ChanDraw = transport.ChanDraw
)

const (
	ModeStream            = transport.ModeStream
	ModeDatagram          = transport.ModeDatagram
	ModeReliableMulticast = transport.ModeReliableMulticast
	ModeMessagePassing    = transport.ModeMessagePassing
	ModeSerialLine        = transport.ModeSerialLine
	ModeParallelPort      = transport.ModeParallelPort
	ModeStreamPlusSerial  = transport.ModeStreamPlusSerial
	ModeMagic             = transport.ModeMagic
)

// Role is a process's position in the cluster.
type Role int

const (
	RoleMaster Role = iota
	RoleSlave
)

func (r Role) String() string {
	if r == RoleMaster {
		return "master"
	}
	return "slave"
}

// Rank is a node's fixed position in [0, N]; 0 is always the master.
type Rank int

// SyncProcess selects which channel enforces the per-frame barrier: SyncApp
// runs it under BarrierOnApp, SyncDraw under BarrierOnDraw.
type SyncProcess int

const (
	BarrierOnApp SyncProcess = iota
	BarrierOnDraw
)

// GatherBuffer is N equal-size buffers, one per slave, used by
// GatherFromSlaves.
type GatherBuffer struct {
	slots [][]byte
	size  int
}

// NewGatherBuffer allocates a GatherBuffer with n slots of size bytes each.
func NewGatherBuffer(n, size int) *GatherBuffer {
	slots := make([][]byte, n)
	for i := range slots {
		slots[i] = make([]byte, size)
	}
	return &GatherBuffer{slots: slots, size: size}
}

// Slot returns slave i's buffer.
func (g *GatherBuffer) Slot(i int) []byte { return g.slots[i] }

// Len reports the number of slots.
func (g *GatherBuffer) Len() int { return len(g.slots) }

// Size reports the fixed per-slot size.
func (g *GatherBuffer) Size() int { return g.size }

// SlaveEndpoint is the master-side handle created during the handshake
// (§4.2.4) for one remote node's raw app and draw sockets. It is the only
// object that touches a slave's bare connections: Send/Read give direct
// access to them (StartSlaves writes the draw port and rank to each accepted
// connection before its endpoint exists, so the handshake does not use
// them), while steady-state broadcast/gather/barrier traffic goes through
// the Controller's single shared transport.Backend built on top of every
// endpoint's sockets.
type SlaveEndpoint struct {
	Rank         int
	App          net.Conn
	Draw         net.Conn
	DebugCounter uint32
}

// Send writes b whole to this slave's channel socket.
func (e *SlaveEndpoint) Send(ch Channel, b []byte) error {
	_, err := e.connFor(ch).Write(b)
	return err
}

// Read reads exactly len(b) bytes from this slave's channel socket.
func (e *SlaveEndpoint) Read(ch Channel, b []byte) (int, error) {
	return io.ReadFull(e.connFor(ch), b)
}

func (e *SlaveEndpoint) connFor(ch Channel) net.Conn {
	if ch == ChanDraw {
		return e.Draw
	}
	return e.App
}

// Close releases both of this slave's raw sockets.
func (e *SlaveEndpoint) Close() error {
	errApp := e.App.Close()
	errDraw := e.Draw.Close()
	if errApp != nil {
		return errApp
	}
	return errDraw
}
