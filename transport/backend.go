// Package transport implements the pluggable back ends a Controller drives:
// one goroutine-free, blocking-call contract realized over TCP streams, UDP
// datagrams, reliable multicast, a message-passing library, RS-232
// modem-control lines, a parallel port, and a single-bit rendezvous device.
// The shape follows the teacher's transport.Stream/HandleObjStream split
// between data path and control path, collapsed here into one blocking
// interface because every exchange in a frame barrier is call-and-wait
// rather than fire-and-forget.
package transport

import "fmt"

// Channel distinguishes the two independent synchronization streams a
// Controller keeps open to every slave: the application channel and the
// draw (rendering) channel.
type Channel int

const (
	ChanApp Channel = iota
	ChanDraw
)

func (c Channel) String() string {
	switch c {
	case ChanApp:
		return "app"
	case ChanDraw:
		return "draw"
	default:
		return fmt.Sprintf("chan(%d)", int(c))
	}
}

// SyncMode selects the wire-level mechanism a Backend is built on.
type SyncMode int

const (
	ModeStream SyncMode = iota
	ModeDatagram
	ModeReliableMulticast
	ModeMessagePassing
	ModeSerialLine
	ModeParallelPort
	ModeStreamPlusSerial
	ModeMagic
)

func (m SyncMode) String() string {
	switch m {
	case ModeStream:
		return "stream"
	case ModeDatagram:
		return "datagram"
	case ModeReliableMulticast:
		return "reliable-multicast"
	case ModeMessagePassing:
		return "message-passing"
	case ModeSerialLine:
		return "serial-line"
	case ModeParallelPort:
		return "parallel-port"
	case ModeStreamPlusSerial:
		return "stream+serial"
	case ModeMagic:
		return "magic"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Backend is the contract every synchronization mechanism implements. All
// methods block until the operation completes or fails; none of them spawn
// goroutines or buffer beyond what a single call needs; a Controller is free
// to call them from one frame-driving thread exactly as the original
// single-threaded master/slave loop does.
type Backend interface {
	// SendToAll broadcasts b to every slave on channel ch. Called on the
	// master only.
	SendToAll(ch Channel, b []byte) error

	// RecvFromMaster blocks until the master's broadcast on channel ch is
	// available, then copies it into b and returns the byte count. Called
	// on a slave only. bypassPrimary is carried for composite back ends
	// (see CompositeBackend), which pass it through to their Data back end;
	// no back end in this package acts on it.
	RecvFromMaster(ch Channel, b []byte, bypassPrimary bool) (int, error)

	// SendToMaster sends b from a slave to the master on channel ch.
	// Called on a slave only.
	SendToMaster(ch Channel, b []byte) error

	// RecvFromSlave blocks until the numbered slave's message on channel ch
	// arrives, then copies it into b and returns the byte count. Called on
	// the master only.
	RecvFromSlave(ch Channel, slave int, b []byte) (int, error)

	// Barrier blocks every participant until all participants have called
	// Barrier for the same channel. A Backend whose wire protocol cannot
	// support a rendezvous (e.g. datagrams, which are unordered and thus
	// cannot be barriered) may implement this as a no-op; see
	// DatagramBackend.
	Barrier(ch Channel) error

	// Framed reports whether this back end already frames its payloads
	// with a wire.Header (true for message-passing and multicast backends,
	// which are inherently message-oriented) or needs a caller-supplied
	// framing decorator (stream, serial, parallel, magic).
	Framed() bool

	// Close releases any sockets, file descriptors, or device handles.
	Close() error
}
