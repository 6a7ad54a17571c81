// UDP datagram back end. Unlike the stream back end, datagrams carry their
// own message boundary, but UDP makes no ordering or delivery guarantee, so
// Barrier is intentionally a no-op here: a rendezvous built on top of an
// unordered, lossy transport cannot be made reliable without turning it into
// a different protocol, and spec-level tooling that selects datagram mode
// accepts this trade-off explicitly (see SPEC_FULL.md §9 (b)).
package transport

import (
	"fmt"
	"net"

	"github.com/ivs-cluster/clustersync/cmn/cos"
)

// DatagramBackend implements Backend over connectionless UDP sockets, one
// per channel.
type DatagramBackend struct {
	isMaster bool

	conns [2]net.PacketConn

	// master side
	slaveAddrs [2][]net.Addr
	slaveIdx   [2]map[string]int

	// slave side
	masterAddr [2]net.Addr
}

// NewDatagramMasterBackend wraps sockets bound by a Controller's handshake,
// with slaveAddrs[ch] holding each slave's datagram address in rank order.
func NewDatagramMasterBackend(conns [2]net.PacketConn, slaveAddrs [2][]net.Addr) *DatagramBackend {
	d := &DatagramBackend{isMaster: true, conns: conns, slaveAddrs: slaveAddrs}
	for ch := range d.slaveIdx {
		d.slaveIdx[ch] = make(map[string]int, len(slaveAddrs[ch]))
		for i, a := range slaveAddrs[ch] {
			d.slaveIdx[ch][a.String()] = i
		}
	}
	return d
}

// NewDatagramSlaveBackend wraps a slave's two channel sockets and the
// master's datagram address on each.
func NewDatagramSlaveBackend(conns [2]net.PacketConn, masterAddr [2]net.Addr) *DatagramBackend {
	return &DatagramBackend{isMaster: false, conns: conns, masterAddr: masterAddr}
}

func (d *DatagramBackend) Framed() bool { return false }

func (d *DatagramBackend) SendToAll(ch Channel, b []byte) error {
	if !d.isMaster {
		return fmt.Errorf("transport: SendToAll called on a slave backend")
	}
	var errs cos.Errs
	for slave, addr := range d.slaveAddrs[ch] {
		if _, err := d.conns[ch].WriteTo(b, addr); err != nil {
			errs.Add(fmt.Errorf("datagram: send to slave %d on %s: %w", slave, ch, err))
		}
	}
	return errs.Err()
}

func (d *DatagramBackend) RecvFromMaster(ch Channel, b []byte, _ bool) (int, error) {
	if d.isMaster {
		return 0, fmt.Errorf("transport: RecvFromMaster called on a master backend")
	}
	n, addr, err := d.conns[ch].ReadFrom(b)
	if err != nil {
		return n, fmt.Errorf("datagram: recv from master on %s: %w", ch, err)
	}
	if d.masterAddr[ch] != nil && addr.String() != d.masterAddr[ch].String() {
		return n, fmt.Errorf("datagram: recv on %s from unexpected peer %s", ch, addr)
	}
	return n, nil
}

func (d *DatagramBackend) SendToMaster(ch Channel, b []byte) error {
	if d.isMaster {
		return fmt.Errorf("transport: SendToMaster called on a master backend")
	}
	if _, err := d.conns[ch].WriteTo(b, d.masterAddr[ch]); err != nil {
		return fmt.Errorf("datagram: send to master on %s: %w", ch, err)
	}
	return nil
}

func (d *DatagramBackend) RecvFromSlave(ch Channel, slave int, b []byte) (int, error) {
	if !d.isMaster {
		return 0, fmt.Errorf("transport: RecvFromSlave called on a slave backend")
	}
	for {
		n, addr, err := d.conns[ch].ReadFrom(b)
		if err != nil {
			return n, fmt.Errorf("datagram: recv from slave %d on %s: %w", slave, ch, err)
		}
		if got, ok := d.slaveIdx[ch][addr.String()]; ok && got == slave {
			return n, nil
		}
		// datagram from a different slave than the one requested: UDP gives
		// no way to select a specific sender, so a caller relying on
		// per-slave gather ordering should not choose this back end.
	}
}

// Barrier is a no-op: see the package comment.
func (d *DatagramBackend) Barrier(Channel) error { return nil }

func (d *DatagramBackend) Close() error {
	var errs cos.Errs
	for _, c := range d.conns {
		if c != nil {
			if err := c.Close(); err != nil {
				errs.Add(err)
			}
		}
	}
	return errs.Err()
}
