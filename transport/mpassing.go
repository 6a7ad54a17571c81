// Message-passing back end, modeled as a lightweight stand-in for an
// MPI-like library: every exchange between ranks is an explicit framed
// message rather than a raw byte stream, the shape the communicator in the
// go-mcast peer example in the retrieval pack uses for its Send/Recv pair.
// No off-the-shelf Go MPI binding exists in the retrieved dependency
// surface, so this back end re-expresses the same collective-call contract
// (broadcast from rank 0, gather to rank 0, barrier) over the plain TCP
// connections a Controller's handshake already established, framing every
// message with a wire.Header the way the multicast back end does.
package transport

import (
	"fmt"
	"io"
	"net"

	"github.com/ivs-cluster/clustersync/cmn/cos"
	"github.com/ivs-cluster/clustersync/wire"
)

// MessagePassingBackend implements Backend as a rank-0-rooted collective
// layer over per-peer connections, framing every message with a
// wire.Header.
type MessagePassingBackend struct {
	rank      int
	isMaster  bool
	numSlaves int

	slaveConns [2][]net.Conn // master side
	masterConn [2]net.Conn   // slave side

	seq int32
}

func NewMessagePassingMasterBackend(slaveConns [2][]net.Conn) *MessagePassingBackend {
	return &MessagePassingBackend{
		isMaster:   true,
		numSlaves:  len(slaveConns[ChanApp]),
		slaveConns: slaveConns,
	}
}

func NewMessagePassingSlaveBackend(rank int, masterConn [2]net.Conn) *MessagePassingBackend {
	return &MessagePassingBackend{rank: rank, masterConn: masterConn}
}

func (m *MessagePassingBackend) Framed() bool { return true }

func (m *MessagePassingBackend) writeFramed(conn net.Conn, senderRank int, b []byte) error {
	m.seq++
	hdr := wire.Header{SenderRank: int32(senderRank), SendKind: 0, TypeTag: m.seq, PayloadLength: int32(len(b))}
	if _, err := conn.Write(hdr.Encode()); err != nil {
		return err
	}
	_, err := conn.Write(b)
	return err
}

func (m *MessagePassingBackend) readFramed(conn net.Conn, b []byte) (int, error) {
	hb := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(conn, hb); err != nil {
		return 0, err
	}
	hdr := wire.DecodeHeader(hb)
	n := int(hdr.PayloadLength)
	if n > len(b) {
		return 0, fmt.Errorf("message-passing: payload %d exceeds buffer %d", n, len(b))
	}
	if _, err := io.ReadFull(conn, b[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

func (m *MessagePassingBackend) SendToAll(ch Channel, b []byte) error {
	if !m.isMaster {
		return fmt.Errorf("transport: SendToAll called on a slave backend")
	}
	var errs cos.Errs
	for slave, conn := range m.slaveConns[ch] {
		if err := m.writeFramed(conn, 0, b); err != nil {
			errs.Add(fmt.Errorf("message-passing: send to slave %d on %s: %w", slave, ch, err))
		}
	}
	return errs.Err()
}

func (m *MessagePassingBackend) RecvFromMaster(ch Channel, b []byte, _ bool) (int, error) {
	conn := m.masterConn[ch]
	if conn == nil {
		return 0, fmt.Errorf("transport: RecvFromMaster called on a master backend")
	}
	n, err := m.readFramed(conn, b)
	if err != nil {
		return n, fmt.Errorf("message-passing: recv from master on %s: %w", ch, err)
	}
	return n, nil
}

func (m *MessagePassingBackend) SendToMaster(ch Channel, b []byte) error {
	conn := m.masterConn[ch]
	if conn == nil {
		return fmt.Errorf("transport: SendToMaster called on a master backend")
	}
	if err := m.writeFramed(conn, m.rank, b); err != nil {
		return fmt.Errorf("message-passing: send to master on %s: %w", ch, err)
	}
	return nil
}

func (m *MessagePassingBackend) RecvFromSlave(ch Channel, slave int, b []byte) (int, error) {
	if !m.isMaster {
		return 0, fmt.Errorf("transport: RecvFromSlave called on a slave backend")
	}
	n, err := m.readFramed(m.slaveConns[ch][slave], b)
	if err != nil {
		return n, fmt.Errorf("message-passing: recv from slave %d on %s: %w", slave, ch, err)
	}
	return n, nil
}

// Barrier mirrors MPI_Barrier: every rank sends a zero-length framed message
// to rank 0 and blocks for one back, rank 0 collects from every slave before
// releasing all of them.
func (m *MessagePassingBackend) Barrier(ch Channel) error {
	var dummy [0]byte
	if m.isMaster {
		var errs cos.Errs
		buf := make([]byte, 1)
		for slave, conn := range m.slaveConns[ch] {
			if _, err := m.readFramed(conn, buf); err != nil {
				errs.Add(fmt.Errorf("message-passing: barrier arrival from slave %d on %s: %w", slave, ch, err))
			}
		}
		if err := errs.Err(); err != nil {
			return err
		}
		for slave, conn := range m.slaveConns[ch] {
			if err := m.writeFramed(conn, 0, dummy[:]); err != nil {
				errs.Add(fmt.Errorf("message-passing: barrier release to slave %d on %s: %w", slave, ch, err))
			}
		}
		return errs.Err()
	}
	conn := m.masterConn[ch]
	if err := m.writeFramed(conn, m.rank, dummy[:]); err != nil {
		return fmt.Errorf("message-passing: barrier arrival on %s: %w", ch, err)
	}
	buf := make([]byte, 1)
	if _, err := m.readFramed(conn, buf); err != nil {
		return fmt.Errorf("message-passing: barrier release on %s: %w", ch, err)
	}
	return nil
}

func (m *MessagePassingBackend) Close() error {
	var errs cos.Errs
	if m.isMaster {
		for _, conns := range m.slaveConns {
			for _, conn := range conns {
				if conn != nil {
					if err := conn.Close(); err != nil {
						errs.Add(err)
					}
				}
			}
		}
	} else {
		for _, conn := range m.masterConn {
			if conn != nil {
				if err := conn.Close(); err != nil {
					errs.Add(err)
				}
			}
		}
	}
	return errs.Err()
}
