// TCP stream back end: one long-lived net.Conn per (slave, channel) pair on
// the master, one net.Conn per channel on a slave. Messages have no implicit
// boundary on a stream, so unlike the multicast and message-passing back
// ends this one reports Framed() == false: fixed-size broadcasts (bool, int)
// write and read exactly as many bytes as the caller asked for, and variable
// length broadcasts are expected to go through a wire.Header the caller
// writes itself, mirroring how the teacher's transport.Stream carries an
// explicit ObjHdr ahead of every object.
package transport

import (
	"fmt"
	"io"
	"net"

	"github.com/ivs-cluster/clustersync/cmn/cos"
)

// StreamBackend implements Backend over bare TCP connections.
type StreamBackend struct {
	rank      int
	isMaster  bool
	numSlaves int

	// master side: slaveConns[ch][slave]
	slaveConns [2][]net.Conn
	// slave side: masterConn[ch]
	masterConn [2]net.Conn
}

// NewStreamMasterBackend wraps the per-slave connections a Controller's
// StartSlaves handshake already accepted. slaveConns[ch] must have one
// entry per slave, in rank order.
func NewStreamMasterBackend(slaveConns [2][]net.Conn) *StreamBackend {
	return &StreamBackend{
		rank:       0,
		isMaster:   true,
		numSlaves:  len(slaveConns[ChanApp]),
		slaveConns: slaveConns,
	}
}

// NewStreamSlaveBackend wraps the two connections a Controller's
// ConnectToMaster handshake already dialed.
func NewStreamSlaveBackend(rank int, masterConn [2]net.Conn) *StreamBackend {
	return &StreamBackend{
		rank:       rank,
		isMaster:   false,
		masterConn: masterConn,
	}
}

func (s *StreamBackend) Framed() bool { return false }

func (s *StreamBackend) SendToAll(ch Channel, b []byte) error {
	if !s.isMaster {
		return fmt.Errorf("transport: SendToAll called on a slave backend")
	}
	var errs cos.Errs
	for slave, conn := range s.slaveConns[ch] {
		if _, err := conn.Write(b); err != nil {
			errs.Add(fmt.Errorf("stream: send to slave %d on %s: %w", slave, ch, err))
		}
	}
	return errs.Err()
}

func (s *StreamBackend) RecvFromMaster(ch Channel, b []byte, _ bool) (int, error) {
	conn := s.masterConn[ch]
	if conn == nil {
		return 0, fmt.Errorf("transport: RecvFromMaster called on a master backend")
	}
	n, err := io.ReadFull(conn, b)
	if err != nil {
		return n, fmt.Errorf("stream: recv from master on %s: %w", ch, err)
	}
	return n, nil
}

func (s *StreamBackend) SendToMaster(ch Channel, b []byte) error {
	conn := s.masterConn[ch]
	if conn == nil {
		return fmt.Errorf("transport: SendToMaster called on a master backend")
	}
	if _, err := conn.Write(b); err != nil {
		return fmt.Errorf("stream: send to master on %s: %w", ch, err)
	}
	return nil
}

func (s *StreamBackend) RecvFromSlave(ch Channel, slave int, b []byte) (int, error) {
	if !s.isMaster {
		return 0, fmt.Errorf("transport: RecvFromSlave called on a slave backend")
	}
	conn := s.slaveConns[ch][slave]
	n, err := io.ReadFull(conn, b)
	if err != nil {
		return n, fmt.Errorf("stream: recv from slave %d on %s: %w", slave, ch, err)
	}
	return n, nil
}

// releaseByte is the ASCII 'g' release signal, per spec §6.
const releaseByte = 'g'

// Barrier implements the arrival/release rendezvous: every slave writes its
// rank as a one-byte arrival signal and blocks on a release byte; the master
// reads the arrival byte from every slave, then writes 'g' as the release
// byte to every slave. Both sides use 1-byte sentinels so the barrier costs
// exactly one round trip regardless of payload size.
func (s *StreamBackend) Barrier(ch Channel) error {
	if s.isMaster {
		var arrival [1]byte
		var errs cos.Errs
		for slave, conn := range s.slaveConns[ch] {
			if _, err := io.ReadFull(conn, arrival[:]); err != nil {
				errs.Add(fmt.Errorf("stream: barrier arrival from slave %d on %s: %w", slave, ch, err))
			}
		}
		if err := errs.Err(); err != nil {
			return err
		}
		release := [1]byte{releaseByte}
		for slave, conn := range s.slaveConns[ch] {
			if _, err := conn.Write(release[:]); err != nil {
				errs.Add(fmt.Errorf("stream: barrier release to slave %d on %s: %w", slave, ch, err))
			}
		}
		return errs.Err()
	}
	conn := s.masterConn[ch]
	arrival := [1]byte{byte(s.rank)}
	if _, err := conn.Write(arrival[:]); err != nil {
		return fmt.Errorf("stream: barrier arrival on %s: %w", ch, err)
	}
	var release [1]byte
	if _, err := io.ReadFull(conn, release[:]); err != nil {
		return fmt.Errorf("stream: barrier release on %s: %w", ch, err)
	}
	return nil
}

func (s *StreamBackend) Close() error {
	var errs cos.Errs
	if s.isMaster {
		for _, conns := range s.slaveConns {
			for _, conn := range conns {
				if conn != nil {
					if err := conn.Close(); err != nil {
						errs.Add(err)
					}
				}
			}
		}
	} else {
		for _, conn := range s.masterConn {
			if conn != nil {
				if err := conn.Close(); err != nil {
					errs.Add(err)
				}
			}
		}
	}
	return errs.Err()
}
