// The "magic" back end is the simplest hardware rendezvous this package
// supports: a single status bit (0x20) on a small memory-mapped device file,
// paired with an ordinary TCP connection that both carries data and, during
// the barrier, carries a one-byte acknowledgement once the bit has been
// observed. The sequence is: the writer marks the register ready, the
// reader polls for the ready bit, the reader acknowledges over the stream,
// and the writer marks the register busy again to close the cycle.
package transport

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/ivs-cluster/clustersync/cmn/cos"
)

const (
	magicReadyByte = 0x20
	magicBusyByte  = 0x00

	magicPollInterval = time.Millisecond
	magicPollTimeout  = 5 * time.Second
)

// MagicBackend implements Backend over one magic device plus one ack/data
// stream per slave on the master, or one of each on a slave.
type MagicBackend struct {
	isMaster bool
	dev      *os.File

	slaveConns []net.Conn // master side
	masterConn net.Conn   // slave side
}

func NewMagicMasterBackend(device string, slaveConns []net.Conn) (*MagicBackend, error) {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("magic: open %s: %w", device, err)
	}
	return &MagicBackend{isMaster: true, dev: f, slaveConns: slaveConns}, nil
}

func NewMagicSlaveBackend(device string, masterConn net.Conn) (*MagicBackend, error) {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("magic: open %s: %w", device, err)
	}
	return &MagicBackend{dev: f, masterConn: masterConn}, nil
}

func (m *MagicBackend) Framed() bool { return false }

func (m *MagicBackend) SendToAll(_ Channel, b []byte) error {
	if !m.isMaster {
		return fmt.Errorf("transport: SendToAll called on a slave backend")
	}
	var errs cos.Errs
	for slave, conn := range m.slaveConns {
		if _, err := conn.Write(b); err != nil {
			errs.Add(fmt.Errorf("magic: send to slave %d: %w", slave, err))
		}
	}
	return errs.Err()
}

func (m *MagicBackend) RecvFromMaster(_ Channel, b []byte, _ bool) (int, error) {
	if m.masterConn == nil {
		return 0, fmt.Errorf("transport: RecvFromMaster called on a master backend")
	}
	n, err := io.ReadFull(m.masterConn, b)
	if err != nil {
		return n, fmt.Errorf("magic: recv from master: %w", err)
	}
	return n, nil
}

func (m *MagicBackend) SendToMaster(_ Channel, b []byte) error {
	if m.masterConn == nil {
		return fmt.Errorf("transport: SendToMaster called on a master backend")
	}
	if _, err := m.masterConn.Write(b); err != nil {
		return fmt.Errorf("magic: send to master: %w", err)
	}
	return nil
}

func (m *MagicBackend) RecvFromSlave(_ Channel, slave int, b []byte) (int, error) {
	if !m.isMaster {
		return 0, fmt.Errorf("transport: RecvFromSlave called on a slave backend")
	}
	n, err := io.ReadFull(m.slaveConns[slave], b)
	if err != nil {
		return n, fmt.Errorf("magic: recv from slave %d: %w", slave, err)
	}
	return n, nil
}

func (m *MagicBackend) readReg() (byte, error) {
	var buf [1]byte
	_, err := m.dev.ReadAt(buf[:], 0)
	return buf[0], err
}

func (m *MagicBackend) writeReg(v byte) error {
	_, err := m.dev.WriteAt([]byte{v}, 0)
	return err
}

func (m *MagicBackend) pollReady() error {
	deadline := time.Now().Add(magicPollTimeout)
	for {
		v, err := m.readReg()
		if err != nil {
			return err
		}
		if v == magicReadyByte {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for the ready bit")
		}
		time.Sleep(magicPollInterval)
	}
}

// Barrier has the master write ready, then for each slave wait for a stream
// ack before marking the register busy again; a slave polls for ready,
// acks over its stream connection, then waits for the register to go busy.
func (m *MagicBackend) Barrier(Channel) error {
	var sentinel [1]byte
	if m.isMaster {
		if err := m.writeReg(magicReadyByte); err != nil {
			return fmt.Errorf("magic: write ready: %w", err)
		}
		var errs cos.Errs
		for slave, conn := range m.slaveConns {
			if _, err := io.ReadFull(conn, sentinel[:]); err != nil {
				errs.Add(fmt.Errorf("magic: ack from slave %d: %w", slave, err))
			}
		}
		if err := errs.Err(); err != nil {
			return err
		}
		return m.writeReg(magicBusyByte)
	}
	if err := m.pollReady(); err != nil {
		return fmt.Errorf("magic: wait ready: %w", err)
	}
	if _, err := m.masterConn.Write(sentinel[:]); err != nil {
		return fmt.Errorf("magic: send ack: %w", err)
	}
	deadline := time.Now().Add(magicPollTimeout)
	for {
		v, err := m.readReg()
		if err != nil {
			return fmt.Errorf("magic: wait busy: %w", err)
		}
		if v == magicBusyByte {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("magic: timed out waiting for busy")
		}
		time.Sleep(magicPollInterval)
	}
}

func (m *MagicBackend) Close() error {
	var errs cos.Errs
	if err := m.dev.Close(); err != nil {
		errs.Add(err)
	}
	if m.isMaster {
		for _, conn := range m.slaveConns {
			if err := conn.Close(); err != nil {
				errs.Add(err)
			}
		}
	} else if m.masterConn != nil {
		if err := m.masterConn.Close(); err != nil {
			errs.Add(err)
		}
	}
	return errs.Err()
}
