// RS-232 back end. Bytes flow over a github.com/tarm/serial port exactly as
// the DeadlineReadWriter/SerMaster shape in the retrieval pack's modbus
// master example uses one; the frame barrier itself, however, rides the
// modem-control lines rather than the data pins, toggling RTS and watching
// the peer's CTS edge the way a null-modem handshake would, which needs
// direct ioctl access to the line (TIOCMBIS/TIOCMBIC/TIOCMGET) that
// tarm/serial does not expose, so each link keeps a second raw file
// descriptor on the same device purely for modem-control ioctls.
package transport

import (
	"fmt"
	"os"
	"time"

	"github.com/tarm/serial"
	"golang.org/x/sys/unix"

	"github.com/ivs-cluster/clustersync/cmn/cos"
)

// SerialLink is one physical RS-232 connection: a data port plus a raw
// descriptor for modem-control-line ioctls.
type SerialLink struct {
	port *serial.Port
	raw  *os.File
}

func OpenSerialLink(device string, baud int) (*SerialLink, error) {
	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", device, err)
	}
	raw, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("serial: open %s for modem control: %w", device, err)
	}
	return &SerialLink{port: port, raw: raw}, nil
}

func (l *SerialLink) setRTS(on bool) error {
	req := uintptr(unix.TIOCMBIC)
	if on {
		req = uintptr(unix.TIOCMBIS)
	}
	bits := unix.TIOCM_RTS
	return unix.IoctlSetInt(int(l.raw.Fd()), uint(req), bits)
}

func (l *SerialLink) cts() (bool, error) {
	bits, err := unix.IoctlGetInt(int(l.raw.Fd()), unix.TIOCMGET)
	if err != nil {
		return false, err
	}
	return bits&unix.TIOCM_CTS != 0, nil
}

const (
	ctsPollInterval = time.Millisecond
	ctsPollTimeout  = 5 * time.Second
)

func (l *SerialLink) waitCTS(want bool) error {
	deadline := time.Now().Add(ctsPollTimeout)
	for {
		got, err := l.cts()
		if err != nil {
			return err
		}
		if got == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("serial: timed out waiting for CTS=%v", want)
		}
		time.Sleep(ctsPollInterval)
	}
}

func (l *SerialLink) Write(b []byte) (int, error) { return l.port.Write(b) }
func (l *SerialLink) Read(b []byte) (int, error)  { return l.port.Read(b) }

func (l *SerialLink) Close() error {
	var errs cos.Errs
	if err := l.port.Close(); err != nil {
		errs.Add(err)
	}
	if err := l.raw.Close(); err != nil {
		errs.Add(err)
	}
	return errs.Err()
}

// serialLine is the subset of *SerialLink the back end and its barrier
// procedure depend on, factored out so tests can drive Barrier without a
// real tty and its modem-control ioctls.
type serialLine interface {
	setRTS(on bool) error
	waitCTS(want bool) error
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

var _ serialLine = (*SerialLink)(nil)

// SerialBackend implements Backend over one RS-232 link per (slave, channel)
// pair on the master, or per channel on a slave.
type SerialBackend struct {
	isMaster bool

	slaveLinks [2][]serialLine // master side
	masterLink [2]serialLine   // slave side
}

func NewSerialMasterBackend(slaveLinks [2][]*SerialLink) *SerialBackend {
	var lines [2][]serialLine
	for ch, links := range slaveLinks {
		lines[ch] = make([]serialLine, len(links))
		for i, l := range links {
			if l != nil {
				lines[ch][i] = l
			}
		}
	}
	return &SerialBackend{isMaster: true, slaveLinks: lines}
}

func NewSerialSlaveBackend(masterLink [2]*SerialLink) *SerialBackend {
	var lines [2]serialLine
	for ch, l := range masterLink {
		if l != nil {
			lines[ch] = l
		}
	}
	return &SerialBackend{masterLink: lines}
}

func (s *SerialBackend) Framed() bool { return false }

func (s *SerialBackend) SendToAll(ch Channel, b []byte) error {
	if !s.isMaster {
		return fmt.Errorf("transport: SendToAll called on a slave backend")
	}
	var errs cos.Errs
	for slave, link := range s.slaveLinks[ch] {
		if _, err := link.Write(b); err != nil {
			errs.Add(fmt.Errorf("serial: send to slave %d on %s: %w", slave, ch, err))
		}
	}
	return errs.Err()
}

func (s *SerialBackend) RecvFromMaster(ch Channel, b []byte, _ bool) (int, error) {
	link := s.masterLink[ch]
	if link == nil {
		return 0, fmt.Errorf("transport: RecvFromMaster called on a master backend")
	}
	n, err := link.Read(b)
	if err != nil {
		return n, fmt.Errorf("serial: recv from master on %s: %w", ch, err)
	}
	return n, nil
}

func (s *SerialBackend) SendToMaster(ch Channel, b []byte) error {
	link := s.masterLink[ch]
	if link == nil {
		return fmt.Errorf("transport: SendToMaster called on a master backend")
	}
	if _, err := link.Write(b); err != nil {
		return fmt.Errorf("serial: send to master on %s: %w", ch, err)
	}
	return nil
}

func (s *SerialBackend) RecvFromSlave(ch Channel, slave int, b []byte) (int, error) {
	if !s.isMaster {
		return 0, fmt.Errorf("transport: RecvFromSlave called on a slave backend")
	}
	link := s.slaveLinks[ch][slave]
	n, err := link.Read(b)
	if err != nil {
		return n, fmt.Errorf("serial: recv from slave %d on %s: %w", slave, ch, err)
	}
	return n, nil
}

// Barrier implements the master-first RTS/CTS edge toggle: the master waits
// for each slave's CTS edge before it toggles its own RTS, while a slave
// toggles its own RTS first and only then waits for the matching CTS edge.
// This ordering, not its mirror, is what eliminates the race: a slave that
// toggles first is guaranteed to be observing by the time the master looks
// for the edge, since the master never raises RTS until it already sees
// what it's waiting for. Every call drives a full pulse on each line (RTS
// up, then back down once the peer's CTS has followed), so the lines are low
// again after each barrier; the RTS state does not carry over from one
// barrier to the next.
func (s *SerialBackend) Barrier(ch Channel) error {
	if s.isMaster {
		var errs cos.Errs
		for slave, link := range s.slaveLinks[ch] {
			if err := link.waitCTS(true); err != nil {
				errs.Add(fmt.Errorf("serial: wait CTS-high from slave %d on %s: %w", slave, ch, err))
			}
		}
		if err := errs.Err(); err != nil {
			return err
		}
		for slave, link := range s.slaveLinks[ch] {
			if err := link.setRTS(true); err != nil {
				errs.Add(fmt.Errorf("serial: raise RTS to slave %d on %s: %w", slave, ch, err))
			}
		}
		if err := errs.Err(); err != nil {
			return err
		}
		for slave, link := range s.slaveLinks[ch] {
			if err := link.waitCTS(false); err != nil {
				errs.Add(fmt.Errorf("serial: wait CTS-low from slave %d on %s: %w", slave, ch, err))
			}
		}
		if err := errs.Err(); err != nil {
			return err
		}
		for slave, link := range s.slaveLinks[ch] {
			if err := link.setRTS(false); err != nil {
				errs.Add(fmt.Errorf("serial: lower RTS to slave %d on %s: %w", slave, ch, err))
			}
		}
		return errs.Err()
	}
	link := s.masterLink[ch]
	if err := link.setRTS(true); err != nil {
		return fmt.Errorf("serial: raise RTS to master on %s: %w", ch, err)
	}
	if err := link.waitCTS(true); err != nil {
		return fmt.Errorf("serial: wait CTS-high from master on %s: %w", ch, err)
	}
	if err := link.setRTS(false); err != nil {
		return fmt.Errorf("serial: lower RTS to master on %s: %w", ch, err)
	}
	if err := link.waitCTS(false); err != nil {
		return fmt.Errorf("serial: wait CTS-low from master on %s: %w", ch, err)
	}
	return nil
}

func (s *SerialBackend) Close() error {
	var errs cos.Errs
	if s.isMaster {
		for _, links := range s.slaveLinks {
			for _, link := range links {
				if link != nil {
					if err := link.Close(); err != nil {
						errs.Add(err)
					}
				}
			}
		}
	} else {
		for _, link := range s.masterLink {
			if link != nil {
				if err := link.Close(); err != nil {
					errs.Add(err)
				}
			}
		}
	}
	return errs.Err()
}
