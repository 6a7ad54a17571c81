// Parallel port back end: a single shared parallel cable carries the
// barrier only (not payload data, which travels by whatever side-channel a
// deployment pairs it with), using the port's status byte for each slave's
// ready bit and the data byte for the master's release bit, through the
// same ppdev ioctl numbers Linux's linux/ppdev.h defines. golang.org/x/sys
// has no generated constants for parport ioctls, so the request codes are
// computed locally with the same _IOR/_IOW encoding the kernel header uses.
package transport

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNoneDir  = 0
	iocWriteDir = 1
	iocReadDir  = 2

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func ior(typ, nr, size uintptr) uintptr { return ioc(iocReadDir, typ, nr, size) }
func iow(typ, nr, size uintptr) uintptr { return ioc(iocWriteDir, typ, nr, size) }

const ppIoctlType = uintptr('p')

var (
	pprStatus = ior(ppIoctlType, 0x81, 1)
	ppwData   = iow(ppIoctlType, 0x85, 1)
	pprData   = ior(ppIoctlType, 0x86, 1)
)

func ppIoctl(fd int, req uintptr, val *byte) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(unsafe.Pointer(val)))
	if errno != 0 {
		return errno
	}
	return nil
}

func ppReadStatus(fd int) (byte, error) {
	var v byte
	err := ppIoctl(fd, pprStatus, &v)
	return v, err
}

func ppReadData(fd int) (byte, error) {
	var v byte
	err := ppIoctl(fd, pprData, &v)
	return v, err
}

func ppWriteData(fd int, v byte) error {
	return ppIoctl(fd, ppwData, &v)
}

const (
	ppPollInterval = time.Millisecond
	ppPollTimeout  = 5 * time.Second
)

// ParallelBackend implements Backend's Barrier over a shared parallel port;
// its data-path methods return an error, since a single cable cannot carry
// per-slave broadcast/gather payloads. A Controller built with
// ModeParallelPort is expected to pair it with another data-carrying back
// end through CompositeBackend (NewStreamPlusSerialBackend builds the
// analogous composite over RS-232).
type ParallelBackend struct {
	isMaster  bool
	dev       *os.File
	numSlaves int
	allMask   byte // OR of (1 << (slaveIndex+3)) for every slave
	readyBit  byte // this slave's status bit, 1 << (slaveIndex+3); unused on master
}

// statusBit returns the status-register bit a slave at slaveIndex drives.
// Bits 0-2 of the parallel port status byte are unreliable or inverted on
// common hardware, so the usable range starts at bit 3 (spec §4.2.6).
func statusBit(slaveIndex int) byte {
	return 1 << uint(slaveIndex+3)
}

func NewParallelMasterBackend(device string, numSlaves int) (*ParallelBackend, error) {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("parallel: open %s: %w", device, err)
	}
	if numSlaves > 5 {
		f.Close()
		return nil, fmt.Errorf("parallel: %d slaves exceeds the 5 usable status bits available", numSlaves)
	}
	var allMask byte
	for i := 0; i < numSlaves; i++ {
		allMask |= statusBit(i)
	}
	return &ParallelBackend{isMaster: true, dev: f, numSlaves: numSlaves, allMask: allMask}, nil
}

// NewParallelSlaveBackend opens device for the slave at slaveIndex (its rank
// minus one); the status bit it drives during Barrier is statusBit(slaveIndex),
// matching the bit the master ORs into its all-children mask for that slave.
func NewParallelSlaveBackend(device string, slaveIndex int) (*ParallelBackend, error) {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("parallel: open %s: %w", device, err)
	}
	return &ParallelBackend{dev: f, readyBit: statusBit(slaveIndex)}, nil
}

func (p *ParallelBackend) Framed() bool { return false }

func (p *ParallelBackend) SendToAll(Channel, []byte) error {
	return fmt.Errorf("transport: parallel port back end carries no data path")
}

func (p *ParallelBackend) RecvFromMaster(Channel, []byte, bool) (int, error) {
	return 0, fmt.Errorf("transport: parallel port back end carries no data path")
}

func (p *ParallelBackend) SendToMaster(Channel, []byte) error {
	return fmt.Errorf("transport: parallel port back end carries no data path")
}

func (p *ParallelBackend) RecvFromSlave(Channel, int, []byte) (int, error) {
	return 0, fmt.Errorf("transport: parallel port back end carries no data path")
}

// Barrier has the master poll the status byte until every slave's ready bit
// (written by that slave through its own Barrier call) is set, matching
// allMask, then writes a release bit on the data byte and waits for the
// status bits to clear before returning.
func (p *ParallelBackend) Barrier(_ Channel) error {
	fd := int(p.dev.Fd())
	if p.isMaster {
		if err := p.pollStatus(fd, p.allMask, p.allMask); err != nil {
			return fmt.Errorf("parallel: wait for all children ready: %w", err)
		}
		if err := ppWriteData(fd, 0x01); err != nil {
			return fmt.Errorf("parallel: write release bit: %w", err)
		}
		if err := p.pollStatus(fd, p.allMask, 0); err != nil {
			return fmt.Errorf("parallel: wait for children to clear: %w", err)
		}
		return ppWriteData(fd, 0x00)
	}
	if err := ppWriteData(fd, p.readyBit); err != nil {
		return fmt.Errorf("parallel: set ready bit: %w", err)
	}
	if err := p.pollData(fd, p.readyBit, p.readyBit); err != nil {
		return fmt.Errorf("parallel: wait for release: %w", err)
	}
	return ppWriteData(fd, 0x00)
}

func (p *ParallelBackend) pollStatus(fd int, mask, want byte) error {
	deadline := time.Now().Add(ppPollTimeout)
	for {
		v, err := ppReadStatus(fd)
		if err != nil {
			return err
		}
		if v&mask == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for status&%#x == %#x", mask, want)
		}
		time.Sleep(ppPollInterval)
	}
}

func (p *ParallelBackend) pollData(fd int, mask, want byte) error {
	deadline := time.Now().Add(ppPollTimeout)
	for {
		v, err := ppReadData(fd)
		if err != nil {
			return err
		}
		if v&mask == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for data&%#x == %#x", mask, want)
		}
		time.Sleep(ppPollInterval)
	}
}

func (p *ParallelBackend) Close() error { return p.dev.Close() }
