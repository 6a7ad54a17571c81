// Reliable multicast back end. A payload is split into chunks of at most
// config.Multicast.MaxLength bytes (the chunking math lives in wire.NumChunks
// and wire.Chunk), each chunk carries a small fragment header borrowed from
// the fragment-header shape in the mcast sender example in the retrieval
// pack (version/frameID/totalFragments/fragmentIndex), and group membership,
// TTL, and loopback are controlled through golang.org/x/net/ipv4 exactly as
// that example does. "Reliable" here means every fragment is acknowledged by
// every slave over a private unicast socket before the sender advances; a
// fragment that isn't acknowledged within the configured retry timeout is
// resent, up to a bounded number of attempts.
package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/ivs-cluster/clustersync/cmn/cos"
	"github.com/ivs-cluster/clustersync/wire"
)

const fragHeaderSize = 16 // frameID, totalFragments, fragmentIndex, length

type fragHeader struct {
	frameID        int32
	totalFragments int32
	fragmentIndex  int32
	length         int32
}

func (h fragHeader) encode() []byte {
	b := make([]byte, fragHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.frameID))
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.totalFragments))
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.fragmentIndex))
	binary.LittleEndian.PutUint32(b[12:16], uint32(h.length))
	return b
}

func decodeFragHeader(b []byte) fragHeader {
	return fragHeader{
		frameID:        int32(binary.LittleEndian.Uint32(b[0:4])),
		totalFragments: int32(binary.LittleEndian.Uint32(b[4:8])),
		fragmentIndex:  int32(binary.LittleEndian.Uint32(b[8:12])),
		length:         int32(binary.LittleEndian.Uint32(b[12:16])),
	}
}

const maxRetries = 8

// MulticastBackend implements Backend over a UDP multicast group plus a
// private unicast socket used for acknowledgements and the barrier
// rendezvous.
type MulticastBackend struct {
	isMaster  bool
	rank      int
	maxLength int
	retry     time.Duration

	group   *net.UDPAddr
	mconn   *ipv4.PacketConn
	udpConn *net.UDPConn

	ackConn net.PacketConn

	// master side
	slaveAckAddrs []net.Addr

	// slave side
	masterAckAddr net.Addr

	frameSeq int32
}

// MulticastOptions mirrors the handful of config.Multicast fields the
// back end consults directly; the rest (TxRate, BackOffFactor, cache sizing)
// belong to the higher-level flow-control policy a Controller may layer on
// top and are not interpreted here.
type MulticastOptions struct {
	Interface    string
	TTL          int
	Loopback     bool
	MaxLength    int
	RetryTimeout time.Duration
}

// NewMulticastMasterBackend joins group on udpConn and records each slave's
// private ack address, in rank order.
func NewMulticastMasterBackend(udpConn *net.UDPConn, group *net.UDPAddr, ackConn net.PacketConn, slaveAckAddrs []net.Addr, opt MulticastOptions) (*MulticastBackend, error) {
	m, err := newMulticastBackend(udpConn, group, ackConn, opt)
	if err != nil {
		return nil, err
	}
	m.isMaster = true
	m.slaveAckAddrs = slaveAckAddrs
	return m, nil
}

// NewMulticastSlaveBackend joins group on udpConn and records the master's
// private ack address. rank is this slave's assigned rank, used as the
// barrier's arrival byte per spec §6.
func NewMulticastSlaveBackend(udpConn *net.UDPConn, group *net.UDPAddr, ackConn net.PacketConn, masterAckAddr net.Addr, rank int, opt MulticastOptions) (*MulticastBackend, error) {
	m, err := newMulticastBackend(udpConn, group, ackConn, opt)
	if err != nil {
		return nil, err
	}
	m.rank = rank
	m.masterAckAddr = masterAckAddr
	return m, nil
}

func newMulticastBackend(udpConn *net.UDPConn, group *net.UDPAddr, ackConn net.PacketConn, opt MulticastOptions) (*MulticastBackend, error) {
	pconn := ipv4.NewPacketConn(udpConn)
	if opt.Interface != "" {
		iface, err := net.InterfaceByName(opt.Interface)
		if err != nil {
			return nil, fmt.Errorf("multicast: interface %s: %w", opt.Interface, err)
		}
		if err := pconn.JoinGroup(iface, group); err != nil {
			return nil, fmt.Errorf("multicast: join group on %s: %w", opt.Interface, err)
		}
		if err := pconn.SetMulticastInterface(iface); err != nil {
			return nil, fmt.Errorf("multicast: set interface: %w", err)
		}
	} else if err := pconn.JoinGroup(nil, group); err != nil {
		return nil, fmt.Errorf("multicast: join group: %w", err)
	}
	if opt.TTL > 0 {
		if err := pconn.SetMulticastTTL(opt.TTL); err != nil {
			return nil, fmt.Errorf("multicast: set TTL: %w", err)
		}
	}
	if err := pconn.SetMulticastLoopback(opt.Loopback); err != nil {
		return nil, fmt.Errorf("multicast: set loopback: %w", err)
	}
	maxLength := opt.MaxLength
	if maxLength <= 0 {
		maxLength = 1 << 20
	}
	retry := opt.RetryTimeout
	if retry <= 0 {
		retry = 200 * time.Millisecond
	}
	return &MulticastBackend{
		maxLength: maxLength,
		retry:     retry,
		group:     group,
		mconn:     pconn,
		udpConn:   udpConn,
		ackConn:   ackConn,
	}, nil
}

func (m *MulticastBackend) Framed() bool { return true }

// MaxChunkLength and NumChunks implement wire.Chunker: MulticastBackend is
// the only back end whose wire protocol fragments a payload, per §4.1.2.
func (m *MulticastBackend) MaxChunkLength() int { return m.maxLength }

func (m *MulticastBackend) NumChunks(payloadLen int) int {
	return wire.NumChunks(payloadLen, m.maxLength)
}

var _ wire.Chunker = (*MulticastBackend)(nil)

// SendToAll fragments b and reliably multicasts every fragment. Both
// channels share the one multicast socket pair and the one ack socket, since
// the protocol already frames every message with a fragment header; ch
// appears only in error messages.
func (m *MulticastBackend) SendToAll(ch Channel, b []byte) error {
	if !m.isMaster {
		return fmt.Errorf("transport: SendToAll called on a slave backend")
	}
	m.frameSeq++
	total := wire.NumChunks(len(b), m.maxLength)
	for i := 0; i < total; i++ {
		chunk := wire.Chunk(b, m.maxLength, i)
		hdr := fragHeader{frameID: m.frameSeq, totalFragments: int32(total), fragmentIndex: int32(i), length: int32(len(chunk))}
		pkt := append(hdr.encode(), chunk...)
		if err := m.sendReliable(pkt, i); err != nil {
			return fmt.Errorf("multicast: send fragment %d/%d on %s: %w", i+1, total, ch, err)
		}
	}
	return nil
}

func (m *MulticastBackend) sendReliable(pkt []byte, fragmentIndex int) error {
	acked := make(map[string]bool, len(m.slaveAckAddrs))
	for attempt := 0; attempt < maxRetries; attempt++ {
		if _, err := m.udpConn.WriteTo(pkt, m.group); err != nil {
			return err
		}
		deadline := time.Now().Add(m.retry)
		m.ackConn.SetReadDeadline(deadline)
		ackBuf := make([]byte, 4)
		for len(acked) < len(m.slaveAckAddrs) {
			n, addr, err := m.ackConn.ReadFrom(ackBuf)
			if err != nil {
				break // timed out waiting for the rest; retry the unacked slaves
			}
			if n == 4 && int32(binary.LittleEndian.Uint32(ackBuf)) == int32(fragmentIndex) {
				acked[addr.String()] = true
			}
		}
		if len(acked) >= len(m.slaveAckAddrs) {
			return nil
		}
	}
	return fmt.Errorf("fragment %d unacknowledged after %d attempts", fragmentIndex, maxRetries)
}

// RecvFromMaster reassembles b from consecutive multicast fragments,
// acknowledging each one over the private unicast socket.
func (m *MulticastBackend) RecvFromMaster(ch Channel, b []byte, _ bool) (int, error) {
	if m.isMaster {
		return 0, fmt.Errorf("transport: RecvFromMaster called on a master backend")
	}
	buf := make([]byte, fragHeaderSize+m.maxLength)
	var total, received int
	var frameID int32
	var n int
	for {
		rn, _, err := m.mconn.ReadFrom(buf)
		if err != nil {
			return n, fmt.Errorf("multicast: recv on %s: %w", ch, err)
		}
		if rn < fragHeaderSize {
			continue
		}
		hdr := decodeFragHeader(buf[:fragHeaderSize])
		if received == 0 {
			frameID = hdr.frameID
			total = int(hdr.totalFragments)
		} else if hdr.frameID != frameID {
			continue // stray fragment from a prior frame
		}
		payload := buf[fragHeaderSize:rn]
		n += copy(b[n:], payload)
		received++
		m.ackFragment(hdr.fragmentIndex)
		if received >= total {
			return n, nil
		}
	}
}

func (m *MulticastBackend) ackFragment(fragmentIndex int32) {
	ack := make([]byte, 4)
	binary.LittleEndian.PutUint32(ack, uint32(fragmentIndex))
	m.ackConn.WriteTo(ack, m.masterAckAddr)
}

func (m *MulticastBackend) SendToMaster(Channel, []byte) error {
	return fmt.Errorf("transport: multicast back end has no slave-to-master data path; use the barrier/ack channel")
}

func (m *MulticastBackend) RecvFromSlave(Channel, int, []byte) (int, error) {
	return 0, fmt.Errorf("transport: multicast back end has no slave-to-master data path; use the barrier/ack channel")
}

// Barrier performs the same arrival/release rendezvous as the stream back
// end, but over the private unicast ack socket rather than the multicast
// group, since a barrier needs per-participant confirmation multicast alone
// cannot give. Per spec §6, the arrival byte is the slave's rank and the
// release byte is ASCII 'g'.
func (m *MulticastBackend) Barrier(ch Channel) error {
	if m.isMaster {
		seen := make(map[string]bool, len(m.slaveAckAddrs))
		buf := make([]byte, 1)
		m.ackConn.SetReadDeadline(time.Time{})
		for len(seen) < len(m.slaveAckAddrs) {
			_, addr, err := m.ackConn.ReadFrom(buf)
			if err != nil {
				return fmt.Errorf("multicast: barrier arrival on %s: %w", ch, err)
			}
			seen[addr.String()] = true
		}
		release := []byte{releaseByte}
		var errs cos.Errs
		for _, addr := range m.slaveAckAddrs {
			if _, err := m.ackConn.WriteTo(release, addr); err != nil {
				errs.Add(err)
			}
		}
		return errs.Err()
	}
	arrival := []byte{byte(m.rank)}
	if _, err := m.ackConn.WriteTo(arrival, m.masterAckAddr); err != nil {
		return fmt.Errorf("multicast: barrier arrival on %s: %w", ch, err)
	}
	buf := make([]byte, 1)
	m.ackConn.SetReadDeadline(time.Time{})
	if _, _, err := m.ackConn.ReadFrom(buf); err != nil {
		return fmt.Errorf("multicast: barrier release on %s: %w", ch, err)
	}
	return nil
}

func (m *MulticastBackend) Close() error {
	var errs cos.Errs
	if err := m.mconn.Close(); err != nil {
		errs.Add(err)
	}
	if err := m.ackConn.Close(); err != nil {
		errs.Add(err)
	}
	return errs.Err()
}
