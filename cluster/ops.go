// Broadcast, gather, and framed-message operations (§4.2.2, §4.2.3).
package cluster

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ivs-cluster/clustersync/wire"
)

// Broadcast sends b from the master to every slave, or on a slave blocks
// for the master's broadcast and returns the byte count received.
func (c *Controller) Broadcast(ch Channel, b []byte) (int, error) {
	if c.role == RoleMaster {
		if err := c.backend.SendToAll(ch, b); err != nil {
			return 0, err
		}
		c.bytesSent[ch] += int64(len(b))
		return len(b), nil
	}
	n, err := c.backend.RecvFromMaster(ch, b, false)
	if err != nil {
		return n, err
	}
	c.bytesRecv[ch] += int64(n)
	return n, nil
}

// BroadcastBool is broadcastTyped(bool) (§4.2.2).
func (c *Controller) BroadcastBool(ch Channel, v bool) (bool, error) {
	buf := []byte{0}
	if c.role == RoleMaster {
		if v {
			buf[0] = 1
		}
	}
	if _, err := c.Broadcast(ch, buf); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

// BroadcastInt32 is broadcastTyped(int) (§4.2.2).
func (c *Controller) BroadcastInt32(ch Channel, v int32) (int32, error) {
	buf := make([]byte, 4)
	if c.role == RoleMaster {
		binary.LittleEndian.PutUint32(buf, uint32(v))
	}
	if _, err := c.Broadcast(ch, buf); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf)), nil
}

// BroadcastFloat64 is broadcastTyped(double) (§4.2.7): the master sends v
// as its IEEE-754 bit pattern; every process returns the agreed value.
func (c *Controller) BroadcastFloat64(ch Channel, v float64) (float64, error) {
	buf := make([]byte, 8)
	if c.role == RoleMaster {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	}
	if _, err := c.Broadcast(ch, buf); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf)), nil
}

// BroadcastBlob is broadcastTyped(opaque blob):the master sends b as-is;
// a slave must supply a buffer of the same, already-agreed length.
func (c *Controller) BroadcastBlob(ch Channel, b []byte) (int, error) {
	return c.Broadcast(ch, b)
}

const maxMessagePayload = 64 * 1024

// BroadcastMessage implements §4.2.2's framed broadcast: on the master, it
// transmits the 16-byte header followed by the payload; on a slave, it
// receives the header, allocates a payloadLength-byte buffer, and returns
// the reconstructed message. Framed back ends (multicast, message-passing)
// already track message boundaries internally, so the whole frame crosses
// in one backend call; unframed back ends (stream, serial, parallel,
// magic) need the header and payload read as two separate, exactly-sized
// calls.
func (c *Controller) BroadcastMessage(ch Channel, out *wire.Message) (*wire.Message, error) {
	if c.backend.Framed() {
		return c.broadcastMessageFramed(ch, out)
	}
	return c.broadcastMessageUnframed(ch, out)
}

func (c *Controller) broadcastMessageFramed(ch Channel, out *wire.Message) (*wire.Message, error) {
	if c.role == RoleMaster {
		frame := make([]byte, wire.HeaderSize+len(out.Payload))
		out.Header.PayloadLength = int32(len(out.Payload))
		out.Header.EncodeTo(frame)
		copy(frame[wire.HeaderSize:], out.Payload)
		if err := c.backend.SendToAll(ch, frame); err != nil {
			return nil, err
		}
		c.bytesSent[ch] += int64(len(frame))
		return out, nil
	}
	buf := make([]byte, wire.HeaderSize+maxMessagePayload)
	n, err := c.backend.RecvFromMaster(ch, buf, false)
	if err != nil {
		return nil, err
	}
	if n < wire.HeaderSize {
		return nil, fmt.Errorf("cluster: framed message shorter than header: %d bytes", n)
	}
	hdr := wire.DecodeHeader(buf[:wire.HeaderSize])
	payload := make([]byte, hdr.PayloadLength)
	copy(payload, buf[wire.HeaderSize:n])
	c.bytesRecv[ch] += int64(n)
	return &wire.Message{Header: hdr, Payload: payload}, nil
}

func (c *Controller) broadcastMessageUnframed(ch Channel, out *wire.Message) (*wire.Message, error) {
	if c.role == RoleMaster {
		out.Header.PayloadLength = int32(len(out.Payload))
		hdrBuf := out.Header.Encode()
		if err := c.backend.SendToAll(ch, hdrBuf); err != nil {
			return nil, err
		}
		if err := c.backend.SendToAll(ch, out.Payload); err != nil {
			return nil, err
		}
		c.bytesSent[ch] += int64(len(hdrBuf) + len(out.Payload))
		return out, nil
	}
	hdrBuf := make([]byte, wire.HeaderSize)
	if _, err := c.backend.RecvFromMaster(ch, hdrBuf, false); err != nil {
		return nil, err
	}
	hdr := wire.DecodeHeader(hdrBuf)
	payload := make([]byte, hdr.PayloadLength)
	if hdr.PayloadLength > 0 {
		if _, err := c.backend.RecvFromMaster(ch, payload, false); err != nil {
			return nil, err
		}
	}
	c.bytesRecv[ch] += int64(len(hdrBuf) + len(payload))
	return &wire.Message{Header: hdr, Payload: payload}, nil
}

// GatherFromSlaves implements §4.2.3: for each slave in rank order, read
// exactly buf.Size() bytes into that slave's slot.
func (c *Controller) GatherFromSlaves(ch Channel, buf *GatherBuffer) error {
	if c.role != RoleMaster {
		return fmt.Errorf("cluster: GatherFromSlaves called on a slave")
	}
	if buf.Len() != len(c.slaves) {
		return fmt.Errorf("cluster: gather buffer has %d slots, expected %d", buf.Len(), len(c.slaves))
	}
	for i := range c.slaves {
		n, err := c.backend.RecvFromSlave(ch, i, buf.Slot(i))
		if err != nil {
			return fmt.Errorf("cluster: gather from slave %d: %w", i, err)
		}
		c.bytesRecv[ch] += int64(n)
	}
	return nil
}

// RecvFromSlave implements §4.2.3's single-slave read, master only.
func (c *Controller) RecvFromSlave(ch Channel, slave int, b []byte) (int, error) {
	if c.role != RoleMaster {
		return 0, fmt.Errorf("cluster: RecvFromSlave called on a slave")
	}
	n, err := c.backend.RecvFromSlave(ch, slave, b)
	if err != nil {
		return n, err
	}
	c.bytesRecv[ch] += int64(n)
	return n, nil
}

// SendToMaster implements the slave side of a point-to-point send.
func (c *Controller) SendToMaster(ch Channel, b []byte) error {
	if c.role != RoleSlave {
		return fmt.Errorf("cluster: SendToMaster called on the master")
	}
	if err := c.backend.SendToMaster(ch, b); err != nil {
		return err
	}
	c.bytesSent[ch] += int64(len(b))
	return nil
}
