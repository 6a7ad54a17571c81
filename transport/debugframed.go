// DebugFramedBackend is a decorator, not a branch: rather than special-
// casing every Backend implementation with an "if debug" fork, it wraps any
// Backend that reports Framed() == false and prepends a wire.Header with a
// monotonically increasing sequence number to every broadcast, recording the
// last header sent and received on each channel (LastSent, LastRecv). On
// receipt it checks only that the payload length matches the header; the
// sequence numbers are not compared, here or in the Controller, so a
// diverged frame stream is not detected by sequence.
package transport

import (
	"fmt"

	"github.com/ivs-cluster/clustersync/wire"
)

// DebugFramedBackend wraps an unframed Backend, adding a wire.Header ahead
// of every message it sends and decoding one off every message it receives.
type DebugFramedBackend struct {
	inner Backend
	rank  int
	seq   int32

	lastSent [2]wire.Header
	lastRecv [2]wire.Header
}

func NewDebugFramedBackend(inner Backend, rank int) *DebugFramedBackend {
	if inner.Framed() {
		return nil
	}
	return &DebugFramedBackend{inner: inner, rank: rank}
}

func (d *DebugFramedBackend) Framed() bool { return true }

func (d *DebugFramedBackend) frame(b []byte) (wire.Header, []byte) {
	d.seq++
	hdr := wire.Header{SenderRank: int32(d.rank), SendKind: 0, TypeTag: d.seq, PayloadLength: int32(len(b))}
	buf := make([]byte, wire.HeaderSize+len(b))
	hdr.EncodeTo(buf)
	copy(buf[wire.HeaderSize:], b)
	return hdr, buf
}

func (d *DebugFramedBackend) unframe(buf []byte, n int, b []byte) (wire.Header, int, error) {
	if n < wire.HeaderSize {
		return wire.Header{}, 0, fmt.Errorf("debugframed: short read: %d bytes", n)
	}
	hdr := wire.DecodeHeader(buf[:wire.HeaderSize])
	payload := buf[wire.HeaderSize:n]
	if int(hdr.PayloadLength) != len(payload) {
		return hdr, 0, fmt.Errorf("debugframed: header says %d bytes, got %d", hdr.PayloadLength, len(payload))
	}
	copy(b, payload)
	return hdr, len(payload), nil
}

func (d *DebugFramedBackend) SendToAll(ch Channel, b []byte) error {
	hdr, framed := d.frame(b)
	d.lastSent[ch] = hdr
	return d.inner.SendToAll(ch, framed)
}

func (d *DebugFramedBackend) RecvFromMaster(ch Channel, b []byte, bypassPrimary bool) (int, error) {
	buf := make([]byte, wire.HeaderSize+len(b))
	n, err := d.inner.RecvFromMaster(ch, buf, bypassPrimary)
	if err != nil {
		return 0, err
	}
	hdr, payloadLen, err := d.unframe(buf, n, b)
	if err != nil {
		return 0, err
	}
	d.lastRecv[ch] = hdr
	return payloadLen, nil
}

func (d *DebugFramedBackend) SendToMaster(ch Channel, b []byte) error {
	hdr, framed := d.frame(b)
	d.lastSent[ch] = hdr
	return d.inner.SendToMaster(ch, framed)
}

func (d *DebugFramedBackend) RecvFromSlave(ch Channel, slave int, b []byte) (int, error) {
	buf := make([]byte, wire.HeaderSize+len(b))
	n, err := d.inner.RecvFromSlave(ch, slave, buf)
	if err != nil {
		return 0, err
	}
	hdr, payloadLen, err := d.unframe(buf, n, b)
	if err != nil {
		return 0, err
	}
	d.lastRecv[ch] = hdr
	return payloadLen, nil
}

func (d *DebugFramedBackend) Barrier(ch Channel) error { return d.inner.Barrier(ch) }

func (d *DebugFramedBackend) Close() error { return d.inner.Close() }

// LastSent returns the header most recently sent on ch.
func (d *DebugFramedBackend) LastSent(ch Channel) wire.Header { return d.lastSent[ch] }

// LastRecv returns the header most recently received on ch.
func (d *DebugFramedBackend) LastRecv(ch Channel) wire.Header { return d.lastRecv[ch] }
