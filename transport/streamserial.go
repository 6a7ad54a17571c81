// CompositeBackend pairs a data-carrying Backend with a barrier-only one:
// StreamPlusSerial (§4.1.7) is the named case — bulk payloads ride the TCP
// stream back end, but the barrier itself rides the RS-232 back end for
// lower latency than a TCP round trip — and the same composition serves
// ParallelPort, whose barrier mechanism likewise carries no data path of its
// own and needs pairing with a stream back end for broadcast, gather, and
// point-to-point sends. MagicBackend is not composed: it carries data over
// its own stream connections.
package transport

// CompositeBackend delegates every data operation to Data and Barrier calls
// to Sync.
type CompositeBackend struct {
	Data Backend
	Sync Backend
}

// NewStreamPlusSerialBackend builds the StreamPlusSerial back end named in
// §4.1.7: data over data, barrier over barrier.
func NewStreamPlusSerialBackend(data *StreamBackend, barrier *SerialBackend) *CompositeBackend {
	return &CompositeBackend{Data: data, Sync: barrier}
}

func (c *CompositeBackend) Framed() bool { return c.Data.Framed() }

func (c *CompositeBackend) SendToAll(ch Channel, b []byte) error {
	return c.Data.SendToAll(ch, b)
}

func (c *CompositeBackend) RecvFromMaster(ch Channel, b []byte, bypassPrimary bool) (int, error) {
	return c.Data.RecvFromMaster(ch, b, bypassPrimary)
}

func (c *CompositeBackend) SendToMaster(ch Channel, b []byte) error {
	return c.Data.SendToMaster(ch, b)
}

func (c *CompositeBackend) RecvFromSlave(ch Channel, slave int, b []byte) (int, error) {
	return c.Data.RecvFromSlave(ch, slave, b)
}

func (c *CompositeBackend) Barrier(ch Channel) error {
	return c.Sync.Barrier(ch)
}

func (c *CompositeBackend) Close() error {
	errData := c.Data.Close()
	errSync := c.Sync.Close()
	if errData != nil {
		return errData
	}
	return errSync
}
