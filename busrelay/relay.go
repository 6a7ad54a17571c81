// Package busrelay forwards external bus messages into the cluster's
// per-frame synchronization cycle (§4.2.8), the way etl's Communicator
// wraps an outside channel (a transformer pod) behind a small interface
// that the rest of the system drives without caring about the transport
// underneath.
package busrelay

import (
	"time"

	"github.com/ivs-cluster/clustersync/cmn/nlog"
)

// maxRelay bounds how many external-bus messages SyncExternalBusMessages
// forwards in a single call, so a noisy external bus cannot stall a frame.
const maxRelay = 500

const reconnectBackoff = 2 * time.Second

// Msg is one external bus message, opaque to the relay.
type Msg struct {
	Topic   string
	Payload []byte
}

// Client is the external-bus side of the relay: something that can be
// polled for pending messages and reconnected after a failure. A concrete
// implementation wraps whatever bus the surrounding process actually
// integrates with (a message broker, a shared-memory ring, a socket).
type Client interface {
	// Poll returns any messages currently queued. The bool result reports
	// whether the client is still connected; when false, every subsequent
	// Poll call must also return false until Reconnect succeeds.
	Poll() ([]Msg, bool, error)
	Reconnect() error
}

// Handler processes one relayed message, typically by broadcasting it to
// the cluster's slaves over the app channel.
type Handler func(Msg) error

// Relay drives a Client on behalf of the per-frame sync cycle.
type Relay struct {
	client    Client
	handle    Handler
	connected bool
	lastRetry time.Time
}

// NewRelay builds a Relay around client, dispatching each received message
// to handle.
func NewRelay(client Client, handle Handler) *Relay {
	return &Relay{client: client, handle: handle, connected: true}
}

// Drain implements SyncExternalBusMessages: it polls the client once, caps
// the number of messages forwarded at maxRelay, and attempts a
// rate-limited reconnect whenever the client reports it has dropped.
func (r *Relay) Drain() error {
	if !r.connected {
		return r.tryReconnect()
	}

	msgs, connected, err := r.client.Poll()
	if err != nil {
		return err
	}
	if !connected {
		r.connected = false
		nlog.Warningln("busrelay: external bus disconnected")
		return nil
	}

	if len(msgs) > maxRelay {
		nlog.Warningf("busrelay: dropping %d messages beyond the %d-message relay cap", len(msgs)-maxRelay, maxRelay)
		msgs = msgs[:maxRelay]
	}
	for _, m := range msgs {
		if err := r.handle(m); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) tryReconnect() error {
	if time.Since(r.lastRetry) < reconnectBackoff {
		return nil
	}
	r.lastRetry = time.Now()
	if err := r.client.Reconnect(); err != nil {
		nlog.Warningf("busrelay: reconnect failed: %v", err)
		return nil
	}
	nlog.Infoln("busrelay: external bus reconnected")
	r.connected = true
	return nil
}
