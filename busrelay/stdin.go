// A minimal Client that demonstrates wiring the external-bus relay into a
// runnable process: it treats every line read from an io.Reader as one Msg.
// The actual external collaborative bus is out of scope; this exists so
// SetExternalBus has something concrete to attach in cmd/clustersyncd and
// so the relay path is exercised end to end instead of staying permanently
// nil.
package busrelay

import (
	"bufio"
	"io"
)

// LineClient implements Client by scanning newline-terminated lines from r,
// each becoming a Msg on topic. Poll returns at most one message per call,
// so the relay's per-call cap is never reached through this client. Once r
// is exhausted, Poll reports the client
// disconnected; Reconnect always succeeds since there is no real session
// underneath to reestablish.
type LineClient struct {
	topic   string
	scanner *bufio.Scanner
	eof     bool
}

// NewLineClient wraps r, tagging every line read from it with topic.
func NewLineClient(r io.Reader, topic string) *LineClient {
	return &LineClient{topic: topic, scanner: bufio.NewScanner(r)}
}

func (c *LineClient) Poll() ([]Msg, bool, error) {
	if c.eof {
		return nil, false, nil
	}
	if !c.scanner.Scan() {
		c.eof = true
		return nil, false, c.scanner.Err()
	}
	line := append([]byte(nil), c.scanner.Bytes()...)
	return []Msg{{Topic: c.topic, Payload: line}}, true, nil
}

func (c *LineClient) Reconnect() error {
	c.eof = false
	return nil
}
