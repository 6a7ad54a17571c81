package busrelay

import (
	"strings"
	"testing"
)

func TestLineClientPollsOneLineAtATime(t *testing.T) {
	c := NewLineClient(strings.NewReader("first\nsecond\n"), "demo")

	msgs, connected, err := c.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !connected {
		t.Fatal("connected = false on first line")
	}
	if len(msgs) != 1 || string(msgs[0].Payload) != "first" || msgs[0].Topic != "demo" {
		t.Fatalf("Poll = %+v, want one msg {demo, first}", msgs)
	}

	msgs, connected, err = c.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !connected || len(msgs) != 1 || string(msgs[0].Payload) != "second" {
		t.Fatalf("Poll = %+v connected=%v, want one msg {demo, second}", msgs, connected)
	}

	msgs, connected, err = c.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if connected || len(msgs) != 0 {
		t.Fatalf("Poll at EOF = %+v connected=%v, want no messages and disconnected", msgs, connected)
	}
}

func TestLineClientReconnectResetsEOF(t *testing.T) {
	c := NewLineClient(strings.NewReader("only\n"), "demo")
	c.Poll()
	if _, connected, _ := c.Poll(); connected {
		t.Fatal("expected disconnected at EOF")
	}
	if err := c.Reconnect(); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	// Reconnect clears eof, but the underlying scanner is still exhausted;
	// the next Poll call re-observes EOF rather than finding new data.
	_, connected, _ := c.Poll()
	if connected {
		t.Fatal("Reconnect on an exhausted reader should still observe EOF on next Poll")
	}
}
