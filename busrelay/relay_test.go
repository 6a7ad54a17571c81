package busrelay

import (
	"errors"
	"testing"
	"time"
)

type fakeClient struct {
	msgs      [][]Msg
	connected []bool
	errs      []error
	calls     int
	reconn    int
	reconnErr error
}

func (f *fakeClient) Poll() ([]Msg, bool, error) {
	i := f.calls
	f.calls++
	if i >= len(f.msgs) {
		return nil, true, nil
	}
	return f.msgs[i], f.connected[i], f.errs[i]
}

func (f *fakeClient) Reconnect() error {
	f.reconn++
	return f.reconnErr
}

func TestRelayDrainDispatchesMessages(t *testing.T) {
	client := &fakeClient{
		msgs:      [][]Msg{{{Topic: "a", Payload: []byte("1")}, {Topic: "b", Payload: []byte("2")}}},
		connected: []bool{true},
		errs:      []error{nil},
	}
	var got []Msg
	relay := NewRelay(client, func(m Msg) error {
		got = append(got, m)
		return nil
	})
	if err := relay.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 2 || got[0].Topic != "a" || got[1].Topic != "b" {
		t.Fatalf("dispatched = %+v, want two messages in order", got)
	}
}

func TestRelayDrainCapsAtMaxRelay(t *testing.T) {
	msgs := make([]Msg, maxRelay+50)
	for i := range msgs {
		msgs[i] = Msg{Topic: "t"}
	}
	client := &fakeClient{
		msgs:      [][]Msg{msgs},
		connected: []bool{true},
		errs:      []error{nil},
	}
	var n int
	relay := NewRelay(client, func(Msg) error {
		n++
		return nil
	})
	if err := relay.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != maxRelay {
		t.Fatalf("dispatched %d messages, want the %d-message cap", n, maxRelay)
	}
}

func TestRelayDrainPropagatesHandlerError(t *testing.T) {
	client := &fakeClient{
		msgs:      [][]Msg{{{Topic: "a"}}},
		connected: []bool{true},
		errs:      []error{nil},
	}
	wantErr := errors.New("handler boom")
	relay := NewRelay(client, func(Msg) error { return wantErr })
	if err := relay.Drain(); err != wantErr {
		t.Fatalf("Drain error = %v, want %v", err, wantErr)
	}
}

func TestRelayReconnectsAfterDisconnect(t *testing.T) {
	client := &fakeClient{
		msgs:      [][]Msg{nil},
		connected: []bool{false},
		errs:      []error{nil},
	}
	relay := NewRelay(client, func(Msg) error { return nil })
	if err := relay.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if relay.connected {
		t.Fatal("relay should report disconnected after Poll returns connected=false")
	}

	relay.lastRetry = time.Time{} // force the backoff window open
	if err := relay.Drain(); err != nil {
		t.Fatalf("Drain during reconnect: %v", err)
	}
	if client.reconn != 1 {
		t.Fatalf("Reconnect called %d times, want 1", client.reconn)
	}
	if !relay.connected {
		t.Fatal("relay should report connected again after a successful Reconnect")
	}
}

func TestRelayReconnectRespectsBackoff(t *testing.T) {
	client := &fakeClient{
		msgs:      [][]Msg{nil},
		connected: []bool{false},
		errs:      []error{nil},
	}
	relay := NewRelay(client, func(Msg) error { return nil })
	relay.Drain() // disconnects
	relay.lastRetry = time.Now()

	if err := relay.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if client.reconn != 0 {
		t.Fatalf("Reconnect called %d times before backoff elapsed, want 0", client.reconn)
	}
}
