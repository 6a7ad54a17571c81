package transport

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeSerialLine simulates one RS-232 link's modem-control lines without a
// real tty: setRTS records every transition, waitCTS follows whatever the
// peer's fakeSerialLine most recently set via its setRTS sibling.
type fakeSerialLine struct {
	mu  sync.Mutex
	rts []bool // every value RTS was set to, in order
	cts bool   // current CTS state as observed by waitCTS
}

func (f *fakeSerialLine) setRTS(on bool) error {
	f.mu.Lock()
	f.rts = append(f.rts, on)
	f.mu.Unlock()
	return nil
}

func (f *fakeSerialLine) waitCTS(want bool) error {
	deadline := time.Now().Add(time.Second)
	for {
		f.mu.Lock()
		got := f.cts
		f.mu.Unlock()
		if got == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("serial: timed out waiting for CTS=%v", want)
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fakeSerialLine) Write(b []byte) (int, error) { return len(b), nil }
func (f *fakeSerialLine) Read(b []byte) (int, error)  { return 0, nil }
func (f *fakeSerialLine) Close() error                { return nil }

func (f *fakeSerialLine) setCTS(v bool) {
	f.mu.Lock()
	f.cts = v
	f.mu.Unlock()
}

var _ serialLine = (*fakeSerialLine)(nil)

// pairedSerialLine wires a master-side fakeSerialLine to a slave-side one so
// that setRTS on one side updates the CTS the other side observes, mirroring
// how a null-modem cable ties one end's RTS pin to the other's CTS pin.
type pairedSerialLine struct {
	*fakeSerialLine
	peer *fakeSerialLine
}

func (p *pairedSerialLine) setRTS(on bool) error {
	if err := p.fakeSerialLine.setRTS(on); err != nil {
		return err
	}
	p.peer.setCTS(on)
	return nil
}

func newSerialPair() (master, slave *pairedSerialLine) {
	m := &fakeSerialLine{}
	s := &fakeSerialLine{}
	master = &pairedSerialLine{fakeSerialLine: m, peer: s}
	slave = &pairedSerialLine{fakeSerialLine: s, peer: m}
	return
}

// TestSerialBarrierTogglesRTSAcrossThreeFrames drives three consecutive
// draw-channel barriers (spec.md §8 scenario 6) and checks the RTS
// transitions each side records: every Barrier call raises and then lowers
// RTS, so three calls give high-low-high-low-high-low on both sides. CTS
// samples are not counted.
func TestSerialBarrierTogglesRTSAcrossThreeFrames(t *testing.T) {
	masterLine, slaveLine := newSerialPair()

	master := &SerialBackend{
		isMaster:   true,
		slaveLinks: [2][]serialLine{nil, {masterLine}},
	}
	slave := &SerialBackend{
		masterLink: [2]serialLine{nil, slaveLine},
	}

	for frame := 1; frame <= 3; frame++ {
		var wg sync.WaitGroup
		var masterErr, slaveErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			masterErr = master.Barrier(ChanDraw)
		}()
		go func() {
			defer wg.Done()
			slaveErr = slave.Barrier(ChanDraw)
		}()
		wg.Wait()
		if masterErr != nil {
			t.Fatalf("frame %d: master Barrier: %v", frame, masterErr)
		}
		if slaveErr != nil {
			t.Fatalf("frame %d: slave Barrier: %v", frame, slaveErr)
		}
	}

	wantRTS := []bool{true, false, true, false, true, false}
	if len(masterLine.rts) != len(wantRTS) {
		t.Fatalf("master RTS transitions = %v, want %d transitions matching %v",
			masterLine.rts, len(wantRTS), wantRTS)
	}
	for i, want := range wantRTS {
		if masterLine.rts[i] != want {
			t.Errorf("master RTS transition %d = %v, want %v (full sequence %v)",
				i, masterLine.rts[i], want, masterLine.rts)
		}
	}

	// Slave pulses its own RTS once per frame (high then low), the same
	// shape as the master's side of the cable.
	wantSlaveRTS := []bool{true, false, true, false, true, false}
	if len(slaveLine.rts) != len(wantSlaveRTS) {
		t.Fatalf("slave RTS transitions = %v, want %d transitions matching %v",
			slaveLine.rts, len(wantSlaveRTS), wantSlaveRTS)
	}
	for i, want := range wantSlaveRTS {
		if slaveLine.rts[i] != want {
			t.Errorf("slave RTS transition %d = %v, want %v (full sequence %v)",
				i, slaveLine.rts[i], want, slaveLine.rts)
		}
	}
}
