package transport

import "testing"

func TestFragHeaderRoundTrip(t *testing.T) {
	h := fragHeader{frameID: 7, totalFragments: 3, fragmentIndex: 1, length: 512}
	buf := h.encode()
	if len(buf) != fragHeaderSize {
		t.Fatalf("encode: got %d bytes, want %d", len(buf), fragHeaderSize)
	}
	got := decodeFragHeader(buf)
	if got != h {
		t.Fatalf("decodeFragHeader round trip: got %+v, want %+v", got, h)
	}
}

func TestMulticastNoDataPathSlaveToMaster(t *testing.T) {
	var m MulticastBackend
	if err := m.SendToMaster(ChanApp, []byte("x")); err == nil {
		t.Fatal("SendToMaster should fail: multicast carries no slave-to-master data path")
	}
	if _, err := m.RecvFromSlave(ChanApp, 0, make([]byte, 1)); err == nil {
		t.Fatal("RecvFromSlave should fail: multicast carries no slave-to-master data path")
	}
}
