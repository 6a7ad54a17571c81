package wire

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{SenderRank: 3, SendKind: 1, TypeTag: 7, PayloadLength: 128}
	buf := h.Encode()
	if len(buf) != HeaderSize {
		t.Fatalf("Encode: got %d bytes, want %d", len(buf), HeaderSize)
	}
	got := DecodeHeader(buf)
	if got != h {
		t.Fatalf("DecodeHeader round trip: got %+v, want %+v", got, h)
	}
}

func TestNumChunks(t *testing.T) {
	cases := []struct {
		n, maxLength, want int
	}{
		{0, 1024, 1},
		{1024, 1024, 1},
		{1025, 1024, 2},
		{2048, 1024, 2},
		{2049, 1024, 3},
	}
	for _, c := range cases {
		if got := NumChunks(c.n, c.maxLength); got != c.want {
			t.Errorf("NumChunks(%d, %d) = %d, want %d", c.n, c.maxLength, got, c.want)
		}
	}
}

func TestChunk(t *testing.T) {
	payload := make([]byte, 2049)
	for i := range payload {
		payload[i] = byte(i)
	}
	n := NumChunks(len(payload), 1024)
	if n != 3 {
		t.Fatalf("NumChunks = %d, want 3", n)
	}
	var reassembled []byte
	for i := 0; i < n; i++ {
		reassembled = append(reassembled, Chunk(payload, 1024, i)...)
	}
	if len(reassembled) != len(payload) {
		t.Fatalf("reassembled length %d, want %d", len(reassembled), len(payload))
	}
	for i := range payload {
		if reassembled[i] != payload[i] {
			t.Fatalf("reassembled[%d] = %d, want %d", i, reassembled[i], payload[i])
		}
	}
	last := Chunk(payload, 1024, n-1)
	if len(last) != 1 {
		t.Fatalf("last chunk length = %d, want 1 (2049 %% 1024)", len(last))
	}
}
