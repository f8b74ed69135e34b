package protocol

import (
	"bytes"
	"testing"
)

func TestEscapeRoundTrip_S1(t *testing.T) {
	in := []byte{0x45, 0x44, 0x4D, 0x4F, 0x01, 0x02, 0x45, 0x44}
	want := []byte{0x45, 0x5C, 0x44, 0x4D, 0x5C, 0x4F, 0x01, 0x02, 0x45, 0x5C, 0x44}

	got := Escape(in)
	if !bytes.Equal(got, want) {
		t.Fatalf("Escape(%x) = %x, want %x", in, got, want)
	}

	back := Unescape(got)
	if !bytes.Equal(back, in) {
		t.Fatalf("Unescape(Escape(%x)) = %x, want %x", in, back, in)
	}

	if bytes.Contains(got, []byte{'E', 'D'}) {
		t.Fatalf("escaped payload contains ED: %x", got)
	}
	if bytes.Contains(got, []byte{'M', 'O'}) {
		t.Fatalf("escaped payload contains MO: %x", got)
	}
}

func TestEscapeIdempotent(t *testing.T) {
	in := []byte("some ED and MO and a \\ backslash")
	once := Escape(in)
	twice := Escape(once)
	if !bytes.Equal(once, twice) {
		t.Fatalf("escape not idempotent: once=%x twice=%x", once, twice)
	}
}

func TestUnescapeTrailingBackslashDropped(t *testing.T) {
	got := Unescape([]byte{0x01, 0x02, escapeByte})
	if !bytes.Equal(got, []byte{0x01, 0x02}) {
		t.Fatalf("got %x, want trailing backslash dropped", got)
	}
}

func fuzzPayloads() [][]byte {
	return [][]byte{
		{},
		{0x00},
		[]byte("no-delimiters-here"),
		[]byte("EDMO"),
		[]byte("EDEDEDMOMOMO"),
		{0x45, 0x44},
		{0x4D, 0x4F},
		bytes.Repeat([]byte{'E', 'D', 'M', 'O'}, 16),
	}
}

func TestEscapeProperties(t *testing.T) {
	for _, p := range fuzzPayloads() {
		enc := Escape(p)
		if bytes.Contains(enc, []byte("ED")) {
			t.Errorf("Escape(%x) contains ED", p)
		}
		if bytes.Contains(enc, []byte("MO")) {
			t.Errorf("Escape(%x) contains MO", p)
		}
		if dec := Unescape(enc); !bytes.Equal(dec, p) {
			t.Errorf("roundtrip failed for %x: got %x", p, dec)
		}
		if enc2 := Escape(enc); !bytes.Equal(enc2, enc) {
			t.Errorf("Escape not idempotent for %x", p)
		}
	}
}

func TestReframer_S3_ResyncOnGarbage(t *testing.T) {
	var dispatched [][]byte
	r := &Reframer{Dispatch: func(b []byte) { dispatched = append(dispatched, append([]byte(nil), b...)) }}

	r.Feed([]byte{0xFF, 0xFF, 0x45, 0x44, 0x02, 0xFF, 0x00, 0x00, 0x00, 0x4D, 0x4F})

	if len(dispatched) != 1 {
		t.Fatalf("expected exactly one dispatched frame, got %d: %v", len(dispatched), dispatched)
	}
	want := []byte{0x02, 0xFF, 0x00, 0x00, 0x00}
	if !bytes.Equal(dispatched[0], want) {
		t.Fatalf("dispatched = %x, want %x", dispatched[0], want)
	}
}

func TestReframer_ChunkedDelivery(t *testing.T) {
	var dispatched [][]byte
	r := &Reframer{Dispatch: func(b []byte) { dispatched = append(dispatched, append([]byte(nil), b...)) }}

	whole := Encode(byte(TagGetTime), []byte{0x01, 0x00, 0x00, 0x00})
	for _, chunk := range splitEvery(whole, 3) {
		r.Feed(chunk)
	}
	if len(dispatched) != 1 {
		t.Fatalf("expected one frame across chunks, got %d", len(dispatched))
	}
}

func splitEvery(b []byte, n int) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		if len(b) < n {
			n = len(b)
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}
