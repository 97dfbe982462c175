package varint

import "testing"

func TestPutGetVarintRoundTrip(t *testing.T) {
	cases := []uint64{
		0, 1, 127, 128, 255, 16383, 16384,
		1 << 20, 1<<21 - 1, 1 << 21,
		1 << 28, 1<<35 - 1, 1 << 35,
		1 << 42, 1 << 49, 1 << 56,
		1<<64 - 1,
	}

	for _, v := range cases {
		buf := make([]byte, 9)
		n := PutVarint(buf, v)
		if n != Len(v) {
			t.Errorf("PutVarint(%d) wrote %d bytes, Len reports %d", v, n, Len(v))
		}

		got, m := GetVarint(buf[:n])
		if m != n {
			t.Errorf("GetVarint read %d bytes, want %d", m, n)
		}
		if got != v {
			t.Errorf("round trip %d -> %d", v, got)
		}
	}
}

func TestLenMonotonic(t *testing.T) {
	prev := 0
	for _, v := range []uint64{0x7F, 0x80, 0x3FFF, 0x4000, 0x1FFFFF, 0x200000,
		0xFFFFFFF, 0x10000000, 0x7FFFFFFFF, 0x800000000,
		0x3FFFFFFFFFF, 0x40000000000, 0x1FFFFFFFFFFFF, 0x2000000000000,
		0xFFFFFFFFFFFFFF, 0x100000000000000, 1<<64 - 1} {
		n := Len(v)
		if n < prev {
			t.Errorf("Len(%#x) = %d is smaller than previous %d", v, n, prev)
		}
		prev = n
	}
}

func TestGetVarintEmptyBuffer(t *testing.T) {
	v, n := GetVarint(nil)
	if v != 0 || n != 0 {
		t.Errorf("GetVarint(nil) = %d, %d; want 0, 0", v, n)
	}
}

func TestPutVarintNineByteForm(t *testing.T) {
	v := uint64(1<<64 - 1)
	buf := make([]byte, 9)
	n := PutVarint(buf, v)
	if n != 9 {
		t.Fatalf("expected 9-byte encoding, got %d", n)
	}
	got, m := GetVarint(buf)
	if m != 9 || got != v {
		t.Errorf("round trip of max uint64 failed: got %d, %d bytes", got, m)
	}
}
