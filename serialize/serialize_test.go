package serialize

import "testing"

func TestU32LittleEndian(t *testing.T) {
	got := NewBuffer(4).U32(0x01020304).Build()
	want := []byte{0x04, 0x03, 0x02, 0x01}
	if string(got) != string(want) {
		t.Errorf("U32 = % x, want % x", got, want)
	}
}

func TestU64LittleEndian(t *testing.T) {
	got := NewBuffer(8).U64(0x0102030405060708).Build()
	want := []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
	if string(got) != string(want) {
		t.Errorf("U64 = % x, want % x", got, want)
	}
}

func TestLenPrefixedStringFramesUnambiguously(t *testing.T) {
	a := NewBuffer(0).LenPrefixedString("ab").LenPrefixedString("c").Build()
	b := NewBuffer(0).LenPrefixedString("a").LenPrefixedString("bc").Build()
	if string(a) == string(b) {
		t.Errorf("length-prefixed encodings collided: %q vs %q split differently but produced identical bytes", "ab|c", "a|bc")
	}
}

func TestChainedBuilderIsOrderSensitive(t *testing.T) {
	a := NewBuffer(0).U8(1).U8(2).Build()
	b := NewBuffer(0).U8(2).U8(1).Build()
	if string(a) == string(b) {
		t.Errorf("U8(1).U8(2) produced same bytes as U8(2).U8(1)")
	}
}

func TestZeroValueBufferIsUsable(t *testing.T) {
	var buf Buffer
	got := buf.U32(7).Build()
	if len(got) != 4 {
		t.Errorf("zero-value Buffer did not accumulate writes, got %d bytes", len(got))
	}
}
