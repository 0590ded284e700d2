package buf

import "testing"

func TestWordRoundTrip(t *testing.T) {
	b := make([]byte, 8)
	if !PutWord(b, 4, 0xDEADBEEF) {
		t.Fatalf("PutWord(4) failed")
	}
	if got := Word(b, 4); got != 0xDEADBEEF {
		t.Fatalf("Word(4)=0x%X want 0xDEADBEEF", got)
	}
	if b[0] != 0xEF || b[3] != 0xDE {
		t.Fatalf("expected little-endian layout, got % X", b[:4])
	}
	if !PutWord(b, 8, 0x0123456789ABCDEF) {
		t.Fatalf("PutWord(8) failed")
	}
	if got := Word(b, 8); got != 0x0123456789ABCDEF {
		t.Fatalf("Word(8)=0x%X", got)
	}
}

func TestWordShortAndUnsupported(t *testing.T) {
	if PutWord(make([]byte, 3), 4, 1) {
		t.Fatalf("PutWord should fail on short buffer")
	}
	if PutWord(make([]byte, 8), 2, 1) {
		t.Fatalf("PutWord should fail on unsupported word size")
	}
	if Word([]byte{1, 2}, 4) != 0 {
		t.Fatalf("Word should return 0 on short buffer")
	}
}

func TestFillAndAllWords(t *testing.T) {
	b := make([]byte, 18)
	FillWord(b, 4, 0xA5A5A5A5)
	if !AllWords(b, 4, 0xA5A5A5A5) {
		t.Fatalf("AllWords should hold after FillWord")
	}
	if b[16] != 0 || b[17] != 0 {
		t.Fatalf("trailing partial word must be untouched")
	}
	b[5] = 0
	if AllWords(b, 4, 0xA5A5A5A5) {
		t.Fatalf("AllWords should detect a modified word")
	}
}
