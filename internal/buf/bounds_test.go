package buf

import (
	"math"
	"testing"
)

func TestAddOverflowSafe(t *testing.T) {
	if sum, ok := AddOverflowSafe(10, 5); !ok || sum != 15 {
		t.Fatalf("AddOverflowSafe(10,5)=%d,%v want 15,true", sum, ok)
	}
	if _, ok := AddOverflowSafe(math.MaxUint64, 1); ok {
		t.Fatalf("expected overflow when adding to MaxUint64")
	}
}

func TestMulOverflowSafe(t *testing.T) {
	if p, ok := MulOverflowSafe(4096, 16); !ok || p != 65536 {
		t.Fatalf("MulOverflowSafe(4096,16)=%d,%v want 65536,true", p, ok)
	}
	if p, ok := MulOverflowSafe(0, math.MaxUint64); !ok || p != 0 {
		t.Fatalf("MulOverflowSafe with zero should be 0,true")
	}
	if _, ok := MulOverflowSafe(math.MaxUint64/2, 3); ok {
		t.Fatalf("expected overflow")
	}
}

func TestCheckRange(t *testing.T) {
	end, err := CheckRange(0x1000, 0x9000, 0x2000, 0x1000)
	if err != nil || end != 0x3000 {
		t.Fatalf("CheckRange valid range: end=0x%X err=%v", end, err)
	}
	if _, err := CheckRange(0x1000, 0x9000, 0x0, 0x10); err == nil {
		t.Fatalf("CheckRange should reject address below base")
	}
	if _, err := CheckRange(0x1000, 0x9000, 0x8000, 0x2000); err == nil {
		t.Fatalf("CheckRange should reject range past limit")
	}
	if _, err := CheckRange(0, math.MaxUint64, math.MaxUint64-1, 10); err == nil {
		t.Fatalf("CheckRange should reject overflowing range")
	}
	if end, err := CheckRange(0x1000, 0x9000, 0x8000, 0x1000); err != nil || end != 0x9000 {
		t.Fatalf("CheckRange should accept range ending at limit: end=0x%X err=%v", end, err)
	}
}

func TestSlice(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4}
	if got, ok := Slice(data, 1, 3); !ok || len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("Slice returned unexpected result: %v, %v", got, ok)
	}
	if _, ok := Slice(data, 4, 2); ok {
		t.Fatalf("Slice should fail when extending beyond len")
	}
	if got, ok := Slice(data, 4, 1); !ok || len(got) != 1 || got[0] != 4 {
		t.Fatalf("Slice should accept a range ending at len: %v, %v", got, ok)
	}
	if _, ok := Slice(data, 6, 0); ok {
		t.Fatalf("Slice should reject offset past len")
	}
	if _, ok := Slice(data, 1, math.MaxUint64); ok {
		t.Fatalf("Slice should reject overflowing length")
	}
}
