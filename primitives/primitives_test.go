package primitives

import "testing"

func TestBuf32FromSlice(t *testing.T) {
	good := make([]byte, 32)
	good[0] = 0xab
	b, err := Buf32FromSlice(good)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b[0] != 0xab {
		t.Fatalf("expected first byte 0xab, got %x", b[0])
	}

	if _, err := Buf32FromSlice(make([]byte, 31)); err == nil {
		t.Fatal("expected error for short slice")
	}
}

func TestBuf64FromSlice(t *testing.T) {
	if _, err := Buf64FromSlice(make([]byte, 64)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := Buf64FromSlice(make([]byte, 10)); err == nil {
		t.Fatal("expected error for short slice")
	}
}

func TestBuf32IsZero(t *testing.T) {
	var z Buf32
	if !z.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	z[5] = 1
	if z.IsZero() {
		t.Fatal("non-zero value should not report IsZero")
	}
}

func TestBTCSats(t *testing.T) {
	if got := BTC(9.99); got != Sats(999000000) {
		t.Fatalf("BTC(9.99) = %d, want %d", got, Sats(999000000))
	}
	if got := BTC(1); got != Sats(1e8) {
		t.Fatalf("BTC(1) = %d, want %d", got, Sats(1e8))
	}
}

func TestCommitmentEqual(t *testing.T) {
	a := L1BlockCommitment{Height: 10, Blkid: L1BlockId{1}}
	b := L1BlockCommitment{Height: 10, Blkid: L1BlockId{1}}
	c := L1BlockCommitment{Height: 11, Blkid: L1BlockId{1}}
	if !a.Equal(b) {
		t.Fatal("expected equal commitments to compare equal")
	}
	if a.Equal(c) {
		t.Fatal("expected different heights to compare unequal")
	}

	l2a := L2BlockCommitment{Slot: 3, Blkid: L2BlockId{9}}
	l2b := L2BlockCommitment{Slot: 3, Blkid: L2BlockId{9}}
	if !l2a.Equal(l2b) {
		t.Fatal("expected equal L2 commitments to compare equal")
	}
}

func TestStringers(t *testing.T) {
	var id L1BlockId
	id[0] = 0xff
	if id.String() == "" {
		t.Fatal("expected non-empty hex string")
	}
	var zero L1BlockId
	if !zero.IsZero() {
		t.Fatal("expected zero L1BlockId to report IsZero")
	}
}
