package chaintsn

import (
	"encoding/binary"

	"golang.org/x/crypto/chacha20"

	"github.com/basinrollup/basin/primitives"
)

// SlotRng is the deterministic randomness source used while processing one
// block: seeded from the parent block's id so it's independent of the new
// block's body (harder for a producer to bias by varying its own block
// contents), and reproducible by any validator replaying the block.
//
// Backed by ChaCha20's keystream rather than a general-purpose PRNG so the
// construction is a standard, audited primitive instead of a hand-rolled
// generator.
type SlotRng struct {
	stream *chacha20.Cipher
}

// NewSlotRng seeds a SlotRng from a 32-byte value, typically the previous
// block's id.
func NewSlotRng(seed primitives.Buf32) (*SlotRng, error) {
	nonce := make([]byte, chacha20.NonceSize)
	stream, err := chacha20.NewUnauthenticatedCipher(seed[:], nonce)
	if err != nil {
		return nil, err
	}
	return &SlotRng{stream: stream}, nil
}

// NextU64 returns the next 8 bytes of keystream as a little-endian uint64.
func (r *SlotRng) NextU64() uint64 {
	var buf [8]byte
	r.stream.XORKeyStream(buf[:], buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

// NextU32 returns the next 4 bytes of keystream as a little-endian uint32.
func (r *SlotRng) NextU32() uint32 {
	var buf [4]byte
	r.stream.XORKeyStream(buf[:], buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

// nextRandOpPos picks a deterministically-random operator table position in
// [0, num) via wide reduction, so the modulo bias is negligible for any
// realistic operator-set size.
func nextRandOpPos(rng *SlotRng, num uint32) uint32 {
	return uint32(rng.NextU64() % uint64(num))
}
