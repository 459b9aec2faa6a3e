// Package primitives defines the opaque fixed-size value types shared by
// every other package in the node: 32/64-byte buffers, L1/L2 block and
// transaction identifiers, satoshi amounts, and operator indices.
package primitives

import (
	"encoding/hex"
	"fmt"
)

// Buf32 is an opaque 32-byte value: a block id, a txid, a public key, or a
// hash, depending on context.
type Buf32 [32]byte

// Buf64 is an opaque 64-byte value, used for Schnorr signatures.
type Buf64 [64]byte

func (b Buf32) String() string { return hex.EncodeToString(b[:]) }
func (b Buf64) String() string { return hex.EncodeToString(b[:]) }

// Bytes returns a copy of the underlying bytes.
func (b Buf32) Bytes() []byte { out := make([]byte, 32); copy(out, b[:]); return out }
func (b Buf64) Bytes() []byte { out := make([]byte, 64); copy(out, b[:]); return out }

// IsZero reports whether b is the all-zero value.
func (b Buf32) IsZero() bool { return b == Buf32{} }

// Buf32FromSlice copies s into a Buf32, failing if the length doesn't match.
func Buf32FromSlice(s []byte) (Buf32, error) {
	var b Buf32
	if len(s) != 32 {
		return b, fmt.Errorf("primitives: expected 32 bytes, got %d", len(s))
	}
	copy(b[:], s)
	return b, nil
}

// Buf64FromSlice copies s into a Buf64, failing if the length doesn't match.
func Buf64FromSlice(s []byte) (Buf64, error) {
	var b Buf64
	if len(s) != 64 {
		return b, fmt.Errorf("primitives: expected 64 bytes, got %d", len(s))
	}
	copy(b[:], s)
	return b, nil
}

// L1BlockId is a Bitcoin block hash.
type L1BlockId Buf32

func (id L1BlockId) String() string { return Buf32(id).String() }
func (id L1BlockId) IsZero() bool   { return Buf32(id).IsZero() }

// L2BlockId is a rollup block id (a hash of the signed header).
type L2BlockId Buf32

func (id L2BlockId) String() string { return Buf32(id).String() }
func (id L2BlockId) IsZero() bool   { return Buf32(id).IsZero() }
func (id L2BlockId) Bytes() []byte  { return Buf32(id).Bytes() }

// BitcoinTxid is a Bitcoin transaction id.
type BitcoinTxid Buf32

func (t BitcoinTxid) String() string { return Buf32(t).String() }

// BitcoinAmount is an amount denominated in satoshis.
type BitcoinAmount uint64

// Sats constructs a BitcoinAmount from a satoshi count.
func Sats(n uint64) BitcoinAmount { return BitcoinAmount(n) }

// BTC constructs a BitcoinAmount from whole bitcoin (for test readability).
func BTC(n float64) BitcoinAmount { return BitcoinAmount(n * 1e8) }

// OperatorIdx identifies an entry in the operator table.
type OperatorIdx uint32

// L1BlockCommitment pins a specific height to a specific L1 block id.
type L1BlockCommitment struct {
	Height uint64
	Blkid  L1BlockId
}

// L2BlockCommitment pins a specific slot to a specific L2 block id.
type L2BlockCommitment struct {
	Slot  uint64
	Blkid L2BlockId
}

func (c L1BlockCommitment) Equal(o L1BlockCommitment) bool {
	return c.Height == o.Height && c.Blkid == o.Blkid
}

func (c L2BlockCommitment) Equal(o L2BlockCommitment) bool {
	return c.Slot == o.Slot && c.Blkid == o.Blkid
}

// EpochCommitment pins an epoch index to its terminal L2 slot and block.
type EpochCommitment struct {
	Epoch    uint64
	LastSlot uint64
	LastBlkid L2BlockId
}
