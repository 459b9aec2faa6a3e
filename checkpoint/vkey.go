package checkpoint

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254"
)

const (
	g1CompressedSize = 32
	g2CompressedSize = 64
)

// DecodeVerifyingKey parses params.RollupParams.RollupVK's raw bytes into a
// VerifyingKey: compressed-point encodings of alpha (G1), beta/gamma/delta
// (G2), then one G1 point per IC entry (IC[0] plus one per public input).
func DecodeVerifyingKey(raw []byte) (*VerifyingKey, error) {
	fixedSize := g1CompressedSize + 3*g2CompressedSize
	if len(raw) < fixedSize+g1CompressedSize {
		return nil, fmt.Errorf("checkpoint: verifying key too short: %d bytes", len(raw))
	}
	if (len(raw)-fixedSize)%g1CompressedSize != 0 {
		return nil, fmt.Errorf("checkpoint: verifying key IC section misaligned: %d bytes", len(raw)-fixedSize)
	}

	var vk VerifyingKey
	off := 0

	if err := unmarshalG1(&vk.Alpha, raw[off:off+g1CompressedSize]); err != nil {
		return nil, fmt.Errorf("checkpoint: vk alpha: %w", err)
	}
	off += g1CompressedSize

	if err := unmarshalG2(&vk.Beta, raw[off:off+g2CompressedSize]); err != nil {
		return nil, fmt.Errorf("checkpoint: vk beta: %w", err)
	}
	off += g2CompressedSize

	if err := unmarshalG2(&vk.Gamma, raw[off:off+g2CompressedSize]); err != nil {
		return nil, fmt.Errorf("checkpoint: vk gamma: %w", err)
	}
	off += g2CompressedSize

	if err := unmarshalG2(&vk.Delta, raw[off:off+g2CompressedSize]); err != nil {
		return nil, fmt.Errorf("checkpoint: vk delta: %w", err)
	}
	off += g2CompressedSize

	icCount := (len(raw) - off) / g1CompressedSize
	vk.IC = make([]bn254.G1Affine, icCount)
	for i := 0; i < icCount; i++ {
		if err := unmarshalG1(&vk.IC[i], raw[off:off+g1CompressedSize]); err != nil {
			return nil, fmt.Errorf("checkpoint: vk IC[%d]: %w", i, err)
		}
		off += g1CompressedSize
	}

	return &vk, nil
}

// decodeProof parses a checkpoint's Proof bytes: compressed A (G1), B (G2),
// C (G1), concatenated in that order.
func decodeProof(raw []byte) (*Proof, error) {
	want := 2*g1CompressedSize + g2CompressedSize
	if len(raw) != want {
		return nil, fmt.Errorf("checkpoint: proof is %d bytes, want %d", len(raw), want)
	}

	var p Proof
	if err := unmarshalG1(&p.A, raw[:g1CompressedSize]); err != nil {
		return nil, fmt.Errorf("checkpoint: proof A: %w", err)
	}
	if err := unmarshalG2(&p.B, raw[g1CompressedSize:g1CompressedSize+g2CompressedSize]); err != nil {
		return nil, fmt.Errorf("checkpoint: proof B: %w", err)
	}
	if err := unmarshalG1(&p.C, raw[g1CompressedSize+g2CompressedSize:]); err != nil {
		return nil, fmt.Errorf("checkpoint: proof C: %w", err)
	}
	return &p, nil
}

func unmarshalG1(p *bn254.G1Affine, b []byte) error {
	var arr [g1CompressedSize]byte
	copy(arr[:], b)
	_, err := p.SetBytes(arr[:])
	return err
}

func unmarshalG2(p *bn254.G2Affine, b []byte) error {
	var arr [g2CompressedSize]byte
	copy(arr[:], b)
	_, err := p.SetBytes(arr[:])
	return err
}
