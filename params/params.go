// Package params holds the rollup's read-only protocol parameters, loaded
// once at startup and threaded by value (or pointer-to-const) through every
// component that needs them. See spec.md §6.
package params

import (
	"fmt"
	"time"

	"github.com/basinrollup/basin/primitives"
)

// CredRule selects how a sequencer-signed checkpoint is authenticated.
type CredRule struct {
	// Kind is either "unchecked" or "schnorr_key".
	Kind string
	// Key is the sequencer's Schnorr pubkey, set when Kind == "schnorr_key".
	Key primitives.Buf32
}

func UncheckedCredRule() CredRule { return CredRule{Kind: "unchecked"} }

func SchnorrCredRule(key primitives.Buf32) CredRule {
	return CredRule{Kind: "schnorr_key", Key: key}
}

// ProofPublishMode controls whether an empty checkpoint proof is accepted.
type ProofPublishMode struct {
	// Strict requires a genuine, non-empty proof always.
	Strict bool
	// TimeoutSecs, when Strict is false, is the number of seconds after
	// which an empty proof is accepted in place of a genuine one.
	TimeoutSecs uint64
}

func StrictProofMode() ProofPublishMode { return ProofPublishMode{Strict: true} }

func TimeoutProofMode(d time.Duration) ProofPublishMode {
	return ProofPublishMode{Strict: false, TimeoutSecs: uint64(d.Seconds())}
}

// OperatorPubkeys is one federation operator's signing and wallet keys.
type OperatorPubkeys struct {
	Signing primitives.Buf32
	Wallet  primitives.Buf32
}

// RollupParams are the immutable, network-wide protocol parameters agreed
// on by all participants. They're read-only after startup.
type RollupParams struct {
	RollupName string

	BlockTimeMs uint64

	CredRule CredRule

	HorizonL1Height uint64
	GenesisL1Height uint64

	OperatorConfig []OperatorPubkeys

	L1ReorgSafeDepth uint64

	TargetL2BatchSize uint64

	DepositAmount primitives.BitcoinAmount

	// RollupVK is the opaque verifying key used to check checkpoint
	// proofs. Its interpretation is owned by the checkpoint package's
	// proof verifier.
	RollupVK []byte

	DispatchAssignmentDur uint64 // in L1 blocks

	ProofPublishMode ProofPublishMode

	MaxDepositsInBlock uint32

	// EpochGasLimit bounds the cumulative EL gas used across all blocks
	// in one epoch (supplements spec §4.7 block assembly; see SPEC_FULL.md
	// gas-budget-carry-over Open Question decision: unused gas is
	// forfeited at epoch end, never carried over).
	EpochGasLimit uint64
}

// Validate checks the structural invariants a RollupParams must satisfy
// before it can be used to construct a node.
func (p *RollupParams) Validate() error {
	if p.RollupName == "" {
		return fmt.Errorf("params: rollup_name must not be empty")
	}
	if len(p.OperatorConfig) == 0 {
		return fmt.Errorf("params: operator_config must not be empty")
	}
	if p.L1ReorgSafeDepth == 0 {
		return fmt.Errorf("params: l1_reorg_safe_depth must be > 0")
	}
	if p.CredRule.Kind != "unchecked" && p.CredRule.Kind != "schnorr_key" {
		return fmt.Errorf("params: invalid cred_rule kind %q", p.CredRule.Kind)
	}
	if p.EpochGasLimit == 0 {
		return fmt.Errorf("params: epoch_gas_limit must be > 0")
	}
	return nil
}

// NumOperators returns the number of configured bridge operators.
func (p *RollupParams) NumOperators() int { return len(p.OperatorConfig) }
