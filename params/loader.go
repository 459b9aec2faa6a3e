package params

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basinrollup/basin/primitives"
)

// fileOperator is the hex-encoded wire shape of one OperatorPubkeys entry
// in a params file.
type fileOperator struct {
	Signing string `json:"signing"`
	Wallet  string `json:"wallet"`
}

// fileCredRule is the wire shape of CredRule: Kind is "unchecked" or
// "schnorr_key", Key is only read for the latter.
type fileCredRule struct {
	Kind string `json:"kind"`
	Key  string `json:"key,omitempty"`
}

// fileProofPublishMode mirrors ProofPublishMode; TimeoutSecs is only read
// when Strict is false.
type fileProofPublishMode struct {
	Strict      bool   `json:"strict"`
	TimeoutSecs uint64 `json:"timeout_secs,omitempty"`
}

// fileParams is the on-disk JSON shape of a RollupParams file. Buf32/byte
// fields are hex strings rather than raw bytes.
type fileParams struct {
	RollupName            string               `json:"rollup_name"`
	BlockTimeMs           uint64               `json:"block_time_ms"`
	CredRule              fileCredRule         `json:"cred_rule"`
	HorizonL1Height       uint64               `json:"horizon_l1_height"`
	GenesisL1Height       uint64               `json:"genesis_l1_height"`
	OperatorConfig        []fileOperator       `json:"operator_config"`
	L1ReorgSafeDepth      uint64               `json:"l1_reorg_safe_depth"`
	TargetL2BatchSize     uint64               `json:"target_l2_batch_size"`
	DepositAmountSats     uint64               `json:"deposit_amount_sats"`
	RollupVKHex           string               `json:"rollup_vk"`
	DispatchAssignmentDur uint64               `json:"dispatch_assignment_dur"`
	ProofPublishMode      fileProofPublishMode `json:"proof_publish_mode"`
	MaxDepositsInBlock    uint32               `json:"max_deposits_in_block"`
	EpochGasLimit         uint64               `json:"epoch_gas_limit"`
}

// LoadFile reads and validates a RollupParams from a JSON file at path.
func LoadFile(path string) (*RollupParams, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("params: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a RollupParams from its JSON wire representation.
func Parse(raw []byte) (*RollupParams, error) {
	var fp fileParams
	if err := json.Unmarshal(raw, &fp); err != nil {
		return nil, fmt.Errorf("params: decode json: %w", err)
	}

	cred, err := parseCredRule(fp.CredRule)
	if err != nil {
		return nil, err
	}

	operators := make([]OperatorPubkeys, len(fp.OperatorConfig))
	for i, o := range fp.OperatorConfig {
		signing, err := decodeBuf32(o.Signing)
		if err != nil {
			return nil, fmt.Errorf("params: operator_config[%d].signing: %w", i, err)
		}
		wallet, err := decodeBuf32(o.Wallet)
		if err != nil {
			return nil, fmt.Errorf("params: operator_config[%d].wallet: %w", i, err)
		}
		operators[i] = OperatorPubkeys{Signing: signing, Wallet: wallet}
	}

	vk, err := hex.DecodeString(fp.RollupVKHex)
	if err != nil {
		return nil, fmt.Errorf("params: rollup_vk: %w", err)
	}

	mode := StrictProofMode()
	if !fp.ProofPublishMode.Strict {
		mode = TimeoutProofMode(time.Duration(fp.ProofPublishMode.TimeoutSecs) * time.Second)
	}

	p := &RollupParams{
		RollupName:            fp.RollupName,
		BlockTimeMs:           fp.BlockTimeMs,
		CredRule:              cred,
		HorizonL1Height:       fp.HorizonL1Height,
		GenesisL1Height:       fp.GenesisL1Height,
		OperatorConfig:        operators,
		L1ReorgSafeDepth:      fp.L1ReorgSafeDepth,
		TargetL2BatchSize:     fp.TargetL2BatchSize,
		DepositAmount:         primitives.Sats(fp.DepositAmountSats),
		RollupVK:              vk,
		DispatchAssignmentDur: fp.DispatchAssignmentDur,
		ProofPublishMode:      mode,
		MaxDepositsInBlock:    fp.MaxDepositsInBlock,
		EpochGasLimit:         fp.EpochGasLimit,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func parseCredRule(fc fileCredRule) (CredRule, error) {
	switch fc.Kind {
	case "", "unchecked":
		return UncheckedCredRule(), nil
	case "schnorr_key":
		key, err := decodeBuf32(fc.Key)
		if err != nil {
			return CredRule{}, fmt.Errorf("params: cred_rule.key: %w", err)
		}
		return SchnorrCredRule(key), nil
	default:
		return CredRule{}, fmt.Errorf("params: unknown cred_rule.kind %q", fc.Kind)
	}
}

func decodeBuf32(s string) (primitives.Buf32, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return primitives.Buf32{}, err
	}
	return primitives.Buf32FromSlice(b)
}
