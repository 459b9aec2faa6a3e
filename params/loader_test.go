package params

import (
	"strings"
	"testing"
)

var validParamsJSON = `{
	"rollup_name": "basin-devnet",
	"block_time_ms": 2000,
	"cred_rule": {"kind": "schnorr_key", "key": "` + strings.Repeat("ab", 32) + `"},
	"horizon_l1_height": 100,
	"genesis_l1_height": 200,
	"operator_config": [
		{"signing": "` + strings.Repeat("11", 32) + `", "wallet": "` + strings.Repeat("22", 32) + `"}
	],
	"l1_reorg_safe_depth": 6,
	"target_l2_batch_size": 64,
	"deposit_amount_sats": 1000000000,
	"rollup_vk": "deadbeef",
	"dispatch_assignment_dur": 50,
	"proof_publish_mode": {"strict": true},
	"max_deposits_in_block": 16,
	"epoch_gas_limit": 30000000
}`

func TestParseValid(t *testing.T) {
	p, err := Parse([]byte(validParamsJSON))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.RollupName != "basin-devnet" {
		t.Fatalf("unexpected rollup name: %q", p.RollupName)
	}
	if p.CredRule.Kind != "schnorr_key" {
		t.Fatalf("expected schnorr_key cred rule, got %q", p.CredRule.Kind)
	}
	if p.NumOperators() != 1 {
		t.Fatalf("expected 1 operator, got %d", p.NumOperators())
	}
	if !p.ProofPublishMode.Strict {
		t.Fatal("expected strict proof mode")
	}
}

func TestParseTimeoutProofMode(t *testing.T) {
	raw := strings.Replace(validParamsJSON, `"proof_publish_mode": {"strict": true}`, `"proof_publish_mode": {"strict": false, "timeout_secs": 3600}`, 1)
	p, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ProofPublishMode.Strict {
		t.Fatal("expected non-strict proof mode")
	}
	if p.ProofPublishMode.TimeoutSecs != 3600 {
		t.Fatalf("expected timeout 3600, got %d", p.ProofPublishMode.TimeoutSecs)
	}
}

func TestParseRejectsEmptyRollupName(t *testing.T) {
	raw := strings.Replace(validParamsJSON, `"rollup_name": "basin-devnet"`, `"rollup_name": ""`, 1)
	if _, err := Parse([]byte(raw)); err == nil {
		t.Fatal("expected error for empty rollup name")
	}
}

func TestParseRejectsNoOperators(t *testing.T) {
	raw := strings.Replace(validParamsJSON, `"operator_config": [
		{"signing": "`+strings.Repeat("11", 32)+`", "wallet": "`+strings.Repeat("22", 32)+`"}
	],`, `"operator_config": [],`, 1)
	if _, err := Parse([]byte(raw)); err == nil {
		t.Fatal("expected error for empty operator config")
	}
}

func TestParseRejectsBadHex(t *testing.T) {
	raw := strings.Replace(validParamsJSON, `"rollup_vk": "deadbeef"`, `"rollup_vk": "zz"`, 1)
	if _, err := Parse([]byte(raw)); err == nil {
		t.Fatal("expected error for invalid hex rollup_vk")
	}
}

func TestParseRejectsUnknownCredRuleKind(t *testing.T) {
	raw := strings.Replace(validParamsJSON, `"kind": "schnorr_key"`, `"kind": "bogus"`, 1)
	if _, err := Parse([]byte(raw)); err == nil {
		t.Fatal("expected error for unknown cred_rule kind")
	}
}

func TestParseRejectsZeroGasLimit(t *testing.T) {
	raw := strings.Replace(validParamsJSON, `"epoch_gas_limit": 30000000`, `"epoch_gas_limit": 0`, 1)
	if _, err := Parse([]byte(raw)); err == nil {
		t.Fatal("expected error for zero epoch_gas_limit")
	}
}

func TestUncheckedCredRuleDefault(t *testing.T) {
	raw := strings.Replace(validParamsJSON, `"cred_rule": {"kind": "schnorr_key", "key": "`+strings.Repeat("ab", 32)+`"}`, `"cred_rule": {"kind": "unchecked"}`, 1)
	p, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.CredRule.Kind != "unchecked" {
		t.Fatalf("expected unchecked cred rule, got %q", p.CredRule.Kind)
	}
}
