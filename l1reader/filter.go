// Package l1reader watches Bitcoin for the blocks and transactions the
// rollup cares about: it turns raw blocks into chainstate.L1BlockManifests
// and raises csm.SyncEvents for new tips and reorgs.
package l1reader

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/basinrollup/basin/btcio"
	"github.com/basinrollup/basin/chainstate"
	"github.com/basinrollup/basin/primitives"
)

// CheckpointEnvelopeTag is the tag string checkpoint inscriptions carry in
// their taproot envelope, scoping the rollup's checkpoints apart from any
// other inscription traffic sharing the same Bitcoin blockspace.
const CheckpointEnvelopeTag = "BASIN_CKPT"

// DepositConfig describes the fixed-address, fixed-amount deposit output
// every deposit transaction must contain, plus the magic bytes that tag the
// OP_RETURN metadata output carrying the destination EL address.
type DepositConfig struct {
	MagicBytes     [4]byte
	DepositAmount  primitives.BitcoinAmount
	DepositAddress []byte // expected scriptPubKey bytes of the deposit output
}

// ExpectedWithdrawalFulfillment is the fulfillment an operator is expected
// to post for a dispatched withdrawal: who was assigned it, which deposit
// it pays out of, where the funds must land, and the floor amount.
type ExpectedWithdrawalFulfillment struct {
	DepositIdx  uint32
	OperatorIdx primitives.OperatorIdx
	DepositTxid primitives.BitcoinTxid
	Destination []byte // expected scriptPubKey of the frontpayment output
	MinAmount   primitives.BitcoinAmount
}

// TxFilterConfig is everything the tx filter needs to recognize this
// rollup's protocol operations among arbitrary Bitcoin transactions.
type TxFilterConfig struct {
	RollupName                     string
	DepositConfig                  DepositConfig
	ExpectedWithdrawalFulfillments map[uint32]ExpectedWithdrawalFulfillment
}

// ExtractProtocolOps scans a single transaction for every protocol
// operation it recognizes. A transaction can carry at most one of
// checkpoint/deposit/deposit-request (they have mutually exclusive output
// shapes), but the filter doesn't assume that and just collects whatever
// matches.
func ExtractProtocolOps(tx *wire.MsgTx, cfg *TxFilterConfig) []chainstate.ProtocolOperation {
	var ops []chainstate.ProtocolOperation
	if op, ok := tryParseCheckpoint(tx, cfg); ok {
		ops = append(ops, op)
	}
	if op, ok := tryParseDeposit(tx, cfg); ok {
		ops = append(ops, op)
	}
	if op, ok := tryParseDepositRequest(tx, cfg); ok {
		ops = append(ops, op)
	}
	return ops
}

func tryParseCheckpoint(tx *wire.MsgTx, cfg *TxFilterConfig) (chainstate.ProtocolOperation, bool) {
	for _, in := range tx.TxIn {
		n := len(in.Witness)
		if n < 2 {
			continue
		}
		// A taproot script-path spend's witness is [..., tapscript, control_block].
		script := in.Witness[n-2]
		payload, ok := btcio.ParseEnvelopeScript(script, CheckpointEnvelopeTag)
		if !ok {
			continue
		}
		return chainstate.ProtocolOperation{
			Kind:            chainstate.OpCheckpoint,
			CheckpointBytes: payload,
		}, true
	}
	return chainstate.ProtocolOperation{}, false
}

// tryParseDeposit recognizes a deposit tx: output 0 pays the fixed deposit
// address the fixed deposit amount, output 1 is an OP_RETURN carrying
// magic_bytes(4) + el_address(20).
func tryParseDeposit(tx *wire.MsgTx, cfg *TxFilterConfig) (chainstate.ProtocolOperation, bool) {
	if len(tx.TxOut) < 2 {
		return chainstate.ProtocolOperation{}, false
	}
	depositOut := tx.TxOut[0]
	if !bytes.Equal(depositOut.PkScript, cfg.DepositConfig.DepositAddress) {
		return chainstate.ProtocolOperation{}, false
	}
	if depositOut.Value != int64(cfg.DepositConfig.DepositAmount) {
		return chainstate.ProtocolOperation{}, false
	}

	data, ok := extractOpReturnData(tx.TxOut[1].PkScript)
	if !ok || len(data) != 24 {
		return chainstate.ProtocolOperation{}, false
	}
	if !bytes.Equal(data[:4], cfg.DepositConfig.MagicBytes[:]) {
		return chainstate.ProtocolOperation{}, false
	}

	var elAddr [20]byte
	copy(elAddr[:], data[4:24])
	return chainstate.ProtocolOperation{
		Kind:       chainstate.OpDeposit,
		ELAddress:  elAddr,
		DepositAmt: primitives.Sats(uint64(depositOut.Value)),
	}, true
}

// tryParseDepositRequest recognizes a deposit-request tx: any amount to the
// deposit address, with an OP_RETURN carrying
// magic_bytes(4) + takeback_leaf_hash(32) + el_address(20).
func tryParseDepositRequest(tx *wire.MsgTx, cfg *TxFilterConfig) (chainstate.ProtocolOperation, bool) {
	if len(tx.TxOut) < 2 {
		return chainstate.ProtocolOperation{}, false
	}
	if !bytes.Equal(tx.TxOut[0].PkScript, cfg.DepositConfig.DepositAddress) {
		return chainstate.ProtocolOperation{}, false
	}

	data, ok := extractOpReturnData(tx.TxOut[1].PkScript)
	if !ok || len(data) != 56 {
		return chainstate.ProtocolOperation{}, false
	}
	if !bytes.Equal(data[:4], cfg.DepositConfig.MagicBytes[:]) {
		return chainstate.ProtocolOperation{}, false
	}

	leafHash, _ := primitives.Buf32FromSlice(data[4:36])
	var elAddr [20]byte
	copy(elAddr[:], data[36:56])
	return chainstate.ProtocolOperation{
		Kind:             chainstate.OpDepositRequest,
		ELAddress:        elAddr,
		TakebackLeafHash: leafHash,
	}, true
}

// WithdrawalFulfillmentInfo is what a matched withdrawal-fulfillment
// transaction tells the node: which dispatched withdrawal it satisfies and
// how much actually landed.
type WithdrawalFulfillmentInfo struct {
	DepositIdx  uint32
	OperatorIdx primitives.OperatorIdx
	Amt         primitives.BitcoinAmount
}

// TryParseWithdrawalFulfillment recognizes a withdrawal-fulfillment tx: a
// two-output shape of [frontpayment, OP_RETURN metadata], matched against
// the set of fulfillments the chain state currently expects. Unlike
// deposits, this can't be matched against a fixed config alone — it needs
// the dynamic set of in-flight dispatches, so callers refresh
// cfg.ExpectedWithdrawalFulfillments from chain state before each scan.
//
// The metadata layout is magic(4) + op_idx(4) + dep_idx(4) + deposit_txid(32).
// (The original Rust parser read op_idx from an overlapping byte range that
// looks like a bug in stubbed-out code; this reimplements the layout the
// surrounding comments actually describe.)
func TryParseWithdrawalFulfillment(tx *wire.MsgTx, cfg *TxFilterConfig) (WithdrawalFulfillmentInfo, bool) {
	if len(tx.TxOut) < 2 {
		return WithdrawalFulfillmentInfo{}, false
	}
	frontPayment := tx.TxOut[0]
	data, ok := extractOpReturnData(tx.TxOut[1].PkScript)
	if !ok || len(data) != 44 {
		return WithdrawalFulfillmentInfo{}, false
	}
	if !bytes.Equal(data[:4], cfg.DepositConfig.MagicBytes[:]) {
		return WithdrawalFulfillmentInfo{}, false
	}

	opIdx := binary.BigEndian.Uint32(data[4:8])
	depIdx := binary.BigEndian.Uint32(data[8:12])
	var depositTxid primitives.BitcoinTxid
	copy(depositTxid[:], data[12:44])

	exp, ok := cfg.ExpectedWithdrawalFulfillments[depIdx]
	if !ok {
		return WithdrawalFulfillmentInfo{}, false
	}
	if exp.OperatorIdx != primitives.OperatorIdx(opIdx) {
		return WithdrawalFulfillmentInfo{}, false
	}
	if exp.DepositTxid != depositTxid {
		return WithdrawalFulfillmentInfo{}, false
	}
	if !bytes.Equal(frontPayment.PkScript, exp.Destination) {
		return WithdrawalFulfillmentInfo{}, false
	}
	if frontPayment.Value < int64(exp.MinAmount) {
		return WithdrawalFulfillmentInfo{}, false
	}

	return WithdrawalFulfillmentInfo{
		DepositIdx:  exp.DepositIdx,
		OperatorIdx: exp.OperatorIdx,
		Amt:         primitives.Sats(uint64(frontPayment.Value)),
	}, true
}

// extractOpReturnData validates pkScript is a bare OP_RETURN carrying a
// single data push and returns that push.
func extractOpReturnData(pkScript []byte) ([]byte, bool) {
	if len(pkScript) == 0 || pkScript[0] != txscript.OP_RETURN {
		return nil, false
	}
	pushes, err := txscript.PushedData(pkScript)
	if err != nil || len(pushes) == 0 {
		return nil, false
	}
	return pushes[0], true
}
