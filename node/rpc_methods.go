package node

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/basinrollup/basin/bridge"
	"github.com/basinrollup/basin/chainstate"
	"github.com/basinrollup/basin/primitives"
)

// JSON-RPC application error codes. NotFound, DBError and Unsupported sit in
// the -32000..-32099 implementation-defined server-error range; InvalidInput
// is the protocol's standard invalid-params code.
const (
	rpcCodeNotFound     = -32001
	rpcCodeDBError      = -32002
	rpcCodeInvalidInput = -32602
	rpcCodeUnsupported  = -32004
)

func rpcOK(ctx *RPCContext, result interface{}) *RPCResponse {
	return &RPCResponse{JSONRPC: "2.0", Result: result, ID: ctx.Request.ID}
}

func rpcFail(ctx *RPCContext, code int, msg string) *RPCResponse {
	return &RPCResponse{JSONRPC: "2.0", Error: &RPCErr{Code: code, Message: msg}, ID: ctx.Request.ID}
}

// registerRPCMethods installs the node's JSON-RPC surface: sync status,
// checkpoint status by epoch, block and broadcaster-tx queries, bridge
// duty status by txid, and the duty feed bridge operators poll.
func (n *Node) registerRPCMethods() {
	n.rpc.RegisterMethod("rollup_syncStatus", n.rpcSyncStatus)
	n.rpc.RegisterMethod("rollup_getCheckpointByEpoch", n.rpcGetCheckpointByEpoch)
	n.rpc.RegisterMethod("rollup_getL2Block", n.rpcGetL2Block)
	n.rpc.RegisterMethod("rollup_getBroadcasterTx", n.rpcGetBroadcasterTx)
	n.rpc.RegisterMethod("rollup_getBridgeDutyStatus", n.rpcGetBridgeDutyStatus)
	n.rpc.RegisterMethod("rollup_fetchBridgeDuties", n.rpcFetchBridgeDuties)
	n.rpc.RegisterMethod("rollup_health", n.rpcHealth)
}

// registerHealthChecks wires the always-on subsystems into the health
// checker; role-specific workers report through the task manager instead.
func (n *Node) registerHealthChecks() {
	n.health.RegisterSubsystem("store", checkerFunc(func() *SubsystemHealth {
		_, _, err := n.states.GetMostRecentState()
		if err != nil {
			return &SubsystemHealth{Status: StatusUnhealthy, Message: err.Error()}
		}
		return &SubsystemHealth{Status: StatusHealthy}
	}))
	n.health.RegisterSubsystem("csm", checkerFunc(func() *SubsystemHealth {
		idx, state := n.worker.CurState()
		return &SubsystemHealth{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("event %d, %s", idx, state.Status),
		}
	}))
	n.health.RegisterSubsystem("l1", checkerFunc(func() *SubsystemHealth {
		if _, err := n.btc.BestHeight(); err != nil {
			return &SubsystemHealth{Status: StatusDegraded, Message: err.Error()}
		}
		return &SubsystemHealth{Status: StatusHealthy}
	}))
	n.health.RegisterSubsystem("services", n.services)
}

// checkerFunc adapts a plain function to SubsystemChecker.
type checkerFunc func() *SubsystemHealth

func (f checkerFunc) Check() *SubsystemHealth { return f() }

// --- params decoding helpers ---

func paramUint(ctx *RPCContext, i int) (uint64, error) {
	if len(ctx.Request.Params) <= i {
		return 0, fmt.Errorf("missing param %d", i)
	}
	var v uint64
	if err := json.Unmarshal(ctx.Request.Params[i], &v); err != nil {
		return 0, fmt.Errorf("param %d: %v", i, err)
	}
	return v, nil
}

func paramBuf32(ctx *RPCContext, i int) (primitives.Buf32, error) {
	if len(ctx.Request.Params) <= i {
		return primitives.Buf32{}, fmt.Errorf("missing param %d", i)
	}
	var s string
	if err := json.Unmarshal(ctx.Request.Params[i], &s); err != nil {
		return primitives.Buf32{}, fmt.Errorf("param %d: %v", i, err)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return primitives.Buf32{}, fmt.Errorf("param %d: %v", i, err)
	}
	return primitives.Buf32FromSlice(raw)
}

// --- methods ---

func (n *Node) rpcSyncStatus(ctx *RPCContext) *RPCResponse {
	evIdx, state := n.worker.CurState()
	tip := n.fc.Tip()
	return rpcOK(ctx, map[string]interface{}{
		"status":          state.Status.String(),
		"event_idx":       evIdx,
		"tip_slot":        tip.Slot,
		"tip_blkid":       tip.Blkid.String(),
		"finalized_epoch": state.FinalizedEpoch.Epoch,
		"last_l1_height":  state.LastL1.Height,
		"last_l1_blkid":   state.LastL1.Blkid.String(),
	})
}

func (n *Node) rpcGetCheckpointByEpoch(ctx *RPCContext) *RPCResponse {
	epoch, err := paramUint(ctx, 0)
	if err != nil {
		return rpcFail(ctx, rpcCodeInvalidInput, err.Error())
	}
	entry, found, err := n.ckptStore.Get(epoch)
	if err != nil {
		return rpcFail(ctx, rpcCodeDBError, err.Error())
	}
	if !found {
		return rpcFail(ctx, rpcCodeNotFound, fmt.Sprintf("no checkpoint for epoch %d", epoch))
	}
	return rpcOK(ctx, map[string]interface{}{
		"epoch":          entry.Epoch,
		"status":         entry.Status.String(),
		"l1_ref_height":  entry.L1Ref.Height,
		"l1_ref_blkid":   entry.L1Ref.Blkid.String(),
		"l2_end_slot":    entry.Checkpoint.Info.L2End.Slot,
		"l2_end_blkid":   entry.Checkpoint.Info.L2End.Blkid.String(),
		"has_proof":      len(entry.Checkpoint.Proof) > 0,
	})
}

func (n *Node) rpcGetL2Block(ctx *RPCContext) *RPCResponse {
	id, err := paramBuf32(ctx, 0)
	if err != nil {
		return rpcFail(ctx, rpcCodeInvalidInput, err.Error())
	}
	rec, found, err := n.l2blocks.GetBlock(primitives.L2BlockId(id))
	if err != nil {
		return rpcFail(ctx, rpcCodeDBError, err.Error())
	}
	if !found {
		return rpcFail(ctx, rpcCodeNotFound, "no such block")
	}
	return rpcOK(ctx, map[string]interface{}{
		"slot":         rec.Slot,
		"epoch":        rec.Epoch,
		"timestamp":    rec.Timestamp,
		"parent":       rec.ParentBlkid.String(),
		"state_root":   rec.StateRoot.String(),
		"body_hash":    rec.BodyHash.String(),
		"l1_manifests": len(rec.L1Segment),
		"withdrawals":  len(rec.Withdrawals),
	})
}

func (n *Node) rpcGetBroadcasterTx(ctx *RPCContext) *RPCResponse {
	idx, err := paramUint(ctx, 0)
	if err != nil {
		return rpcFail(ctx, rpcCodeInvalidInput, err.Error())
	}
	entry, found, err := n.l1txs.GetEntry(idx)
	if err != nil {
		return rpcFail(ctx, rpcCodeDBError, err.Error())
	}
	if !found {
		return rpcFail(ctx, rpcCodeNotFound, fmt.Sprintf("no broadcaster entry %d", idx))
	}
	return rpcOK(ctx, map[string]interface{}{
		"txid":          entry.Txid.String(),
		"status":        entry.Status.Kind.String(),
		"confirmations": entry.Status.Confirmations,
	})
}

func (n *Node) rpcGetBridgeDutyStatus(ctx *RPCContext) *RPCResponse {
	if n.bridgeDB == nil {
		return rpcFail(ctx, rpcCodeUnsupported, "node is not running a bridge operator")
	}
	txid, err := paramBuf32(ctx, 0)
	if err != nil {
		return rpcFail(ctx, rpcCodeInvalidInput, err.Error())
	}
	statusStore := bridge.NewDBDutyStatusStore(n.db)
	status, found, err := statusStore.GetStatus(primitives.BitcoinTxid(txid))
	if err != nil {
		return rpcFail(ctx, rpcCodeDBError, err.Error())
	}
	if !found {
		return rpcFail(ctx, rpcCodeNotFound, "no duty for txid")
	}
	return rpcOK(ctx, map[string]interface{}{
		"kind":   uint8(status.Kind),
		"reason": status.Reason,
	})
}

func (n *Node) rpcHealth(ctx *RPCContext) *RPCResponse {
	report := n.health.CheckAll()
	return rpcOK(ctx, report)
}

// rpcFetchBridgeDuties serves the duty feed bridge operators poll
// (RPCDutySource is its client half): withdrawal-fulfillment duties are
// derived from the latest chainstate's Dispatched deposit entries, each
// carrying the unsigned cooperative-withdrawal transaction and the
// operator wallet-key table the MuSig2 session signs under.
func (n *Node) rpcFetchBridgeDuties(ctx *RPCContext) *RPCResponse {
	startIndex, err := paramUint(ctx, 0)
	if err != nil {
		return rpcFail(ctx, rpcCodeInvalidInput, err.Error())
	}

	cs := mostRecentChainstate(n, nil)
	duties, err := deriveBridgeDuties(cs, n.rollup.DepositAmount)
	if err != nil {
		return rpcFail(ctx, rpcCodeDBError, err.Error())
	}

	out := make([]dutyWire, 0, len(duties))
	for _, d := range duties {
		if d.Index < startIndex {
			continue
		}
		out = append(out, toDutyWire(d))
	}
	return rpcOK(ctx, fetchDutiesResponse{Duties: out})
}

// deriveBridgeDuties builds one FulfillWithdrawal duty per Dispatched
// deposit: a single-input transaction spending the deposit UTXO (vout 0
// of the withdrawal-request tx) to the user's destination, signed under
// the MuSig2 aggregate of every operator wallet key.
func deriveBridgeDuties(cs *chainstate.Chainstate, depositAmt primitives.BitcoinAmount) ([]bridge.BridgeDuty, error) {
	wallets := make([]*btcec.PublicKey, 0, cs.OperatorTable.Len())
	pubkeys := make(bridge.PubkeyTable, cs.OperatorTable.Len())
	for _, op := range cs.OperatorTable.All() {
		pk, err := schnorr.ParsePubKey(op.WalletPK[:])
		if err != nil {
			return nil, fmt.Errorf("node: operator %d wallet key: %w", op.Index, err)
		}
		wallets = append(wallets, pk)
		pubkeys[primitives.OperatorIdx(op.Index)] = pk
	}
	if len(wallets) == 0 {
		return nil, nil
	}

	agg, err := bridge.BtcecEngine{}.AggregateKey(wallets)
	if err != nil {
		return nil, fmt.Errorf("node: aggregating operator keys: %w", err)
	}
	prevoutScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(schnorr.SerializePubKey(agg)).
		Script()
	if err != nil {
		return nil, err
	}

	var duties []bridge.BridgeDuty
	for _, dep := range cs.DepositsTable.All() {
		if dep.Status != chainstate.DepositDispatched {
			continue
		}

		tx := wire.NewMsgTx(wire.TxVersion)
		var prevTxid [32]byte
		copy(prevTxid[:], dep.WithdrawalTxid[:])
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: prevTxid, Index: 0}})
		tx.AddTxOut(&wire.TxOut{Value: int64(dep.Cmd.Amount), PkScript: dep.Cmd.Destination})

		var buf bytes.Buffer
		if err := tx.Serialize(&buf); err != nil {
			return nil, err
		}

		duties = append(duties, bridge.BridgeDuty{
			Index:       uint64(dep.Index),
			Kind:        bridge.DutyFulfillWithdrawal,
			TrackerTxid: dep.WithdrawalTxid,
			SigningData: bridge.SigningData{
				UnsignedTx:    buf.Bytes(),
				PrevoutScript: prevoutScript,
				PrevoutValue:  int64(depositAmt),
			},
			Pubkeys: pubkeys,
		})
	}
	return duties, nil
}

func toDutyWire(d bridge.BridgeDuty) dutyWire {
	pks := make(map[uint32]string, len(d.Pubkeys))
	for idx, pk := range d.Pubkeys {
		pks[uint32(idx)] = hex.EncodeToString(pk.SerializeCompressed())
	}
	return dutyWire{
		Index:       d.Index,
		Kind:        uint8(d.Kind),
		TrackerTxid: hex.EncodeToString(d.TrackerTxid[:]),
		SigningData: dutySigningDataWire{
			UnsignedTx:    hex.EncodeToString(d.SigningData.UnsignedTx),
			PrevoutScript: hex.EncodeToString(d.SigningData.PrevoutScript),
			PrevoutValue:  d.SigningData.PrevoutValue,
		},
		Pubkeys: pks,
	}
}
