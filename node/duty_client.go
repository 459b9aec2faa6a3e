package node

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/basinrollup/basin/bridge"
	"github.com/basinrollup/basin/primitives"
)

// dutySigningDataWire is SigningData's JSON wire shape, raw byte fields
// hex-encoded the way params/loader.go encodes its own.
type dutySigningDataWire struct {
	UnsignedTx    string `json:"unsigned_tx"`
	PrevoutScript string `json:"prevout_script"`
	PrevoutValue  int64  `json:"prevout_value"`
}

// dutyWire is BridgeDuty's JSON wire shape.
type dutyWire struct {
	Index       uint64               `json:"index"`
	Kind        uint8                `json:"kind"`
	TrackerTxid string               `json:"tracker_txid"`
	SigningData dutySigningDataWire  `json:"signing_data"`
	Pubkeys     map[uint32]string    `json:"pubkeys"` // operator idx -> compressed pubkey hex
}

type fetchDutiesResponse struct {
	Duties []dutyWire `json:"duties"`
}

func (w dutyWire) toDuty() (bridge.BridgeDuty, error) {
	unsignedTx, err := hex.DecodeString(w.SigningData.UnsignedTx)
	if err != nil {
		return bridge.BridgeDuty{}, fmt.Errorf("node: duty %d unsigned_tx: %w", w.Index, err)
	}
	prevoutScript, err := hex.DecodeString(w.SigningData.PrevoutScript)
	if err != nil {
		return bridge.BridgeDuty{}, fmt.Errorf("node: duty %d prevout_script: %w", w.Index, err)
	}
	txidRaw, err := hex.DecodeString(w.TrackerTxid)
	if err != nil {
		return bridge.BridgeDuty{}, fmt.Errorf("node: duty %d tracker_txid: %w", w.Index, err)
	}
	txid, err := primitives.Buf32FromSlice(txidRaw)
	if err != nil {
		return bridge.BridgeDuty{}, fmt.Errorf("node: duty %d tracker_txid: %w", w.Index, err)
	}

	pubkeys := make(bridge.PubkeyTable, len(w.Pubkeys))
	for idx, keyHex := range w.Pubkeys {
		raw, err := hex.DecodeString(keyHex)
		if err != nil {
			return bridge.BridgeDuty{}, fmt.Errorf("node: duty %d pubkey[%d]: %w", w.Index, idx, err)
		}
		pk, err := btcec.ParsePubKey(raw)
		if err != nil {
			return bridge.BridgeDuty{}, fmt.Errorf("node: duty %d pubkey[%d]: %w", w.Index, idx, err)
		}
		pubkeys[primitives.OperatorIdx(idx)] = pk
	}

	return bridge.BridgeDuty{
		Index:       w.Index,
		Kind:        bridge.BridgeDutyKind(w.Kind),
		TrackerTxid: primitives.BitcoinTxid(txid),
		SigningData: bridge.SigningData{
			UnsignedTx:    unsignedTx,
			PrevoutScript: prevoutScript,
			PrevoutValue:  w.SigningData.PrevoutValue,
		},
		Pubkeys: pubkeys,
	}, nil
}

// RPCDutySource implements bridge.DutySource by polling a rollup node's
// JSON-RPC endpoint for newly-assigned bridge duties, mirroring
// task_manager.rs's poll_duties call over the same transport
// btcio.RPCClient uses for Bitcoin Core (plain JSON-RPC over HTTP, no
// bearer auth — this endpoint is meant to be reached over a private
// network, same trust boundary as the Engine API's JWT secret protects).
type RPCDutySource struct {
	endpoint string
	hc       *http.Client
}

// NewRPCDutySource builds a duty source polling endpoint.
func NewRPCDutySource(endpoint string) *RPCDutySource {
	return &RPCDutySource{
		endpoint: endpoint,
		hc:       &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  []interface{}   `json:"params"`
	ID      int             `json:"id"`
}

type rpcReply struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// FetchDuties implements bridge.DutySource.
func (s *RPCDutySource) FetchDuties(startIndex uint64) ([]bridge.BridgeDuty, error) {
	reqBody, err := json.Marshal(rpcEnvelope{
		JSONRPC: "2.0",
		Method:  "rollup_fetchBridgeDuties",
		Params:  []interface{}{startIndex},
		ID:      1,
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.hc.Post(s.endpoint, "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("node: fetch duties: %w", err)
	}
	defer resp.Body.Close()

	var reply rpcReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("node: decode duty response: %w", err)
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("node: duty source error: %s", reply.Error.Message)
	}

	var body fetchDutiesResponse
	if err := json.Unmarshal(reply.Result, &body); err != nil {
		return nil, fmt.Errorf("node: decode duty list: %w", err)
	}

	duties := make([]bridge.BridgeDuty, 0, len(body.Duties))
	for _, w := range body.Duties {
		d, err := w.toDuty()
		if err != nil {
			return nil, err
		}
		duties = append(duties, d)
	}
	return duties, nil
}
