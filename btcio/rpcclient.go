package btcio

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/basinrollup/basin/primitives"
)

// RPCClient talks to a Bitcoin Core node's JSON-RPC interface over HTTP
// basic auth, mirroring the request/response shape of the engine package's
// HTTPClient adapted to bitcoind's flatter single-result convention.
type RPCClient struct {
	endpoint string
	user     string
	pass     string
	hc       *http.Client
}

// NewRPCClient creates an RPCClient against a bitcoind JSON-RPC endpoint
// (e.g. "http://127.0.0.1:8332").
func NewRPCClient(endpoint, user, pass string) *RPCClient {
	return &RPCClient{
		endpoint: endpoint,
		user:     user,
		pass:     pass,
		hc:       &http.Client{Timeout: 30 * time.Second},
	}
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
	ID     int    `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params, ID: 1})
	if err != nil {
		return fmt.Errorf("btcio: encoding request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("btcio: request to %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("btcio: decoding response from %s: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("btcio: %s: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, result)
}

// SendRawTransaction implements Broadcaster.
func (c *RPCClient) SendRawTransaction(rawTx []byte) error {
	var txid string
	err := c.call("sendrawtransaction", []any{hex.EncodeToString(rawTx)}, &txid)
	if err == nil {
		return nil
	}
	if isInvalidInputsErr(err) {
		return &InvalidInputsError{Reason: err.Error()}
	}
	return err
}

// isInvalidInputsErr recognizes bitcoind's "missing inputs" rejection
// (RPC_VERIFY_REJECTED / RPC_VERIFY_ERROR family) by substring, since the
// JSON-RPC error message text is the only signal bitcoind gives for this.
func isInvalidInputsErr(err error) bool {
	msg := err.Error()
	return containsAny(msg, "missing-inputs", "bad-txns-inputs-missingorspent", "txn-mempool-conflict")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

type getTxOutResult struct {
	Confirmations uint64 `json:"confirmations"`
}

// GetConfirmations implements Broadcaster. It uses gettxout rather than
// gettransaction so it works against a pruned/non-wallet node: a
// transaction with a still-unspent output at height h has at least one
// confirmation, which is all the broadcast loop needs to know.
func (c *RPCClient) GetConfirmations(txid primitives.BitcoinTxid) (uint64, error) {
	var out *getTxOutResult
	if err := c.call("gettxout", []any{txid.String(), 0}, &out); err != nil {
		return 0, err
	}
	if out == nil {
		return 0, &TxNotFoundError{Txid: txid}
	}
	return out.Confirmations, nil
}

// BestHeight implements l1reader.BlockSource.
func (c *RPCClient) BestHeight() (uint64, error) {
	var height uint64
	if err := c.call("getblockcount", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// BlockAtHeight implements l1reader.BlockSource.
func (c *RPCClient) BlockAtHeight(height uint64) (*wire.MsgBlock, error) {
	var blockHash string
	if err := c.call("getblockhash", []any{height}, &blockHash); err != nil {
		return nil, fmt.Errorf("btcio: getblockhash(%d): %w", height, err)
	}

	var rawHex string
	if err := c.call("getblock", []any{blockHash, 0}, &rawHex); err != nil {
		return nil, fmt.Errorf("btcio: getblock(%s): %w", blockHash, err)
	}

	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("btcio: decoding block hex: %w", err)
	}

	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("btcio: deserializing block %s: %w", blockHash, err)
	}
	return &block, nil
}
