package engine

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/basinrollup/basin/chainstate"
	"github.com/basinrollup/basin/chaintsn"
	"github.com/basinrollup/basin/primitives"
)

// HTTPClient talks to an out-of-process execution layer over HTTP,
// authenticating every request with a freshly signed JWT bearer token
// (mirroring go-ethereum's Engine API auth scheme: an HS256 JWT over the
// shared secret, "iat" claim only, 60s clock-skew tolerance).
type HTTPClient struct {
	endpoint string
	secret   []byte
	hc       *http.Client
}

// NewHTTPClient creates an HTTPClient. secret is the 32-byte shared JWT
// secret configured on both sides.
func NewHTTPClient(endpoint string, secret []byte) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		secret:   secret,
		hc:       &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *HTTPClient) authToken() (string, error) {
	claims := jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(time.Now())}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(c.secret)
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (c *HTTPClient) call(method string, params any, result any) error {
	token, err := c.authToken()
	if err != nil {
		return fmt.Errorf("engine: signing auth token: %w", err)
	}
	paramBytes, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("engine: encoding params: %w", err)
	}

	body, err := json.Marshal(rpcRequest{Method: method, Params: paramBytes})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("engine: request to %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine: %s returned %d: %s", method, resp.StatusCode, respBody)
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(respBody, result)
}

type preparePayloadParams struct {
	Timestamp         uint64   `json:"timestamp"`
	ParentL2Blkid     string   `json:"parentL2Blkid"`
	SafeL1Blkid       string   `json:"safeL1Blkid"`
	AppliedOps        []opWire `json:"appliedOps"`
	RemainingGasLimit *uint64  `json:"remainingGasLimit,omitempty"`
}

type opWire struct {
	Kind             uint8  `json:"kind"`
	DepositIntentIdx uint32 `json:"depositIntentIdx"`
}

type preparePayloadResult struct {
	PayloadID string `json:"payloadId"`
}

// PreparePayload implements Client.
func (c *HTTPClient) PreparePayload(env PayloadEnv) (PayloadID, error) {
	ops := make([]opWire, len(env.Input.AppliedOps))
	for i, op := range env.Input.AppliedOps {
		ops[i] = opWire{Kind: uint8(op.Kind), DepositIntentIdx: op.DepositIntentIdx}
	}

	params := preparePayloadParams{
		Timestamp:         env.Timestamp,
		ParentL2Blkid:     hex.EncodeToString(env.ParentL2Blkid[:]),
		SafeL1Blkid:       hex.EncodeToString(env.SafeL1Blkid[:]),
		AppliedOps:        ops,
		RemainingGasLimit: env.RemainingGasLimit,
	}

	var result preparePayloadResult
	if err := c.call("engine_preparePayload", params, &result); err != nil {
		return "", err
	}
	return PayloadID(result.PayloadID), nil
}

type payloadStatusParams struct {
	PayloadID string `json:"payloadId"`
}

type payloadStatusResult struct {
	Status      string `json:"status"`
	NewELBlock  string `json:"newElBlock"`
	GasUsed     uint64 `json:"gasUsed"`
	Withdrawals []struct {
		AmountSats  uint64 `json:"amountSats"`
		Destination string `json:"destination"`
	} `json:"withdrawals"`
}

// PayloadStatus implements Client.
func (c *HTTPClient) PayloadStatus(id PayloadID) (PayloadStatus, *chaintsn.ExecUpdateOutput, uint64, error) {
	var result payloadStatusResult
	if err := c.call("engine_getPayloadStatus", payloadStatusParams{PayloadID: string(id)}, &result); err != nil {
		return StatusUnknown, nil, 0, err
	}

	status := parseStatus(result.Status)
	if status != StatusValid {
		return status, nil, 0, nil
	}

	blockBytes, err := hex.DecodeString(result.NewELBlock)
	if err != nil {
		return StatusInvalid, nil, 0, fmt.Errorf("engine: decoding newElBlock: %w", err)
	}
	blockHash, err := primitives.Buf32FromSlice(blockBytes)
	if err != nil {
		return StatusInvalid, nil, 0, err
	}
	out := &chaintsn.ExecUpdateOutput{NewELBlock: blockHash}
	for _, w := range result.Withdrawals {
		dest, err := hex.DecodeString(w.Destination)
		if err != nil {
			return StatusInvalid, nil, 0, fmt.Errorf("engine: decoding withdrawal destination: %w", err)
		}
		out.Withdrawals = append(out.Withdrawals, chainstate.WithdrawalIntent{Amt: primitives.Sats(w.AmountSats), Destination: dest})
	}
	return StatusValid, out, result.GasUsed, nil
}

func parseStatus(s string) PayloadStatus {
	switch s {
	case "BUILDING":
		return StatusBuilding
	case "VALID":
		return StatusValid
	case "INVALID":
		return StatusInvalid
	default:
		return StatusUnknown
	}
}

type updateFinalizedParams struct {
	Blkid string `json:"blkid"`
}

// UpdateFinalizedBlock implements Client (and so csm.EngineFinalizer).
func (c *HTTPClient) UpdateFinalizedBlock(blkid primitives.L2BlockId) error {
	return c.call("engine_updateFinalizedBlock", updateFinalizedParams{Blkid: hex.EncodeToString(blkid[:])}, nil)
}
