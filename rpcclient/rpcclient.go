// Package rpcclient is the minimal JSON-RPC-over-HTTP client the bridge
// validator uses to talk to a chain's node: the same shape as the
// ancestor's tosclient.Client — a thin method-name-plus-positional-args
// wrapper around a single CallContext primitive — generalized here to a
// plain net/http transport since the ancestor's own rpc.Client lives in a
// module this one cannot import.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"

	"github.com/tos-network/bridgevalidator/chain"
	"github.com/tos-network/bridgevalidator/common"
	"github.com/tos-network/bridgevalidator/transfer"
)

type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpcclient: %d %s", e.Code, e.Message) }

type response struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Client is a single chain endpoint's JSON-RPC connection.
type Client struct {
	endpoint string
	http     *http.Client
	nextID   int
}

// Dial constructs a Client against a chain node's JSON-RPC HTTP endpoint.
func Dial(endpoint string) *Client {
	return &Client{endpoint: endpoint, http: &http.Client{}}
}

// CallContext invokes method with the given positional params and decodes
// the result into out, matching the ancestor's c.CallContext(ctx, &out,
// "method", args...) calling convention.
func (c *Client) CallContext(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	c.nextID++
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("rpcclient: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpcclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpcclient: do request: %w", err)
	}
	defer resp.Body.Close()

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("rpcclient: decode response: %w", err)
	}
	if r.Error != nil {
		return r.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(r.Result, out)
}

// rawEvent is the wire shape of one bridge_scanEvents entry.
type rawEvent struct {
	Direction         uint8  `json:"direction"`
	Amount            string `json:"amount"`
	Sender            string `json:"sender"`
	Recipient         string `json:"recipient"`
	Nonce             uint64 `json:"nonce"`
	SourceBlockHeight uint64 `json:"sourceBlockHeight"`
	SourceBlockHash   string `json:"sourceBlockHash"`
	SourceTxHash      string `json:"sourceTxHash"`
	SourceLogIndex    uint32 `json:"sourceLogIndex"`
	ObservedAtUnixMs  int64  `json:"observedAtUnixMs"`
	Deadline          int64  `json:"deadline"`
}

// LatestBlockHeight implements chain.RPCClient.
func (c *Client) LatestBlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := c.CallContext(ctx, &height, "bridge_latestBlockHeight")
	return height, err
}

// BlockHashAt implements chain.RPCClient.
func (c *Client) BlockHashAt(ctx context.Context, height uint64) (common.Hash, error) {
	var hexHash string
	if err := c.CallContext(ctx, &hexHash, "bridge_blockHashAt", height); err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(hexHash), nil
}

// ScanEvents implements chain.RPCClient.
func (c *Client) ScanEvents(ctx context.Context, fromExclusive, toInclusive uint64) ([]chain.RawEvent, error) {
	var raws []rawEvent
	if err := c.CallContext(ctx, &raws, "bridge_scanEvents", fromExclusive, toInclusive); err != nil {
		return nil, err
	}
	out := make([]chain.RawEvent, 0, len(raws))
	for _, re := range raws {
		amount, ok := new(big.Int).SetString(re.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("rpcclient: malformed amount %q", re.Amount)
		}
		out = append(out, chain.RawEvent{
			Direction:         transfer.Direction(re.Direction),
			Amount:            amount,
			Sender:            common.HexToAddress(re.Sender),
			Recipient:         common.HexToAddress(re.Recipient),
			Nonce:             re.Nonce,
			SourceBlockHeight: re.SourceBlockHeight,
			SourceBlockHash:   common.HexToHash(re.SourceBlockHash),
			SourceTxHash:      common.HexToHash(re.SourceTxHash),
			SourceLogIndex:    re.SourceLogIndex,
			ObservedAtUnixMs:  re.ObservedAtUnixMs,
			Deadline:          re.Deadline,
		})
	}
	return out, nil
}

// SubmitSignedTransaction implements chain.RPCClient and
// consensusexec.Submitter.
func (c *Client) SubmitSignedTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var hexHash string
	if err := c.CallContext(ctx, &hexHash, "bridge_submitSignedTransaction", "0x"+hex.EncodeToString(raw)); err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(hexHash), nil
}

// Confirmations implements chain.RPCClient and consensusexec.Submitter.
func (c *Client) Confirmations(ctx context.Context, txHash common.Hash) (uint64, bool, error) {
	var result struct {
		Confirmations uint64 `json:"confirmations"`
		Included      bool   `json:"included"`
	}
	if err := c.CallContext(ctx, &result, "bridge_confirmations", txHash.Hex()); err != nil {
		return 0, false, err
	}
	return result.Confirmations, result.Included, nil
}
