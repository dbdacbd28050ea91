// Package near is a minimal NEAR JSON-RPC client covering the ETRAP
// contract surface: one write method (mint_batch) and the read-only batch
// index views used by the verifier.
package near

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"regexp"
	"time"

	"github.com/mr-tron/base58"

	"github.com/marcoeg/etrap/pkg/core"
)

// RPCURL returns the public RPC endpoint for a network name.
func RPCURL(network string) string {
	switch network {
	case "mainnet":
		return "https://rpc.mainnet.near.org"
	case "localnet":
		return "http://localhost:3030"
	default:
		return "https://rpc.testnet.near.org"
	}
}

// Client speaks JSON-RPC 2.0 to one NEAR node.
type Client struct {
	rpcURL string
	http   *http.Client
}

// NewClient returns a client for the named network (testnet, mainnet,
// localnet).
func NewClient(network string) *Client {
	return &Client{
		rpcURL: RPCURL(network),
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *rpcError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params, out interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      "etrap",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("rpc %s: decode response: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("rpc %s: %w", method, rr.Error)
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("rpc %s: decode result: %w", method, err)
		}
	}
	return nil
}

type callFunctionResult struct {
	Result []int    `json:"result"`
	Logs   []string `json:"logs"`
	Error  string   `json:"error"`
}

// View invokes a read-only contract method and unmarshals its JSON return
// value into out. A JSON null return with a typed out maps to
// core.ErrNotFound.
func (c *Client) View(ctx context.Context, contractID, method string, args, out interface{}) error {
	argBytes, err := json.Marshal(args)
	if err != nil {
		return err
	}
	params := map[string]interface{}{
		"request_type": "call_function",
		"finality":     "final",
		"account_id":   contractID,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(argBytes),
	}
	var res callFunctionResult
	if err := c.call(ctx, "query", params, &res); err != nil {
		return err
	}
	if res.Error != "" {
		return fmt.Errorf("view %s on %s: %s", method, contractID, res.Error)
	}

	raw := make([]byte, len(res.Result))
	for i, b := range res.Result {
		raw[i] = byte(b)
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return fmt.Errorf("view %s on %s: %w", method, contractID, core.ErrNotFound)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("view %s on %s: decode: %w", method, contractID, err)
	}
	return nil
}

type accessKeyView struct {
	Nonce     uint64 `json:"nonce"`
	BlockHash string `json:"block_hash"`
}

type blockView struct {
	Header struct {
		Height int64 `json:"height"`
	} `json:"header"`
}

// ExecutionOutcome is the subset of a final execution outcome the pipeline
// consumes.
type ExecutionOutcome struct {
	Status struct {
		SuccessValue *string         `json:"SuccessValue"`
		Failure      json.RawMessage `json:"Failure"`
	} `json:"status"`
	Transaction struct {
		Hash string `json:"hash"`
	} `json:"transaction"`
	TransactionOutcome struct {
		BlockHash string `json:"block_hash"`
		Outcome   struct {
			Logs     []string `json:"logs"`
			GasBurnt uint64   `json:"gas_burnt"`
		} `json:"outcome"`
	} `json:"transaction_outcome"`
	ReceiptsOutcome []struct {
		Outcome struct {
			Logs []string `json:"logs"`
		} `json:"outcome"`
	} `json:"receipts_outcome"`
}

// Logs returns transaction and receipt logs in execution order.
func (o *ExecutionOutcome) Logs() []string {
	logs := append([]string{}, o.TransactionOutcome.Outcome.Logs...)
	for _, r := range o.ReceiptsOutcome {
		logs = append(logs, r.Outcome.Logs...)
	}
	return logs
}

// CallFunction signs and broadcasts one function-call transaction and waits
// for its final outcome. A failed execution status is returned as an error
// whose text carries the contract's failure JSON.
func (c *Client) CallFunction(ctx context.Context, key *KeyPair, contractID, method string, args interface{}, gas uint64, deposit *big.Int) (*ExecutionOutcome, error) {
	argBytes, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	var ak accessKeyView
	err = c.call(ctx, "query", map[string]interface{}{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   key.AccountID,
		"public_key":   key.PublicKeyString(),
	}, &ak)
	if err != nil {
		return nil, fmt.Errorf("view access key: %w", err)
	}

	blockHash, err := base58.Decode(ak.BlockHash)
	if err != nil || len(blockHash) != 32 {
		return nil, fmt.Errorf("decode block hash %q: %w", ak.BlockHash, err)
	}

	tx := &Transaction{
		SignerID:   key.AccountID,
		Nonce:      ak.Nonce + 1,
		ReceiverID: contractID,
		Actions:    []Action{NewFunctionCallAction(method, argBytes, gas, deposit)},
	}
	tx.PublicKey.KeyType = 0
	copy(tx.PublicKey.Data[:], key.PublicKey)
	copy(tx.BlockHash[:], blockHash)

	signed, err := Sign(tx, key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	var outcome ExecutionOutcome
	err = c.call(ctx, "broadcast_tx_commit",
		[]string{base64.StdEncoding.EncodeToString(signed)}, &outcome)
	if err != nil {
		return nil, err
	}
	if len(outcome.Status.Failure) > 0 {
		return &outcome, fmt.Errorf("transaction failed: %s", outcome.Status.Failure)
	}
	return &outcome, nil
}

// BlockHeight resolves a block hash to its height. Used to record the
// anchoring height in the bundle after a mint.
func (c *Client) BlockHeight(ctx context.Context, blockHash string) (int64, error) {
	var bv blockView
	if err := c.call(ctx, "block", map[string]interface{}{"block_id": blockHash}, &bv); err != nil {
		return 0, err
	}
	return bv.Header.Height, nil
}

// --- ETRAP contract views (§ chain contract surface) ---

// NFTToken fetches one token by id; core.ErrNotFound when absent.
func (c *Client) NFTToken(ctx context.Context, contractID, tokenID string) (*Token, error) {
	var t Token
	err := c.View(ctx, contractID, "nft_token", map[string]string{"token_id": tokenID}, &t)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// BatchesByTable lists batches referencing a table, newest first.
func (c *Client) BatchesByTable(ctx context.Context, contractID, table string, limit int) ([]Token, error) {
	var out []Token
	err := c.View(ctx, contractID, "get_batches_by_table",
		map[string]interface{}{"table_name": table, "limit": limit}, &out)
	return out, err
}

// BatchesByDatabase lists batches for a database, paginated.
func (c *Client) BatchesByDatabase(ctx context.Context, contractID, database string, fromIndex, limit int) ([]Token, error) {
	var out []Token
	err := c.View(ctx, contractID, "get_batches_by_database",
		map[string]interface{}{"database": database, "from_index": fromIndex, "limit": limit}, &out)
	return out, err
}

// BatchesByTimeRange lists batches anchored inside [startMs, endMs].
func (c *Client) BatchesByTimeRange(ctx context.Context, contractID string, startMs, endMs int64, database string, limit int) ([]Token, error) {
	args := map[string]interface{}{
		"start_ms": startMs,
		"end_ms":   endMs,
		"limit":    limit,
	}
	if database != "" {
		args["database"] = database
	}
	var out []Token
	err := c.View(ctx, contractID, "get_batches_by_time_range", args, &out)
	return out, err
}

// RecentBatches lists the most recently anchored batches across the chain
// index.
func (c *Client) RecentBatches(ctx context.Context, contractID string, limit int) ([]Token, error) {
	var out []Token
	err := c.View(ctx, contractID, "get_recent_batches",
		map[string]interface{}{"limit": limit}, &out)
	return out, err
}

// BatchSummaryOf fetches just the summary of one token.
func (c *Client) BatchSummaryOf(ctx context.Context, contractID, tokenID string) (*BatchSummary, error) {
	var s BatchSummary
	err := c.View(ctx, contractID, "get_batch_summary", map[string]string{"token_id": tokenID}, &s)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Stats fetches the contract's aggregate batch statistics.
func (c *Client) Stats(ctx context.Context, contractID string) (*BatchStats, error) {
	var s BatchStats
	err := c.View(ctx, contractID, "get_batch_stats", map[string]interface{}{}, &s)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ComputeMerkleRoot asks the contract to recompute a root server-side; a
// pure view used for cross-checking agent output.
func (c *Client) ComputeMerkleRoot(ctx context.Context, contractID string, hashes []string) (string, error) {
	var root string
	err := c.View(ctx, contractID, "compute_merkle_root",
		map[string]interface{}{"transaction_hashes": hashes, "use_sha256": true}, &root)
	return root, err
}

var etrapFeeRE = regexp.MustCompile(`"etrap_fee":"(\d+)"`)

// ExtractEtrapFee pulls the fee out of contract logs of form
// "etrap_fee":"<digits>". Returns "0" when no log carries one.
func ExtractEtrapFee(logs []string) string {
	for _, l := range logs {
		if m := etrapFeeRE.FindStringSubmatch(l); m != nil {
			return m[1]
		}
	}
	return "0"
}
