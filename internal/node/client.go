// Package node is the JSON-RPC client for the blockchain node the pool mines on.
//
// Every call tries the standard method name first and falls back to a
// chain-specific alias when the node rejects the primary name. Transport
// failures are never retried here; callers decide with pkg/retry.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"github.com/bardlex/pplnspool/pkg/circuit"
	"github.com/bardlex/pplnspool/pkg/errors"
)

var codec = sonic.ConfigStd

// Config holds node connection settings
type Config struct {
	URL      string
	User     string
	Password string
	Timeout  time.Duration
}

// Client talks to the node over HTTP JSON-RPC 2.0.
type Client struct {
	url     string
	user    string
	pass    string
	http    *http.Client
	breaker *circuit.Breaker
	nextID  atomic.Uint64
}

// NewClient creates a node client. A nil breaker gets the default node breaker.
func NewClient(cfg Config, breaker *circuit.Breaker) *Client {
	if breaker == nil {
		breaker = circuit.New(circuit.DefaultConfig("node_rpc"))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		url:     cfg.URL,
		user:    cfg.User,
		pass:    cfg.Password,
		http:    &http.Client{Transport: transport, Timeout: timeout},
		breaker: breaker,
	}
}

// BreakerState exposes the node circuit state for health reporting.
func (c *Client) BreakerState() circuit.State {
	return c.breaker.State()
}

// GetBlockchainInfo returns chain tip information
func (c *Client) GetBlockchainInfo(ctx context.Context) (*BlockchainInfo, error) {
	raw, err := c.invoke(ctx,
		call{method: "getblockchaininfo"},
		call{method: "get_blockchain_info"},
	)
	if err != nil {
		return nil, err
	}

	var info BlockchainInfo
	if err := c.decode("getblockchaininfo", raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetBlockTemplate requests a block template for the given proof-of-work algorithm.
func (c *Client) GetBlockTemplate(ctx context.Context, algorithm string) (*BlockTemplate, error) {
	request := map[string]any{"rules": []string{"segwit"}}
	if algorithm != "" && algorithm != "sha256d" {
		request["algorithm"] = algorithm
	}

	raw, err := c.invoke(ctx,
		call{method: "getblocktemplate", params: []any{request}},
		call{method: "get_block_template", params: []any{algorithm}},
	)
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, &NodeError{Method: "getblocktemplate", Message: "no template available"}
	}

	var tmpl BlockTemplate
	if err := c.decode("getblocktemplate", raw, &tmpl); err != nil {
		return nil, err
	}
	if tmpl.PreviousBlockHash == "" {
		return nil, &NodeError{Method: "getblocktemplate", Message: "template has no previousblockhash"}
	}
	return &tmpl, nil
}

// SubmitBlock hands a solved block to the node. A null result is acceptance;
// a string result is the node's rejection reason and is returned as a NodeError.
func (c *Client) SubmitBlock(ctx context.Context, blockData string) (bool, error) {
	raw, err := c.invoke(ctx,
		call{method: "submitblock", params: []any{blockData}},
		call{method: "submit_block", params: []any{blockData}},
	)
	if err != nil {
		return false, err
	}
	if isNull(raw) {
		return true, nil
	}

	var reason string
	if err := codec.Unmarshal(raw, &reason); err != nil {
		// Some nodes answer true/false instead of null/reason.
		var accepted bool
		if codec.Unmarshal(raw, &accepted) == nil && accepted {
			return true, nil
		}
		reason = strings.TrimSpace(string(raw))
	}
	return false, &NodeError{Method: "submitblock", Message: reason}
}

// GetBalance returns the wallet balance attributed to address. Nodes that
// only know the bitcoind wallet form (no address parameter) are asked for the
// whole wallet balance as a last resort.
func (c *Client) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	raw, err := c.invoke(ctx,
		call{method: "getbalance", params: []any{address}},
		call{method: "get_balance", params: []any{address}},
		call{method: "getbalance", params: []any{}},
	)
	if err != nil {
		return decimal.Zero, err
	}
	if isNull(raw) {
		return decimal.Zero, &NodeError{Method: "getbalance", Message: "empty balance result"}
	}

	var balance decimal.Decimal
	if err := balance.UnmarshalJSON(raw); err != nil {
		return decimal.Zero, &NodeError{Method: "getbalance", Message: "invalid balance result", Err: err}
	}
	return balance, nil
}

// SendToAddress pays amount from the pool address to a miner and returns the
// txid. The bitcoind form, which spends from the wallet without a source
// address, is tried last.
func (c *Client) SendToAddress(ctx context.Context, from, to string, amount decimal.Decimal) (string, error) {
	value := json.Number(amount.StringFixed(8))

	raw, err := c.invoke(ctx,
		call{method: "sendtoaddress", params: []any{from, to, value}},
		call{method: "send_to_address", params: []any{from, to, value}},
		call{method: "sendtoaddress", params: []any{to, value}},
	)
	if err != nil {
		return "", err
	}

	var txid string
	if err := codec.Unmarshal(raw, &txid); err != nil || txid == "" {
		return "", &NodeError{Method: "sendtoaddress", Message: "missing transaction id in result", Err: err}
	}
	return txid, nil
}

// invoke runs the primary call and, while the node answers with an RPC
// error, each fallback in order. Transport failures return immediately.
func (c *Client) invoke(ctx context.Context, primary call, fallbacks ...call) (json.RawMessage, error) {
	raw, err := c.do(ctx, primary)
	if err == nil {
		return raw, nil
	}
	if IsUnavailable(err) {
		return nil, err
	}

	for _, fb := range fallbacks {
		raw, fbErr := c.do(ctx, fb)
		if fbErr == nil {
			return raw, nil
		}
		// Report the primary rejection unless a fallback failed in transport.
		if IsUnavailable(fbErr) {
			return nil, fbErr
		}
	}
	return nil, err
}

type rpcOutcome struct {
	result json.RawMessage
	rpcErr *btcjson.RPCError
}

// do performs one request through the circuit breaker. Only transport
// failures count against the breaker; an RPC error is a healthy answer.
func (c *Client) do(ctx context.Context, cl call) (json.RawMessage, error) {
	out, err := circuit.ExecuteWithResult(ctx, c.breaker, func() (rpcOutcome, error) {
		return c.post(ctx, cl)
	})
	if err != nil {
		return nil, &NodeError{
			Method:      cl.method,
			Message:     err.Error(),
			Unavailable: true,
			Err:         errors.NodeUnavailableError(err, cl.method),
		}
	}
	if out.rpcErr != nil {
		return nil, &NodeError{
			Method:  cl.method,
			Code:    int(out.rpcErr.Code),
			Message: out.rpcErr.Message,
			Err:     out.rpcErr,
		}
	}
	return out.result, nil
}

func (c *Client) post(ctx context.Context, cl call) (rpcOutcome, error) {
	params := cl.params
	if params == nil {
		params = []any{}
	}

	body, err := codec.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  cl.method,
		Params:  params,
	})
	if err != nil {
		return rpcOutcome{}, fmt.Errorf("encode %s request: %w", cl.method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return rpcOutcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" || c.pass != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return rpcOutcome{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return rpcOutcome{}, err
	}

	var envelope struct {
		Result json.RawMessage    `json:"result"`
		Error  *btcjson.RPCError `json:"error"`
	}

	if resp.StatusCode != http.StatusOK {
		// Bitcoin Core reports RPC errors with 404/500 and a JSON body.
		if codec.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
			return rpcOutcome{rpcErr: envelope.Error}, nil
		}
		return rpcOutcome{}, &httpStatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(bytes.TrimSpace(data)),
		}
	}

	if len(data) == 0 {
		return rpcOutcome{}, stderrors.New("rpc empty response body")
	}
	if err := codec.Unmarshal(data, &envelope); err != nil {
		return rpcOutcome{}, fmt.Errorf("decode rpc response: %w", err)
	}
	return rpcOutcome{result: envelope.Result, rpcErr: envelope.Error}, nil
}

func (c *Client) decode(method string, raw json.RawMessage, out any) error {
	if err := codec.Unmarshal(raw, out); err != nil {
		return &NodeError{Method: method, Message: "invalid result", Err: err}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
