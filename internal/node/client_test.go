package node

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bardlex/pplnspool/pkg/circuit"
	"github.com/bardlex/pplnspool/pkg/errors"
)

// fakeNode answers JSON-RPC requests from a method → handler table.
type fakeNode struct {
	mu       sync.Mutex
	handlers map[string]func(params []json.RawMessage) (any, *rpcErr)
	calls    []string
	ids      []uint64
	versions []string
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server) {
	t.Helper()
	f := &fakeNode{handlers: map[string]func([]json.RawMessage) (any, *rpcErr){}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      uint64            `json:"id"`
		Method  string            `json:"method"`
		Params  []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls = append(f.calls, req.Method)
	f.ids = append(f.ids, req.ID)
	f.versions = append(f.versions, req.JSONRPC)
	handler, ok := f.handlers[req.Method]
	f.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": nil, "error": nil}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		resp["error"] = rpcErr{Code: -32601, Message: "Method not found"}
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	result, rerr := handler(req.Params)
	if rerr != nil {
		w.WriteHeader(http.StatusInternalServerError)
		resp["error"] = rerr
	} else {
		resp["result"] = result
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeNode) on(method string, h func([]json.RawMessage) (any, *rpcErr)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeNode) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestClient(url string) *Client {
	return NewClient(Config{URL: url, Timeout: 2 * time.Second}, nil)
}

func TestGetBlockTemplate(t *testing.T) {
	f, srv := newFakeNode(t)
	f.on("getblocktemplate", func([]json.RawMessage) (any, *rpcErr) {
		return map[string]any{
			"previousblockhash": "00000000000000000001",
			"curtime":           1700000000,
			"height":            840000,
			"bits":              "1d00ffff",
			"coinbasevalue":     312500000,
			"transactions": []map[string]any{
				{"txid": "aa", "hash": "bb"},
				{"hash": "cc"},
			},
		}, nil
	})

	tmpl, err := newTestClient(srv.URL).GetBlockTemplate(context.Background(), "sha256d")
	if err != nil {
		t.Fatalf("GetBlockTemplate() error = %v", err)
	}
	if tmpl.Height != 840000 || tmpl.CoinbaseValue != 312500000 || tmpl.Bits != "1d00ffff" {
		t.Errorf("template = %+v", tmpl)
	}
	if ids := tmpl.TxIDs(); len(ids) != 2 || ids[0] != "aa" || ids[1] != "cc" {
		t.Errorf("TxIDs() = %v", ids)
	}
}

func TestAliasFallback(t *testing.T) {
	f, srv := newFakeNode(t)
	f.on("get_block_template", func(params []json.RawMessage) (any, *rpcErr) {
		var algo string
		_ = json.Unmarshal(params[0], &algo)
		if algo != "sha256" {
			return nil, &rpcErr{Code: -8, Message: "bad algorithm " + algo}
		}
		return map[string]any{"previousblockhash": "ff", "height": 7, "difficulty": 2.5}, nil
	})

	tmpl, err := newTestClient(srv.URL).GetBlockTemplate(context.Background(), "sha256")
	if err != nil {
		t.Fatalf("GetBlockTemplate() error = %v", err)
	}
	if tmpl.Height != 7 || tmpl.Difficulty != 2.5 {
		t.Errorf("template = %+v", tmpl)
	}

	got := f.methods()
	if len(got) != 2 || got[0] != "getblocktemplate" || got[1] != "get_block_template" {
		t.Errorf("calls = %v, want primary then alias", got)
	}
}

func TestRequestEnvelope(t *testing.T) {
	f, srv := newFakeNode(t)
	f.on("getblockchaininfo", func([]json.RawMessage) (any, *rpcErr) {
		return map[string]any{"chain": "regtest", "blocks": 12}, nil
	})

	c := newTestClient(srv.URL)
	for i := 0; i < 3; i++ {
		info, err := c.GetBlockchainInfo(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if info.Chain != "regtest" || info.Blocks != 12 {
			t.Errorf("info = %+v", info)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for i, id := range f.ids {
		if f.versions[i] != "2.0" {
			t.Errorf("jsonrpc = %q, want 2.0", f.versions[i])
		}
		if i > 0 && id <= f.ids[i-1] {
			t.Errorf("request ids not increasing: %v", f.ids)
		}
	}
}

func TestSubmitBlock(t *testing.T) {
	tests := []struct {
		name       string
		result     any
		wantOK     bool
		wantReason string
	}{
		{"null result accepted", nil, true, ""},
		{"rejection reason", "high-hash", false, "high-hash"},
		{"duplicate", "duplicate", false, "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeNode(t)
			f.on("submitblock", func([]json.RawMessage) (any, *rpcErr) { return tt.result, nil })

			ok, err := newTestClient(srv.URL).SubmitBlock(context.Background(), "00ff")
			if ok != tt.wantOK {
				t.Errorf("SubmitBlock() = %v, want %v", ok, tt.wantOK)
			}
			if tt.wantOK {
				if err != nil {
					t.Errorf("unexpected error %v", err)
				}
				return
			}

			var ne *NodeError
			if !stderrors.As(err, &ne) {
				t.Fatalf("error = %v, want *NodeError", err)
			}
			if ne.Message != tt.wantReason || ne.Unavailable {
				t.Errorf("NodeError = %+v", ne)
			}
		})
	}
}

func TestRPCErrorIsNotUnavailable(t *testing.T) {
	_, srv := newFakeNode(t)

	_, err := newTestClient(srv.URL).GetBlockchainInfo(context.Background())
	var ne *NodeError
	if !stderrors.As(err, &ne) {
		t.Fatalf("error = %v, want *NodeError", err)
	}
	if ne.Unavailable {
		t.Error("method-not-found must not be reported as unavailable")
	}
	if ne.Code != -32601 || ne.Method != "getblockchaininfo" {
		t.Errorf("NodeError = %+v, want primary method and code -32601", ne)
	}
}

func TestUnavailableNode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(Config{URL: url, Timeout: time.Second}, circuit.New(&circuit.Config{
		Name: "node_rpc", MaxFailures: 2, SuccessRequired: 1, Timeout: time.Minute,
	}))

	for i := 0; i < 3; i++ {
		_, err := c.GetBlockTemplate(context.Background(), "sha256d")
		if !IsUnavailable(err) {
			t.Fatalf("call %d: error = %v, want unavailable", i, err)
		}
		if !errors.IsType(err, errors.ErrorTypeNodeUnavailable) {
			t.Errorf("call %d: error type not node_unavailable", i)
		}
	}

	if c.BreakerState() != circuit.StateOpen {
		t.Errorf("breaker state = %v, want open", c.BreakerState())
	}
}

// rawParams renders params as they arrived on the wire, e.g. ["a" 1.00000000].
func rawParams(params []json.RawMessage) []string {
	out := make([]string, len(params))
	for i, p := range params {
		out[i] = string(p)
	}
	return out
}

func equalParams(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestBalanceAndSend(t *testing.T) {
	f, srv := newFakeNode(t)

	var balanceParams, sendParams []string
	f.on("getbalance", func(params []json.RawMessage) (any, *rpcErr) {
		balanceParams = rawParams(params)
		return json.Number("12.50000001"), nil
	})
	f.on("sendtoaddress", func(params []json.RawMessage) (any, *rpcErr) {
		sendParams = rawParams(params)
		return "txid-1", nil
	})

	c := newTestClient(srv.URL)

	balance, err := c.GetBalance(context.Background(), "pool-addr")
	if err != nil {
		t.Fatal(err)
	}
	if !balance.Equal(decimal.RequireFromString("12.50000001")) {
		t.Errorf("GetBalance() = %s", balance)
	}
	if want := []string{`"pool-addr"`}; !equalParams(balanceParams, want) {
		t.Errorf("getbalance params = %v, want %v", balanceParams, want)
	}

	txid, err := c.SendToAddress(context.Background(), "pool-addr", "miner-addr", decimal.RequireFromString("0.1"))
	if err != nil {
		t.Fatal(err)
	}
	if txid != "txid-1" {
		t.Errorf("txid = %s", txid)
	}
	if want := []string{`"pool-addr"`, `"miner-addr"`, `0.10000000`}; !equalParams(sendParams, want) {
		t.Errorf("sendtoaddress params = %v, want %v", sendParams, want)
	}
	if got := f.methods(); len(got) != 2 {
		t.Errorf("calls = %v, want one per operation", got)
	}
}

func TestBalanceAndSend_WalletFormFallback(t *testing.T) {
	f, srv := newFakeNode(t)

	// A bitcoind-style wallet rejects the address parameter forms.
	var balanceParams, sendParams []string
	f.on("getbalance", func(params []json.RawMessage) (any, *rpcErr) {
		if len(params) != 0 {
			return nil, &rpcErr{Code: -8, Message: "dummy value must be set to \"*\""}
		}
		balanceParams = rawParams(params)
		return json.Number("3"), nil
	})
	f.on("sendtoaddress", func(params []json.RawMessage) (any, *rpcErr) {
		if len(params) != 2 {
			return nil, &rpcErr{Code: -5, Message: "Invalid amount"}
		}
		sendParams = rawParams(params)
		return "txid-2", nil
	})

	c := newTestClient(srv.URL)

	balance, err := c.GetBalance(context.Background(), "pool-addr")
	if err != nil {
		t.Fatal(err)
	}
	if !balance.Equal(decimal.NewFromInt(3)) || balanceParams == nil || len(balanceParams) != 0 {
		t.Errorf("GetBalance() = %s with params %v", balance, balanceParams)
	}

	txid, err := c.SendToAddress(context.Background(), "pool-addr", "miner-addr", decimal.NewFromInt(1))
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{`"miner-addr"`, `1.00000000`}; txid != "txid-2" || !equalParams(sendParams, want) {
		t.Errorf("SendToAddress() = %s with params %v, want %v", txid, sendParams, want)
	}

	want := []string{
		"getbalance", "get_balance", "getbalance",
		"sendtoaddress", "send_to_address", "sendtoaddress",
	}
	if got := f.methods(); !equalParams(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestSendToAddress_Rejected(t *testing.T) {
	f, srv := newFakeNode(t)
	f.on("sendtoaddress", func([]json.RawMessage) (any, *rpcErr) {
		return nil, &rpcErr{Code: -6, Message: "Insufficient funds"}
	})
	f.on("send_to_address", func([]json.RawMessage) (any, *rpcErr) {
		return nil, &rpcErr{Code: -32601, Message: "Method not found"}
	})

	_, err := newTestClient(srv.URL).SendToAddress(context.Background(), "a", "b", decimal.NewFromInt(1))

	var ne *NodeError
	if !stderrors.As(err, &ne) {
		t.Fatalf("error = %v, want *NodeError", err)
	}
	if ne.Code != -6 || ne.Method != "sendtoaddress" {
		t.Errorf("NodeError = %+v, want primary rejection", ne)
	}
}
