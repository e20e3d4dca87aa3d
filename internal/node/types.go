package node

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// call is one concrete method invocation; aliases may take different params.
type call struct {
	method string
	params []any
}

// BlockchainInfo is the subset of getblockchaininfo the pool reads.
type BlockchainInfo struct {
	Chain         string  `json:"chain"`
	Blocks        int64   `json:"blocks"`
	Headers       int64   `json:"headers"`
	BestBlockHash string  `json:"bestblockhash"`
	Difficulty    float64 `json:"difficulty"`
}

// TemplateTransaction is one non-coinbase transaction of a block template.
type TemplateTransaction struct {
	Data string `json:"data"`
	TxID string `json:"txid"`
	Hash string `json:"hash"`
	Fee  int64  `json:"fee"`
}

// BlockTemplate is the job source returned by getblocktemplate.
//
// Nodes differ in which fields they fill: difficulty may be reported directly,
// as a target, or only as compact bits, and the merkle root may be omitted.
type BlockTemplate struct {
	Version           int32                 `json:"version"`
	PreviousBlockHash string                `json:"previousblockhash"`
	MerkleRoot        string                `json:"merkleroot"`
	CurTime           int64                 `json:"curtime"`
	Height            int64                 `json:"height"`
	Bits              string                `json:"bits"`
	Target            string                `json:"target"`
	Difficulty        float64               `json:"difficulty"`
	CoinbaseValue     int64                 `json:"coinbasevalue"`
	Transactions      []TemplateTransaction `json:"transactions"`
}

// TxIDs returns the template's transaction ids in block order.
func (t *BlockTemplate) TxIDs() []string {
	ids := make([]string, 0, len(t.Transactions))
	for _, tx := range t.Transactions {
		id := tx.TxID
		if id == "" {
			id = tx.Hash
		}
		ids = append(ids, id)
	}
	return ids
}
