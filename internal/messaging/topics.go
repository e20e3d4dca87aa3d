package messaging

// Topics of the pool event stream. Keys are miner ids for shares and payouts
// and block hashes for blocks.
const (
	TopicShares  = "pool.shares"
	TopicBlocks  = "pool.blocks"
	TopicPayouts = "pool.payouts"
)
