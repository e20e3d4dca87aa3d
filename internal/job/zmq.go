package job

import (
	"context"
	"encoding/hex"
	"fmt"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/pplnspool/pkg/log"
)

const topicHashBlock = "hashblock"

// BlockNotifier listens for the node's ZMQ hashblock notifications.
type BlockNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewBlockNotifier creates a SUB socket subscribed to hashblock and connects it.
func NewBlockNotifier(endpoint string, logger *log.Logger) (*BlockNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	if err := socket.SetSubscribe(topicHashBlock); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", topicHashBlock, err)
	}

	// Bounded receive so Run notices cancellation.
	if err := socket.SetRcvtimeo(time.Second); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set ZMQ receive timeout: %w", err)
	}

	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", endpoint, err)
	}

	logger = logger.WithComponent("zmq")
	logger.Info("connected to ZMQ endpoint", "endpoint", endpoint, "topic", topicHashBlock)

	return &BlockNotifier{socket: socket, endpoint: endpoint, logger: logger}, nil
}

// Run calls onBlock with the display-order hash of every new block until ctx is done.
func (n *BlockNotifier) Run(ctx context.Context, onBlock func(blockHash string)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := n.socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			n.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}

		hash, err := parseHashBlock(msg)
		if err != nil {
			n.logger.WithError(err).Warn("ignoring ZMQ message")
			continue
		}

		n.logger.Info("new block notification", "block_hash", hash)
		onBlock(hash)
	}
}

// Close closes the ZMQ socket
func (n *BlockNotifier) Close() error {
	if n.socket != nil {
		return n.socket.Close()
	}
	return nil
}

// parseHashBlock extracts the block hash from a [topic, body, seq] message.
// The body carries the hash in internal byte order; it is returned reversed.
func parseHashBlock(msg [][]byte) (string, error) {
	if len(msg) < 2 {
		return "", fmt.Errorf("malformed ZMQ message with %d parts", len(msg))
	}
	if topic := string(msg[0]); topic != topicHashBlock {
		return "", fmt.Errorf("unexpected ZMQ topic %q", topic)
	}

	data := msg[1]
	if len(data) != 32 {
		return "", fmt.Errorf("invalid block hash length: %d", len(data))
	}

	reversed := make([]byte, len(data))
	for i := range data {
		reversed[i] = data[len(data)-1-i]
	}
	return hex.EncodeToString(reversed), nil
}
