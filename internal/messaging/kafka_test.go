package messaging

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/pplnspool/internal/store"
	"github.com/bardlex/pplnspool/pkg/log"
	"github.com/bardlex/pplnspool/pkg/retry"
)

type fakeWriter struct {
	mu    sync.Mutex
	msgs  []kafka.Message
	fails int
	err   error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fails > 0 {
		w.fails--
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, log.Nop())

	share := &store.Share{ID: 7, MinerID: "addr.rig", JobID: "1f", Nonce: "00000001", ExtraNonce2: "00000000",
		Difficulty: 16, IsValid: true, SubmittedAt: time.Unix(1700000000, 0)}
	event, err := ShareEvent(share)
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Publish(context.Background(), TopicShares, share.MinerID, event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if msg.Topic != TopicShares || string(msg.Key) != "addr.rig" {
		t.Errorf("topic/key = %s/%s", msg.Topic, msg.Key)
	}

	var decoded structpb.Struct
	if err := proto.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatal(err)
	}
	fields := decoded.AsMap()
	if fields["share_id"] != float64(7) || fields["miner_id"] != "addr.rig" || fields["is_valid"] != true {
		t.Errorf("decoded event = %v", fields)
	}
}

func TestPublisher_RetriesTransientFailure(t *testing.T) {
	w := &fakeWriter{fails: 1, err: stderrors.New("connection reset by peer")}
	p := newPublisher(w, log.Nop())
	p.retryConfig = &retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	event, err := PayoutEvent("addr.rig", "addr", "0.5", "completed", "tx")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Publish(context.Background(), TopicPayouts, "addr.rig", event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(w.msgs) != 1 {
		t.Errorf("wrote %d messages, want 1", len(w.msgs))
	}
}

func TestBlockEvent(t *testing.T) {
	b := &store.Block{Hash: "00ab", Height: 10, MinerID: "m", JobID: "2", Reward: decimal.RequireFromString("3.125")}
	event, err := BlockEvent(b, "accepted")
	if err != nil {
		t.Fatal(err)
	}
	fields := event.AsMap()
	if fields["reward"] != "3.125" || fields["status"] != "accepted" || fields["height"] != float64(10) {
		t.Errorf("BlockEvent() = %v", fields)
	}
}
