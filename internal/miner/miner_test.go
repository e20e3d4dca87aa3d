package miner

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

func TestParseUsername(t *testing.T) {
	tests := []struct {
		username    string
		wantAddress string
		wantWorker  string
	}{
		{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", ""},
		{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa.rig1", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", "rig1"},
		{" addr.rig.2 ", "addr", "rig.2"},
		{"", "", ""},
	}

	for _, tt := range tests {
		address, worker := ParseUsername(tt.username)
		if address != tt.wantAddress || worker != tt.wantWorker {
			t.Errorf("ParseUsername(%q) = %q, %q; want %q, %q", tt.username, address, worker, tt.wantAddress, tt.wantWorker)
		}
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		params  *chaincfg.Params
		wantErr bool
	}{
		{"mainnet p2pkh", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", &chaincfg.MainNetParams, false},
		{"mainnet bech32", "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", &chaincfg.MainNetParams, false},
		{"testnet bech32", "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", &chaincfg.TestNet3Params, false},
		{"testnet address on mainnet", "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", &chaincfg.MainNetParams, true},
		{"bad checksum", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNb", &chaincfg.MainNetParams, true},
		{"empty", "", &chaincfg.MainNetParams, true},
		{"generic base58", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", nil, false},
		{"generic bech32", "abc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", nil, false},
		{"generic bad characters", "0OIl-not-an-address", nil, true},
		{"generic too short", "abc", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.address, tt.params)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAddress(%q) error = %v, wantErr %v", tt.address, err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry()
	start := time.Unix(1700000000, 0)
	r.now = func() time.Time { return start }

	if err := r.Add("s1", "10.0.0.1:5000"); err != nil {
		t.Fatal(err)
	}
	if err := r.Add("s1", "10.0.0.1:5000"); err == nil {
		t.Error("duplicate Add should fail")
	}
	if err := r.Authorize("nope", "x", "y"); err == nil {
		t.Error("Authorize of unknown session should fail")
	}

	if err := r.Authorize("s1", "addr.rig1", "addr"); err != nil {
		t.Fatal(err)
	}
	r.RecordShare("s1", true, 10)
	r.RecordShare("s1", true, 10)
	r.RecordShare("s1", false, 10)
	r.RecordShare("unknown", true, 10)

	m, ok := r.Get("s1")
	if !ok {
		t.Fatal("Get(s1) not found")
	}
	if !m.Authorized || m.Worker != "rig1" || m.PayoutAddress != "addr" {
		t.Errorf("miner = %+v", m)
	}
	if m.Accepted != 2 || m.Rejected != 1 || m.Work != 20 {
		t.Errorf("counters = %d/%d/%v", m.Accepted, m.Rejected, m.Work)
	}
	if got := m.Hashrate(start.Add(10 * time.Second)); got != 20*4294967296/10.0 {
		t.Errorf("Hashrate() = %v", got)
	}

	// Copies are detached from registry state.
	m.Accepted = 100
	if again, _ := r.Get("s1"); again.Accepted != 2 {
		t.Error("Get returned a shared pointer")
	}

	if removed, ok := r.Remove("s1"); !ok || removed.ID != "s1" {
		t.Errorf("Remove() = %+v, %v", removed, ok)
	}
	if _, ok := r.Remove("s1"); ok {
		t.Error("second Remove should report missing")
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()

	const sessions, shares = 100, 50
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%03d", i)
			if err := r.Add(id, "127.0.0.1:1"); err != nil {
				t.Error(err)
				return
			}
			for j := 0; j < shares; j++ {
				r.RecordShare(id, j%5 != 0, 1)
			}
		}(i)
	}
	wg.Wait()

	snap := r.Snapshot()
	if len(snap) != sessions {
		t.Fatalf("Snapshot() len = %d, want %d", len(snap), sessions)
	}
	for i, m := range snap {
		if i > 0 && snap[i-1].ID >= m.ID {
			t.Fatalf("Snapshot() not sorted at %d", i)
		}
		if m.Accepted != 40 || m.Rejected != 10 {
			t.Errorf("%s counters = %d/%d, want 40/10", m.ID, m.Accepted, m.Rejected)
		}
	}
}
