// Package miner tracks the miners connected to this pool process.
package miner

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Miner is a connected session's view of a miner. Registry methods hand out copies.
type Miner struct {
	ID            string
	RemoteAddr    string
	Username      string
	Worker        string
	PayoutAddress string
	Authorized    bool
	Accepted      int64
	Rejected      int64
	Work          float64 // sum of accepted share difficulties
	ConnectedAt   time.Time
	LastShareAt   time.Time
}

// Hashrate estimates hashes per second from accepted work since connect.
func (m Miner) Hashrate(now time.Time) float64 {
	elapsed := now.Sub(m.ConnectedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return m.Work * 4294967296 / elapsed
}

// Registry is the set of live miners keyed by session id. All access goes
// through one mutex.
type Registry struct {
	mu     sync.Mutex
	miners map[string]*Miner
	now    func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		miners: make(map[string]*Miner),
		now:    time.Now,
	}
}

// Add registers a newly connected session.
func (r *Registry) Add(id, remoteAddr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.miners[id]; ok {
		return fmt.Errorf("miner %s already registered", id)
	}
	r.miners[id] = &Miner{ID: id, RemoteAddr: remoteAddr, ConnectedAt: r.now()}
	return nil
}

// Authorize records the authorized username and payout address of a session.
func (r *Registry) Authorize(id, username, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.miners[id]
	if !ok {
		return fmt.Errorf("miner %s not registered", id)
	}
	_, worker := ParseUsername(username)
	m.Username = username
	m.Worker = worker
	m.PayoutAddress = address
	m.Authorized = true
	return nil
}

// Remove drops a session and returns its final state.
func (r *Registry) Remove(id string) (Miner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.miners[id]
	if !ok {
		return Miner{}, false
	}
	delete(r.miners, id)
	return *m, true
}

// RecordShare updates a session's share counters.
func (r *Registry) RecordShare(id string, accepted bool, difficulty float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.miners[id]
	if !ok {
		return
	}
	if accepted {
		m.Accepted++
		m.Work += difficulty
	} else {
		m.Rejected++
	}
	m.LastShareAt = r.now()
}

// Get returns a copy of one miner
func (r *Registry) Get(id string) (Miner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.miners[id]
	if !ok {
		return Miner{}, false
	}
	return *m, true
}

// Snapshot returns copies of all miners ordered by id.
func (r *Registry) Snapshot() []Miner {
	r.mu.Lock()
	out := make([]Miner, 0, len(r.miners))
	for _, m := range r.miners {
		out = append(out, *m)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of connected miners
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.miners)
}
