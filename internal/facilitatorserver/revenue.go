package facilitatorserver

import (
	"math/big"
	"sync"
)

// revenueTracker aggregates settled actualAmount per network for the
// /status endpoint's revenue summary, per spec §4.7.
type revenueTracker struct {
	mu    sync.Mutex
	byNet map[string]*big.Int
	count map[string]int64
}

func newRevenueTracker() *revenueTracker {
	return &revenueTracker{
		byNet: make(map[string]*big.Int),
		count: make(map[string]int64),
	}
}

func (r *revenueTracker) record(networkID, amount string) {
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	total, ok := r.byNet[networkID]
	if !ok {
		total = new(big.Int)
		r.byNet[networkID] = total
	}
	total.Add(total, value)
	r.count[networkID]++
}

// Snapshot is the revenue summary at a point in time.
type Snapshot struct {
	Network         string `json:"network"`
	TotalSettled    string `json:"totalSettled"`
	SettlementCount int64  `json:"settlementCount"`
}

func (r *revenueTracker) snapshot() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.byNet))
	for net, total := range r.byNet {
		out = append(out, Snapshot{
			Network:         net,
			TotalSettled:    total.String(),
			SettlementCount: r.count[net],
		})
	}
	return out
}
