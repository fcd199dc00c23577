package saga

import "sync"

// ring is a bounded, concurrency-safe history of saga results.
type ring struct {
	mu      sync.RWMutex
	results []Result
	max     int
}

func newRing(max int) *ring {
	if max < 1 {
		max = 1
	}
	return &ring{max: max}
}

func (r *ring) add(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.results = append(r.results, res)
	if len(r.results) > r.max {
		r.results = r.results[len(r.results)-r.max:]
	}
}

// recent returns up to n results, newest first.
func (r *ring) recent(n int) []Result {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > len(r.results) {
		n = len(r.results)
	}
	out := make([]Result, 0, n)
	for i := len(r.results) - 1; i >= len(r.results)-n; i-- {
		out = append(out, r.results[i])
	}
	return out
}
