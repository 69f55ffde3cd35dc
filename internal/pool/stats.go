package pool

import (
	"sync/atomic"

	"github.com/ash-systems/ash/internal/db"
)

// Stats is a point-in-time snapshot of pool state, spec.md §4.6
// "getStats() → PoolStats".
type Stats struct {
	ActiveCount  int
	WarmingCount int
	TotalCount   int
	// StateHistogram counts live entries per state.
	StateHistogram map[string]int

	ResumeWarmHits      int64
	ResumeColdLocalHits int64
	ResumeColdCloudHits int64
	ResumeColdFreshHits int64
	PreWarmHits         int64
}

// ResumeColdHits is the sum of the cold-hit sub-counters, spec.md §4.4
// "resumeColdHits (sub-divided into local, cloud, fresh)".
func (s Stats) ResumeColdHits() int64 {
	return s.ResumeColdLocalHits + s.ResumeColdCloudHits + s.ResumeColdFreshHits
}

// GetStats returns a snapshot of the pool's current state and counters.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	hist := make(map[string]int)
	active, warming := 0, 0
	for _, e := range p.live {
		hist[string(e.State)]++
		if e.State == db.SandboxRunning {
			active++
		}
		if e.State == db.SandboxWarming {
			warming++
		}
	}
	total := len(p.live)
	p.mu.Unlock()

	return Stats{
		ActiveCount:         active,
		WarmingCount:        warming,
		TotalCount:          total,
		StateHistogram:      hist,
		ResumeWarmHits:      atomic.LoadInt64(&p.stats.ResumeWarmHits),
		ResumeColdLocalHits: atomic.LoadInt64(&p.stats.ResumeColdLocalHits),
		ResumeColdCloudHits: atomic.LoadInt64(&p.stats.ResumeColdCloudHits),
		ResumeColdFreshHits: atomic.LoadInt64(&p.stats.ResumeColdFreshHits),
		PreWarmHits:         atomic.LoadInt64(&p.stats.PreWarmHits),
	}
}
