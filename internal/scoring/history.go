package scoring

import (
	"sync"
	"time"

	"github.com/SentiVerse-AI/soulx/internal/types"
)

// historyRetention is how long a ScoringResult survives before being
// pruned at a cycle boundary (spec.md §3 ScoringHistory).
const historyRetention = 24 * time.Hour

// movingAverageAlpha is the exponential smoothing factor for the
// historical score (spec.md §4.5).
const movingAverageAlpha = 0.3

// History is the in-memory per-hotkey scoring log. It is a passive store:
// callers Append results as dispatches complete and the weight engine
// reads CurrentCycleScore/HistoricalScore and calls Rollover at cycle
// boundaries. No method
// here calls back into the dispatcher (spec.md §9 design note).
type History struct {
	mu         sync.Mutex
	entries    map[string][]types.ScoringResult
	historical map[string]float64
}

// NewHistory returns an empty History.
func NewHistory() *History {
	return &History{
		entries:    make(map[string][]types.ScoringResult),
		historical: make(map[string]float64),
	}
}

// Append records one dispatch outcome for hotkey. taskWeight is the
// TaskConfig.Weight multiplier applied to the raw quality score before it
// enters the history (SPEC_FULL.md §5 supplemented feature).
func (h *History) Append(hotkey string, result types.ScoringResult, taskWeight float64) {
	// The fraud sentinel (spec.md §4.4) is deliberately outside [0,1] and
	// must never be clamped or scaled; weighting it here would silently
	// blunt the fraud penalty it exists to apply.
	if taskWeight > 0 && result.QualityScore != types.FraudScoreSentinel {
		result.QualityScore *= taskWeight
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[hotkey] = append(h.entries[hotkey], result)
}

// CurrentCycleScore returns the arithmetic mean of hotkey's entries in the
// current cycle, and whether any entries exist.
func (h *History) CurrentCycleScore(hotkey string) (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.entries[hotkey]
	if len(entries) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, e := range entries {
		sum += e.QualityScore
	}
	return sum / float64(len(entries)), true
}

// HistoricalScore returns the exponentially smoothed mean of past cycle
// averages for hotkey, or 0 if the hotkey has no history yet.
func (h *History) HistoricalScore(hotkey string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.historical[hotkey]
}

// Hotkeys returns every hotkey with at least one entry in the current
// cycle. The weight engine does not call it; it iterates the metagraph.
func (h *History) Hotkeys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.entries))
	for hk, entries := range h.entries {
		if len(entries) > 0 {
			out = append(out, hk)
		}
	}
	return out
}

// Rollover folds every hotkey's current-cycle mean into its exponentially
// smoothed historical score, then clears the current cycle (spec.md §4.6
// step 11). Entries older than 24h are dropped from the computation
// regardless, per the ScoringHistory retention rule of spec.md §3/§4.5 —
// relevant when a hotkey has gone quiet and its stale entries shouldn't
// drag the cycle mean down. Called by the weight engine only after a
// successful weight submission; on failure the cycle is left untouched
// (spec.md §4.6 failure semantics), so Rollover never needs to run
// defensively for memory bounding.
func (h *History) Rollover(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := now.Add(-historyRetention)
	for hotkey, entries := range h.entries {
		sum, n := 0.0, 0
		for _, e := range entries {
			if e.Timestamp.After(cutoff) {
				sum += e.QualityScore
				n++
			}
		}
		if n > 0 {
			cycleMean := sum / float64(n)
			prev, seeded := h.historical[hotkey]
			if !seeded {
				h.historical[hotkey] = cycleMean
			} else {
				h.historical[hotkey] = movingAverageAlpha*cycleMean + (1-movingAverageAlpha)*prev
			}
		}
		delete(h.entries, hotkey)
	}
}
