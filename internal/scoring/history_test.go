package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SentiVerse-AI/soulx/internal/types"
)

func TestHistoryAppendAppliesTaskWeight(t *testing.T) {
	h := NewHistory()
	h.Append("hotkey1", types.ScoringResult{QualityScore: 0.5, Success: true}, 2.0)

	score, ok := h.CurrentCycleScore("hotkey1")
	require.True(t, ok)
	assert.Equal(t, 1.0, score)
}

func TestHistoryAppendZeroWeightLeavesScoreUnscaled(t *testing.T) {
	h := NewHistory()
	h.Append("hotkey1", types.ScoringResult{QualityScore: 0.5, Success: true}, 0)

	score, ok := h.CurrentCycleScore("hotkey1")
	require.True(t, ok)
	assert.Equal(t, 0.5, score)
}

func TestCurrentCycleScoreAveragesEntries(t *testing.T) {
	h := NewHistory()
	h.Append("hotkey1", types.ScoringResult{QualityScore: 0.2}, 1)
	h.Append("hotkey1", types.ScoringResult{QualityScore: 0.8}, 1)

	score, ok := h.CurrentCycleScore("hotkey1")
	require.True(t, ok)
	assert.InDelta(t, 0.5, score, 1e-9)
}

func TestCurrentCycleScoreNoEntries(t *testing.T) {
	h := NewHistory()
	_, ok := h.CurrentCycleScore("missing")
	assert.False(t, ok)
}

func TestRolloverSeedsHistoricalOnFirstCycle(t *testing.T) {
	h := NewHistory()
	now := time.Unix(1000, 0)
	h.Append("hotkey1", types.ScoringResult{QualityScore: 0.6, Timestamp: now}, 1)

	h.Rollover(now)

	assert.Equal(t, 0.6, h.HistoricalScore("hotkey1"))
	_, ok := h.CurrentCycleScore("hotkey1")
	assert.False(t, ok, "current cycle should be cleared after rollover")
}

func TestRolloverAppliesExponentialSmoothing(t *testing.T) {
	h := NewHistory()
	now := time.Unix(2000, 0)
	h.Append("hotkey1", types.ScoringResult{QualityScore: 1.0, Timestamp: now}, 1)
	h.Rollover(now)
	require.Equal(t, 1.0, h.HistoricalScore("hotkey1"))

	later := now.Add(time.Hour)
	h.Append("hotkey1", types.ScoringResult{QualityScore: 0.0, Timestamp: later}, 1)
	h.Rollover(later)

	// alpha=0.3: 0.3*0 + 0.7*1.0 = 0.7
	assert.InDelta(t, 0.7, h.HistoricalScore("hotkey1"), 1e-9)
}

func TestRolloverIgnoresEntriesOlderThanRetention(t *testing.T) {
	h := NewHistory()
	now := time.Unix(10_000, 0)
	stale := now.Add(-25 * time.Hour)
	h.Append("hotkey1", types.ScoringResult{QualityScore: 0.9, Timestamp: stale}, 1)

	h.Rollover(now)

	assert.Equal(t, 0.0, h.HistoricalScore("hotkey1"), "stale entry must not seed historical score")
}

func TestHotkeysListsOnlyNonEmptyEntries(t *testing.T) {
	h := NewHistory()
	h.Append("hotkey1", types.ScoringResult{QualityScore: 0.5}, 1)

	hotkeys := h.Hotkeys()
	assert.ElementsMatch(t, []string{"hotkey1"}, hotkeys)
}
