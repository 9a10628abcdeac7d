// Package scoring implements the pure per-result quality scorer
// (spec.md §4.4) and the per-hotkey scoring history with exponential
// moving average (spec.md §4.5).
package scoring

import (
	"math"
	"strings"

	"github.com/SentiVerse-AI/soulx/internal/types"
)

// CharacterToTokenConversion is the fixed character/token ratio used to
// estimate input token counts from prompt character length.
const CharacterToTokenConversion = 4.0

// taskFamily classifies a task id into the scorer's base-score table
// (spec.md §4.4 step 5).
type taskFamily int

const (
	familyChat taskFamily = iota
	familyImage
	familyAvatar
	familyGeneric
)

func classifyFamily(taskID string) taskFamily {
	lower := strings.ToLower(taskID)
	switch {
	case strings.Contains(lower, "avatar"):
		return familyAvatar
	case strings.Contains(lower, "image"):
		return familyImage
	case strings.Contains(lower, "chat"), strings.Contains(lower, "comp"), strings.Contains(lower, "llama"):
		return familyChat
	default:
		return familyGeneric
	}
}

// Params bundles the inputs the scorer needs beyond QueryResult.
type Params struct {
	Result            types.QueryResult
	TaskConfig        types.TaskConfig
	InputCharCount    int
	ImageSteps        float64
	ImageWidth        float64
	ImageHeight       float64
	// CapacityMultiplier scales the observed metric before the performance
	// factor is applied (CAPACITY_TO_SCORE_MULTIPLIER, spec §6, wired per
	// SPEC_FULL.md §5). Zero or negative means "not capacity-limited" (1.0).
	CapacityMultiplier float64
}

// ComputeMetrics computes the raw volume-per-second and stream
// tokens-per-second metrics of spec.md §4.4 step 3/4, independent of the
// final [0,1] quality score. Callers that need the observed metrics for
// reward reporting or sus-mode fraud comparison should call this instead
// of re-deriving volume/numTokens themselves.
func ComputeMetrics(p Params) (metric, streamMetric float64) {
	r := p.Result
	respSecs := r.ResponseTime.Seconds()
	volume, numTokens := computeVolumeAndTokens(p)
	metric = safeDiv(volume, respSecs)
	if streamSecs := r.StreamTime.Seconds(); streamSecs > 0 {
		streamMetric = float64(numTokens) / streamSecs
	}
	return metric, streamMetric
}

// Score implements spec.md §4.4 end to end and returns a value in [0,1].
// It never returns the fraud sentinel; callers substitute
// types.FraudScoreSentinel themselves when DetectFraud reports a mismatch.
func Score(p Params) float64 {
	r := p.Result

	if !r.Success || r.StatusCode != 200 {
		return 0.0
	}
	respSecs := r.ResponseTime.Seconds()
	if respSecs > 30 {
		return 0.1
	}

	metric, streamMetric := ComputeMetrics(p)

	capMult := p.CapacityMultiplier
	if capMult <= 0 {
		capMult = 1.0
	}
	adjMetric := metric * capMult

	base := baseScore(classifyFamily(p.TaskConfig.Task), r, respSecs, adjMetric, streamMetric)
	base = math.Min(base, 1.0)

	base *= statusFactor(r.StatusCode)
	base *= 0.8 + 0.2*math.Min(adjMetric/100, 1)
	base *= 0.9 + 0.1*math.Min(streamMetric/50, 1)

	return clamp01(base)
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func statusFactor(status int) float64 {
	switch status {
	case 200:
		return 1.0
	case 400:
		return 0.3
	case 429:
		return 0.2
	default:
		if status >= 500 && status < 600 {
			return 0.1
		}
		return 0.5
	}
}

// computeVolumeAndTokens implements step 3 of spec.md §4.4.
func computeVolumeAndTokens(p Params) (volume float64, numTokens int) {
	if p.TaskConfig.TaskType == types.TaskTypeImage {
		volume = p.ImageSteps * (p.ImageWidth / 128) * (p.ImageHeight / 128)
		return volume, int(volume)
	}

	// completion-style vs chat-style parsing (choices[0].text vs
	// delta/message content) already happened in internal/dispatch's
	// stream reader; both land in Content here.
	charCount := 0
	for _, chunk := range p.Result.FormattedResponse {
		charCount += len(chunk.Content)
	}
	numTokens = len(p.Result.FormattedResponse)
	if charCount == 0 {
		return 1, 1
	}
	volume = float64(charCount)/CharacterToTokenConversion + (float64(p.InputCharCount)/CharacterToTokenConversion)*0.2
	return volume, numTokens
}

func baseScore(fam taskFamily, r types.QueryResult, respSecs, metric, streamMetric float64) float64 {
	score := 0.5
	switch fam {
	case familyChat:
		contentLen := 0
		containsGreeting := false
		for _, c := range r.FormattedResponse {
			contentLen += len(c.Content)
			low := strings.ToLower(c.Content)
			if strings.Contains(low, "hello") || strings.Contains(low, "hi") {
				containsGreeting = true
			}
		}
		if contentLen > 10 {
			score += 0.2
		}
		if containsGreeting {
			score += 0.1
		}
		if metric > 100 {
			score += 0.2
		} else if metric > 50 {
			score += 0.1
		}
		if streamMetric > 50 {
			score += 0.1
		}
	case familyImage:
		if respSecs < 10 {
			score += 0.2
		} else if respSecs < 20 {
			score += 0.1
		}
		if metric > 50 {
			score += 0.2
		} else if metric > 20 {
			score += 0.1
		}
	case familyAvatar:
		if respSecs < 30 {
			score += 0.2
		} else if respSecs < 60 {
			score += 0.1
		}
		if metric > 30 {
			score += 0.2
		} else if metric > 10 {
			score += 0.1
		}
	default: // familyGeneric
		if respSecs < 15 {
			score += 0.2
		} else if respSecs < 30 {
			score += 0.1
		}
		if metric > 100 {
			score += 0.2
		} else if metric > 50 {
			score += 0.1
		}
	}
	return score
}

// DetectFraud implements the sus-mode fraud check of spec.md §4.4: if the
// claimed metrics deviate from observed by more than 50%, the caller
// should emit RewardData with types.FraudScoreSentinel instead of the
// normal Score() output.
func DetectFraud(claimedMetric, observedMetric, claimedStreamMetric, observedStreamMetric float64) bool {
	return deviates(claimedMetric, observedMetric) || deviates(claimedStreamMetric, observedStreamMetric)
}

func deviates(claimed, observed float64) bool {
	if claimed == 0 {
		return false
	}
	diff := math.Abs(claimed-observed) / math.Abs(claimed)
	return diff > 0.5
}
