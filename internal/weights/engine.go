// Package weights implements the weight engine (WE, spec.md §4.6): the
// periodic routine that combines stake, current-cycle quality, and
// historical quality into a normalized per-UID weight vector and submits
// it on-chain.
package weights

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"

	"github.com/SentiVerse-AI/soulx/internal/types"
)

const (
	// StakeShare, CurrentCycleShare and HistoricalShare are the scoring
	// weights of spec.md §9 design note: "not parameterized in the
	// source; treat as constants but surface in a single config struct."
	StakeShare        = 0.2
	CurrentCycleShare = 0.7
	HistoricalShare   = 0.1

	// FinalMinScore is the floor below which a final score is replaced by
	// a uniform random substitute (spec.md §4.6 step 5).
	FinalMinScore = 0.8
	// FinalMaxScore is the corresponding ceiling.
	FinalMaxScore = 1.0

	// MinWeightThreshold zeroes out any weight below it before
	// normalization (spec.md §4.6 step 8).
	MinWeightThreshold = 0.001
)

// ErrBlacklisted is returned by Run when this validator's hotkey is
// blacklisted; weight submission must be refused entirely.
var ErrBlacklisted = errors.New("weights: validator hotkey is blacklisted")

// ChainClient is the subset of internal/chain.Client the weight engine
// needs.
type ChainClient interface {
	Metagraph(ctx context.Context) ([]types.Neuron, error)
	SetWeights(ctx context.Context, uids []int, weightsPermil []uint16, versionKey uint64, waitForInclusion bool) error
}

// PolicyClient is the subset of internal/configclient.Client the weight
// engine needs for whitelist/blacklist/penalty/owner-default lookups.
type PolicyClient interface {
	Whitelist(ctx context.Context) ([]string, error)
	Blacklist(ctx context.Context) ([]string, error)
	PenaltyCoefficient(ctx context.Context) (float64, error)
	OwnerDefaultScore(ctx context.Context) (float64, error)
	OwnerUID(ctx context.Context) (int, error)
}

// Config bundles the tunables of spec.md §6/§9 that govern one weight
// submission cycle.
type Config struct {
	ValidatorHotkey string
	VersionKey      uint64
	CheckNodeActive bool
	// RandSource lets tests make step 5's uniform-random substitution
	// deterministic; nil uses the package-level math/rand source.
	RandSource *rand.Rand
}

// Engine drives one weight-setting cycle at a time. It is not safe for
// concurrent Run calls; the main control loop serializes invocations
// (spec.md §5 ordering guarantees).
type Engine struct {
	chain   ChainClient
	policy  PolicyClient
	history scoringHistory
	cfg     Config
	log     log.Logger
}

// scoringHistory is the minimal view Engine needs from *scoring.History,
// kept as an interface here to avoid an import cycle and to make Engine
// trivially testable with a fake.
type scoringHistory interface {
	CurrentCycleScore(hotkey string) (float64, bool)
	HistoricalScore(hotkey string) float64
	Rollover(now time.Time)
}

// NewEngine constructs a weight Engine.
func NewEngine(chain ChainClient, policy PolicyClient, history scoringHistory, cfg Config) *Engine {
	return &Engine{chain: chain, policy: policy, history: history, cfg: cfg, log: log.New("component", "weights")}
}

// Run executes one full weight-setting cycle (spec.md §4.6 steps 1-11).
// now is passed in (rather than read from time.Now) so callers can control
// the clock in tests and so the final rollover timestamp matches the
// moment the cycle was evaluated.
func (e *Engine) Run(ctx context.Context, now time.Time) error {
	neurons, err := e.chain.Metagraph(ctx)
	if err != nil {
		return fmt.Errorf("weights: fetch metagraph: %w", err)
	}

	whitelist, err := e.policy.Whitelist(ctx)
	if err != nil {
		return fmt.Errorf("weights: fetch whitelist: %w", err)
	}
	blacklist, err := e.policy.Blacklist(ctx)
	if err != nil {
		return fmt.Errorf("weights: fetch blacklist: %w", err)
	}
	whitelistSet := mapset.NewThreadUnsafeSet(whitelist...)
	blacklistSet := mapset.NewThreadUnsafeSet(blacklist...)

	if blacklistSet.Contains(e.cfg.ValidatorHotkey) {
		e.log.Warn("validator hotkey is blacklisted, refusing to submit weights", "hotkey", e.cfg.ValidatorHotkey)
		return ErrBlacklisted
	}

	penalty := 1.0
	if !whitelistSet.Contains(e.cfg.ValidatorHotkey) {
		penalty, err = e.policy.PenaltyCoefficient(ctx)
		if err != nil {
			return fmt.Errorf("weights: fetch penalty coefficient: %w", err)
		}
		e.log.Info("validator not whitelisted, applying penalty coefficient", "penalty", penalty)
	}

	totalStake := 0.0
	for _, n := range neurons {
		if eligible(n, e.cfg.CheckNodeActive) {
			totalStake += n.Stake
		}
	}

	type scored struct {
		uid   int
		score float64
	}
	var candidates []scored

	rnd := e.cfg.RandSource
	if rnd == nil {
		rnd = rand.New(rand.NewSource(now.UnixNano()))
	}

	for _, n := range neurons {
		if !eligible(n, e.cfg.CheckNodeActive) {
			continue
		}
		cycleScore, hasCycle := e.history.CurrentCycleScore(n.Hotkey)
		if !hasCycle || cycleScore <= 0 {
			continue // step 6: include only if current_cycle_score > 0
		}
		historical := e.history.HistoricalScore(n.Hotkey)

		stakeWeight := 0.0
		if totalStake > 0 {
			stakeWeight = (n.Stake / totalStake) * StakeShare
		}
		final := stakeWeight + cycleScore*CurrentCycleShare + historical*HistoricalShare

		if final < FinalMinScore || final > FinalMaxScore {
			final = round2(FinalMinScore + rnd.Float64()*(FinalMaxScore-FinalMinScore))
		}
		final *= penalty

		if final < MinWeightThreshold {
			final = 0
		}
		if final > 0 {
			candidates = append(candidates, scored{uid: n.UID, score: final})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].uid < candidates[j].uid })

	sum := 0.0
	for _, c := range candidates {
		sum += c.score
	}

	uids := make([]int, 0, len(candidates))
	weightsPermil := make([]uint16, 0, len(candidates))

	if sum == 0 {
		ownerUID, err := e.policy.OwnerUID(ctx)
		if err != nil {
			return fmt.Errorf("weights: fetch owner uid: %w", err)
		}
		ownerScore, err := e.policy.OwnerDefaultScore(ctx)
		if err != nil {
			return fmt.Errorf("weights: fetch owner default score: %w", err)
		}
		uids = append(uids, ownerUID)
		weightsPermil = append(weightsPermil, toPermil(ownerScore))
	} else {
		for _, c := range candidates {
			uids = append(uids, c.uid)
			weightsPermil = append(weightsPermil, toPermil(c.score/sum))
		}
	}

	if err := e.chain.SetWeights(ctx, uids, weightsPermil, e.cfg.VersionKey, true); err != nil {
		return fmt.Errorf("weights: submit: %w", err)
	}

	e.history.Rollover(now)
	e.log.Info("weights submitted", "uids", len(uids))
	return nil
}

func eligible(n types.Neuron, checkActive bool) bool {
	if n.IP == "" || n.IP == "0.0.0.0" {
		return false
	}
	if n.IsValidator() {
		return false
	}
	if checkActive && !n.Active {
		return false
	}
	return true
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

// toPermil expresses a [0,1] weight as a per-65535 fixed-point value, the
// integer form chain weight vectors are submitted in.
func toPermil(w float64) uint16 {
	if w <= 0 {
		return 0
	}
	if w >= 1 {
		return 65535
	}
	return uint16(w * 65535)
}
