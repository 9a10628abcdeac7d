// Package validator wires every component into the three long-lived
// activities of spec.md §5: the main control loop (block wait, metagraph
// resync, weight-due check), the queue producer/consumer, and the
// handshake refresh loop.
package validator

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/SentiVerse-AI/soulx/internal/chain"
	"github.com/SentiVerse-AI/soulx/internal/configclient"
	"github.com/SentiVerse-AI/soulx/internal/dispatch"
	"github.com/SentiVerse-AI/soulx/internal/handshake"
	"github.com/SentiVerse-AI/soulx/internal/nodecache"
	"github.com/SentiVerse-AI/soulx/internal/queue"
	"github.com/SentiVerse-AI/soulx/internal/scoring"
	"github.com/SentiVerse-AI/soulx/internal/statestore"
	"github.com/SentiVerse-AI/soulx/internal/types"
	"github.com/SentiVerse-AI/soulx/internal/weights"
)

// Config bundles the runtime tunables the control loop needs, resolved
// from internal/config.Config at startup.
type Config struct {
	ValidatorID        string
	ValidatorHotkey    string
	MaxConcurrentTasks int
	Netuid             int
}

// AppContext is the constructor-injected dependency bag of spec.md §9's
// design note: every component is built once in cmd/validator/main.go and
// handed in here, rather than constructed lazily inside the loop.
type AppContext struct {
	Chain      chain.Client
	CC         *configclient.Client
	State      *statestore.Store
	Handshake  *handshake.Manager
	Nodes      *nodecache.Cache
	Queue      *queue.Queue
	Dispatcher *dispatch.Dispatcher
	History    *scoring.History
	Weights    *weights.Engine

	Cfg Config
	log log.Logger

	// state is the in-memory working copy of the durable checkpoint,
	// owned exclusively by controlLoop's single thread (spec.md §5
	// "never shares mutable state with the other loops except via the
	// thread-safe SS, CC, and ScoringHistory").
	state *types.ValidatorState
}

// New constructs an AppContext from already-built components.
func New(c chain.Client, cc *configclient.Client, state *statestore.Store, hm *handshake.Manager, nodes *nodecache.Cache, q *queue.Queue, dp *dispatch.Dispatcher, history *scoring.History, we *weights.Engine, cfg Config) *AppContext {
	return &AppContext{
		Chain: c, CC: cc, State: state, Handshake: hm, Nodes: nodes, Queue: q,
		Dispatcher: dp, History: history, Weights: we, Cfg: cfg,
		log: log.New("component", "validator"),
	}
}

// Run starts the three long-lived activities of spec.md §5 and blocks
// until ctx is cancelled (e.g. on SIGINT), then waits for all of them to
// return.
func (a *AppContext) Run(ctx context.Context) error {
	if err := a.bootstrap(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		a.Handshake.Run(ctx)
	}()

	go func() {
		defer wg.Done()
		queue.RunProducer(ctx, a.Queue, a.CC)
	}()

	go func() {
		defer wg.Done()
		queue.RunConsumer(ctx, a.Queue, a.Cfg.MaxConcurrentTasks, a.Dispatcher.Dispatch)
	}()

	a.controlLoop(ctx)
	wg.Wait()
	return nil
}

// stateStalenessFactor is the tempo multiple of spec.md §4.7: persisted
// state is only restored if it was checkpointed within this many tempos'
// worth of blocks of the current height; otherwise the validator starts
// fresh rather than resuming a stale or cross-reorg checkpoint.
const stateStalenessFactor = 1.5

// bootstrap performs the one-time startup sequence: load persisted state
// (subject to the tempo-proximity check of spec.md §4.7), resolve the
// initial metagraph, and seed the handshake manager's node cache before
// the long-lived loops start (spec.md §5 "at startup").
func (a *AppContext) bootstrap(ctx context.Context) error {
	state, err := a.State.LoadLatest()
	if err != nil {
		a.log.Warn("failed to load persisted state, starting fresh", "err", err)
		state = nil
	}

	currentBlock, err := a.Chain.CurrentBlock(ctx)
	if err != nil {
		a.log.Error("initial current block fetch failed", "err", err)
		return err
	}

	if state != nil {
		tempo, terr := a.Chain.Tempo(ctx)
		switch {
		case terr != nil:
			a.log.Warn("tempo fetch failed, discarding persisted state", "err", terr)
			state = nil
		case currentBlock < state.CurrentBlock || currentBlock-state.CurrentBlock >= uint64(float64(tempo)*stateStalenessFactor):
			a.log.Warn("persisted state too stale to restore, starting fresh",
				"checkpoint_block", state.CurrentBlock, "current_block", currentBlock, "tempo", tempo)
			state = nil
		}
	}
	if state == nil {
		state = types.NewValidatorState()
	}
	state.CurrentBlock = currentBlock

	neurons, err := a.Chain.Metagraph(ctx)
	if err != nil {
		a.log.Error("initial metagraph fetch failed", "err", err)
		return err
	}
	a.Handshake.SetNodes(neurons)
	a.Nodes.SetNodes(neurons)

	hotkeys := make(map[int]string, len(neurons))
	for _, n := range neurons {
		hotkeys[n.UID] = n.Hotkey
	}
	state.Resize(len(neurons), hotkeys, state.BlockAtRegistration)
	if err := a.State.Save(state); err != nil {
		a.log.Warn("failed to persist bootstrap state", "err", err)
	}
	a.state = state
	return nil
}

// controlLoop is the main long-lived activity of spec.md §5: wait for the
// next target block via the chain interface, resync the metagraph on
// wake, advance block counters, and invoke the weight engine only once
// both the chain-reported and locally-tracked blocks-since-last-weights
// counters clear weightsInterval (spec.md §4.6/§5), until ctx is
// cancelled.
func (a *AppContext) controlLoop(ctx context.Context) {
	tempo, err := a.Chain.Tempo(ctx)
	if err != nil {
		a.log.Error("tempo fetch failed, control loop cannot start", "err", err)
		return
	}
	weightsInterval := tempo / 2
	if weightsInterval == 0 {
		weightsInterval = 1
	}

	for {
		target := a.state.CurrentBlock + weightsInterval
		if err := a.Chain.WaitForBlock(ctx, target); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		current, err := a.Chain.CurrentBlock(ctx)
		if err != nil {
			a.log.Warn("current block fetch failed", "err", err)
			continue
		}
		advanced := current - a.state.CurrentBlock
		a.state.CurrentBlock = current
		a.state.TotalBlocksRun += advanced
		a.state.BlocksSinceLastWeights += advanced

		a.resyncMetagraph(ctx)
		a.maybeRunWeightCycle(ctx, weightsInterval)

		if err := a.State.Save(a.state); err != nil {
			a.log.Warn("failed to persist state", "err", err)
		}
	}
}

// resyncMetagraph refreshes the node cache and resizes the in-memory
// state's per-uid arrays to match the latest metagraph (spec.md §4.6
// step 1 / §8 property 3). It does not save state itself; the caller
// checkpoints once per control-loop iteration.
func (a *AppContext) resyncMetagraph(ctx context.Context) {
	neurons, err := a.Chain.Metagraph(ctx)
	if err != nil {
		a.log.Warn("metagraph resync failed", "err", err)
		return
	}
	a.Handshake.SetNodes(neurons)
	a.Nodes.SetNodes(neurons)

	hotkeys := make(map[int]string, len(neurons))
	for _, n := range neurons {
		hotkeys[n.UID] = n.Hotkey
	}
	a.state.Resize(len(neurons), hotkeys, a.state.BlockAtRegistration)
}

// maybeRunWeightCycle implements the weight-due gate of spec.md §4.6: the
// chain-reported blocks_since_last_update and the locally tracked
// blocks_since_last_weights must both clear weightsInterval before a
// submission is attempted. On success the local counter resets; on
// failure it is left untouched so the next aligned block retries
// (spec.md §4.6 failure semantics).
func (a *AppContext) maybeRunWeightCycle(ctx context.Context, weightsInterval uint64) {
	blocksSinceUpdate, err := a.Chain.BlocksSinceLastUpdate(ctx, a.Cfg.ValidatorHotkey)
	if err != nil {
		a.log.Warn("blocks since last update fetch failed, skipping weight check", "err", err)
		return
	}
	if blocksSinceUpdate < weightsInterval || a.state.BlocksSinceLastWeights < weightsInterval {
		return
	}

	if err := a.Weights.Run(ctx, time.Now()); err != nil {
		a.log.Error("weight setting cycle failed", "err", err)
		return
	}
	a.state.BlocksSinceLastWeights = 0
}
