// Package dispatch implements the Dispatcher (DP, spec.md §4.3): given one
// dequeued task, it selects contenders, acquires exclusive leases, issues
// the miner HTTP query, scores the result, reports rewards, and releases
// leases.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/SentiVerse-AI/soulx/internal/configclient"
	"github.com/SentiVerse-AI/soulx/internal/scoring"
	"github.com/SentiVerse-AI/soulx/internal/types"
)

// ErrNoContenders is returned when a task has no eligible contender at
// all (not even a skipped-busy one); the caller retries per spec.md §4.3
// step 4.
var ErrNoContenders = errors.New("dispatch: no contenders available")

// MaxRetries and RetryBackoff implement spec.md §4.3 step 4: up to 3 full
// contender-loop attempts, with a fixed backoff between attempts.
const (
	MaxRetries   = 3
	RetryBackoff = 30 * time.Second
)

// SessionLookup is the subset of internal/handshake.Manager the
// dispatcher needs.
type SessionLookup interface {
	Get(hotkey string) (types.Session, bool)
}

// HistoryAppender is the subset of internal/scoring.History the
// dispatcher needs.
type HistoryAppender interface {
	Append(hotkey string, result types.ScoringResult, taskWeight float64)
}

// MinerAddressResolver maps a miner's (ip, port) to the base URL the
// QueryClient should hit. Kept pluggable because the wire scheme
// (http/https) is an operational choice outside this spec's concern.
type MinerAddressResolver func(ip string, port int) string

// DefaultAddressResolver builds a plain-HTTP address, the scheme spec.md
// §4.3 uses in its streaming contract example.
func DefaultAddressResolver(ip string, port int) string {
	return fmt.Sprintf("http://%s:%d", ip, port)
}

// Config bundles the Dispatcher's fixed policy knobs.
type Config struct {
	// TopX limits contender selection to the top N candidates (1 in
	// local-development mode, spec.md §4.3 step 2). Zero means unlimited.
	TopX int
	Strategy configclient.ContenderStrategy
	SusMode  bool
	AddressResolver MinerAddressResolver
	// CapacityToScoreMultiplier is CAPACITY_TO_SCORE_MULTIPLIER (spec.md
	// §6), a global ceiling applied on top of the per-contender
	// capacity/max_capacity ratio before it reaches the scorer
	// (SPEC_FULL.md §5). Zero or negative is treated as 1.0; the
	// capacity/max_capacity ratio still applies.
	CapacityToScoreMultiplier float64
}

// Dispatcher is the per-task dispatch procedure of spec.md §4.3.
type Dispatcher struct {
	cc      *configclient.Client
	leases  *LeaseManager
	session SessionLookup
	history HistoryAppender
	cfg     Config
	log     log.Logger

	nodeLookup func(hotkey string) (ip string, port int, ok bool)
}

// NewDispatcher constructs a Dispatcher. nodeLookup resolves a miner
// hotkey to its current (ip, port), typically backed by the chain
// client's cached metagraph.
func NewDispatcher(cc *configclient.Client, leases *LeaseManager, session SessionLookup, history HistoryAppender, cfg Config, nodeLookup func(string) (string, int, bool)) *Dispatcher {
	if cfg.AddressResolver == nil {
		cfg.AddressResolver = DefaultAddressResolver
	}
	return &Dispatcher{cc: cc, leases: leases, session: session, history: history, cfg: cfg, log: log.New("component", "dispatch"), nodeLookup: nodeLookup}
}

// contenderOutcome is the per-contender result of one dispatch attempt.
type contenderOutcome struct {
	skippedBusy bool
	succeeded   bool
}

// Dispatch runs the full per-task procedure of spec.md §4.3 steps 1-5,
// including the retry loop of step 4.
func (d *Dispatcher) Dispatch(ctx context.Context, task types.Task) error {
	_ = d.cc.SetTaskStatus(ctx, task.TaskID, "processing", "")

	var lastErr error
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		anySucceeded, err := d.attemptOnce(ctx, task)
		if anySucceeded {
			_ = d.cc.CompleteTask(ctx, task.TaskID, map[string]any{"attempt": attempt})
			return nil
		}
		lastErr = err
		if attempt < MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(RetryBackoff):
			}
		}
	}

	errMsg := "all contenders failed"
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	_ = d.cc.SetTaskStatus(ctx, task.TaskID, "failed", errMsg)
	return fmt.Errorf("dispatch: task %s failed after %d attempts: %s", task.TaskID, MaxRetries, errMsg)
}

// attemptOnce runs one full contender loop (spec.md §4.3 steps 2-3) and
// returns whether at least one contender succeeded.
func (d *Dispatcher) attemptOnce(ctx context.Context, task types.Task) (bool, error) {
	topX := d.cfg.TopX
	contenders, err := d.cc.SelectContenders(ctx, task.TaskType, topX, d.cfg.Strategy)
	if err != nil {
		return false, fmt.Errorf("select contenders: %w", err)
	}
	if len(contenders) == 0 {
		return false, ErrNoContenders
	}

	cfg, err := d.cc.TaskConfig(ctx, task.TaskType)
	if err != nil || !cfg.Enabled {
		return false, fmt.Errorf("resolve task config for %s: %w", task.TaskType, err)
	}

	anySucceeded := false
	for _, contender := range contenders {
		outcome := d.tryContender(ctx, task, cfg, contender)
		if outcome.succeeded {
			anySucceeded = true
		}
	}
	return anySucceeded, nil
}

// tryContender implements spec.md §4.3 step 3 (a)-(h) for one contender.
func (d *Dispatcher) tryContender(ctx context.Context, task types.Task, cfg types.TaskConfig, contender types.Contender) contenderOutcome {
	// (a) lease check
	busy, err := d.leases.Check(ctx, contender.NodeHotkey)
	if err != nil {
		d.log.Debug("lease check failed, skipping contender defensively", "hotkey", contender.NodeHotkey, "err", err)
		d.reportFailure(ctx, contender)
		return contenderOutcome{}
	}
	if busy {
		d.log.Debug("contender busy, skipping", "hotkey", contender.NodeHotkey, "task", task.TaskID)
		return contenderOutcome{skippedBusy: true}
	}

	// (b) lease acquire
	if err := d.leases.Acquire(ctx, contender.NodeHotkey, task.TaskID, task.TaskType, task.ValidatorHotkey); err != nil {
		d.log.Debug("lease acquire failed, skipping contender", "hotkey", contender.NodeHotkey, "err", err)
		d.reportFailure(ctx, contender)
		return contenderOutcome{}
	}
	defer d.leases.Release(ctx, contender.NodeHotkey)

	// (c) resolve endpoint already done by caller (cfg); bail if disabled
	if !cfg.Enabled || cfg.Endpoint == "" {
		d.reportFailure(ctx, contender)
		return contenderOutcome{}
	}

	// (d) resolve session
	session, ok := d.session.Get(contender.NodeHotkey)
	if !ok || !session.OK {
		d.log.Debug("no valid session for contender, failing", "hotkey", contender.NodeHotkey)
		d.reportFailure(ctx, contender)
		return contenderOutcome{}
	}

	ip, port, ok := d.nodeLookup(contender.NodeHotkey)
	if !ok {
		d.reportFailure(ctx, contender)
		return contenderOutcome{}
	}
	address := d.cfg.AddressResolver(ip, port)

	qctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	qc := NewQueryClient(cfg.Timeout())
	inputChars := inputCharacterCount(task.QueryPayload)

	var result types.QueryResult
	var qerr error
	if cfg.IsStream {
		result, qerr = qc.Stream(qctx, address, cfg, session, task.QueryPayload, inputChars)
	} else {
		result, qerr = qc.NonStream(qctx, address, cfg, session, task.QueryPayload)
	}
	result.NodeID = contender.NodeID
	result.NodeHotkey = contender.NodeHotkey
	if qerr != nil {
		d.log.Debug("query transport error", "hotkey", contender.NodeHotkey, "err", qerr)
		d.reportFailure(ctx, contender)
		return contenderOutcome{}
	}

	// (f) score
	quality, observedMetric, observedStreamMetric := d.score(result, task.QueryPayload, cfg, inputChars, contender)

	if d.cfg.SusMode && scoring.DetectFraud(contender.ClaimedMetric, observedMetric, contender.ClaimedStreamMetric, observedStreamMetric) {
		quality = types.FraudScoreSentinel
	}

	// (g) report reward
	reward := types.RewardData{
		ID:              uuid.NewString(),
		Task:            task.TaskType,
		NodeID:          contender.NodeID,
		NodeHotkey:      contender.NodeHotkey,
		ValidatorHotkey: task.ValidatorHotkey,
		SyntheticQuery:  true,
		QualityScore:    quality,
		ResponseTime:    result.ResponseTime.Seconds(),
		Volume:          observedMetric * result.ResponseTime.Seconds(),
		Metric:          observedMetric,
		StreamMetric:    observedStreamMetric,
		CreatedAt:       time.Now(),
	}
	if err := d.cc.ReportReward(ctx, reward); err != nil {
		d.log.Warn("report reward failed", "hotkey", contender.NodeHotkey, "err", err)
	}

	d.updateContenderStats(ctx, contender, result)
	d.history.Append(contender.NodeHotkey, types.ScoringResult{
		QualityScore:   quality,
		Timestamp:      reward.CreatedAt,
		SyntheticQuery: true,
		ResponseTime:   reward.ResponseTime,
		Success:        result.Success,
		StatusCode:     result.StatusCode,
	}, cfg.Weight)

	return contenderOutcome{succeeded: result.Success && quality > 0}
}

func (d *Dispatcher) score(result types.QueryResult, payload map[string]any, cfg types.TaskConfig, inputChars int, contender types.Contender) (quality, metric, streamMetric float64) {
	params := scoring.Params{
		Result:             result,
		TaskConfig:         cfg,
		InputCharCount:     inputChars,
		CapacityMultiplier: capacityMultiplier(d.cfg.CapacityToScoreMultiplier, contender.Capacity, cfg.MaxCapacity),
	}
	if cfg.TaskType == types.TaskTypeImage {
		params.ImageSteps, params.ImageWidth, params.ImageHeight = imageDims(payload)
	}
	quality = scoring.Score(params)
	metric, streamMetric = scoring.ComputeMetrics(params)
	return quality, metric, streamMetric
}

// capacityMultiplier implements work_and_speed_functions.py's
// capacity_adjusted_metric = metric * min(1, capacity/observed_capacity),
// scaled by the configured global multiplier (spec.md §6
// CAPACITY_TO_SCORE_MULTIPLIER). maxCapacity<=0 means the task config
// carries no capacity ceiling, in which case the ratio is skipped
// entirely (local/dev mode).
func capacityMultiplier(globalMult, contenderCapacity, maxCapacity float64) float64 {
	if globalMult <= 0 {
		globalMult = 1.0
	}
	if maxCapacity <= 0 {
		return globalMult
	}
	ratio := contenderCapacity / maxCapacity
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	return ratio * globalMult
}

func (d *Dispatcher) reportFailure(ctx context.Context, contender types.Contender) {
	if err := d.cc.ReportStats(ctx, contender.ContenderID, contender.TotalRequestsMade+1, contender.Requests429, contender.Requests500+1); err != nil {
		d.log.Debug("report stats failed", "contender", contender.ContenderID, "err", err)
	}
}

func (d *Dispatcher) updateContenderStats(ctx context.Context, contender types.Contender, result types.QueryResult) {
	req429, req500 := contender.Requests429, contender.Requests500
	switch {
	case result.StatusCode == 429:
		req429++
	case result.StatusCode >= 500:
		req500++
	}
	if err := d.cc.ReportStats(ctx, contender.ContenderID, contender.TotalRequestsMade+1, req429, req500); err != nil {
		d.log.Debug("report stats failed", "contender", contender.ContenderID, "err", err)
	}
}

// inputCharacterCount implements spec.md §4.4 step 2: from payload.prompt,
// or by summing content lengths across payload.messages[*] (list-form
// content summed over type=="text" items).
func inputCharacterCount(payload map[string]any) int {
	if prompt, ok := payload["prompt"].(string); ok {
		return len(prompt)
	}
	messages, ok := payload["messages"].([]any)
	if !ok {
		return 0
	}
	total := 0
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		switch content := msg["content"].(type) {
		case string:
			total += len(content)
		case []any:
			for _, part := range content {
				p, ok := part.(map[string]any)
				if !ok {
					continue
				}
				if t, _ := p["type"].(string); t == "text" {
					if text, ok := p["text"].(string); ok {
						total += len(text)
					}
				}
			}
		}
	}
	return total
}

func imageDims(payload map[string]any) (steps, width, height float64) {
	steps = floatField(payload, "steps", 20)
	width = floatField(payload, "width", 512)
	height = floatField(payload, "height", 512)
	return
}

func floatField(payload map[string]any, key string, def float64) float64 {
	if v, ok := payload[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return def
}
