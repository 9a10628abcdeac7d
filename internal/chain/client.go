// Package chain implements the Chain Interface (CI, spec.md §4.1 of the
// SYSTEM OVERVIEW / §2 COMPONENT list): a read-only view of the subnet
// metagraph, a block-wait primitive, and weight submission. No gRPC/
// protobuf schema was available in the retrieval pack (see DESIGN.md), so
// this is a thin JSON-over-HTTP client against a chain gateway, shaped the
// way the teacher's ethclient wraps its JSON-RPC transport.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/SentiVerse-AI/soulx/internal/types"
)

// Client is the Chain Interface surface the rest of the validator core
// depends on.
type Client interface {
	// Metagraph returns the current neuron list.
	Metagraph(ctx context.Context) ([]types.Neuron, error)
	// CurrentBlock returns the current block height.
	CurrentBlock(ctx context.Context) (uint64, error)
	// WaitForBlock blocks until the chain reaches target or ctx is done.
	WaitForBlock(ctx context.Context, target uint64) error
	// Tempo returns the subnet's epoch length in blocks.
	Tempo(ctx context.Context) (uint64, error)
	// BlocksSinceLastUpdate returns how many blocks have elapsed since
	// this validator's hotkey last appeared in a submitted weight vector.
	BlocksSinceLastUpdate(ctx context.Context, hotkey string) (uint64, error)
	// SetWeights submits a weight vector and waits for on-chain inclusion
	// when waitForInclusion is set.
	SetWeights(ctx context.Context, uids []int, weightsPermil []uint16, versionKey uint64, waitForInclusion bool) error
}

// httpClient is the default Client implementation.
type httpClient struct {
	baseURL string
	netuid  int
	hc      *retryablehttp.Client
	poll    time.Duration
}

// New returns a Client talking to a chain gateway at baseURL for the given
// netuid. pollInterval governs how often WaitForBlock re-checks the
// current height.
func New(baseURL string, netuid int, pollInterval time.Duration) Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 3
	hc.Logger = nil
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &httpClient{baseURL: baseURL, netuid: netuid, hc: hc, poll: pollInterval}
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chain: GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *httpClient) Metagraph(ctx context.Context) ([]types.Neuron, error) {
	var neurons []types.Neuron
	if err := c.get(ctx, fmt.Sprintf("/metagraph/%d", c.netuid), &neurons); err != nil {
		return nil, fmt.Errorf("chain: metagraph: %w", err)
	}
	return neurons, nil
}

func (c *httpClient) CurrentBlock(ctx context.Context) (uint64, error) {
	var out struct {
		Block uint64 `json:"block"`
	}
	if err := c.get(ctx, "/block", &out); err != nil {
		return 0, fmt.Errorf("chain: current block: %w", err)
	}
	return out.Block, nil
}

func (c *httpClient) Tempo(ctx context.Context) (uint64, error) {
	var out struct {
		Tempo uint64 `json:"tempo"`
	}
	if err := c.get(ctx, fmt.Sprintf("/tempo/%d", c.netuid), &out); err != nil {
		return 0, fmt.Errorf("chain: tempo: %w", err)
	}
	return out.Tempo, nil
}

func (c *httpClient) BlocksSinceLastUpdate(ctx context.Context, hotkey string) (uint64, error) {
	var out struct {
		Blocks uint64 `json:"blocks_since_last_update"`
	}
	if err := c.get(ctx, fmt.Sprintf("/blocks_since_last_update/%d/%s", c.netuid, hotkey), &out); err != nil {
		return 0, fmt.Errorf("chain: blocks since last update: %w", err)
	}
	return out.Blocks, nil
}

func (c *httpClient) WaitForBlock(ctx context.Context, target uint64) error {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		current, err := c.CurrentBlock(ctx)
		if err == nil && current >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *httpClient) SetWeights(ctx context.Context, uids []int, weightsPermil []uint16, versionKey uint64, waitForInclusion bool) error {
	body, err := json.Marshal(map[string]any{
		"netuid":             c.netuid,
		"uids":               uids,
		"weights":            weightsPermil,
		"version_key":        versionKey,
		"wait_for_inclusion": waitForInclusion,
	})
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/set_weights", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("chain: set_weights: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chain: set_weights: status %d", resp.StatusCode)
	}
	return nil
}
