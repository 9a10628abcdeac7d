// Package configclient implements the Config Client (CC, spec.md §2/§6):
// typed HTTP wrappers over the configuration service's task, contender,
// system-config, miner-lease, and reward-ingest endpoints.
package configclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/SentiVerse-AI/soulx/internal/types"
)

const apiVersion = "v1.0.1"

// Client is the Config Client surface the queue, dispatcher and weight
// engine depend on.
type Client struct {
	baseURL string
	hc      *retryablehttp.Client

	mu    sync.RWMutex
	token string
	hotkey string

	taskConfigCache *lru.Cache
}

// New constructs a Client. token and hotkey are sent on every request as
// the Authorization bearer token and Hotkey header (spec.md §6 Auth).
func New(baseURL, token, hotkey string) *Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 3
	hc.Logger = nil
	cache, _ := lru.New(256)
	return &Client{baseURL: baseURL, hc: hc, token: token, hotkey: hotkey, taskConfigCache: cache}
}

func (c *Client) do(ctx context.Context, method, path string, body any, versioned bool) (*http.Response, error) {
	var reader io.Reader
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = b
		reader = bytes.NewReader(b)
	}
	url := c.baseURL + path
	if versioned {
		sep := "?"
		if bytes.ContainsRune([]byte(path), '?') {
			sep = "&"
		}
		url += sep + "ver=" + apiVersion
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	c.setAuth(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if err := c.refreshToken(ctx); err != nil {
			return nil, fmt.Errorf("configclient: 401 and token refresh failed: %w", err)
		}
		var retryBody io.Reader
		if payload != nil {
			retryBody = bytes.NewReader(payload)
		}
		req2, err := retryablehttp.NewRequestWithContext(ctx, method, url, retryBody)
		if err != nil {
			return nil, err
		}
		c.setAuth(req2)
		if body != nil {
			req2.Header.Set("Content-Type", "application/json")
		}
		return c.hc.Do(req2)
	}
	return resp, nil
}

func (c *Client) setAuth(req *retryablehttp.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Hotkey", c.hotkey)
}

// refreshToken re-fetches a bearer token from /system/config/validatorinit
// on a 401, matching the original token_manager's single-retry behavior
// (SPEC_FULL.md §5 supplemented feature). It retries exactly once per
// caller request; it never loops.
func (c *Client) refreshToken(ctx context.Context) error {
	var out struct {
		Token string `json:"token"`
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system/config/validatorinit", nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return nil
}

func decodeJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("configclient: status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PendingTasks fetches up to limit pending tasks starting at offset
// (GET /tasks/pending?limit&offset).
func (c *Client) PendingTasks(ctx context.Context, limit, offset int) ([]types.Task, error) {
	path := fmt.Sprintf("/tasks/pending?limit=%d&offset=%d", limit, offset)
	resp, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, fmt.Errorf("configclient: pending tasks: %w", err)
	}
	var out struct {
		Success bool         `json:"success"`
		Tasks   []types.Task `json:"tasks"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, fmt.Errorf("configclient: pending tasks: %w", err)
	}
	return out.Tasks, nil
}

// SetTaskStatus reports a task's lifecycle status
// (PUT /tasks/{task_id}/status).
func (c *Client) SetTaskStatus(ctx context.Context, taskID, status, errMessage string) error {
	body := map[string]any{"status": status}
	if errMessage != "" {
		body["error_message"] = errMessage
	}
	resp, err := c.do(ctx, http.MethodPut, "/tasks/"+taskID+"/status", body, true)
	if err != nil {
		return fmt.Errorf("configclient: set task status: %w", err)
	}
	var out struct {
		Success bool `json:"success"`
	}
	return decodeJSON(resp, &out)
}

// CompleteTask reports a task's final result (POST /tasks/{task_id}/complete).
func (c *Client) CompleteTask(ctx context.Context, taskID string, resultData any) error {
	resp, err := c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/complete", map[string]any{"result_data": resultData}, true)
	if err != nil {
		return fmt.Errorf("configclient: complete task: %w", err)
	}
	var out struct {
		Success bool `json:"success"`
	}
	return decodeJSON(resp, &out)
}

// ContenderStrategy selects how SelectContenders ranks candidates
// (SPEC_FULL.md §5 supplemented "allocation strategy" feature).
type ContenderStrategy string

const (
	StrategyStake ContenderStrategy = "stake"
	StrategyEqual ContenderStrategy = "equal"
)

// SelectContenders fetches candidate contenders for task, limited to topX
// (0 = unlimited). GET /contenders/task/{task}?top_x
func (c *Client) SelectContenders(ctx context.Context, task string, topX int, strategy ContenderStrategy) ([]types.Contender, error) {
	path := fmt.Sprintf("/contenders/task/%s?strategy=%s", task, strategy)
	if topX > 0 {
		path += fmt.Sprintf("&top_x=%d", topX)
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, fmt.Errorf("configclient: select contenders: %w", err)
	}
	var out struct {
		Success    bool              `json:"success"`
		Contenders []types.Contender `json:"contenders"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, fmt.Errorf("configclient: select contenders: %w", err)
	}
	return out.Contenders, nil
}

// ReportStats pushes updated request/error counters for a contender
// (PUT /contenders/{id}/stats).
func (c *Client) ReportStats(ctx context.Context, contenderID string, totalRequests, req429, req500 int) error {
	body := map[string]any{
		"total_requests_made": totalRequests,
		"requests_429":        req429,
		"requests_500":        req500,
	}
	resp, err := c.do(ctx, http.MethodPut, "/contenders/"+contenderID+"/stats", body, true)
	if err != nil {
		return fmt.Errorf("configclient: report stats: %w", err)
	}
	var out struct {
		Success bool `json:"success"`
	}
	return decodeJSON(resp, &out)
}

// ReportReward submits one scoring record (POST /reward_data).
func (c *Client) ReportReward(ctx context.Context, reward types.RewardData) error {
	resp, err := c.do(ctx, http.MethodPost, "/reward_data", map[string]any{"reward_data": reward}, true)
	if err != nil {
		return fmt.Errorf("configclient: report reward: %w", err)
	}
	var out struct {
		Success bool `json:"success"`
	}
	return decodeJSON(resp, &out)
}

// TaskConfig fetches (and caches) the TaskConfig for a task type
// (GET /system/config/{key}).
func (c *Client) TaskConfig(ctx context.Context, taskType string) (types.TaskConfig, error) {
	if v, ok := c.taskConfigCache.Get(taskType); ok {
		return v.(types.TaskConfig), nil
	}
	resp, err := c.do(ctx, http.MethodGet, "/system/config/"+taskType, nil, true)
	if err != nil {
		return types.TaskConfig{}, fmt.Errorf("configclient: task config: %w", err)
	}
	var cfg types.TaskConfig
	if err := decodeJSON(resp, &cfg); err != nil {
		return types.TaskConfig{}, fmt.Errorf("configclient: task config: %w", err)
	}
	c.taskConfigCache.Add(taskType, cfg)
	return cfg, nil
}

// Whitelist fetches the validator whitelist (GET /system/config/validators).
func (c *Client) Whitelist(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/system/config/validators", nil, true)
	if err != nil {
		return nil, fmt.Errorf("configclient: whitelist: %w", err)
	}
	var out struct {
		Whitelist []string `json:"whitelist"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, fmt.Errorf("configclient: whitelist: %w", err)
	}
	return out.Whitelist, nil
}

// Blacklist fetches the validator blacklist (GET /system/config/validators).
func (c *Client) Blacklist(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/system/config/validators", nil, true)
	if err != nil {
		return nil, fmt.Errorf("configclient: blacklist: %w", err)
	}
	var out struct {
		Blacklist []string `json:"blacklist"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, fmt.Errorf("configclient: blacklist: %w", err)
	}
	return out.Blacklist, nil
}

// PenaltyCoefficient fetches the non-whitelisted penalty multiplier
// (GET /system/config/{key}).
func (c *Client) PenaltyCoefficient(ctx context.Context) (float64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/system/config/penalty_coefficient", nil, true)
	if err != nil {
		return 0, fmt.Errorf("configclient: penalty coefficient: %w", err)
	}
	var out struct {
		Value float64 `json:"value"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return 0, fmt.Errorf("configclient: penalty coefficient: %w", err)
	}
	return out.Value, nil
}

// OwnerDefaultScore fetches the subnet owner's fallback score
// (spec.md §4.6 step 9).
func (c *Client) OwnerDefaultScore(ctx context.Context) (float64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/system/config/owner_default_score", nil, true)
	if err != nil {
		return 0, fmt.Errorf("configclient: owner default score: %w", err)
	}
	var out struct {
		Value float64 `json:"value"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return 0, fmt.Errorf("configclient: owner default score: %w", err)
	}
	return out.Value, nil
}

// OwnerUID fetches the subnet owner's UID
// (GET /system/config/validatorinit, SPEC_FULL.md §5 supplemented feature).
func (c *Client) OwnerUID(ctx context.Context) (int, error) {
	resp, err := c.do(ctx, http.MethodGet, "/system/config/validatorinit", nil, true)
	if err != nil {
		return 0, fmt.Errorf("configclient: owner uid: %w", err)
	}
	var out struct {
		OwnerUID int `json:"owner_uid"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return 0, fmt.Errorf("configclient: owner uid: %w", err)
	}
	return out.OwnerUID, nil
}

// --- miner-task lease API (primary lease holder, spec.md §3 Lease / §6) ---

// CheckLease reports whether hotkey is currently leased
// (GET /miner-tasks/check/{hotkey}).
func (c *Client) CheckLease(ctx context.Context, hotkey string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/miner-tasks/check/"+hotkey, nil, false)
	if err != nil {
		return false, fmt.Errorf("configclient: check lease: %w", err)
	}
	var out struct {
		Leased bool `json:"leased"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return false, fmt.Errorf("configclient: check lease: %w", err)
	}
	return out.Leased, nil
}

// SetLease acquires an exclusive lease on hotkey for ttl
// (POST /miner-tasks/set).
func (c *Client) SetLease(ctx context.Context, hotkey, taskID, taskType, validatorHotkey string, ttl time.Duration) error {
	body := map[string]any{
		"miner_hotkey":     hotkey,
		"task_id":          taskID,
		"task_type":        taskType,
		"validator_hotkey": validatorHotkey,
		"ttl_seconds":      int(ttl.Seconds()),
	}
	resp, err := c.do(ctx, http.MethodPost, "/miner-tasks/set", body, false)
	if err != nil {
		return fmt.Errorf("configclient: set lease: %w", err)
	}
	var out struct {
		Success bool `json:"success"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return fmt.Errorf("configclient: set lease: %w", err)
	}
	if !out.Success {
		return fmt.Errorf("configclient: set lease: rejected for %s", hotkey)
	}
	return nil
}

// RemoveLease releases a lease (DELETE /miner-tasks/remove/{hotkey}).
func (c *Client) RemoveLease(ctx context.Context, hotkey string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/miner-tasks/remove/"+hotkey, nil, false)
	if err != nil {
		return fmt.Errorf("configclient: remove lease: %w", err)
	}
	var out struct {
		Success bool `json:"success"`
	}
	return decodeJSON(resp, &out)
}
