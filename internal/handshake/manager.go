// Package handshake implements the Handshake Manager (HM, spec.md §4.1):
// it maintains a fresh symmetric session per reachable miner, refreshing
// on a fixed interval with bounded concurrency.
package handshake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"

	"github.com/SentiVerse-AI/soulx/internal/types"
)

// MaxConcurrentHandshakes bounds how many handshakes RefreshAll runs in
// parallel (spec.md §4.1).
const MaxConcurrentHandshakes = 10

// HandshakeTimeout is the per-handshake HTTP timeout.
const HandshakeTimeout = 10 * time.Second

// Interval is the default refresh cadence.
const Interval = 600 * time.Second

// Identity is the validator's public identity sent during a handshake.
type Identity struct {
	Hotkey    string `json:"hotkey"`
	PublicKey string `json:"public_key"`
}

// Manager maintains one Session per reachable miner hotkey.
type Manager struct {
	identity Identity
	client   *http.Client

	sessions atomic.Pointer[map[string]types.Session]

	mu       sync.Mutex
	nodes    []types.Neuron
	interval time.Duration

	log log.Logger
}

// NewManager constructs a Manager. Call SetNodes once with the initial
// metagraph snapshot before starting the refresh loop.
func NewManager(identity Identity) *Manager {
	m := &Manager{
		identity: identity,
		client:   &http.Client{Timeout: HandshakeTimeout},
		log:      log.New("component", "handshake"),
	}
	empty := map[string]types.Session{}
	m.sessions.Store(&empty)
	return m
}

// SetInterval overrides the refresh cadence Run uses (HANDSHAKE_INTERVAL,
// loaded by internal/config). Zero or negative restores the Interval default; must be
// called before Run starts.
func (m *Manager) SetInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = d
}

// SetNodes replaces the cached node snapshot used by the next RefreshAll.
// A metagraph resync calls this; the next tick handshakes against the
// updated set (spec.md §4.1 scheduling).
func (m *Manager) SetNodes(nodes []types.Neuron) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = nodes
}

func (m *Manager) cachedNodes() []types.Neuron {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Neuron, len(m.nodes))
	copy(out, m.nodes)
	return out
}

// Get returns the current session for hotkey, if any.
func (m *Manager) Get(hotkey string) (types.Session, bool) {
	sessions := *m.sessions.Load()
	s, ok := sessions[hotkey]
	return s, ok
}

// RefreshAll performs a handshake against every node with a non-zero IP,
// bounded to MaxConcurrentHandshakes in parallel. Failures are recorded
// (ok=false) and never propagate (spec.md §4.1 failure semantics).
func (m *Manager) RefreshAll(ctx context.Context) {
	nodes := m.cachedNodes()
	sem := semaphore.NewWeighted(MaxConcurrentHandshakes)

	next := make(map[string]types.Session, len(nodes))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, n := range nodes {
		if n.IP == "" || n.IP == "0.0.0.0" {
			continue
		}
		n := n
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			session := m.handshakeOne(ctx, n)
			mu.Lock()
			next[n.Hotkey] = session
			mu.Unlock()
		}()
	}
	wg.Wait()

	m.sessions.Store(&next)
}

func (m *Manager) handshakeOne(ctx context.Context, n types.Neuron) types.Session {
	hctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/handshake", n.IP, n.Port)
	body, err := json.Marshal(m.identity)
	if err != nil {
		return types.Session{MinerHotkey: n.Hotkey, OK: false}
	}
	req, err := http.NewRequestWithContext(hctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return types.Session{MinerHotkey: n.Hotkey, OK: false}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.log.Debug("handshake failed", "hotkey", n.Hotkey, "err", err)
		return types.Session{MinerHotkey: n.Hotkey, OK: false}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		m.log.Debug("handshake rejected", "hotkey", n.Hotkey, "status", resp.StatusCode)
		return types.Session{MinerHotkey: n.Hotkey, OK: false}
	}

	var out struct {
		SymmetricKey    string `json:"symmetric_key"`
		SymmetricKeyUID string `json:"symmetric_key_uid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		m.log.Debug("handshake response unparseable", "hotkey", n.Hotkey, "err", err)
		return types.Session{MinerHotkey: n.Hotkey, OK: false}
	}

	return types.Session{
		MinerHotkey:     n.Hotkey,
		SymmetricKey:    out.SymmetricKey,
		SymmetricKeyUID: out.SymmetricKeyUID,
		OK:              true,
		LastRefreshedAt: time.Now(),
	}
}

// Run blocks, performing an immediate refresh and then one every Interval,
// until ctx is cancelled (spec.md §4.1 scheduling / §5 long-lived
// activity 4).
func (m *Manager) Run(ctx context.Context) {
	m.RefreshAll(ctx)

	m.mu.Lock()
	interval := m.interval
	m.mu.Unlock()
	if interval <= 0 {
		interval = Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RefreshAll(ctx)
		}
	}
}
