// Package statestore implements the State Store (SS, spec.md §4.7): a
// durable, TTL-capable key/value checkpoint for per-validator state,
// keyed under a stable validator identity and backed by Redis (the wire
// key is literally state:<validator_id>_state:current, spec.md §6).
package statestore

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-redis/redis"

	"github.com/SentiVerse-AI/soulx/internal/types"
)

// Store persists a single validator's ValidatorState.
type Store struct {
	rdb         redisCmdable
	validatorID string
}

// redisCmdable is the minimal redis surface Store needs, expressed in
// plain Go return values (rather than *redis.StringCmd etc.) so tests can
// supply a small hand-written fake instead of a live server.
type redisCmdable interface {
	Get(key string) (string, error)
	Set(key string, value []byte) error
	Del(keys ...string) (int64, error)
}

// clientAdapter adapts a real *redis.Client to redisCmdable via the
// client's public Result()/Err() accessors.
type clientAdapter struct {
	client *redis.Client
}

func (a clientAdapter) Get(key string) (string, error) {
	return a.client.Get(key).Result()
}

func (a clientAdapter) Set(key string, value []byte) error {
	return a.client.Set(key, value, 0).Err()
}

func (a clientAdapter) Del(keys ...string) (int64, error) {
	return a.client.Del(keys...).Result()
}

// New constructs a Store for validatorID (derived from wallet name +
// hotkey name + netuid, per spec.md §4.7) against an existing redis
// client.
func New(client *redis.Client, validatorID string) *Store {
	return &Store{rdb: clientAdapter{client: client}, validatorID: validatorID}
}

func (s *Store) key() string {
	return fmt.Sprintf("state:%s_state:current", s.validatorID)
}

// Save persists state with no expiration; ValidatorState is a rolling
// checkpoint the validator is expected to keep updating.
func (s *Store) Save(state *types.ValidatorState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("statestore: marshal: %w", err)
	}
	if err := s.rdb.Set(s.key(), blob); err != nil {
		return fmt.Errorf("statestore: save: %w", err)
	}
	return nil
}

// LoadLatest returns the persisted state, or (nil, nil) if none exists or
// the stored blob fails to deserialize (state corruption is treated as
// "start fresh", spec.md §7 Error Handling Design).
func (s *Store) LoadLatest() (*types.ValidatorState, error) {
	blob, err := s.rdb.Get(s.key())
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statestore: load: %w", err)
	}
	var state types.ValidatorState
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		// state corruption: log, delete the key, start fresh.
		log.Warn("statestore: stored state is corrupt, discarding", "key", s.key(), "err", err)
		_, _ = s.rdb.Del(s.key())
		return nil, nil
	}
	return &state, nil
}
