// Package config loads the environment variables recognized by spec.md §6
// into a typed Config, using viper purely as an AutomaticEnv/BindEnv
// binder — no flags, no config file (CLI parsing is an explicit
// Non-goal).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the fully-resolved set of environment-derived settings a
// validator process needs to boot.
type Config struct {
	Netuid             int
	SubtensorNetwork    string
	SubtensorAddress    string
	WalletSecretSeed    string
	WalletName          string
	WalletHotkey        string
	ConfigServerURL     string
	ValidatorToken      string
	ValidatorHotkey     string
	RedisHost           string
	RedisPort           int
	RedisPassword       string
	RedisDB             int
	AllocationStrategy  string
	MinValidatorStakeDTAO float64
	CheckNodeActive     bool
	CheckMaxBlocks      bool
	ScoringPeriodTime   int
	CapacityToScoreMultiplier float64
	VersionKey          uint64
	MaxConcurrentTasks  int
	HandshakeIntervalSecs int
}

// Load reads and validates the environment, returning a fatal error on any
// missing required variable (spec.md §7 "Configuration ... fatal — abort
// with a clear message").
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range []string{
		"netuid", "subtensor_network", "subtensor_address", "wallet_secret_seed",
		"bt_wallet_name", "bt_wallet_hotkey", "config_server_url", "validator_token",
		"validator_hotkey", "redis_host", "redis_port", "redis_password", "redis_db",
		"allocation_strategy", "min_validator_stake_dtao", "check_node_active",
		"check_max_blocks", "scoring_period_time", "capacity_to_score_multiplier",
		"version_key", "max_concurrent_tasks", "handshake_interval",
	} {
		_ = v.BindEnv(key)
	}

	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("redis_db", 0)
	v.SetDefault("allocation_strategy", "stake")
	v.SetDefault("min_validator_stake_dtao", 1000.0)
	v.SetDefault("check_node_active", true)
	v.SetDefault("check_max_blocks", true)
	v.SetDefault("scoring_period_time", 1800)
	v.SetDefault("max_concurrent_tasks", 1)
	v.SetDefault("handshake_interval", 600)

	cfg := &Config{
		Netuid:                    v.GetInt("netuid"),
		SubtensorNetwork:          v.GetString("subtensor_network"),
		SubtensorAddress:          v.GetString("subtensor_address"),
		WalletSecretSeed:          v.GetString("wallet_secret_seed"),
		WalletName:                v.GetString("bt_wallet_name"),
		WalletHotkey:              v.GetString("bt_wallet_hotkey"),
		ConfigServerURL:           v.GetString("config_server_url"),
		ValidatorToken:            v.GetString("validator_token"),
		ValidatorHotkey:           v.GetString("validator_hotkey"),
		RedisHost:                 v.GetString("redis_host"),
		RedisPort:                 v.GetInt("redis_port"),
		RedisPassword:             v.GetString("redis_password"),
		RedisDB:                   v.GetInt("redis_db"),
		AllocationStrategy:        v.GetString("allocation_strategy"),
		MinValidatorStakeDTAO:     v.GetFloat64("min_validator_stake_dtao"),
		CheckNodeActive:           v.GetBool("check_node_active"),
		CheckMaxBlocks:            v.GetBool("check_max_blocks"),
		ScoringPeriodTime:         v.GetInt("scoring_period_time"),
		CapacityToScoreMultiplier: v.GetFloat64("capacity_to_score_multiplier"),
		VersionKey:                uint64(v.GetInt64("version_key")),
		MaxConcurrentTasks:        v.GetInt("max_concurrent_tasks"),
		HandshakeIntervalSecs:     v.GetInt("handshake_interval"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Netuid == 0 {
		return fmt.Errorf("config: NETUID is required")
	}
	if c.ConfigServerURL == "" {
		return fmt.Errorf("config: CONFIG_SERVER_URL is required")
	}
	if c.ValidatorHotkey == "" {
		return fmt.Errorf("config: VALIDATOR_HOTKEY is required")
	}
	if c.WalletSecretSeed == "" && (c.WalletName == "" || c.WalletHotkey == "") {
		return fmt.Errorf("config: WALLET_SECRET_SEED or (BT_WALLET_NAME and BT_WALLET_HOTKEY) is required")
	}
	if c.AllocationStrategy != "stake" && c.AllocationStrategy != "equal" {
		return fmt.Errorf("config: ALLOCATION_STRATEGY must be 'stake' or 'equal', got %q", c.AllocationStrategy)
	}
	return nil
}
