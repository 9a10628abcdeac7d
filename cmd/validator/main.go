// Command validator runs the dispatch/scoring core of a subnet validator:
// it pulls tasks from a config service, routes them to miners over HTTP,
// scores responses, and periodically submits a weight vector on-chain.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-redis/redis"
	_ "go.uber.org/automaxprocs"

	"github.com/SentiVerse-AI/soulx/internal/chain"
	"github.com/SentiVerse-AI/soulx/internal/config"
	"github.com/SentiVerse-AI/soulx/internal/configclient"
	"github.com/SentiVerse-AI/soulx/internal/dispatch"
	"github.com/SentiVerse-AI/soulx/internal/handshake"
	"github.com/SentiVerse-AI/soulx/internal/health"
	"github.com/SentiVerse-AI/soulx/internal/nodecache"
	"github.com/SentiVerse-AI/soulx/internal/queue"
	"github.com/SentiVerse-AI/soulx/internal/scoring"
	"github.com/SentiVerse-AI/soulx/internal/statestore"
	"github.com/SentiVerse-AI/soulx/internal/validator"
	"github.com/SentiVerse-AI/soulx/internal/weights"
)

func main() {
	log.SetDefault(log.NewLogger(log.NewTerminalHandler(os.Stderr, true)))

	if err := run(); err != nil {
		log.Error("validator exited with error", "err", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("main: load config: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	cc := configclient.New(cfg.ConfigServerURL, cfg.ValidatorToken, cfg.ValidatorHotkey)
	chainClient := chain.New(cfg.SubtensorAddress, cfg.Netuid, 2*time.Second)
	store := statestore.New(rdb, validatorID(cfg))
	q := queue.New(rdb)
	history := scoring.NewHistory()

	identity := handshake.Identity{Hotkey: cfg.ValidatorHotkey}
	hm := handshake.NewManager(identity)
	hm.SetInterval(time.Duration(cfg.HandshakeIntervalSecs) * time.Second)
	nodes := nodecache.New()

	strategy := configclient.StrategyStake
	if cfg.AllocationStrategy == "equal" {
		strategy = configclient.StrategyEqual
	}

	dp := dispatch.NewDispatcher(cc, dispatch.NewLeaseManager(cc, nil), hm, history, dispatch.Config{
		Strategy:                  strategy,
		CapacityToScoreMultiplier: cfg.CapacityToScoreMultiplier,
	}, nodes.Lookup)

	we := weights.NewEngine(chainClient, cc, history, weights.Config{
		ValidatorHotkey: cfg.ValidatorHotkey,
		VersionKey:      cfg.VersionKey,
		CheckNodeActive: cfg.CheckNodeActive,
	})

	app := validator.New(chainClient, cc, store, hm, nodes, q, dp, history, we, validator.Config{
		ValidatorID:        validatorID(cfg),
		ValidatorHotkey:    cfg.ValidatorHotkey,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		Netuid:             cfg.Netuid,
	})

	healthSrv := health.NewServer(":9100")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- healthSrv.Run(ctx) }()
	go func() {
		healthSrv.SetReady(true)
		errCh <- app.Run(ctx)
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining")
	select {
	case err := <-errCh:
		return err
	case <-time.After(30 * time.Second):
		return nil
	}
}

func validatorID(cfg *config.Config) string {
	return fmt.Sprintf("%s_%s_%d", cfg.WalletName, cfg.WalletHotkey, cfg.Netuid)
}
