// Package main implements poold, the PPLNS mining pool daemon.
// It runs the Stratum V1 listener, the job manager, block submission,
// reward distribution and payouts in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/pplnspool/internal/blocks"
	"github.com/bardlex/pplnspool/internal/config"
	"github.com/bardlex/pplnspool/internal/database"
	"github.com/bardlex/pplnspool/internal/database/influx"
	"github.com/bardlex/pplnspool/internal/difficulty"
	"github.com/bardlex/pplnspool/internal/job"
	"github.com/bardlex/pplnspool/internal/metrics"
	"github.com/bardlex/pplnspool/internal/miner"
	"github.com/bardlex/pplnspool/internal/node"
	"github.com/bardlex/pplnspool/internal/payout"
	"github.com/bardlex/pplnspool/internal/reward"
	"github.com/bardlex/pplnspool/internal/store"
	"github.com/bardlex/pplnspool/internal/stratum"
	"github.com/bardlex/pplnspool/internal/validation"
	"github.com/bardlex/pplnspool/pkg/circuit"
	"github.com/bardlex/pplnspool/pkg/log"
	"github.com/bardlex/pplnspool/pkg/retry"
)

const statsInterval = time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(log.Config{
		Service:    cfg.ServiceName,
		Version:    cfg.Version,
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	logger.Info("starting poold",
		"version", cfg.Version,
		"listen_addr", cfg.ListenAddr,
		"listen_port", cfg.ListenPort,
		"algorithm", cfg.Algorithm,
		"network", cfg.ChainNetwork,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := newPool(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize pool")
		os.Exit(1)
	}

	p.start(ctx, cancel)

	// Wait for a signal or a fatal component error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	p.shutdown(shutdownCtx, cancel)
	logger.Info("poold stopped")
}

// pool holds the wired components of the daemon.
type pool struct {
	cfg    *config.Config
	logger *log.Logger

	metrics   *metrics.Metrics
	store     *store.SQLStore
	node      *node.Client
	jobs      *job.Manager
	registry  *miner.Registry
	ledger    *database.Manager
	submitter *blocks.Submitter
	payouts   *payout.Processor
	server    *stratum.Server
	notifier  *job.BlockNotifier
}

// newPool opens the store, binds the listener and wires every component.
// Nothing runs until start.
func newPool(ctx context.Context, cfg *config.Config, logger *log.Logger) (*pool, error) {
	params, err := cfg.NetParams()
	if err != nil {
		return nil, err
	}

	hasher, err := difficulty.HasherFor(cfg.Algorithm)
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	st, err := store.Open(ctx, store.Config{
		Driver:       cfg.StoreDriver,
		DSN:          cfg.StoreDSN,
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		MaxLifetime:  5 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	nodeLogger := logger.WithComponent("node")
	breaker := circuit.New(&circuit.Config{
		Name:            "node_rpc",
		MaxFailures:     5,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			m.NodeBreakerState(int(to))
			nodeLogger.Warn("circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	nodeClient := node.NewClient(node.Config{
		URL:      cfg.NodeRPCURL,
		User:     cfg.NodeRPCUser,
		Password: cfg.NodeRPCPassword,
		Timeout:  cfg.NodeRPCTimeout,
	}, breaker)

	jobs := job.NewManager(job.Config{
		Algorithm:       cfg.Algorithm,
		PoolDifficulty:  cfg.PoolDifficulty,
		RefreshInterval: cfg.JobRefreshInterval,
		GracePeriod:     cfg.JobGracePeriod,
		BlockReward:     cfg.BlockReward,
		RequestTimeout:  cfg.NodeRPCTimeout,
	}, nodeClient, logger)

	var influxCfg *influx.Config
	if cfg.InfluxURL != "" {
		influxCfg = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	ledger := database.NewManager(ctx, &database.Config{
		RedisURL:     cfg.RedisURL,
		Influx:       influxCfg,
		KafkaBrokers: cfg.KafkaBrokers,
	}, st, logger)

	engine := reward.NewEngine(reward.Config{
		Window: cfg.PPLNSWindow,
		Fee:    cfg.PoolFee(),
	}, st, logger)

	submitter := blocks.NewSubmitter(blocks.Config{
		RetryInterval: cfg.BlockRetryInterval,
		MaxAge:        cfg.BlockRetryMaxAge,
	}, nodeClient, st, engine, ledger, m, logger)

	payouts := payout.NewProcessor(payout.Config{
		PoolAddress: cfg.PoolAddress,
		MinPayout:   cfg.MinPayout,
		Interval:    cfg.PayoutInterval,
	}, nodeClient, st, ledger, m, logger)

	registry := miner.NewRegistry()
	handler := stratum.NewMessageHandler(stratum.HandlerConfig{
		Algorithm:       cfg.Algorithm,
		PoolDifficulty:  cfg.PoolDifficulty,
		ExtraNonce2Size: cfg.ExtraNonce2Size,
		NetParams:       params,
	}, stratum.Deps{
		Jobs:      jobs,
		Registry:  registry,
		Validator: validation.NewShareValidator(jobs, hasher, cfg.ExtraNonce2Size),
		Ledger:    ledger,
		Blocks:    submitter,
		Miners:    st,
		Metrics:   m,
	}, logger)

	server := stratum.NewServer(stratum.ServerConfig{
		MaxConnections:    cfg.MaxConnections,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		MaxMessageSize:    cfg.MaxMessageSize,
		MaxProtocolErrors: cfg.MaxProtocolErrors,
		NotifyWorkers:     cfg.NotifyWorkers,
	}, handler, m, logger)

	if err := server.Listen(cfg.ListenAddress()); err != nil {
		_ = ledger.Close()
		_ = st.Close()
		return nil, err
	}

	jobs.Subscribe(server.Broadcast)
	jobs.Subscribe(ledger.PublishJob)

	p := &pool{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		store:     st,
		node:      nodeClient,
		jobs:      jobs,
		registry:  registry,
		ledger:    ledger,
		submitter: submitter,
		payouts:   payouts,
		server:    server,
	}

	if cfg.NodeZMQAddr != "" {
		notifier, err := job.NewBlockNotifier(cfg.NodeZMQAddr, logger)
		if err != nil {
			// Polling still refreshes jobs, only later.
			logger.WithError(err).Warn("block notifications disabled")
		} else {
			p.notifier = notifier
		}
	}

	return p, nil
}

// start launches the background loops. A failing listener cancels ctx.
func (p *pool) start(ctx context.Context, cancel context.CancelFunc) {
	go p.checkNode(ctx)
	go p.reportStats(ctx)

	go func() {
		if err := p.ledger.Run(ctx); err != nil && ctx.Err() == nil {
			p.logger.WithError(err).Error("ledger stopped")
		}
	}()

	go func() {
		_ = p.jobs.Run(ctx)
	}()

	if p.notifier != nil {
		go func() {
			defer func() {
				if err := p.notifier.Close(); err != nil {
					p.logger.WithError(err).Debug("failed to close block notifier")
				}
			}()
			err := p.notifier.Run(ctx, func(blockHash string) {
				p.logger.Info("new block announced", "block_hash", blockHash)
				p.jobs.Trigger()
			})
			if err != nil && ctx.Err() == nil {
				p.logger.WithError(err).Error("block notifier stopped")
			}
		}()
	}

	go func() {
		_ = p.submitter.Run(ctx)
	}()

	go func() {
		_ = p.payouts.Run(ctx)
	}()

	if p.cfg.MetricsAddr != "" {
		go func() {
			if err := p.metrics.Serve(ctx, p.cfg.MetricsAddr, p.logger); err != nil {
				p.logger.WithError(err).Error("metrics server failed")
			}
		}()
	}

	go func() {
		if err := p.server.Serve(ctx); err != nil && ctx.Err() == nil {
			p.logger.WithError(err).Error("server error")
			cancel()
		}
	}()
}

// checkNode logs the node's chain tip and the last job published before a
// restart. An unreachable node is not fatal; miners get work once templates arrive.
func (p *pool) checkNode(ctx context.Context) {
	if p.ledger.Redis != nil {
		last, err := p.ledger.Redis.GetCurrentJob(ctx)
		if err == nil {
			p.logger.Info("last published job",
				"job_id", last.JobID,
				"height", last.Height,
				"age", log.HumanDuration(time.Since(last.CreatedAt)),
			)
		}
	}

	info, err := retry.DoWithResult(ctx, retry.StartupConfig(), func() (*node.BlockchainInfo, error) {
		return p.node.GetBlockchainInfo(ctx)
	})
	if err != nil {
		p.logger.WithError(err).Warn("node not reachable at startup", "url", p.cfg.NodeRPCURL)
		return
	}
	p.logger.Info("connected to node",
		"chain", info.Chain,
		"blocks", info.Blocks,
		"best_block_hash", info.BestBlockHash,
		"difficulty", info.Difficulty,
	)
}

// reportStats logs and exports pool totals every statsInterval.
func (p *pool) reportStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.logStats(ctx)
		}
	}
}

func (p *pool) logStats(ctx context.Context) {
	now := time.Now()
	var hashrate float64
	authorized := 0
	usernames := make(map[string]struct{})
	for _, m := range p.registry.Snapshot() {
		if m.Authorized {
			authorized++
			hashrate += m.Hashrate(now)
			usernames[m.Username] = struct{}{}
		}
	}
	for username := range usernames {
		if estimate, ok := p.ledger.MinerHashrate(ctx, username); ok {
			p.logger.Debug("miner hashrate", "miner_id", username, "hashrate", estimate)
		}
	}
	dropped := p.ledger.Dropped()
	p.metrics.PoolStats(p.registry.Count(), hashrate, dropped)

	fields := []any{
		"sessions", p.server.SessionCount(),
		"authorized", authorized,
		"hashrate", hashrate,
		"telemetry_dropped", dropped,
		"node_breaker", p.node.BreakerState().String(),
	}
	if p.ledger.Redis != nil {
		for _, name := range []string{"shares_total", "shares_valid", "shares_block"} {
			if v, err := p.ledger.Redis.GetStat(ctx, name); err == nil {
				fields = append(fields, name, v)
			}
		}
	}
	p.logger.Info("pool stats", fields...)
}

// shutdown stops accepting miners, then stops the loops and releases the
// store once pending block work has finished.
func (p *pool) shutdown(ctx context.Context, cancel context.CancelFunc) {
	if err := p.server.Shutdown(ctx); err != nil {
		p.logger.WithError(err).Error("server shutdown error")
	}

	cancel()

	p.submitter.Wait()

	if err := p.ledger.Close(); err != nil {
		p.logger.WithError(err).Error("ledger close error")
	}
	if err := p.store.Close(); err != nil {
		p.logger.WithError(err).Error("store close error")
	}
}
