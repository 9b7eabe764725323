package cmd

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/core/chainio/signer"
	"github.com/AvaProtocol/ap-userops/core/config"
	"github.com/AvaProtocol/ap-userops/metrics"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/preset"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userops/pkg/logger"
)

// app holds what every subcommand shares: the resolved config, the bundler pool and,
// once asked for, the node connection.
type app struct {
	cfg      *config.Config
	logger   logger.Logger
	registry *prometheus.Registry
	metrics  metrics.RelayMetrics
	pool     *bundler.BundlerClient

	eth     *ethclient.Client
	chainID *big.Int
	server  *echo.Echo
}

func newApp() (*app, error) {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		return nil, err
	}

	lgr := cfg.Logger
	if verbose {
		if lgr, err = logger.New(string(logger.Development)); err != nil {
			return nil, err
		}
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewRelayMetrics(registry)

	pool, err := bundler.NewBundlerClient(cfg.Bundlers,
		bundler.WithLogger(lgr),
		bundler.WithMetrics(m),
		bundler.WithRequestTimeout(cfg.RequestTimeout),
	)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   lgr,
		registry: registry,
		metrics:  m,
		pool:     pool,
		chainID:  cfg.ChainID,
	}
	if cfg.MetricsAddr != "" {
		a.server = startMetricsServer(cfg.MetricsAddr, registry, lgr)
	}
	return a, nil
}

func (a *app) Close() {
	if a.server != nil {
		_ = a.server.Close()
	}
	if a.eth != nil {
		a.eth.Close()
	}
	if syncer, ok := a.logger.(interface{ Sync() error }); ok {
		_ = syncer.Sync()
	}
}

// chain dials the node on first use and resolves the chain id when the config leaves it out.
func (a *app) chain(ctx context.Context) (*ethclient.Client, error) {
	if a.eth != nil {
		return a.eth, nil
	}

	client, err := ethclient.DialContext(ctx, a.cfg.EthRpcUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", a.cfg.EthRpcUrl, err)
	}
	if a.chainID == nil {
		if a.chainID, err = client.ChainID(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to read chain id: %w", err)
		}
	}
	a.eth = client
	return client, nil
}

func (a *app) ownerAccount(key *ecdsa.PrivateKey, salt *big.Int) preset.AccountRef {
	if salt == nil {
		salt = a.cfg.AccountSalt
	}
	return preset.AccountRef{Owner: signer.Address(key), Salt: salt}
}

// newRelayer wires the pipeline for the owner key.
func (a *app) newRelayer(ctx context.Context, key *ecdsa.PrivateKey, skipReceipt bool) (*preset.Relayer, error) {
	client, err := a.chain(ctx)
	if err != nil {
		return nil, err
	}

	estimator := preset.NewGasEstimator(a.pool, client, a.cfg.EntrypointAddress, a.cfg.FeeFloors, a.logger)
	builder := preset.NewBuilder(client, estimator, preset.BuilderConfig{
		EntryPoint:      a.cfg.EntrypointAddress,
		Factory:         a.cfg.FactoryAddress,
		Sponsor:         a.cfg.SponsorAddress,
		SponsorValidFor: a.cfg.SponsorValidFor,
		AllowStaticGas:  a.cfg.StaticGasFallback,
	}, a.logger)

	opSigner := preset.NewOpSigner(key, aa.NewEntryPoint(a.cfg.EntrypointAddress, client), a.logger).
		WithCrossCheck(userop.LocalHasher{EntryPoint: a.cfg.EntrypointAddress, ChainID: a.chainID})
	watcher := preset.NewReceiptWatcher(a.pool, a.logger).WithMetrics(a.metrics)

	relayer := preset.NewRelayer(builder, opSigner, a.pool, watcher, preset.RelayerConfig{
		EntryPoint:     a.cfg.EntrypointAddress,
		ReceiptTimeout: a.cfg.ReceiptTimeout,
		PollInterval:   a.cfg.ReceiptPollInterval,
		SkipReceipt:    skipReceipt,
	}, a.logger).
		WithMetrics(a.metrics).
		WithOwnerCheck(client)

	if a.cfg.DirectFallback {
		relayer.WithDirectExecutor(preset.NewDirectExecutor(client, key, a.logger))
	}
	return relayer, nil
}
