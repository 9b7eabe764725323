package preset

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userops/metrics"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userops/pkg/logger"
)

// Submitter hands a signed operation to the relay pool.
type Submitter interface {
	SendUserOperation(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (common.Hash, error)
}

type RelayerConfig struct {
	EntryPoint     common.Address
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
	// SkipReceipt returns right after submission without polling.
	SkipReceipt bool
}

// Result of one Send. Receipt is nil when SkipReceipt is set.
type Result struct {
	Operation     *userop.UserOperation
	OperationHash common.Hash
	Receipt       *userop.Receipt
	Path          userop.Path
}

// Relayer runs the whole pipeline for one request: build, sign, submit, wait, and the direct
// fallback when no relay accepts the operation.
type Relayer struct {
	cfg     RelayerConfig
	builder *Builder
	signer  *OpSigner
	pool    Submitter
	watcher *ReceiptWatcher
	direct  *DirectExecutor
	owners  bind.ContractCaller
	logger  logger.Logger
	metrics metrics.RelayMetrics
}

func NewRelayer(builder *Builder, signer *OpSigner, pool Submitter, watcher *ReceiptWatcher, cfg RelayerConfig, lgr logger.Logger) *Relayer {
	return &Relayer{
		cfg:     cfg,
		builder: builder,
		signer:  signer,
		pool:    pool,
		watcher: watcher,
		logger:  logger.EnsureLogger(lgr),
		metrics: metrics.NewNoopRelayMetrics(),
	}
}

// WithDirectExecutor enables the fallback path.
func (r *Relayer) WithDirectExecutor(d *DirectExecutor) *Relayer {
	r.direct = d
	return r
}

// WithOwnerCheck verifies the owner of deployed accounts before signing.
func (r *Relayer) WithOwnerCheck(conn bind.ContractCaller) *Relayer {
	r.owners = conn
	return r
}

func (r *Relayer) WithMetrics(m metrics.RelayMetrics) *Relayer {
	r.metrics = metrics.EnsureMetrics(m)
	return r
}

// Send returns a *StageError on failure. When the operation was submitted but the receipt
// did not arrive, the partial Result (with OperationHash) is returned along with the error.
func (r *Relayer) Send(ctx context.Context, req BuildRequest) (res *Result, err error) {
	path := userop.PathBundler
	defer func() {
		stage := "done"
		if err != nil {
			stage = string(StageOf(err))
		}
		r.metrics.IncOperation(string(path), stage)
	}()

	op, err := r.builder.Build(ctx, req)
	if err != nil {
		return nil, stageError(StageBuild, err)
	}

	if r.owners != nil && !op.IsDeployment() {
		if err := r.signer.VerifyOwner(ctx, r.owners, op.Sender); err != nil {
			return nil, stageError(StageSign, err)
		}
	}

	signed, err := r.signer.Sign(ctx, op)
	if err != nil {
		return nil, stageError(StageSign, err)
	}
	res = &Result{Operation: signed, Path: userop.PathBundler}

	hash, err := r.pool.SendUserOperation(ctx, signed, r.cfg.EntryPoint)
	if err != nil {
		if !bundler.IsAllEndpointsFailed(err) || r.direct == nil {
			return nil, stageError(StageSubmit, err)
		}

		path = userop.PathDirect
		r.logger.Warn("all bundler endpoints failed, executing directly", "sender", signed.Sender.Hex(), "error", err)

		receipt, directErr := r.direct.Execute(ctx, req.Calls...)
		if directErr != nil {
			return nil, stageError(StageFallback, fmt.Errorf("%w (submit failed first: %v)", directErr, err))
		}
		res.Path = userop.PathDirect
		res.OperationHash = receipt.OperationHash
		res.Receipt = receipt
		return res, nil
	}

	res.OperationHash = hash
	r.logger.Info("userop submitted",
		"userOpHash", hash.Hex(),
		"sender", signed.Sender.Hex(),
		"nonce", signed.Nonce.String(),
		"sponsored", signed.IsSponsored())

	if r.cfg.SkipReceipt || r.watcher == nil {
		return res, nil
	}

	// A timeout here never triggers the fallback: the operation may still be included, and
	// executing the calls again would run them twice.
	receipt, err := r.watcher.Wait(ctx, hash, r.cfg.ReceiptTimeout, r.cfg.PollInterval)
	if err != nil {
		return res, stageError(StagePoll, err)
	}
	res.Receipt = receipt
	return res, nil
}
