package preset

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userops/pkg/logger"
)

var (
	// Nonce key 0: the account's single sequential nonce lane.
	nonceKey = big.NewInt(0)
)

// Call is one inner call made by the smart account.
type Call struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
}

// AccountRef identifies the smart account. When Sender is nil it is derived from the
// factory as getAddress(Owner, Salt).
type AccountRef struct {
	Sender *common.Address
	Owner  common.Address
	Salt   *big.Int
}

// BuildRequest is everything needed to produce an unsigned operation.
type BuildRequest struct {
	Account   AccountRef
	Calls     []Call
	Sponsored bool
}

// BuilderConfig holds the addresses and policies of the deployment.
type BuilderConfig struct {
	EntryPoint common.Address
	Factory    common.Address
	// Sponsor is the paymaster used for sponsored requests; zero means none.
	Sponsor common.Address
	// SponsorValidFor appends a validity window to paymasterAndData when positive.
	SponsorValidFor time.Duration
	// AllowStaticGas applies StaticGas when the estimator fails instead of failing the build.
	AllowStaticGas bool
}

// Builder assembles unsigned, fully priced operations.
type Builder struct {
	cfg        BuilderConfig
	conn       bind.ContractCaller
	entryPoint *aa.EntryPoint
	factory    *aa.Factory
	estimator  *GasEstimator
	clock      clockwork.Clock
	logger     logger.Logger
}

func NewBuilder(conn bind.ContractCaller, estimator *GasEstimator, cfg BuilderConfig, lgr logger.Logger) *Builder {
	return &Builder{
		cfg:        cfg,
		conn:       conn,
		entryPoint: aa.NewEntryPoint(cfg.EntryPoint, conn),
		factory:    aa.NewFactory(cfg.Factory, conn),
		estimator:  estimator,
		clock:      clockwork.NewRealClock(),
		logger:     logger.EnsureLogger(lgr),
	}
}

// WithClock sets the clock used for sponsor validity windows.
func (b *Builder) WithClock(c clockwork.Clock) *Builder {
	b.clock = c
	return b
}

// BuildBatch encodes executeBatch calldata. The three slices must be non-empty and of equal
// length.
func BuildBatch(targets []common.Address, values []*big.Int, datas [][]byte) ([]byte, error) {
	if len(targets) == 0 || len(targets) != len(values) || len(targets) != len(datas) {
		return nil, fmt.Errorf("%w (got %d targets, %d values, %d calldatas)", ErrInvalidBatch, len(targets), len(values), len(datas))
	}
	return aa.PackExecuteBatch(targets, values, datas)
}

// EncodeCalls encodes a single call as execute and several as executeBatch.
func EncodeCalls(calls []Call) ([]byte, error) {
	switch len(calls) {
	case 0:
		return nil, fmt.Errorf("%w: no calls", ErrInvalidBatch)
	case 1:
		return aa.PackExecute(calls[0].Target, calls[0].Value, calls[0].Data)
	default:
		return BuildBatch(
			lo.Map(calls, func(c Call, _ int) common.Address { return c.Target }),
			lo.Map(calls, func(c Call, _ int) *big.Int { return c.Value }),
			lo.Map(calls, func(c Call, _ int) []byte { return c.Data }),
		)
	}
}

// ResolveSender returns the explicit sender, or the factory's counterfactual address.
func (b *Builder) ResolveSender(ctx context.Context, ref AccountRef) (common.Address, error) {
	if ref.Sender != nil {
		return *ref.Sender, nil
	}
	sender, err := b.factory.GetAddress(ctx, ref.Owner, ref.Salt)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to derive sender address: %w", err)
	}
	return sender, nil
}

// Build resolves the sender, deployment state and nonce, encodes the calls, attaches the
// sponsor and prices the operation. The result is unsigned.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*userop.UserOperation, error) {
	// Everything that can be rejected without the network is checked first.
	callData, err := EncodeCalls(req.Calls)
	if err != nil {
		return nil, err
	}

	var paymasterAndData []byte
	if req.Sponsored {
		if b.cfg.Sponsor == (common.Address{}) {
			return nil, ErrSponsorNotConfigured
		}
		sponsor := userop.SponsorForDuration(b.cfg.Sponsor, b.cfg.SponsorValidFor, b.clock.Now())
		if paymasterAndData, err = sponsor.PaymasterAndData(); err != nil {
			return nil, fmt.Errorf("failed to encode paymasterAndData: %w", err)
		}
	}

	sender, err := b.ResolveSender(ctx, req.Account)
	if err != nil {
		return nil, err
	}

	deployed, err := aa.IsDeployed(ctx, b.conn, sender)
	if err != nil {
		return nil, err
	}

	var initCode []byte
	if !deployed {
		// An explicit sender without code can only be deployed by the initCode if the factory
		// derives that same address from owner and salt.
		if req.Account.Sender != nil {
			derived, err := b.factory.GetAddress(ctx, req.Account.Owner, req.Account.Salt)
			if err != nil {
				return nil, fmt.Errorf("failed to derive sender address: %w", err)
			}
			if derived != sender {
				return nil, fmt.Errorf("%w: %s has no code and the factory derives %s for owner %s",
					ErrSenderNotDeployed, sender.Hex(), derived.Hex(), req.Account.Owner.Hex())
			}
		}
		if initCode, err = b.factory.InitCode(req.Account.Owner, req.Account.Salt); err != nil {
			return nil, fmt.Errorf("failed to build initCode: %w", err)
		}
	}

	// Always read: a cached nonce goes stale as soon as another operation lands.
	nonce, err := b.entryPoint.GetNonce(ctx, sender, nonceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce for %s: %w", sender.Hex(), err)
	}

	b.logger.Debug("building userop",
		"sender", sender.Hex(),
		"deployed", deployed,
		"nonce", nonce.String(),
		"calls", len(req.Calls),
		"sponsored", req.Sponsored)

	op := &userop.UserOperation{
		Sender:           sender,
		Nonce:            nonce,
		InitCode:         initCode,
		CallData:         callData,
		PaymasterAndData: paymasterAndData,
	}

	priced, err := b.estimator.Estimate(ctx, op, len(req.Calls))
	if err == nil {
		return priced, nil
	}
	if !errors.Is(err, ErrGasEstimationFailed) || !b.cfg.AllowStaticGas {
		return nil, stageError(StageEstimate, err)
	}

	b.logger.Warn("gas estimation failed, applying static gas limits", "sender", sender.Hex(), "error", err)
	fees, feeErr := b.estimator.Fees(ctx)
	if feeErr != nil {
		return nil, stageError(StageEstimate, feeErr)
	}
	op.MaxFeePerGas = fees.MaxFeePerGas
	op.MaxPriorityFeePerGas = fees.MaxPriorityFeePerGas
	return applyLimits(op, StaticGas(len(req.Calls), !deployed)), nil
}
