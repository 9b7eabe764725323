package preset

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-userops/pkg/eip1559"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userops/pkg/logger"
)

var (
	// Static gas ceilings for operations the relay cannot simulate. A sponsor-paid operation
	// carries no real paymaster signature until it is final, so eth_estimateUserOperationGas
	// rejects it; these values are observed upper bounds for SimpleAccount execute paths.
	STATIC_CALL_GAS_LIMIT             = big.NewInt(150_000)
	STATIC_DEPLOY_CALL_GAS_LIMIT      = big.NewInt(250_000)
	STATIC_BATCH_CALL_GAS_BASE        = big.NewInt(100_000)
	STATIC_BATCH_DEPLOY_CALL_GAS_BASE = big.NewInt(200_000)
	STATIC_BATCH_CALL_GAS_PER_CALL    = big.NewInt(80_000)
	STATIC_VERIFICATION_GAS_LIMIT     = big.NewInt(300_000)
	DEPLOYMENT_VERIFICATION_GAS_LIMIT = big.NewInt(500_000) // factory createAccount + validateUserOp
	STATIC_PREVERIFICATION_GAS        = big.NewInt(51_000)

	// Used when the node returns no fee data at all.
	DEFAULT_NETWORK_MAX_FEE      = big.NewInt(20_000_000_000) // 20 gwei
	DEFAULT_NETWORK_PRIORITY_FEE = big.NewInt(2_000_000_000)  // 2 gwei

	NETWORK_MAX_FEE_MULTIPLIER      = big.NewInt(3)
	NETWORK_PRIORITY_FEE_MULTIPLIER = big.NewInt(10)

	// maxFeePerGas must leave at least this much above the priority fee
	MIN_FEE_HEADROOM = big.NewInt(1_000_000_000)

	// DummySignature has the length and shape of a real ECDSA signature so validation code
	// runs the same path during simulation: r = 0xff..ff, s = 0x7aaa..aa, v = 28.
	DummySignature = common.FromHex("0x" +
		strings.Repeat("ff", 32) +
		"7a" + strings.Repeat("aa", 31) +
		"1c")

	// Fee methods tried in order before falling back to network fees.
	BundlerFeeMethods = []string{
		"pimlico_getUserOperationGasPrice",
		"stackup_getUserOperationGasPrice",
		"eth_getUserOperationGasPrice",
	}
)

// FeeFloor is a provider's minimum accepted fee. Unset fields do not constrain.
type FeeFloor struct {
	Name           string
	MinMaxFee      *big.Int
	MinPriorityFee *big.Int
}

// DefaultFeeFloors are the minimums public relays have been seen to enforce on Sepolia.
func DefaultFeeFloors() []FeeFloor {
	return []FeeFloor{
		{Name: "pimlico", MinMaxFee: big.NewInt(1_200_000_000)},
		{Name: "alchemy", MinPriorityFee: big.NewInt(150_000_000)},
	}
}

// StaticGas returns the fixed limits for a sponsored operation with the given number of
// calls. A batch is any operation with more than one call.
func StaticGas(calls int, deploying bool) *bundler.GasEstimation {
	verification := STATIC_VERIFICATION_GAS_LIMIT
	if deploying {
		verification = DEPLOYMENT_VERIFICATION_GAS_LIMIT
	}

	var call *big.Int
	switch {
	case calls <= 1 && deploying:
		call = new(big.Int).Set(STATIC_DEPLOY_CALL_GAS_LIMIT)
	case calls <= 1:
		call = new(big.Int).Set(STATIC_CALL_GAS_LIMIT)
	default:
		base := STATIC_BATCH_CALL_GAS_BASE
		if deploying {
			base = STATIC_BATCH_DEPLOY_CALL_GAS_BASE
		}
		perCall := new(big.Int).Mul(STATIC_BATCH_CALL_GAS_PER_CALL, big.NewInt(int64(calls)))
		call = new(big.Int).Add(base, perCall)
	}

	return &bundler.GasEstimation{
		CallGasLimit:         call,
		VerificationGasLimit: new(big.Int).Set(verification),
		PreVerificationGas:   new(big.Int).Set(STATIC_PREVERIFICATION_GAS),
	}
}

// FeeStrategy produces maxFeePerGas and maxPriorityFeePerGas.
type FeeStrategy interface {
	Name() string
	Fees(ctx context.Context) (*bundler.GasPrice, error)
}

// GasPriceClient is the part of the bundler pool used by BundlerFeeStrategy.
type GasPriceClient interface {
	GetUserOperationGasPrice(ctx context.Context, method string) (*bundler.GasPrice, error)
}

// BundlerFeeStrategy asks the relay pool for its own fee recommendation.
type BundlerFeeStrategy struct {
	Client GasPriceClient
	Method string
}

func (s *BundlerFeeStrategy) Name() string { return s.Method }

func (s *BundlerFeeStrategy) Fees(ctx context.Context) (*bundler.GasPrice, error) {
	price, err := s.Client.GetUserOperationGasPrice(ctx, s.Method)
	if err != nil {
		return nil, err
	}
	if isZero(price.MaxFeePerGas) || isZero(price.MaxPriorityFeePerGas) {
		return nil, fmt.Errorf("%s returned zero fees", s.Method)
	}
	return price, nil
}

// NetworkFeeStrategy derives fees from the chain with wide safety margins, since relays price
// operations above plain transactions: maxFee = 3*(2*base + tip), priority = 10*tip. The
// provider floors and the headroom rule are applied last.
type NetworkFeeStrategy struct {
	Reader eip1559.FeeReader
	Floors []FeeFloor
	Logger logger.Logger
}

func (s *NetworkFeeStrategy) Name() string { return "network" }

func (s *NetworkFeeStrategy) Fees(ctx context.Context) (*bundler.GasPrice, error) {
	networkMax := new(big.Int).Set(DEFAULT_NETWORK_MAX_FEE)
	tip := new(big.Int).Set(DEFAULT_NETWORK_PRIORITY_FEE)

	if s.Reader != nil {
		fee, err := eip1559.ReadNetworkFee(ctx, s.Reader)
		if err != nil {
			logger.EnsureLogger(s.Logger).Warn("network fee data unavailable, using defaults",
				"maxFeePerGas", eip1559.ToGwei(networkMax),
				"maxPriorityFeePerGas", eip1559.ToGwei(tip),
				"error", err)
		} else {
			tip = fee.Tip
			networkMax = new(big.Int).Add(new(big.Int).Mul(fee.BaseFee, big.NewInt(2)), fee.Tip)
		}
	}

	maxFee := new(big.Int).Mul(networkMax, NETWORK_MAX_FEE_MULTIPLIER)
	priority := new(big.Int).Mul(tip, NETWORK_PRIORITY_FEE_MULTIPLIER)
	maxFee, priority = ApplyFeeFloors(maxFee, priority, s.Floors)

	return &bundler.GasPrice{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: priority}, nil
}

// ApplyFeeFloors raises fees to the highest floor across providers, then makes sure maxFee
// exceeds priority by MIN_FEE_HEADROOM.
func ApplyFeeFloors(maxFee, priority *big.Int, floors []FeeFloor) (*big.Int, *big.Int) {
	maxFee = new(big.Int).Set(maxFee)
	priority = new(big.Int).Set(priority)

	for _, f := range floors {
		if f.MinMaxFee != nil && maxFee.Cmp(f.MinMaxFee) < 0 {
			maxFee.Set(f.MinMaxFee)
		}
		if f.MinPriorityFee != nil && priority.Cmp(f.MinPriorityFee) < 0 {
			priority.Set(f.MinPriorityFee)
		}
	}

	minMax := new(big.Int).Add(priority, MIN_FEE_HEADROOM)
	if maxFee.Cmp(minMax) < 0 {
		maxFee = minMax
	}
	return maxFee, priority
}

// GasSimulator is the part of the bundler pool used for unsponsored estimation.
type GasSimulator interface {
	EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (*bundler.GasEstimation, error)
}

// GasEstimator fills the gas limits and fees of an operation. It returns every field non-zero
// or ErrGasEstimationFailed, never a partial result.
type GasEstimator struct {
	simulator  GasSimulator
	strategies []FeeStrategy
	entrypoint common.Address
	logger     logger.Logger
}

// RelayGas is what the estimator needs from the relay pool.
type RelayGas interface {
	GasSimulator
	GasPriceClient
}

// NewGasEstimator builds an estimator. pool may be nil when only sponsored operations are
// sent. The bundler fee methods are tried before network fees when pool is set.
func NewGasEstimator(pool RelayGas, reader eip1559.FeeReader, entrypoint common.Address, floors []FeeFloor, lgr logger.Logger) *GasEstimator {
	var strategies []FeeStrategy
	var simulator GasSimulator
	if pool != nil {
		simulator = pool
		strategies = lo.Map(BundlerFeeMethods, func(m string, _ int) FeeStrategy {
			return &BundlerFeeStrategy{Client: pool, Method: m}
		})
	}
	strategies = append(strategies, &NetworkFeeStrategy{Reader: reader, Floors: floors, Logger: lgr})

	return &GasEstimator{
		simulator:  simulator,
		strategies: strategies,
		entrypoint: entrypoint,
		logger:     logger.EnsureLogger(lgr),
	}
}

// WithStrategies replaces the fee strategy list.
func (g *GasEstimator) WithStrategies(strategies ...FeeStrategy) *GasEstimator {
	g.strategies = strategies
	return g
}

// Fees runs the strategies in order and returns the first complete answer.
func (g *GasEstimator) Fees(ctx context.Context) (*bundler.GasPrice, error) {
	var errs []error
	for _, s := range g.strategies {
		price, err := s.Fees(ctx)
		if err == nil && (isZero(price.MaxFeePerGas) || isZero(price.MaxPriorityFeePerGas)) {
			err = errors.New("zero fee")
		}
		if err != nil {
			g.logger.Debug("fee strategy failed", "strategy", s.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		g.logger.Debug("fee strategy selected",
			"strategy", s.Name(),
			"maxFeePerGas", eip1559.ToGwei(price.MaxFeePerGas),
			"maxPriorityFeePerGas", eip1559.ToGwei(price.MaxPriorityFeePerGas))
		return price, nil
	}
	return nil, fmt.Errorf("%w: no fee strategy succeeded: %w", ErrGasEstimationFailed, errors.Join(errs...))
}

// Limits returns the gas limits for op. Sponsored operations get StaticGas; others are
// simulated by the relay pool with a placeholder signature.
func (g *GasEstimator) Limits(ctx context.Context, op *userop.UserOperation, calls int) (*bundler.GasEstimation, error) {
	if op.IsSponsored() {
		return StaticGas(calls, op.IsDeployment()), nil
	}
	if g.simulator == nil {
		return nil, fmt.Errorf("%w: no relay available to simulate an unsponsored operation", ErrGasEstimationFailed)
	}

	probe := op.WithSignature(DummySignature)
	// The relay needs plausible limits in the probe to run validation at all.
	static := StaticGas(calls, op.IsDeployment())
	probe.CallGasLimit = lo.Ternary(isZero(probe.CallGasLimit), static.CallGasLimit, probe.CallGasLimit)
	probe.VerificationGasLimit = lo.Ternary(isZero(probe.VerificationGasLimit), static.VerificationGasLimit, probe.VerificationGasLimit)
	probe.PreVerificationGas = lo.Ternary(isZero(probe.PreVerificationGas), static.PreVerificationGas, probe.PreVerificationGas)

	est, err := g.simulator.EstimateUserOperationGas(ctx, probe, g.entrypoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGasEstimationFailed, err)
	}
	if isZero(est.CallGasLimit) || isZero(est.VerificationGasLimit) || isZero(est.PreVerificationGas) {
		return nil, fmt.Errorf("%w: relay returned a zero gas field (call=%v verification=%v preVerification=%v)",
			ErrGasEstimationFailed, est.CallGasLimit, est.VerificationGasLimit, est.PreVerificationGas)
	}

	if op.IsDeployment() && est.VerificationGasLimit.Cmp(DEPLOYMENT_VERIFICATION_GAS_LIMIT) < 0 {
		g.logger.Debug("raising verificationGasLimit for deployment",
			"estimated", est.VerificationGasLimit.String(),
			"floor", DEPLOYMENT_VERIFICATION_GAS_LIMIT.String())
		est.VerificationGasLimit = new(big.Int).Set(DEPLOYMENT_VERIFICATION_GAS_LIMIT)
	}
	return est, nil
}

// Estimate fills gas limits and fees on a copy of op.
func (g *GasEstimator) Estimate(ctx context.Context, op *userop.UserOperation, calls int) (*userop.UserOperation, error) {
	fees, err := g.Fees(ctx)
	if err != nil {
		return nil, err
	}

	priced := op.Clone()
	priced.MaxFeePerGas = fees.MaxFeePerGas
	priced.MaxPriorityFeePerGas = fees.MaxPriorityFeePerGas

	limits, err := g.Limits(ctx, priced, calls)
	if err != nil {
		return nil, err
	}
	return applyLimits(priced, limits), nil
}

func applyLimits(op *userop.UserOperation, limits *bundler.GasEstimation) *userop.UserOperation {
	out := op.Clone()
	out.CallGasLimit = new(big.Int).Set(limits.CallGasLimit)
	out.VerificationGasLimit = new(big.Int).Set(limits.VerificationGasLimit)
	out.PreVerificationGas = new(big.Int).Set(limits.PreVerificationGas)
	return out
}

func isZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}
