package preset

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-userops/core/chainio/signer"
	"github.com/AvaProtocol/ap-userops/pkg/eip1559"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userops/pkg/logger"
)

var (
	// Gas used when eth_estimateGas fails for a direct call
	DIRECT_FALLBACK_GAS_LIMIT = uint64(100_000)
	// Percent added on top of the node's estimate
	DIRECT_GAS_BUFFER_PERCENT = uint64(20)
)

// DirectBackend is the node access the DirectExecutor needs. *ethclient.Client satisfies it.
type DirectBackend interface {
	bind.DeployBackend
	eip1559.FeeReader
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// DirectExecutor sends the inner calls as plain EIP-1559 transactions from the owner EOA,
// bypassing relays altogether. It is the last resort once every relay has failed.
type DirectExecutor struct {
	backend DirectBackend
	key     *ecdsa.PrivateKey
	from    common.Address
	logger  logger.Logger
}

func NewDirectExecutor(backend DirectBackend, key *ecdsa.PrivateKey, lgr logger.Logger) *DirectExecutor {
	return &DirectExecutor{
		backend: backend,
		key:     key,
		from:    signer.Address(key),
		logger:  logger.EnsureLogger(lgr),
	}
}

// Execute sends one transaction per call, in order, waiting for each to be mined before the
// next. The combined result is reported as a single receipt on the direct path.
func (d *DirectExecutor) Execute(ctx context.Context, calls ...Call) (*userop.Receipt, error) {
	if len(calls) == 0 {
		return nil, fmt.Errorf("%w: %w: no calls", ErrDirectExecutionFailed, ErrInvalidBatch)
	}

	chainID, err := d.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get chain ID: %w", ErrDirectExecutionFailed, err)
	}
	txSigner := types.LatestSignerForChainID(chainID)

	out := &userop.Receipt{
		Sender:  d.from,
		GasUsed: new(big.Int),
		GasCost: new(big.Int),
		Success: true,
		Path:    userop.PathDirect,
	}

	for i, call := range calls {
		receipt, nonce, err := d.send(ctx, txSigner, chainID, call)
		if err != nil {
			return nil, fmt.Errorf("%w: call %d of %d to %s: %w", ErrDirectExecutionFailed, i+1, len(calls), call.Target.Hex(), err)
		}

		if i == 0 {
			out.Nonce = new(big.Int).SetUint64(nonce)
		}
		out.TransactionHash = receipt.TxHash
		out.OperationHash = receipt.TxHash
		if receipt.BlockNumber != nil {
			out.BlockNumber = receipt.BlockNumber.Uint64()
		}
		gasUsed := new(big.Int).SetUint64(receipt.GasUsed)
		out.GasUsed.Add(out.GasUsed, gasUsed)
		if receipt.EffectiveGasPrice != nil {
			out.GasCost.Add(out.GasCost, new(big.Int).Mul(gasUsed, receipt.EffectiveGasPrice))
		}

		d.logger.Info("direct transaction mined",
			"txHash", receipt.TxHash.Hex(),
			"block", out.BlockNumber,
			"status", receipt.Status,
			"call", i+1,
			"of", len(calls))

		// The remaining calls are not sent once one reverts.
		if receipt.Status != types.ReceiptStatusSuccessful {
			out.Success = false
			out.FailureReason = fmt.Sprintf("call %d of %d to %s reverted in transaction %s, later calls were not sent",
				i+1, len(calls), call.Target.Hex(), receipt.TxHash.Hex())
			d.logger.Warn("direct call reverted, stopping", "call", i+1, "of", len(calls), "txHash", receipt.TxHash.Hex())
			return out, nil
		}
	}
	return out, nil
}

func (d *DirectExecutor) send(ctx context.Context, txSigner types.Signer, chainID *big.Int, call Call) (*types.Receipt, uint64, error) {
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := d.backend.PendingNonceAt(ctx, d.from)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get nonce: %w", err)
	}

	to := call.Target
	gas, err := d.backend.EstimateGas(ctx, ethereum.CallMsg{From: d.from, To: &to, Value: value, Data: call.Data})
	if err != nil {
		d.logger.Warn("direct gas estimation failed, using fallback limit", "target", to.Hex(), "gas", DIRECT_FALLBACK_GAS_LIMIT, "error", err)
		gas = DIRECT_FALLBACK_GAS_LIMIT
	} else {
		gas += gas * DIRECT_GAS_BUFFER_PERCENT / 100
	}

	maxFee, tip, err := eip1559.SuggestFee(ctx, d.backend)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to suggest fees: %w", err)
	}

	tx, err := types.SignNewTx(d.key, txSigner, &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      call.Data,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := d.backend.SendTransaction(ctx, tx); err != nil {
		return nil, 0, fmt.Errorf("failed to send transaction: %w", err)
	}
	d.logger.Debug("direct transaction sent", "txHash", tx.Hash().Hex(), "nonce", nonce, "gas", gas, "maxFeePerGas", eip1559.ToGwei(maxFee))

	receipt, err := bind.WaitMined(ctx, d.backend, tx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed waiting for %s: %w", tx.Hash().Hex(), err)
	}
	return receipt, nonce, nil
}
