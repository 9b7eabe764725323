package eip1559

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

var (
	// Ensure minimum tip of 2 gwei for inclusion
	MinTip = big.NewInt(2_000_000_000)
	// Floor on maxFeePerGas for chains with a volatile base fee
	MinMaxFee = big.NewInt(20_000_000_000)

	ErrNoBaseFee = errors.New("eip1559: latest header has no base fee")
)

// FeeReader is the subset of ethclient.Client needed to price a transaction.
type FeeReader interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// NetworkFee is the raw fee data of the latest block.
type NetworkFee struct {
	BaseFee *big.Int
	Tip     *big.Int
}

// ReadNetworkFee returns the latest base fee and the node's suggested tip, unadjusted.
func ReadNetworkFee(ctx context.Context, client FeeReader) (*NetworkFee, error) {
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, err
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	if header.BaseFee == nil {
		return nil, ErrNoBaseFee
	}
	return &NetworkFee{BaseFee: header.BaseFee, Tip: tip}, nil
}

// SuggestFee prices a plain EIP-1559 transaction: the suggested tip plus 13%, and
// maxFeePerGas = 2*baseFee + tip so the transaction survives a doubling base fee.
func SuggestFee(ctx context.Context, client FeeReader) (*big.Int, *big.Int, error) {
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	buffer := new(big.Int).Div(tipCap, big.NewInt(100))
	buffer = new(big.Int).Mul(buffer, big.NewInt(13))
	maxPriorityFeePerGas := new(big.Int).Add(tipCap, buffer)
	if maxPriorityFeePerGas.Cmp(MinTip) < 0 {
		maxPriorityFeePerGas = new(big.Int).Set(MinTip)
	}

	var maxFeePerGas *big.Int
	if baseFee := header.BaseFee; baseFee != nil {
		maxFeePerGas = new(big.Int).Add(
			new(big.Int).Mul(baseFee, big.NewInt(2)),
			maxPriorityFeePerGas,
		)
		if maxFeePerGas.Cmp(MinMaxFee) < 0 {
			maxFeePerGas = new(big.Int).Set(MinMaxFee)
		}
	} else {
		// Legacy (pre-EIP-1559) chain
		maxFeePerGas = new(big.Int).Set(maxPriorityFeePerGas)
	}

	return maxFeePerGas, maxPriorityFeePerGas, nil
}

// Gwei converts whole and fractional gwei into wei, e.g. Gwei("1.2").
func Gwei(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	return d.Shift(9).BigInt(), nil
}

// ToGwei renders wei as gwei for logs.
func ToGwei(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -9).String()
}
