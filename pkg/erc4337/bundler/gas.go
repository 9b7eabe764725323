package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mitchellh/mapstructure"

	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

// GasEstimation holds the three gas limits returned by eth_estimateUserOperationGas.
type GasEstimation struct {
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
}

// GasPrice is a fee recommendation from a relay.
type GasPrice struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Relays disagree on both the shape and the encoding of these results: some return hex
// quantities, some decimal numbers, and Pimlico nests fees in slow/standard/fast tiers.
type gasLimitsResult struct {
	PreVerificationGas   interface{} `mapstructure:"preVerificationGas"`
	VerificationGasLimit interface{} `mapstructure:"verificationGasLimit"`
	VerificationGas      interface{} `mapstructure:"verificationGas"`
	CallGasLimit         interface{} `mapstructure:"callGasLimit"`
}

type gasPriceTier struct {
	MaxFeePerGas         interface{} `mapstructure:"maxFeePerGas"`
	MaxPriorityFeePerGas interface{} `mapstructure:"maxPriorityFeePerGas"`
}

type gasPriceResult struct {
	Flat     gasPriceTier  `mapstructure:",squash"`
	Slow     *gasPriceTier `mapstructure:"slow"`
	Standard *gasPriceTier `mapstructure:"standard"`
	Fast     *gasPriceTier `mapstructure:"fast"`
}

// EstimateUserOperationGas estimates the gas required for a UserOperation.
// https://eips.ethereum.org/EIPS/eip-4337#rpc-methods-eth-namespace
// The signature is ignored by the relay but must still have the right length.
func (c *BundlerClient) EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (*GasEstimation, error) {
	var raw map[string]interface{}
	if err := c.Call(ctx, &raw, "eth_estimateUserOperationGas", NewUserOperation(op), entrypoint.Hex()); err != nil {
		return nil, err
	}

	var result gasLimitsResult
	if err := mapstructure.Decode(raw, &result); err != nil {
		return nil, fmt.Errorf("unexpected eth_estimateUserOperationGas result: %w", err)
	}

	verification := result.VerificationGasLimit
	if verification == nil {
		// older relays name it verificationGas
		verification = result.VerificationGas
	}

	est := &GasEstimation{}
	var err error
	if est.PreVerificationGas, err = ParseQuantity(result.PreVerificationGas); err != nil {
		return nil, fmt.Errorf("preVerificationGas: %w", err)
	}
	if est.VerificationGasLimit, err = ParseQuantity(verification); err != nil {
		return nil, fmt.Errorf("verificationGasLimit: %w", err)
	}
	if est.CallGasLimit, err = ParseQuantity(result.CallGasLimit); err != nil {
		return nil, fmt.Errorf("callGasLimit: %w", err)
	}
	return est, nil
}

// GetUserOperationGasPrice calls a provider specific fee method, for example
// pimlico_getUserOperationGasPrice. For tiered answers the fast tier wins.
func (c *BundlerClient) GetUserOperationGasPrice(ctx context.Context, method string) (*GasPrice, error) {
	var raw map[string]interface{}
	if err := c.Call(ctx, &raw, method); err != nil {
		return nil, err
	}
	return decodeGasPrice(raw)
}

func decodeGasPrice(raw map[string]interface{}) (*GasPrice, error) {
	var result gasPriceResult
	if err := mapstructure.Decode(raw, &result); err != nil {
		return nil, fmt.Errorf("unexpected gas price result: %w", err)
	}

	tier := &result.Flat
	for _, t := range []*gasPriceTier{result.Fast, result.Standard, result.Slow} {
		if t != nil {
			tier = t
			break
		}
	}

	maxFee, err := ParseQuantity(tier.MaxFeePerGas)
	if err != nil {
		return nil, fmt.Errorf("maxFeePerGas: %w", err)
	}
	priority, err := ParseQuantity(tier.MaxPriorityFeePerGas)
	if err != nil {
		return nil, fmt.Errorf("maxPriorityFeePerGas: %w", err)
	}
	return &GasPrice{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: priority}, nil
}

var errMissingQuantity = errors.New("missing value")

// ParseQuantity accepts hex quantities, decimal strings and JSON numbers.
func ParseQuantity(v interface{}) (*big.Int, error) {
	switch x := v.(type) {
	case nil:
		return nil, errMissingQuantity
	case string:
		s := strings.TrimSpace(x)
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			return hexutil.DecodeBig(strings.ToLower(s[:2]) + strings.TrimLeft(s[2:], "0") + zeroIfTrimmed(s[2:]))
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("invalid quantity %q", x)
		}
		return n, nil
	case float64:
		if x < 0 || x != float64(uint64(x)) {
			return nil, fmt.Errorf("invalid quantity %v", x)
		}
		return new(big.Int).SetUint64(uint64(x)), nil
	case json.Number:
		n, ok := new(big.Int).SetString(x.String(), 10)
		if !ok {
			return nil, fmt.Errorf("invalid quantity %q", x)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unsupported quantity type %T", v)
	}
}

// zeroIfTrimmed keeps "0x0" and "0x000" valid after leading zeros are stripped, since
// hexutil rejects leading zero digits that some relays still send.
func zeroIfTrimmed(digits string) string {
	if strings.TrimLeft(digits, "0") == "" {
		return "0"
	}
	return ""
}
