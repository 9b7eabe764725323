// Package erc20 builds the inner calls of token and native transfers sent from a smart account.
package erc20

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// NativeToken selects a plain value transfer instead of an ERC20 call.
const NativeToken = "ETH"

const erc20ABIJSON = `[
  {"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"payable":false,"stateMutability":"nonpayable","type":"function"},
  {"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"payable":false,"stateMutability":"view","type":"function"},
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"payable":false,"stateMutability":"view","type":"function"}
]`

var (
	ABI = func() abi.ABI {
		parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
		if err != nil {
			panic(fmt.Errorf("Invalid ERC20 ABI: %w", err))
		}
		return parsed
	}()

	ErrNotTransfer   = errors.New("calldata is not an ERC20 transfer")
	ErrInvalidAmount = errors.New("invalid amount")
)

// Transfer moves Amount of Token (a contract address or NativeToken) to Recipient.
type Transfer struct {
	Token     string
	Recipient common.Address
	Amount    *big.Int
}

func (t *Transfer) Validate() error {
	if t.Recipient == (common.Address{}) {
		return fmt.Errorf("recipient address cannot be empty")
	}
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	}
	if t.Token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if !t.IsNative() && !common.IsHexAddress(t.Token) {
		return fmt.Errorf("invalid token contract address: %s", t.Token)
	}
	return nil
}

func (t *Transfer) IsNative() bool {
	return strings.EqualFold(t.Token, NativeToken)
}

// Encode returns the call the account must make: the token contract with transfer calldata
// and zero value, or the recipient with the amount as value and no data.
func (t *Transfer) Encode() (common.Address, *big.Int, []byte, error) {
	if err := t.Validate(); err != nil {
		return common.Address{}, nil, nil, err
	}
	if t.IsNative() {
		return t.Recipient, new(big.Int).Set(t.Amount), []byte{}, nil
	}

	data, err := PackTransfer(t.Recipient, t.Amount)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	return common.HexToAddress(t.Token), big.NewInt(0), data, nil
}

// PackTransfer encodes transfer(to, amount).
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	data, err := ABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack ERC20 transfer call: %w", err)
	}
	return data, nil
}

// UnpackTransfer decodes transfer calldata.
func UnpackTransfer(data []byte) (common.Address, *big.Int, error) {
	method := ABI.Methods["transfer"]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return common.Address{}, nil, ErrNotTransfer
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, nil, err
	}
	return args[0].(common.Address), args[1].(*big.Int), nil
}

// ParseAmount converts a human amount such as "12.5" into base units of a token with the
// given decimals. More fractional digits than the token supports is an error, not a rounding.
func ParseAmount(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidAmount, amount, err)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("%w %q: must be greater than zero", ErrInvalidAmount, amount)
	}

	units := d.Shift(decimals)
	if !units.Equal(units.Truncate(0)) {
		return nil, fmt.Errorf("%w %q: more than %d decimal places", ErrInvalidAmount, amount, decimals)
	}
	return units.BigInt(), nil
}

// FormatAmount renders base units with the token's decimals.
func FormatAmount(units *big.Int, decimals int32) string {
	if units == nil {
		return "0"
	}
	return decimal.NewFromBigInt(units, -decimals).String()
}
