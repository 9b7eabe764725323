package bundler

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

// UserOperation is the JSON-RPC wire form of an operation: hex quantities, hex bytes and an
// EIP-55 checksummed sender. Some bundlers reject lowercase addresses.
type UserOperation struct {
	Sender               string `json:"sender"`
	Nonce                string `json:"nonce"`
	InitCode             string `json:"initCode"`
	CallData             string `json:"callData"`
	CallGasLimit         string `json:"callGasLimit"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	PreVerificationGas   string `json:"preVerificationGas"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
	PaymasterAndData     string `json:"paymasterAndData"`
	Signature            string `json:"signature"`
}

// NewUserOperation converts op into its wire form. Unset numeric fields encode as 0x0.
func NewUserOperation(op *userop.UserOperation) UserOperation {
	return UserOperation{
		Sender:               op.Sender.Hex(),
		Nonce:                quantity(op.Nonce),
		InitCode:             hexutil.Encode(op.InitCode),
		CallData:             hexutil.Encode(op.CallData),
		CallGasLimit:         quantity(op.CallGasLimit),
		VerificationGasLimit: quantity(op.VerificationGasLimit),
		PreVerificationGas:   quantity(op.PreVerificationGas),
		MaxFeePerGas:         quantity(op.MaxFeePerGas),
		MaxPriorityFeePerGas: quantity(op.MaxPriorityFeePerGas),
		PaymasterAndData:     hexutil.Encode(op.PaymasterAndData),
		Signature:            hexutil.Encode(op.Signature),
	}
}

// ToUserOperation parses the wire form back into the model.
func (w UserOperation) ToUserOperation() (*userop.UserOperation, error) {
	if !common.IsHexAddress(w.Sender) {
		return nil, fmt.Errorf("invalid sender %q", w.Sender)
	}

	op := &userop.UserOperation{Sender: common.HexToAddress(w.Sender)}
	nums := []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"nonce", w.Nonce, &op.Nonce},
		{"callGasLimit", w.CallGasLimit, &op.CallGasLimit},
		{"verificationGasLimit", w.VerificationGasLimit, &op.VerificationGasLimit},
		{"preVerificationGas", w.PreVerificationGas, &op.PreVerificationGas},
		{"maxFeePerGas", w.MaxFeePerGas, &op.MaxFeePerGas},
		{"maxPriorityFeePerGas", w.MaxPriorityFeePerGas, &op.MaxPriorityFeePerGas},
	}
	for _, n := range nums {
		v, err := hexutil.DecodeBig(n.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", n.name, n.raw, err)
		}
		*n.dst = v
	}

	blobs := []struct {
		name string
		raw  string
		dst  *[]byte
	}{
		{"initCode", w.InitCode, &op.InitCode},
		{"callData", w.CallData, &op.CallData},
		{"paymasterAndData", w.PaymasterAndData, &op.PaymasterAndData},
		{"signature", w.Signature, &op.Signature},
	}
	for _, b := range blobs {
		v, err := hexutil.Decode(b.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", b.name, err)
		}
		*b.dst = v
	}
	return op, nil
}

func quantity(v *big.Int) string {
	if v == nil {
		return "0x0"
	}
	return hexutil.EncodeBig(v)
}
