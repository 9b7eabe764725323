// Package userop holds the ERC-4337 (EntryPoint v0.6) UserOperation value type,
// its canonical hash and the receipt shape returned once an operation is mined.
package userop

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var ErrIncompleteOperation = errors.New("userop: operation has unpopulated gas or fee fields")

// UserOperation represents an EIP-4337 style transaction for a smart contract account.
//
// An operation is treated as immutable once it has been hashed for signing. Use Clone or
// WithSignature to derive a new value instead of editing fields of a signed operation.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// Clone returns a deep copy so callers can change fields without touching the original.
func (op *UserOperation) Clone() *UserOperation {
	return &UserOperation{
		Sender:               op.Sender,
		Nonce:                cloneBig(op.Nonce),
		InitCode:             common.CopyBytes(op.InitCode),
		CallData:             common.CopyBytes(op.CallData),
		CallGasLimit:         cloneBig(op.CallGasLimit),
		VerificationGasLimit: cloneBig(op.VerificationGasLimit),
		PreVerificationGas:   cloneBig(op.PreVerificationGas),
		MaxFeePerGas:         cloneBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: cloneBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     common.CopyBytes(op.PaymasterAndData),
		Signature:            common.CopyBytes(op.Signature),
	}
}

// WithSignature returns a copy of the operation carrying sig.
func (op *UserOperation) WithSignature(sig []byte) *UserOperation {
	out := op.Clone()
	out.Signature = common.CopyBytes(sig)
	return out
}

// IsDeployment reports whether the operation deploys its sender through initCode.
func (op *UserOperation) IsDeployment() bool {
	return len(op.InitCode) > 0
}

// IsSponsored reports whether a paymaster pays for the operation.
func (op *UserOperation) IsSponsored() bool {
	return len(op.PaymasterAndData) >= common.AddressLength
}

// Sponsor returns the paymaster address embedded in paymasterAndData, or nil.
func (op *UserOperation) Sponsor() *common.Address {
	if !op.IsSponsored() {
		return nil
	}
	addr := common.BytesToAddress(op.PaymasterAndData[:common.AddressLength])
	return &addr
}

// Validate checks that every numeric field needed for signing is populated and non-zero.
// The nonce is the only field allowed to be zero.
func (op *UserOperation) Validate() error {
	if op.Nonce == nil {
		return fmt.Errorf("%w: nonce", ErrIncompleteOperation)
	}

	fields := []struct {
		name  string
		value *big.Int
	}{
		{"callGasLimit", op.CallGasLimit},
		{"verificationGasLimit", op.VerificationGasLimit},
		{"preVerificationGas", op.PreVerificationGas},
		{"maxFeePerGas", op.MaxFeePerGas},
		{"maxPriorityFeePerGas", op.MaxPriorityFeePerGas},
	}
	for _, f := range fields {
		if f.value == nil || f.value.Sign() <= 0 {
			return fmt.Errorf("%w: %s", ErrIncompleteOperation, f.name)
		}
	}
	return nil
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
