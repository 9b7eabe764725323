package userop

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	address, _ = abi.NewType("address", "", nil)
	uint256, _ = abi.NewType("uint256", "", nil)
	bytes32, _ = abi.NewType("bytes32", "", nil)

	// Same layout as EntryPoint v0.6 UserOperationLib.pack, dynamic fields replaced by their hash.
	packArgs = abi.Arguments{
		{Name: "sender", Type: address},
		{Name: "nonce", Type: uint256},
		{Name: "hashInitCode", Type: bytes32},
		{Name: "hashCallData", Type: bytes32},
		{Name: "callGasLimit", Type: uint256},
		{Name: "verificationGasLimit", Type: uint256},
		{Name: "preVerificationGas", Type: uint256},
		{Name: "maxFeePerGas", Type: uint256},
		{Name: "maxPriorityFeePerGas", Type: uint256},
		{Name: "hashPaymasterAndData", Type: bytes32},
	}

	hashArgs = abi.Arguments{
		{Name: "userOpHash", Type: bytes32},
		{Name: "entryPoint", Type: address},
		{Name: "chainId", Type: uint256},
	}
)

// Pack returns the abi encoding hashed by the EntryPoint. The signature is not part of it.
func (op *UserOperation) Pack() ([]byte, error) {
	return packArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
}

// Hash computes getUserOpHash locally:
// keccak256(abi.encode(keccak256(pack(op)), entryPoint, chainId)).
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := op.Pack()
	if err != nil {
		return common.Hash{}, err
	}

	encoded, err := hashArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, orZero(chainID))
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// LocalHasher computes operation hashes without a chain round trip.
type LocalHasher struct {
	EntryPoint common.Address
	ChainID    *big.Int
}

func (h LocalHasher) UserOpHash(_ context.Context, op *UserOperation) (common.Hash, error) {
	return op.Hash(h.EntryPoint, h.ChainID)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
