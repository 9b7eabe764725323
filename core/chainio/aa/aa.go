package aa

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

var (
	EntryPointABI = mustParseABI("entrypoint", entryPointABIJSON)
	FactoryABI    = mustParseABI("factory", factoryABIJSON)
	AccountABI    = mustParseABI("account", accountABIJSON)

	defaultSalt = big.NewInt(0)

	// UserOperationEventTopic is topic0 of EntryPoint.UserOperationEvent.
	UserOperationEventTopic = EntryPointABI.Events["UserOperationEvent"].ID
	// UserOperationRevertReasonTopic is topic0 of EntryPoint.UserOperationRevertReason.
	UserOperationRevertReasonTopic = EntryPointABI.Events["UserOperationRevertReason"].ID

	ErrNotExecuteCall = errors.New("calldata is not an execute call")
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Errorf("Invalid %s ABI: %w", name, err))
	}
	return parsed
}

// PackExecute generates calldata for a single call through the account's execute.
func PackExecute(targetAddress common.Address, ethValue *big.Int, calldata []byte) ([]byte, error) {
	if ethValue == nil {
		ethValue = new(big.Int)
	}
	return AccountABI.Pack("execute", targetAddress, ethValue, calldata)
}

// PackExecuteBatch generates calldata for executeBatch. The three slices must be the same
// length; callers validate that before reaching here.
func PackExecuteBatch(targets []common.Address, values []*big.Int, calldatas [][]byte) ([]byte, error) {
	if len(targets) != len(values) || len(targets) != len(calldatas) {
		return nil, fmt.Errorf("executeBatch length mismatch: %d targets, %d values, %d calldatas", len(targets), len(values), len(calldatas))
	}
	vals := make([]*big.Int, len(values))
	for i, v := range values {
		if v == nil {
			v = new(big.Int)
		}
		vals[i] = v
	}
	return AccountABI.Pack("executeBatch", targets, vals, calldatas)
}

// UnpackExecute decodes calldata produced by PackExecute.
func UnpackExecute(calldata []byte) (common.Address, *big.Int, []byte, error) {
	method := AccountABI.Methods["execute"]
	if len(calldata) < 4 || !bytes.Equal(calldata[:4], method.ID) {
		return common.Address{}, nil, nil, ErrNotExecuteCall
	}
	args, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	return args[0].(common.Address), args[1].(*big.Int), args[2].([]byte), nil
}

// UnpackExecuteBatch decodes calldata produced by PackExecuteBatch.
func UnpackExecuteBatch(calldata []byte) ([]common.Address, []*big.Int, [][]byte, error) {
	method := AccountABI.Methods["executeBatch"]
	if len(calldata) < 4 || !bytes.Equal(calldata[:4], method.ID) {
		return nil, nil, nil, ErrNotExecuteCall
	}
	args, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, nil, nil, err
	}
	return args[0].([]common.Address), args[1].([]*big.Int), args[2].([][]byte), nil
}

// GetInitCode returns factory ++ createAccount(owner, salt).
func GetInitCode(factory common.Address, owner common.Address, salt *big.Int) ([]byte, error) {
	if salt == nil {
		salt = defaultSalt
	}

	calldata, err := FactoryABI.Pack("createAccount", owner, salt)
	if err != nil {
		return nil, err
	}

	var data []byte
	data = append(data, factory.Bytes()...)
	data = append(data, calldata...)
	return data, nil
}

// IsDeployed reports whether addr has contract code at the latest block.
func IsDeployed(ctx context.Context, conn bind.ContractCaller, addr common.Address) (bool, error) {
	code, err := conn.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("failed to read code at %s: %w", addr.Hex(), err)
	}
	return len(code) > 0, nil
}

// Factory wraps the account factory contract.
type Factory struct {
	address  common.Address
	contract *bind.BoundContract
}

func NewFactory(address common.Address, conn bind.ContractCaller) *Factory {
	return &Factory{
		address:  address,
		contract: bind.NewBoundContract(address, FactoryABI, conn, nil, nil),
	}
}

func (f *Factory) Address() common.Address {
	return f.address
}

// GetAddress returns the counterfactual account address for (owner, salt).
func (f *Factory) GetAddress(ctx context.Context, owner common.Address, salt *big.Int) (common.Address, error) {
	if salt == nil {
		salt = defaultSalt
	}

	var out []interface{}
	if err := f.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getAddress", owner, salt); err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (f *Factory) InitCode(owner common.Address, salt *big.Int) ([]byte, error) {
	return GetInitCode(f.address, owner, salt)
}

// EntryPoint wraps the calls this module makes on the v0.6 EntryPoint singleton.
type EntryPoint struct {
	address  common.Address
	contract *bind.BoundContract
}

func NewEntryPoint(address common.Address, conn bind.ContractCaller) *EntryPoint {
	return &EntryPoint{
		address:  address,
		contract: bind.NewBoundContract(address, EntryPointABI, conn, nil, nil),
	}
}

func (e *EntryPoint) Address() common.Address {
	return e.address
}

// GetNonce reads the nonce for (sender, key).
func (e *EntryPoint) GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error) {
	if key == nil {
		key = defaultSalt
	}

	var out []interface{}
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getNonce", sender, key); err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// entryPointUserOp mirrors the UserOperation tuple for abi packing.
type entryPointUserOp struct {
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

func toEntryPointUserOp(op *userop.UserOperation) entryPointUserOp {
	z := func(v *big.Int) *big.Int {
		if v == nil {
			return new(big.Int)
		}
		return v
	}
	b := func(v []byte) []byte {
		if v == nil {
			return []byte{}
		}
		return v
	}
	return entryPointUserOp{
		Sender:               op.Sender,
		Nonce:                z(op.Nonce),
		InitCode:             b(op.InitCode),
		CallData:             b(op.CallData),
		CallGasLimit:         z(op.CallGasLimit),
		VerificationGasLimit: z(op.VerificationGasLimit),
		PreVerificationGas:   z(op.PreVerificationGas),
		MaxFeePerGas:         z(op.MaxFeePerGas),
		MaxPriorityFeePerGas: z(op.MaxPriorityFeePerGas),
		PaymasterAndData:     b(op.PaymasterAndData),
		Signature:            b(op.Signature),
	}
}

// UserOpHash asks the EntryPoint for the canonical hash of op.
func (e *EntryPoint) UserOpHash(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	var out []interface{}
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getUserOpHash", toEntryPointUserOp(op)); err != nil {
		return common.Hash{}, err
	}
	return common.Hash(*abi.ConvertType(out[0], new([32]byte)).(*[32]byte)), nil
}

// UserOperationEvent is the decoded EntryPoint.UserOperationEvent log.
type UserOperationEvent struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
	Raw           types.Log
}

// ParseUserOperationEvent decodes a UserOperationEvent log emitted by any EntryPoint.
func ParseUserOperationEvent(log types.Log) (*UserOperationEvent, error) {
	if len(log.Topics) != 4 || log.Topics[0] != UserOperationEventTopic {
		return nil, fmt.Errorf("log %s:%d is not a UserOperationEvent", log.TxHash.Hex(), log.Index)
	}

	values, err := EntryPointABI.Events["UserOperationEvent"].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, err
	}

	return &UserOperationEvent{
		UserOpHash:    log.Topics[1],
		Sender:        common.BytesToAddress(log.Topics[2].Bytes()),
		Paymaster:     common.BytesToAddress(log.Topics[3].Bytes()),
		Nonce:         values[0].(*big.Int),
		Success:       values[1].(bool),
		ActualGasCost: values[2].(*big.Int),
		ActualGasUsed: values[3].(*big.Int),
		Raw:           log,
	}, nil
}

// ParseRevertReason decodes the revertReason bytes of a UserOperationRevertReason log.
func ParseRevertReason(log types.Log) ([]byte, error) {
	if len(log.Topics) == 0 || log.Topics[0] != UserOperationRevertReasonTopic {
		return nil, fmt.Errorf("log %s:%d is not a UserOperationRevertReason", log.TxHash.Hex(), log.Index)
	}
	values, err := EntryPointABI.Events["UserOperationRevertReason"].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, err
	}
	return values[1].([]byte), nil
}

// GetOwner reads owner() from a deployed smart account.
func GetOwner(ctx context.Context, conn bind.ContractCaller, account common.Address) (common.Address, error) {
	contract := bind.NewBoundContract(account, AccountABI, conn, nil, nil)

	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "owner"); err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}
