package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

// FakeChain is an in-memory chain answering the contract calls and node methods this module
// uses: EntryPoint getNonce/getUserOpHash, factory getAddress, account owner, fee data,
// transaction submission and log filtering.
type FakeChain struct {
	mu sync.Mutex

	ChainIDValue *big.Int
	Code         map[common.Address][]byte
	Nonces       map[common.Address]*big.Int
	Owners       map[common.Address]common.Address
	// Accounts maps an owner to the account the factory reports for it.
	Accounts map[common.Address]common.Address

	BaseFee *big.Int
	TipCap  *big.Int
	FeeErr  error

	Head     uint64
	Logs     []types.Log
	Receipts map[common.Hash]*types.Receipt

	GasEstimate uint64
	EstimateErr error
	SendErr     error
	RevertTxs   bool
	CallErr     error

	Sent         []*types.Transaction
	pendingNonce map[common.Address]uint64
	calls        map[string]int
}

func NewFakeChain() *FakeChain {
	return &FakeChain{
		ChainIDValue: new(big.Int).Set(ChainID),
		Code:         map[common.Address][]byte{},
		Nonces:       map[common.Address]*big.Int{},
		Owners:       map[common.Address]common.Address{},
		Accounts:     map[common.Address]common.Address{},
		BaseFee:      Gwei(1),
		TipCap:       big.NewInt(100_000_000),
		Head:         1000,
		Receipts:     map[common.Hash]*types.Receipt{},
		GasEstimate:  60_000,
		pendingNonce: map[common.Address]uint64{},
		calls:        map[string]int{},
	}
}

// Deploy marks addr as a contract.
func (c *FakeChain) Deploy(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Code[addr] = []byte{0x60, 0x80, 0x60, 0x40}
}

// CallCount returns how many times a contract method was called.
func (c *FakeChain) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *FakeChain) CodeAt(_ context.Context, contract common.Address, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["codeAt"]++
	return c.Code[contract], nil
}

type opTuple struct {
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

func (c *FakeChain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.CallErr != nil {
		return nil, c.CallErr
	}
	if len(call.Data) < 4 || call.To == nil {
		return nil, errors.New("fake chain: bad call")
	}

	for _, contract := range []abi.ABI{aa.EntryPointABI, aa.FactoryABI, aa.AccountABI} {
		method, err := contract.MethodById(call.Data[:4])
		if err != nil {
			continue
		}
		c.calls[method.Name]++

		args, err := method.Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}

		switch method.Name {
		case "getNonce":
			nonce := c.Nonces[args[0].(common.Address)]
			if nonce == nil {
				nonce = new(big.Int)
			}
			return method.Outputs.Pack(nonce)
		case "getUserOpHash":
			t := *abi.ConvertType(args[0], new(opTuple)).(*opTuple)
			op := userop.UserOperation(t)
			hash, err := op.Hash(*call.To, c.ChainIDValue)
			if err != nil {
				return nil, err
			}
			return method.Outputs.Pack(hash)
		case "getAddress":
			account, ok := c.Accounts[args[0].(common.Address)]
			if !ok {
				return nil, fmt.Errorf("fake chain: no account for owner %s", args[0].(common.Address).Hex())
			}
			return method.Outputs.Pack(account)
		case "owner":
			return method.Outputs.Pack(c.Owners[*call.To])
		default:
			return nil, fmt.Errorf("fake chain: %s not implemented", method.Name)
		}
	}
	return nil, fmt.Errorf("fake chain: unknown selector %x", call.Data[:4])
}

func (c *FakeChain) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.ChainIDValue), nil
}

func (c *FakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FeeErr != nil {
		return nil, c.FeeErr
	}
	return &types.Header{Number: new(big.Int).SetUint64(c.Head), BaseFee: c.BaseFee}, nil
}

func (c *FakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FeeErr != nil {
		return nil, c.FeeErr
	}
	return new(big.Int).Set(c.TipCap), nil
}

func (c *FakeChain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingNonce[account], nil
}

func (c *FakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.GasEstimate, c.EstimateErr
}

// SendTransaction records tx and mines it into the next block straight away.
func (c *FakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}

	signer := types.LatestSignerForChainID(c.ChainIDValue)
	from, err := types.Sender(signer, tx)
	if err != nil {
		return err
	}
	if tx.Nonce() != c.pendingNonce[from] {
		return fmt.Errorf("nonce too low: have %d, want %d", tx.Nonce(), c.pendingNonce[from])
	}
	c.pendingNonce[from]++

	c.Head++
	status := types.ReceiptStatusSuccessful
	if c.RevertTxs {
		status = types.ReceiptStatusFailed
	}
	price := new(big.Int).Add(c.BaseFee, tx.GasTipCap())
	if price.Cmp(tx.GasFeeCap()) > 0 {
		price = tx.GasFeeCap()
	}
	c.Receipts[tx.Hash()] = &types.Receipt{
		Type:              tx.Type(),
		Status:            status,
		TxHash:            tx.Hash(),
		GasUsed:           c.GasEstimate,
		EffectiveGasPrice: price,
		BlockNumber:       new(big.Int).SetUint64(c.Head),
	}
	c.Sent = append(c.Sent, tx)
	return nil
}

func (c *FakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.Receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (c *FakeChain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Head, nil
}

// FilterLogs matches on address and on the topics given; empty positions match anything.
func (c *FakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []types.Log
	for _, l := range c.Logs {
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, l.Address) {
			continue
		}
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if matchTopics(q.Topics, l.Topics) {
			out = append(out, l)
		}
	}
	return out, nil
}

// AddUserOperationEvent appends a mined UserOperationEvent (and its transaction receipt).
func (c *FakeChain) AddUserOperationEvent(entryPoint common.Address, opHash common.Hash, sender, paymaster common.Address, success bool, gasCost, gasUsed *big.Int) common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := aa.EntryPointABI.Events["UserOperationEvent"].Inputs.NonIndexed().Pack(big.NewInt(0), success, gasCost, gasUsed)
	if err != nil {
		panic(err)
	}
	c.Head++
	txHash := common.BytesToHash(append([]byte("tx"), opHash.Bytes()[:8]...))
	c.Logs = append(c.Logs, types.Log{
		Address:     entryPoint,
		Topics:      []common.Hash{aa.UserOperationEventTopic, opHash, common.BytesToHash(sender.Bytes()), common.BytesToHash(paymaster.Bytes())},
		Data:        data,
		BlockNumber: c.Head,
		TxHash:      txHash,
	})
	c.Receipts[txHash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      txHash,
		BlockNumber: new(big.Int).SetUint64(c.Head),
		GasUsed:     gasUsed.Uint64(),
	}
	return txHash
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func matchTopics(query [][]common.Hash, topics []common.Hash) bool {
	for i, alternatives := range query {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		ok := false
		for _, t := range alternatives {
			if bytes.Equal(t.Bytes(), topics[i].Bytes()) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
