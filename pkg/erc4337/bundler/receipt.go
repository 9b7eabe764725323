package bundler

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

// rpcUserOpReceipt is the eth_getUserOperationReceipt result object.
type rpcUserOpReceipt struct {
	UserOpHash    common.Hash     `json:"userOpHash"`
	EntryPoint    common.Address  `json:"entryPoint"`
	Sender        common.Address  `json:"sender"`
	Nonce         *hexutil.Big    `json:"nonce"`
	Paymaster     *common.Address `json:"paymaster"`
	ActualGasCost *hexutil.Big    `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big    `json:"actualGasUsed"`
	Success       bool            `json:"success"`
	Reason        string          `json:"reason"`
	Receipt       struct {
		TransactionHash common.Hash    `json:"transactionHash"`
		BlockNumber     hexutil.Uint64 `json:"blockNumber"`
	} `json:"receipt"`
}

func (r *rpcUserOpReceipt) toReceipt() *userop.Receipt {
	out := &userop.Receipt{
		OperationHash:   r.UserOpHash,
		TransactionHash: r.Receipt.TransactionHash,
		BlockNumber:     uint64(r.Receipt.BlockNumber),
		Sender:          r.Sender,
		Nonce:           r.Nonce.ToInt(),
		GasUsed:         r.ActualGasUsed.ToInt(),
		GasCost:         r.ActualGasCost.ToInt(),
		Success:         r.Success,
		FailureReason:   r.Reason,
		Path:            userop.PathBundler,
	}
	if r.Paymaster != nil && *r.Paymaster != (common.Address{}) {
		sponsor := *r.Paymaster
		out.Sponsor = &sponsor
	}
	return out
}

// GetUserOperationReceipt returns the receipt of an included operation. A relay answering
// null, or "not found", yields (nil, nil): the operation is not mined yet.
func (c *BundlerClient) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*userop.Receipt, error) {
	var raw rpcUserOpReceipt
	found, err := c.call(ctx, &raw, true, "eth_getUserOperationReceipt", hash.Hex())
	if err != nil || !found {
		return nil, err
	}
	return raw.toReceipt(), nil
}

// UserOperationByHash is the eth_getUserOperationByHash result.
type UserOperationByHash struct {
	UserOperation   *userop.UserOperation
	EntryPoint      common.Address
	TransactionHash common.Hash
	BlockNumber     uint64
}

// GetUserOperationByHash fetches an operation the relay has seen, mined or pending.
// It returns nil when the relay does not know the hash.
func (c *BundlerClient) GetUserOperationByHash(ctx context.Context, hash common.Hash) (*UserOperationByHash, error) {
	var raw struct {
		UserOperation   UserOperation   `json:"userOperation"`
		EntryPoint      common.Address  `json:"entryPoint"`
		TransactionHash *common.Hash    `json:"transactionHash"`
		BlockNumber     *hexutil.Uint64 `json:"blockNumber"`
	}
	found, err := c.call(ctx, &raw, true, "eth_getUserOperationByHash", hash.Hex())
	if err != nil || !found {
		return nil, err
	}

	op, err := raw.UserOperation.ToUserOperation()
	if err != nil {
		return nil, err
	}
	out := &UserOperationByHash{UserOperation: op, EntryPoint: raw.EntryPoint}
	if raw.TransactionHash != nil {
		out.TransactionHash = *raw.TransactionHash
	}
	if raw.BlockNumber != nil {
		out.BlockNumber = uint64(*raw.BlockNumber)
	}
	return out, nil
}
