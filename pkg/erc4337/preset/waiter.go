package preset

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/metrics"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userops/pkg/logger"
)

const (
	DefaultReceiptTimeout      = 60 * time.Second
	DefaultReceiptPollInterval = 2 * time.Second

	// progress is logged every this many attempts
	progressEvery = 5
)

// ReceiptSource looks up the receipt of an operation. (nil, nil) means not included yet.
type ReceiptSource interface {
	GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*userop.Receipt, error)
}

// ReceiptWatcher polls a ReceiptSource until a receipt shows up or a deadline passes.
type ReceiptWatcher struct {
	source  ReceiptSource
	clock   clockwork.Clock
	logger  logger.Logger
	metrics metrics.RelayMetrics
}

func NewReceiptWatcher(source ReceiptSource, lgr logger.Logger) *ReceiptWatcher {
	return &ReceiptWatcher{
		source:  source,
		clock:   clockwork.NewRealClock(),
		logger:  logger.EnsureLogger(lgr),
		metrics: metrics.NewNoopRelayMetrics(),
	}
}

func (w *ReceiptWatcher) WithClock(c clockwork.Clock) *ReceiptWatcher {
	w.clock = c
	return w
}

func (w *ReceiptWatcher) WithMetrics(m metrics.RelayMetrics) *ReceiptWatcher {
	w.metrics = metrics.EnsureMetrics(m)
	return w
}

// Wait queries once per interval. Lookup errors are logged and polling continues; only the
// deadline or ctx end the wait without a receipt. A zero timeout or interval uses the default.
func (w *ReceiptWatcher) Wait(ctx context.Context, hash common.Hash, timeout, interval time.Duration) (*userop.Receipt, error) {
	if timeout <= 0 {
		timeout = DefaultReceiptTimeout
	}
	if interval <= 0 {
		interval = DefaultReceiptPollInterval
	}

	start := w.clock.Now()
	attempts := 0
	var lastErr error

	for {
		attempts++
		receipt, err := w.source.GetUserOperationReceipt(ctx, hash)
		if err == nil && receipt != nil {
			elapsed := w.clock.Since(start)
			w.metrics.ObserveReceiptWait("found", elapsed.Seconds())
			w.logger.Info("userop receipt found",
				"userOpHash", hash.Hex(),
				"txHash", receipt.TransactionHash.Hex(),
				"block", receipt.BlockNumber,
				"success", receipt.Success,
				"attempts", attempts,
				"elapsed", elapsed.Round(time.Millisecond))
			return receipt, nil
		}
		if err != nil {
			lastErr = err
			w.logger.Warn("receipt lookup failed, will retry", "userOpHash", hash.Hex(), "attempt", attempts, "error", err)
		}

		elapsed := w.clock.Since(start)
		if attempts%progressEvery == 0 {
			w.logger.Info("still waiting for userop receipt",
				"userOpHash", hash.Hex(),
				"attempt", attempts,
				"elapsed", elapsed.Round(time.Second))
		}
		if elapsed >= timeout {
			w.metrics.ObserveReceiptWait("timeout", elapsed.Seconds())
			return nil, &ReceiptTimeoutError{Attempts: attempts, Elapsed: elapsed, LastErr: lastErr}
		}

		select {
		case <-ctx.Done():
			w.metrics.ObserveReceiptWait("canceled", w.clock.Since(start).Seconds())
			return nil, ctx.Err()
		case <-w.clock.After(interval):
		}
	}
}

// DefaultLogLookback is how many recent blocks EventLogReceiptSource searches.
const DefaultLogLookback uint64 = 20

// LogReader is the subset of ethclient.Client used to find UserOperationEvent logs.
type LogReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EventLogReceiptSource reads receipts from the chain instead of a relay, by searching recent
// blocks for the EntryPoint's UserOperationEvent.
type EventLogReceiptSource struct {
	reader     LogReader
	entryPoint common.Address
	lookback   uint64
}

func NewEventLogReceiptSource(reader LogReader, entryPoint common.Address, lookback uint64) *EventLogReceiptSource {
	if lookback == 0 {
		lookback = DefaultLogLookback
	}
	return &EventLogReceiptSource{reader: reader, entryPoint: entryPoint, lookback: lookback}
}

func (s *EventLogReceiptSource) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*userop.Receipt, error) {
	head, err := s.reader.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get current block: %w", err)
	}
	from := uint64(0)
	if head > s.lookback {
		from = head - s.lookback
	}

	logs, err := s.reader.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{s.entryPoint},
		Topics:    [][]common.Hash{{aa.UserOperationEventTopic}, {hash}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}
	if len(logs) == 0 {
		return nil, nil
	}

	ev, err := aa.ParseUserOperationEvent(logs[0])
	if err != nil {
		return nil, err
	}
	txReceipt, err := s.reader.TransactionReceipt(ctx, ev.Raw.TxHash)
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt for tx %s: %w", ev.Raw.TxHash.Hex(), err)
	}

	out := &userop.Receipt{
		OperationHash:   hash,
		TransactionHash: ev.Raw.TxHash,
		BlockNumber:     ev.Raw.BlockNumber,
		Sender:          ev.Sender,
		Nonce:           ev.Nonce,
		GasUsed:         ev.ActualGasUsed,
		GasCost:         ev.ActualGasCost,
		Success:         ev.Success,
		Path:            userop.PathBundler,
	}
	if txReceipt.BlockNumber != nil {
		out.BlockNumber = txReceipt.BlockNumber.Uint64()
	}
	if ev.Paymaster != (common.Address{}) {
		sponsor := ev.Paymaster
		out.Sponsor = &sponsor
	}
	if !ev.Success {
		out.FailureReason = revertReason(txReceipt, hash)
	}
	return out, nil
}

// revertReason finds the UserOperationRevertReason for hash in the bundle transaction.
func revertReason(receipt *types.Receipt, hash common.Hash) string {
	for _, l := range receipt.Logs {
		if l == nil || len(l.Topics) < 2 || l.Topics[1] != hash {
			continue
		}
		reason, err := aa.ParseRevertReason(*l)
		if err != nil {
			continue
		}
		if msg, err := abi.UnpackRevert(reason); err == nil {
			return msg
		}
		return hexutil.Encode(reason)
	}
	return ""
}
