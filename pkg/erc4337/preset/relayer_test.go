package preset

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/core/chainio/signer"
	"github.com/AvaProtocol/ap-userops/core/testutil"
	"github.com/AvaProtocol/ap-userops/metrics"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

type recordedOps struct {
	metrics.RelayMetrics

	mu  sync.Mutex
	ops []string
}

func newRecordedOps() *recordedOps {
	return &recordedOps{RelayMetrics: metrics.NewNoopRelayMetrics()}
}

func (r *recordedOps) IncOperation(path, stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, path+"/"+stage)
}

func (r *recordedOps) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

// healthyRelay prices, accepts and (after receiptAfter lookups) includes any operation.
// A negative receiptAfter never includes it.
func healthyRelay(t *testing.T, receiptAfter int) *testutil.RPCServer {
	var mu sync.Mutex
	lookups := 0
	var sent common.Hash

	return testutil.NewRPCServer(t, func(method string, params []json.RawMessage) (interface{}, *testutil.RPCError) {
		mu.Lock()
		defer mu.Unlock()

		switch method {
		case "pimlico_getUserOperationGasPrice":
			return map[string]interface{}{
				"slow": map[string]string{"maxFeePerGas": "0x59682f00", "maxPriorityFeePerGas": "0x3b9aca00"},
				"fast": map[string]string{"maxFeePerGas": "0x77359400", "maxPriorityFeePerGas": "0x59682f00"},
			}, nil
		case "eth_sendUserOperation":
			var wire bundler.UserOperation
			if err := json.Unmarshal(params[0], &wire); err != nil {
				return nil, &testutil.RPCError{Code: -32602, Message: err.Error()}
			}
			op, err := wire.ToUserOperation()
			if err != nil {
				return nil, &testutil.RPCError{Code: -32602, Message: err.Error()}
			}
			sent, _ = op.Hash(testutil.EntryPointAddress, testutil.ChainID)
			return sent.Hex(), nil
		case "eth_getUserOperationReceipt":
			lookups++
			if receiptAfter < 0 || lookups <= receiptAfter {
				return nil, nil
			}
			return map[string]interface{}{
				"userOpHash":    sent.Hex(),
				"entryPoint":    testutil.EntryPointAddress.Hex(),
				"sender":        testutil.SmartWallet.Hex(),
				"nonce":         "0x0",
				"paymaster":     testutil.PaymasterAddress.Hex(),
				"actualGasCost": "0x2386f26fc10000",
				"actualGasUsed": "0x19a28",
				"success":       true,
				"receipt": map[string]string{
					"transactionHash": "0x5b1ef1ab6f24cb8c0ca0f0a9cb38cb93ee1ec1a8ec3e04b1e19a5c1aa1c3bb1f",
					"blockNumber":     "0x6b4e2a",
				},
			}, nil
		default:
			return nil, &testutil.RPCError{Code: -32601, Message: "the method " + method + " does not exist"}
		}
	})
}

type relayerFixture struct {
	chain   *testutil.FakeChain
	pool    *bundler.BundlerClient
	relayer *Relayer
	ops     *recordedOps
}

func newRelayerFixture(t *testing.T, cfg BuilderConfig, servers ...*testutil.RPCServer) *relayerFixture {
	chain := newTestChain()
	lgr := testutil.GetLogger()
	ops := newRecordedOps()

	pool, err := bundler.NewBundlerClient(
		lo.Map(servers, func(s *testutil.RPCServer, _ int) bundler.Endpoint { return bundler.Endpoint{URL: s.URL} }),
		bundler.WithLogger(lgr),
		bundler.WithRequestTimeout(2*time.Second),
	)
	require.NoError(t, err)

	estimator := NewGasEstimator(pool, chain, testutil.EntryPointAddress, DefaultFeeFloors(), lgr)
	builder := NewBuilder(chain, estimator, cfg, lgr)
	opSigner := NewOpSigner(testutil.OwnerKey(), aa.NewEntryPoint(testutil.EntryPointAddress, chain), lgr).
		WithCrossCheck(localHasher())
	watcher := NewReceiptWatcher(pool, lgr)

	r := NewRelayer(builder, opSigner, pool, watcher, RelayerConfig{
		EntryPoint:     testutil.EntryPointAddress,
		ReceiptTimeout: 2 * time.Second,
		PollInterval:   10 * time.Millisecond,
	}, lgr).WithMetrics(ops)

	return &relayerFixture{chain: chain, pool: pool, relayer: r, ops: ops}
}

func TestRelayerSendHappyPath(t *testing.T) {
	down := testutil.NewFailingServer(t, http.StatusServiceUnavailable)
	up := healthyRelay(t, 2)
	f := newRelayerFixture(t, testBuilderConfig(), down, up)

	res, err := f.relayer.Send(context.Background(), ownerRequest(true, transferCall(t, 1000)))
	require.NoError(t, err)

	assert.Equal(t, userop.PathBundler, res.Path)
	require.NotNil(t, res.Receipt)
	assert.True(t, res.Receipt.Success)
	assert.Equal(t, res.OperationHash, res.Receipt.OperationHash)

	// fast tier of the pimlico answer
	assert.Equal(t, big.NewInt(2_000_000_000), res.Operation.MaxFeePerGas)
	assert.Equal(t, big.NewInt(1_500_000_000), res.Operation.MaxPriorityFeePerGas)

	hash, err := res.Operation.Hash(testutil.EntryPointAddress, testutil.ChainID)
	require.NoError(t, err)
	assert.Equal(t, hash, res.OperationHash)
	recovered, err := signer.RecoverMessageSigner(hash.Bytes(), res.Operation.Signature)
	require.NoError(t, err)
	assert.Equal(t, testutil.OwnerAddress(), recovered)

	// the failing endpoint was skipped once and then left behind
	assert.Equal(t, 1, down.Count(""))
	assert.Equal(t, 1, up.Count("eth_sendUserOperation"))
	assert.Equal(t, 3, up.Count("eth_getUserOperationReceipt"))
	assert.Empty(t, f.chain.Sent)
	assert.Equal(t, []string{"bundler/done"}, f.ops.Ops())
}

func TestRelayerFallsBackWhenAllEndpointsFail(t *testing.T) {
	a := testutil.NewFailingServer(t, http.StatusBadGateway)
	b := testutil.NewFailingServer(t, http.StatusTooManyRequests)
	f := newRelayerFixture(t, testBuilderConfig(), a, b)
	f.relayer.WithDirectExecutor(NewDirectExecutor(f.chain, testutil.OwnerKey(), nil))

	res, err := f.relayer.Send(context.Background(), ownerRequest(true, transferCall(t, 1000)))
	require.NoError(t, err)

	assert.Equal(t, userop.PathDirect, res.Path)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, userop.PathDirect, res.Receipt.Path)
	assert.Equal(t, testutil.OwnerAddress(), res.Receipt.Sender)
	require.Len(t, f.chain.Sent, 1)
	assert.Equal(t, testutil.TokenAddress, *f.chain.Sent[0].To())
	assert.Equal(t, f.chain.Sent[0].Hash(), res.OperationHash)
	assert.Equal(t, []string{"direct/done"}, f.ops.Ops())
}

func TestRelayerSubmitFailureWithoutFallback(t *testing.T) {
	a := testutil.NewFailingServer(t, http.StatusBadGateway)
	b := testutil.NewRPCServer(t, func(method string, _ []json.RawMessage) (interface{}, *testutil.RPCError) {
		return nil, &testutil.RPCError{Code: -32500, Message: "AA21 didn't pay prefund"}
	})
	f := newRelayerFixture(t, testBuilderConfig(), a, b)

	res, err := f.relayer.Send(context.Background(), ownerRequest(true, transferCall(t, 1)))
	require.Error(t, err)
	assert.Nil(t, res)

	assert.Equal(t, StageSubmit, StageOf(err))
	assert.ErrorIs(t, err, bundler.ErrAllEndpointsFailed)
	assert.ErrorIs(t, err, bundler.ErrEndpointRejected)
	assert.Contains(t, err.Error(), "all 2 bundler endpoints failed")
	assert.Contains(t, err.Error(), "AA21")
	assert.Equal(t, []string{"bundler/submit"}, f.ops.Ops())
}

func TestRelayerReceiptTimeoutDoesNotFallBack(t *testing.T) {
	up := healthyRelay(t, -1)
	f := newRelayerFixture(t, testBuilderConfig(), up)
	f.relayer.WithDirectExecutor(NewDirectExecutor(f.chain, testutil.OwnerKey(), nil))
	f.relayer.cfg.ReceiptTimeout = 50 * time.Millisecond

	res, err := f.relayer.Send(context.Background(), ownerRequest(true, transferCall(t, 1)))
	require.Error(t, err)
	assert.Equal(t, StagePoll, StageOf(err))
	assert.ErrorIs(t, err, ErrReceiptTimeout)

	require.NotNil(t, res)
	assert.NotEqual(t, common.Hash{}, res.OperationHash)
	assert.Nil(t, res.Receipt)
	assert.Empty(t, f.chain.Sent)
	assert.Equal(t, []string{"bundler/poll"}, f.ops.Ops())
}

func TestRelayerSkipReceipt(t *testing.T) {
	up := healthyRelay(t, -1)
	f := newRelayerFixture(t, testBuilderConfig(), up)
	f.relayer.cfg.SkipReceipt = true

	res, err := f.relayer.Send(context.Background(), ownerRequest(true, transferCall(t, 1)))
	require.NoError(t, err)
	assert.Nil(t, res.Receipt)
	assert.NotEqual(t, common.Hash{}, res.OperationHash)
	assert.Equal(t, 0, up.Count("eth_getUserOperationReceipt"))
}

func TestRelayerBuildFailureNeverReachesRelay(t *testing.T) {
	up := healthyRelay(t, 0)
	cfg := testBuilderConfig()
	cfg.Sponsor = common.Address{}
	f := newRelayerFixture(t, cfg, up)

	_, err := f.relayer.Send(context.Background(), ownerRequest(true, transferCall(t, 1)))
	require.Error(t, err)
	assert.Equal(t, StageBuild, StageOf(err))
	assert.ErrorIs(t, err, ErrSponsorNotConfigured)
	assert.Equal(t, 0, up.Count(""))
	assert.Equal(t, []string{"bundler/build"}, f.ops.Ops())
}

func TestRelayerOwnerCheck(t *testing.T) {
	up := healthyRelay(t, 0)
	f := newRelayerFixture(t, testBuilderConfig(), up)
	f.relayer.WithOwnerCheck(f.chain)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	f.chain.Deploy(testutil.SmartWallet)
	f.chain.Owners[testutil.SmartWallet] = crypto.PubkeyToAddress(other.PublicKey)

	_, err = f.relayer.Send(context.Background(), ownerRequest(true, transferCall(t, 1)))
	require.Error(t, err)
	assert.Equal(t, StageSign, StageOf(err))
	assert.ErrorIs(t, err, ErrSigningFailed)
	assert.Equal(t, 0, up.Count("eth_sendUserOperation"))
}
