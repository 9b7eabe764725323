package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-userops/core/testutil"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

const opHashHex = "0x8f2a6c27b0a4c8f6d1f4e6f32d2a51cb0a9ec55d4f2b3a77f2f6d7b4a1d0c9e1"

func supportedEntryPoints(method string, _ []json.RawMessage) (interface{}, *testutil.RPCError) {
	if method == "eth_supportedEntryPoints" {
		return []string{testutil.EntryPointAddress.Hex()}, nil
	}
	return nil, &testutil.RPCError{Code: -32601, Message: "method not supported"}
}

func endpointsFor(servers ...*testutil.RPCServer) []Endpoint {
	eps := make([]Endpoint, len(servers))
	for i, s := range servers {
		eps[i] = Endpoint{URL: s.URL}
	}
	return eps
}

func sampleOp() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               common.HexToAddress(strings.ToLower(testutil.SmartWallet.Hex())),
		Nonce:                big.NewInt(5),
		CallData:             []byte{0xb6, 0x1d, 0x27, 0xf6},
		CallGasLimit:         big.NewInt(150_000),
		VerificationGasLimit: big.NewInt(300_000),
		PreVerificationGas:   big.NewInt(51_000),
		MaxFeePerGas:         testutil.Gwei(3),
		MaxPriorityFeePerGas: testutil.Gwei(1),
		Signature:            make([]byte, 65),
	}
}

func TestNewBundlerClientRequiresEndpoints(t *testing.T) {
	_, err := NewBundlerClient(nil)
	assert.ErrorIs(t, err, ErrNoEndpoints)

	_, err = NewBundlerClient([]Endpoint{{Name: "blank"}})
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestNewBundlerClientNamesEndpoints(t *testing.T) {
	c, err := NewBundlerClient([]Endpoint{
		{URL: "https://api.pimlico.io/v2/sepolia/rpc?apikey=k"},
		{URL: ""},
		{URL: "https://eth-sepolia.g.alchemy.com/v2/k"},
		{URL: "http://localhost:4337"},
	})
	require.NoError(t, err)

	names := []string{}
	for _, ep := range c.Endpoints() {
		names = append(names, ep.Name)
	}
	assert.Equal(t, []string{"pimlico", "alchemy", "bundler-3"}, names)
}

func TestFailoverSkipsFailingEndpoints(t *testing.T) {
	// The first two endpoints fail, the third answers.
	bad1 := testutil.NewFailingServer(t, http.StatusServiceUnavailable)
	bad2 := testutil.NewFailingServer(t, http.StatusTooManyRequests)
	good := testutil.NewRPCServer(t, supportedEntryPoints)
	spare := testutil.NewRPCServer(t, supportedEntryPoints)

	c, err := NewBundlerClient(endpointsFor(bad1, bad2, good, spare))
	require.NoError(t, err)

	eps, err := c.SupportedEntryPoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []common.Address{testutil.EntryPointAddress}, eps)

	assert.Equal(t, 1, bad1.Count(""))
	assert.Equal(t, 1, bad2.Count(""))
	assert.Equal(t, 1, good.Count(""))
	assert.Equal(t, 0, spare.Count(""))
	assert.Equal(t, c.Endpoints()[2], c.Current())

	// The cursor sticks: the next call goes straight to the endpoint that worked.
	_, err = c.SupportedEntryPoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, bad1.Count(""))
	assert.Equal(t, 2, good.Count(""))
}

func TestResetCursorStartsFromFirstEndpoint(t *testing.T) {
	bad := testutil.NewFailingServer(t, http.StatusBadGateway)
	good := testutil.NewRPCServer(t, supportedEntryPoints)

	c, err := NewBundlerClient(endpointsFor(bad, good), WithResetCursor(true))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = c.SupportedEntryPoints(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 3, bad.Count(""))
	assert.Equal(t, 3, good.Count(""))
}

func TestConcurrentCallsShareCursor(t *testing.T) {
	bad := testutil.NewFailingServer(t, http.StatusServiceUnavailable)
	good := testutil.NewRPCServer(t, supportedEntryPoints)

	c, err := NewBundlerClient(endpointsFor(bad, good))
	require.NoError(t, err)

	const callers = 32
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.SupportedEntryPoints(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
		assert.False(t, IsAllEndpointsFailed(err))
	}

	// A failure observed by many callers moves the cursor once, onto the healthy endpoint.
	assert.Equal(t, c.Endpoints()[1], c.Current())
	assert.Equal(t, callers, good.Count("eth_supportedEntryPoints"))
	assert.LessOrEqual(t, bad.Count(""), callers)

	_, err = c.SupportedEntryPoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, c.Endpoints()[1], c.Current())
}

func TestAllEndpointsFailed(t *testing.T) {
	servers := []*testutil.RPCServer{
		testutil.NewFailingServer(t, http.StatusInternalServerError),
		testutil.NewFailingServer(t, http.StatusServiceUnavailable),
		testutil.NewFailingServer(t, http.StatusBadGateway),
	}
	c, err := NewBundlerClient(endpointsFor(servers...))
	require.NoError(t, err)

	_, err = c.SendUserOperation(context.Background(), sampleOp(), testutil.EntryPointAddress)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllEndpointsFailed))
	assert.True(t, IsAllEndpointsFailed(err))
	assert.False(t, errors.Is(err, ErrEndpointRejected))

	var all *AllEndpointsFailedError
	require.ErrorAs(t, err, &all)
	assert.Len(t, all.Attempts, 3)
	assert.Equal(t, "eth_sendUserOperation", all.Method)
	assert.False(t, all.AnyRejected())

	// Each endpoint was tried exactly once.
	for _, s := range servers {
		assert.Equal(t, 1, s.Count("eth_sendUserOperation"))
	}

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
}

func TestRejectedOperationIsReported(t *testing.T) {
	reject := func(method string, _ []json.RawMessage) (interface{}, *testutil.RPCError) {
		return nil, &testutil.RPCError{Code: -32500, Message: "AA21 didn't pay prefund"}
	}
	a := testutil.NewRPCServer(t, reject)
	b := testutil.NewRPCServer(t, reject)

	c, err := NewBundlerClient(endpointsFor(a, b))
	require.NoError(t, err)

	_, err = c.SendUserOperation(context.Background(), sampleOp(), testutil.EntryPointAddress)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllEndpointsFailed)
	assert.ErrorIs(t, err, ErrEndpointRejected)
	assert.Contains(t, err.Error(), "AA21")

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32500, rpcErr.Code)
}

func TestSendUserOperationWireFormat(t *testing.T) {
	var sent UserOperation
	var entryPoint string
	srv := testutil.NewRPCServer(t, func(method string, params []json.RawMessage) (interface{}, *testutil.RPCError) {
		assert.Equal(t, "eth_sendUserOperation", method)
		if assert.Len(t, params, 2) {
			assert.NoError(t, json.Unmarshal(params[0], &sent))
			assert.NoError(t, json.Unmarshal(params[1], &entryPoint))
		}
		return opHashHex, nil
	})

	c, err := NewBundlerClient(endpointsFor(srv))
	require.NoError(t, err)

	hash, err := c.SendUserOperation(context.Background(), sampleOp(), testutil.EntryPointAddress)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash(opHashHex), hash)

	// Addresses go out checksummed even when the model was built from lowercase hex.
	assert.Equal(t, testutil.SmartWallet.Hex(), sent.Sender)
	assert.Equal(t, testutil.EntryPointAddress.Hex(), entryPoint)
	assert.Equal(t, "0x5", sent.Nonce)
	assert.Equal(t, "0x", sent.InitCode)
	assert.Equal(t, "0x249f0", sent.CallGasLimit)

	back, err := sent.ToUserOperation()
	require.NoError(t, err)
	want, err := sampleOp().Hash(testutil.EntryPointAddress, testutil.ChainID)
	require.NoError(t, err)
	got, err := back.Hash(testutil.EntryPointAddress, testutil.ChainID)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRequestIDsAreUnique(t *testing.T) {
	srv := testutil.NewRPCServer(t, supportedEntryPoints)
	c, err := NewBundlerClient(endpointsFor(srv))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := c.SupportedEntryPoints(context.Background())
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	for _, r := range srv.Requests() {
		seen[string(r.ID)] = true
	}
	assert.Len(t, seen, 5)
}

func TestGetUserOperationReceipt(t *testing.T) {
	mined := false
	srv := testutil.NewRPCServer(t, func(method string, params []json.RawMessage) (interface{}, *testutil.RPCError) {
		if !mined {
			return nil, nil
		}
		return map[string]interface{}{
			"userOpHash":    opHashHex,
			"entryPoint":    testutil.EntryPointAddress.Hex(),
			"sender":        testutil.SmartWallet.Hex(),
			"nonce":         "0x5",
			"paymaster":     testutil.PaymasterAddress.Hex(),
			"actualGasCost": "0x2386f26fc10000",
			"actualGasUsed": "0x1d4c0",
			"success":       true,
			"reason":        "",
			"receipt": map[string]interface{}{
				"transactionHash": "0x0e5fd0e1b8f1b6c1a1f3a51c1ad1a2c39d9e51b2f6b1f6d1c8d9e7f0a1b2c3d4",
				"blockNumber":     "0x5a8c2b",
			},
		}, nil
	})

	c, err := NewBundlerClient(endpointsFor(srv))
	require.NoError(t, err)

	receipt, err := c.GetUserOperationReceipt(context.Background(), common.HexToHash(opHashHex))
	require.NoError(t, err)
	assert.Nil(t, receipt)

	mined = true
	receipt, err = c.GetUserOperationReceipt(context.Background(), common.HexToHash(opHashHex))
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, common.HexToHash(opHashHex), receipt.OperationHash)
	assert.Equal(t, uint64(0x5a8c2b), receipt.BlockNumber)
	assert.Equal(t, testutil.SmartWallet, receipt.Sender)
	require.NotNil(t, receipt.Sponsor)
	assert.Equal(t, testutil.PaymasterAddress, *receipt.Sponsor)
	assert.Equal(t, int64(120_000), receipt.GasUsed.Int64())
	assert.True(t, receipt.Success)
	assert.Equal(t, userop.PathBundler, receipt.Path)
}

func TestGetUserOperationReceiptNotFoundError(t *testing.T) {
	srv := testutil.NewRPCServer(t, func(string, []json.RawMessage) (interface{}, *testutil.RPCError) {
		return nil, &testutil.RPCError{Code: -32601, Message: "UserOperation receipt not found"}
	})
	c, err := NewBundlerClient(endpointsFor(srv))
	require.NoError(t, err)

	receipt, err := c.GetUserOperationReceipt(context.Background(), common.HexToHash(opHashHex))
	require.NoError(t, err)
	assert.Nil(t, receipt)
}

func TestGetUserOperationByHash(t *testing.T) {
	wire := NewUserOperation(sampleOp())
	srv := testutil.NewRPCServer(t, func(method string, _ []json.RawMessage) (interface{}, *testutil.RPCError) {
		return map[string]interface{}{
			"userOperation":   wire,
			"entryPoint":      testutil.EntryPointAddress.Hex(),
			"transactionHash": nil,
			"blockNumber":     nil,
		}, nil
	})
	c, err := NewBundlerClient(endpointsFor(srv))
	require.NoError(t, err)

	got, err := c.GetUserOperationByHash(context.Background(), common.HexToHash(opHashHex))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, testutil.EntryPointAddress, got.EntryPoint)
	assert.Equal(t, uint64(0), got.BlockNumber)
	assert.Equal(t, int64(5), got.UserOperation.Nonce.Int64())
}

func TestEstimateUserOperationGas(t *testing.T) {
	srv := testutil.NewRPCServer(t, func(method string, _ []json.RawMessage) (interface{}, *testutil.RPCError) {
		return map[string]interface{}{
			"preVerificationGas": "0xc738",
			"verificationGas":    "0x186a0",
			"callGasLimit":       35000,
		}, nil
	})
	c, err := NewBundlerClient(endpointsFor(srv))
	require.NoError(t, err)

	est, err := c.EstimateUserOperationGas(context.Background(), sampleOp(), testutil.EntryPointAddress)
	require.NoError(t, err)
	assert.Equal(t, int64(51_000), est.PreVerificationGas.Int64())
	assert.Equal(t, int64(100_000), est.VerificationGasLimit.Int64())
	assert.Equal(t, int64(35_000), est.CallGasLimit.Int64())
}

func TestGetUserOperationGasPrice(t *testing.T) {
	tests := []struct {
		name     string
		result   interface{}
		maxFee   int64
		priority int64
	}{
		{
			name:     "flat",
			result:   map[string]interface{}{"maxFeePerGas": "0x59682f00", "maxPriorityFeePerGas": "0x3b9aca00"},
			maxFee:   1_500_000_000,
			priority: 1_000_000_000,
		},
		{
			name: "tiered prefers fast",
			result: map[string]interface{}{
				"slow":     map[string]interface{}{"maxFeePerGas": "0x1", "maxPriorityFeePerGas": "0x1"},
				"standard": map[string]interface{}{"maxFeePerGas": "0x2", "maxPriorityFeePerGas": "0x2"},
				"fast":     map[string]interface{}{"maxFeePerGas": "0x77359400", "maxPriorityFeePerGas": "0x0"},
			},
			maxFee:   2_000_000_000,
			priority: 0,
		},
		{
			name:     "decimal strings",
			result:   map[string]interface{}{"maxFeePerGas": "3000000000", "maxPriorityFeePerGas": "150000000"},
			maxFee:   3_000_000_000,
			priority: 150_000_000,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := testutil.NewRPCServer(t, func(method string, _ []json.RawMessage) (interface{}, *testutil.RPCError) {
				assert.Equal(t, "pimlico_getUserOperationGasPrice", method)
				return tc.result, nil
			})
			c, err := NewBundlerClient(endpointsFor(srv))
			require.NoError(t, err)

			price, err := c.GetUserOperationGasPrice(context.Background(), "pimlico_getUserOperationGasPrice")
			require.NoError(t, err)
			assert.Equal(t, tc.maxFee, price.MaxFeePerGas.Int64())
			assert.Equal(t, tc.priority, price.MaxPriorityFeePerGas.Int64())
		})
	}
}

func TestProbeLeavesCursor(t *testing.T) {
	bad := testutil.NewFailingServer(t, http.StatusServiceUnavailable)
	good := testutil.NewRPCServer(t, supportedEntryPoints)

	c, err := NewBundlerClient(endpointsFor(bad, good))
	require.NoError(t, err)

	statuses := c.Probe(context.Background())
	require.Len(t, statuses, 2)
	assert.Error(t, statuses[0].Err)
	assert.NoError(t, statuses[1].Err)
	assert.Equal(t, []common.Address{testutil.EntryPointAddress}, statuses[1].EntryPoints)
	assert.Equal(t, c.Endpoints()[0], c.Current())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
	}{
		{&RPCError{Code: -32500, Message: "simulateValidation reverted"}, KindRejected},
		{&RPCError{Code: -32507, Message: "bad"}, KindRejected},
		{&RPCError{Code: -32602, Message: "invalid params"}, KindRejected},
		{&RPCError{Code: -32000, Message: "FailedOp(0, AA25 invalid account nonce)"}, KindRejected},
		{&RPCError{Code: -32000, Message: "Invalid UserOperation signature"}, KindRejected},
		{&RPCError{Code: -32000, Message: "paymaster deposit too low"}, KindRejected},
		{&RPCError{Code: -32005, Message: "rate limit exceeded"}, KindTransient},
		{&RPCError{Code: -32601, Message: "method not found"}, KindTransient},
		{&RPCError{Code: -32603, Message: "internal error"}, KindTransient},
		{&HTTPError{StatusCode: 503}, KindTransient},
		{errors.New("connection refused"), KindTransient},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.kind, classify(tc.err), tc.err.Error())
	}
}

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		in   interface{}
		want int64
	}{
		{"0x10", 16},
		{"0x0", 0},
		{"0x000", 0},
		{"0x00ff", 255},
		{"12345", 12345},
		{float64(42), 42},
		{json.Number("7"), 7},
	}
	for _, tc := range tests {
		got, err := ParseQuantity(tc.in)
		require.NoError(t, err, "%v", tc.in)
		assert.Equal(t, tc.want, got.Int64())
	}

	for _, bad := range []interface{}{nil, "abc", float64(1.5), float64(-1), true} {
		_, err := ParseQuantity(bad)
		assert.Error(t, err, "%v", bad)
	}
}
