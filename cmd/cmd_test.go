package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-userops/core/testutil"
	"github.com/AvaProtocol/ap-userops/metrics"
	"github.com/AvaProtocol/ap-userops/pkg/erc20"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/preset"
)

// runCommand calls RunE directly with its output captured.
func runCommand(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	var buf bytes.Buffer
	originalOut := cmd.OutOrStdout()
	originalErr := cmd.ErrOrStderr()
	defer func() {
		cmd.SetOut(originalOut)
		cmd.SetErr(originalErr)
	}()

	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetContext(context.Background())

	var err error
	if cmd.RunE != nil {
		err = cmd.RunE(cmd, args)
	} else {
		cmd.Run(cmd, args)
	}
	return buf.String(), err
}

// useConfig points --config at a temporary file listing the given bundler URLs.
func useConfig(t *testing.T, bundlerURLs ...string) {
	for _, name := range []string{"PIMLICO_API_KEY", "ALCHEMY_API_KEY", "BUNDLER_API_KEY", "PRIVATE_KEY"} {
		t.Setenv(name, "")
	}

	body := fmt.Sprintf("environment: production\neth_rpc_url: http://127.0.0.1:8545\nchain_id: 11155111\nfactory_address: %q\nbundlers:\n",
		testutil.FactoryAddress.Hex())
	for _, u := range bundlerURLs {
		body += fmt.Sprintf("  - url: %s\n", u)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	original := configPath
	configPath = path
	t.Cleanup(func() { configPath = original })
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, versionCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "ap-userops 0.1.0")
}

func TestCommandsAreRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"transfer", "batch", "address", "receipt", "endpoints", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("verbose"))
}

func TestTransferCalls(t *testing.T) {
	t.Run("native", func(t *testing.T) {
		// decimals is ignored for ETH
		calls, err := transferCalls("eth", []string{testutil.RecipientAddress.Hex()}, []string{"0.001"}, 6)
		require.NoError(t, err)
		require.Len(t, calls, 1)
		assert.Equal(t, testutil.RecipientAddress, calls[0].Target)
		assert.Equal(t, big.NewInt(1_000_000_000_000_000), calls[0].Value)
		assert.Empty(t, calls[0].Data)
	})

	t.Run("token batch", func(t *testing.T) {
		calls, err := transferCalls(testutil.TokenAddress.Hex(),
			[]string{testutil.RecipientAddress.Hex(), testutil.SmartWallet.Hex()}, []string{"1.5", "2"}, 6)
		require.NoError(t, err)
		require.Len(t, calls, 2)

		for i, want := range []struct {
			to     common.Address
			amount int64
		}{{testutil.RecipientAddress, 1_500_000}, {testutil.SmartWallet, 2_000_000}} {
			assert.Equal(t, testutil.TokenAddress, calls[i].Target)
			assert.Equal(t, int64(0), calls[i].Value.Int64())
			to, amount, err := erc20.UnpackTransfer(calls[i].Data)
			require.NoError(t, err)
			assert.Equal(t, want.to, to)
			assert.Equal(t, want.amount, amount.Int64())
		}
	})

	t.Run("errors", func(t *testing.T) {
		_, err := transferCalls("ETH", []string{testutil.RecipientAddress.Hex()}, []string{"1", "2"}, 18)
		assert.ErrorIs(t, err, preset.ErrInvalidBatch)

		_, err = transferCalls("ETH", nil, nil, 18)
		assert.ErrorIs(t, err, preset.ErrInvalidBatch)

		_, err = transferCalls("ETH", []string{"0xnot-an-address"}, []string{"1"}, 18)
		assert.Error(t, err)

		_, err = transferCalls(testutil.TokenAddress.Hex(), []string{testutil.RecipientAddress.Hex()}, []string{"0.0000001"}, 6)
		assert.ErrorIs(t, err, erc20.ErrInvalidAmount)

		_, err = transferCalls("USDC", []string{testutil.RecipientAddress.Hex()}, []string{"1"}, 6)
		assert.Error(t, err)
	})
}

func TestParseHash(t *testing.T) {
	want := common.HexToHash("0x8e4bd9a1e7e14cbbbf0a7b54ad3bd0b1ca1dd8a9c5f0cf6b7b3d7e1e6f3d2a11")
	got, err := parseHash(" " + want.Hex() + " ")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	for _, bad := range []string{"", "0x1234", want.Hex()[2:], "0x" + string(bytes.Repeat([]byte("zz"), 32))} {
		_, err := parseHash(bad)
		assert.Error(t, err, bad)
	}
}

func TestEndpointsCommand(t *testing.T) {
	up := testutil.NewRPCServer(t, func(method string, _ []json.RawMessage) (interface{}, *testutil.RPCError) {
		return []string{testutil.EntryPointAddress.Hex()}, nil
	})
	other := testutil.NewRPCServer(t, func(method string, _ []json.RawMessage) (interface{}, *testutil.RPCError) {
		return []string{}, nil
	})
	down := testutil.NewFailingServer(t, http.StatusServiceUnavailable)
	useConfig(t, up.URL, down.URL, other.URL)

	out, err := runCommand(t, endpointsCmd)
	require.NoError(t, err)

	assert.Contains(t, out, "bundler-1")
	assert.Contains(t, out, "supported")
	assert.Contains(t, out, "bundler-2")
	assert.Contains(t, out, "down")
	assert.Contains(t, out, "503")
	assert.Contains(t, out, "not supported (has none)")
	assert.Contains(t, out, "2 of 3 endpoints reachable")
	assert.Equal(t, 1, up.Count("eth_supportedEntryPoints"))
	assert.Equal(t, 1, down.Count(""))
}

func TestEndpointsCommandAllDown(t *testing.T) {
	down := testutil.NewFailingServer(t, http.StatusBadGateway)
	useConfig(t, down.URL)

	out, err := runCommand(t, endpointsCmd)
	require.Error(t, err)
	assert.Contains(t, out, "0 of 1 endpoints reachable")
}

func TestEndpointsCommandVerbose(t *testing.T) {
	up := testutil.NewRPCServer(t, func(method string, _ []json.RawMessage) (interface{}, *testutil.RPCError) {
		return []string{testutil.EntryPointAddress.Hex()}, nil
	})
	useConfig(t, up.URL)

	verbose = true
	t.Cleanup(func() { verbose = false })

	out, err := runCommand(t, endpointsCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "1 of 1 endpoints reachable")
}

func TestReceiptCommandFromBundler(t *testing.T) {
	hash := common.HexToHash("0x8e4bd9a1e7e14cbbbf0a7b54ad3bd0b1ca1dd8a9c5f0cf6b7b3d7e1e6f3d2a11")
	var found atomic.Bool
	relay := testutil.NewRPCServer(t, func(method string, _ []json.RawMessage) (interface{}, *testutil.RPCError) {
		if !found.Load() {
			return nil, nil
		}
		return map[string]interface{}{
			"userOpHash":    hash.Hex(),
			"entryPoint":    testutil.EntryPointAddress.Hex(),
			"sender":        testutil.SmartWallet.Hex(),
			"nonce":         "0x1",
			"actualGasCost": "0x2386f26fc10000",
			"actualGasUsed": "0x19a28",
			"success":       true,
			"receipt": map[string]string{
				"transactionHash": "0x5b1ef1ab6f24cb8c0ca0f0a9cb38cb93ee1ec1a8ec3e04b1e19a5c1aa1c3bb1f",
				"blockNumber":     "0x6b4e2a",
			},
		}, nil
	})
	useConfig(t, relay.URL)

	out, err := runCommand(t, receiptCmd, hash.Hex())
	require.NoError(t, err)
	assert.Contains(t, out, "No receipt for "+hash.Hex())

	found.Store(true)
	out, err = runCommand(t, receiptCmd, hash.Hex())
	require.NoError(t, err)
	assert.Contains(t, out, "0x5b1ef1ab6f24cb8c0ca0f0a9cb38cb93ee1ec1a8ec3e04b1e19a5c1aa1c3bb1f")
	assert.Contains(t, out, "7032362")
	assert.Contains(t, out, "0.01 ETH")
	assert.Contains(t, out, "https://sepolia.etherscan.io/tx/0x5b1ef1ab6f24cb8c0ca0f0a9cb38cb93ee1ec1a8ec3e04b1e19a5c1aa1c3bb1f")
	assert.Equal(t, 2, relay.Count("eth_getUserOperationReceipt"))

	_, err = runCommand(t, receiptCmd, "0x1234")
	assert.Error(t, err)
}

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewRelayMetrics(reg)
	m.IncOperation("bundler", "done")

	e := newMetricsServer(reg)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `ap_userop_pipeline_total{path="bundler",stage="done"} 1`)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/up", nil))
	assert.Equal(t, "up", rec.Body.String())
}

func TestDescribeCalls(t *testing.T) {
	calls, err := transferCalls(testutil.TokenAddress.Hex(), []string{testutil.RecipientAddress.Hex()}, []string{"1"}, 6)
	require.NoError(t, err)

	single, err := preset.EncodeCalls(calls)
	require.NoError(t, err)
	got := describeCalls(single)
	require.Len(t, got, 1)
	assert.Equal(t, testutil.TokenAddress.Hex()+" transfer(address,uint256) value 0", got[0])

	native, err := transferCalls("ETH", []string{testutil.RecipientAddress.Hex()}, []string{"1"}, 18)
	require.NoError(t, err)
	batch, err := preset.EncodeCalls(append(calls, native...))
	require.NoError(t, err)
	got = describeCalls(batch)
	require.Len(t, got, 2)
	assert.Equal(t, testutil.RecipientAddress.Hex()+" value transfer value 1000000000000000000", got[1])

	assert.Equal(t, []string{"0x12345678"}, describeCalls([]byte{0x12, 0x34, 0x56, 0x78}))
}
