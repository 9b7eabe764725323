package testutil

import (
	"crypto/ecdsa"
	"math/big"
	"os"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// Well known throwaway key, never funded on a real network.
	ownerKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

var (
	EntryPointAddress = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	FactoryAddress    = common.HexToAddress("0x29adA1b5217242DEaBB142BC3b1bCfFdd56008e7")
	PaymasterAddress  = common.HexToAddress("0xB985af5f96EF2722DC99aEBA573520903B86505e")
	TokenAddress      = common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")
	RecipientAddress  = common.HexToAddress("0xD7050816337a3f8f690F8083B5Ff8019D50c0E50")
	SmartWallet       = common.HexToAddress("0x71B3FD1c8D6f4A4Dc0bE5b7F2b7E9c8A6bdB1DfA")

	ChainID = big.NewInt(11155111)
)

// GetLogger returns a development zap logger, or a quieter production one when
// TEST_LOG_QUIET is set.
func GetLogger() sdklogging.Logger {
	env := sdklogging.Development
	if os.Getenv("TEST_LOG_QUIET") != "" {
		env = sdklogging.Production
	}
	logger, err := sdklogging.NewZapLogger(env)
	if err != nil {
		panic(err)
	}
	return logger
}

// OwnerKey returns the test owner credential.
func OwnerKey() *ecdsa.PrivateKey {
	key, err := crypto.HexToECDSA(ownerKeyHex)
	if err != nil {
		panic(err)
	}
	return key
}

func OwnerKeyHex() string {
	return "0x" + ownerKeyHex
}

func OwnerAddress() common.Address {
	return crypto.PubkeyToAddress(OwnerKey().PublicKey)
}

func Gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}
