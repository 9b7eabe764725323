package config

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	SepoliaChainID = big.NewInt(11155111)

	explorers = map[int64]string{
		1:        "https://etherscan.io",
		11155111: "https://sepolia.etherscan.io",
		17000:    "https://holesky.etherscan.io",
		8453:     "https://basescan.org",
		84532:    "https://sepolia.basescan.org",
	}
)

// ExplorerURL returns the block explorer for chainID, or "" when none is known.
func ExplorerURL(chainID *big.Int) string {
	if chainID == nil || !chainID.IsInt64() {
		return ""
	}
	return explorers[chainID.Int64()]
}

func TxURL(chainID *big.Int, hash common.Hash) string {
	base := ExplorerURL(chainID)
	if base == "" {
		return ""
	}
	return base + "/tx/" + hash.Hex()
}

func AddressURL(chainID *big.Int, addr common.Address) string {
	base := ExplorerURL(chainID)
	if base == "" {
		return ""
	}
	return base + "/address/" + addr.Hex()
}
