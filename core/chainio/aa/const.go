package aa

import (
	"github.com/ethereum/go-ethereum/common"
)

var (
	// DefaultEntrypointAddress is the canonical EntryPoint v0.6 deployment.
	DefaultEntrypointAddress = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

	// SepoliaChainID is the chain the default bundler URLs point at.
	SepoliaChainID int64 = 11155111
)
