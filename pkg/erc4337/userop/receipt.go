package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Path tells which submission route produced a receipt.
type Path string

const (
	PathBundler Path = "bundler"
	PathDirect  Path = "direct"
)

// Receipt is the outcome of an included operation. It only exists after inclusion; a
// lookup that finds nothing returns a nil *Receipt and no error.
type Receipt struct {
	OperationHash   common.Hash
	TransactionHash common.Hash
	BlockNumber     uint64
	Sender          common.Address
	Sponsor         *common.Address
	Nonce           *big.Int
	GasUsed         *big.Int
	GasCost         *big.Int
	Success         bool
	FailureReason   string
	Path            Path
}
