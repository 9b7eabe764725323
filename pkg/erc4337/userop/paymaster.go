package userop

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ValidityClockSkew is subtracted from validAfter so a bundler whose clock lags ours still
// accepts the window.
const ValidityClockSkew = 120 * time.Second

var (
	uint48, _ = abi.NewType("uint48", "", nil)

	validityArgs = abi.Arguments{
		{Name: "validUntil", Type: uint48},
		{Name: "validAfter", Type: uint48},
	}
)

// SponsorRequest describes the paymasterAndData to embed in an operation.
type SponsorRequest struct {
	Paymaster  common.Address
	ValidUntil *big.Int
	ValidAfter *big.Int
}

// SponsorForDuration returns a request valid from now (minus skew) for d.
// A zero duration yields an address-only request.
func SponsorForDuration(paymaster common.Address, d time.Duration, now time.Time) *SponsorRequest {
	if d <= 0 {
		return &SponsorRequest{Paymaster: paymaster}
	}
	return &SponsorRequest{
		Paymaster:  paymaster,
		ValidUntil: big.NewInt(now.Add(d).Unix()),
		ValidAfter: big.NewInt(now.Add(-ValidityClockSkew).Unix()),
	}
}

// PaymasterAndData encodes the sponsor address, followed by abi.encode(validUntil,
// validAfter) when a window is set.
func (r *SponsorRequest) PaymasterAndData() ([]byte, error) {
	data := common.CopyBytes(r.Paymaster.Bytes())
	if r.ValidUntil == nil && r.ValidAfter == nil {
		return data, nil
	}

	window, err := validityArgs.Pack(orZero(r.ValidUntil), orZero(r.ValidAfter))
	if err != nil {
		return nil, err
	}
	return append(data, window...), nil
}
