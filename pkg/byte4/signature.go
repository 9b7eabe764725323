// Package byte4 names calldata by its 4-byte function selector.
package byte4

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// GetMethodFromCalldata returns the method of the first ABI in abis whose selector matches
// the first four bytes of calldata.
func GetMethodFromCalldata(calldata []byte, abis ...abi.ABI) (*abi.Method, error) {
	if len(calldata) < 4 {
		return nil, fmt.Errorf("invalid selector length: %d", len(calldata))
	}

	for _, parsed := range abis {
		if method, err := parsed.MethodById(calldata[:4]); err == nil {
			return method, nil
		}
	}
	return nil, fmt.Errorf("no matching method found for selector: 0x%x", calldata[:4])
}

// Describe renders calldata for display: the method signature when known, the raw selector
// when not, and "value transfer" for empty calldata.
func Describe(calldata []byte, abis ...abi.ABI) string {
	if len(calldata) == 0 {
		return "value transfer"
	}
	method, err := GetMethodFromCalldata(calldata, abis...)
	if err != nil {
		if len(calldata) < 4 {
			return fmt.Sprintf("0x%x", calldata)
		}
		return fmt.Sprintf("0x%x", calldata[:4])
	}
	return method.Sig
}
