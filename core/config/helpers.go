package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddresses parses a list of hex addresses, rejecting anything that is not one.
func ParseAddresses(addresses []string) ([]common.Address, error) {
	result := make([]common.Address, len(addresses))
	for i, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid address %q at position %d", addr, i+1)
		}
		result[i] = common.HexToAddress(addr)
	}
	return result, nil
}
