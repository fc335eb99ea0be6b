package identity

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeAddress validates raw and returns its EIP-55 checksummed form.
func NormalizeAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return "", ErrInvalidAddress
	}
	return common.HexToAddress(trimmed).Hex(), nil
}
