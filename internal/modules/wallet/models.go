// Package wallet manages the treasury's tracked coldkey wallets.
package wallet

import (
	"fmt"
	"strings"
)

// base58 alphabet used by SS58 addresses. Excludes 0, O, I and l.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// Wallet is a tracked on-chain coldkey. Wallets are soft-deactivated,
// never hard-deleted, because positions and transactions reference them
// for as long as history is kept.
type Wallet struct {
	ID        int64  `json:"id"`
	Address   string `json:"address"`
	Label     string `json:"label,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// ValidateAddress checks that an address is plausible SS58: 46 to 48
// characters from the base58 alphabet.
func ValidateAddress(address string) error {
	address = strings.TrimSpace(address)
	if len(address) < 46 || len(address) > 48 {
		return fmt.Errorf("address must be 46-48 characters, got %d", len(address))
	}
	for _, r := range address {
		if !strings.ContainsRune(base58Alphabet, r) {
			return fmt.Errorf("address contains invalid character %q", r)
		}
	}
	return nil
}
