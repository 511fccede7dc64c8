package services

import (
	"strings"

	"github.com/mr-tron/base58"
)

// CanonicalAddress validates a Solana wallet address and returns its
// canonical base58 form. Base58 is case-sensitive, so canonical form means
// the exact re-encoding of the decoded 32-byte public key.
func CanonicalAddress(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidAddress.WithMessage("wallet address is required")
	}
	decoded, err := base58.Decode(s)
	if err != nil {
		return "", ErrInvalidAddress.Wrap(err)
	}
	if len(decoded) != 32 {
		return "", ErrInvalidAddress.WithMessage("wallet address must decode to 32 bytes, got %d", len(decoded))
	}
	return base58.Encode(decoded), nil
}
