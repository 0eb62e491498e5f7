package utils

import (
	"crypto/rand"
	"fmt"
)

const memoAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// MemoLength is fixed so that one memo can contain another only by being
// equal to it, which keeps substring matching against the payment feed
// unambiguous.
const MemoLength = 8

// GenerateMemo returns a random payment memo, uniform over the alphabet.
// Uniqueness is ultimately enforced by the orders table, not by the
// randomness here.
func GenerateMemo() (string, error) {
	// Bytes at or above the largest multiple of the alphabet size are
	// redrawn so no character is over-represented.
	const limit = 256 - 256%len(memoAlphabet)

	memo := make([]byte, 0, MemoLength)
	buf := make([]byte, MemoLength)
	for len(memo) < MemoLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate memo: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			memo = append(memo, memoAlphabet[int(b)%len(memoAlphabet)])
			if len(memo) == MemoLength {
				break
			}
		}
	}
	return string(memo), nil
}
