package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateMemo_Format(t *testing.T) {
	for i := 0; i < 100; i++ {
		memo, err := GenerateMemo()
		require.NoError(t, err)
		assert.Len(t, memo, MemoLength)
		for _, r := range memo {
			assert.True(t, strings.ContainsRune(memoAlphabet, r), "unexpected rune %q in memo %s", r, memo)
		}
	}
}

func TestGenerateMemo_EveryCharacterReachable(t *testing.T) {
	// 2000 memos give each of the 36 characters an expected count well into
	// the hundreds; an absent character means the sampling is skewed.
	counts := make(map[rune]int)
	for i := 0; i < 2000; i++ {
		memo, err := GenerateMemo()
		require.NoError(t, err)
		for _, r := range memo {
			counts[r]++
		}
	}
	for _, r := range memoAlphabet {
		assert.Positive(t, counts[r], "character %q never generated", r)
	}
}

func TestGenerateMemo_Distinct(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		memo, err := GenerateMemo()
		require.NoError(t, err)
		assert.False(t, seen[memo], "memo %s generated twice", memo)
		seen[memo] = true
	}
}
