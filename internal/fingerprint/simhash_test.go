package fingerprint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimHash64_EmptyText(t *testing.T) {
	assert.Equal(t, uint64(0), SimHash64(""))
	assert.Equal(t, uint64(0), SimHash64("   \t\n  "))
}

func TestSimHash64_Deterministic(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog"
	a := SimHash64(text)
	b := SimHash64(text)
	assert.Equal(t, a, b)
}

func TestSimHash64_NearDuplicatesAreClose(t *testing.T) {
	original := "Installing the CLI requires Go 1.21 or later and a working network connection."
	mutated := "Installing the CLI requires Go 1.21 or later and a stable network connection."

	a := SimHash64(original)
	b := SimHash64(mutated)

	require.NotEqual(t, a, b, "signatures should differ for different text")
	assert.LessOrEqual(t, HammingDistance(a, b), 3, "near-duplicate text should fall within the dedupe threshold")
}

func TestSimHash64_UnrelatedTextDiffersWidely(t *testing.T) {
	a := SimHash64("Installing the CLI requires Go 1.21 or later.")
	b := SimHash64("The history of tea cultivation spans several centuries across Asia.")

	assert.Greater(t, HammingDistance(a, b), 3)
}

func TestTokenize(t *testing.T) {
	tokens := Tokenize("Hello, World! 2024 release.")
	assert.Equal(t, []string{"hello", "world", "2024", "release"}, tokens)
}

func TestHammingDistance(t *testing.T) {
	assert.Equal(t, 0, HammingDistance(0xFF, 0xFF))
	assert.Equal(t, 1, HammingDistance(0b0001, 0b0000))
	assert.Equal(t, 64, HammingDistance(0, ^uint64(0)))
}

func TestSimHash64_LongTextStable(t *testing.T) {
	long := strings.Repeat("repeated phrase for stability check ", 200)
	assert.Equal(t, SimHash64(long), SimHash64(long))
}
