// Package fingerprint builds 64-bit SimHash signatures used to flag
// near-duplicate documents before they reach the keyword and vector indexes.
package fingerprint

import (
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Tokenize lowercases text and splits it into word/number runs, mirroring
// the tokenizer used to build a document's SimHash signature.
func Tokenize(text string) []string {
	lowered := strings.ToLower(text)
	return wordPattern.FindAllString(lowered, -1)
}

// SimHash64 computes a 64-bit SimHash signature over text's tokens. Each
// token contributes a signed vote, derived from a Blake2b-64 digest of the
// token, to each of the 64 accumulator bits; bits with a non-negative total
// are set in the result. An empty token stream yields 0.
func SimHash64(text string) uint64 {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return 0
	}

	var votes [64]int
	for _, token := range tokens {
		value := tokenDigest(token)
		for bit := 0; bit < 64; bit++ {
			if value&(1<<uint(bit)) != 0 {
				votes[bit]++
			} else {
				votes[bit]--
			}
		}
	}

	var result uint64
	for bit, weight := range votes {
		if weight >= 0 {
			result |= 1 << uint(bit)
		}
	}
	return result
}

// tokenDigest hashes a single token to a 64-bit value using Blake2b with an
// 8-byte digest size, matching the fingerprinting scheme this package is
// ported from.
func tokenDigest(token string) uint64 {
	h, err := blake2b.New(8, nil)
	if err != nil {
		// blake2b.New only errors on invalid key/size combinations; 8 bytes
		// and a nil key are always valid.
		panic(err)
	}
	h.Write([]byte(token))
	sum := h.Sum(nil)

	var value uint64
	for _, b := range sum {
		value = value<<8 | uint64(b)
	}
	return value
}

// HammingDistance returns the number of differing bits between a and b.
func HammingDistance(a, b uint64) int {
	return popcount(a ^ b)
}

func popcount(v uint64) int {
	count := 0
	for v != 0 {
		v &= v - 1
		count++
	}
	return count
}
