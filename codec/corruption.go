package codec

import (
	"crypto/rand"
	"fmt"
	"slices"
)

const (
	// CorruptionTokenLength is the number of filler characters spliced at each offset.
	CorruptionTokenLength = 4

	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
)

// DefaultCorruptionPositions are the insertion offsets used by historical payloads.
var DefaultCorruptionPositions = []int{5, 9, 15, 20, 30}

// Corruption splices random filler tokens into ciphertext at fixed offsets.
//
// This is obfuscation, not encryption: anyone who knows the offsets can strip
// the filler. It adds no cryptographic strength and must stay byte-compatible
// with payloads already stored under it.
type Corruption struct {
	positions []int
}

// NewCorruption returns a codec for the given offsets. Negative offsets are
// dropped and the rest are sorted and de-duplicated. A nil or empty slice
// selects DefaultCorruptionPositions.
func NewCorruption(positions []int) *Corruption {
	if len(positions) == 0 {
		positions = DefaultCorruptionPositions
	}

	normalized := make([]int, 0, len(positions))
	for _, p := range positions {
		if p >= 0 {
			normalized = append(normalized, p)
		}
	}
	slices.Sort(normalized)
	return &Corruption{positions: slices.Compact(normalized)}
}

// Positions returns a copy of the normalized insertion offsets.
func (c *Corruption) Positions() []int {
	return slices.Clone(c.positions)
}

// Obfuscate inserts a token at every offset smaller than len(cipherText).
// Offsets are measured against the original string, so each insertion lands
// after the tokens already spliced before it.
func (c *Corruption) Obfuscate(cipherText string) (string, error) {
	out := make([]byte, 0, len(cipherText)+len(c.positions)*CorruptionTokenLength)
	cursor := 0
	for _, p := range c.positions {
		if p >= len(cipherText) {
			break
		}

		token, err := randomToken()
		if err != nil {
			return "", err
		}
		out = append(out, cipherText[cursor:p]...)
		out = append(out, token...)
		cursor = p
	}
	out = append(out, cipherText[cursor:]...)

	return string(out), nil
}

// Deobfuscate strips the token window at each reconstructed offset without
// looking at its contents. Truncated input never fails: once the next window
// lies past the end of the data, the remainder is copied verbatim, and a
// partial trailing window is dropped.
func (c *Corruption) Deobfuscate(corrupted string) string {
	out := make([]byte, 0, len(corrupted))
	cursor := 0
	for i, p := range c.positions {
		start := p + i*CorruptionTokenLength
		if start >= len(corrupted) {
			break
		}

		out = append(out, corrupted[cursor:start]...)
		end := start + CorruptionTokenLength
		if end > len(corrupted) {
			return string(out)
		}
		cursor = end
	}
	out = append(out, corrupted[cursor:]...)

	return string(out)
}

func randomToken() ([]byte, error) {
	raw := make([]byte, CorruptionTokenLength)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate corruption token: %w", err)
	}
	for i, b := range raw {
		raw[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return raw, nil
}
