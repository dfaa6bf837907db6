// Package sha256 derives stable identifiers from SHA-256 digests.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// reviewTextRunes bounds how much review text feeds the review id.
const reviewTextRunes = 200

// reviewIDLength is the number of hex characters kept from the digest.
const reviewIDLength = 16

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ReviewID identifies a review by its book, author, publication date and the
// leading runes of its text, so re-scraping the same review yields the same id.
func ReviewID(bookURL, author, publishedAt, text string) string {
	key := strings.Join([]string{bookURL, author, publishedAt, truncateRunes(text, reviewTextRunes)}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:reviewIDLength]
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
