// Package coid generates and validates content-address identifiers
// (CoId), printable strings matching a fixed alphabet with a
// distinguishing prefix (SPEC_FULL.md §4, "co_z…").
//
// The base36 encoding here is adapted from the teacher's hash-ID
// generator (internal/idgen/hash.go in steveyegge/beads), which builds
// short, dense ids from a SHA-256 digest. The id shape changes (fixed
// "co_z" prefix instead of a caller-chosen issue prefix, no length
// tiering) but the big-int base36 encoding is the same algorithm.
package coid

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Prefix is the distinguishing marker every CoId carries.
const Prefix = "co_z"

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// ID is a validated content-address identifier.
type ID string

// Valid reports whether s has the CoId shape: the Prefix followed by a
// non-empty alphanumeric suffix.
func Valid(s string) bool {
	if !strings.HasPrefix(s, Prefix) {
		return false
	}
	suffix := s[len(Prefix):]
	if suffix == "" {
		return false
	}
	for _, r := range suffix {
		if !isAlnum(r) {
			return false
		}
	}
	return true
}

func isAlnum(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	}
	return false
}

// Parse validates s and returns it as an ID, or false if it is not a
// well-formed CoId.
func Parse(s string) (ID, bool) {
	if !Valid(s) {
		return "", false
	}
	return ID(s), true
}

// encodeBase36 converts data to a base36 string of exactly length
// characters, left-padding with zeros or truncating to the least
// significant digits as needed.
func encodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)

	var chars []byte
	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	var b strings.Builder
	for i := len(chars) - 1; i >= 0; i-- {
		b.WriteByte(chars[i])
	}

	str := b.String()
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}

// Generate derives a CoId from the content that will seed the new
// co-value's header plus a disambiguating nonce, so that two create
// calls issued in the same nanosecond on the same content still land on
// distinct ids.
func Generate(kind string, headerBytes []byte, createdAt time.Time, nonce int) ID {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(headerBytes)
	fmt.Fprintf(h, "|%d|%d", createdAt.UnixNano(), nonce)
	sum := h.Sum(nil)

	// 16 bytes of digest -> a long, dense base36 suffix. Plenty of
	// headroom versus the teacher's 2-5 byte issue-id tiers since CoIds
	// are meant to be globally unique, not merely locally short.
	suffix := encodeBase36(sum[:16], 22)
	return ID(Prefix + suffix)
}
