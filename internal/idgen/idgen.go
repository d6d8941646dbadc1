// Package idgen generates random identifiers for demo payments and request ids.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"io"
)

var reader io.Reader = rand.Reader

// Hex returns numBytes random bytes as lowercase hex.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := io.ReadFull(reader, b); err != nil {
		panic("idgen: random source failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// WithPrefix returns prefix followed by 24 random hex characters, e.g.
// "pay_3f9c...".
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}
