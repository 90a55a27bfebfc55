package decrypt

import (
	"encoding/hex"
	"errors"
)

// KeySize is the raw database key length in bytes.
const KeySize = 32

// ErrBadKey indicates a malformed key string. Keys come from process
// configuration, so this is a fatal startup error, never a runtime one.
var ErrBadKey = errors.New("database key must be 64 hex characters")

// Key is the raw SQLCipher master key.
type Key [KeySize]byte

// ParseKey decodes a 64-character hex key string.
func ParseKey(s string) (Key, error) {
	var k Key
	if len(s) != KeySize*2 {
		return k, ErrBadKey
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, ErrBadKey
	}
	copy(k[:], b)
	return k, nil
}
