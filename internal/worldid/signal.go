package worldid

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// HashToField maps arbitrary bytes into the proof system's scalar field:
// keccak256 shifted right by 8 bits, rendered as 0x-prefixed 32-byte hex.
func HashToField(input []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(input)
	digest := h.Sum(nil)

	var shifted [32]byte
	copy(shifted[1:], digest[:31])
	return "0x" + hex.EncodeToString(shifted[:])
}
