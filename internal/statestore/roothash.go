package statestore

import (
	"encoding/hex"
	"sort"

	"golang.org/x/crypto/sha3"
)

// computeRootHash derives a deterministic digest over the full committed
// keyset: sort keys, then hash each "key\x00value\x00" in order (spec
// §4.7's "deterministic hash over the sorted committed keyset").
func computeRootHash(entries map[string][]byte) string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha3.New256()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write(entries[k])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
