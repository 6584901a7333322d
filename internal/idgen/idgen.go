// Package idgen derives custody record ids.
package idgen

import (
	"encoding/hex"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"
)

// CustodyPrefix marks custody record ids.
const CustodyPrefix = "ctx_"

// CustodyID derives the record id for a signed intent. It is a Keccak-256
// digest over the full signature and nonce, so two intents collide only if
// both values are equal.
func CustodyID(signature string, nonce uint64) string {
	h := crypto.Keccak256([]byte(signature), []byte{':'}, []byte(strconv.FormatUint(nonce, 10)))
	return CustodyPrefix + hex.EncodeToString(h[:16])
}

// LegacyCustodyID reproduces the older id format: the first ten signature
// characters followed by the nonce. Distinct signatures sharing a prefix
// and nonce collide.
func LegacyCustodyID(signature string, nonce uint64) string {
	prefix := signature
	if len(prefix) > 10 {
		prefix = prefix[:10]
	}
	return prefix + strconv.FormatUint(nonce, 10)
}
