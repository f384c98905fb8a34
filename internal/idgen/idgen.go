// Package idgen generates the prefixed identifiers used across the
// ledger: "wal_" wallets, "wtx_" wallet transactions, "cra_" credit
// accounts, "ctx_" credit transactions, "pay_" payments, "trf_"
// transfer groups.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix followed by 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
