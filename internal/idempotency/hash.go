package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash domains. The version suffix allows the algorithm to change later.
const (
	requestHashDomain = "incident-engine/request/v1"
	derivedKeyDomain  = "incident-engine/key/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashRequest returns the digest of a normalized request body.
// The value must marshal deterministically: structs and maps only.
func HashRequest(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	return hashWithDomain(requestHashDomain, data), nil
}

// DerivedKeyPrefix marks keys built by DeriveKey.
const DerivedKeyPrefix = "derived:"

// DeriveKey builds an idempotency key for callers that did not supply one.
// The same scope and request hash always yield the same key, and the key has
// a fixed length whatever the scope.
func DeriveKey(scope, requestHash string) string {
	return DerivedKeyPrefix + hashWithDomain(derivedKeyDomain, []byte(scope+"\x00"+requestHash))
}
