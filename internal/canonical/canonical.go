// Package canonical renders payloads as canonical JSON and fingerprints
// them. Change detection compares fingerprints across sync cycles, so the
// rendering must be deterministic: equal payloads always produce equal
// bytes, regardless of how their maps were assembled.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Marshal renders v as canonical JSON: object keys sorted at every level,
// no insignificant whitespace, and non-ASCII characters kept as UTF-8
// instead of \u escapes.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encode always appends a newline.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// HashHex returns the lowercase hex SHA-256 digest of b. The outbox stores
// this string next to each payload.
func HashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Fingerprint marshals v and hashes the result in one step.
func Fingerprint(v any) (payload string, hash string, err error) {
	b, err := Marshal(v)
	if err != nil {
		return "", "", err
	}
	return string(b), HashHex(b), nil
}
