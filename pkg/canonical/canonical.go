// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the hashing rules used for envelope signatures.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Marshal returns the RFC 8785 canonical JSON encoding of v.
//
// Key features:
// 1. Map keys are sorted lexicographically by UTF-16 code units.
// 2. HTML escaping is DISABLED (unlike standard json.Marshal).
// 3. Numbers are serialized in ECMA-262 shortest form.
func Marshal(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform failed: %w", err)
	}
	return out, nil
}

// Transform canonicalizes raw JSON bytes in place, preserving fields the
// caller's structs would drop. Use this on wire input.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform failed: %w", err)
	}
	return out, nil
}

// WithoutField returns the canonical encoding of the JSON object in raw with
// the named top-level field removed. Signature verification canonicalizes the
// envelope as received minus its signature field.
func WithoutField(raw []byte, field string) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("canonical: not a JSON object: %w", err)
	}
	delete(obj, field)
	stripped, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("canonical: re-marshal failed: %w", err)
	}
	return Transform(stripped)
}

// Hash computes the SHA-256 digest of data.
func Hash(data []byte) [sha256.Size]byte {
	return sha256.Sum256(data)
}

// HashHex computes the SHA-256 hash of raw bytes and returns it hex-encoded.
func HashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Digest returns the SHA-256 hex digest of the canonical JSON encoding of v.
func Digest(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashHex(b), nil
}

// NFC returns the Unicode NFC normalization of s. Capability descriptions and
// mail bodies are normalized before hashing so visually identical strings
// share cache entries.
func NFC(s string) string {
	return norm.NFC.String(s)
}
