package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	vacalibration "github.com/cliu238/vacalibration"
)

// Fingerprint returns the hex SHA-256 of the job name and the canonical
// form of input. Every input key is semantic; scheduling metadata such as
// priority, timeout and owner lives on the job, not in its input, so it
// never reaches the hash. Top-level keys named in exclude are dropped
// first. Non-object documents are hashed as-is after canonicalization.
func Fingerprint(name string, input json.RawMessage, exclude ...string) (string, error) {
	canon, err := Canonical(input, exclude...)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Canonical re-encodes a JSON document with object keys sorted at every
// level and numbers kept verbatim. Top-level keys listed in drop are
// removed.
func Canonical(input json.RawMessage, drop ...string) ([]byte, error) {
	if len(bytes.TrimSpace(input)) == 0 {
		return []byte("null"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: input is not valid JSON: %w", vacalibration.ErrInvalidInput, err)
	}
	if obj, ok := doc.(map[string]any); ok {
		for _, k := range drop {
			delete(obj, k)
		}
	}

	// encoding/json writes map keys in sorted order.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("cache: canonicalize input: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
