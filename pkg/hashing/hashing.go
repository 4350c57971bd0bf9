// Package hashing provides the deterministic digests used for version ids,
// schema ids and input fingerprints. All hashes are computed over canonical
// JSON: object keys sorted, no insignificant whitespace, byte-stable across
// processes.
package hashing

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// CanonicalJSON renders v as canonical JSON.
func CanonicalJSON(v any) ([]byte, error) {
	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(enc)
	case json.Number:
		b.WriteString(val.String())
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			b.WriteString(strconv.FormatInt(int64(val), 10))
		} else {
			b.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
		}
	case int:
		b.WriteString(strconv.Itoa(val))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(enc)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		// Fall back through a marshal/unmarshal round trip for struct values.
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonical json: %w", err)
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		return writeCanonical(b, generic)
	}
	return nil
}

// Hash returns the full blake3 digest of v's canonical JSON, hex-encoded.
func Hash(v any) (string, error) {
	raw, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// ShortHash returns the 32-hex-char truncation used for version ids and
// input fingerprints.
func ShortHash(v any) (string, error) {
	full, err := Hash(v)
	if err != nil {
		return "", err
	}
	return full[:32], nil
}

// MustShortHash is ShortHash for values known to be canonicalizable (plain
// data and marshalable structs). Failure means a programming bug.
func MustShortHash(v any) string {
	h, err := ShortHash(v)
	if err != nil {
		panic(fmt.Sprintf("short hash: %v", err))
	}
	return h
}

// HashBytes returns the 32-hex-char blake3 digest of raw bytes.
func HashBytes(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])[:32]
}
