package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 canonical JSON for v.
//
// v is first encoded with encoding/json (so struct tags apply), restricted
// to the flow profile and then canonicalized by jcs:
//   - object keys sorted by UTF-16 code units
//   - strings NFC normalized, no HTML escaping
//   - only integers; fractional numbers are rejected
//   - null is rejected (use omitempty on optional fields)
//
// This is the only serialization used for content-addressed identity and for
// the determinism guarantee on FlowDefinition output.
func MarshalCanonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON rewrites an arbitrary JSON document into canonical form.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	profiled, err := profile(generic)
	if err != nil {
		return nil, err
	}
	normalized, err := json.Marshal(profiled)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	out, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// profile NFC-normalizes every string and key and rejects the values the
// flow profile forbids. jcs handles ordering and escaping.
func profile(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is forbidden in canonical JSON")
	case string:
		return norm.NFC.String(val), nil
	case bool:
		return val, nil
	case json.Number:
		if _, err := val.Int64(); err != nil {
			return nil, fmt.Errorf("non-integer numbers are forbidden in canonical JSON: %s", val)
		}
		return val, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			p, err := profile(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = p
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			p, err := profile(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			nk := norm.NFC.String(k)
			if _, dup := out[nk]; dup {
				return nil, fmt.Errorf("[%q]: key collides with another after NFC normalization", k)
			}
			out[nk] = p
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
}

// compareUTF16 orders strings by UTF-16 code units. Byte order differs
// for characters outside the BMP.
func compareUTF16(a, b string) int {
	if a == b {
		return 0
	}
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	for i := 0; i < len(a16) && i < len(b16); i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	return len(a16) - len(b16)
}

// sortedKeys returns map keys in canonical order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

// FormatConfig renders a config map as "k=v, k=v" in canonical key order.
func FormatConfig(m map[string]string) string {
	keys := sortedKeys(m)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return strings.Join(parts, ", ")
}
