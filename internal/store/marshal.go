package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// marshalJSON converts v to JSON TEXT for storage with HTML escaping
// disabled. Map keys are sorted by encoding/json.
func marshalJSON(v any) (string, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return "null", nil
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", fmt.Errorf("marshal json: %w", err)
		}
		return buf.String(), nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	// Encoder adds a trailing newline
	return string(bytes.TrimSpace(buf.Bytes())), nil
}
