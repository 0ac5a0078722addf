package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// marshalJSON encodes v with HTML escaping disabled so stored bodies match
// what the API returns.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
