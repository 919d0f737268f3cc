package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// marshalJSON encodes v as compact JSON TEXT with HTML escaping disabled, so
// stored ciphertext and ids round-trip byte for byte.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func unmarshalJSON(data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
