package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingType is returned by Peek for frames without a usable type field.
var ErrMissingType = errors.New("frame has no type field")

// Peek extracts the type discriminator from a raw JSON frame without
// decoding the rest of it. The caller dispatches on the result and then
// unmarshals into the concrete frame struct.
func Peek(raw []byte) (string, error) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return "", fmt.Errorf("invalid frame: %w", err)
	}
	if header.Type == "" {
		return "", ErrMissingType
	}
	return header.Type, nil
}
