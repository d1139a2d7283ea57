// Package codec converts opaque binary updates to and from the text-safe
// encoding carried inside envelopes.
package codec

import (
	"encoding/base64"
	"fmt"
)

// Encode returns the standard base64 encoding of update.
func Encode(update []byte) string {
	return base64.StdEncoding.EncodeToString(update)
}

// Decode reverses Encode. Empty input decodes to an empty, non-nil slice.
func Decode(text string) ([]byte, error) {
	if text == "" {
		return []byte{}, nil
	}
	out, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}
