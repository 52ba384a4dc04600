// Package cursor implements the opaque pagination cursors used by list
// endpoints across the repository layer: a base64-encoded JSON envelope
// carrying the last-seen sort key, so callers never see raw (time, id)
// pairs on the wire.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Page is the (created_at DESC, id DESC) cursor shape used by every
// paginated list operation in this repository.
type Page struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// Encode renders p as an opaque cursor token.
func Encode(p Page) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// Decode parses a cursor token previously produced by Encode. An empty
// token decodes to the zero Page, meaning "start from the beginning".
func Decode(token string) (Page, error) {
	if token == "" {
		return Page{}, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Page{}, fmt.Errorf("decode cursor: %w", err)
	}
	var p Page
	if err := json.Unmarshal(raw, &p); err != nil {
		return Page{}, fmt.Errorf("decode cursor: %w", err)
	}
	return p, nil
}
