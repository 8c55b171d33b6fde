// Package uuid provides job ID generation helpers.
package uuid

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Generator creates 32-character lowercase hex job IDs from random UUIDs,
// matching the compact form clients embed in poll URLs.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a random UUID as 32 hex characters without dashes.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return hex.EncodeToString(id[:]), nil
}

// NewCanonicalID returns a random UUID in canonical dashed form, used for
// browser profile directory names.
func (Generator) NewCanonicalID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}
