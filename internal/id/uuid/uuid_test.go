// Package uuid includes tests for the job ID generator.
package uuid

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewID ensures generated IDs are unique 32-char hex strings.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	if len(id1) != 32 || strings.Contains(id1, "-") {
		t.Fatalf("expected 32 hex chars without dashes, got %q", id1)
	}
	if id1 != strings.ToLower(id1) {
		t.Fatalf("expected lowercase hex, got %q", id1)
	}
}

// TestGeneratorNewCanonicalID ensures the dashed form parses as a UUID.
func TestGeneratorNewCanonicalID(t *testing.T) {
	t.Parallel()

	gen := New()
	id, err := gen.NewCanonicalID()
	if err != nil {
		t.Fatalf("NewCanonicalID() error = %v", err)
	}
	if _, err := goUUID.Parse(id); err != nil {
		t.Fatalf("id not a valid UUID: %v", err)
	}
}
