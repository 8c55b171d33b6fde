// Package image decides what happens to rendered OCR images that exceed the
// payload size cap.
package image

// Action is the outcome of a size check.
type Action int

// Possible outcomes for an oversized image.
const (
	// Keep leaves the inline data URL in the payload untouched.
	Keep Action = iota
	// Offload moves the image to blob storage and strips it from the payload.
	Offload
	// Drop strips the image from the payload entirely.
	Drop
)

// Policy holds the size cap and the offload toggle.
type Policy struct {
	// MaxBytes caps the inline image length. Zero disables the check.
	MaxBytes int
	// OffloadEnabled routes oversized images to blob storage instead of
	// dropping them.
	OffloadEnabled bool
}

// Decide returns the action for an inline image of the given length.
func (p Policy) Decide(size int) Action {
	if p.MaxBytes <= 0 || size <= p.MaxBytes {
		return Keep
	}
	if p.OffloadEnabled {
		return Offload
	}
	return Drop
}
