package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status enumerates generation lifecycle states.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is absorbing. A generation never
// transitions out of a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// OutputSize enumerates supported target dimensions. Each provider adapter
// maps these to its own native size parameters.
type OutputSize string

const (
	SizeSquare    OutputSize = "square"
	SizePortrait  OutputSize = "portrait"
	SizeLandscape OutputSize = "landscape"
)

// ParseOutputSize validates a client-supplied size token.
func ParseOutputSize(s string) (OutputSize, error) {
	switch OutputSize(strings.ToLower(strings.TrimSpace(s))) {
	case SizeSquare:
		return SizeSquare, nil
	case SizePortrait:
		return SizePortrait, nil
	case SizeLandscape:
		return SizeLandscape, nil
	default:
		return "", fmt.Errorf("%w: output size %q", ErrInvalidInput, s)
	}
}

// ReservedInputPrefix marks input keys that carry internal references rather
// than literal prompt text. The prompt compiler skips them.
const ReservedInputPrefix = "__"

// InputKeySourceImage is the reserved input key holding the storage key of an
// uploaded source image used for image-conditioned generation.
const InputKeySourceImage = ReservedInputPrefix + "source_image"

// MaxErrorMessageLen bounds the human-readable error persisted on a
// generation row.
const MaxErrorMessageLen = 500

// TruncateError trims an error message to MaxErrorMessageLen bytes on a rune
// boundary.
func TruncateError(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) <= MaxErrorMessageLen {
		return msg
	}
	runes := []rune(msg)
	for len(string(runes)) > MaxErrorMessageLen {
		runes = runes[:len(runes)-1]
	}
	return string(runes)
}

// Generation is one request to produce an image, tracked as a row with a
// status. Rows are created QUEUED by the API layer and mutated exclusively by
// the worker afterwards, except for external cancellation.
type Generation struct {
	ID             string
	IdempotencyKey *string
	UserID         string
	PresetID       string
	Status         Status
	InputValues    map[string]string
	OutputSize     OutputSize
	OutputURL      *string
	ErrorMessage   *string

	// CreditsUsed is snapshotted from the preset at enqueue time and never
	// re-read afterwards, so a later price change cannot affect the job.
	CreditsUsed int

	ProcessingTime time.Duration
	RefundedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// SourceImageKey returns the storage key of the uploaded source image, if any.
func (g *Generation) SourceImageKey() (string, bool) {
	if g == nil || g.InputValues == nil {
		return "", false
	}
	key := strings.TrimSpace(g.InputValues[InputKeySourceImage])
	return key, key != ""
}
