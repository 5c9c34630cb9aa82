// Package genai holds the clients for the upstream generation providers the
// metered endpoints charge for.
package genai

import (
	"context"
	"errors"
)

// ErrUpstream marks a failed or timed-out provider call. The caller treats it
// as terminal for the request; no credits are burned.
var ErrUpstream = errors.New("upstream generation failed")

// TextGenerator produces an assistant reply for a prompt.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// ImageGenerator renders an image for a prompt and returns its hosted URL.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}
