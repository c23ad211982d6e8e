package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// ErrRenderingUnavailable is returned when no browser is configured.
var ErrRenderingUnavailable = errors.New("headless rendering not configured")

// Noop implements bylaw.Renderer for deployments without Chrome.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Render always fails; the error is not transient.
func (Noop) Render(_ context.Context, _ bylaw.FetchRequest) (bylaw.FetchResponse, error) {
	return bylaw.FetchResponse{}, ErrRenderingUnavailable
}
