// Package render holds the countdown render sinks.
package render

import (
	"context"
	"errors"
	"fmt"

	"countdown/internal/countdown"
)

// ErrSinkClosed is returned by sinks that were closed by the user or by Close.
var ErrSinkClosed = errors.New("render: sink closed")

// Sink receives one frame per countdown tick.
type Sink interface {
	Name() string
	Render(ctx context.Context, f countdown.Frame) error
}

// Closer is implemented by sinks that own resources (a screen, a bot client).
type Closer interface {
	Close(ctx context.Context) error
}

var _ countdown.Renderer = Sink(nil)

// Multi fans a frame out to every sink in order. One failing sink does not
// prevent the others from rendering.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Render(ctx context.Context, f countdown.Frame) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Render(ctx, f); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements Closer.
func (m Multi) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		c, ok := s.(Closer)
		if !ok {
			continue
		}
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Renderers adapts the sinks to the countdown service's renderer slice.
func (m Multi) Renderers() []countdown.Renderer {
	out := make([]countdown.Renderer, 0, len(m))
	for _, s := range m {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
