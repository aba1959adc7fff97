package prompt

import (
	"context"
	"errors"

	"github.com/charmbracelet/huh"
)

// Terminal asks questions interactively on the controlling TTY.
type Terminal struct{}

// NewTerminal creates a TTY-backed prompt service.
func NewTerminal() *Terminal { return &Terminal{} }

// Prompt renders a select form and blocks for the user's choice.
func (t *Terminal) Prompt(ctx context.Context, req Request) (Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	options := make([]huh.Option[string], 0, len(req.Options))
	for _, o := range req.Options {
		options = append(options, huh.NewOption(o.Label, o.Key))
	}

	selected := req.DefaultKey
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(req.Title).
			Description(req.Message).
			Options(options...).
			Value(&selected),
	)).WithTimeout(timeout)

	err := form.RunWithContext(ctx)
	switch {
	case errors.Is(err, huh.ErrTimeout):
		return Response{TimedOut: true}, nil
	case errors.Is(err, huh.ErrUserAborted), errors.Is(err, context.Canceled):
		return Response{Cancelled: true}, nil
	case err != nil:
		return Response{}, err
	}
	return Response{Key: selected}, nil
}
