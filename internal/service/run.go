package service

import (
	"context"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

// Serve implements the CLI serve command.
func Serve(ctx context.Context, config model.Config) error {
	supervisor, err := NewSupervisor(ctx, config)
	if err != nil {
		return err
	}
	return supervisor.Do(ctx)
}

// Sweep implements the CLI sweep command, a single sweep of the configured
// defaults.
func Sweep(ctx context.Context, config model.Config) error {
	supervisor, err := NewSupervisor(ctx, config)
	if err != nil {
		return err
	}
	return supervisor.SetOneshot(true).Do(ctx)
}
