package registry

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/minerhive/minerhive/internal/device"
)

// Command is one requested change to one device. Mode and Pool are both
// optional; a command with neither is a no-op.
type Command struct {
	DeviceID string
	Mode     device.Mode        // empty: no mode change
	Pool     *device.PoolConfig // nil: no pool change
}

// Result is the outcome of one Command.
type Result struct {
	DeviceID string
	Err      error
}

// Apply issues commands to independent devices concurrently. Each call is
// bounded by the registry's command timeout, so one stuck device cannot block
// the others. Failures are collected per device; there is no cross-device
// rollback.
func (r *Registry) Apply(ctx context.Context, commands []Command) []Result {
	results := make([]Result, len(commands))
	var g errgroup.Group
	for i, cmd := range commands {
		g.Go(func() error {
			results[i] = Result{DeviceID: cmd.DeviceID, Err: r.apply(ctx, cmd)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Registry) apply(ctx context.Context, cmd Command) error {
	if cmd.Mode != "" {
		if err := r.SetMode(ctx, cmd.DeviceID, cmd.Mode); err != nil {
			return err
		}
		r.logger.Info("mode applied",
			slog.String("device", cmd.DeviceID),
			slog.String("mode", string(cmd.Mode)),
		)
	}
	if cmd.Pool != nil {
		if err := r.SwitchPool(ctx, cmd.DeviceID, *cmd.Pool); err != nil {
			return err
		}
		r.logger.Info("pool switched",
			slog.String("device", cmd.DeviceID),
			slog.String("pool", cmd.Pool.URL),
		)
	}
	return nil
}
