package service

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/runner"
	"github.com/CZERTAINLY/Sweeper/internal/sweep"
)

// ControllerOptions turns the controller section into sweep.Options. Unset
// fields keep the controller defaults.
func ControllerOptions(cfg *model.Controller) (sweep.Options, error) {
	opts := sweep.DefaultOptions()
	if cfg == nil {
		return opts, nil
	}
	if cfg.GraceTimeout != "" {
		d, err := time.ParseDuration(cfg.GraceTimeout)
		if err != nil {
			return opts, fmt.Errorf("parsing controller.grace_timeout: %w", err)
		}
		opts.GraceTimeout = d
	}
	if cfg.PauseRetries != nil {
		opts.PauseRetry.MaxAttempts = *cfg.PauseRetries
	}
	if cfg.PauseInterval != "" {
		d, err := time.ParseDuration(cfg.PauseInterval)
		if err != nil {
			return opts, fmt.Errorf("parsing controller.pause_interval: %w", err)
		}
		opts.PauseRetry.Interval = d
		opts.PauseRetry.MaxInterval = max(opts.PauseRetry.MaxInterval, d)
	}
	opts.StreamBuffer = getOr(cfg.StreamBuffer, opts.StreamBuffer)
	opts.RecentEvents = getOr(cfg.RecentEvents, opts.RecentEvents)
	opts.PageLimit = getOr(cfg.PageLimit, opts.PageLimit)
	return opts, nil
}

// Cmd converts the health check command. Environment values starting with
// `$` are expanded and names are upper cased.
func Cmd(c model.Command) (runner.Command, error) {
	timeout, err := c.ParsedTimeout()
	if err != nil {
		return runner.Command{}, err
	}
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	slices.Sort(env)
	return runner.Command{
		Path:    c.Path,
		Args:    slices.Clone(c.Args),
		Env:     env,
		Timeout: timeout,
	}, nil
}
