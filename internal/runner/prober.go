package runner

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/worker"
)

// UnitPlaceholder in the arguments of a command is replaced by the unit.
const UnitPlaceholder = "{unit}"

// CommandProber runs a health check command once per unit and turns its
// `run: <key> <attr>=<value>...` stdout lines into partial items. Other
// lines are ignored. Units run one at a time, a Probe made while another
// command is running fails with ErrInProgress.
type CommandProber struct {
	cmd    Command
	runner *Runner
}

func NewCommandProber(cmd Command) *CommandProber {
	return &CommandProber{cmd: cmd, runner: NewRunner()}
}

func (p *CommandProber) Probe(ctx context.Context, unit string, emit worker.EmitFunc) error {
	cmd := p.command(unit)
	r := p.runner

	stdout := func(_ context.Context, line string) {
		if key, attrs, ok := ParseLine(line); ok {
			emit(key, attrs)
		}
	}
	stderr := func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "stderr", "unit", unit, "line", line)
	}
	if err := r.Start(ctx, cmd, stdout, stderr); err != nil {
		return fmt.Errorf("starting %s: %w", cmd.Path, err)
	}

	// the process is killed once ctx is done
	res := <-r.ResultsChan()
	if res.Err != nil {
		return fmt.Errorf("%s: %w", cmd.Path, res.Err)
	}
	return nil
}

// command substitutes the unit into the arguments, or appends it when
// no argument refers to it.
func (p *CommandProber) command(unit string) Command {
	cmd := p.cmd
	cmd.Args = slices.Clone(cmd.Args)
	found := false
	for i, a := range cmd.Args {
		if strings.Contains(a, UnitPlaceholder) {
			cmd.Args[i] = strings.ReplaceAll(a, UnitPlaceholder, unit)
			found = true
		}
	}
	if !found {
		cmd.Args = append(cmd.Args, unit)
	}
	return cmd
}

// ParseLine parses `run: <key> [attr=value]...`. A word without `=` is
// stored as the status attribute.
func ParseLine(line string) (string, model.Attributes, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "run:")
	if !ok {
		return "", nil, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, false
	}
	attrs := make(model.Attributes, len(fields)-1)
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			attrs["status"] = f
			continue
		}
		if k != "" {
			attrs[k] = v
		}
	}
	return fields[0], attrs, true
}
