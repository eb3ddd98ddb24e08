package service

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/nmap"
	"github.com/CZERTAINLY/Sweeper/internal/runner"
	"github.com/CZERTAINLY/Sweeper/internal/sweep"
	"github.com/CZERTAINLY/Sweeper/internal/worker"
)

// Planner resolves start parameters into the prober of their kind.
type Planner struct {
	nmap      string
	command   *runner.Command
	units     []string
	localCIDR func() ([]string, error)
}

func NewPlanner(cfg *model.Sweep) (*Planner, error) {
	p := &Planner{localCIDR: nmap.LocalCIDRs}
	if cfg == nil {
		return p, nil
	}
	p.nmap = get(cfg.Nmap)
	if cfg.Command != nil {
		cmd, err := Cmd(*cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("sweep.command: %w", err)
		}
		p.command = &cmd
		p.units = slices.Clone(cfg.Command.Units)
	}
	return p, nil
}

// WithLocalCIDRs replaces the local subnet lookup used for an empty
// discovery scope.
func (p *Planner) WithLocalCIDRs(fn func() ([]string, error)) *Planner {
	p.localCIDR = fn
	return p
}

// Plan implements sweep.Planner. A discovery without scope sweeps the local
// subnets, a health check without scope runs the configured units.
func (p *Planner) Plan(ctx context.Context, params model.Params) (worker.Prober, []string, error) {
	switch params.Kind {
	case model.KindDiscovery, "":
		units := params.Scope
		if len(units) == 0 {
			cidrs, err := p.localCIDR()
			if err != nil {
				return nil, nil, fmt.Errorf("detecting local subnets: %w", err)
			}
			units = cidrs
		}
		d := nmap.NewDiscovery(params.Profile)
		if p.nmap != "" {
			d = d.WithNmapBinary(p.nmap)
		}
		return d, units, nil
	case model.KindHealthCheck:
		if p.command == nil {
			return nil, nil, fmt.Errorf("%w: sweep.command is not configured", model.ErrInvalidParams)
		}
		units := params.Scope
		if len(units) == 0 {
			units = p.units
		}
		return runner.NewCommandProber(*p.command), units, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown kind %q", model.ErrInvalidParams, params.Kind)
}

var _ sweep.Planner = (*Planner)(nil)

// Export is the document handed to uploaders for every finished task.
type Export struct {
	Task  model.Task   `json:"task"`
	Count int          `json:"count"`
	Items []model.Item `json:"items"`
}

func encodeRecord(rec sweep.Record) ([]byte, error) {
	items := rec.Items
	if items == nil {
		items = []model.Item{}
	}
	raw, err := json.MarshalIndent(Export{Task: rec.Task, Count: len(items), Items: items}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding sweep results: %w", err)
	}
	return append(raw, '\n'), nil
}

func get[T any](pt *T) T {
	var zero T
	if pt == nil {
		return zero
	}
	return *pt
}

func getOr[T any](pt *T, def T) T {
	if pt == nil {
		return def
	}
	return *pt
}
