package nmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/log"
	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/worker"

	"github.com/Ullaakut/nmap/v3"
)

// Discovery is a wrapper on top of "github.com/Ullaakut/nmap/v3" Scanner
// doing a ping sweep (-sn) of one CIDR per unit.
type Discovery struct {
	nmap    string
	timing  nmap.Timing
	options []nmap.Option
}

// NewDiscovery creates a nmap ping sweep with the timing template of the
// given profile.
func NewDiscovery(profile model.Profile) Discovery {
	return Discovery{
		timing: timingFor(profile),
		options: []nmap.Option{
			nmap.WithPingScan(),
		},
	}
}

func (d Discovery) WithNmapBinary(nmap string) Discovery {
	d.nmap = nmap
	return d
}

// WithoutDNS disables reverse DNS (-n), so no host attribute is reported.
func (d Discovery) WithoutDNS() Discovery {
	d.options = append(slices.Clone(d.options), nmap.WithDisabledDNSResolution())
	return d
}

// Probe sweeps the CIDR unit and emits the up hosts it finds. A subnet
// without any host is not an error.
func (d Discovery) Probe(ctx context.Context, unit string, emit worker.EmitFunc) error {
	prefix, err := netip.ParsePrefix(unit)
	if err != nil {
		addr, aerr := netip.ParseAddr(unit)
		if aerr != nil {
			return fmt.Errorf("parsing target %q: %w", unit, err)
		}
		prefix = netip.PrefixFrom(addr, addr.BitLen())
	}

	options := slices.Clone(d.options)
	if d.nmap != "" {
		options = append(options, nmap.WithBinaryPath(d.nmap))
	}
	options = append(options,
		nmap.WithTimingTemplate(d.timing),
		nmap.WithTargets(prefix.String()),
	)
	if prefix.Addr().Is6() {
		options = append(options, nmap.WithIPv6Scanning())
	}

	logCtx := log.ContextAttrs(
		ctx,
		slog.String("scanner", "nmap"),
		slog.String("nmap", d.nmap),
		slog.String("target", prefix.String()),
	)
	hosts, err := scan(logCtx, options)
	if errors.Is(err, model.ErrNoMatch) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, host := range hosts {
		key, partials := hostItems(host)
		if key == "" {
			continue
		}
		for _, attrs := range partials {
			emit(key, attrs)
		}
	}
	return nil
}

func scan(ctx context.Context, options []nmap.Option) ([]nmap.Host, error) {
	scanner, err := nmap.NewScanner(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("creating nmap scanner: %w", err)
	}

	now := time.Now()
	slog.DebugContext(ctx, "scan started")
	run, warningsp, err := scanner.Run()
	if err != nil {
		slog.DebugContext(ctx, "scan failed", "error", err)
		return nil, fmt.Errorf("nmap scan: %w", err)
	}
	if warningsp != nil {
		for _, warn := range *warningsp {
			slog.WarnContext(ctx, "scan", "warning", warn)
		}
	}

	hosts := slices.DeleteFunc(slices.Clone(run.Hosts), func(h nmap.Host) bool {
		return h.Status.State != "up"
	})
	if len(hosts) == 0 {
		slog.DebugContext(ctx, "scan found nothing")
		return nil, model.ErrNoMatch
	}
	slog.DebugContext(ctx, "scan finished", "elapsed", time.Since(now).String(), "hosts", len(hosts))
	return hosts, nil
}

// hostItems splits what nmap knows about a host into separate partial
// records keyed by its IP address: reachability first, then the resolved
// name, then the link layer address with its vendor.
func hostItems(host nmap.Host) (string, []model.Attributes) {
	var key, addrType string
	var mac, vendor string
	for _, a := range host.Addresses {
		switch a.AddrType {
		case "ipv4", "ipv6":
			if key == "" {
				key, addrType = a.Addr, a.AddrType
			}
		case "mac":
			mac, vendor = a.Addr, a.Vendor
		}
	}
	if key == "" {
		return "", nil
	}

	partials := []model.Attributes{{
		"status":    host.Status.State,
		"addr_type": addrType,
	}}
	for _, h := range host.Hostnames {
		if h.Name != "" {
			partials = append(partials, model.Attributes{"host": h.Name})
			break
		}
	}
	if mac != "" {
		partials = append(partials, model.Attributes{"mac": mac, "vendor": vendor})
	}
	return key, partials
}

func timingFor(p model.Profile) nmap.Timing {
	switch p {
	case model.ProfileSlow:
		return nmap.TimingPolite
	case model.ProfileFast:
		return nmap.TimingAggressive
	default:
		return nmap.TimingNormal
	}
}
