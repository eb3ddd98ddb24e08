package nmap

import (
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
)

// virtual interfaces which only add noise to a sweep
var skipPrefixes = []string{"docker", "br-", "veth", "wt0", "tailscale", "tun", "tap"}

type iface struct {
	name  string
	flags net.Flags
	addrs []net.Addr
}

// LocalCIDRs returns the IPv4 subnets of the local interfaces that are up,
// skipping loopback and well known virtual interfaces.
func LocalCIDRs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	list := make([]iface, 0, len(ifaces))
	for _, i := range ifaces {
		addrs, err := i.Addrs()
		if err != nil {
			return nil, fmt.Errorf("listing addresses of %s: %w", i.Name, err)
		}
		list = append(list, iface{name: i.Name, flags: i.Flags, addrs: addrs})
	}
	return localCIDRs(list), nil
}

func localCIDRs(ifaces []iface) []string {
	var out []string
	for _, i := range ifaces {
		if i.flags&net.FlagUp == 0 || i.flags&net.FlagLoopback != 0 || i.name == "lo" {
			continue
		}
		if slices.ContainsFunc(skipPrefixes, func(p string) bool { return strings.HasPrefix(i.name, p) }) {
			continue
		}
		for _, a := range i.addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if !addr.Is4() || addr.IsLinkLocalUnicast() {
				continue
			}
			ones, bits := ipnet.Mask.Size()
			if bits == 128 {
				ones -= 96
			}
			cidr := netip.PrefixFrom(addr, ones).Masked().String()
			if !slices.Contains(out, cidr) {
				out = append(out, cidr)
			}
		}
	}
	return out
}
