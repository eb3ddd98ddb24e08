package nmap

import "net"

var HostItems = hostItems

type Iface = iface

func NewIface(name string, flags net.Flags, addrs ...net.Addr) Iface {
	return iface{name: name, flags: flags, addrs: addrs}
}

func FilterCIDRs(ifaces ...Iface) []string {
	return localCIDRs(ifaces)
}
