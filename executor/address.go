package executor

import (
	"net"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/teranos/tessera/errors"
)

// DiscoverAddress returns the first IPv4 address of an interface that is up
// and not a loopback.
func DiscoverAddress() (string, error) {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return "", errors.Wrap(err, "failed to list network interfaces")
	}
	if addr := pickAddress(ifaces); addr != "" {
		return addr, nil
	}
	return "", errors.WithHint(
		errors.NewNotFoundError("no usable IPv4 address"),
		"set executor.address explicitly")
}

func pickAddress(ifaces psnet.InterfaceStatList) string {
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			ip, _, err := net.ParseCIDR(a.Addr)
			if err != nil {
				ip = net.ParseIP(a.Addr)
			}
			if ip == nil || ip.To4() == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			return ip.String()
		}
	}
	return ""
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
