// Package mdns browses the local network for IIOD (Pluto) hosts.
package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/grandcat/zeroconf"
)

// ServiceIIOD is the service type advertised by libiio's iiod.
const ServiceIIOD = "_iio._tcp"

// Host represents a discovered IIOD-capable device.
type Host struct {
	Instance  string // Advertised name: "iiod on pluto"
	Hostname  string // DNS hostname: "pluto.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Discover browses service in the local. domain until ctx is done and
// returns deduplicated hosts ordered by hostname.
func Discover(ctx context.Context, service string) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	results := make(map[string]Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				h := entryHost(e)
				results[fmt.Sprintf("%s|%d", h.Hostname, h.Port)] = h
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}

	<-done

	out := make([]Host, 0, len(results))
	for _, h := range results {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

// DiscoverIIOD is Discover for ServiceIIOD.
func DiscoverIIOD(ctx context.Context) ([]Host, error) {
	return Discover(ctx, ServiceIIOD)
}

// FirstAddress returns the first IPv4 address of the first host, falling
// back to any address and then the hostname.
func FirstAddress(hosts []Host) (string, bool) {
	for _, h := range hosts {
		for _, ip := range h.Addresses {
			if ip.To4() != nil {
				return ip.String(), true
			}
		}
	}
	for _, h := range hosts {
		if len(h.Addresses) > 0 {
			return h.Addresses[0].String(), true
		}
		if h.Hostname != "" {
			return strings.TrimSuffix(h.Hostname, "."), true
		}
	}
	return "", false
}

func entryHost(e *zeroconf.ServiceEntry) Host {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
