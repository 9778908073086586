// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package advertise announces the HTTP API over mDNS and finds other hosts
// announcing it
package advertise

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the DNS-SD service announced by `exlink serve`
	ServiceType = "_exlink._tcp"
	// Domain is the mDNS domain
	Domain = "local."
	// DefaultBrowseTimeout bounds a discovery scan
	DefaultBrowseTimeout = 5 * time.Second
)

// TXT builds the TXT records for an announcement
func TXT(devices []string, version string) []string {
	ids := append([]string(nil), devices...)
	sort.Strings(ids)
	return []string{
		"version=" + version,
		"devices=" + strings.Join(ids, ","),
		"api=/devices",
	}
}

// Advertiser is a registered announcement
type Advertiser struct {
	server *zeroconf.Server
}

// Register announces instance on port until Shutdown
func Register(instance string, port int, txt []string) (*Advertiser, error) {
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the announcement
func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
}

// Host is one discovered exlink host
type Host struct {
	Instance string
	HostName string
	Port     int
	Addrs    []net.IP
	Version  string
	Devices  []string
}

// URL returns the HTTP base URL of the host
func (h Host) URL() string {
	host := strings.TrimSuffix(h.HostName, ".")
	for _, ip := range h.Addrs {
		if ip.To4() != nil {
			host = ip.String()
			break
		}
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(h.Port)))
}

func parseEntry(entry *zeroconf.ServiceEntry) Host {
	h := Host{
		Instance: entry.Instance,
		HostName: entry.HostName,
		Port:     entry.Port,
	}
	h.Addrs = append(h.Addrs, entry.AddrIPv4...)
	h.Addrs = append(h.Addrs, entry.AddrIPv6...)
	for _, txt := range entry.Text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "version":
			h.Version = value
		case "devices":
			if value != "" {
				h.Devices = strings.Split(value, ",")
			}
		}
	}
	return h
}

// Browse collects announcements until timeout or ctx is done
func Browse(ctx context.Context, timeout time.Duration) ([]Host, error) {
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		mu    sync.Mutex
		hosts = map[string]Host{}
	)
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				h := parseEntry(entry)
				mu.Lock()
				hosts[h.Instance] = h
				mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	out := make([]Host, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}
