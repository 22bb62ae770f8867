// Package tlsutil builds the HTTP transports used for outbound calls to the
// identity provider and the cloud data planes. Certificate verification always
// uses the system roots; the package's job is connection reuse and DNS
// caching, not trust decisions.
package tlsutil

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

var (
	globalResolver     *dnscache.Resolver
	globalResolverOnce sync.Once
)

const resolverRefreshInterval = 5 * time.Minute

// GetDNSResolver returns the process-wide caching DNS resolver. The gateway
// talks to a small fixed set of cloud hosts, so cached lookups remove almost
// all repeat DNS traffic.
func GetDNSResolver() *dnscache.Resolver {
	globalResolverOnce.Do(initDNSResolver)
	return globalResolver
}

func initDNSResolver() {
	log.Info().
		Dur("refresh", resolverRefreshInterval).
		Msg("Initializing DNS resolver cache")

	globalResolver = &dnscache.Resolver{}

	// Periodic refresh keeps entries from going stale while preserving the
	// caching benefit between refreshes.
	go func() {
		ticker := time.NewTicker(resolverRefreshInterval)
		defer ticker.Stop()

		for range ticker.C {
			globalResolver.Refresh(true)
			log.Debug().Msg("DNS cache refreshed")
		}
	}()
}

// DialContextWithCache is a DialContext that resolves hosts through the
// shared DNS cache.
func DialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	resolver := GetDNSResolver()

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{
			Err:  "no IP addresses found",
			Name: host,
		}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}
