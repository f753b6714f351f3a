// Package resolve provides pluggable name resolution for the SOCKS5
// server. Domain-name destinations can be resolved through the system
// resolver, a specific upstream DNS server, or either of those behind a
// TTL cache, keeping resolution policy (and DNS leak avoidance) out of
// the protocol engine.
package resolve

import (
	"context"
	"net"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/miekg/dns"
)

// Resolver resolves a host name to an IP address.
type Resolver interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
}

// ttlResolver is implemented by resolvers that also report how long the
// answer may be cached.
type ttlResolver interface {
	resolveTTL(ctx context.Context, host string) (net.IP, time.Duration, error)
}

// System resolves through the operating system resolver. The zero value
// is ready to use.
type System struct {
	// Resolver overrides net.DefaultResolver when set.
	Resolver *net.Resolver
}

// Resolve returns the first address reported by the system resolver.
func (s System) Resolve(ctx context.Context, host string) (net.IP, error) {
	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	ips, err := r.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
	}
	return ips[0], nil
}

// DNS resolves against a single upstream DNS server, querying A records
// first and falling back to AAAA. Truncated UDP responses are retried
// over TCP.
type DNS struct {
	// Server is the host:port of the upstream DNS server.
	Server string

	// Client overrides the default UDP client when set.
	Client *dns.Client
}

// Resolve implements Resolver.
func (d *DNS) Resolve(ctx context.Context, host string) (net.IP, error) {
	ip, _, err := d.resolveTTL(ctx, host)
	return ip, err
}

func (d *DNS) resolveTTL(ctx context.Context, host string) (net.IP, time.Duration, error) {
	client := d.Client
	if client == nil {
		client = &dns.Client{Timeout: 5 * time.Second}
	}

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.Id = dns.Id()
		msg.RecursionDesired = true
		msg.Question = []dns.Question{{
			Name:   dns.Fqdn(host),
			Qtype:  qtype,
			Qclass: dns.ClassINET,
		}}

		resp, _, err := client.ExchangeContext(ctx, msg, d.Server)
		if err != nil {
			return nil, 0, &net.DNSError{Err: err.Error(), Name: host}
		}
		if resp.Truncated {
			tcpClient := *client
			tcpClient.Net = "tcp"
			resp, _, err = tcpClient.ExchangeContext(ctx, msg, d.Server)
			if err != nil {
				return nil, 0, &net.DNSError{Err: err.Error(), Name: host}
			}
		}

		for _, rr := range resp.Answer {
			ttl := time.Duration(rr.Header().Ttl) * time.Second
			switch answer := rr.(type) {
			case *dns.A:
				return answer.A, ttl, nil
			case *dns.AAAA:
				return answer.AAAA, ttl, nil
			}
		}
	}

	return nil, 0, &net.DNSError{Err: "no answer", Name: host, IsNotFound: true}
}

// Cached wraps a Resolver with an in-memory TTL cache. When the inner
// resolver reports an answer TTL, entries honor it; otherwise they use
// the cache's default TTL.
type Cached struct {
	next  Resolver
	cache *ttlcache.Cache[string, net.IP]
}

// NewCached builds a caching resolver around next with the given default
// entry lifetime.
func NewCached(next Resolver, defaultTTL time.Duration) *Cached {
	return &Cached{
		next: next,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, net.IP](defaultTTL),
			ttlcache.WithDisableTouchOnHit[string, net.IP](),
		),
	}
}

// Resolve implements Resolver.
func (c *Cached) Resolve(ctx context.Context, host string) (net.IP, error) {
	if item := c.cache.Get(host); item != nil {
		return item.Value(), nil
	}

	ttl := ttlcache.DefaultTTL
	var (
		ip  net.IP
		err error
	)
	if tr, ok := c.next.(ttlResolver); ok {
		var answerTTL time.Duration
		ip, answerTTL, err = tr.resolveTTL(ctx, host)
		if answerTTL > 0 {
			ttl = answerTTL
		}
	} else {
		ip, err = c.next.Resolve(ctx, host)
	}
	if err != nil {
		return nil, err
	}

	c.cache.Set(host, ip, ttl)
	return ip, nil
}
