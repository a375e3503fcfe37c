// Package resolver implements the DNS resolver collaborator consumed by
// the inner transport flow (spec.md §6): a plain recursive client over
// github.com/miekg/dns, queried per the caller's address-family
// Preference.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/flowkit-dev/tlsflow/internal/cancelable"
	"github.com/flowkit-dev/tlsflow/internal/runloop"
	"github.com/flowkit-dev/tlsflow/internal/session"
	"github.com/flowkit-dev/tlsflow/internal/utils"
)

// Handler receives the resolved addresses (IP literals) or an error.
type Handler func(addrs []string, err error)

// defaultServers is used when the system resolver configuration cannot be
// read (e.g. /etc/resolv.conf missing, as in minimal containers).
var defaultServers = []string{"1.1.1.1:53", "8.8.8.8:53"}

// Resolver is a stateless DNS client; one instance may be shared across
// many Resolve calls.
type Resolver struct {
	servers []string
	timeout time.Duration
	logger  *zap.Logger
}

// New builds a Resolver. If servers is empty, it reads /etc/resolv.conf
// and falls back to defaultServers.
func New(servers []string, timeout time.Duration, logger *zap.Logger) *Resolver {
	if len(servers) == 0 {
		servers = systemServers(logger)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{servers: servers, timeout: timeout, logger: logger}
}

func systemServers(logger *zap.Logger) []string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		utils.LogError(logger, err, "falling back to public DNS servers")
		return defaultServers
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, fmt.Sprintf("%s:%s", s, cfg.Port))
	}
	return servers
}

// Resolve looks up domain per preference and posts the result through
// loop via handler. It returns a Cancelable; if canceled before the
// lookup finishes, the handler is never invoked.
func (r *Resolver) Resolve(ctx context.Context, domain string, preference session.Preference, loop *runloop.Loop, handler Handler) cancelable.Cancelable {
	c := cancelable.New()

	go func() {
		defer utils.Recover(r.logger)
		addrs, err := r.lookup(ctx, domain, preference)
		loop.Post(func() {
			if c.Canceled() {
				return
			}
			handler(addrs, err)
		})
	}()

	return c
}

func (r *Resolver) lookup(ctx context.Context, domain string, preference session.Preference) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var wantA, wantAAAA bool
	switch preference {
	case session.IPv4Only:
		wantA = true
	case session.IPv6Only:
		wantAAAA = true
	default:
		wantA, wantAAAA = true, true
	}

	var aAddrs, aaaaAddrs []string
	var aErr, aaaaErr error

	if wantA {
		aAddrs, aErr = r.query(ctx, domain, dns.TypeA)
	}
	if wantAAAA {
		aaaaAddrs, aaaaErr = r.query(ctx, domain, dns.TypeAAAA)
	}

	switch preference {
	case session.IPv4Only:
		if aErr != nil {
			return nil, aErr
		}
		return aAddrs, nil
	case session.IPv6Only:
		if aaaaErr != nil {
			return nil, aaaaErr
		}
		return aaaaAddrs, nil
	case session.IPv6OrIPv4:
		if len(aaaaAddrs) > 0 {
			return append(aaaaAddrs, aAddrs...), nil
		}
		if len(aAddrs) > 0 {
			return aAddrs, nil
		}
		return nil, firstNonNil(aaaaErr, aErr)
	default: // IPv4OrIPv6, Any
		if len(aAddrs) > 0 {
			return append(aAddrs, aaaaAddrs...), nil
		}
		if len(aaaaAddrs) > 0 {
			return aaaaAddrs, nil
		}
		return nil, firstNonNil(aErr, aaaaErr)
	}
}

func (r *Resolver) query(ctx context.Context, domain string, qtype uint16) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), qtype)
	msg.RecursionDesired = true

	client := &dns.Client{Timeout: r.timeout}

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("resolver: %s returned %s for %s", server, dns.RcodeToString[resp.Rcode], domain)
			continue
		}
		var addrs []string
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				addrs = append(addrs, rec.A.String())
			case *dns.AAAA:
				addrs = append(addrs, rec.AAAA.String())
			}
		}
		if len(addrs) > 0 {
			return addrs, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("resolver: no records for %s", domain)
	}
	return nil, lastErr
}

var errNoAddresses = errors.New("resolver: no addresses found")

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return errNoAddresses
}
