package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/miekg/dns"

	"github.com/oetiker/go-acme-keyvault-renewer/pkg/common"
)

// TXTResolver looks up the TXT values of a name at one nameserver
type TXTResolver interface {
	LookupTXT(ctx context.Context, nameserver, name string) ([]string, error)
}

// DNSClientResolver queries nameservers directly with miekg/dns, bypassing
// any local cache.
type DNSClientResolver struct {
	Client *dns.Client
}

// LookupTXT implements TXTResolver. NXDOMAIN is an empty answer, not an error.
func (r *DNSClientResolver) LookupTXT(ctx context.Context, nameserver, name string) ([]string, error) {
	client := r.Client
	if client == nil {
		client = &dns.Client{Timeout: 5 * time.Second}
	}
	if !strings.Contains(nameserver, ":") {
		nameserver += ":53"
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	msg.RecursionDesired = true

	in, _, err := client.ExchangeContext(ctx, msg, nameserver)
	if err != nil {
		return nil, fmt.Errorf("querying %s for %s: %w", nameserver, name, err)
	}
	switch in.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, nil
	default:
		return nil, fmt.Errorf("%s answered %s for %s", nameserver, dns.RcodeToString[in.Rcode], name)
	}

	var values []string
	for _, rr := range in.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			values = append(values, strings.Join(txt.Txt, ""))
		}
	}
	return values, nil
}

// PropagationChecker waits until every configured nameserver serves a TXT value
type PropagationChecker struct {
	resolver    TXTResolver
	nameservers []string
	timeout     time.Duration
	interval    time.Duration
	logger      common.LoggerInterface
}

// NewPropagationChecker creates a checker for the nameservers in cfg
func NewPropagationChecker(cfg CloudflareConfig, logger common.LoggerInterface) *PropagationChecker {
	return newPropagationChecker(&DNSClientResolver{}, cfg.Nameservers, cfg.PropagationTimeout, DefaultPropagationInterval, logger)
}

func newPropagationChecker(resolver TXTResolver, nameservers []string, timeout, interval time.Duration, logger common.LoggerInterface) *PropagationChecker {
	if timeout <= 0 {
		timeout = DefaultPropagationTimeout
	}
	if logger == nil {
		logger = DefaultLogger
	}
	return &PropagationChecker{
		resolver:    resolver,
		nameservers: nameservers,
		timeout:     timeout,
		interval:    interval,
		logger:      logger,
	}
}

var errNotPropagated = errors.New("TXT value not visible yet")

// WaitForTXT blocks until name carries value on all nameservers or the
// propagation timeout elapses.
func (p *PropagationChecker) WaitForTXT(ctx context.Context, name, value string) error {
	if len(p.nameservers) == 0 {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	pending := append([]string(nil), p.nameservers...)
	operation := func() error {
		var still []string
		for _, ns := range pending {
			values, err := p.resolver.LookupTXT(waitCtx, ns, name)
			if err != nil {
				p.logger.Debug("TXT lookup failed", "nameserver", ns, "name", name, "error", err)
				still = append(still, ns)
				continue
			}
			if !containsValue(values, value) {
				still = append(still, ns)
			}
		}
		pending = still
		if len(pending) > 0 {
			return fmt.Errorf("%w at %s", errNotPropagated, strings.Join(pending, ", "))
		}
		return nil
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.NewConstantBackOff(p.interval), waitCtx),
		func(err error, next time.Duration) {
			p.logger.Debug("Waiting for DNS propagation", "name", name, "reason", err, "next_check", next)
		})
	if err == nil {
		p.logger.Info("TXT record visible on all nameservers", "name", name)
		return nil
	}
	if ctx.Err() != nil {
		return common.GetContextError(ctx, "wait for propagation")
	}
	return common.NewDNSError(err, "wait for propagation",
		fmt.Sprintf("TXT record not visible within %v", p.timeout)).
		WithResource(name).
		AddContext("pending_nameservers", strings.Join(pending, ", ")).
		AddSuggestion("Increase cloudflare.propagation_timeout or disable cloudflare.propagation_check")
}

func containsValue(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
