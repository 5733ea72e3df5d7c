package uri

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/corewire/mongowire/address"
)

// SRVResolver resolves the DNS records a mongodb+srv:// URI depends on.
// Defined as an interface so tests can substitute a fixed record set
// instead of making real DNS queries — this module does not implement
// SRV polling/rescanning internals (the live-monitoring half of SRV
// discovery is an explicit Non-goal); ResolveSRV performs exactly the
// one-shot resolution spec.md §6 requires to build an initial seed list.
type SRVResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (cname string, addrs []*net.SRV, err error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// netResolver is the thin default SRVResolver backed by net.Resolver.
type netResolver struct {
	inner *net.Resolver
}

// DefaultResolver returns the net.Resolver-backed SRVResolver used when
// no test double is supplied.
func DefaultResolver() SRVResolver {
	return &netResolver{inner: net.DefaultResolver}
}

func (r *netResolver) LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
	return r.inner.LookupSRV(ctx, service, proto, name)
}

func (r *netResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return r.inner.LookupTXT(ctx, name)
}

// ResolveSRV resolves cs.SRVHostname into a concrete seed list via
// `_mongodb._tcp.<host>` SRV records and merges options from an
// associated TXT record, per spec.md §6. Every returned host must share
// cs.SRVHostname's parent domain — the trust boundary that stops a
// compromised or spoofed DNS answer from redirecting the client to an
// arbitrary server.
func ResolveSRV(ctx context.Context, cs *ConnString, resolver SRVResolver) error {
	if cs.Scheme != "mongodb+srv" {
		return fmt.Errorf("uri: ResolveSRV called on non-SRV connection string")
	}
	if resolver == nil {
		resolver = DefaultResolver()
	}

	parentDomain, err := parentDomainOf(cs.SRVHostname)
	if err != nil {
		return err
	}

	_, srvRecords, err := resolver.LookupSRV(ctx, cs.SRVServiceName, "tcp", cs.SRVHostname)
	if err != nil {
		return fmt.Errorf("uri: SRV lookup for %s: %w", cs.SRVHostname, err)
	}
	if len(srvRecords) == 0 {
		return fmt.Errorf("uri: no SRV records found for %s", cs.SRVHostname)
	}

	hosts := make([]address.Address, 0, len(srvRecords))
	for _, rec := range srvRecords {
		target := strings.TrimSuffix(rec.Target, ".")
		if !sharesParentDomain(target, parentDomain) {
			return fmt.Errorf("uri: SRV record target %q does not share parent domain %q, rejecting per trust boundary", target, parentDomain)
		}
		hosts = append(hosts, address.Normalize(fmt.Sprintf("%s:%d", target, rec.Port)))
	}
	cs.Hosts = hosts

	if err := mergeTXTOptions(ctx, cs, resolver); err != nil {
		return err
	}

	// TLS defaults to enabled for mongodb+srv:// unless the URI already
	// set it explicitly (the zero value and an explicit "false" are
	// indistinguishable here, matching the teacher's own tradeoff of
	// treating SRV-implied TLS as a default rather than a forced-on flag).
	if !cs.TLS {
		cs.TLS = true
	}
	return nil
}

func mergeTXTOptions(ctx context.Context, cs *ConnString, resolver SRVResolver) error {
	records, err := resolver.LookupTXT(ctx, cs.SRVHostname)
	if err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			return nil
		}
		return fmt.Errorf("uri: TXT lookup for %s: %w", cs.SRVHostname, err)
	}
	if len(records) == 0 {
		return nil
	}
	if len(records) > 1 {
		return fmt.Errorf("uri: multiple TXT records found for %s, ambiguous option set", cs.SRVHostname)
	}

	values, err := url.ParseQuery(records[0])
	if err != nil {
		return fmt.Errorf("uri: invalid TXT record options: %w", err)
	}

	for _, allowed := range []string{"replicaSet", "authSource", "loadBalanced"} {
		if _, present := values[allowed]; !present {
			continue
		}
		if (allowed == "replicaSet" && cs.ReplicaSet != "") || (allowed == "authSource" && cs.AuthSource != "") {
			continue
		}
		sub := url.Values{allowed: values[allowed]}
		if err := applyOptions(cs, sub); err != nil {
			return err
		}
	}
	return nil
}

// parentDomainOf returns everything after the first label, e.g.
// "cluster0.example.com" -> "example.com".
func parentDomainOf(host string) (string, error) {
	parts := strings.SplitN(host, ".", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", fmt.Errorf("uri: SRV hostname %q must have at least two domain components", host)
	}
	return parts[1], nil
}

// sharesParentDomain reports whether target is parentDomain or a
// subdomain of it.
func sharesParentDomain(target, parentDomain string) bool {
	target = strings.ToLower(target)
	parentDomain = strings.ToLower(parentDomain)
	return target == parentDomain || strings.HasSuffix(target, "."+parentDomain)
}
