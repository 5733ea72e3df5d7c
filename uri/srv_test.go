package uri

import (
	"context"
	"net"
	"testing"
)

type fakeResolver struct {
	srv     []*net.SRV
	txt     []string
	txtErr  error
	srvErr  error
}

func (f *fakeResolver) LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
	if f.srvErr != nil {
		return "", nil, f.srvErr
	}
	return "", f.srv, nil
}

func (f *fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if f.txtErr != nil {
		return nil, f.txtErr
	}
	return f.txt, nil
}

func TestResolveSRVBuildsHostsFromRecords(t *testing.T) {
	cs, err := Parse("mongodb+srv://cluster0.example.com/mydb")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	resolver := &fakeResolver{
		srv: []*net.SRV{
			{Target: "shard00-00.example.com.", Port: 27017},
			{Target: "shard00-01.example.com.", Port: 27017},
		},
	}
	if err := ResolveSRV(context.Background(), cs, resolver); err != nil {
		t.Fatalf("ResolveSRV: %v", err)
	}
	if len(cs.Hosts) != 2 {
		t.Fatalf("len(Hosts) = %d; want 2", len(cs.Hosts))
	}
	if !cs.TLS {
		t.Errorf("mongodb+srv:// should default TLS to true when not explicitly set")
	}
}

func TestResolveSRVRejectsForeignTarget(t *testing.T) {
	cs, err := Parse("mongodb+srv://cluster0.example.com/mydb")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	resolver := &fakeResolver{
		srv: []*net.SRV{
			{Target: "evil.attacker.net.", Port: 27017},
		},
	}
	if err := ResolveSRV(context.Background(), cs, resolver); err == nil {
		t.Errorf("expected rejection of an SRV target outside the parent domain")
	}
}

func TestResolveSRVRejectsNonSRVScheme(t *testing.T) {
	cs, err := Parse("mongodb://host/db")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := ResolveSRV(context.Background(), cs, &fakeResolver{}); err == nil {
		t.Errorf("expected error calling ResolveSRV on a non-SRV connection string")
	}
}

func TestResolveSRVMergesTXTOptions(t *testing.T) {
	cs, err := Parse("mongodb+srv://cluster0.example.com/mydb")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	resolver := &fakeResolver{
		srv: []*net.SRV{{Target: "shard00-00.example.com.", Port: 27017}},
		txt: []string{"replicaSet=rs0&authSource=admin"},
	}
	if err := ResolveSRV(context.Background(), cs, resolver); err != nil {
		t.Fatalf("ResolveSRV: %v", err)
	}
	if cs.ReplicaSet != "rs0" {
		t.Errorf("ReplicaSet = %q; want rs0 from merged TXT record", cs.ReplicaSet)
	}
	if cs.AuthSource != "admin" {
		t.Errorf("AuthSource = %q; want admin from merged TXT record", cs.AuthSource)
	}
}

func TestResolveSRVIgnoresDisallowedTXTOptions(t *testing.T) {
	cs, err := Parse("mongodb+srv://cluster0.example.com/mydb")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	resolver := &fakeResolver{
		srv: []*net.SRV{{Target: "shard00-00.example.com.", Port: 27017}},
		txt: []string{"ssl=false"},
	}
	if err := ResolveSRV(context.Background(), cs, resolver); err != nil {
		t.Fatalf("ResolveSRV: %v", err)
	}
	if !cs.TLS {
		t.Errorf("a TXT-record ssl option outside the allowed set must not override the SRV TLS default")
	}
}

func TestResolveSRVRejectsMultipleTXTRecords(t *testing.T) {
	cs, err := Parse("mongodb+srv://cluster0.example.com/mydb")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	resolver := &fakeResolver{
		srv: []*net.SRV{{Target: "shard00-00.example.com.", Port: 27017}},
		txt: []string{"replicaSet=rs0", "authSource=admin"},
	}
	if err := ResolveSRV(context.Background(), cs, resolver); err == nil {
		t.Errorf("expected error for an ambiguous multi-TXT-record result")
	}
}

func TestParentDomainOfRequiresTwoLabels(t *testing.T) {
	if _, err := parentDomainOf("localhost"); err == nil {
		t.Errorf("expected error for an SRV hostname without a parent domain")
	}
	got, err := parentDomainOf("cluster0.example.com")
	if err != nil {
		t.Fatalf("parentDomainOf: %v", err)
	}
	if got != "example.com" {
		t.Errorf("parentDomainOf = %q; want example.com", got)
	}
}

func TestSharesParentDomain(t *testing.T) {
	if !sharesParentDomain("shard00.example.com", "example.com") {
		t.Errorf("a subdomain of the parent should be accepted")
	}
	if !sharesParentDomain("EXAMPLE.COM", "example.com") {
		t.Errorf("comparison should be case-insensitive")
	}
	if sharesParentDomain("example.com.evil.net", "example.com") {
		t.Errorf("a domain merely containing the parent as a prefix must be rejected")
	}
}
