// Package uri parses mongodb:// and mongodb+srv:// connection strings
// into the options the rest of the driver needs: seed list, auth
// credential, TLS config, timeouts, read/write concern, and compression,
// per spec.md §6. Grounded on net/url for the heavy lifting and on the
// teacher's own preference for returning a single fully-populated struct
// from one parse entry point (mirroring description.New's constructor
// shape) rather than exposing a stateful parser type.
package uri

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/youmark/pkcs8"

	"github.com/corewire/mongowire/address"
	"github.com/corewire/mongowire/auth"
)

// ReadPreferenceMode mirrors topology.ReadPreferenceMode without importing
// the topology package, since uri must stay below topology in the
// dependency graph (topology.Config is built FROM a parsed URI, not the
// other way around).
type ReadPreferenceMode string

// Recognized readPreference values.
const (
	PrimaryMode            ReadPreferenceMode = "primary"
	PrimaryPreferredMode   ReadPreferenceMode = "primaryPreferred"
	SecondaryMode          ReadPreferenceMode = "secondary"
	SecondaryPreferredMode ReadPreferenceMode = "secondaryPreferred"
	NearestMode            ReadPreferenceMode = "nearest"
)

// ConnString is the fully-parsed result of a mongodb:// or mongodb+srv://
// connection string, per spec.md §6's option table.
type ConnString struct {
	Scheme string // "mongodb" or "mongodb+srv"
	Hosts  []address.Address

	// SRV-only.
	SRVHostname     string
	SRVServiceName  string

	Username string
	Password string
	AuthSource             string
	AuthMechanism          string
	AuthMechanismProperties map[string]string

	Database string

	ReplicaSet string

	TLS                           bool
	TLSInsecure                   bool
	TLSAllowInvalidCertificates   bool
	TLSAllowInvalidHostnames      bool
	TLSCAFile                     string
	TLSCertificateKeyFile         string
	TLSCertificateKeyFilePassword string

	ReadPreference    ReadPreferenceMode
	ReadPreferenceTags []map[string]string
	MaxStaleness      time.Duration

	W          string // numeric string or tag-set name; "majority" is valid
	Journal    *bool
	WTimeout   time.Duration

	ReadConcernLevel string

	ServerSelectionTimeout time.Duration
	HeartbeatInterval      time.Duration
	LocalThreshold         time.Duration
	SocketTimeout          time.Duration
	ConnectTimeout         time.Duration

	Compressors          []string
	ZlibCompressionLevel int

	RetryWrites bool
	RetryReads  bool

	AppName string
}

// defaults mirror the teacher's own connstring defaults.
const (
	defaultServerSelectionTimeout = 30 * time.Second
	defaultHeartbeatInterval      = 10 * time.Second
	defaultLocalThreshold         = 15 * time.Millisecond
	defaultConnectTimeout         = 30 * time.Second
)

// Parse parses a mongodb:// or mongodb+srv:// connection string. For
// mongodb+srv://, callers must still invoke ResolveSRV to turn
// SRVHostname into a concrete Hosts seed list and merge any TXT-record
// options, per spec.md §6's SRV seedlist rules.
func Parse(uri string) (*ConnString, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("uri: %w", err)
	}

	cs := &ConnString{
		Scheme:                 u.Scheme,
		ServerSelectionTimeout: defaultServerSelectionTimeout,
		HeartbeatInterval:      defaultHeartbeatInterval,
		LocalThreshold:         defaultLocalThreshold,
		ConnectTimeout:         defaultConnectTimeout,
		ReadPreference:         PrimaryMode,
		RetryWrites:            true,
		RetryReads:             true,
	}

	switch u.Scheme {
	case "mongodb":
	case "mongodb+srv":
		cs.SRVHostname = u.Host
		cs.SRVServiceName = "mongodb"
	default:
		return nil, fmt.Errorf("uri: unsupported scheme %q", u.Scheme)
	}

	if u.User != nil {
		cs.Username = u.User.Username()
		cs.Password, _ = u.User.Password()
	}

	if cs.Scheme == "mongodb" {
		hosts, err := parseHostList(u.Host)
		if err != nil {
			return nil, err
		}
		cs.Hosts = hosts
	}

	cs.Database = strings.TrimPrefix(u.Path, "/")

	if err := applyOptions(cs, u.Query()); err != nil {
		return nil, err
	}
	return cs, nil
}

func parseHostList(hostPart string) ([]address.Address, error) {
	if hostPart == "" {
		return nil, fmt.Errorf("uri: empty host list")
	}
	var hosts []address.Address
	for _, h := range strings.Split(hostPart, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		hosts = append(hosts, address.Normalize(h))
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("uri: empty host list")
	}
	return hosts, nil
}

// applyOptions merges query-string options into cs, case-insensitively
// per spec.md §6. Called once for the URI's own query and, for SRV,
// again for a TXT record's options (URI options take precedence there).
func applyOptions(cs *ConnString, values url.Values) error {
	get := func(key string) (string, bool) {
		for k, v := range values {
			if strings.EqualFold(k, key) && len(v) > 0 {
				return v[0], true
			}
		}
		return "", false
	}

	if v, ok := get("replicaSet"); ok {
		cs.ReplicaSet = v
	}
	if v, ok := get("ssl"); ok {
		cs.TLS = v == "true"
	}
	if v, ok := get("tls"); ok {
		cs.TLS = v == "true"
	}
	if v, ok := get("tlsInsecure"); ok && v == "true" {
		cs.TLSInsecure = true
		cs.TLSAllowInvalidCertificates = true
		cs.TLSAllowInvalidHostnames = true
	}
	if v, ok := get("tlsAllowInvalidCertificates"); ok {
		cs.TLSAllowInvalidCertificates = v == "true"
	}
	if v, ok := get("tlsAllowInvalidHostNames"); ok {
		cs.TLSAllowInvalidHostnames = v == "true"
	}
	if v, ok := get("tlsCAFile"); ok {
		cs.TLSCAFile = v
	}
	if v, ok := get("tlsCertificateKeyFile"); ok {
		cs.TLSCertificateKeyFile = v
	}
	if v, ok := get("tlsCertificateKeyFilePassword"); ok {
		cs.TLSCertificateKeyFilePassword = v
	}

	if v, ok := get("authMechanism"); ok {
		cs.AuthMechanism = v
	}
	if v, ok := get("authSource"); ok {
		cs.AuthSource = v
	}
	if v, ok := get("authMechanismProperties"); ok {
		cs.AuthMechanismProperties = parseKVPairs(v)
	}

	if v, ok := get("readPreference"); ok {
		cs.ReadPreference = ReadPreferenceMode(v)
	}
	if v, ok := get("readPreferenceTags"); ok {
		cs.ReadPreferenceTags = append(cs.ReadPreferenceTags, parseKVPairs(v))
	}
	if v, ok := get("maxStalenessSeconds"); ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("uri: invalid maxStalenessSeconds: %w", err)
		}
		cs.MaxStaleness = time.Duration(secs) * time.Second
	}

	if v, ok := get("w"); ok {
		cs.W = v
	}
	if v, ok := get("journal"); ok {
		b := v == "true"
		cs.Journal = &b
	}
	if v, ok := get("wtimeoutMS"); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("uri: invalid wtimeoutMS: %w", err)
		}
		cs.WTimeout = time.Duration(ms) * time.Millisecond
	}

	if v, ok := get("readConcernLevel"); ok {
		cs.ReadConcernLevel = v
	}

	if d, err := durationMSOption(get, "serverSelectionTimeoutMS"); err != nil {
		return err
	} else if d > 0 {
		cs.ServerSelectionTimeout = d
	}
	if d, err := durationMSOption(get, "heartbeatFrequencyMS"); err != nil {
		return err
	} else if d > 0 {
		cs.HeartbeatInterval = d
	}
	if d, err := durationMSOption(get, "localThresholdMS"); err != nil {
		return err
	} else if d > 0 {
		cs.LocalThreshold = d
	}
	if d, err := durationMSOption(get, "socketTimeoutMS"); err != nil {
		return err
	} else if d > 0 {
		cs.SocketTimeout = d
	}
	if d, err := durationMSOption(get, "connectTimeoutMS"); err != nil {
		return err
	} else if d > 0 {
		cs.ConnectTimeout = d
	}

	if v, ok := get("compressors"); ok {
		cs.Compressors = strings.Split(v, ",")
	}
	if v, ok := get("zlibCompressionLevel"); ok {
		lvl, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("uri: invalid zlibCompressionLevel: %w", err)
		}
		cs.ZlibCompressionLevel = lvl
	}

	if v, ok := get("retryWrites"); ok {
		cs.RetryWrites = v == "true"
	}
	if v, ok := get("retryReads"); ok {
		cs.RetryReads = v == "true"
	}
	if v, ok := get("appName"); ok {
		cs.AppName = v
	}

	return nil
}

func durationMSOption(get func(string) (string, bool), key string) (time.Duration, error) {
	v, ok := get(key)
	if !ok {
		return 0, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("uri: invalid %s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// parseKVPairs parses a "k1:v1,k2:v2" option value, the format used by
// both readPreferenceTags and authMechanismProperties.
func parseKVPairs(s string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}

// Credential builds an auth.Credential from the parsed username, password,
// and mechanism options, or nil if no credential was supplied.
func (cs *ConnString) Credential() *auth.Credential {
	if cs.Username == "" && cs.AuthMechanism == "" {
		return nil
	}
	cred := &auth.Credential{
		Username:      cs.Username,
		Password:      cs.Password,
		AuthSource:    cs.AuthSource,
		AuthMechanism: cs.AuthMechanism,
	}
	if cs.AuthMechanism == "MONGODB-X509" {
		cred.X509Subject = cs.Username
	}
	return cred
}

// TLSConfig builds a *tls.Config from the parsed TLS options, or nil if
// TLS was not requested.
func (cs *ConnString) TLSConfig() (*tls.Config, error) {
	if !cs.TLS {
		return nil, nil
	}
	cfg := &tls.Config{
		InsecureSkipVerify: cs.TLSAllowInvalidCertificates,
	}
	if cs.TLSCertificateKeyFile != "" {
		cert, err := loadClientCertificate(cs.TLSCertificateKeyFile, cs.TLSCertificateKeyFilePassword)
		if err != nil {
			return nil, fmt.Errorf("uri: loading tlsCertificateKeyFile: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// loadClientCertificate reads a combined certificate+private-key PEM file
// as produced for tlsCertificateKeyFile, decrypting a PKCS#8-encrypted
// private key with password when one is supplied.
func loadClientCertificate(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, err
	}

	var certDER [][]byte
	var keyBlock *pem.Block
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch {
		case block.Type == "CERTIFICATE":
			certDER = append(certDER, block.Bytes)
		case strings.Contains(block.Type, "PRIVATE KEY"):
			keyBlock = block
		}
	}
	if len(certDER) == 0 || keyBlock == nil {
		return tls.Certificate{}, errors.New("uri: no certificate or private key found in tlsCertificateKeyFile")
	}

	key, err := parseClientKey(keyBlock, password)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: certDER, PrivateKey: key}, nil
}

func parseClientKey(block *pem.Block, password string) (interface{}, error) {
	if password != "" {
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("uri: decrypting tlsCertificateKeyFilePassword-protected key: %w", err)
		}
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, errors.New("uri: unsupported private key format in tlsCertificateKeyFile")
}

// HostPorts splits every seed in Hosts back into host/port pairs, for
// callers (e.g. the SRV trust-boundary check) that need the bare
// hostname without the driver's own default-port normalization.
func (cs *ConnString) HostPorts() ([]string, error) {
	out := make([]string, 0, len(cs.Hosts))
	for _, h := range cs.Hosts {
		host, _, err := net.SplitHostPort(string(h))
		if err != nil {
			return nil, err
		}
		out = append(out, host)
	}
	return out, nil
}
