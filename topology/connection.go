// Package topology implements spec.md §4.2-§4.5: the link (one socket to
// one endpoint), the per-endpoint connection pool, the server monitor, the
// topology state machine, and server selection. Grounded primarily on
// x/mongo/driver/topology/server.go and core/connection/connection.go.
package topology

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/corewire/mongowire/address"
	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/compression"
	"github.com/corewire/mongowire/description"
	"github.com/corewire/mongowire/event"
	"github.com/corewire/mongowire/wiremessage"
)

// ConnectionError wraps a failure that occurred while dialing, TLS
// handshaking, or handshaking the wire protocol on a Link, so callers can
// distinguish connection-establishment failures from ordinary command
// failures. Grounded on core/connection's Error type and
// x/mongo/driver/topology/server.go's ConnectionError/unwrapConnectionError
// pair.
type ConnectionError struct {
	Address address.Address
	Wrapped error
	message string
}

func (e *ConnectionError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("connection(%s): %s: %v", e.Address, e.message, e.Wrapped)
	}
	return fmt.Sprintf("connection(%s): %v", e.Address, e.Wrapped)
}

func (e *ConnectionError) Unwrap() error { return e.Wrapped }

// Handshaker builds the initial isMaster/hello command to run during
// connection establishment and interprets its reply into a
// description.Server. The pool's connections run the full handshake,
// including authentication; the monitor dials its connection without a
// handshaker and sends GetHandshakeCommand's document itself.
type Handshaker interface {
	GetHandshakeCommand(topologyVersion *description.TopologyVersion) bsoncore.Document
	FinishHandshake(ctx context.Context, reply bsoncore.Document, conn *Connection) (description.Server, error)
}

// connectionConfig configures a single Connection.
type connectionConfig struct {
	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	tlsConfig      *tls.Config
	dialer         func(ctx context.Context, network, addr string) (net.Conn, error)
	handshaker     Handshaker
	compressors    []string
	zlibLevel      int
	appName        string
	monitor        *event.CommandMonitor
	generation     uint64
}

// ConnectionOption configures a Connection at creation time.
type ConnectionOption func(*connectionConfig)

// WithConnectTimeout sets the dial + handshake timeout.
func WithConnectTimeout(d time.Duration) ConnectionOption {
	return func(c *connectionConfig) { c.connectTimeout = d }
}

// WithSocketTimeout sets the read and write timeouts applied to every wire
// message, distinct from server-side maxTimeMS per spec.md §4.2.
func WithSocketTimeout(d time.Duration) ConnectionOption {
	return func(c *connectionConfig) { c.readTimeout, c.writeTimeout = d, d }
}

// WithTLSConfig enables TLS using cfg.
func WithTLSConfig(cfg *tls.Config) ConnectionOption {
	return func(c *connectionConfig) { c.tlsConfig = cfg }
}

// WithHandshaker sets the handshaker run immediately after dialing.
func WithHandshaker(h Handshaker) ConnectionOption {
	return func(c *connectionConfig) { c.handshaker = h }
}

// WithCompressors sets the client's advertised compressor preference
// order and the zlib level to use if zlib is chosen.
func WithCompressors(names []string, zlibLevel int) ConnectionOption {
	return func(c *connectionConfig) { c.compressors = names; c.zlibLevel = zlibLevel }
}

// WithAppName sets the application name sent in the handshake's client
// metadata.
func WithAppName(name string) ConnectionOption {
	return func(c *connectionConfig) { c.appName = name }
}

// WithCommandMonitor attaches a command monitor publishing around every
// command this connection sends, including the handshake itself.
func WithCommandMonitor(m *event.CommandMonitor) ConnectionOption {
	return func(c *connectionConfig) { c.monitor = m }
}

// WithGeneration stamps the pool generation this connection was created
// under, so a later pool.clear() can identify and discard it on check-in.
func WithGeneration(gen uint64) ConnectionOption {
	return func(c *connectionConfig) { c.generation = gen }
}

func newConnectionConfig(opts ...ConnectionOption) *connectionConfig {
	cfg := &connectionConfig{
		connectTimeout: 30 * time.Second,
		dialer:         func(ctx context.Context, network, addr string) (net.Conn, error) { return (&net.Dialer{}).DialContext(ctx, network, addr) },
	}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// Connection is a single TCP (optionally TLS) socket to one endpoint, with
// strict request/reply sequencing: spec.md §3's Link invariant is enforced
// here via inUse, asserted as a programming error on violation rather than
// silently queuing.
type Connection struct {
	cfg     *connectionConfig
	addr    address.Address
	id      string
	nc      net.Conn
	desc    description.Server
	compressor compression.Compressor

	generation uint64
	dead       int32 // atomic bool

	inUse int32 // atomic bool, enforces one-in-flight
}

var connIDCounter uint64

func nextConnID() uint64 { return atomic.AddUint64(&connIDCounter, 1) }

// Dial opens a new Connection to addr and, if a handshaker is configured,
// performs the initial isMaster/hello handshake (and, via FinishHandshake,
// authentication). The returned description.Server is the zero value if no
// handshaker was configured (used by plain data connections created after
// the server is already known).
func Dial(ctx context.Context, addr address.Address, opts ...ConnectionOption) (*Connection, description.Server, error) {
	cfg := newConnectionConfig(opts...)

	dialCtx := ctx
	var cancel context.CancelFunc
	if cfg.connectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, cfg.connectTimeout)
		defer cancel()
	}

	nc, err := cfg.dialer(dialCtx, addr.Network(), string(addr))
	if err != nil {
		return nil, description.Server{}, &ConnectionError{Address: addr, Wrapped: err, message: "failed to dial"}
	}

	if cfg.tlsConfig != nil {
		nc, err = configureTLS(dialCtx, nc, addr, cfg.tlsConfig)
		if err != nil {
			return nil, description.Server{}, &ConnectionError{Address: addr, Wrapped: err, message: "TLS handshake failed"}
		}
	}

	c := &Connection{
		cfg:        cfg,
		addr:       addr,
		id:         fmt.Sprintf("%s[-%d]", addr, nextConnID()),
		nc:         nc,
		generation: cfg.generation,
	}

	var desc description.Server
	if cfg.handshaker != nil {
		desc, err = c.handshake(ctx)
		if err != nil {
			c.Close()
			return nil, description.Server{}, err
		}
	}

	if len(cfg.compressors) > 0 && len(desc.Compressors) > 0 {
		c.compressor = negotiateCompressor(cfg.compressors, desc.Compressors, cfg.zlibLevel)
	}
	c.desc = desc

	return c, desc, nil
}

func configureTLS(ctx context.Context, nc net.Conn, addr address.Address, cfg *tls.Config) (net.Conn, error) {
	clone := cfg.Clone()
	if clone.ServerName == "" {
		clone.ServerName = addr.Host()
	}
	if clone.VerifyConnection == nil {
		clone.VerifyConnection = verifyOCSPStapling
	}
	client := tls.Client(nc, clone)
	errCh := make(chan error, 1)
	go func() { errCh <- client.HandshakeContext(ctx) }()
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
		return client, nil
	case <-ctx.Done():
		nc.Close()
		return nil, ctx.Err()
	}
}

// verifyOCSPStapling checks a certificate-stapled OCSP response against the
// server's leaf certificate when the handshake produced one. Servers that
// don't staple a response are left entirely to the standard chain
// verification crypto/tls already performed before calling this.
func verifyOCSPStapling(cs tls.ConnectionState) error {
	if len(cs.OCSPResponse) == 0 || len(cs.VerifiedChains) == 0 || len(cs.VerifiedChains[0]) < 2 {
		return nil
	}
	chain := cs.VerifiedChains[0]
	resp, err := ocsp.ParseResponseForCert(cs.OCSPResponse, chain[0], chain[1])
	if err != nil {
		return fmt.Errorf("topology: parsing stapled OCSP response: %w", err)
	}
	if resp.Status != ocsp.Good {
		return fmt.Errorf("topology: stapled OCSP response reports non-good status %d", resp.Status)
	}
	return nil
}

func negotiateCompressor(clientOrder, serverOffered []string, zlibLevel int) compression.Compressor {
	offered := make(map[string]bool, len(serverOffered))
	for _, s := range serverOffered {
		offered[s] = true
	}
	for _, name := range clientOrder {
		if offered[name] {
			c, err := compression.ByName(name, zlibLevel)
			if err == nil {
				return c
			}
		}
	}
	return nil
}

func (c *Connection) handshake(ctx context.Context) (description.Server, error) {
	cmd := c.cfg.handshaker.GetHandshakeCommand(nil)
	reply, err := c.roundTrip(ctx, "isMaster", "admin", cmd)
	if err != nil {
		return description.Server{}, &ConnectionError{Address: c.addr, Wrapped: err, message: "handshake failed"}
	}
	return c.cfg.handshaker.FinishHandshake(ctx, reply, c)
}

// RunCommand implements auth.CommandRunner, letting the authentication
// package drive saslStart/saslContinue/authenticate over this connection
// without going through the full operation-dispatch pipeline (which does
// not exist yet while the connection is still being established).
func (c *Connection) RunCommand(ctx context.Context, db string, cmd bsoncore.Document) (bsoncore.Document, error) {
	name := firstKey(cmd)
	return c.roundTrip(ctx, name, db, cmd)
}

func firstKey(doc bsoncore.Document) string {
	elems, err := doc.Elements()
	if err != nil || len(elems) == 0 {
		return ""
	}
	return elems[0].Key
}

// roundTrip sends one OP_MSG command and waits for its reply, enforcing
// the one-in-flight discipline.
func (c *Connection) roundTrip(ctx context.Context, commandName, db string, cmd bsoncore.Document) (bsoncore.Document, error) {
	if !atomic.CompareAndSwapInt32(&c.inUse, 0, 1) {
		panic("topology: connection used concurrently; a link must serve at most one in-flight request")
	}
	defer atomic.StoreInt32(&c.inUse, 0)

	cmd = ensureDB(cmd, db)
	msg := wiremessage.Msg{Body: cmd}
	reqID, err := c.writeMsg(ctx, msg, commandName)
	if err != nil {
		return nil, err
	}
	return c.readMsgReply(ctx, reqID)
}

func ensureDB(cmd bsoncore.Document, db string) bsoncore.Document {
	if _, err := cmd.Lookup("$db"); err == nil {
		return cmd
	}
	elems, _ := cmd.Elements()
	b := bsoncore.NewDocumentBuilder()
	for _, e := range elems {
		b.AppendValue(e.Key, e.Value)
	}
	b.AppendString("$db", db)
	return b.Build()
}

func (c *Connection) writeMsg(ctx context.Context, msg wiremessage.Msg, commandName string) (int32, error) {
	raw, reqID := msg.Encode()
	if c.compressor != nil && wiremessage.CanCompress(commandName) {
		compressed, err := c.compressMessage(raw)
		if err != nil {
			return 0, &ConnectionError{Address: c.addr, Wrapped: err, message: "failed to compress message"}
		}
		raw = compressed
	}
	if err := c.write(ctx, raw); err != nil {
		return 0, err
	}
	return reqID, nil
}

func (c *Connection) compressMessage(raw []byte) ([]byte, error) {
	body := raw[wiremessage.HeaderLen:]
	hdr, _ := wiremessage.ReadHeader(raw)
	compressed, err := c.compressor.Compress(body)
	if err != nil {
		return nil, err
	}
	env := wiremessage.Compressed{
		RequestID:         hdr.RequestID,
		ResponseTo:        hdr.ResponseTo,
		OriginalOpCode:    hdr.OpCode,
		UncompressedSize:  int32(len(body)),
		CompressorID:      c.compressor.ID(),
		CompressedMessage: compressed,
	}
	return env.Encode(), nil
}

func (c *Connection) write(ctx context.Context, buf []byte) error {
	if c.Stale() {
		return &ConnectionError{Address: c.addr, Wrapped: fmt.Errorf("connection is dead"), message: "write"}
	}
	deadline := deadlineFor(ctx, c.cfg.writeTimeout)
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return &ConnectionError{Address: c.addr, Wrapped: err, message: "failed to set write deadline"}
	}
	if _, err := c.nc.Write(buf); err != nil {
		c.Close()
		return &ConnectionError{Address: c.addr, Wrapped: err, message: "failed to write wire message"}
	}
	return nil
}

func deadlineFor(ctx context.Context, fallback time.Duration) time.Time {
	var deadline time.Time
	if fallback > 0 {
		deadline = time.Now().Add(fallback)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	return deadline
}

// readMsgReply reads and decompresses a reply, validating it as an
// OP_MSG or OP_REPLY, either of them optionally wrapped in OP_COMPRESSED,
// correlated to reqID.
func (c *Connection) readMsgReply(ctx context.Context, reqID int32) (bsoncore.Document, error) {
	buf, err := c.readOne(ctx)
	if err != nil {
		return nil, err
	}
	hdr, payload, err := wiremessage.ReadMessage(buf)
	if err != nil {
		c.Close()
		return nil, &ConnectionError{Address: c.addr, Wrapped: err, message: "malformed reply"}
	}
	if err := wiremessage.ValidateReplyTo(hdr, reqID); err != nil {
		c.Close()
		return nil, &ConnectionError{Address: c.addr, Wrapped: err, message: "framing error"}
	}

	if hdr.OpCode == wiremessage.OpCompressed {
		comp, err := wiremessage.DecodeCompressed(hdr, payload)
		if err != nil {
			c.Close()
			return nil, &ConnectionError{Address: c.addr, Wrapped: err, message: "malformed OP_COMPRESSED"}
		}
		dec, err := compression.ByID(comp.CompressorID, c.cfg.zlibLevel)
		if err != nil {
			c.Close()
			return nil, &ConnectionError{Address: c.addr, Wrapped: err, message: "unknown compressor"}
		}
		uncompressed, err := dec.Decompress(comp.CompressedMessage, comp.UncompressedSize)
		if err != nil {
			c.Close()
			return nil, &ConnectionError{Address: c.addr, Wrapped: err, message: "decompression failed"}
		}
		innerHdr := wiremessage.Header{MessageLength: int32(len(uncompressed)) + wiremessage.HeaderLen, RequestID: comp.RequestID, ResponseTo: comp.ResponseTo, OpCode: comp.OriginalOpCode}
		switch comp.OriginalOpCode {
		case wiremessage.OpMsg:
			m, err := wiremessage.DecodeMsg(innerHdr, uncompressed)
			if err != nil {
				c.Close()
				return nil, &ConnectionError{Address: c.addr, Wrapped: err}
			}
			return m.Body, nil
		case wiremessage.OpReply:
			r, err := wiremessage.DecodeReply(innerHdr, uncompressed)
			if err != nil {
				c.Close()
				return nil, &ConnectionError{Address: c.addr, Wrapped: err}
			}
			return firstReplyDoc(r)
		default:
			c.Close()
			return nil, &ConnectionError{Address: c.addr, Wrapped: fmt.Errorf("unsupported compressed opcode %s", comp.OriginalOpCode)}
		}
	}

	switch hdr.OpCode {
	case wiremessage.OpMsg:
		m, err := wiremessage.DecodeMsg(hdr, payload)
		if err != nil {
			c.Close()
			return nil, &ConnectionError{Address: c.addr, Wrapped: err}
		}
		return m.Body, nil
	case wiremessage.OpReply:
		r, err := wiremessage.DecodeReply(hdr, payload)
		if err != nil {
			c.Close()
			return nil, &ConnectionError{Address: c.addr, Wrapped: err}
		}
		return firstReplyDoc(r)
	default:
		c.Close()
		return nil, &ConnectionError{Address: c.addr, Wrapped: fmt.Errorf("unexpected opcode %s", hdr.OpCode)}
	}
}

func firstReplyDoc(r wiremessage.Reply) (bsoncore.Document, error) {
	if r.ResponseFlags&wiremessage.QueryFailure != 0 && len(r.Documents) > 0 {
		return r.Documents[0], nil
	}
	if len(r.Documents) == 0 {
		return nil, fmt.Errorf("topology: OP_REPLY carried no documents")
	}
	return r.Documents[0], nil
}

// readOne reads exactly one length-prefixed wire message off the socket.
func (c *Connection) readOne(ctx context.Context) ([]byte, error) {
	if c.Stale() {
		return nil, &ConnectionError{Address: c.addr, Wrapped: fmt.Errorf("connection is dead"), message: "read"}
	}
	deadline := deadlineFor(ctx, c.cfg.readTimeout)
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return nil, &ConnectionError{Address: c.addr, Wrapped: err, message: "failed to set read deadline"}
	}

	var sizeBuf [4]byte
	if _, err := readFull(c.nc, sizeBuf[:]); err != nil {
		c.Close()
		return nil, &ConnectionError{Address: c.addr, Wrapped: err, message: "failed to read message length"}
	}
	size := int32(sizeBuf[0]) | int32(sizeBuf[1])<<8 | int32(sizeBuf[2])<<16 | int32(sizeBuf[3])<<24
	if size < wiremessage.HeaderLen {
		c.Close()
		return nil, &ConnectionError{Address: c.addr, Wrapped: fmt.Errorf("invalid message length %d", size), message: "read"}
	}
	buf := make([]byte, size)
	copy(buf, sizeBuf[:])
	if _, err := readFull(c.nc, buf[4:]); err != nil {
		c.Close()
		return nil, &ConnectionError{Address: c.addr, Wrapped: err, message: "failed to read message body"}
	}
	return buf, nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Stale reports whether the connection has been closed.
func (c *Connection) Stale() bool { return atomic.LoadInt32(&c.dead) == 1 }

// Close tears down the socket. Idempotent.
func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.dead, 0, 1) {
		return nil
	}
	return c.nc.Close()
}

// ID returns the connection's log-friendly identifier.
func (c *Connection) ID() string { return c.id }

// Generation returns the pool generation this connection was dialed
// under.
func (c *Connection) Generation() uint64 { return c.generation }

// Description returns the handshake-derived server description captured
// when this connection was dialed.
func (c *Connection) Description() description.Server { return c.desc }

// IsNetworkTimeout reports whether err represents a socket-level timeout,
// distinguishing NetworkTimeout from NetworkError in the driver package's
// error taxonomy.
func IsNetworkTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return strings.Contains(fmt.Sprint(err), "timeout")
}
