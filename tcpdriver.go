package gpool

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Wire opcodes for the minimal binary frame protocol a real server behind
// TCPDriver would speak (spec.md §4.6: "a minimal frame protocol is
// sufficient to exercise the pool and transaction state machine; a full
// wire codec is out of scope"). Each frame is a 1-byte opcode, a 4-byte
// big-endian length, and a payload.
const (
	opHandshake byte = iota
	opSettings
	opBegin
	opCommit
	opRollback
	opExecute
	opResult
	opError
)

// TCPDriver dials a graph-relational server over TCP, optionally with TLS,
// grounded on the teacher's NetDriver/netConn (net.go, netconn.go): the
// same per-read/per-write deadline wrapping around net.Conn, generalized
// from a raw byte pipe to a framed request/response protocol.
type TCPDriver struct {
	network      string
	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewTCPDriver returns a Driver dialing over the given network ("tcp",
// "tcp4", "tcp6").
func NewTCPDriver(network string) *TCPDriver {
	return &TCPDriver{network: network}
}

// SetDialTimeout sets the connection-establishment timeout.
func (d *TCPDriver) SetDialTimeout(t time.Duration) { d.dialTimeout = t }

// SetReadTimeout sets the per-read deadline applied to every frame read.
func (d *TCPDriver) SetReadTimeout(t time.Duration) { d.readTimeout = t }

// SetWriteTimeout sets the per-write deadline applied to every frame
// write.
func (d *TCPDriver) SetWriteTimeout(t time.Duration) { d.writeTimeout = t }

func (d *TCPDriver) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.dialTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}
	return dialer.DialContext(ctx, d.network, addr)
}

// Open performs a full connect: dial, optional TLS handshake, then the
// handshake frame that returns server-reported Settings (spec.md §4.2
// discovery step).
func (d *TCPDriver) Open(ctx context.Context, cfg *ConnectConfig) (Connection, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, NewInterfaceError("TCPDriver requires a non-empty ConnectConfig.Address")
	}

	raw, err := d.dial(ctx, cfg.Address)
	if err != nil {
		return nil, &ConnectionError{Kind: ConnFailedTemporarily, Err: err}
	}

	conn, err := d.wrapTLS(raw, cfg)
	if err != nil {
		_ = raw.Close()
		return nil, &ConnectionError{Kind: ConnFailed, Err: err}
	}

	st := &tcpState{
		conn:   conn,
		addr:   cfg.Address,
		rw:     bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		d:      d,
		closed: new(atomic.Bool),
		mu:     &sync.Mutex{},
	}

	settings, err := st.handshake(ctx, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{Kind: ConnFailed, Err: err}
	}
	st.settings = settings

	return &tcpConn{state: st}, nil
}

// OpenResolved short-circuits DNS/negotiation by dialing addr directly but
// still performs the per-connection handshake: the real cost this method
// saves in a production driver is name resolution and protocol version
// negotiation, which this reference driver doesn't model, so it delegates
// to Open against the already-resolved address.
func (d *TCPDriver) OpenResolved(ctx context.Context, addr string, cfg *ConnectConfig, settings Settings) (Connection, error) {
	resolvedCfg := *cfg
	resolvedCfg.Address = addr
	return d.Open(ctx, &resolvedCfg)
}

func (d *TCPDriver) wrapTLS(raw net.Conn, cfg *ConnectConfig) (net.Conn, error) {
	if cfg.TLSServerName == "" && !cfg.InsecureSkipVerify {
		return raw, nil
	}
	tlsCfg := &tls.Config{
		ServerName:         cfg.TLSServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	tlsConn := tls.Client(raw, tlsCfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// tcpState is the shared, mutable session behind every tcpConn handle
// that aliases it (ShallowClone/Detach hand out new *tcpConn wrappers
// around the same *tcpState, the driver-level half of the detach trick
// whose pool-level half lives in detach.go).
type tcpState struct {
	conn net.Conn
	addr string
	rw   *bufio.ReadWriter
	d    *TCPDriver

	mu       *sync.Mutex
	closed   *atomic.Bool
	settings Settings
}

func (st *tcpState) writeFrame(op byte, payload []byte) error {
	if st.d.writeTimeout > 0 {
		_ = st.conn.SetWriteDeadline(time.Now().Add(st.d.writeTimeout))
	}
	var hdr [5]byte
	hdr[0] = op
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := st.rw.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := st.rw.Write(payload); err != nil {
			return err
		}
	}
	return st.rw.Flush()
}

func (st *tcpState) readFrame() (byte, []byte, error) {
	if st.d.readTimeout > 0 {
		_ = st.conn.SetReadDeadline(time.Now().Add(st.d.readTimeout))
	}
	var hdr [5]byte
	if _, err := readFull(st.rw, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := readFull(st.rw, payload); err != nil {
			return 0, nil, err
		}
	}
	return hdr[0], payload, nil
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
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

func (st *tcpState) handshake(ctx context.Context, cfg *ConnectConfig) (Settings, error) {
	payload := []byte(fmt.Sprintf("user=%s\ndatabase=%s", cfg.User, cfg.Database))
	if err := st.writeFrame(opHandshake, payload); err != nil {
		return nil, err
	}
	op, body, err := st.readFrame()
	if err != nil {
		return nil, err
	}
	if op == opError {
		return nil, fmt.Errorf("handshake rejected: %s", string(body))
	}
	if op != opSettings {
		return nil, fmt.Errorf("unexpected handshake response opcode %d", op)
	}
	return parseSettings(body), nil
}

// parseSettings decodes a newline-separated key=value settings blob, the
// reference wire format for the handshake's settings payload.
func parseSettings(body []byte) Settings {
	settings := Settings{}
	for _, line := range strings.Split(string(body), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok || k == "" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil {
			settings[k] = n
			continue
		}
		settings[k] = v
	}
	return settings
}

func (st *tcpState) request(op byte, payload []byte) ([]byte, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed.Load() {
		return nil, &ConnectionError{Kind: ConnClosed, Err: fmt.Errorf("connection closed")}
	}
	if err := st.writeFrame(op, payload); err != nil {
		st.closed.Store(true)
		return nil, &ConnectionError{Kind: ConnFailedTemporarily, Err: err}
	}
	rop, body, err := st.readFrame()
	if err != nil {
		st.closed.Store(true)
		return nil, &ConnectionError{Kind: ConnFailedTemporarily, Err: err}
	}
	if rop == opError {
		return nil, classifyServerError(body)
	}
	return body, nil
}

// classifyServerError maps the reference server's error tag line ("tag:
// message") to the typed, tagged errors transaction.go's classify
// consumes.
func classifyServerError(body []byte) error {
	tag, msg, ok := strings.Cut(string(body), ":")
	if !ok {
		return &TransactionError{Kind: TxConflict, Err: fmt.Errorf("%s", body)}
	}
	err := fmt.Errorf("%s", msg)
	switch RetryTag(tag) {
	case TagTransactionConflict:
		return &TransactionError{Kind: TxConflict, Err: err}
	case TagSerialization:
		return &TransactionError{Kind: TxSerialization, Err: err}
	case TagDeadlock:
		return &TransactionError{Kind: TxDeadlock, Err: err}
	case TagNetworkError:
		return &ConnectionError{Kind: ConnFailedTemporarily, Err: err}
	default:
		return err
	}
}

// tcpConn is a handle onto a tcpState. Multiple tcpConn values may alias
// the same state (see ShallowClone/Detach); closing or terminating
// through any handle affects every alias, matching a single real socket.
type tcpConn struct {
	state *tcpState
}

func (c *tcpConn) Close(ctx context.Context) error {
	if c.state.closed.Swap(true) {
		return nil
	}
	return c.state.conn.Close()
}

func (c *tcpConn) Terminate() {
	if c.state.closed.Swap(true) {
		return
	}
	_ = c.state.conn.Close()
}

func (c *tcpConn) IsClosed() bool { return c.state.closed.Load() }

func (c *tcpConn) ShallowClone() Connection { return &tcpConn{state: c.state} }

func (c *tcpConn) Detach() Connection { return &tcpConn{state: c.state} }

func (c *tcpConn) RemoteAddr() string { return c.state.addr }

func (c *tcpConn) Settings() Settings { return c.state.settings }

func (c *tcpConn) SetOptions(Options) {
	// The reference protocol has no session-scoped option frame; a real
	// driver would send one here before the caller's first query.
}

func (c *tcpConn) Begin(ctx context.Context, opts TxOptions) error {
	payload := []byte(fmt.Sprintf("isolation=%d\nreadonly=%t\ndeferrable=%t", opts.Isolation, opts.ReadOnly, opts.Deferrable))
	_, err := c.state.request(opBegin, payload)
	return err
}

func (c *tcpConn) Commit(ctx context.Context) error {
	_, err := c.state.request(opCommit, nil)
	return err
}

func (c *tcpConn) Rollback(ctx context.Context) error {
	_, err := c.state.request(opRollback, nil)
	return err
}

func (c *tcpConn) Execute(ctx context.Context, query string) (Result, error) {
	body, err := c.state.request(opExecute, []byte(query))
	if err != nil {
		return Result{}, err
	}
	return Result{Raw: body}, nil
}

var _ Connection = (*tcpConn)(nil)
var _ Driver = (*TCPDriver)(nil)
