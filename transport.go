package rumqtt

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/Mastervolt/rumqtt/internal/packets"
)

// dial resolves the broker address and establishes the transport selected by
// opts.ConnMethod. For TLS, peer verification is enabled only when a client
// certificate is configured; AllowInsecureNoClientCert must be set
// explicitly to accept the permissive NONE-verification fallback.
func dial(ctx context.Context, opts *Options) (net.Conn, error) {
	host, _, err := net.SplitHostPort(opts.BrokerAddr)
	if err != nil {
		host = opts.BrokerAddr
	}

	resolver := net.DefaultResolver
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, &IOError{Detail: "dns lookup failed", Err: err}
	}
	if len(addrs) == 0 {
		return nil, ErrDNSListEmpty
	}

	switch method := opts.ConnMethod.(type) {
	case TCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", opts.BrokerAddr)
		if err != nil {
			return nil, &IOError{Detail: "tcp dial failed", Err: err}
		}
		return conn, nil

	case TLS:
		tlsConfig, err := tlsConfigFor(method, host)
		if err != nil {
			return nil, err
		}
		dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: tlsConfig}
		conn, err := dialer.DialContext(ctx, "tcp", opts.BrokerAddr)
		if err != nil {
			return nil, &TLSError{Detail: "tls handshake failed", Err: err}
		}
		return conn, nil

	default:
		return nil, fmt.Errorf("rumqtt: unsupported connection method %T", method)
	}
}

// tlsConfigFor builds a *tls.Config from a TLS connection method. serverName
// is the pre-":" substring of the broker address, used for SNI and
// certificate verification.
func tlsConfigFor(method TLS, serverName string) (*tls.Config, error) {
	caPEM, err := os.ReadFile(method.CAFile)
	if err != nil {
		return nil, &TLSError{Detail: "failed to read CA file", Err: err}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, &TLSError{Detail: "failed to parse CA file", Err: fmt.Errorf("no certificates found in %s", method.CAFile)}
	}

	cfg := &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
	}

	hasClientCert := method.CertFile != "" && method.KeyFile != ""
	if hasClientCert {
		cert, err := tls.LoadX509KeyPair(method.CertFile, method.KeyFile)
		if err != nil {
			return nil, &TLSError{Detail: "failed to load client certificate", Err: err}
		}
		cfg.Certificates = []tls.Certificate{cert}
	} else {
		if !method.AllowInsecureNoClientCert {
			return nil, ErrTLSIdentityRequired
		}
		cfg.InsecureSkipVerify = true
	}

	return cfg, nil
}

// framer wraps a net.Conn into typed Packet send/receive halves.
type framer struct {
	conn              net.Conn
	r                 *bufio.Reader
	w                 *bufio.Writer
	maxIncomingPacket int
	maxOutgoingPacket int
}

func newFramer(conn net.Conn, maxIncomingPacket, maxOutgoingPacket int) *framer {
	return &framer{
		conn:              conn,
		r:                 bufio.NewReader(conn),
		w:                 bufio.NewWriter(conn),
		maxIncomingPacket: maxIncomingPacket,
		maxOutgoingPacket: maxOutgoingPacket,
	}
}

// Send writes a single packet and flushes immediately, preserving one
// packet in flight at a time as the event loop requires. If maxOutgoingPacket
// is set, a packet whose encoded size would exceed it is rejected without
// writing anything to the wire.
func (f *framer) Send(p packets.Packet) error {
	if f.maxOutgoingPacket > 0 {
		var counter countingWriter
		if _, err := p.WriteTo(&counter); err != nil {
			return &IOError{Detail: "measure failed", Err: err}
		}
		if counter.n > int64(f.maxOutgoingPacket) {
			return ErrPacketSizeLimitExceeded
		}
	}
	if _, err := p.WriteTo(f.w); err != nil {
		return &IOError{Detail: "write failed", Err: err}
	}
	if err := f.w.Flush(); err != nil {
		return &IOError{Detail: "flush failed", Err: err}
	}
	return nil
}

// countingWriter discards bytes written to it while tracking the total
// count, used to measure an encoded packet's size before committing it to
// the wire.
type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// Recv reads and decodes a single packet, blocking until one is available
// or the underlying connection errors or is closed.
func (f *framer) Recv() (packets.Packet, error) {
	pkt, err := packets.ReadPacket(f.r, f.maxIncomingPacket)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &IOError{Detail: "read failed", Err: err}
	}
	return pkt, nil
}

func (f *framer) Close() error {
	return f.conn.Close()
}
