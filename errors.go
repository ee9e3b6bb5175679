package rumqtt

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the connection event loop.
var (
	// ErrDNSListEmpty is returned when resolving the broker address yields no
	// addresses.
	ErrDNSListEmpty = errors.New("rumqtt: dns resolution returned no addresses")

	// ErrPingTimeout is returned when a PINGREQ goes unanswered for a full
	// keep-alive interval.
	ErrPingTimeout = errors.New("rumqtt: ping timeout")

	// ErrPacketSizeLimitExceeded is returned when an outbound packet exceeds
	// the configured maximum packet size.
	ErrPacketSizeLimitExceeded = errors.New("rumqtt: packet size limit exceeded")

	// ErrTLSIdentityRequired is returned by dial when TLS is selected without
	// a client certificate and without explicitly allowing the insecure,
	// no-client-cert fallback.
	ErrTLSIdentityRequired = errors.New("rumqtt: tls requires a client certificate or AllowInsecureNoClientCert")
)

// IOError wraps a transport-level failure encountered during connect or
// normal operation.
type IOError struct {
	Detail string
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("rumqtt: io error: %s: %v", e.Detail, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// TLSError wraps a handshake or certificate load failure.
type TLSError struct {
	Detail string
	Err    error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("rumqtt: tls error: %s: %v", e.Detail, e.Err)
}

func (e *TLSError) Unwrap() error { return e.Err }

// ConnectionRefusedError is returned when the broker rejects CONNECT with a
// refusal code.
type ConnectionRefusedError struct {
	Code uint8
}

func (e *ConnectionRefusedError) Error() string {
	return fmt.Sprintf("rumqtt: connection refused: code %d", e.Code)
}

// ProtocolError indicates an unexpected packet, a duplicate CONNACK, or
// another malformed sequence in the MQTT session.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rumqtt: protocol error: %s", e.Detail)
}

// ConnectError wraps whichever error terminated the connect phase. It is the
// only error Connection.Start returns from the initial handshake.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("rumqtt: connect failed: %v", e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
