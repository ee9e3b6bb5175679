package rumqtt

import (
	"io"
	"log/slog"
	"time"
)

// ConnMethod selects the transport variant used to reach the broker.
type ConnMethod interface {
	isConnMethod()
}

// TCP dials the broker over a plain, unencrypted TCP connection.
type TCP struct{}

func (TCP) isConnMethod() {}

// TLS dials the broker over TLS. CAFile is always required. CertFile/KeyFile
// are optional and, when both are set, present a client certificate to the
// broker and enable peer verification. AllowInsecureNoClientCert must be set
// explicitly to accept the permissive NONE verification mode when no client
// certificate is configured; dial refuses to proceed otherwise.
type TLS struct {
	CAFile                    string
	CertFile                  string
	KeyFile                   string
	AllowInsecureNoClientCert bool
}

func (TLS) isConnMethod() {}

// Credentials carries an optional username/password pair sent in CONNECT.
type Credentials struct {
	Username string
	Password string
}

// Will is the last-will-and-testament message the broker publishes on behalf
// of the client if it disconnects unexpectedly.
type Will struct {
	Topic   string
	Payload []byte
	QoS     uint8
	Retain  bool
}

// ReconnectPolicy is consulted by the supervising caller (see supervisor.go),
// never by Connection itself.
type ReconnectPolicy struct {
	// InitialBackoff is the delay before the first reconnect attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential backoff between attempts.
	MaxBackoff time.Duration
	// MaxAttempts limits the total number of connection attempts Run makes,
	// the first one included; 0 means unlimited.
	MaxAttempts int
}

// defaultReconnectPolicy backs off starting at 1s, doubling up to a 2
// minute cap, with no limit on the number of attempts.
func defaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialBackoff: time.Second,
		MaxBackoff:     2 * time.Minute,
		MaxAttempts:    0,
	}
}

// Options is the immutable configuration for a Connection, built via Option
// functions and never mutated after NewConnection.
type Options struct {
	ClientID     string
	BrokerAddr   string
	KeepAlive    time.Duration
	Credentials  *Credentials
	CleanSession bool
	Will         *Will
	Inflight     int

	ConnMethod      ConnMethod
	ConnectTimeout  time.Duration
	ReconnectPolicy ReconnectPolicy

	MaxIncomingPacket int
	MaxOutgoingPacket int

	Logger *slog.Logger
}

// Option configures an Options value.
type Option func(*Options)

// WithClientID sets the MQTT client identifier.
func WithClientID(id string) Option {
	return func(o *Options) { o.ClientID = id }
}

// WithCredentials sets the username/password sent in CONNECT.
func WithCredentials(username, password string) Option {
	return func(o *Options) { o.Credentials = &Credentials{Username: username, Password: password} }
}

// WithKeepAlive sets the keep-alive interval. Zero disables client-initiated
// pings.
func WithKeepAlive(d time.Duration) Option {
	return func(o *Options) { o.KeepAlive = d }
}

// WithCleanSession sets the clean-session flag sent in CONNECT.
func WithCleanSession(clean bool) Option {
	return func(o *Options) { o.CleanSession = clean }
}

// WithWill sets the last-will-and-testament message.
func WithWill(topic string, payload []byte, qos uint8, retain bool) Option {
	return func(o *Options) { o.Will = &Will{Topic: topic, Payload: payload, QoS: qos, Retain: retain} }
}

// WithInflight caps the number of unacknowledged QoS 1/2 publishes the
// session will track at once.
func WithInflight(n int) Option {
	return func(o *Options) { o.Inflight = n }
}

// WithConnMethod selects TCP or TLS transport.
func WithConnMethod(m ConnMethod) Option {
	return func(o *Options) { o.ConnMethod = m }
}

// WithConnectTimeout bounds the connect-phase handshake (default 30s).
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) { o.ConnectTimeout = d }
}

// WithReconnectPolicy configures the backoff used by the supervisor.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(o *Options) { o.ReconnectPolicy = p }
}

// WithMaxIncomingPacket bounds the size of packets accepted from the broker.
// Zero uses the MQTT spec maximum.
func WithMaxIncomingPacket(n int) Option {
	return func(o *Options) { o.MaxIncomingPacket = n }
}

// WithMaxOutgoingPacket bounds the size of packets the connection will send.
// Zero disables the check.
func WithMaxOutgoingPacket(n int) Option {
	return func(o *Options) { o.MaxOutgoingPacket = n }
}

// WithLogger sets a custom logger. The default discards all output.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// defaultOptions returns the baseline configuration before Option functions
// are applied.
func defaultOptions(clientID, brokerAddr string) *Options {
	return &Options{
		ClientID:        clientID,
		BrokerAddr:      brokerAddr,
		CleanSession:    true,
		ConnMethod:      TCP{},
		ConnectTimeout:  30 * time.Second,
		ReconnectPolicy: defaultReconnectPolicy(),
		Inflight:        1000,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// NewOptions builds an Options value from functional options, applying
// defaults first.
func NewOptions(clientID, brokerAddr string, opts ...Option) *Options {
	o := defaultOptions(clientID, brokerAddr)
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger != nil {
		o.Logger = o.Logger.With("component", "rumqtt")
	}
	return o
}
