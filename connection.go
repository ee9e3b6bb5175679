package rumqtt

import (
	"context"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/Mastervolt/rumqtt/internal/packets"
)

// Connection drives an MQTT session across one or more transport attempts.
// It owns the session state machine, the framed transport, and the bridge
// queues that cross into caller goroutines. Start dials, handshakes, and runs
// the event loop for a single attempt, returning when the transport drops or
// ctx is canceled; the Commands/Notifications queues and session state
// survive a failed attempt, so callers that want to reconnect invoke Start
// again on the same Connection rather than building a new one (see Run in
// supervisor.go).
type Connection struct {
	opts   *Options
	state  *sessionState
	logger *slog.Logger

	Commands      *CommandSender
	Notifications *notificationQueue

	reply *networkReply
}

// NewConnection builds a Connection ready for Start. Commands/Notifications
// are live immediately so callers can enqueue before the connect phase
// completes; queued commands are simply held until the outbound pipeline is
// wired up in Start.
func NewConnection(opts *Options) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		opts:          opts,
		state:         newSessionState(logger),
		logger:        logger,
		Commands:      newCommandSender(opts.Inflight),
		Notifications: newNotificationQueue(),
		reply:         newNetworkReply(),
	}
}

// Start runs one full connection attempt to completion: connect handshake,
// reconnection republish, then the steady-state event loop. The only error
// it ever returns is a *ConnectError from a failed handshake; once the
// handshake succeeds, Start always returns nil, logging whatever ended the
// event loop (remote close, protocol violation, ping timeout) at error level
// first; an end caused by ctx cancellation is not logged. This lets the enclosing supervisor
// treat every return from Start identically: decide whether to reconnect
// without needing to distinguish failure from orderly shutdown by error
// type. state.disconnect() is always called before returning, preserving
// retransmission buffers for the next attempt.
func (c *Connection) Start(ctx context.Context) error {
	conn, connack, fr, err := c.handshake(ctx)
	if err != nil {
		c.state.disconnect()
		return &ConnectError{Err: err}
	}
	defer conn.Close()
	c.logger.Debug("connected", "session_present", connack.SessionPresent)

	c.state.lastControlAt = time.Now()

	snapshot := c.state.reconnectSnapshot()

	err = c.runLoop(ctx, fr, snapshot)
	c.state.disconnect()
	if err != nil && ctx.Err() == nil {
		c.logger.Error("connection terminated", "error", err)
	}
	return nil
}

// handshake performs step 1 of the event loop: dial, emit CONNECT, await
// exactly one CONNACK. Any transport error, decode error, or non-CONNACK
// response aborts the attempt.
func (c *Connection) handshake(ctx context.Context) (conn net.Conn, connack *packets.ConnackPacket, fr *framer, err error) {
	dialCtx := ctx
	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}

	rawConn, err := dial(dialCtx, c.opts)
	if err != nil {
		return nil, nil, nil, err
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		rawConn.SetDeadline(deadline)
	}

	f := newFramer(rawConn, maxIncomingPacket(c.opts), c.opts.MaxOutgoingPacket)

	connectPkt := c.state.outgoingConnect(c.opts)
	if err := f.Send(connectPkt); err != nil {
		rawConn.Close()
		return nil, nil, nil, err
	}

	pkt, err := f.Recv()
	if err != nil {
		rawConn.Close()
		return nil, nil, nil, err
	}

	ack, ok := pkt.(*packets.ConnackPacket)
	if !ok {
		rawConn.Close()
		return nil, nil, nil, &ProtocolError{Detail: "expected CONNACK, got a different packet type"}
	}

	if err := c.state.incomingConnack(ack); err != nil {
		rawConn.Close()
		return nil, nil, nil, err
	}

	rawConn.SetDeadline(time.Time{})
	return rawConn, ack, f, nil
}

// runLoop runs the steady-state part of the event loop: republish the
// reconnection snapshot, then join inbound receive, outbound send, and the
// keep-alive ticker until either side errors or ctx is canceled. While
// Options.Inflight unacknowledged publishes are pending, Commands is not
// read, so further commands wait in the queue.
func (c *Connection) runLoop(ctx context.Context, fr *framer, snapshot []packets.Packet) error {
	for _, pkt := range snapshot {
		out, err := c.state.outgoingPacket(pkt)
		if err != nil {
			return err
		}
		if err := fr.Send(out); err != nil {
			return err
		}
	}

	inboundErr := make(chan error, 1)
	inboundPkt := make(chan packets.Packet)
	go func() {
		for {
			pkt, err := fr.Recv()
			if err != nil {
				inboundErr <- err
				return
			}
			select {
			case inboundPkt <- pkt:
			case <-ctx.Done():
				return
			}
		}
	}()

	var ticker *time.Ticker
	var tickCh <-chan time.Time
	if c.opts.KeepAlive > 0 {
		ticker = time.NewTicker(c.opts.KeepAlive / 4)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		commands := c.Commands.ch
		if c.opts.Inflight > 0 && len(c.state.outgoingPub.order) >= c.opts.Inflight {
			commands = nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-inboundErr:
			if err == io.EOF {
				return &IOError{Detail: "connection closed by peer", Err: io.EOF}
			}
			return err

		case pkt := <-inboundPkt:
			notif, reply, err := c.state.incomingPacket(pkt)
			if err != nil {
				return err
			}
			if notif != nil {
				c.Notifications.push(notif)
			}
			if reply != nil {
				c.reply.push(reply)
			}

		case pkt, ok := <-commands:
			if !ok {
				return &IOError{Detail: "command sender closed", Err: io.EOF}
			}
			out, err := c.state.outgoingPacket(pkt)
			if err != nil {
				return err
			}
			if err := fr.Send(out); err != nil {
				return err
			}

		case pkt := <-c.reply.ch():
			out, err := c.state.outgoingPacket(pkt)
			if err != nil {
				return err
			}
			if err := fr.Send(out); err != nil {
				return err
			}

		case <-tickCh:
			switch c.state.pingRequired(time.Now(), c.opts.KeepAlive) {
			case pingSend:
				c.reply.push(&packets.PingreqPacket{})
			case pingTimeout:
				return ErrPingTimeout
			}
		}
	}
}

// Close closes Commands and releases the relay goroutines backing
// Notifications and the internal reply queue. Call it once the caller is done with the Connection for good, after
// canceling the context passed to Start/Run; a Connection left unclosed
// leaks its notification relay goroutines for the life of the process.
func (c *Connection) Close() {
	c.Commands.Close()
	c.Notifications.close()
	c.reply.close()
}

// maxIncomingPacket resolves the configured incoming packet size limit,
// falling back to the MQTT 3.1.1 wire maximum when unset.
func maxIncomingPacket(opts *Options) int {
	if opts.MaxIncomingPacket > 0 {
		return opts.MaxIncomingPacket
	}
	return 268435455
}
