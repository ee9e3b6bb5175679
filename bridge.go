package rumqtt

import (
	"errors"
	"sync"

	"github.com/Mastervolt/rumqtt/internal/packets"
)

// ErrCommandsClosed is returned by CommandSender.Send once the sender has
// been closed.
var ErrCommandsClosed = errors.New("rumqtt: command channel closed")

// CommandSender is the caller-facing handle for enqueuing outbound packets.
// It wraps the bounded Commands channel with a Close that is safe to call
// more than once and makes further sends fail cleanly instead of panicking
// on a closed channel. mu serializes Send against Close so a send can never
// observe the channel open and then race a concurrent Close into closing it
// out from under the send.
type CommandSender struct {
	mu     sync.Mutex
	ch     chan packets.Packet
	closed bool
}

func newCommandSender(capacity int) *CommandSender {
	return &CommandSender{ch: make(chan packets.Packet, capacity)}
}

// Send enqueues a packet for transmission. It blocks if Commands is full and
// returns ErrCommandsClosed if the sender has been closed first.
func (c *CommandSender) Send(p packets.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCommandsClosed
	}
	c.ch <- p
	return nil
}

// Close stops further sends and causes the event loop's read of Commands to
// observe channel closure. Safe to call more than once.
func (c *CommandSender) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

// notificationQueue relays an unbounded sequence of packets.Packet from a
// single producer (the event loop) to a single consumer (the caller) without
// either side blocking on the other. A growable internal slice backs the
// relay; the output channel stays unbuffered so consumers observe values as
// soon as they're available.
//
// in is never closed, only done is: push's select is therefore always safe
// to run concurrently with close, since it never has a send case on a
// channel that close might be closing out from under it.
type notificationQueue struct {
	out  chan packets.Packet
	in   chan packets.Packet
	done chan struct{}
	once sync.Once
}

func newNotificationQueue() *notificationQueue {
	q := &notificationQueue{
		out:  make(chan packets.Packet),
		in:   make(chan packets.Packet, 16),
		done: make(chan struct{}),
	}
	go q.relay()
	return q
}

// relay drains in into an internal growable buffer and forwards to out,
// never blocking the producer on a slow consumer. Closing done abandons any
// buffered-but-undelivered notifications rather than blocking forever on a
// consumer that has stopped reading out.
func (q *notificationQueue) relay() {
	defer close(q.out)
	var buf []packets.Packet

	for {
		if len(buf) == 0 {
			select {
			case p := <-q.in:
				buf = append(buf, p)
			case <-q.done:
				return
			}
			continue
		}

		select {
		case p := <-q.in:
			buf = append(buf, p)
		case q.out <- buf[0]:
			buf = buf[1:]
		case <-q.done:
			return
		}
	}
}

// push enqueues a notification for the relay goroutine to buffer. Blocks
// only while in's small staging buffer is full, never on the consumer.
// A no-op once close has been called.
func (q *notificationQueue) push(p packets.Packet) {
	select {
	case q.in <- p:
	case <-q.done:
	}
}

// C returns the channel callers should range over to receive notifications.
// It closes once the producer side has been shut down.
func (q *notificationQueue) C() <-chan packets.Packet { return q.out }

func (q *notificationQueue) close() {
	q.once.Do(func() { close(q.done) })
}

// networkReply is an internal unbounded queue used by the event loop to
// re-inject protocol-generated replies (PUBACK, PUBREC, PUBREL, PUBCOMP)
// into the outbound path alongside user commands, without risking deadlock
// against a full Commands channel.
type networkReply struct {
	q *notificationQueue
}

func newNetworkReply() *networkReply {
	return &networkReply{q: newNotificationQueue()}
}

func (n *networkReply) push(p packets.Packet)     { n.q.push(p) }
func (n *networkReply) ch() <-chan packets.Packet { return n.q.out }
func (n *networkReply) close()                    { n.q.close() }
