package rumqtt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/Mastervolt/rumqtt/internal/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRig wires a Connection's steady-state loop to a fake broker over a
// net.Pipe, skipping the dial/handshake phase so runLoop can be exercised
// directly against scripted broker behavior.
type testRig struct {
	conn   *Connection
	broker *framer
	cancel context.CancelFunc
	done   chan error
}

func newTestRig(t *testing.T, opts *Options) *testRig {
	t.Helper()
	clientSide, brokerSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close(); brokerSide.Close() })

	if opts == nil {
		opts = NewOptions("test-client", "unused:1883")
	}
	conn := NewConnection(opts)
	conn.state.connStatus = statusConnected
	conn.state.lastControlAt = time.Now()
	t.Cleanup(conn.Close)

	clientFramer := newFramer(clientSide, maxIncomingPacket(opts), opts.MaxOutgoingPacket)
	brokerFramer := newFramer(brokerSide, maxIncomingPacket(opts), opts.MaxOutgoingPacket)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- conn.runLoop(ctx, clientFramer, nil)
	}()

	return &testRig{conn: conn, broker: brokerFramer, cancel: cancel, done: done}
}

func TestRunLoopQoS1PublishRoundTrip(t *testing.T) {
	rig := newTestRig(t, nil)
	defer rig.cancel()

	pub := &packets.PublishPacket{Topic: "a/b", QoS: 1, Payload: []byte("hi")}
	require.NoError(t, rig.conn.Commands.Send(pub))

	recv, err := rig.broker.Recv()
	require.NoError(t, err)
	got := recv.(*packets.PublishPacket)
	assert.Equal(t, uint16(1), got.PacketID)

	require.NoError(t, rig.broker.Send(&packets.PubackPacket{PacketID: got.PacketID}))

	require.Eventually(t, func() bool {
		return !rig.conn.state.outgoingPub.has(got.PacketID)
	}, time.Second, 5*time.Millisecond)
}

func TestRunLoopInboundQoS0Notify(t *testing.T) {
	rig := newTestRig(t, nil)
	defer rig.cancel()

	require.NoError(t, rig.broker.Send(&packets.PublishPacket{Topic: "x/y", QoS: 0, Payload: []byte("z")}))

	select {
	case notif := <-rig.conn.Notifications.C():
		pub := notif.(*packets.PublishPacket)
		assert.Equal(t, "x/y", pub.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestRunLoopQoS2FullCycle(t *testing.T) {
	rig := newTestRig(t, nil)
	defer rig.cancel()

	pub := &packets.PublishPacket{Topic: "a/b", QoS: 2}
	require.NoError(t, rig.conn.Commands.Send(pub))

	recv, err := rig.broker.Recv()
	require.NoError(t, err)
	id := recv.(*packets.PublishPacket).PacketID

	require.NoError(t, rig.broker.Send(&packets.PubrecPacket{PacketID: id}))

	recv, err = rig.broker.Recv()
	require.NoError(t, err)
	require.IsType(t, &packets.PubrelPacket{}, recv)

	require.NoError(t, rig.broker.Send(&packets.PubcompPacket{PacketID: id}))

	require.Eventually(t, func() bool {
		_, inRel := rig.conn.state.outgoingRel[id]
		return !inRel
	}, time.Second, 5*time.Millisecond)
}

func TestRunLoopReconnectSnapshotReplaysBeforeCommands(t *testing.T) {
	clientSide, brokerSide := net.Pipe()
	defer clientSide.Close()
	defer brokerSide.Close()

	opts := NewOptions("test-client", "unused:1883")
	conn := NewConnection(opts)
	conn.state.connStatus = statusConnected
	conn.state.lastControlAt = time.Now()

	stale := &packets.PublishPacket{Topic: "resume", QoS: 1, PacketID: 9}
	conn.state.outgoingPub.add(9, stale)
	conn.state.lastPkid = 9
	snapshot := conn.state.reconnectSnapshot()

	clientFramer := newFramer(clientSide, maxIncomingPacket(opts), opts.MaxOutgoingPacket)
	brokerFramer := newFramer(brokerSide, maxIncomingPacket(opts), opts.MaxOutgoingPacket)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.runLoop(ctx, clientFramer, snapshot)

	require.NoError(t, conn.Commands.Send(&packets.PublishPacket{Topic: "fresh", QoS: 1}))

	first, err := brokerFramer.Recv()
	require.NoError(t, err)
	firstPub := first.(*packets.PublishPacket)
	assert.Equal(t, "resume", firstPub.Topic)
	assert.True(t, firstPub.Dup)

	second, err := brokerFramer.Recv()
	require.NoError(t, err)
	assert.Equal(t, "fresh", second.(*packets.PublishPacket).Topic)
}

func TestRunLoopOutgoingPacketSizeLimitExceeded(t *testing.T) {
	clientSide, brokerSide := net.Pipe()
	defer clientSide.Close()
	defer brokerSide.Close()
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := brokerSide.Read(buf); err != nil {
				return
			}
		}
	}()

	opts := NewOptions("test-client", "unused:1883", WithMaxOutgoingPacket(16))
	conn := NewConnection(opts)
	conn.state.connStatus = statusConnected
	conn.state.lastControlAt = time.Now()
	t.Cleanup(conn.Close)

	clientFramer := newFramer(clientSide, maxIncomingPacket(opts), opts.MaxOutgoingPacket)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- conn.runLoop(ctx, clientFramer, nil) }()

	require.NoError(t, conn.Commands.Send(&packets.PublishPacket{
		Topic:   "a/b",
		QoS:     0,
		Payload: []byte("this payload is well over sixteen bytes"),
	}))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPacketSizeLimitExceeded)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for runLoop to reject the oversized packet")
	}
}

func TestRunLoopKeepAliveTimeout(t *testing.T) {
	clientSide, brokerSide := net.Pipe()
	defer clientSide.Close()
	defer brokerSide.Close()
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := brokerSide.Read(buf); err != nil {
				return
			}
		}
	}()

	opts := NewOptions("test-client", "unused:1883", WithKeepAlive(40*time.Millisecond))
	conn := NewConnection(opts)
	conn.state.connStatus = statusConnected
	conn.state.lastControlAt = time.Now()

	clientFramer := newFramer(clientSide, maxIncomingPacket(opts), opts.MaxOutgoingPacket)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := conn.runLoop(ctx, clientFramer, nil)
	assert.ErrorIs(t, err, ErrPingTimeout)
}
