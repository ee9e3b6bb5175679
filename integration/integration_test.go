package integration

import (
	"context"
	"testing"
	"time"

	"github.com/Mastervolt/rumqtt"
	"github.com/Mastervolt/rumqtt/internal/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialConnection(t *testing.T, addr string, opts ...rumqtt.Option) *rumqtt.Connection {
	t.Helper()
	o := rumqtt.NewOptions(clientIDFor(t), addr, opts...)
	conn := rumqtt.NewConnection(o)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var startErr error
	go func() {
		startErr = conn.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		conn.Close()
	})

	select {
	case <-done:
		t.Fatalf("connection attempt failed: %v", startErr)
	case <-time.After(500 * time.Millisecond):
	}
	return conn
}

func clientIDFor(t *testing.T) string {
	return "rumqtt-it-" + t.Name()
}

func TestQoS1PublishSubscribeRoundTrip(t *testing.T) {
	addr := brokerAddr(t)
	conn := dialConnection(t, addr, rumqtt.WithCleanSession(true))

	topic := "rumqtt/integration/qos1"
	require.NoError(t, conn.Commands.Send(&packets.SubscribePacket{
		Topics: []string{topic},
		QoS:    []uint8{1},
	}))

	var gotSuback bool
	deadline := time.After(5 * time.Second)
	for !gotSuback {
		select {
		case notif := <-conn.Notifications.C():
			if _, ok := notif.(*packets.SubackPacket); ok {
				gotSuback = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for SUBACK")
		}
	}

	require.NoError(t, conn.Commands.Send(&packets.PublishPacket{
		Topic:   topic,
		QoS:     1,
		Payload: []byte("hello from rumqtt"),
	}))

	deadline = time.After(5 * time.Second)
	for {
		select {
		case notif := <-conn.Notifications.C():
			if pub, ok := notif.(*packets.PublishPacket); ok {
				assert.Equal(t, topic, pub.Topic)
				assert.Equal(t, []byte("hello from rumqtt"), pub.Payload)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for published message echo")
		}
	}
}

func TestQoS2PublishSubscribeRoundTrip(t *testing.T) {
	addr, cleanup, err := startBroker("")
	require.NoError(t, err)
	defer cleanup()

	opts := rumqtt.NewOptions("rumqtt-it-qos2", addr, rumqtt.WithCleanSession(true))
	conn := rumqtt.NewConnection(opts)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		rumqtt.Run(ctx, conn)
		close(runDone)
	}()
	defer func() {
		cancel()
		<-runDone
		conn.Close()
	}()
	time.Sleep(500 * time.Millisecond)

	topic := "rumqtt/integration/qos2"
	require.NoError(t, conn.Commands.Send(&packets.SubscribePacket{
		Topics: []string{topic},
		QoS:    []uint8{2},
	}))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case notif := <-conn.Notifications.C():
			if _, ok := notif.(*packets.SubackPacket); ok {
				goto subscribed
			}
		case <-deadline:
			t.Fatal("timed out waiting for SUBACK")
		}
	}
subscribed:

	require.NoError(t, conn.Commands.Send(&packets.PublishPacket{
		Topic:   topic,
		QoS:     2,
		Payload: []byte("exactly once"),
	}))

	deadline = time.After(5 * time.Second)
	for {
		select {
		case notif := <-conn.Notifications.C():
			if pub, ok := notif.(*packets.PublishPacket); ok {
				assert.Equal(t, []byte("exactly once"), pub.Payload)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for QoS2 delivery")
		}
	}
}
