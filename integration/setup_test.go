package integration

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	sharedBroker string

	cleanupMu         sync.Mutex
	containerCleanups []func()
)

func TestMain(m *testing.M) {
	var err error
	sharedBroker, _, err = startBroker("")
	if err != nil {
		fmt.Printf("failed to start shared broker: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	cleanupMu.Lock()
	for _, cleanup := range containerCleanups {
		cleanup()
	}
	cleanupMu.Unlock()

	os.Exit(code)
}

func getFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// startBroker launches an eclipse-mosquitto container configured with the
// given extra config lines (anonymous access always enabled) and returns its
// host:port address plus a cleanup func.
func startBroker(extraConfig string) (string, func(), error) {
	ctx := context.Background()

	portInt, err := getFreePort()
	if err != nil {
		return "", nil, fmt.Errorf("find free port: %w", err)
	}
	port := fmt.Sprintf("%d", portInt)

	baseConfig := fmt.Sprintf("listener %s\nallow_anonymous true\n", port)
	finalConfig := baseConfig + extraConfig

	tmpfile, err := os.CreateTemp("", "mosquitto-*.conf")
	if err != nil {
		return "", nil, fmt.Errorf("create temp config: %w", err)
	}
	if _, err := tmpfile.WriteString(finalConfig); err != nil {
		tmpfile.Close()
		return "", nil, fmt.Errorf("write temp config: %w", err)
	}
	if err := tmpfile.Close(); err != nil {
		return "", nil, fmt.Errorf("close temp config: %w", err)
	}
	defer os.Remove(tmpfile.Name())

	req := testcontainers.ContainerRequest{
		Image: "eclipse-mosquitto:2",
		HostConfigModifier: func(hc *container.HostConfig) {
			hc.NetworkMode = "host"
		},
		WaitingFor: wait.ForListeningPort(nat.Port(port + "/tcp")),
		Files: []testcontainers.ContainerFile{{
			HostFilePath:      tmpfile.Name(),
			ContainerFilePath: "/mosquitto/config/mosquitto.conf",
			FileMode:          0644,
		}},
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("start broker container: %w", err)
	}

	addr := fmt.Sprintf("localhost:%s", port)

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			if err := c.Terminate(ctx); err != nil {
				fmt.Printf("failed to terminate broker container: %v\n", err)
			}
		})
	}

	cleanupMu.Lock()
	containerCleanups = append(containerCleanups, cleanup)
	cleanupMu.Unlock()

	return addr, cleanup, nil
}

// brokerAddr returns the shared broker's address for tests that don't need
// isolated configuration.
func brokerAddr(t *testing.T) string {
	t.Helper()
	if sharedBroker == "" {
		t.Fatal("shared broker not available")
	}
	return sharedBroker
}
