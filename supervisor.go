package rumqtt

import (
	"context"
	"time"
)

// Run drives Connection.Start in a loop, reconnecting with exponential
// backoff per opts.ReconnectPolicy until ctx is canceled or MaxAttempts is
// exhausted. Start only ever fails at the handshake (*ConnectError); once a
// connection has been established, Start returns nil even after the
// underlying session drops, so Run treats every nil return as "try again"
// rather than "done" and resets backoff to the configured initial value
// whenever a connect attempt itself succeeded.
//
// sessionState, Commands, and Notifications all live on conn and persist
// across every attempt, so retransmission buffers and queued commands
// survive a reconnect instead of being dropped with the failed Connection.
func Run(ctx context.Context, conn *Connection) error {
	policy := conn.opts.ReconnectPolicy
	initialBackoff := policy.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}
	maxBackoff := policy.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 2 * time.Minute
	}
	backoff := initialBackoff

	var attempts int
	var lastConnectErr error

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := conn.Start(ctx)
		attempts++

		if err == nil {
			lastConnectErr = nil
			backoff = initialBackoff
		} else {
			lastConnectErr = err
			conn.logger.Error("connect attempt failed", "error", err, "attempt", attempts)
		}

		if policy.MaxAttempts > 0 && attempts >= policy.MaxAttempts {
			return lastConnectErr
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}

		if err != nil {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}
