package tunnel

import (
	"context"
	"time"
)

// healthCheckInterval and healthPingTimeout match spec §4.4/§5 (5s/5s).
// They are vars, not consts, purely so tests can shrink them instead of
// waiting out real 5-second ticks.
var (
	healthCheckInterval = 5 * time.Second
	healthPingTimeout   = 5 * time.Second
)

// HealthMonitor periodically pings an SshSession and publishes
// transitions between Healthy, Unstable, and Disconnected into a
// lastValue observed by the owning TunnelActor (spec §4.4). It never
// tears down the session itself; on Disconnected it only reports the
// state, leaving the decision to rebuild or stop to the actor.
type HealthMonitor struct {
	session *SshSession
	status  *lastValue[HealthStatus]
}

// NewHealthMonitor constructs a monitor starting from Healthy,
// matching the optimistic-start behavior of tunnel_manager.go's
// monitorSSHConnection (health begins healthy right after a successful
// dial, before the first ping has even run).
func NewHealthMonitor(session *SshSession) *HealthMonitor {
	return &HealthMonitor{
		session: session,
		status:  newLastValue(HealthStatus{Kind: Healthy}),
	}
}

// Status returns the most recently published health status.
func (h *HealthMonitor) Status() HealthStatus {
	return h.status.Get()
}

// Changed exposes the underlying lastValue's change notification so a
// TunnelActor can select on health transitions alongside commands.
func (h *HealthMonitor) Changed() <-chan struct{} {
	return h.status.Changed()
}

// Run ticks every healthCheckInterval, pinging the session and
// updating status: a successful ping under the timeout reports
// Healthy with its latency; a ping that errors or times out once
// reports Unstable; if the session itself reports closed, Run reports
// Disconnected and returns, since no further pings can succeed (spec
// §4.4 transition table).
func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.session.IsClosed() {
				h.status.Set(HealthStatus{Kind: Disconnected, Reason: "connection closed"})
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
			start := time.Now()
			err := h.session.Ping(pingCtx)
			latency := time.Since(start)
			cancel()

			switch {
			case err != nil && h.session.IsClosed():
				h.status.Set(HealthStatus{Kind: Disconnected, Reason: err.Error()})
				return
			case err != nil:
				h.status.Set(HealthStatus{Kind: Unstable, Reason: err.Error()})
			default:
				h.status.Set(HealthStatus{Kind: Healthy, Latency: latency})
			}
		}
	}
}
