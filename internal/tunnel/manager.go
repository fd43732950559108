package tunnel

import (
	"context"
	"sync"
)

// handle is the manager's private record for one registered tunnel:
// the actor plus enough bookkeeping to cancel its Run goroutine on
// Remove.
type handle struct {
	actor  *TunnelActor
	def    Definition
	cancel context.CancelFunc
}

// TunnelManager is a concurrency-safe registry mapping tunnel ID to
// actor handle (spec §4.6). It holds only shared, read-mostly state;
// a single RWMutex keeps status queries from contending with the rare
// add/remove mutations.
type TunnelManager struct {
	mu             sync.RWMutex
	handles        map[string]*handle
	hostKeyPolicy  HostKeyPolicy
	knownHostsPath string
}

// NewTunnelManager constructs an empty registry. hostKeyPolicy and
// knownHostsPath are applied to every actor it spawns.
func NewTunnelManager(hostKeyPolicy HostKeyPolicy, knownHostsPath string) *TunnelManager {
	return &TunnelManager{
		handles:        make(map[string]*handle),
		hostKeyPolicy:  hostKeyPolicy,
		knownHostsPath: knownHostsPath,
	}
}

// Add registers def and spawns its actor. Idempotent per ID: calling
// Add again for an ID that is still registered is a no-op, matching
// spec §4.6 ("re-adding replaces only if Remove has completed").
func (m *TunnelManager) Add(ctx context.Context, def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handles[def.ID]; exists {
		return nil
	}

	actorCtx, cancel := context.WithCancel(ctx)
	actor := NewTunnelActor(def, m.hostKeyPolicy, m.knownHostsPath)
	go actor.Run(actorCtx)

	m.handles[def.ID] = &handle{actor: actor, def: def, cancel: cancel}
	return nil
}

// Start delivers CmdStart to the named tunnel's inbox.
func (m *TunnelManager) Start(id string) error {
	return m.send(id, CmdStart)
}

// Stop delivers CmdStop to the named tunnel's inbox.
func (m *TunnelManager) Stop(id string) error {
	return m.send(id, CmdStop)
}

// Remove delivers CmdRemove and blocks until the actor has fully torn
// down (session closed, listener and health monitor joined) before
// dropping the handle from the registry, so a subsequent Add with the
// same ID never races a still-live listener bound to the same
// local_port (spec §3: "a TunnelHandle exists from add_tunnel until
// Remove is acknowledged and the actor exits").
func (m *TunnelManager) Remove(id string) error {
	m.mu.RLock()
	h, ok := m.handles[id]
	m.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}

	err := h.actor.Send(CmdRemove)
	h.cancel()
	<-h.actor.closed

	m.mu.Lock()
	if m.handles[id] == h {
		delete(m.handles, id)
	}
	m.mu.Unlock()

	return err
}

func (m *TunnelManager) send(id string, cmd Command) error {
	m.mu.RLock()
	h, ok := m.handles[id]
	m.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}
	return h.actor.Send(cmd)
}

// Metric returns the latest snapshot for id, or a zero-value Stopped/
// Disconnected metric if id is unknown (spec §4.6).
func (m *TunnelManager) Metric(id string) Metric {
	m.mu.RLock()
	h, ok := m.handles[id]
	m.mu.RUnlock()

	if !ok {
		return Metric{Lifecycle: LifecycleState{Kind: Stopped}, Health: HealthStatus{Kind: Disconnected}}
	}
	return h.actor.Metric()
}

// MetricsAll snapshots every registered handle's latest metric, keyed
// by tunnel ID.
func (m *TunnelManager) MetricsAll() map[string]Metric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Metric, len(m.handles))
	for id, h := range m.handles {
		out[id] = h.actor.Metric()
	}
	return out
}

// Definitions returns a snapshot of every registered tunnel's
// definition, used by collaborators that need to persist or list
// configuration alongside live status.
func (m *TunnelManager) Definitions() map[string]Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Definition, len(m.handles))
	for id, h := range m.handles {
		out[id] = h.def
	}
	return out
}
