package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const containerResolveTimeout = 10 * time.Second

// TunnelActor owns the state machine for a single tunnel: its
// SshSession, ForwardListener, and HealthMonitor, and the single inbox
// that serializes Start/Stop/Remove commands against it (spec §4.5).
// Every mutable field below is touched only from the Run goroutine;
// Send, Metric and Changed are the only methods safe to call from
// elsewhere.
type TunnelActor struct {
	def            Definition
	hostKeyPolicy  HostKeyPolicy
	knownHostsPath string

	inbox  chan Command
	outbox *lastValue[Metric]
	closed chan struct{}

	lifecycle LifecycleState
	traffic   Traffic

	// Populated from a successful Start until handleScopeDone clears
	// them (Running, Stopping, or an Error reached while Running).
	session     *SshSession
	health      *HealthMonitor
	scopeCancel context.CancelFunc
	scopeDone   chan struct{}
	reports     chan trafficReport
}

// NewTunnelActor constructs an actor in the Stopped state. Run must be
// called (typically from TunnelManager.Add) before Send will have any
// effect.
func NewTunnelActor(def Definition, hostKeyPolicy HostKeyPolicy, knownHostsPath string) *TunnelActor {
	return &TunnelActor{
		def:            def,
		hostKeyPolicy:  hostKeyPolicy,
		knownHostsPath: knownHostsPath,
		inbox:          make(chan Command, 1),
		outbox:         newLastValue(Metric{Lifecycle: LifecycleState{Kind: Stopped}, Health: HealthStatus{Kind: Disconnected}}),
		closed:         make(chan struct{}),
	}
}

// Send delivers cmd to the actor's inbox, returning ErrActorDead if the
// actor has already terminated (spec §4.6).
func (a *TunnelActor) Send(cmd Command) error {
	select {
	case <-a.closed:
		return ErrActorDead
	default:
	}
	select {
	case a.inbox <- cmd:
		return nil
	case <-a.closed:
		return ErrActorDead
	}
}

// Metric returns the most recently published snapshot.
func (a *TunnelActor) Metric() Metric {
	return a.outbox.Get()
}

// Changed reports when a new Metric has been published.
func (a *TunnelActor) Changed() <-chan struct{} {
	return a.outbox.Changed()
}

// Run is the actor's single consuming goroutine. It exits once a
// Remove command has been fully processed, or ctx is cancelled (parent
// shutdown). Callers spawn this with `go actor.Run(ctx)`.
func (a *TunnelActor) Run(ctx context.Context) {
	defer close(a.closed)
	a.publish()

	for {
		var healthChanged <-chan struct{}
		var reports <-chan trafficReport
		var scopeDone <-chan struct{}
		if a.health != nil {
			healthChanged = a.health.Changed()
			reports = a.reports
			scopeDone = a.scopeDone
		}

		select {
		case <-ctx.Done():
			a.handleStop()
			a.drainUntilStopped()
			return

		case cmd, ok := <-a.inbox:
			if !ok {
				return
			}
			switch cmd {
			case CmdStart:
				a.handleStart(ctx)
			case CmdStop:
				a.handleStop()
			case CmdRemove:
				a.handleStop()
				a.drainUntilStopped()
				return
			}

		case <-healthChanged:
			a.handleHealthChange()

		case report, ok := <-reports:
			if ok {
				a.applyTraffic(report)
			}

		case <-scopeDone:
			a.handleScopeDone()
		}
	}
}

// handleStart implements the Stopped/Error -> Starting -> Running path
// of the §4.5 transition table. It runs synchronously: the inbox is
// not read again until dialing, container-IP resolution, and binding
// have all finished, matching "never processes a second command while
// a handler is in progress".
func (a *TunnelActor) handleStart(ctx context.Context) {
	if a.lifecycle.Kind == Running || a.lifecycle.Kind == Stopping || a.lifecycle.Kind == Starting {
		return
	}

	a.lifecycle = LifecycleState{Kind: Starting}
	a.publish()

	spanCtx, cancel := context.WithCancel(ctx)

	session, err := Dial(spanCtx, SessionConfig{
		Host:           a.def.SSHHost,
		Port:           a.def.SSHPort,
		User:           a.def.SSHUser,
		Auth:           a.def.Auth,
		HostKeyPolicy:  a.hostKeyPolicy,
		KnownHostsPath: a.knownHostsPath,
	})
	if err != nil {
		cancel()
		a.fail(err)
		return
	}

	target, err := a.resolveTarget(spanCtx, session)
	if err != nil {
		session.Close()
		cancel()
		a.fail(err)
		return
	}

	listenerConn, err := Bind(a.def.LocalPort)
	if err != nil {
		session.Close()
		cancel()
		a.fail(err)
		return
	}

	a.session = session
	a.scopeCancel = cancel
	a.reports = make(chan trafficReport, 16)
	a.traffic = Traffic{}
	a.health = NewHealthMonitor(session)
	listener := NewForwardListener(listenerConn, session, target, a.reports)

	var wg sync.WaitGroup
	wg.Add(2)
	safeGo(func() {
		defer wg.Done()
		a.health.Run(spanCtx)
	})
	safeGo(func() {
		defer wg.Done()
		listener.Serve(spanCtx)
	})

	scopeDone := make(chan struct{})
	a.scopeDone = scopeDone
	safeGo(func() {
		wg.Wait()
		close(scopeDone)
	})

	a.lifecycle = LifecycleState{Kind: Running}
	a.publish()
}

// resolveTarget returns the static direct-mode target unchanged, or,
// in container mode, resolves the container's current IP over the
// freshly dialed session before the listener ever binds (spec §4.5).
func (a *TunnelActor) resolveTarget(ctx context.Context, session *SshSession) (forwardTarget, error) {
	if a.def.Mode == ModeDirect {
		return forwardTarget{host: a.def.TargetHost, port: a.def.TargetPort}, nil
	}
	ip, err := ExecCommand(ctx, session, containerIPCommand{containerName: a.def.ContainerName}, containerResolveTimeout)
	if err != nil {
		return forwardTarget{}, fmt.Errorf("resolving container %s: %w", a.def.ContainerName, err)
	}
	return forwardTarget{host: ip, port: a.def.ContainerPort}, nil
}

// handleStop implements Running -> Stopping by cancelling the Start
// span; the actual Stopping -> Stopped transition happens later, once
// handleScopeDone observes every subordinate has joined. In Error,
// Stop moves straight to Stopped. In every other state (Stopped,
// Stopping, and Starting, which serialization never lets Stop observe)
// it is a no-op.
func (a *TunnelActor) handleStop() {
	switch a.lifecycle.Kind {
	case Running:
		a.lifecycle = LifecycleState{Kind: Stopping}
		a.scopeCancel()
		a.publish()
	case Error:
		a.lifecycle = LifecycleState{Kind: Stopped}
		a.publish()
	}
}

// handleHealthChange reacts to a HealthMonitor publishing Disconnected
// while Running: this is the "subordinate task exit, no Stop
// requested" row of the §4.5 table, so it becomes an Error transition
// rather than a clean Stop.
func (a *TunnelActor) handleHealthChange() {
	status := a.health.Status()
	if status.Kind == Disconnected && a.lifecycle.Kind == Running {
		a.lifecycle = LifecycleState{Kind: Error, Message: "connection dropped"}
		a.scopeCancel()
	}
	a.publish()
}

func (a *TunnelActor) applyTraffic(report trafficReport) {
	a.traffic.SendBytes += report.sendDelta
	a.traffic.RecvBytes += report.recvDelta
	a.publish()
}

// handleScopeDone runs once the HealthMonitor and ForwardListener for
// the current Start span have both returned. It closes the session and
// clears span-scoped resources, then finalizes Stopping -> Stopped. An
// Error lifecycle reached via handleHealthChange is left as Error;
// only an explicit Stop/Remove clears it.
func (a *TunnelActor) handleScopeDone() {
	if a.session != nil {
		a.session.Close()
	}
	a.session = nil
	a.health = nil
	a.scopeCancel = nil
	a.scopeDone = nil
	a.reports = nil

	if a.lifecycle.Kind == Stopping {
		a.lifecycle = LifecycleState{Kind: Stopped}
	}
	a.publish()
}

// drainUntilStopped blocks the Remove path until the current Start
// span's subordinates have fully joined, so "actor terminates" in the
// §4.5 Remove row always happens after cleanup, never before it.
func (a *TunnelActor) drainUntilStopped() {
	if a.scopeDone == nil {
		return
	}
	for {
		select {
		case report, ok := <-a.reports:
			if ok {
				a.applyTraffic(report)
			}
		case <-a.scopeDone:
			a.handleScopeDone()
			return
		}
	}
}

func (a *TunnelActor) fail(err error) {
	a.lifecycle = LifecycleState{Kind: Error, Message: err.Error()}
	a.publish()
}

func (a *TunnelActor) publish() {
	health := HealthStatus{Kind: Disconnected}
	if a.health != nil {
		health = a.health.Status()
	}
	a.outbox.Set(Metric{Lifecycle: a.lifecycle, Health: health, Traffic: a.traffic})
}
