package tunnel

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// forwardTarget is the (host, port) pair a ForwardListener dials
// through the SSH session for every accepted connection. In container
// mode this is resolved just-in-time (spec §4.5) and handed in by the
// TunnelActor before the listener starts accepting.
type forwardTarget struct {
	host string
	port int
}

// trafficReport is published at most once per second per connection
// and once more at connection end (spec §4.3/§5).
type trafficReport struct {
	sendDelta uint64
	recvDelta uint64
}

// ForwardListener binds 127.0.0.1:localPort and, for each accepted
// connection, opens a remote direct-tcpip channel through session and
// bidirectionally copies data while updating traffic counters (spec
// §4.3). Grounded on sshtunnel/tunnel_manager.go's runTunnel/
// forwardLocalConnection/proxyData, generalized from a raw ssh.Client
// to the SshSession wrapper and from single cumulative counters to
// periodic delta reporting.
type ForwardListener struct {
	session *SshSession
	target  forwardTarget
	reports chan<- trafficReport

	listener net.Listener
	wg       sync.WaitGroup
}

// Bind opens the local listener. Failure (port in use, permission
// denied) is returned immediately so the caller can transition
// Starting -> Error without spawning the accept loop (spec §4.3).
func Bind(localPort int) (net.Listener, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", localPort)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: binding %s: %v", ErrBind, addr, err)
	}
	return l, nil
}

// NewForwardListener wraps an already-bound listener.
func NewForwardListener(listener net.Listener, session *SshSession, target forwardTarget, reports chan<- trafficReport) *ForwardListener {
	return &ForwardListener{listener: listener, session: session, target: target, reports: reports}
}

// Serve accepts connections until ctx is cancelled or the listener
// errors, spawning one goroutine per accepted connection. It returns
// once the listener is closed and every per-connection goroutine has
// finished (spec §5: "the actor waits for all tasks to finish").
func (fl *ForwardListener) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		fl.listener.Close()
	}()

	for {
		conn, err := fl.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				log.Printf("forward listener: accept error: %v", err)
			}
			break
		}
		fl.wg.Add(1)
		safeGo(func() { fl.handleConnection(ctx, conn) })
	}
	fl.wg.Wait()
}

func (fl *ForwardListener) handleConnection(ctx context.Context, clientConn net.Conn) {
	defer fl.wg.Done()
	defer clientConn.Close()

	remoteConn, err := fl.session.OpenForward(fl.target.host, fl.target.port)
	if err != nil {
		// Per-connection failures are not fatal to the tunnel (spec §7).
		log.Printf("forward listener: dial %s:%d failed: %v", fl.target.host, fl.target.port, err)
		return
	}
	defer remoteConn.Close()

	var send, recv atomic.Uint64
	done := make(chan struct{})
	go fl.reportDeltas(ctx, &send, &recv, done)
	defer close(done)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(remoteConn, countReader(clientConn, &send))
		if c, ok := remoteConn.(interface{ CloseWrite() error }); ok {
			c.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(clientConn, countReader(remoteConn, &recv))
		if c, ok := clientConn.(interface{ CloseWrite() error }); ok {
			c.CloseWrite()
		}
	}()
	wg.Wait()
}

// reportDeltas publishes incremental byte deltas at most once per
// second, plus a final delta when done closes, so the sum of all
// reported deltas always equals the total bytes moved (spec §5
// invariant, §8 property 3).
func (fl *ForwardListener) reportDeltas(ctx context.Context, send, recv *atomic.Uint64, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastSend, lastRecv uint64
	publish := func() {
		s, r := send.Load(), recv.Load()
		if s == lastSend && r == lastRecv {
			return
		}
		report := trafficReport{sendDelta: s - lastSend, recvDelta: r - lastRecv}
		lastSend, lastRecv = s, r
		select {
		case fl.reports <- report:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ticker.C:
			publish()
		case <-done:
			publish()
			return
		case <-ctx.Done():
			publish()
			return
		}
	}
}
