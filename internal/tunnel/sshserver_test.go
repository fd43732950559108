package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	gossh "golang.org/x/crypto/ssh"
)

// execHandler answers one exec request's command string with stdout,
// stderr, and an exit code, mirroring what a real remote shell would
// produce for that command.
type execHandler func(command string) (stdout, stderr string, exitCode int)

// fakeSSHServer is a minimal in-process SSH server exercising exactly
// the surface SshSession depends on: password authentication,
// "exec" session channels, "direct-tcpip" channels, and the
// "keepalive@openssh.com" global request used by Ping. Grounded on
// sshtunnel/integration_test.go's startTestSSHServer/serveSSHConn.
type fakeSSHServer struct {
	addr     string
	listener net.Listener

	wantPassword  string // empty means any password (or none) is accepted
	onExec        execHandler
	hangKeepalive bool // when true, never replies to keepalive@openssh.com

	mu      sync.Mutex
	dropped bool
	conns   []net.Conn
}

func newFakeSSHServer(t *testing.T, wantPassword string, onExec execHandler) *fakeSSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("create signer: %v", err)
	}

	cfg := &gossh.ServerConfig{
		PasswordCallback: func(conn gossh.ConnMetadata, password []byte) (*gossh.Permissions, error) {
			if wantPassword != "" && string(password) != wantPassword {
				return nil, fmt.Errorf("wrong password")
			}
			return nil, nil
		},
	}
	cfg.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &fakeSSHServer{
		addr:         listener.Addr().String(),
		listener:     listener,
		wantPassword: wantPassword,
		onExec:       onExec,
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.serveConn(conn, cfg)
		}
	}()

	t.Cleanup(func() { listener.Close() })
	return s
}

// hostPort returns the host and numeric port the fake server is
// listening on, for use as SessionConfig.Host/Port.
func (s *fakeSSHServer) hostPort() (string, int) {
	host, portStr, _ := net.SplitHostPort(s.addr)
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

// drop forcibly closes the listener and every live connection accepted
// so far, simulating the remote end disappearing mid-session (spec S5).
func (s *fakeSSHServer) drop() {
	s.mu.Lock()
	s.dropped = true
	conns := append([]net.Conn(nil), s.conns...)
	s.mu.Unlock()
	s.listener.Close()
	for _, c := range conns {
		c.Close()
	}
}

func (s *fakeSSHServer) serveConn(netConn net.Conn, cfg *gossh.ServerConfig) {
	s.mu.Lock()
	s.conns = append(s.conns, netConn)
	s.mu.Unlock()

	srvConn, chans, reqs, err := gossh.NewServerConn(netConn, cfg)
	if err != nil {
		netConn.Close()
		return
	}
	defer srvConn.Close()

	go func() {
		for req := range reqs {
			if s.hangKeepalive && req.Type == "keepalive@openssh.com" {
				continue // deliberately never reply, to simulate a stalled peer
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			go s.serveSession(newChan)
		case "direct-tcpip":
			go s.serveDirectTCPIP(newChan)
		default:
			newChan.Reject(gossh.UnknownChannelType, "unsupported channel type")
		}
	}
}

func (s *fakeSSHServer) serveSession(newChan gossh.NewChannel) {
	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			gossh.Unmarshal(req.Payload, &payload)
			if req.WantReply {
				req.Reply(true, nil)
			}

			stdout, stderr, exitCode := "", "", 0
			if s.onExec != nil {
				stdout, stderr, exitCode = s.onExec(payload.Command)
			}
			io.WriteString(ch, stdout)
			io.WriteString(ch.Stderr(), stderr)

			var status struct{ Status uint32 }
			status.Status = uint32(exitCode)
			ch.SendRequest("exit-status", false, gossh.Marshal(&status))
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *fakeSSHServer) serveDirectTCPIP(newChan gossh.NewChannel) {
	var data struct {
		DestHost   string
		DestPort   uint32
		OriginHost string
		OriginPort uint32
	}
	if err := gossh.Unmarshal(newChan.ExtraData(), &data); err != nil {
		newChan.Reject(gossh.ConnectionFailed, "invalid payload")
		return
	}

	dest, err := net.Dial("tcp", fmt.Sprintf("%s:%d", data.DestHost, data.DestPort))
	if err != nil {
		newChan.Reject(gossh.ConnectionFailed, err.Error())
		return
	}
	defer dest.Close()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go gossh.DiscardRequests(reqs)

	done := make(chan struct{}, 2)
	go func() { io.Copy(ch, dest); done <- struct{}{} }()
	go func() { io.Copy(dest, ch); done <- struct{}{} }()
	<-done
}

// startEchoServer starts a TCP server that echoes back everything it
// reads, standing in for the "fake remote echoes" target in spec S1.
func startEchoServer(t *testing.T) (port int, cleanup func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return l.Addr().(*net.TCPAddr).Port, func() { l.Close() }
}

// freeLocalPort reserves an ephemeral loopback port and releases it
// immediately, for tests that need a local_port before a listener binds.
func freeLocalPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}
