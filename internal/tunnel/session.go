package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/skeema/knownhosts"
	"golang.org/x/crypto/ssh"
)

const (
	dialTimeout        = 10 * time.Second
	forwardOpenTimeout = 10 * time.Second
)

// HostKeyPolicy controls how SshSession verifies the remote host's
// public key. Spec §9 leaves this pluggable; PolicyTrustOnConnect is
// the default the source used, PolicyKnownHosts is the production
// upgrade path, grounded on sshmanager.go's CaptureHostKey/
// AddHostKeyToKnownHosts pair.
type HostKeyPolicy int

const (
	PolicyTrustOnConnect HostKeyPolicy = iota
	PolicyKnownHosts
)

// SessionConfig carries everything SshSession needs to dial and
// authenticate, resolved from a Definition by the caller (TunnelActor).
type SessionConfig struct {
	Host string
	Port int
	User string
	Auth Auth

	HostKeyPolicy HostKeyPolicy
	KnownHostsPath string // used when HostKeyPolicy == PolicyKnownHosts
}

// SshSession owns one authenticated SSH connection. It exposes short
// remote command execution, a direct-TCP-IP channel factory for
// forwarded connections, and a keepalive ping probe (spec §4.1).
type SshSession struct {
	client *ssh.Client
	closed atomic.Bool
	doneCh chan struct{} // closed once client.Wait() returns
	waitErr error
}

// Dial resolves host:port, opens the TCP connection, performs the SSH
// handshake, and authenticates per cfg.Auth. It never returns a
// session unless authentication succeeded.
func Dial(ctx context.Context, cfg SessionConfig) (*SshSession, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	if _, err := net.DefaultResolver.LookupHost(ctx, cfg.Host); err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %v", ErrResolution, cfg.Host, err)
	}

	authMethods, err := buildAuthMethods(cfg.Auth)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := buildHostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	clientConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrResolution, addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	s := &SshSession{
		client: client,
		doneCh: make(chan struct{}),
	}
	go s.monitor()
	return s, nil
}

// monitor waits for the underlying connection to close for any reason
// and marks the session closed, mirroring tunnel_manager.go's
// monitorSSHConnection but without any tunnel-specific cleanup — that
// lives in HealthMonitor/TunnelActor, which poll IsClosed.
func (s *SshSession) monitor() {
	s.waitErr = s.client.Wait()
	s.closed.Store(true)
	close(s.doneCh)
}

// IsClosed reports whether the underlying connection has been torn
// down, by any cause.
func (s *SshSession) IsClosed() bool {
	return s.closed.Load()
}

// Close tears down the SSH connection. Safe to call multiple times.
func (s *SshSession) Close() error {
	return s.client.Close()
}

// Ping sends a protocol-level keepalive request and waits for the ack,
// the same "keepalive@openssh.com" no-op request keepalive.go uses.
func (s *SshSession) Ping(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
		errc <- err
	}()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPingTimeout, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrPingTimeout, ctx.Err())
	}
}

// Exec runs command in a fresh session channel, optionally prefixed
// with `sudo -n `, and returns stdout decoded lossily as UTF-8. A
// non-zero exit is an *ExecError carrying stderr; exceeding timeout
// closes the channel and returns ErrExec wrapping a timeout.
func (s *SshSession) Exec(ctx context.Context, command string, elevate bool, timeout time.Duration) (string, error) {
	if elevate {
		command = "sudo -n " + command
	}

	session, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: opening session: %v", ErrExec, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return "", fmt.Errorf("%w: starting %q: %v", ErrExec, command, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case err := <-done:
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				return "", &ExecError{Command: command, ExitCode: exitErr.ExitStatus(), Stderr: stderr.String()}
			}
			return "", fmt.Errorf("%w: %q: %v", ErrExec, command, err)
		}
		return strings.ToValidUTF8(stdout.String(), "�"), nil
	case <-ctx.Done():
		session.Close()
		return "", fmt.Errorf("%w: %q exceeded %s", ErrExec, command, timeout)
	}
}

// OpenForward opens a direct-tcpip channel to (remoteHost, remotePort)
// with originator 0.0.0.0:0, bounded by forwardOpenTimeout (spec §4.1).
func (s *SshSession) OpenForward(remoteHost string, remotePort int) (net.Conn, error) {
	addr := net.JoinHostPort(remoteHost, strconv.Itoa(remotePort))

	type result struct {
		conn net.Conn
		err  error
	}
	resc := make(chan result, 1)
	go func() {
		conn, err := s.client.Dial("tcp", addr)
		resc <- result{conn, err}
	}()

	select {
	case r := <-resc:
		if r.err != nil {
			return nil, fmt.Errorf("opening direct-tcpip to %s: %w", addr, r.err)
		}
		return r.conn, nil
	case <-time.After(forwardOpenTimeout):
		return nil, fmt.Errorf("%w: %s", ErrChannelOpenTimeout, addr)
	}
}

// ExecCommand runs cmd's rendered shell string through session.Exec
// and parses its stdout, tying RemoteCommand to a live SshSession.
func ExecCommand[T any](ctx context.Context, s *SshSession, cmd RemoteCommand[T], timeout time.Duration) (T, error) {
	var zero T
	out, err := s.Exec(ctx, cmd.Render(), cmd.Elevate(), timeout)
	if err != nil {
		return zero, err
	}
	return cmd.Parse(out)
}

// buildAuthMethods returns the single authentication method for the
// Auth variant: password authentication with auth.Password, which must
// be non-empty (this function does not consult the OS keyring; callers
// such as tunnelgate resolve the stored secret before Dial), or
// public-key authentication from the private key file for the Key
// variant. Passphrase-protected keys are
// not supported in this revision (spec §9 open question) and are
// reported as ErrConfig rather than silently skipped.
func buildAuthMethods(auth Auth) ([]ssh.AuthMethod, error) {
	switch auth.Kind {
	case AuthPassword:
		password := auth.Password
		if password == "" {
			return nil, fmt.Errorf("%w: password auth requires a non-empty password", ErrConfig)
		}
		return []ssh.AuthMethod{ssh.Password(password)}, nil
	case AuthKey:
		if auth.KeyPath == "" {
			return nil, fmt.Errorf("%w: key auth requires a key path", ErrConfig)
		}
		keyPath := expandHome(auth.KeyPath)
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: reading key %s: %v", ErrConfig, keyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			if isPassphraseErr(err) {
				return nil, fmt.Errorf("%w: key %s is passphrase-protected, which is not supported", ErrConfig, keyPath)
			}
			return nil, fmt.Errorf("%w: parsing key %s: %v", ErrConfig, keyPath, err)
		}
		// ssh.PublicKeys negotiates rsa-sha2-256/512 automatically when
		// the signer implements ssh.AlgorithmSigner and the server
		// advertises "server-sig-algs", matching spec §4.1 step 4.
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown auth kind %q", ErrConfig, auth.Kind)
	}
}

func isPassphraseErr(err error) bool {
	return strings.Contains(err.Error(), "passphrase")
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// buildHostKeyCallback implements the pluggable policy of spec §9: by
// default, trust the server's host key unconditionally on first
// connect (PolicyTrustOnConnect); in PolicyKnownHosts mode, verify
// against (and append new entries to) a known_hosts file the way
// sshmanager.go's CaptureHostKey/AddHostKeyToKnownHosts pair does.
func buildHostKeyCallback(cfg SessionConfig) (ssh.HostKeyCallback, error) {
	switch cfg.HostKeyPolicy {
	case PolicyKnownHosts:
		if cfg.KnownHostsPath == "" {
			return nil, fmt.Errorf("%w: known_hosts mode requires a known_hosts path", ErrConfig)
		}
		khPath := expandHome(cfg.KnownHostsPath)
		if _, err := os.Stat(khPath); os.IsNotExist(err) {
			if f, ferr := os.OpenFile(khPath, os.O_CREATE|os.O_WRONLY, 0o600); ferr == nil {
				f.Close()
			}
		}
		kh, err := knownhosts.New(khPath)
		if err != nil {
			return nil, fmt.Errorf("could not load known_hosts %s: %w", khPath, err)
		}
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			err := kh.HostKeyCallback()(hostname, remote, key)
			if err == nil {
				return nil
			}
			if !knownhosts.IsHostKeyChanged(err) && knownhosts.IsHostUnknown(err) {
				return appendKnownHost(khPath, remote, key)
			}
			return err
		}, nil
	default:
		return ssh.InsecureIgnoreHostKey(), nil
	}
}

// appendKnownHost records a newly-seen host key, exactly as
// sshmanager.go's AddHostKeyToKnownHosts does with knownhosts.Line.
func appendKnownHost(khPath string, remote net.Addr, key ssh.PublicKey) error {
	f, err := os.OpenFile(khPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening known_hosts for append: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{remote.String()}, key)
	if stat, err := f.Stat(); err == nil && stat.Size() > 0 {
		line = "\n" + line
	}
	_, err = f.WriteString(line)
	return err
}
