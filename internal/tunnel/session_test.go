package tunnel

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestDialAuthFailure(t *testing.T) {
	srv := newFakeSSHServer(t, "correct-horse", nil)
	host, port := srv.hostPort()

	_, err := Dial(context.Background(), SessionConfig{
		Host: host, Port: port, User: "tester",
		Auth: Auth{Kind: AuthPassword, Password: "wrong"},
	})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("Dial with wrong password: got %v, want ErrAuth", err)
	}
	if !strings.Contains(err.Error(), "auth") {
		t.Errorf("error message should mention authentication: %v", err)
	}
}

func TestDialSuccessAndClose(t *testing.T) {
	srv := newFakeSSHServer(t, "s3cret", nil)
	host, port := srv.hostPort()

	session, err := Dial(context.Background(), SessionConfig{
		Host: host, Port: port, User: "tester",
		Auth: Auth{Kind: AuthPassword, Password: "s3cret"},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if session.IsClosed() {
		t.Error("freshly dialed session should not report closed")
	}

	session.Close()

	deadline := time.After(2 * time.Second)
	for !session.IsClosed() {
		select {
		case <-deadline:
			t.Fatal("session did not report closed after Close()")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDialResolutionError(t *testing.T) {
	_, err := Dial(context.Background(), SessionConfig{
		Host: "this-host-does-not-resolve.invalid",
		Port: 22,
		User: "tester",
		Auth: Auth{Kind: AuthPassword, Password: "x"},
	})
	if !errors.Is(err, ErrResolution) {
		t.Fatalf("got %v, want ErrResolution", err)
	}
}

func TestExecSuccessAndNonZeroExit(t *testing.T) {
	srv := newFakeSSHServer(t, "", func(command string) (string, string, int) {
		if command == "echo hi" {
			return "hi\n", "", 0
		}
		return "", "boom", 3
	})
	host, port := srv.hostPort()

	session, err := Dial(context.Background(), SessionConfig{Host: host, Port: port, User: "u", Auth: Auth{Kind: AuthPassword, Password: "x"}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer session.Close()

	out, err := session.Exec(context.Background(), "echo hi", false, time.Second)
	if err != nil || out != "hi\n" {
		t.Fatalf("Exec(echo hi) = (%q, %v)", out, err)
	}

	_, err = session.Exec(context.Background(), "false", false, time.Second)
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecError, got %v", err)
	}
	if execErr.ExitCode != 3 || execErr.Stderr != "boom" {
		t.Errorf("ExecError = %+v", execErr)
	}
}

func TestExecElevationPrefixesSudo(t *testing.T) {
	var seen string
	srv := newFakeSSHServer(t, "", func(command string) (string, string, int) {
		seen = command
		return "", "", 0
	})
	host, port := srv.hostPort()

	session, err := Dial(context.Background(), SessionConfig{Host: host, Port: port, User: "u", Auth: Auth{Kind: AuthPassword, Password: "x"}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer session.Close()

	if _, err := session.Exec(context.Background(), "whoami", true, time.Second); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if seen != "sudo -n whoami" {
		t.Errorf("command sent to remote = %q, want %q", seen, "sudo -n whoami")
	}
}

func TestPingSucceeds(t *testing.T) {
	srv := newFakeSSHServer(t, "", nil)
	host, port := srv.hostPort()

	session, err := Dial(context.Background(), SessionConfig{Host: host, Port: port, User: "u", Auth: Auth{Kind: AuthPassword, Password: "x"}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := session.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestOpenForwardBridgesBytes(t *testing.T) {
	echoPort, cleanup := startEchoServer(t)
	defer cleanup()

	srv := newFakeSSHServer(t, "", nil)
	host, port := srv.hostPort()

	session, err := Dial(context.Background(), SessionConfig{Host: host, Port: port, User: "u", Auth: Auth{Kind: AuthPassword, Password: "x"}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer session.Close()

	conn, err := session.OpenForward("127.0.0.1", echoPort)
	if err != nil {
		t.Fatalf("OpenForward: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echoed %q, want %q", buf, "ping")
	}
}

func TestOpenForwardUnreachableTarget(t *testing.T) {
	srv := newFakeSSHServer(t, "", nil)
	host, port := srv.hostPort()

	session, err := Dial(context.Background(), SessionConfig{Host: host, Port: port, User: "u", Auth: Auth{Kind: AuthPassword, Password: "x"}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer session.Close()

	unreachablePort := freeLocalPort(t)
	if _, err := session.OpenForward("127.0.0.1", unreachablePort); err == nil {
		t.Error("expected an error dialing an unreachable target")
	}
}

