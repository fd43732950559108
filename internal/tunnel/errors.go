package tunnel

import (
	"errors"
	"strconv"
)

// Typed error taxonomy (spec §7). Internal propagation is
// machine-checkable via errors.Is/errors.As; only the
// TunnelStatusResponse boundary degrades to a free-form string.
var (
	ErrConfig             = errors.New("config error")
	ErrResolution         = errors.New("resolution error")
	ErrAuth               = errors.New("auth error")
	ErrBind               = errors.New("bind error")
	ErrChannelOpenTimeout = errors.New("direct-tcpip channel open timed out")
	ErrExec               = errors.New("remote exec error")
	ErrPingTimeout        = errors.New("ping timed out")
	ErrSessionDropped     = errors.New("ssh session dropped")
	ErrNotFound           = errors.New("tunnel not found")
	ErrActorDead          = errors.New("tunnel actor is not accepting commands")
)

// ExecError carries the remote command's stderr, per spec §7.
type ExecError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	return "remote command exited " + strconv.Itoa(e.ExitCode) + ": " + e.Command + ": " + e.Stderr
}

func (e *ExecError) Unwrap() error { return ErrExec }
