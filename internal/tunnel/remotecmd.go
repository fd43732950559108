package tunnel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
)

const containerListTimeout = 10 * time.Second

// ListContainers runs the container listing command over session and
// returns the parsed rows, optionally filtered by keyword. Used by the
// collaborator layer's container picker (spec §4.7).
func ListContainers(ctx context.Context, session *SshSession, keyword string) ([]ContainerInfo, error) {
	return ExecCommand(ctx, session, containerListCommand{keyword: keyword}, containerListTimeout)
}

// RemoteCommand is a value that knows how to render itself to a POSIX
// shell string and how to parse the command's stdout into a typed
// result (spec §4.7). All user-supplied substrings going into the
// rendered string are shell-escaped, so callers never hand-build
// command lines themselves.
type RemoteCommand[T any] interface {
	Render() string
	Elevate() bool
	Parse(stdout string) (T, error)
}

// containerIPCommand resolves a container's IP address via `docker
// inspect`, the command issued by TunnelActor.handleStart in container
// mode (spec §4.5).
type containerIPCommand struct {
	containerName string
}

func (c containerIPCommand) Render() string {
	return fmt.Sprintf(
		`docker inspect -f '{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}' %s`,
		shellescape.Quote(c.containerName),
	)
}

func (c containerIPCommand) Elevate() bool { return true }

func (c containerIPCommand) Parse(stdout string) (string, error) {
	ip := strings.TrimSpace(stdout)
	if ip == "" {
		return "", fmt.Errorf("Container IP not found")
	}
	return ip, nil
}

// ContainerInfo is a single row from a `docker ps` listing. Used by
// the collaborator UI's container picker, not by the core forwarding
// path, but it shares the same RemoteCommand abstraction and escaping
// discipline as containerIPCommand (spec §4.7).
type ContainerInfo struct {
	ID     string
	Image  string
	Name   string
	Ports  []string
	Status string
}

// containerListCommand lists running containers, optionally filtered
// by a keyword substring.
type containerListCommand struct {
	keyword string
}

func (c containerListCommand) Render() string {
	base := `docker ps --format '{{.ID}}|{{.Image}}|{{.Names}}|{{.Ports}}|{{.Status}}'`
	if c.keyword == "" {
		return base
	}
	return base + " | grep " + shellescape.Quote(c.keyword)
}

func (c containerListCommand) Elevate() bool { return true }

func (c containerListCommand) Parse(stdout string) ([]ContainerInfo, error) {
	var out []ContainerInfo
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 5 {
			continue
		}
		var ports []string
		for _, p := range strings.Split(parts[3], ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				ports = append(ports, p)
			}
		}
		out = append(out, ContainerInfo{
			ID:     parts[0],
			Image:  parts[1],
			Name:   parts[2],
			Ports:  ports,
			Status: parts[4],
		})
	}
	return out, nil
}
