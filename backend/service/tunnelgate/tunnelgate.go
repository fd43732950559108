// Package tunnelgate is the collaborator layer around internal/tunnel:
// it persists tunnel definitions to disk, resolves passwords through
// the OS keyring, and exposes the small inbound command API the UI
// calls (list/upsert/delete/start/stop/status), plus the periodic
// tray-status event.
package tunnelgate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"devtools/internal/tunnel"

	"github.com/google/uuid"
	"github.com/wailsapp/wails/v2/pkg/runtime"
	"github.com/zalando/go-keyring"
)

const keyringService = "DevTools-SSH-Gate"

const (
	trayStatusInterval  = 5 * time.Second
	reconnectPollPeriod = 10 * time.Second
	savedEventDebounce  = 200 * time.Millisecond
)

// PersistedTunnel is the on-disk shape of a tunnel definition. It never
// carries a plaintext password — that lives in the OS keyring, keyed by
// ID, exactly as sshmanager.go stores host passwords.
type PersistedTunnel struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Mode tunnel.Mode `json:"mode"`

	SSHHost string        `json:"sshHost"`
	SSHPort int           `json:"sshPort"`
	SSHUser string        `json:"sshUser"`
	Auth    PersistedAuth `json:"auth"`

	LocalPort int `json:"localPort"`

	TargetHost string `json:"targetHost,omitempty"`
	TargetPort int    `json:"targetPort,omitempty"`

	ContainerName string `json:"containerName,omitempty"`
	ContainerPort int    `json:"containerPort,omitempty"`

	// AutoReconnect is a user preference, not a core concept (spec's
	// "Retries: none at the core" — the collaborator re-issues Start).
	AutoReconnect bool `json:"autoReconnect"`
}

// PersistedAuth mirrors tunnel.Auth minus the secret itself.
type PersistedAuth struct {
	Kind    tunnel.AuthKind `json:"kind"`
	KeyPath string          `json:"keyPath,omitempty"`
}

type tunnelsFile struct {
	Tunnels []PersistedTunnel `json:"tunnels"`
}

// TunnelStatusResponse is the only view of a tunnel the UI ever sees
// (spec §6); state is the LifecycleState rendered to a string, folding
// the Error message in rather than exposing the typed taxonomy.
type TunnelStatusResponse struct {
	IsRunning bool    `json:"isRunning"`
	PingMs    *uint64 `json:"pingMs,omitempty"`
	State     string  `json:"state"`
	SendBytes uint64  `json:"sendBytes"`
	RecvBytes uint64  `json:"recvBytes"`
}

// TrayStatus is the periodic "tray-status" event payload.
type TrayStatus struct {
	ActiveCount      int `json:"activeCount"`
	UnavailableCount int `json:"unavailableCount"`
	ErrorCount       int `json:"errorCount"`
}

// Service owns the tunnel registry, its persisted configuration, and
// the background tray-status/auto-reconnect tickers.
type Service struct {
	ctx     context.Context
	manager *tunnel.TunnelManager

	hostKeyPolicy  tunnel.HostKeyPolicy
	knownHostsPath string

	configPath string
	records    map[string]PersistedTunnel
	mu         sync.RWMutex

	eventDebouncer *time.Timer
	eventMu        sync.Mutex

	stopTickers context.CancelFunc
}

// NewService constructs a Service with no persisted state loaded yet;
// call Startup to load the config file and start background tickers.
func NewService(hostKeyPolicy tunnel.HostKeyPolicy, knownHostsPath string) *Service {
	return &Service{
		manager:        tunnel.NewTunnelManager(hostKeyPolicy, knownHostsPath),
		hostKeyPolicy:  hostKeyPolicy,
		knownHostsPath: knownHostsPath,
		records:        make(map[string]PersistedTunnel),
	}
}

// Startup loads tunnels.json and starts the tray-status and
// auto-reconnect background loops, scoped to ctx.
func (s *Service) Startup(ctx context.Context) error {
	s.ctx = ctx

	if err := s.load(); err != nil {
		log.Printf("Warning: could not load tunnel configurations: %v", err)
	}

	tickerCtx, cancel := context.WithCancel(ctx)
	s.stopTickers = cancel
	go s.runTrayStatusLoop(tickerCtx)
	go s.runAutoReconnectLoop(tickerCtx)

	return nil
}

// Shutdown stops the background tickers. The tunnel manager's actors
// are left running; the caller's own ctx cancellation tears those down.
func (s *Service) Shutdown() {
	if s.stopTickers != nil {
		s.stopTickers()
	}
}

func (s *Service) configFilePath() (string, error) {
	if s.configPath != "" {
		return s.configPath, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	appConfigDir := filepath.Join(configDir, "DevTools")
	if err := os.MkdirAll(appConfigDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create app config directory: %w", err)
	}
	s.configPath = filepath.Join(appConfigDir, "tunnels.json")
	return s.configPath, nil
}

func (s *Service) load() error {
	path, err := s.configFilePath()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Println("Tunnels config file not found, will create a new one on save.")
			return nil
		}
		return fmt.Errorf("failed to read tunnels config file: %w", err)
	}

	var file tunnelsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to unmarshal tunnels config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range file.Tunnels {
		s.records[rec.ID] = rec
	}
	log.Printf("Successfully loaded %d saved tunnel configurations.", len(s.records))
	return nil
}

// save must be called with s.mu held (or while building a fresh
// records map no other goroutine can observe yet).
func (s *Service) save() error {
	path, err := s.configFilePath()
	if err != nil {
		return err
	}

	file := tunnelsFile{Tunnels: make([]PersistedTunnel, 0, len(s.records))}
	for _, rec := range s.records {
		file.Tunnels = append(file.Tunnels, rec)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tunnels config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write tunnels config file: %w", err)
	}

	s.debounceSavedTunnelsChangeEvent()
	return nil
}

func (s *Service) debounceSavedTunnelsChangeEvent() {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	if s.eventDebouncer != nil {
		s.eventDebouncer.Stop()
	}
	s.eventDebouncer = time.AfterFunc(savedEventDebounce, func() {
		runtime.EventsEmit(s.ctx, "saved_tunnels_changed")
	})
}

// ListTunnels returns every saved tunnel definition (spec §6 "list").
func (s *Service) ListTunnels() ([]PersistedTunnel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PersistedTunnel, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

// UpsertTunnel creates or updates a tunnel definition (spec §6
// "upsert"). A non-empty password is stored in the keyring under the
// tunnel's ID; an empty password leaves any existing keyring entry
// untouched so editing other fields doesn't require re-entering it.
func (s *Service) UpsertTunnel(rec PersistedTunnel, password string) (PersistedTunnel, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	def := rec.toDefinition(password)
	if err := def.Validate(); err != nil {
		return PersistedTunnel{}, err
	}

	if rec.Auth.Kind == tunnel.AuthPassword && password != "" {
		if err := keyring.Set(keyringService, rec.ID, password); err != nil {
			log.Printf("Warning: failed to save password for tunnel %s: %v", rec.ID, err)
		}
	}

	s.mu.Lock()
	s.records[rec.ID] = rec
	err := s.save()
	s.mu.Unlock()

	return rec, err
}

// DeleteTunnel stops any running tunnel and removes its definition and
// keyring secret (spec §6 "delete").
func (s *Service) DeleteTunnel(id string) error {
	s.mu.Lock()
	_, ok := s.records[id]
	delete(s.records, id)
	err := s.save()
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("tunnel %s not found", id)
	}

	if removeErr := s.manager.Remove(id); removeErr != nil && removeErr != tunnel.ErrNotFound {
		log.Printf("Warning: failed to remove active tunnel %s: %v", id, removeErr)
	}
	if _, keyErr := keyring.Get(keyringService, id); keyErr == nil {
		if delErr := keyring.Delete(keyringService, id); delErr != nil {
			log.Printf("Warning: failed to delete password for tunnel %s: %v", id, delErr)
		}
	}
	return err
}

// StartTunnel resolves the stored password (if any), registers the
// tunnel with the manager if this is the first Start, and delivers
// CmdStart (spec §6 "start").
func (s *Service) StartTunnel(id string) error {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tunnel %s not found", id)
	}

	password := ""
	if rec.Auth.Kind == tunnel.AuthPassword {
		if stored, err := keyring.Get(keyringService, id); err == nil {
			password = stored
		}
	}

	if err := s.manager.Add(s.ctx, rec.toDefinition(password)); err != nil {
		return err
	}
	return s.manager.Start(id)
}

// StopTunnel delivers CmdStop (spec §6 "stop").
func (s *Service) StopTunnel(id string) error {
	return s.manager.Stop(id)
}

// TunnelStatus maps the core Metric for id into the IPC-safe wire
// shape the UI consumes (spec §6 "status").
func (s *Service) TunnelStatus(id string) TunnelStatusResponse {
	metric := s.manager.Metric(id)

	resp := TunnelStatusResponse{
		IsRunning: metric.Lifecycle.Kind == tunnel.Running,
		State:     metric.Lifecycle.String(),
		SendBytes: metric.Traffic.SendBytes,
		RecvBytes: metric.Traffic.RecvBytes,
	}
	if metric.Health.Kind == tunnel.Healthy {
		ms := uint64(metric.Health.Latency.Milliseconds())
		resp.PingMs = &ms
	}
	return resp
}

// ListContainers opens a short-lived SSH session against the tunnel's
// configured host and lists running Docker containers, for the UI's
// container picker (spec §4.7, "out of scope" core-adjacent feature).
func (s *Service) ListContainers(id, keyword string) ([]tunnel.ContainerInfo, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tunnel %s not found", id)
	}

	password := ""
	if rec.Auth.Kind == tunnel.AuthPassword {
		if stored, err := keyring.Get(keyringService, id); err == nil {
			password = stored
		}
	}

	session, err := tunnel.Dial(s.ctx, tunnel.SessionConfig{
		Host:           rec.SSHHost,
		Port:           rec.SSHPort,
		User:           rec.SSHUser,
		Auth:           rec.toDefinition(password).Auth,
		HostKeyPolicy:  s.hostKeyPolicy,
		KnownHostsPath: s.knownHostsPath,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to list containers: %w", err)
	}
	defer session.Close()

	return tunnel.ListContainers(s.ctx, session, keyword)
}

func (rec PersistedTunnel) toDefinition(password string) tunnel.Definition {
	return tunnel.Definition{
		ID:      rec.ID,
		Mode:    rec.Mode,
		SSHHost: rec.SSHHost,
		SSHPort: rec.SSHPort,
		SSHUser: rec.SSHUser,
		Auth: tunnel.Auth{
			Kind:     rec.Auth.Kind,
			Password: password,
			KeyPath:  rec.Auth.KeyPath,
		},
		LocalPort:     rec.LocalPort,
		TargetHost:    rec.TargetHost,
		TargetPort:    rec.TargetPort,
		ContainerName: rec.ContainerName,
		ContainerPort: rec.ContainerPort,
	}
}

// runTrayStatusLoop emits "tray-status" every 5s while at least one
// tunnel is registered, iterating the manager's metrics_all() snapshot
// (spec §6).
func (s *Service) runTrayStatusLoop(ctx context.Context) {
	ticker := time.NewTicker(trayStatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			n := len(s.records)
			s.mu.RUnlock()
			if n == 0 {
				continue
			}

			var status TrayStatus
			for _, metric := range s.manager.MetricsAll() {
				switch metric.Lifecycle.Kind {
				case tunnel.Running:
					status.ActiveCount++
				case tunnel.Error:
					status.ErrorCount++
				default:
					status.UnavailableCount++
				}
			}
			runtime.EventsEmit(s.ctx, "tray-status", status)
		}
	}
}

// runAutoReconnectLoop re-issues Start for any tunnel whose preference
// opts into it and whose lifecycle has landed in Error — the core only
// guarantees Start is safe to repeat after Error (spec §7 "Retries:
// none at the core... if enabled, the collaborator re-issues Start").
func (s *Service) runAutoReconnectLoop(ctx context.Context) {
	ticker := time.NewTicker(reconnectPollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			candidates := make([]string, 0)
			for id, rec := range s.records {
				if rec.AutoReconnect {
					candidates = append(candidates, id)
				}
			}
			s.mu.RUnlock()

			for _, id := range candidates {
				if s.manager.Metric(id).Lifecycle.Kind == tunnel.Error {
					log.Printf("Auto-reconnect: restarting tunnel %s after error", id)
					if err := s.StartTunnel(id); err != nil {
						log.Printf("Auto-reconnect: failed to restart tunnel %s: %v", id, err)
					}
				}
			}
		}
	}
}
