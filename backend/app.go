package backend

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/wailsapp/wails/v2/pkg/menu"
	"github.com/wailsapp/wails/v2/pkg/menu/keys"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"devtools/backend/service/tunnelgate"
	"devtools/internal/tunnel"
)

// App struct
type App struct {
	ctx        context.Context
	tunnelgate *tunnelgate.Service
	isQuitting bool
	isDebug    bool
	isMacOS    bool
}

// NewApp creates a new App application struct
func NewApp(isDebug, isMacOS bool) *App {
	return &App{
		isDebug: isDebug,
		isMacOS: isMacOS,
		// Trust-on-connect is the default per spec; known_hosts is the
		// opt-in production policy (see DESIGN.md Open Question).
		tunnelgate: tunnelgate.NewService(tunnel.PolicyTrustOnConnect, ""),
	}
}

func (a *App) Ctx() context.Context {
	return a.ctx
}

func (a *App) IsDebug() bool {
	return a.isDebug
}

func (a *App) IsQuitting() bool {
	return a.isQuitting
}

// Startup is called when the app starts.
func (a *App) Startup(ctx context.Context) {
	a.ctx = ctx
	a.isQuitting = false

	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatalf("could not determine user config directory: %v", err)
	}

	logDir := filepath.Join(userConfigDir, "DevTools")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		log.Printf("warning: failed to create log directory: %v", err)
	} else {
		logFilePath := filepath.Join(logDir, "app.log")
		logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o660)
		if err != nil {
			log.Printf("warning: failed to open log file: %v", err)
		} else {
			fmt.Printf("run mode: debug=%t, log file: %s\n", a.isDebug, logFilePath)
			if a.isDebug {
				mw := io.MultiWriter(os.Stderr, logFile)
				log.SetOutput(mw)
			} else {
				log.SetOutput(logFile)
			}
		}
	}
	log.Println("-------------------- App Starting --------------------")

	if err := a.tunnelgate.Startup(ctx); err != nil {
		log.Printf("warning: tunnelgate startup: %v", err)
	}
}

// Shutdown is called when the app terminates.
func (a *App) Shutdown(ctx context.Context) {
	log.Println("app shutdown")
	a.tunnelgate.Shutdown()
}

// OnBeforeClose is called when the user attempts to close the window.
func (a *App) OnBeforeClose(ctx context.Context) (prevent bool) {
	if !a.isMacOS {
		return false
	}
	if a.isQuitting {
		return false
	}
	runtime.EventsEmit(ctx, "app:request-quit")
	return true
}

func (a *App) Menu(appMenu *menu.Menu) {
	fileMenu := appMenu.AddSubmenu("File")
	if a.isMacOS {
		fileMenu.AddText("Quit DevTools", keys.CmdOrCtrl("q"), func(_ *menu.CallbackData) {
			runtime.Quit(a.ctx)
		})
	} else {
		fileMenu.AddText("Exit", keys.OptionOrAlt("f4"), func(_ *menu.CallbackData) {
			runtime.Quit(a.ctx)
		})
	}

	viewMenu := appMenu.AddSubmenu("View")

	var zoomInAccelerator, zoomOutAccelerator, resetZoomAccelerator *keys.Accelerator
	var zoomInLabel, zoomOutLabel, resetZoomLabel string

	if a.isMacOS {
		zoomInAccelerator = keys.CmdOrCtrl("+")
		zoomOutAccelerator = keys.CmdOrCtrl("-")
		resetZoomAccelerator = keys.CmdOrCtrl("0")
		zoomInLabel = "Zoom In"
		zoomOutLabel = "Zoom Out"
		resetZoomLabel = "Actual Size"
	} else {
		zoomInAccelerator = keys.CmdOrCtrl("]")
		zoomOutAccelerator = keys.CmdOrCtrl("[")
		resetZoomAccelerator = keys.CmdOrCtrl("0")
		zoomInLabel = "Zoom In\tCtrl+]"
		zoomOutLabel = "Zoom Out\tCtrl+["
		resetZoomLabel = "Actual Size\tCtrl+0"
	}

	viewMenu.AddText(zoomOutLabel, zoomOutAccelerator, func(_ *menu.CallbackData) {
		runtime.EventsEmit(a.ctx, "zoom_change", "small")
	})
	viewMenu.AddText(zoomInLabel, zoomInAccelerator, func(_ *menu.CallbackData) {
		runtime.EventsEmit(a.ctx, "zoom_change", "large")
	})
	viewMenu.AddText(resetZoomLabel, resetZoomAccelerator, func(_ *menu.CallbackData) {
		runtime.EventsEmit(a.ctx, "zoom_change", "default")
	})
}

// --- Dialogs ---

func (a *App) SelectFile(title string) (string, error) {
	return runtime.OpenFileDialog(a.ctx, runtime.OpenDialogOptions{Title: title})
}

func (a *App) SelectDirectory(title string) (string, error) {
	return runtime.OpenDirectoryDialog(a.ctx, runtime.OpenDialogOptions{
		Title:                title,
		CanCreateDirectories: true,
	})
}

func (a *App) ShowInfoDialog(title string, message string) {
	runtime.MessageDialog(a.ctx, runtime.MessageDialogOptions{
		Type:    runtime.InfoDialog,
		Title:   title,
		Message: message,
	})
}

func (a *App) ShowErrorDialog(title string, message string) {
	runtime.MessageDialog(a.ctx, runtime.MessageDialogOptions{
		Type:    runtime.ErrorDialog,
		Title:   title,
		Message: message,
	})
}

func (a *App) ShowConfirmDialog(title string, message string) (string, error) {
	return runtime.MessageDialog(a.ctx, runtime.MessageDialogOptions{
		Type:          runtime.QuestionDialog,
		Title:         title,
		Message:       message,
		Buttons:       []string{"Yes", "No"},
		DefaultButton: "No",
		CancelButton:  "No",
	})
}

// ForceQuit forces the application to exit, bypassing the macOS
// request-quit handshake in OnBeforeClose.
func (a *App) ForceQuit() {
	log.Println("ForceQuit called from frontend.")
	a.isQuitting = true
	runtime.Quit(a.ctx)
}

// --- Tunnel management (bound methods for the frontend) ---

// ListTunnels returns every saved tunnel definition.
func (a *App) ListTunnels() ([]tunnelgate.PersistedTunnel, error) {
	return a.tunnelgate.ListTunnels()
}

// UpsertTunnel creates or updates a tunnel definition. Password is
// only used for AuthPassword tunnels and is never echoed back.
func (a *App) UpsertTunnel(def tunnelgate.PersistedTunnel, password string) (tunnelgate.PersistedTunnel, error) {
	return a.tunnelgate.UpsertTunnel(def, password)
}

// DeleteTunnel removes a tunnel definition, stopping it first if running.
func (a *App) DeleteTunnel(id string) error {
	return a.tunnelgate.DeleteTunnel(id)
}

// StartTunnel begins forwarding for the named tunnel.
func (a *App) StartTunnel(id string) error {
	return a.tunnelgate.StartTunnel(id)
}

// StopTunnel halts forwarding for the named tunnel.
func (a *App) StopTunnel(id string) error {
	return a.tunnelgate.StopTunnel(id)
}

// TunnelStatus returns the current status snapshot for the named tunnel.
func (a *App) TunnelStatus(id string) tunnelgate.TunnelStatusResponse {
	return a.tunnelgate.TunnelStatus(id)
}

// ListContainers lists running Docker containers visible from the
// tunnel's SSH host, for the container-mode picker.
func (a *App) ListContainers(id string, keyword string) ([]tunnel.ContainerInfo, error) {
	return a.tunnelgate.ListContainers(id, keyword)
}

// LogFromFrontend accepts a structured log line from the renderer.
func (a *App) LogFromFrontend(level, message string) {
	log.Printf("[FRONTEND] [%s] [%s] %s", time.Now().Format("15:04:05"), level, message)
}
