// Package monitor serves the debug web surface: JSON snapshots of the
// trackers, devices and main loop, a websocket relay of state-change events,
// filter charts and the settings database console.
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	"tailscale.com/tsweb"

	"github.com/banshee-data/posebridge/internal/app"
	"github.com/banshee-data/posebridge/internal/db"
	"github.com/banshee-data/posebridge/internal/device"
	"github.com/banshee-data/posebridge/internal/httputil"
	"github.com/banshee-data/posebridge/internal/loop"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/serialmux"
	"github.com/banshee-data/posebridge/internal/tracking"
	"github.com/banshee-data/posebridge/internal/version"
)

// StatsSource reports main loop counters.
type StatsSource interface {
	Stats() loop.Stats
}

// WebServerConfig contains configuration options for the web server
type WebServerConfig struct {
	Address    string
	App        *app.Context
	Loop       StatsSource
	DB         *db.DB
	Serial     serialmux.SerialMuxInterface
	Recorder   *FilterRecorder
	Calibrator *Calibrator // exposes calibration sessions when set
}

// WebServer serves the debug surface. Every route except /health is mounted
// under /debug/ and is reachable only over loopback or the tailnet.
type WebServer struct {
	address    string
	app        *app.Context
	loop       StatsSource
	db         *db.DB
	serial     serialmux.SerialMuxInterface
	recorder   *FilterRecorder
	calibrator *Calibrator
	server     *http.Server
	started    time.Time

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// NewWebServer creates a new web server with the provided configuration
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:    config.Address,
		app:        config.App,
		loop:       config.Loop,
		db:         config.DB,
		serial:     config.Serial,
		recorder:   config.Recorder,
		calibrator: config.Calibrator,
		started:    time.Now(),
		clients:    make(map[*websocket.Conn]bool),
	}
	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.setupRoutes(),
	}
	return ws
}

// Handler returns the routed handler.
func (ws *WebServer) Handler() http.Handler { return ws.server.Handler }

// Start serves until ctx is cancelled, relaying app events to websocket
// clients in the meantime.
func (ws *WebServer) Start(ctx context.Context) error {
	events, unsubscribe := ws.app.Subscribe(64)
	defer unsubscribe()
	go ws.relay(ctx, events)

	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("[monitor] serving debug surface on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("debug server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("[monitor] shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("[monitor] force close error: %v", err)
		}
	}
	ws.closeClients()
	return nil
}

// Close shuts down the web server
func (ws *WebServer) Close() error {
	ws.closeClients()
	return ws.server.Close()
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ws.handleHealth)

	debug := tsweb.Debugger(mux)
	debug.KV("version", version.Version)
	debug.KV("git sha", version.GitSHA)
	debug.KV("built", version.BuildTime)
	debug.HandleFunc("trackers", "tracker poses (JSON)", ws.handleTrackers)
	debug.HandleFunc("devices", "tracking devices (JSON)", ws.handleDevices)
	debug.HandleFunc("loop", "main loop counters (JSON)", ws.handleLoop)
	debug.HandleSilentFunc("events", ws.handleEvents)
	if ws.recorder != nil {
		debug.HandleFunc("chart", "raw vs filtered position of the recorded tracker", ws.handleFilterChart)
		debug.HandleSilentFunc("chart/samples", ws.handleFilterSamples)
	}
	if ws.calibrator != nil {
		debug.HandleFunc("calibration", "calibration session status (JSON)", ws.handleCalibrationStatus)
		debug.HandleSilentFunc("calibration/start", ws.handleCalibrationStart)
		debug.HandleSilentFunc("calibration/cancel", ws.handleCalibrationCancel)
	}

	if ws.db != nil {
		if err := ws.db.AttachAdminRoutes(mux); err != nil {
			monitoring.Logf("[monitor] settings console unavailable: %v", err)
		}
	}
	if ws.serial != nil {
		ws.serial.AttachAdminRoutes(mux)
	}
	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]interface{}{
		"status":    "ok",
		"service":   "posebridge",
		"version":   version.Version,
		"uptime":    time.Since(ws.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// TrackerView is the debug view of one tracker.
type TrackerView struct {
	Role              tracking.TrackerRole `json:"role"`
	Serial            string               `json:"serial"`
	Active            bool                 `json:"active"`
	Overridden        bool                 `json:"overridden"`
	OverrideGUID      string               `json:"override_guid,omitempty"`
	PositionFilter    string               `json:"position_filter"`
	OrientationFilter string               `json:"orientation_filter"`
	Position          r3.Vec               `json:"position"`
	Orientation       quat.Number          `json:"orientation"`
	Filtered          r3.Vec               `json:"filtered_position"`
}

func (ws *WebServer) handleTrackers(w http.ResponseWriter, r *http.Request) {
	var out struct {
		Frozen   bool          `json:"frozen"`
		Flip     bool          `json:"flip_enabled"`
		Trackers []TrackerView `json:"trackers"`
	}
	ws.app.View(func(s *app.Settings) {
		out.Frozen = s.Frozen
		out.Flip = s.FlipEnabled
		for _, t := range s.Trackers {
			out.Trackers = append(out.Trackers, TrackerView{
				Role:              t.Role,
				Serial:            t.Serial,
				Active:            t.Active,
				Overridden:        t.IsOverridden(),
				OverrideGUID:      t.OverrideGUID,
				PositionFilter:    string(t.PositionFilter),
				OrientationFilter: string(t.OrientationFilter),
				Position:          t.Position,
				Orientation:       t.Orientation,
				Filtered:          t.FilteredPosition(t.PositionFilter),
			})
		}
	})
	httputil.WriteJSONOK(w, out)
}

func (ws *WebServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	entries := ws.app.Registry().Snapshot()
	if entries == nil {
		entries = []device.Entry{}
	}
	httputil.WriteJSONOK(w, entries)
}

func (ws *WebServer) handleLoop(w http.ResponseWriter, r *http.Request) {
	if ws.loop == nil {
		httputil.ServiceUnavailable(w, "main loop not running")
		return
	}
	httputil.WriteJSONOK(w, ws.loop.Stats())
}

// handleEvents upgrades to a websocket and registers the client for event
// broadcasts. Messages from the client are read and discarded.
func (ws *WebServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.mu.Lock()
	ws.clients[conn] = true
	ws.mu.Unlock()

	go func() {
		defer ws.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Clients returns the number of connected websocket clients.
func (ws *WebServer) Clients() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.clients)
}

func (ws *WebServer) relay(ctx context.Context, events <-chan app.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			ws.Broadcast(ev)
		case <-ctx.Done():
			return
		}
	}
}

// Broadcast sends ev to every websocket client. Clients that fail the write
// are dropped.
func (ws *WebServer) Broadcast(ev app.Event) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for c := range ws.clients {
		_ = c.SetWriteDeadline(time.Now().Add(time.Second))
		if err := c.WriteJSON(ev); err != nil {
			delete(ws.clients, c)
			_ = c.Close()
		}
	}
}

func (ws *WebServer) drop(conn *websocket.Conn) {
	ws.mu.Lock()
	_, ok := ws.clients[conn]
	delete(ws.clients, conn)
	ws.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.Close(); err != nil {
		monitoring.Logf("[monitor] warning: failed to close websocket: %v", err)
	}
}

func (ws *WebServer) closeClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for c := range ws.clients {
		_ = c.Close()
		delete(ws.clients, c)
	}
}
