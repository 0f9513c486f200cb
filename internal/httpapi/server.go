// Package httpapi serves the REST control plane. It is a stateless
// dispatcher over the engine: every handler validates input, calls one
// core operation and renders the {success, message?, data?} envelope.
// The WebSocket upgrade on /ws is delegated to the broker.
package httpapi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lxbio/linkbandd/internal/ble"
	"github.com/lxbio/linkbandd/internal/monitoring"
	"github.com/lxbio/linkbandd/internal/recorder"
	"github.com/lxbio/linkbandd/internal/storage"
	"github.com/lxbio/linkbandd/internal/wsbroker"
)

// handlerTimeout bounds every handler except scan and prepare-export.
const handlerTimeout = 5 * time.Second

// Core is the engine surface the control plane dispatches to.
type Core interface {
	Scan(ctx context.Context, duration time.Duration) ([]ble.Advertisement, error)
	Connect(ctx context.Context, address string) error
	Disconnect() error
	LinkStatus() ble.Status

	RegisterDevice(ctx context.Context, name, address string) error
	Devices(ctx context.Context) ([]storage.Device, error)

	StartStream() error
	StopStream() error

	StartRecording(ctx context.Context, name, format, exportPath string) (recorder.StartInfo, error)
	StopRecording(ctx context.Context) (recorder.Summary, error)
	RecordingStatus() recorder.Status

	Sessions(ctx context.Context) ([]storage.SessionRecord, error)
	Session(ctx context.Context, name string) (storage.SessionRecord, error)
	SessionFiles(ctx context.Context, name string) ([]recorder.FileInfo, error)
	PrepareExport(ctx context.Context, name string) (string, error)
	ExportsDir() string

	Metrics() monitoring.Snapshot
	Uptime() float64
	ClientStats() wsbroker.Stats
}

// Server is the HTTP listener pair: the main control plane plus an
// optional legacy WebSocket-only listener.
type Server struct {
	logger  zerolog.Logger
	core    Core
	ws      http.Handler
	version string

	srv    *http.Server
	legacy *http.Server
}

// New builds the server. ws handles the /ws upgrade; legacyAddr empty
// disables the second listener.
func New(logger zerolog.Logger, core Core, ws http.Handler, addr, legacyAddr, version string) *Server {
	s := &Server{
		logger:  logger.With().Str("component", "httpapi").Logger(),
		core:    core,
		ws:      ws,
		version: version,
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.accessLog(s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if legacyAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", ws)
		mux.Handle("/{$}", ws) // legacy clients connect on the root path
		s.legacy = &http.Server{
			Addr:              legacyAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s
}

// routes assembles the pinned endpoint surface.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.timed(s.handleRoot))
	mux.HandleFunc("GET /health", s.timed(s.handleHealth))
	mux.HandleFunc("GET /metrics/{$}", s.timed(s.handleMetrics))
	mux.Handle("GET /metrics/prometheus", promhttp.Handler())

	mux.HandleFunc("GET /device/scan", s.handleScan) // own deadline
	mux.HandleFunc("GET /device/list", s.timed(s.handleDeviceList))
	mux.HandleFunc("POST /device/register_device", s.timed(s.handleRegisterDevice))
	mux.HandleFunc("POST /device/connect", s.timed(s.handleConnect))
	mux.HandleFunc("POST /device/disconnect", s.timed(s.handleDisconnect))
	mux.HandleFunc("GET /device/status", s.timed(s.handleDeviceStatus))
	mux.HandleFunc("GET /device/battery", s.timed(s.handleBattery))

	mux.HandleFunc("POST /stream/init", s.timed(s.handleStreamInit))
	mux.HandleFunc("POST /stream/start", s.timed(s.handleStreamStart))
	mux.HandleFunc("POST /stream/stop", s.timed(s.handleStreamStop))
	mux.HandleFunc("GET /stream/status", s.timed(s.handleStreamStatus))
	mux.HandleFunc("GET /stream/auto-status", s.timed(s.handleAutoStatus))

	mux.HandleFunc("POST /data/start-recording", s.timed(s.handleStartRecording))
	mux.HandleFunc("POST /data/stop-recording", s.timed(s.handleStopRecording))
	mux.HandleFunc("GET /data/recording-status", s.timed(s.handleRecordingStatus))
	mux.HandleFunc("GET /data/sessions", s.timed(s.handleSessions))
	mux.HandleFunc("GET /data/sessions/{name}", s.timed(s.handleSession))
	mux.HandleFunc("GET /data/sessions/{name}/files", s.timed(s.handleSessionFiles))
	mux.HandleFunc("POST /data/sessions/{name}/prepare-export", s.handlePrepareExport) // own deadline
	mux.HandleFunc("GET /exports/{file}", s.handleExportDownload)

	mux.Handle("/ws", s.ws)

	return mux
}

// timed applies the standard handler deadline.
func (s *Server) timed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
		defer cancel()
		h(w, r.WithContext(ctx))
	}
}

// accessLog traces every request at debug level.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.hijacked = true
	return hj.Hijack()
}

// Start binds the listeners. A bind failure is fatal and reported
// synchronously; serve errors after that only log.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server stopped unexpectedly")
		}
	}()
	s.logger.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")

	if s.legacy != nil {
		lln, err := net.Listen("tcp", s.legacy.Addr)
		if err != nil {
			_ = s.srv.Close()
			return err
		}
		go func() {
			if err := s.legacy.Serve(lln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("Legacy WebSocket listener stopped unexpectedly")
			}
		}()
		s.logger.Info().Str("addr", s.legacy.Addr).Msg("Legacy WebSocket listener up")
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var first error
	if s.legacy != nil {
		if err := s.legacy.Shutdown(ctx); err != nil {
			first = err
		}
	}
	if err := s.srv.Shutdown(ctx); err != nil && first == nil {
		first = err
	}
	s.logger.Info().Msg("HTTP server stopped")
	return first
}
