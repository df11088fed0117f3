// Package api serves the read-only status surface: REST endpoints for
// per-device reports, a prometheus scrape endpoint, and a websocket
// stream pushing report frames on an interval.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shizukutanaka/kasegi/internal/device"
)

// Reporter supplies the per-device status view.
type Reporter interface {
	Reports() []device.Report
}

// Config tunes the HTTP surface.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	// PushInterval is the websocket frame cadence
	PushInterval time.Duration `mapstructure:"push_interval"`
}

// Server is the status HTTP server.
type Server struct {
	logger   *zap.Logger
	cfg      Config
	reporter Reporter
	gatherer prometheus.Gatherer
	router   *mux.Router
	srv      *http.Server
	upgrader websocket.Upgrader
	started  time.Time
}

// NewServer builds the server and its routes.
func NewServer(logger *zap.Logger, cfg Config, reporter Reporter, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		logger:   logger,
		cfg:      cfg,
		reporter: reporter,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		started: time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/devices", s.handleDevices).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/devices/{index}", s.handleDevice).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.HandleFunc("/ws", s.handleWS)
	s.router = r

	return s
}

// Start begins serving. Non-blocking.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	s.srv = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		s.logger.Info("Status API listening", zap.String("addr", s.cfg.Listen))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Status API server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// statusResponse is the fleet-level summary.
type statusResponse struct {
	Devices       int    `json:"devices"`
	Healthy       int    `json:"healthy"`
	TotalHashrate string `json:"total_hashrate"`
	TotalValue    string `json:"total_net_value_per_day"`
	Uptime        string `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reports := s.reporter.Reports()

	var (
		healthy  int
		hashrate float64
		total    decimal.Decimal
	)
	for _, rep := range reports {
		if rep.Health == device.HealthHealthy {
			healthy++
		}
		hashrate += rep.Hashrate
		if rep.NetValuePerDay != "" {
			if v, err := decimal.NewFromString(rep.NetValuePerDay); err == nil {
				total = total.Add(v)
			}
		}
	}

	s.writeJSON(w, http.StatusOK, statusResponse{
		Devices:       len(reports),
		Healthy:       healthy,
		TotalHashrate: humanize.SIWithDigits(hashrate, 2, "H/s"),
		TotalValue:    total.StringFixed(4),
		Uptime:        time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.reporter.Reports())
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "index must be an integer")
		return
	}

	for _, rep := range s.reporter.Reports() {
		if rep.Index == index {
			s.writeJSON(w, http.StatusOK, rep)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "no such device")
}

// handleWS streams report frames until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close handshakes are processed
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := s.cfg.PushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	if err := conn.WriteJSON(s.reporter.Reports()); err != nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteJSON(s.reporter.Reports()); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
