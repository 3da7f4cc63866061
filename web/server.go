// Package web exposes the HTTP boundary: JSON endpoints for the
// frontend, a websocket feed of live samples, and transport metrics.
package web

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/reflow-station/ovenctl/device"
	"github.com/reflow-station/ovenctl/profile"
	"github.com/reflow-station/ovenctl/v3pro"
)

// Registry is the slice of the device registry the handlers use.
type Registry interface {
	Devices() []*device.Device
	Selected() *device.Device
	Select(id string) error
	ClientFor(id string) *v3pro.Client
}

// Server wires the device registry and the profile store to HTTP.
type Server struct {
	registry Registry
	profiles *profile.Store
	logger   zerolog.Logger

	mux      *http.ServeMux
	srv      *http.Server
	upgrader websocket.Upgrader

	// done is closed on Shutdown so hijacked websocket connections do
	// not outlive the server.
	done     chan struct{}
	shutdown sync.Once

	// wsInterval paces the websocket sample feed.
	wsInterval time.Duration
}

// ack is the uniform response body for mutating endpoints.
type ack struct {
	Received bool    `json:"received"`
	Error    *string `json:"error"`
}

// NewServer builds the server but does not start listening.
func NewServer(addr string, reg Registry, profiles *profile.Store, logger zerolog.Logger) *Server {
	s := &Server{
		registry:   reg,
		profiles:   profiles,
		logger:     logger.With().Str("component", "web").Logger(),
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
		wsInterval: time.Second,
	}
	s.routes()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /reflow_data", s.handleReflowData)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /devices", s.handleDevices)
	s.mux.HandleFunc("GET /profiles", s.handleProfiles)
	s.mux.HandleFunc("GET /profile_data", s.handleProfileData)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /ws", s.handleWebsocket)

	s.mux.HandleFunc("POST /update_device", s.handleUpdateDevice)
	s.mux.HandleFunc("POST /select_profile", s.handleSelectProfile)
	s.mux.HandleFunc("POST /add_profile", s.handleAddProfile)
	s.mux.HandleFunc("POST /update_profile", s.handleUpdateProfile)
	s.mux.HandleFunc("POST /delete_profile", s.handleDeleteProfile)
	s.mux.HandleFunc("POST /start", s.handleStart)
	s.mux.HandleFunc("POST /stop", s.handleStop)
}

// Handler exposes the mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and ends the websocket feeds,
// which Shutdown alone would leave running on their hijacked
// connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() { close(s.done) })
	return s.srv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("writing response failed")
	}
}

func (s *Server) writeAck(w http.ResponseWriter, err error) {
	if err != nil {
		msg := err.Error()
		s.writeJSON(w, http.StatusBadRequest, ack{Received: false, Error: &msg})
		return
	}
	s.writeJSON(w, http.StatusOK, ack{Received: true})
}

// decodeJSON enforces a JSON content type, mirroring the frontend
// contract: anything else is answered with 415 and a received=false ack.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		msg := "Content-Type not supported"
		s.writeJSON(w, http.StatusUnsupportedMediaType, ack{Received: false, Error: &msg})
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		msg := "malformed request body"
		s.writeJSON(w, http.StatusBadRequest, ack{Received: false, Error: &msg})
		return false
	}
	return true
}

// reflowData is one live reading of the selected device against the
// selected profile.
type reflowData struct {
	SensorTemp float64 `json:"sensor_temp"`
	TargetTemp float64 `json:"target_temp"`
	Time       float64 `json:"time"`
	TempUnit   string  `json:"temp_unit"`
	TimeUnit   string  `json:"time_unit"`
}

func (s *Server) currentReading() reflowData {
	dev := s.registry.Selected()
	runtime := dev.Runtime()
	return reflowData{
		SensorTemp: dev.Temperature(),
		TargetTemp: s.profiles.Selected().TargetTemperature(runtime),
		Time:       runtime,
		TempUnit:   "°C",
		TimeUnit:   "s",
	}
}

func (s *Server) handleReflowData(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.currentReading())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	dev := s.registry.Selected()
	s.writeJSON(w, http.StatusOK, map[string]bool{
		"running": dev.Running(),
		"run_out": dev.RunOut(),
		"faulted": dev.Faulted(),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.registry.Devices()
	out := make([]device.Snapshot, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Snapshot())
	}
	s.writeJSON(w, http.StatusOK, out)
}

type profileEntry struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Data     []profile.Point `json:"data"`
	Selected bool            `json:"selected"`
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	selected := s.profiles.SelectedID()
	list := s.profiles.List()
	out := make([]profileEntry, 0, len(list))
	for _, p := range list {
		out = append(out, profileEntry{
			ID:       p.ID,
			Name:     p.Name,
			Data:     p.Points(),
			Selected: p.ID == selected,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleProfileData returns the selected profile's interpolated target
// curve alongside the samples measured during the current run.
func (s *Server) handleProfileData(w http.ResponseWriter, r *http.Request) {
	dev := s.registry.Selected()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"target":   s.profiles.Selected().Curve(1),
		"measured": dev.Samples(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	client := s.registry.ClientFor(s.registry.Selected().ID())
	if client == nil {
		http.Error(w, "selected device has no transport metrics", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, client.Metrics().Snapshot())
}

type idRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.registry.Select(req.ID); err != nil {
		s.writeAck(w, err)
		return
	}
	dev := s.registry.Selected()
	dev.UpdateProfile(s.profiles.Selected())
	if err := dev.SetProfileOnDevice(); err != nil {
		s.logger.Warn().Err(err).Str("device", dev.ID()).Msg("pushing profile to device failed")
	}
	s.writeAck(w, nil)
}

func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.profiles.Select(req.ID); err != nil {
		s.writeAck(w, err)
		return
	}
	dev := s.registry.Selected()
	dev.UpdateProfile(s.profiles.Selected())
	if err := dev.SetProfileOnDevice(); err != nil {
		s.logger.Warn().Err(err).Str("device", dev.ID()).Msg("pushing profile to device failed")
	}
	dev.Reset()
	s.writeAck(w, nil)
}

type profileRequest struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Data []profile.Point `json:"data"`
}

func (s *Server) handleAddProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	_, err := s.profiles.Add(req.ID, req.Name, req.Data)
	s.writeAck(w, err)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.profiles.Update(req.ID, req.Name, req.Data); err != nil {
		s.writeAck(w, err)
		return
	}
	// an edit of the selected profile has to reach the device too
	if req.ID == s.profiles.SelectedID() {
		dev := s.registry.Selected()
		dev.UpdateProfile(s.profiles.Selected())
		if err := dev.SetProfileOnDevice(); err != nil {
			s.logger.Warn().Err(err).Str("device", dev.ID()).Msg("pushing profile to device failed")
		}
	}
	s.writeAck(w, nil)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	s.writeAck(w, s.profiles.Delete(req.ID))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct{}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	s.writeAck(w, s.registry.Selected().Start())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req struct{}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	s.registry.Selected().Stop()
	s.writeAck(w, nil)
}

// handleWebsocket pushes a live reading once per interval until the
// client goes away.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// drain control frames so pings and the close handshake are handled
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.wsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(s.currentReading()); err != nil {
				return
			}
		}
	}
}
