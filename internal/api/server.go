// Package api provides the REST endpoints over live detections, history,
// aliases and registry lookups.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mesh_mapper/internal/detection"
	"mesh_mapper/internal/export"
	"mesh_mapper/internal/logging"
	"mesh_mapper/internal/registry"
	"mesh_mapper/internal/source"
)

// Config holds configuration for the API server.
type Config struct {
	Port        int
	AuthEnabled bool
	APIKeys     []string // List of valid API keys.
}

// Detections is the read side of the detection store.
type Detections interface {
	Snapshot() map[string]detection.Record
	History(offset, limit int) []detection.HistoryEntry
	HistoryLen() int
	Paths() []detection.Path
	Reactivate(aircraftID string) (detection.Record, bool)
}

// Ingester applies one record through the pipeline.
type Ingester interface {
	Handle(ctx context.Context, rec detection.Record) (detection.Record, error)
}

// AliasBook stores display names for aircraft.
type AliasBook interface {
	Get(aircraftID string) (string, bool)
	All() map[string]string
	Set(ctx context.Context, aircraftID, alias string) error
	Clear(ctx context.Context, aircraftID string) (bool, error)
}

// Registry answers on-demand registry queries.
type Registry interface {
	Refresh(ctx context.Context, aircraftID, remoteID string) (registry.Result, error)
}

// RelayStatus describes the outbound relay.
type RelayStatus struct {
	Enabled bool   `json:"enabled"`
	State   string `json:"state"`
	Target  string `json:"target,omitempty"`
}

// Deps are the components served by the API. Nil components disable their
// routes with 503.
type Deps struct {
	Detections  Detections
	Ingester    Ingester
	Aliases     AliasBook
	Registry    Registry
	Feeds       func() []source.Status
	Relay       func() RelayStatus
	Metrics     http.Handler
	SerialPorts func() ([]string, error)
}

// Server serves the REST API.
type Server struct {
	deps        Deps
	port        int
	authEnabled bool
	apiKeys     map[string]bool
	logger      *slog.Logger
}

// NewServer creates a new API server.
func NewServer(deps Deps, cfg Config, logger *slog.Logger) *Server {
	keys := make(map[string]bool)
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = true
		}
	}

	return &Server{
		deps:        deps,
		port:        cfg.Port,
		authEnabled: cfg.AuthEnabled,
		apiKeys:     keys,
		logger:      logging.OrDiscard(logger).With("component", "api"),
	}
}

// Router returns the configured chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/api/v1/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.authEnabled {
			r.Use(s.authMiddleware)
		}

		if s.deps.Metrics != nil {
			r.Handle("/metrics", s.deps.Metrics)
		}

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/detections", s.handleDetections)
			r.Post("/detections", s.handleIngest)
			r.Get("/detections/history", s.handleHistory)
			r.Get("/paths", s.handlePaths)
			r.Get("/export/kml", s.handleExportKML)
			r.Get("/export/csv", s.handleExportCSV)
			r.Post("/reactivate/{id}", s.handleReactivate)

			r.Get("/aliases", s.handleAliases)
			r.Post("/aliases", s.handleSetAlias)
			r.Delete("/aliases/{id}", s.handleClearAlias)

			r.Post("/registry/query", s.handleRegistryQuery)

			r.Get("/feeds", s.handleFeeds)
			r.Get("/relay", s.handleRelay)
			r.Get("/ports", s.handlePorts)
		})
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("api listening", "addr", srv.Addr, "auth", s.authEnabled)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates API key authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")

		if apiKey == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}

		if !s.apiKeys[apiKey] {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	if s.deps.Detections == nil {
		writeUnavailable(w)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Detections.Snapshot())
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingester == nil {
		writeUnavailable(w)
		return
	}

	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	frame, err := source.ParseFrame(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid detection: "+err.Error())
		return
	}
	if frame.Heartbeat != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if frame.ID() == "" {
		writeError(w, http.StatusBadRequest, "aircraft_id or mac is required")
		return
	}

	rec, err := s.deps.Ingester.Handle(r.Context(), frame.Record("http"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Feature is one GeoJSON feature.
type Feature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

// Geometry is a GeoJSON point in lon, lat, alt order.
type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// FeatureCollection is a GeoJSON feature collection.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
	Total    int       `json:"total"`
}

func historyFeature(e detection.HistoryEntry) Feature {
	rec := e.Record
	props := map[string]any{
		"id":          e.ID,
		"seq":         e.Seq,
		"aircraft_id": rec.AircraftID,
		"last_update": rec.LastUpdate.UTC().Format(time.RFC3339Nano),
	}
	if rec.RemoteID != "" {
		props["remote_id"] = rec.RemoteID
	}
	if rec.SignalStrength != nil {
		props["signal_strength"] = *rec.SignalStrength
	}
	if rec.Pilot.Valid() {
		props["pilot_lat"] = rec.Pilot.Lat
		props["pilot_long"] = rec.Pilot.Lon
	}
	if rec.Source != "" {
		props["source"] = rec.Source
	}
	return Feature{
		Type: "Feature",
		Geometry: Geometry{
			Type:        "Point",
			Coordinates: []float64{rec.Drone.Lon, rec.Drone.Lat, rec.Drone.Alt},
		},
		Properties: props,
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Detections == nil {
		writeUnavailable(w)
		return
	}

	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fc := FeatureCollection{
		Type:     "FeatureCollection",
		Features: []Feature{},
		Total:    s.deps.Detections.HistoryLen(),
	}
	for _, e := range s.deps.Detections.History(offset, limit) {
		if !e.Record.HasFix() {
			continue
		}
		fc.Features = append(fc.Features, historyFeature(e))
	}
	writeJSON(w, http.StatusOK, fc)
}

func (s *Server) handlePaths(w http.ResponseWriter, r *http.Request) {
	if s.deps.Detections == nil {
		writeUnavailable(w)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Detections.Paths())
}

func (s *Server) handleExportKML(w http.ResponseWriter, r *http.Request) {
	if s.deps.Detections == nil {
		writeUnavailable(w)
		return
	}
	snap := s.deps.Detections.Snapshot()
	records := make([]detection.Record, 0, len(snap))
	for _, rec := range snap {
		records = append(records, rec)
	}
	var names export.Names
	if s.deps.Aliases != nil {
		names = s.deps.Aliases
	}

	w.Header().Set("Content-Type", "application/vnd.google-earth.kml+xml")
	w.Header().Set("Content-Disposition", `attachment; filename="detections.kml"`)
	if err := export.WriteKML(w, export.BuildKML(records, names, time.Now())); err != nil {
		s.logger.Error("write kml export", "error", err)
	}
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	if s.deps.Detections == nil {
		writeUnavailable(w)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="detections.csv"`)
	if err := export.WriteHistoryCSV(w, s.deps.Detections.History(0, 0)); err != nil {
		s.logger.Error("write csv export", "error", err)
	}
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Detections == nil {
		writeUnavailable(w)
		return
	}
	id := chi.URLParam(r, "id")
	rec, ok := s.deps.Detections.Reactivate(id)
	if !ok {
		writeError(w, http.StatusNotFound, "No detection found for "+id)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAliases(w http.ResponseWriter, r *http.Request) {
	if s.deps.Aliases == nil {
		writeUnavailable(w)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Aliases.All())
}

// AliasRequest is the body of an alias update.
type AliasRequest struct {
	ID    string `json:"id"`
	Alias string `json:"alias"`
}

func (s *Server) handleSetAlias(w http.ResponseWriter, r *http.Request) {
	if s.deps.Aliases == nil {
		writeUnavailable(w)
		return
	}

	var req AliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	req.Alias = strings.TrimSpace(req.Alias)
	if req.ID == "" || req.Alias == "" {
		writeError(w, http.StatusBadRequest, "id and alias are required")
		return
	}

	if err := s.deps.Aliases.Set(r.Context(), req.ID, req.Alias); err != nil {
		s.logger.Error("save alias", "aircraft_id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClearAlias(w http.ResponseWriter, r *http.Request) {
	if s.deps.Aliases == nil {
		writeUnavailable(w)
		return
	}

	id := chi.URLParam(r, "id")
	existed, err := s.deps.Aliases.Clear(r.Context(), id)
	if err != nil {
		s.logger.Error("clear alias", "aircraft_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "No alias for "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RegistryQuery is the body of an on-demand registry lookup.
type RegistryQuery struct {
	AircraftID string `json:"aircraft_id"`
	RemoteID   string `json:"remote_id"`
}

func (s *Server) handleRegistryQuery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeUnavailable(w)
		return
	}

	var q RegistryQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	res, err := s.deps.Registry.Refresh(r.Context(), q.AircraftID, q.RemoteID)
	switch {
	case errors.Is(err, registry.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrNoRegistryData):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	feeds := []source.Status{}
	if s.deps.Feeds != nil {
		feeds = append(feeds, s.deps.Feeds()...)
	}
	writeJSON(w, http.StatusOK, feeds)
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	status := RelayStatus{State: "disabled"}
	if s.deps.Relay != nil {
		status = s.deps.Relay()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if s.deps.SerialPorts == nil {
		writeUnavailable(w)
		return
	}
	ports, err := s.deps.SerialPorts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ports == nil {
		ports = []string{}
	}
	writeJSON(w, http.StatusOK, ports)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}

// Helper functions.

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeUnavailable(w http.ResponseWriter) {
	writeError(w, http.StatusServiceUnavailable, "Not configured")
}
