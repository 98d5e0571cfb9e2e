// Package api provides the HTTP API for observing and steering the swarm.
// GET endpoints are public (read-only observation).
// POST and DELETE endpoints require a bearer token (operator control plane).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/talgya/drone-swarm/internal/contour"
	"github.com/talgya/drone-swarm/internal/engine"
	"github.com/talgya/drone-swarm/internal/geom"
	"github.com/talgya/drone-swarm/internal/persistence"
	"github.com/talgya/drone-swarm/internal/swarm"
	"github.com/talgya/drone-swarm/internal/telemetry"
)

const (
	// DefaultPickDistance is how far from a pointer a drone may be and still be grabbed.
	DefaultPickDistance = 10.0

	maxBodyBytes  = 4 << 20
	maxSpeedBytes = 1 << 10
	maxHistory    = 600
	maxRuns       = 100
)

// Server serves the swarm over HTTP.
type Server struct {
	Sim        *engine.Simulation
	Eng        *engine.Engine
	DB         *persistence.DB // nil = contours and stored history unavailable
	Port       int
	AdminKey   string // Bearer token for POST and DELETE. Empty = both disabled.
	MaxStreams int

	// Limits contour uploads per client IP; nil = unlimited.
	ContourLimiter *RateLimiter

	Started time.Time

	streams *hub
	http    *http.Server
}

// Handler builds the routed handler. Start calls it; tests may use it directly.
func (s *Server) Handler() http.Handler {
	if s.streams == nil {
		s.streams = newHub()
	}
	if s.Started.IsZero() {
		s.Started = time.Now()
	}

	contourHandler := s.handleContour
	if s.ContourLimiter != nil {
		contourHandler = RateLimitMiddleware(s.ContourLimiter, s.handleContour)
	}

	mux := http.NewServeMux()

	// Public endpoints (GET, read-only).
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/drones", s.handleDrones)
	mux.HandleFunc("/api/v1/drones.geojson", s.handleDronesGeoJSON)
	mux.HandleFunc("/api/v1/history", s.handleHistory)
	mux.HandleFunc("/api/v1/contours", s.handleContours)
	mux.HandleFunc("/api/v1/runs", s.handleRuns)
	mux.HandleFunc("/api/v1/stream", s.handleStream)

	// Drone detail (GET) and per-drone overrides (POST).
	mux.HandleFunc("/api/v1/drone/", s.adminOnly(s.handleDroneRoutes))

	// Operator endpoints (POST, require bearer token).
	mux.HandleFunc("/api/v1/speed", s.adminOnly(s.handleSpeed))
	mux.HandleFunc("/api/v1/nearest", s.adminOnly(postOnly(s.handleNearest)))
	mux.HandleFunc("/api/v1/reassign", s.adminOnly(postOnly(s.handleReassign)))
	mux.HandleFunc("/api/v1/reset", s.adminOnly(postOnly(s.handleReset)))
	mux.HandleFunc("/api/v1/contour", s.adminOnly(postOnly(contourHandler)))
	mux.HandleFunc("/api/v1/contour/", s.adminOnly(s.handleContourDelete))

	return corsMiddleware(mux)
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "", "max_streams", s.MaxStreams)

	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS env var to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:4173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth on anything but
// GET and HEAD, which pass through for endpoints that serve both.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			if s.AdminKey == "" {
				http.Error(w, "operator endpoints disabled (no SWARMSIM_ADMIN_KEY set)", http.StatusForbidden)
				return
			}

			if !s.checkBearerToken(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next(w, r)
	}
}

func postOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// do runs fn on the frame loop. On failure it writes a 503 and returns false.
func (s *Server) do(w http.ResponseWriter, fn func()) bool {
	if err := s.Eng.Do(fn); err != nil {
		http.Error(w, "simulation not running", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var st engine.Status
	var speed float64
	if !s.do(w, func() {
		st = s.Sim.Status()
		speed = s.Eng.Speed
	}) {
		return
	}

	writeJSON(w, map[string]any{
		"name":    "swarmsim",
		"status":  st,
		"speed":   speed,
		"running": s.Eng.Running(),
		"started": humanize.Time(s.Started),
		"streams": s.streams.count(),
	})
}

func (s *Server) handleDrones(w http.ResponseWriter, r *http.Request) {
	var snaps []swarm.Snapshot
	if !s.do(w, func() { snaps = s.Sim.Swarm.Snapshots() }) {
		return
	}
	writeJSON(w, snaps)
}

func (s *Server) handleDronesGeoJSON(w http.ResponseWriter, r *http.Request) {
	var snaps []swarm.Snapshot
	var targets []geom.Vec3
	if !s.do(w, func() {
		snaps = s.Sim.Swarm.Snapshots()
		targets = s.Sim.Swarm.Targets()
	}) {
		return
	}
	withTargets := r.URL.Query().Get("targets") == "1"
	fc := s.Sim.Origin.FeatureCollection(snaps, targets, withTargets)
	if withTargets {
		if ring := s.Sim.Origin.TargetRing(targets); ring != nil {
			f := geojson.NewFeature(orb.Polygon{ring})
			f.Properties["kind"] = "target_ring"
			f.Properties["targets"] = len(targets)
			fc.Append(f)
		}
	}

	w.Header().Set("Content-Type", "application/geo+json")
	data, err := fc.MarshalJSON()
	if err != nil {
		http.Error(w, "encode geojson", http.StatusInternalServerError)
		return
	}
	w.Write(data)
}

// droneDetail is the GET /api/v1/drone/{i} payload.
type droneDetail struct {
	Index     int               `json:"index"`
	Info      swarm.Info        `json:"info"`
	Telemetry telemetry.Reading `json:"telemetry"`
}

// handleDroneRoutes dispatches GET /api/v1/drone/{i} and
// POST /api/v1/drone/{i}/hold|position|release.
func (s *Server) handleDroneRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// api, v1, drone, {i}[, action]
	if len(parts) < 4 || parts[3] == "" {
		http.Error(w, "missing drone index", http.StatusBadRequest)
		return
	}
	idx, err := strconv.Atoi(parts[3])
	if err != nil {
		http.Error(w, "invalid drone index", http.StatusBadRequest)
		return
	}
	action := ""
	if len(parts) >= 5 {
		action = parts[4]
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		s.droneDetail(w, idx)
	case r.Method == http.MethodPost && action != "":
		s.droneOverride(w, r, idx, action)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) droneDetail(w http.ResponseWriter, idx int) {
	var info swarm.Info
	var infoErr error
	if !s.do(w, func() { info, infoErr = s.Sim.Swarm.AgentInfo(idx) }) {
		return
	}
	if infoErr != nil {
		writeSwarmError(w, infoErr)
		return
	}
	info.BestFitness = jsonSafe(info.BestFitness)
	writeJSON(w, droneDetail{
		Index:     idx,
		Info:      info,
		Telemetry: s.Sim.Origin.ReadInfo(info),
	})
}

func (s *Server) droneOverride(w http.ResponseWriter, r *http.Request, idx int, action string) {
	var op func() error
	switch action {
	case "hold":
		op = func() error { return s.Sim.Swarm.StartHold(idx) }
	case "release":
		op = func() error { return s.Sim.Swarm.StopHold(idx) }
	case "position":
		var p geom.Vec3
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&p); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		op = func() error { return s.Sim.Swarm.SetPosition(idx, p) }
	default:
		http.Error(w, fmt.Sprintf("unknown drone action %q", action), http.StatusNotFound)
		return
	}

	var opErr error
	var info swarm.Info
	if !s.do(w, func() {
		if opErr = op(); opErr == nil {
			info, _ = s.Sim.Swarm.AgentInfo(idx)
		}
	}) {
		return
	}
	if opErr != nil {
		writeSwarmError(w, opErr)
		return
	}
	slog.Debug("drone override", "action", action, "index", idx, "id", info.ID,
		"telemetry", s.Sim.Origin.ReadInfo(info).String())
	info.BestFitness = jsonSafe(info.BestFitness)
	writeJSON(w, map[string]any{"index": idx, "action": action, "info": info})
}

func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		X       float64  `json:"x"`
		Y       float64  `json:"y"`
		Z       float64  `json:"z"`
		MaxDist *float64 `json:"max_dist"`
		Hold    *bool    `json:"hold"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	maxDist := DefaultPickDistance
	if req.MaxDist != nil {
		if *req.MaxDist <= 0 {
			http.Error(w, "max_dist must be positive", http.StatusBadRequest)
			return
		}
		maxDist = *req.MaxDist
	}
	hold := req.Hold == nil || *req.Hold
	p := geom.Vec3{X: req.X, Y: req.Y, Z: req.Z}
	if !p.IsFinite() {
		http.Error(w, "point is not finite", http.StatusBadRequest)
		return
	}

	idx, found := -1, false
	var info swarm.Info
	if !s.do(w, func() {
		idx, found = s.Sim.Swarm.NearestAgent(p, maxDist)
		if !found {
			return
		}
		if hold {
			s.Sim.Swarm.StartHold(idx)
		}
		info, _ = s.Sim.Swarm.AgentInfo(idx)
	}) {
		return
	}
	if !found {
		http.Error(w, "no drone within range", http.StatusNotFound)
		return
	}
	info.BestFitness = jsonSafe(info.BestFitness)
	writeJSON(w, map[string]any{"index": idx, "held": info.Held, "info": info})
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	var res swarm.ReassignResult
	if !s.do(w, func() { res = s.Sim.Swarm.Reassign() }) {
		return
	}
	res.Before, res.After = jsonSafe(res.Before), jsonSafe(res.After)
	writeJSON(w, res)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var st engine.Status
	if !s.do(w, func() {
		s.Sim.Reset()
		st = s.Sim.Status()
	}) {
		return
	}
	slog.Info("swarm reset by operator", "drones", st.Drones)
	writeJSON(w, st)
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req struct {
			Speed float64 `json:"speed"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSpeedBytes)).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Speed < 0 || req.Speed > 1000 {
			http.Error(w, "speed must be 0-1000", http.StatusBadRequest)
			return
		}
		if err := s.Eng.SetSpeed(req.Speed); err != nil {
			http.Error(w, "simulation not running", http.StatusServiceUnavailable)
			return
		}
	}

	var speed float64
	if !s.do(w, func() { speed = s.Eng.Speed }) {
		return
	}
	writeJSON(w, map[string]float64{"speed": speed})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 60
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= maxHistory {
			limit = v
		}
	}

	var runID string
	var mem []persistence.Sample
	if !s.do(w, func() {
		if s.Sim.Run != nil {
			runID = s.Sim.Run.ID
		}
		// Flush so stored history includes the latest samples.
		s.Sim.Flush()
		h := s.Sim.History
		if len(h) > limit {
			h = h[len(h)-limit:]
		}
		mem = append([]persistence.Sample(nil), h...)
	}) {
		return
	}

	if s.DB != nil && runID != "" {
		rows, err := s.DB.RecentSamples(runID, limit)
		if err == nil {
			writeJSON(w, map[string]any{"run_id": runID, "samples": rows})
			return
		}
		slog.Error("history query failed, serving memory", "error", err)
	}
	writeJSON(w, map[string]any{"run_id": runID, "samples": mem})
}

func (s *Server) handleContours(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "database not available", http.StatusServiceUnavailable)
		return
	}
	list, err := s.DB.ListContours()
	if err != nil {
		slog.Error("contour list failed", "error", err)
		http.Error(w, "contour list failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, list)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, errNoDB.Error(), http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= maxRuns {
			limit = v
		}
	}
	runs, err := s.DB.RecentRuns(limit)
	if err != nil {
		slog.Error("run list failed", "error", err)
		http.Error(w, "run list failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

// handleContourDelete serves DELETE /api/v1/contour/{name}.
func (s *Server) handleContourDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", http.MethodDelete)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/v1/contour/")
	if name == "" || strings.Contains(name, "/") {
		http.Error(w, "missing contour name", http.StatusBadRequest)
		return
	}
	if s.DB == nil {
		http.Error(w, errNoDB.Error(), http.StatusServiceUnavailable)
		return
	}
	if err := s.DB.DeleteContour(name); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		slog.Error("contour delete failed", "name", name, "error", err)
		http.Error(w, "contour delete failed", http.StatusInternalServerError)
		return
	}
	slog.Info("stored contour deleted by operator", "name", name)
	writeJSON(w, map[string]string{"deleted": name})
}

// contourRequest is the POST /api/v1/contour body. Exactly one of Points,
// GeoJSON, Image, or Stored supplies the contour. KeepDrones retargets the
// swarm in flight instead of respawning it, and ignores Drones.
type contourRequest struct {
	Name       string              `json:"name"`
	Points     []geom.Vec3         `json:"points"`
	GeoJSON    json.RawMessage     `json:"geojson"`
	Image      *contour.ImageTrace `json:"image"`
	Stored     string              `json:"stored"`
	Drones     int                 `json:"drones"`
	Store      bool                `json:"store"`
	KeepDrones bool                `json:"keep_drones"`
}

func (s *Server) handleContour(w http.ResponseWriter, r *http.Request) {
	var req contourRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Drones < 0 {
		http.Error(w, "drones must not be negative", http.StatusBadRequest)
		return
	}

	pts, source, err := s.resolveContour(&req)
	if err != nil {
		switch {
		case errors.Is(err, persistence.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, errNoDB):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, contour.ErrDegenerateContour):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	store := req.Store && source != "stored"
	if store && s.DB == nil {
		http.Error(w, errNoDB.Error(), http.StatusServiceUnavailable)
		return
	}

	var loadErr error
	var st engine.Status
	if !s.do(w, func() {
		if req.KeepDrones {
			loadErr = s.Sim.Retarget(req.Name, pts)
		} else {
			loadErr = s.Sim.LoadContour(req.Name, pts, req.Drones)
		}
		if loadErr == nil {
			st = s.Sim.Status()
		}
	}) {
		return
	}
	if loadErr != nil {
		code := http.StatusBadRequest
		if errors.Is(loadErr, contour.ErrDegenerateContour) {
			code = http.StatusUnprocessableEntity
		}
		http.Error(w, loadErr.Error(), code)
		return
	}

	// Only contours the swarm accepted are stored.
	if store {
		if err := s.DB.SaveContour(req.Name, source, pts); err != nil {
			slog.Error("contour store failed", "name", req.Name, "error", err)
			http.Error(w, "contour loaded but store failed", http.StatusInternalServerError)
			return
		}
	}

	slog.Info("contour replaced by operator",
		"name", req.Name,
		"source", source,
		"points", len(pts),
		"stored", store,
		"kept_drones", req.KeepDrones,
	)
	writeJSON(w, st)
}

var errNoDB = errors.New("database not available")

// resolveContour turns a request into contour points and names the request
// when it came without one.
func (s *Server) resolveContour(req *contourRequest) ([]geom.Vec3, string, error) {
	given := 0
	if len(req.Points) > 0 {
		given++
	}
	if len(req.GeoJSON) > 0 {
		given++
	}
	if req.Image != nil {
		given++
	}
	if req.Stored != "" {
		given++
	}
	if given != 1 {
		return nil, "", errors.New("supply exactly one of points, geojson, image, stored")
	}

	switch {
	case req.Stored != "":
		if s.DB == nil {
			return nil, "", errNoDB
		}
		c, err := s.DB.LoadContour(req.Stored)
		if err != nil {
			return nil, "", err
		}
		req.Name = c.Name
		return c.Points, "stored", nil

	case len(req.GeoJSON) > 0:
		pts, err := contour.FromGeoJSON(req.GeoJSON, s.Sim.Origin)
		if err != nil {
			return nil, "", err
		}
		if req.Name == "" {
			req.Name = "geojson-" + uuid.NewString()[:8]
		}
		return pts, "geojson", nil

	case req.Image != nil:
		pts, err := req.Image.Points()
		if err != nil {
			return nil, "", err
		}
		if req.Name == "" {
			req.Name = "image-" + uuid.NewString()[:8]
		}
		return pts, "image", nil

	default:
		for i, p := range req.Points {
			if !p.IsFinite() {
				return nil, "", fmt.Errorf("point %d is not finite", i)
			}
		}
		if req.Name == "" {
			req.Name = "upload-" + uuid.NewString()[:8]
		}
		return req.Points, "points", nil
	}
}

// writeSwarmError maps engine errors onto status codes.
func writeSwarmError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, swarm.ErrIndexOutOfRange):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, swarm.ErrInvalidPosition):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("swarm operation failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// jsonSafe replaces infinities, which JSON cannot carry, with -1.
func jsonSafe(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return -1
	}
	return v
}
