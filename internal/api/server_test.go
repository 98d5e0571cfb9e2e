package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/drone-swarm/internal/contour"
	"github.com/talgya/drone-swarm/internal/engine"
	"github.com/talgya/drone-swarm/internal/geom"
	"github.com/talgya/drone-swarm/internal/persistence"
	"github.com/talgya/drone-swarm/internal/swarm"
	"github.com/talgya/drone-swarm/internal/telemetry"
)

const testKey = "secret"

type fixture struct {
	srv *Server
	ts  *httptest.Server
}

func newFixture(t *testing.T, db *persistence.DB, opts ...func(*Server)) *fixture {
	t.Helper()
	sw, err := swarm.New(8, contour.Circle(geom.Zero, 20, 8), swarm.ProfileA(), rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatal(err)
	}
	sim := engine.NewSimulation(sw, telemetry.DefaultOrigin(), swarm.DefaultConvergenceThreshold)
	sim.ContourName = "ring"
	if db != nil {
		sim.Attach(db)
	}

	eng := engine.NewEngine()
	eng.Speed = 0 // paused; only commands run
	go eng.Run()

	srv := &Server{
		Sim:        sim,
		Eng:        eng,
		DB:         db,
		AdminKey:   testKey,
		MaxStreams: 2,
	}
	for _, opt := range opts {
		opt(srv)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		eng.Stop()
		<-eng.Done()
	})
	return &fixture{srv: srv, ts: ts}
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) post(t *testing.T, path, key string, body any, out any) int {
	t.Helper()
	return f.send(t, http.MethodPost, path, key, body, out)
}

func (f *fixture) send(t *testing.T, method, path, key string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestStatusAndDrones(t *testing.T) {
	f := newFixture(t, nil)

	var status struct {
		Name   string        `json:"name"`
		Status engine.Status `json:"status"`
		Speed  float64       `json:"speed"`
	}
	if code := f.get(t, "/api/v1/status", &status); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if status.Status.Drones != 8 || status.Status.Targets != 8 || status.Status.Contour != "ring" {
		t.Errorf("status = %+v", status.Status)
	}
	if status.Status.AvgError == nil {
		t.Error("avg_error is null with targets")
	}

	var drones []swarm.Snapshot
	if code := f.get(t, "/api/v1/drones", &drones); code != http.StatusOK || len(drones) != 8 {
		t.Errorf("drones code = %d len = %d", code, len(drones))
	}
}

func TestDroneDetail(t *testing.T) {
	f := newFixture(t, nil)

	var detail droneDetail
	if code := f.get(t, "/api/v1/drone/3", &detail); code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if detail.Index != 3 || detail.Telemetry.Latitude == 0 {
		t.Errorf("detail = %+v", detail)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/drone/8", http.StatusNotFound},
		{"/api/v1/drone/-1", http.StatusNotFound},
		{"/api/v1/drone/abc", http.StatusBadRequest},
		{"/api/v1/drone/", http.StatusBadRequest},
		{"/api/v1/drone/1/hold", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		if code := f.get(t, tt.path, nil); code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, code, tt.want)
		}
	}
}

func TestOperatorAuth(t *testing.T) {
	f := newFixture(t, nil)
	if code := f.post(t, "/api/v1/drone/0/hold", "", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", code)
	}
	if code := f.post(t, "/api/v1/drone/0/hold", "wrong", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", code)
	}

	f.srv.AdminKey = ""
	if code := f.post(t, "/api/v1/reassign", "", nil, nil); code != http.StatusForbidden {
		t.Errorf("disabled = %d, want 403", code)
	}
}

func TestHoldPositionRelease(t *testing.T) {
	f := newFixture(t, nil)

	if code := f.post(t, "/api/v1/drone/2/hold", testKey, nil, nil); code != http.StatusOK {
		t.Fatalf("hold = %d", code)
	}
	p := geom.Vec3{X: 5, Y: 5, Z: 5}
	if code := f.post(t, "/api/v1/drone/2/position", testKey, p, nil); code != http.StatusOK {
		t.Fatalf("position = %d", code)
	}

	// Step the swarm directly on the loop; the held drone must not move.
	if err := f.srv.Eng.Do(func() { f.srv.Sim.Step(1) }); err != nil {
		t.Fatal(err)
	}
	var detail droneDetail
	f.get(t, "/api/v1/drone/2", &detail)
	if detail.Info.Position != p || !detail.Info.Held || detail.Info.Velocity != geom.Zero {
		t.Errorf("held drone = %+v", detail.Info)
	}

	if code := f.post(t, "/api/v1/drone/2/release", testKey, nil, nil); code != http.StatusOK {
		t.Fatalf("release = %d", code)
	}
	f.srv.Eng.Do(func() { f.srv.Sim.Step(2) })
	f.get(t, "/api/v1/drone/2", &detail)
	if detail.Info.Held || detail.Info.Position == p {
		t.Errorf("released drone = %+v", detail.Info)
	}

	if code := f.post(t, "/api/v1/drone/2/fly", testKey, nil, nil); code != http.StatusNotFound {
		t.Errorf("unknown action = %d, want 404", code)
	}
	if code := f.post(t, "/api/v1/drone/99/hold", testKey, nil, nil); code != http.StatusNotFound {
		t.Errorf("bad index = %d, want 404", code)
	}
}

func TestNearest(t *testing.T) {
	f := newFixture(t, nil)
	far := geom.Vec3{X: 1000}
	if code := f.post(t, "/api/v1/drone/4/position", testKey, far, nil); code != http.StatusOK {
		t.Fatal(code)
	}

	var res struct {
		Index int  `json:"index"`
		Held  bool `json:"held"`
	}
	body := map[string]float64{"x": 1003, "y": 0, "z": 0}
	if code := f.post(t, "/api/v1/nearest", testKey, body, &res); code != http.StatusOK {
		t.Fatalf("nearest = %d", code)
	}
	if res.Index != 4 || !res.Held {
		t.Errorf("nearest = %+v, want index 4 held", res)
	}

	body = map[string]float64{"x": 5000, "y": 0, "z": 0}
	if code := f.post(t, "/api/v1/nearest", testKey, body, nil); code != http.StatusNotFound {
		t.Errorf("out of range = %d, want 404", code)
	}
	if code := f.get(t, "/api/v1/nearest", nil); code != http.StatusMethodNotAllowed {
		t.Errorf("GET nearest = %d, want 405", code)
	}
}

func TestReassignAndReset(t *testing.T) {
	f := newFixture(t, nil)

	var res swarm.ReassignResult
	if code := f.post(t, "/api/v1/reassign", testKey, nil, &res); code != http.StatusOK {
		t.Fatalf("reassign = %d", code)
	}
	if res.After > res.Before+1e-9 {
		t.Errorf("reassign worsened total: %+v", res)
	}

	var before []swarm.Snapshot
	f.get(t, "/api/v1/drones", &before)
	var st engine.Status
	if code := f.post(t, "/api/v1/reset", testKey, nil, &st); code != http.StatusOK {
		t.Fatalf("reset = %d", code)
	}
	var after []swarm.Snapshot
	f.get(t, "/api/v1/drones", &after)
	if after[0].ID == before[0].ID {
		t.Error("reset reused drone ids")
	}
}

func TestSpeed(t *testing.T) {
	f := newFixture(t, nil)
	var out map[string]float64
	if code := f.post(t, "/api/v1/speed", testKey, map[string]float64{"speed": 0.5}, &out); code != http.StatusOK {
		t.Fatalf("speed = %d", code)
	}
	if out["speed"] != 0.5 {
		t.Errorf("speed = %v, want 0.5", out["speed"])
	}
	if code := f.post(t, "/api/v1/speed", testKey, map[string]float64{"speed": -1}, nil); code != http.StatusBadRequest {
		t.Errorf("negative speed = %d, want 400", code)
	}
	out = nil
	f.get(t, "/api/v1/speed", &out)
	if out["speed"] != 0.5 {
		t.Errorf("GET speed = %v, want 0.5", out["speed"])
	}

	padded := map[string]any{"pad": strings.Repeat("x", 4096), "speed": 2}
	if code := f.post(t, "/api/v1/speed", testKey, padded, nil); code != http.StatusBadRequest {
		t.Errorf("oversized body = %d, want 400", code)
	}
}

func TestContourUpload(t *testing.T) {
	f := newFixture(t, nil)

	req := map[string]any{
		"name":   "square",
		"points": contour.Polygon(4, 10),
		"drones": 12,
	}
	var st engine.Status
	if code := f.post(t, "/api/v1/contour", testKey, req, &st); code != http.StatusOK {
		t.Fatalf("upload = %d", code)
	}
	// Four vertices for twelve drones: targets are used as is.
	if st.Drones != 12 || st.Targets != 4 || st.Contour != "square" {
		t.Errorf("status = %+v", st)
	}

	dense := map[string]any{"points": contour.Circle(geom.Zero, 10, 100), "drones": 25}
	if code := f.post(t, "/api/v1/contour", testKey, dense, &st); code != http.StatusOK {
		t.Fatalf("dense upload = %d", code)
	}
	if st.Targets != 25 || !strings.HasPrefix(st.Contour, "upload-") {
		t.Errorf("dense status = %+v", st)
	}

	degenerate := map[string]any{"points": []geom.Vec3{{X: 1}, {X: 1}, {X: 1}}, "drones": 2}
	if code := f.post(t, "/api/v1/contour", testKey, degenerate, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("degenerate = %d, want 422", code)
	}

	both := map[string]any{"points": contour.Polygon(3, 5), "stored": "x"}
	if code := f.post(t, "/api/v1/contour", testKey, both, nil); code != http.StatusBadRequest {
		t.Errorf("two sources = %d, want 400", code)
	}
	if code := f.post(t, "/api/v1/contour", testKey, map[string]any{"stored": "x"}, nil); code != http.StatusServiceUnavailable {
		t.Errorf("stored without db = %d, want 503", code)
	}
}

func TestContourGeoJSON(t *testing.T) {
	f := newFixture(t, nil)
	o := telemetry.DefaultOrigin()
	d := 0.0005
	doc := fmt.Sprintf(`{"type":"Polygon","coordinates":[[[%[1]f,%[2]f],[%[3]f,%[2]f],[%[3]f,%[4]f],[%[1]f,%[4]f],[%[1]f,%[2]f]]]}`,
		o.Longitude, o.Latitude, o.Longitude+d, o.Latitude+d)

	var st engine.Status
	body := map[string]any{"geojson": json.RawMessage(doc)}
	if code := f.post(t, "/api/v1/contour", testKey, body, &st); code != http.StatusOK {
		t.Fatalf("geojson upload = %d", code)
	}
	if st.Targets != 4 || !strings.HasPrefix(st.Contour, "geojson-") {
		t.Errorf("status = %+v", st)
	}
}

func TestContourImage(t *testing.T) {
	f := newFixture(t, nil)

	trace := contour.ImageTrace{
		Width:  100,
		Height: 100,
		Pixels: [][2]float64{{10, 10}, {90, 10}, {90, 90}, {10, 90}},
	}
	var st engine.Status
	if code := f.post(t, "/api/v1/contour", testKey, map[string]any{"image": trace}, &st); code != http.StatusOK {
		t.Fatalf("image upload = %d", code)
	}
	if st.Targets != 4 || !strings.HasPrefix(st.Contour, "image-") {
		t.Errorf("status = %+v", st)
	}

	empty := map[string]any{"image": contour.ImageTrace{Width: 10, Height: 10}}
	if code := f.post(t, "/api/v1/contour", testKey, empty, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("empty trace = %d, want 422", code)
	}
}

func TestContourKeepDrones(t *testing.T) {
	f := newFixture(t, nil)

	var before []swarm.Snapshot
	f.get(t, "/api/v1/drones", &before)

	req := map[string]any{"name": "hexagon", "points": contour.Polygon(6, 10), "drones": 30, "keep_drones": true}
	var st engine.Status
	if code := f.post(t, "/api/v1/contour", testKey, req, &st); code != http.StatusOK {
		t.Fatalf("retarget = %d", code)
	}
	if st.Drones != 8 || st.Targets != 6 || st.Contour != "hexagon" {
		t.Errorf("status = %+v", st)
	}

	var after []swarm.Snapshot
	f.get(t, "/api/v1/drones", &after)
	if len(after) != len(before) {
		t.Fatalf("drones = %d, want %d", len(after), len(before))
	}
	for i := range after {
		if after[i].ID != before[i].ID || after[i].Position != before[i].Position {
			t.Errorf("drone %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}

	degenerate := map[string]any{"points": []geom.Vec3{{X: 1}, {X: 1}}, "keep_drones": true}
	if code := f.post(t, "/api/v1/contour", testKey, degenerate, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("degenerate retarget = %d, want 422", code)
	}
}

func TestContourRateLimit(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour)
	defer rl.Close()
	f := newFixture(t, nil, func(s *Server) { s.ContourLimiter = rl })

	req := map[string]any{"points": contour.Polygon(5, 10)}
	if code := f.post(t, "/api/v1/contour", testKey, req, nil); code != http.StatusOK {
		t.Fatalf("first upload = %d", code)
	}
	if code := f.post(t, "/api/v1/contour", testKey, req, nil); code != http.StatusTooManyRequests {
		t.Errorf("second upload = %d, want 429", code)
	}
}

func TestContoursWithDB(t *testing.T) {
	db, err := persistence.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	f := newFixture(t, db)

	req := map[string]any{"name": "pentagon", "points": contour.Polygon(5, 10), "store": true}
	if code := f.post(t, "/api/v1/contour", testKey, req, nil); code != http.StatusOK {
		t.Fatalf("store upload = %d", code)
	}

	var list []persistence.Contour
	if code := f.get(t, "/api/v1/contours", &list); code != http.StatusOK {
		t.Fatalf("contours = %d", code)
	}
	if len(list) != 1 || list[0].Name != "pentagon" || list[0].Count != 5 {
		t.Errorf("list = %+v", list)
	}

	var st engine.Status
	if code := f.post(t, "/api/v1/contour", testKey, map[string]any{"stored": "pentagon", "drones": 10}, &st); code != http.StatusOK {
		t.Fatalf("stored load = %d", code)
	}
	if st.Contour != "pentagon" || st.Drones != 10 || st.RunID == "" {
		t.Errorf("status = %+v", st)
	}
	if code := f.post(t, "/api/v1/contour", testKey, map[string]any{"stored": "hexagon"}, nil); code != http.StatusNotFound {
		t.Errorf("missing stored = %d, want 404", code)
	}

	f.srv.Eng.Do(func() {
		for tick := uint64(60); tick <= 180; tick += 60 {
			f.srv.Sim.Second(tick)
		}
	})
	var hist struct {
		RunID   string               `json:"run_id"`
		Samples []persistence.Sample `json:"samples"`
	}
	if code := f.get(t, "/api/v1/history?limit=2", &hist); code != http.StatusOK {
		t.Fatalf("history = %d", code)
	}
	if hist.RunID != st.RunID || len(hist.Samples) != 2 || hist.Samples[1].Tick != 180 {
		t.Errorf("history = %+v", hist)
	}
}

func TestRejectedContourIsNotStored(t *testing.T) {
	db, err := persistence.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	f := newFixture(t, db)

	good := map[string]any{"name": "bad", "points": contour.Polygon(5, 10), "store": true}
	if code := f.post(t, "/api/v1/contour", testKey, good, nil); code != http.StatusOK {
		t.Fatalf("good upload = %d", code)
	}

	degenerate := []geom.Vec3{{X: 1}, {X: 1}, {X: 1}}
	overwrite := map[string]any{"name": "bad", "points": degenerate, "store": true, "drones": 2}
	if code := f.post(t, "/api/v1/contour", testKey, overwrite, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("degenerate upload = %d, want 422", code)
	}
	stored, err := db.LoadContour("bad")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Count != 5 {
		t.Errorf("stored contour has %d points, want the original 5", stored.Count)
	}

	fresh := map[string]any{"name": "never", "points": degenerate, "store": true, "drones": 2}
	if code := f.post(t, "/api/v1/contour", testKey, fresh, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("degenerate fresh upload = %d, want 422", code)
	}
	if _, err := db.LoadContour("never"); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("rejected contour stored: err = %v", err)
	}
}

func TestRunsAndContourDelete(t *testing.T) {
	db, err := persistence.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	f := newFixture(t, db)

	req := map[string]any{"name": "pentagon", "points": contour.Polygon(5, 10), "store": true}
	if code := f.post(t, "/api/v1/contour", testKey, req, nil); code != http.StatusOK {
		t.Fatalf("store upload = %d", code)
	}

	var runs []persistence.Run
	if code := f.get(t, "/api/v1/runs", &runs); code != http.StatusOK {
		t.Fatalf("runs = %d", code)
	}
	if len(runs) != 2 || runs[0].Contour != "pentagon" || runs[1].Contour != "ring" {
		t.Errorf("runs = %+v", runs)
	}
	runs = nil
	if f.get(t, "/api/v1/runs?limit=1", &runs); len(runs) != 1 {
		t.Errorf("limited runs = %d, want 1", len(runs))
	}

	path := "/api/v1/contour/pentagon"
	if code := f.send(t, http.MethodDelete, path, "", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("delete without token = %d, want 401", code)
	}
	if code := f.get(t, path, nil); code != http.StatusMethodNotAllowed {
		t.Errorf("GET = %d, want 405", code)
	}
	if code := f.send(t, http.MethodDelete, path, testKey, nil, nil); code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	if code := f.send(t, http.MethodDelete, path, testKey, nil, nil); code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", code)
	}
	var list []persistence.Contour
	if f.get(t, "/api/v1/contours", &list); len(list) != 0 {
		t.Errorf("contours after delete = %+v", list)
	}
}

func TestContoursWithoutDB(t *testing.T) {
	f := newFixture(t, nil)
	if code := f.get(t, "/api/v1/contours", nil); code != http.StatusServiceUnavailable {
		t.Errorf("contours = %d, want 503", code)
	}
	if code := f.get(t, "/api/v1/runs", nil); code != http.StatusServiceUnavailable {
		t.Errorf("runs = %d, want 503", code)
	}
	if code := f.send(t, http.MethodDelete, "/api/v1/contour/x", testKey, nil, nil); code != http.StatusServiceUnavailable {
		t.Errorf("delete = %d, want 503", code)
	}
	var hist struct {
		Samples []persistence.Sample `json:"samples"`
	}
	if code := f.get(t, "/api/v1/history", &hist); code != http.StatusOK {
		t.Errorf("history = %d", code)
	}
}

func TestDronesGeoJSON(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.ts.URL + "/api/v1/drones.geojson?targets=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("content type = %q", ct)
	}
	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Type string `json:"type"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil {
		t.Fatal(err)
	}
	// Eight drones, eight targets and the ring through them.
	if fc.Type != "FeatureCollection" || len(fc.Features) != 17 {
		t.Fatalf("type = %q features = %d, want 17", fc.Type, len(fc.Features))
	}
	ring := fc.Features[16]
	if ring.Geometry.Type != "Polygon" || ring.Properties["kind"] != "target_ring" {
		t.Errorf("last feature = %+v", ring)
	}

	var plain struct {
		Features []json.RawMessage `json:"features"`
	}
	resp2, err := http.Get(f.ts.URL + "/api/v1/drones.geojson")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if err := json.NewDecoder(resp2.Body).Decode(&plain); err != nil {
		t.Fatal(err)
	}
	if len(plain.Features) != 8 {
		t.Errorf("drones only = %d features, want 8", len(plain.Features))
	}
}

func TestStream(t *testing.T) {
	f := newFixture(t, nil)
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/v1/stream"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("catch-up frame: %v", err)
	}
	if len(frame.Drones) != 8 {
		t.Errorf("frame drones = %d, want 8", len(frame.Drones))
	}

	// Wait for registration, then broadcast from the loop.
	deadline := time.Now().Add(5 * time.Second)
	for f.srv.streams.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	f.srv.Eng.Do(func() { f.srv.Broadcast(42) })
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("broadcast frame: %v", err)
	}
	if frame.Tick != 42 {
		t.Errorf("frame tick = %d, want 42", frame.Tick)
	}
}

func TestStreamDropsSilentClient(t *testing.T) {
	f := newFixture(t, nil, func(s *Server) {
		s.streams = newHub()
		s.streams.pongWait = 50 * time.Millisecond
	})
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/v1/stream"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("catch-up frame: %v", err)
	}
	// No pong arrives before the read deadline, so the server hangs up.
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("read after deadline: %v, want normal close", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.srv.streams.count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := f.srv.streams.count(); n != 0 {
		t.Errorf("clients = %d after drop, want 0", n)
	}
}

func TestStreamLimit(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.MaxStreams = 0
	resp, err := http.Get(f.ts.URL + "/api/v1/stream")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", resp.StatusCode)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Close()
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two requests refused")
	}
	if rl.Allow("a") {
		t.Error("third request allowed")
	}
	if !rl.Allow("b") {
		t.Error("other client refused")
	}
	if got := rl.RetryAfter("a"); got != 61 {
		t.Errorf("RetryAfter = %d, want 61", got)
	}

	now = now.Add(time.Minute)
	if !rl.Allow("a") {
		t.Error("refused after window reset")
	}

	now = now.Add(3 * time.Minute)
	rl.cleanup()
	if len(rl.clients) != 0 {
		t.Errorf("buckets after cleanup = %d", len(rl.clients))
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:5555"
	if got := clientIP(r); got != "10.0.0.7" {
		t.Errorf("remote = %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(r); got != "203.0.113.9" {
		t.Errorf("forwarded = %q", got)
	}
}
