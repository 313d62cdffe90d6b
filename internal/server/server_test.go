package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"plantline/internal/blob"
	"plantline/internal/config"
	"plantline/internal/db"
	"plantline/internal/engine"
	"plantline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	blobs, err := blob.NewStore(workspace)
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg, blobs)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asAdmin() map[string]string {
	return map[string]string{"X-Actor-Id": "admin-1", "X-Actor-Role": "admin"}
}

func asTechnician() map[string]string {
	return map[string]string{"X-Actor-Id": "tech-1", "X-Actor-Role": "technician"}
}

func asClient() map[string]string {
	return map[string]string{"X-Actor-Id": "client-1", "X-Actor-Role": "client"}
}

func createPlant(t *testing.T, srv *testServer) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/plants", map[string]any{
		"name":     "Planta Sur",
		"location": "Km 12",
	}, asAdmin())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create plant status %d: %s", res.StatusCode, data)
	}
	var plant PlantResponse
	if err := json.Unmarshal(data, &plant); err != nil {
		t.Fatalf("unmarshal plant: %v", err)
	}
	return plant.ID
}

func reportIncident(t *testing.T, srv *testServer, plantID string) EntityResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/entities", map[string]any{
		"kind":        "incident",
		"plant_id":    plantID,
		"title":       "Fuga de vapor",
		"description": "Vapor visible en la válvula principal",
	}, asClient())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create incident status %d: %s", res.StatusCode, data)
	}
	var ent EntityResponse
	if err := json.Unmarshal(data, &ent); err != nil {
		t.Fatalf("unmarshal entity: %v", err)
	}
	return ent
}

func TestRequiresAuthentication(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/entities", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestHealthIsOpen(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv := newTestServer(t)
	claims := jwt.MapClaims{
		"sub":  "tech-9",
		"role": "technician",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/entities", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}

	// missing role claim is rejected
	badToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tech-9",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatal(err)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/entities", nil, map[string]string{
		"Authorization": "Bearer " + badToken,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("token without role accepted: %d", res.StatusCode)
	}
}

func TestIncidentCompleteFlow(t *testing.T) {
	srv := newTestServer(t)
	plantID := createPlant(t, srv)
	ent := reportIncident(t, srv, plantID)

	// clients cannot start work
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/entities/"+ent.ID+"/start", map[string]any{}, asClient())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("client start status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/entities/"+ent.ID+"/start", map[string]any{}, asTechnician())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, data)
	}

	// report is refused while in progress
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/entities/"+ent.ID+"/report", nil, asClient())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("report before terminal status %d: %s", res.StatusCode, data)
	}

	// summary too short is a validation failure
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/entities/"+ent.ID+"/complete", map[string]any{
		"summary": "corto",
	}, asTechnician())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("short summary status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/entities/"+ent.ID+"/complete", map[string]any{
		"summary": "Se reemplazó la válvula y se verificó la presión.",
		"materials": []map[string]any{
			{"name": "Válvula 2\"", "quantity": 1, "unit": "unidad", "unit_cost": 150.75},
			{"name": "Cinta teflón", "quantity": 2, "unit": "unidad", "unit_cost": 1.20},
		},
	}, asTechnician())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, data)
	}
	var completed CompleteEntityResponse
	if err := json.Unmarshal(data, &completed); err != nil {
		t.Fatalf("unmarshal complete: %v", err)
	}
	if completed.Entity.State != "resolved" {
		t.Fatalf("state = %q", completed.Entity.State)
	}
	if !completed.ReportReady {
		t.Fatalf("report_ready must be true")
	}

	// completing again conflicts
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/entities/"+ent.ID+"/complete", map[string]any{
		"summary": "Se reemplazó la válvula y se verificó la presión.",
	}, asTechnician())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second complete status %d: %s", res.StatusCode, data)
	}

	// terminal report is open to clients and carries exact totals
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/entities/"+ent.ID+"/report", nil, asClient())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report status %d: %s", res.StatusCode, data)
	}
	var snap ReportSnapshotResponse
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if snap.MaterialsTotalCents != 15315 {
		t.Fatalf("materials total = %d cents", snap.MaterialsTotalCents)
	}
	if snap.MaterialsTotal != "153.15" {
		t.Fatalf("formatted total = %q", snap.MaterialsTotal)
	}
	if len(snap.Materials) != 2 {
		t.Fatalf("materials in snapshot = %d", len(snap.Materials))
	}
}

func TestTerminalEntityRejectsEdits(t *testing.T) {
	srv := newTestServer(t)
	plantID := createPlant(t, srv)
	ent := reportIncident(t, srv, plantID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/entities/"+ent.ID+"/complete", map[string]any{
		"summary": "Se limpió el área y se reparó la fuga reportada.",
	}, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/entities/"+ent.ID, map[string]any{
		"description": "edición tardía no permitida",
	}, asAdmin())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("edit terminal status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "invalid_state" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"user_id": "bot-1",
		"role":    "technician",
		"name":    "integration",
	}, asAdmin())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, data)
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatalf("secret must be returned once")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/entities", nil, map[string]string{
		"X-Api-Key": key.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth status %d: %s", res.StatusCode, data)
	}

	// technicians may not mint keys
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"user_id": "bot-2",
		"role":    "client",
	}, asTechnician())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("technician create key status %d", res.StatusCode)
	}
}
