package web

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jthorsen/optionset/internal/config"
	"github.com/jthorsen/optionset/internal/core"
	"github.com/jthorsen/optionset/internal/dataverse"
)

// stubAPI is an in-memory RemoteAPI for handler tests.
type stubAPI struct {
	sets    map[string]*dataverse.OptionSetInfo
	created []string
}

func newStubAPI() *stubAPI {
	return &stubAPI{sets: make(map[string]*dataverse.OptionSetInfo)}
}

func (a *stubAPI) InsertOption(_ context.Context, target dataverse.OptionSetRef, opt dataverse.OptionValue) error {
	set, ok := a.sets[target.Name]
	if !ok {
		return dataverse.ErrNotFound
	}
	set.Options = append(set.Options, opt)
	return nil
}

func (a *stubAPI) UpdateOption(context.Context, dataverse.OptionSetRef, dataverse.OptionValue, bool) error {
	return nil
}

func (a *stubAPI) DeleteOption(context.Context, dataverse.OptionSetRef, int) error {
	return nil
}

func (a *stubAPI) ExistingValues(_ context.Context, target dataverse.OptionSetRef) (map[int]struct{}, error) {
	out := make(map[int]struct{})
	if set, ok := a.sets[target.Name]; ok {
		for _, o := range set.Options {
			out[o.Value] = struct{}{}
		}
	}
	return out, nil
}

func (a *stubAPI) ListGlobalOptionSets(context.Context) ([]dataverse.OptionSetInfo, error) {
	var out []dataverse.OptionSetInfo
	for _, s := range a.sets {
		out = append(out, *s)
	}
	return out, nil
}

func (a *stubAPI) SearchGlobalOptionSets(_ context.Context, label string) ([]dataverse.OptionSetInfo, error) {
	var out []dataverse.OptionSetInfo
	for _, s := range a.sets {
		if strings.Contains(strings.ToLower(s.DisplayLabel), strings.ToLower(label)) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (a *stubAPI) GetOptionSet(_ context.Context, target dataverse.OptionSetRef) (*dataverse.OptionSetInfo, error) {
	if set, ok := a.sets[target.Name]; ok {
		copied := *set
		return &copied, nil
	}
	return nil, dataverse.ErrNotFound
}

func (a *stubAPI) CreateGlobalOptionSet(_ context.Context, name, displayLabel string, options []dataverse.OptionValue) error {
	a.created = append(a.created, name)
	a.sets[name] = &dataverse.OptionSetInfo{Name: name, DisplayLabel: displayLabel, Options: options}
	return nil
}

type stubTokens struct{}

func (stubTokens) Token(context.Context) (dataverse.TokenState, error) {
	return dataverse.TokenState{AccessToken: "t", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func newTestServer(api *stubAPI) *Server {
	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Engine.MaxFileSize = 1 << 20
	cfg.Rate.Enabled = false

	service := core.NewService(core.ServiceConfig{
		API:    api,
		Tokens: stubTokens{},
		Engine: core.EngineConfig{BatchSize: 2, RetryBackoff: time.Millisecond},
	})
	return NewServer(service, nil, cfg)
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(newStubAPI())

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleListOptionSets(t *testing.T) {
	api := newStubAPI()
	api.sets["new_colors"] = &dataverse.OptionSetInfo{Name: "new_colors", DisplayLabel: "Colors"}
	srv := newTestServer(api)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/optionsets", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		OptionSets []dataverse.OptionSetInfo `json:"optionSets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.OptionSets) != 1 || body.OptionSets[0].Name != "new_colors" {
		t.Errorf("body = %+v", body)
	}
}

func TestHandleGetOptionSet_NotFound(t *testing.T) {
	srv := newTestServer(newStubAPI())

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/optionsets/new_missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCreateOptionSet(t *testing.T) {
	api := newStubAPI()
	srv := newTestServer(api)

	body := `{"name":"new_sizes","displayLabel":"Sizes","options":[{"label":"Small","value":1}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/optionsets", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if len(api.created) != 1 || api.created[0] != "new_sizes" {
		t.Errorf("created = %v, want [new_sizes]", api.created)
	}
}

func TestHandleInsertOption(t *testing.T) {
	api := newStubAPI()
	api.sets["new_colors"] = &dataverse.OptionSetInfo{Name: "new_colors"}
	srv := newTestServer(api)

	req := httptest.NewRequest(http.MethodPost, "/api/optionsets/new_colors/options",
		strings.NewReader(`{"label":"Red","value":1}`))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if len(api.sets["new_colors"].Options) != 1 {
		t.Errorf("got %d options, want 1", len(api.sets["new_colors"].Options))
	}
}

func multipartJobRequest(t *testing.T, path, filename, contents string, fields map[string]string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte(contents)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestJobFlow(t *testing.T) {
	api := newStubAPI()
	api.sets["new_colors"] = &dataverse.OptionSetInfo{Name: "new_colors"}
	srv := newTestServer(api)

	req := multipartJobRequest(t, "/api/jobs/insert", "colors.csv", "Red,1\nGreen,2\nBlue,3\n",
		map[string]string{"optionset": "new_colors"})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("start status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var started struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	if started.JobID == "" {
		t.Fatal("empty job ID")
	}

	// The result endpoint blocks until the job finishes.
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+started.JobID+"/result", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("result status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var result core.JobResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Status != core.JobCompleted {
		t.Errorf("status = %q, want %q", result.Status, core.JobCompleted)
	}
	if result.Succeeded != 3 {
		t.Errorf("succeeded = %d, want 3", result.Succeeded)
	}
}

func TestStartJob_BadKind(t *testing.T) {
	srv := newTestServer(newStubAPI())

	req := multipartJobRequest(t, "/api/jobs/upsert", "x.csv", "Red,1\n",
		map[string]string{"optionset": "new_colors"})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestStartJob_MalformedFile(t *testing.T) {
	srv := newTestServer(newStubAPI())

	req := multipartJobRequest(t, "/api/jobs/insert", "x.csv", "Red,notanumber\n",
		map[string]string{"optionset": "new_colors"})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code == "" {
		t.Error("error response should carry a support code")
	}
}

func TestStartJob_MissingTarget(t *testing.T) {
	srv := newTestServer(newStubAPI())

	req := multipartJobRequest(t, "/api/jobs/insert", "x.csv", "Red,1\n", nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code == http.StatusAccepted {
		t.Fatal("job without a target should be rejected")
	}
}

func TestCancelUnknownJob(t *testing.T) {
	srv := newTestServer(newStubAPI())

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/nope/cancel", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestJobHistoryDisabled(t *testing.T) {
	srv := newTestServer(newStubAPI())

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/history", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAPIKeyAuthEnforced(t *testing.T) {
	api := newStubAPI()
	cfg := &config.Config{}
	cfg.Engine.MaxFileSize = 1 << 20
	cfg.Security.RequireAPIKey = true
	cfg.Security.APIKeys = []string{"secret-key"}

	service := core.NewService(core.ServiceConfig{
		API:    api,
		Tokens: stubTokens{},
		Engine: core.EngineConfig{},
	})
	srv := NewServer(service, nil, cfg)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/optionsets", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("without key: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/optionsets", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong key: status = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/optionsets", nil)
	req.Header.Set("X-API-Key", "secret-key")
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid key: status = %d, want 200", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)
	defer rl.stop()

	if !rl.allow("1.2.3.4") || !rl.allow("1.2.3.4") {
		t.Fatal("first two requests should pass")
	}
	if rl.allow("1.2.3.4") {
		t.Error("third request should be limited")
	}
	if !rl.allow("5.6.7.8") {
		t.Error("other IPs are unaffected")
	}
}

func TestRateLimiterStop(t *testing.T) {
	rl := newRateLimiter(1, time.Minute)
	rl.stop()
	rl.stop() // idempotent

	select {
	case <-rl.quit:
	default:
		t.Fatal("quit channel should be closed after stop")
	}
}

func TestShutdownStopsLimiters(t *testing.T) {
	api := newStubAPI()
	cfg := &config.Config{}
	cfg.Engine.MaxFileSize = 1 << 20
	cfg.Rate.Enabled = true
	cfg.Rate.RequestsPerMinute = 100
	cfg.Rate.JobLimit = 10

	service := core.NewService(core.ServiceConfig{
		API:    api,
		Tokens: stubTokens{},
		Engine: core.EngineConfig{},
	})
	srv := NewServer(service, nil, cfg)

	if len(srv.limiters) != 2 {
		t.Fatalf("got %d limiters, want 2 (global + job start)", len(srv.limiters))
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	for i, rl := range srv.limiters {
		select {
		case <-rl.quit:
		default:
			t.Errorf("limiter %d cleanup still running after shutdown", i)
		}
	}
}
