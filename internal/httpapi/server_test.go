package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"inferd/internal/download"
	"inferd/internal/engine"
	"inferd/internal/service"
	"inferd/pkg/types"
)

// fakeService scripts each Service method for handler tests.
type fakeService struct {
	models         []types.ModelDescriptor
	listErr        error
	info           types.ModelInfoResponse
	infoErr        error
	gotInfoID      string
	pullDir        string
	pullErr        error
	pullSteps      []float64
	generateErr    error
	generateMidErr error
	genTokens      []string
	cleanup        []string
	cleanupErr     error
	status         types.StatusResponse
	ready          bool
}

func (f *fakeService) ListModels() ([]types.ModelDescriptor, error) { return f.models, f.listErr }

func (f *fakeService) ModelInfo(ctx context.Context, id string) (types.ModelInfoResponse, error) {
	f.gotInfoID = id
	return f.info, f.infoErr
}

func (f *fakeService) Pull(ctx context.Context, id string, onProgress func(float64)) (string, error) {
	for _, frac := range f.pullSteps {
		onProgress(frac)
	}
	return f.pullDir, f.pullErr
}

func (f *fakeService) Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error {
	if f.generateErr != nil {
		return f.generateErr
	}
	var b strings.Builder
	for _, tok := range f.genTokens {
		b.WriteString(tok)
		if req.Stream {
			line, _ := json.Marshal(map[string]string{"token": tok})
			w.Write(append(line, '\n'))
			if flush != nil {
				flush()
			}
		}
	}
	if f.generateMidErr != nil {
		return f.generateMidErr
	}
	line, _ := json.Marshal(map[string]any{"done": true, "content": b.String()})
	w.Write(append(line, '\n'))
	return nil
}

func (f *fakeService) Cleanup() ([]string, error) { return f.cleanup, f.cleanupErr }

func (f *fakeService) Status() types.StatusResponse { return f.status }

func (f *fakeService) Ready() bool { return f.ready }

func newTestServer(t *testing.T, svc Service) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewMux(svc))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestModelsEndpoint(t *testing.T) {
	svc := &fakeService{models: []types.ModelDescriptor{{ID: "acme/tiny", Name: "tiny"}}, ready: true}
	srv := newTestServer(t, svc)

	resp, err := http.Get(srv.URL + "/models")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out types.ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Models) != 1 || out.Models[0].ID != "acme/tiny" {
		t.Fatalf("models = %+v", out.Models)
	}
}

func TestModelInfoEndpoint(t *testing.T) {
	svc := &fakeService{info: types.ModelInfoResponse{
		ID:         "acme/tiny",
		Files:      []types.RemoteFileInfo{{Name: "model.gguf", SizeBytes: 42, SizeKnown: true}},
		TotalBytes: 42,
	}}
	srv := newTestServer(t, svc)

	resp, err := http.Get(srv.URL + "/models/acme--tiny/info")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out types.ModelInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.TotalBytes != 42 {
		t.Fatalf("total = %d", out.TotalBytes)
	}
	if svc.gotInfoID != "acme/tiny" {
		t.Fatalf("service saw id %q, want %q", svc.gotInfoID, "acme/tiny")
	}
}

func TestGenerateRejectsWrongContentType(t *testing.T) {
	srv := newTestServer(t, &fakeService{})
	resp, err := http.Post(srv.URL+"/generate", "text/plain", strings.NewReader("hi"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
}

func TestGenerateRequiresPrompt(t *testing.T) {
	srv := newTestServer(t, &fakeService{})
	resp := postJSON(t, srv.URL+"/generate", `{"model":"acme/tiny"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGenerateStreamsNDJSON(t *testing.T) {
	svc := &fakeService{genTokens: []string{"Hel", "lo"}}
	srv := newTestServer(t, svc)
	resp := postJSON(t, srv.URL+"/generate", `{"prompt":"hi","stream":true}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/x-ndjson") {
		t.Fatalf("content type = %q", ct)
	}
	var lines []map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 2 tokens + final", len(lines))
	}
	last := lines[len(lines)-1]
	if last["done"] != true || last["content"] != "Hello" {
		t.Fatalf("final line = %v", last)
	}
}

func TestGenerateErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", download.ErrModelNotFound("x/y"), http.StatusNotFound},
		{"verification", download.ErrVerification("x/y", []string{"config.json"}), http.StatusConflict},
		{"transport", download.ErrTransport("x/y", "model.gguf", errors.New("eof")), http.StatusBadGateway},
		{"unloaded", engine.ErrUnloaded("x/y"), http.StatusGone},
		{"too busy", service.ErrTooBusy("x/y"), http.StatusTooManyRequests},
		{"fatal", engine.ErrFatal("empty prompt"), http.StatusBadRequest},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeService{generateErr: tc.err})
			resp := postJSON(t, srv.URL+"/generate", `{"prompt":"hi"}`)
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
			var e types.ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
				t.Fatalf("error body: %v", err)
			}
			if e.Code != tc.want {
				t.Fatalf("body code = %d, want %d", e.Code, tc.want)
			}
		})
	}
}

func TestPullStreamsProgress(t *testing.T) {
	svc := &fakeService{pullSteps: []float64{0, 0.5}, pullDir: "/data/acme--tiny"}
	srv := newTestServer(t, svc)
	resp := postJSON(t, srv.URL+"/pull", `{"model":"acme/tiny"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var lines []types.PullProgress
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var p types.PullProgress
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		lines = append(lines, p)
	}
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 2 progress + final", len(lines))
	}
	final := lines[len(lines)-1]
	if !final.Done || final.Dir != "/data/acme--tiny" || final.Fraction != 1.0 {
		t.Fatalf("final = %+v", final)
	}
}

func TestPullRequiresModel(t *testing.T) {
	srv := newTestServer(t, &fakeService{})
	resp := postJSON(t, srv.URL+"/pull", `{}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPullFailureBeforeOutputMapsStatus(t *testing.T) {
	svc := &fakeService{pullErr: download.ErrVerification("x/y", []string{"model.gguf"})}
	srv := newTestServer(t, svc)
	resp := postJSON(t, srv.URL+"/pull", `{"model":"x/y"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestPullFailureMidStreamEmitsErrorLine(t *testing.T) {
	svc := &fakeService{pullSteps: []float64{0.3}, pullErr: download.ErrTransport("x/y", "model.gguf", errors.New("reset"))}
	srv := newTestServer(t, svc)
	resp := postJSON(t, srv.URL+"/pull", `{"model":"x/y"}`)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	lines := bytes.Split(bytes.TrimSpace(body), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want progress + error", len(lines))
	}
	var e types.ErrorResponse
	if err := json.Unmarshal(lines[1], &e); err != nil {
		t.Fatalf("error line: %v", err)
	}
	if e.Code != http.StatusBadGateway {
		t.Fatalf("error code = %d, want 502", e.Code)
	}
}

func TestGenerateFailureMidStreamEmitsErrorLine(t *testing.T) {
	svc := &fakeService{
		genTokens:      []string{"Hel"},
		generateMidErr: download.ErrTransport("x/y", "model.gguf", errors.New("reset")),
	}
	srv := newTestServer(t, svc)
	resp := postJSON(t, srv.URL+"/generate", `{"prompt":"hi","stream":true}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (headers committed before the failure)", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	lines := bytes.Split(bytes.TrimSpace(body), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want token + error", len(lines))
	}
	var tok map[string]string
	if err := json.Unmarshal(lines[0], &tok); err != nil || tok["token"] != "Hel" {
		t.Fatalf("first line = %q (%v)", lines[0], err)
	}
	var e types.ErrorResponse
	if err := json.Unmarshal(lines[1], &e); err != nil {
		t.Fatalf("error line: %v", err)
	}
	if e.Code != http.StatusBadGateway {
		t.Fatalf("error code = %d, want 502", e.Code)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	svc := &fakeService{cleanup: []string{"x/y"}}
	srv := newTestServer(t, svc)
	resp, err := http.Post(srv.URL+"/cleanup", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out types.CleanupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Removed) != 1 || out.Removed[0] != "x/y" {
		t.Fatalf("removed = %v", out.Removed)
	}
}

func TestReadyzReflectsService(t *testing.T) {
	srv := newTestServer(t, &fakeService{ready: true})
	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status = %d", resp.StatusCode)
	}

	srv2 := newTestServer(t, &fakeService{ready: false})
	resp2, err := http.Get(srv2.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("draining status = %d", resp2.StatusCode)
	}
}

func TestHealthzAlwaysOK(t *testing.T) {
	srv := newTestServer(t, &fakeService{})
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	svc := &fakeService{status: types.StatusResponse{StorageRoot: "/data", Engines: []types.EngineStatus{{ModelID: "a/b", Mode: "fallback"}}}}
	srv := newTestServer(t, svc)
	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out types.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.StorageRoot != "/data" || len(out.Engines) != 1 {
		t.Fatalf("status = %+v", out)
	}
}

func TestMetricsEndpointExposed(t *testing.T) {
	srv := newTestServer(t, &fakeService{})
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("inferd_http_inflight_requests")) {
		t.Fatal("metrics output missing inferd_http_inflight_requests")
	}
}
