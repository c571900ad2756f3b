package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"inferd/internal/download"
	"inferd/internal/engine"
	"inferd/internal/storage"
	"inferd/pkg/types"
)

// fakeHub serves a fixed file set from memory.
type fakeHub struct {
	files map[string][]byte
}

func (h *fakeHub) ListFiles(ctx context.Context, modelID string) ([]string, error) {
	names := make([]string, 0, len(h.files))
	for name := range h.files {
		names = append(names, name)
	}
	return names, nil
}

func (h *fakeHub) FileSize(ctx context.Context, modelID, name string) (int64, bool, error) {
	b, ok := h.files[name]
	if !ok {
		return 0, false, nil
	}
	return int64(len(b)), true, nil
}

func (h *fakeHub) FetchFile(ctx context.Context, modelID, name, destPath string, onBytes func(int64)) error {
	b := h.files[name]
	if err := os.WriteFile(destPath, b, 0o644); err != nil {
		return err
	}
	if onBytes != nil {
		onBytes(int64(len(b)))
	}
	return nil
}

func newTestService(t *testing.T, cfg Config) (*Service, *storage.Store) {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	h := &fakeHub{files: map[string][]byte{
		"config.json":    []byte("{}"),
		"tokenizer.json": []byte("{}"),
		"model.gguf":     []byte("weights"),
	}}
	cfg.Store = store
	cfg.Downloads = download.New(download.Config{Hub: h, Store: store})
	if cfg.Retry == (engine.RetryPolicy{}) {
		cfg.Retry = engine.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond}
	}
	return New(cfg), store
}

func seedModel(t *testing.T, store *storage.Store, id string) {
	t.Helper()
	dir := store.ModelDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"config.json", "tokenizer.json", "model.gguf"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

type ndLine struct {
	Token   string `json:"token"`
	Done    bool   `json:"done"`
	Content string `json:"content"`
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []ndLine {
	t.Helper()
	var lines []ndLine
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var l ndLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", sc.Text(), err)
		}
		lines = append(lines, l)
	}
	return lines
}

func TestGenerateBufferedWritesSingleFinalLine(t *testing.T) {
	svc, store := newTestService(t, Config{})
	seedModel(t, store, "acme/tiny")

	var buf bytes.Buffer
	req := types.GenerateRequest{Model: "acme/tiny", Prompt: "buffered please", Params: types.GenerateParams{MaxTokens: 8}}
	if err := svc.Generate(context.Background(), req, &buf, nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want exactly 1 final line", len(lines))
	}
	if !lines[0].Done {
		t.Fatal("final line missing done")
	}
	if !strings.Contains(lines[0].Content, "buffered please") {
		t.Fatalf("content %q does not contain the prompt", lines[0].Content)
	}
}

func TestGenerateStreamTokensConcatToContent(t *testing.T) {
	svc, store := newTestService(t, Config{})
	seedModel(t, store, "acme/tiny")

	var buf bytes.Buffer
	flushes := 0
	req := types.GenerateRequest{Model: "acme/tiny", Prompt: "stream me", Stream: true, Params: types.GenerateParams{MaxTokens: 10}}
	if err := svc.Generate(context.Background(), req, &buf, func() { flushes++ }); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	lines := decodeLines(t, &buf)
	if len(lines) < 2 {
		t.Fatalf("got %d lines, want token lines plus final", len(lines))
	}
	final := lines[len(lines)-1]
	if !final.Done {
		t.Fatal("last line is not the final line")
	}
	var b strings.Builder
	for _, l := range lines[:len(lines)-1] {
		b.WriteString(l.Token)
	}
	if b.String() != final.Content {
		t.Fatalf("token concat %q != final content %q", b.String(), final.Content)
	}
	if flushes < len(lines) {
		t.Fatalf("flushed %d times for %d lines", flushes, len(lines))
	}
}

func TestGenerateUnknownModelNotFound(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	req := types.GenerateRequest{Model: "ghost/none", Prompt: "hi"}
	err := svc.Generate(context.Background(), req, &bytes.Buffer{}, nil)
	if !download.IsModelNotFound(err) {
		t.Fatalf("err = %v, want model not found", err)
	}
}

func TestGenerateUsesDefaultModel(t *testing.T) {
	svc, store := newTestService(t, Config{DefaultModel: "acme/tiny"})
	seedModel(t, store, "acme/tiny")

	var buf bytes.Buffer
	if err := svc.Generate(context.Background(), types.GenerateRequest{Prompt: "hi"}, &buf, nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if svc.Status().Engines[0].ModelID != "acme/tiny" {
		t.Fatalf("engine model = %q", svc.Status().Engines[0].ModelID)
	}
}

func TestGenerateNoModelNoDefault(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	err := svc.Generate(context.Background(), types.GenerateRequest{Prompt: "hi"}, &bytes.Buffer{}, nil)
	if !download.IsModelNotFound(err) {
		t.Fatalf("err = %v, want model not found", err)
	}
}

// blockingAdapter parks generations until released so tests can fill the
// admission queue deterministically.
type blockingAdapter struct {
	started chan struct{}
	release chan struct{}
}

func (a *blockingAdapter) Load(dir string, maxContext int, onProgress func(float64)) (engine.RuntimeSession, error) {
	return &blockingSession{a: a}, nil
}

type blockingSession struct{ a *blockingAdapter }

func (s *blockingSession) Generate(ctx context.Context, prompt string, params types.GenerateParams, onToken func(string) error) (string, error) {
	s.a.started <- struct{}{}
	select {
	case <-s.a.release:
		return "done", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *blockingSession) Close() error { return nil }

func TestGenerateTooBusyWhenQueueFull(t *testing.T) {
	a := &blockingAdapter{started: make(chan struct{}, 4), release: make(chan struct{})}
	svc, store := newTestService(t, Config{QueueDepth: 1, Adapter: a})
	seedModel(t, store, "acme/tiny")

	req := types.GenerateRequest{Model: "acme/tiny", Prompt: "hold"}
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			errs <- svc.Generate(context.Background(), req, &bytes.Buffer{}, nil)
		}()
	}
	// Wait until the first generation is inside the session and the second
	// occupies the lone queue slot.
	<-a.started
	entry := svc.entry("acme/tiny")
	deadline := time.Now().Add(5 * time.Second)
	for len(entry.queue) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("second call never queued")
		}
		time.Sleep(time.Millisecond)
	}

	err := svc.Generate(context.Background(), req, &bytes.Buffer{}, nil)
	if !IsTooBusy(err) {
		t.Fatalf("third call err = %v, want too busy", err)
	}

	close(a.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("queued generation failed: %v", err)
		}
	}
}

func TestStatusAggregatesEngines(t *testing.T) {
	svc, store := newTestService(t, Config{})
	seedModel(t, store, "acme/tiny")
	if err := svc.Generate(context.Background(), types.GenerateRequest{Model: "acme/tiny", Prompt: "hi"}, &bytes.Buffer{}, nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	st := svc.Status()
	if st.StorageRoot != store.Root() {
		t.Fatalf("storage root = %q, want %q", st.StorageRoot, store.Root())
	}
	if len(st.Engines) != 1 {
		t.Fatalf("engines = %d, want 1", len(st.Engines))
	}
	e := st.Engines[0]
	if e.Mode != "fallback" {
		t.Fatalf("mode = %q, want fallback (default build)", e.Mode)
	}
	if e.State != "ready" {
		t.Fatalf("state = %q, want ready", e.State)
	}
	if e.Health != "healthy" {
		t.Fatalf("health = %q, want healthy", e.Health)
	}
}

func TestShutdownRefusesNewWorkAndUnloads(t *testing.T) {
	svc, store := newTestService(t, Config{})
	seedModel(t, store, "acme/tiny")
	if err := svc.Generate(context.Background(), types.GenerateRequest{Model: "acme/tiny", Prompt: "hi"}, &bytes.Buffer{}, nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if svc.Ready() {
		t.Fatal("Ready true after shutdown")
	}
	err := svc.Generate(context.Background(), types.GenerateRequest{Model: "acme/tiny", Prompt: "hi"}, &bytes.Buffer{}, nil)
	if !IsDraining(err) {
		t.Fatalf("err = %v, want draining", err)
	}
	st := svc.Status()
	if len(st.Engines) != 1 || st.Engines[0].State != "unloaded" {
		t.Fatalf("engine not unloaded after shutdown: %+v", st.Engines)
	}
}

func TestPullThenGenerate(t *testing.T) {
	svc, store := newTestService(t, Config{})
	var last float64
	dir, err := svc.Pull(context.Background(), "acme/pulled", func(f float64) { last = f })
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if last != 1.0 {
		t.Fatalf("final progress = %v, want 1.0", last)
	}
	if dir != store.ModelDir("acme/pulled") {
		t.Fatalf("dir = %q", dir)
	}
	var buf bytes.Buffer
	if err := svc.Generate(context.Background(), types.GenerateRequest{Model: "acme/pulled", Prompt: "after pull"}, &buf, nil); err != nil {
		t.Fatalf("Generate after pull: %v", err)
	}
	models, err := svc.ListModels()
	if err != nil || len(models) != 1 || models[0].ID != "acme/pulled" {
		t.Fatalf("ListModels = %+v, %v", models, err)
	}
}
