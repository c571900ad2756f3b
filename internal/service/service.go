// Package service is the composition root: it owns the download manager, one
// engine per model id, and per-model admission, and exposes the operations
// the HTTP layer and the CLI consume.
package service

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/common/fsutil"
	"inferd/internal/download"
	"inferd/internal/engine"
	"inferd/internal/events"
	"inferd/internal/storage"
	"inferd/pkg/types"
)

const defaultQueueDepth = 8

// Config wires a Service. Store and Downloads are required.
type Config struct {
	Store     *storage.Store
	Downloads *download.Manager

	// DefaultModel is used when a request does not name a model.
	DefaultModel string
	// MemoryBudgetMB for each engine load. <=0 means the engine default.
	MemoryBudgetMB int
	// Retry applied to every generation. Zero value means DefaultRetryPolicy.
	Retry engine.RetryPolicy
	// QueueDepth bounds waiters per model; beyond it calls fail too-busy.
	QueueDepth int
	// Adapter overrides the engine runtime adapter, mainly for tests.
	Adapter engine.RuntimeAdapter

	Logger    zerolog.Logger
	Publisher events.Publisher
}

// Service ties model acquisition and inference together.
type Service struct {
	cfg     Config
	retry   engine.RetryPolicy
	started time.Time

	mu       sync.Mutex
	entries  map[string]*modelEntry
	draining bool

	log zerolog.Logger
	pub events.Publisher
}

// modelEntry holds the engine and admission state for one model id. loadMu
// serializes ensure so at most one load runs per id; gate serializes
// generations so service callers never supersede one another.
type modelEntry struct {
	loadMu sync.Mutex
	eng    *engine.Engine

	gate  chan struct{}
	queue chan struct{}
}

// New constructs a Service from Config.
func New(cfg Config) *Service {
	retry := cfg.Retry
	if retry == (engine.RetryPolicy{}) {
		retry = engine.DefaultRetryPolicy()
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	return &Service{
		cfg:     cfg,
		retry:   retry,
		started: time.Now(),
		entries: make(map[string]*modelEntry),
		log:     cfg.Logger,
		pub:     pub,
	}
}

func (s *Service) entry(id string) *modelEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		depth := s.cfg.QueueDepth
		if depth <= 0 {
			depth = defaultQueueDepth
		}
		e = &modelEntry{
			gate:  make(chan struct{}, 1),
			queue: make(chan struct{}, 1+depth),
		}
		s.entries[id] = e
	}
	return e
}

// resolveModel maps an optional request model id onto a concrete one.
func (s *Service) resolveModel(id string) (string, error) {
	if id != "" {
		return id, nil
	}
	if s.cfg.DefaultModel != "" {
		return s.cfg.DefaultModel, nil
	}
	return "", download.ErrModelNotFound("(unspecified)")
}

// ensureEngine returns a usable engine for id, loading one on first use.
// The model must already be downloaded; the service never pulls implicitly.
func (s *Service) ensureEngine(ctx context.Context, id string) (*engine.Engine, error) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil, drainingError{}
	}
	s.mu.Unlock()

	e := s.entry(id)
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	if e.eng != nil && e.eng.Status().Loaded {
		return e.eng, nil
	}

	dir := s.cfg.Store.ModelDir(id)
	if !storage.IsValidModelDir(dir) {
		return nil, download.ErrModelNotFound(id)
	}
	desc := descriptorFor(id, dir)
	eng, err := engine.Load(ctx, desc, dir, engine.Options{
		MemoryBudgetMB: s.cfg.MemoryBudgetMB,
		MaxContext:     desc.MaxContext,
		Adapter:        s.cfg.Adapter,
		Logger:         s.log,
		Publisher:      s.pub,
	}, nil)
	if err != nil {
		return nil, err
	}
	e.eng = eng
	return eng, nil
}

func descriptorFor(id, dir string) types.ModelDescriptor {
	name := id
	if i := strings.LastIndex(id, "/"); i >= 0 {
		name = id[i+1:]
	}
	return types.ModelDescriptor{
		ID:          id,
		Name:        name,
		EstMemoryMB: fsutil.DirSizeMB(dir),
	}
}

// admit reserves the generation slot for id. The returned release func must
// be called when the generation finishes. A full queue fails immediately.
func (s *Service) admit(ctx context.Context, id string) (func(), error) {
	e := s.entry(id)
	select {
	case e.queue <- struct{}{}:
	default:
		return nil, tooBusyError{modelID: id}
	}
	select {
	case e.gate <- struct{}{}:
		return func() {
			<-e.gate
			<-e.queue
		}, nil
	case <-ctx.Done():
		<-e.queue
		return nil, ctx.Err()
	}
}

// Generate runs a generation for req and writes NDJSON lines to w. With
// req.Stream each fragment becomes a {"token":...} line as it is produced;
// otherwise output is buffered and only the final line is written. The final
// line is {"done":true,"content":...} either way.
func (s *Service) Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error {
	id, err := s.resolveModel(req.Model)
	if err != nil {
		return err
	}
	eng, err := s.ensureEngine(ctx, id)
	if err != nil {
		return err
	}
	release, err := s.admit(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	if !req.Stream {
		content, err := eng.GenerateWithRetry(ctx, req.Prompt, req.Params, s.retry)
		if err != nil {
			return err
		}
		return writeFinalLine(w, flush, content)
	}

	stream, err := eng.StreamWithRetry(ctx, req.Prompt, req.Params, s.retry)
	if err != nil {
		return err
	}
	defer stream.Close()

	var b strings.Builder
	for tok := range stream.Tokens() {
		if err := writeTokenLine(w, flush, tok); err != nil {
			return err
		}
		b.WriteString(tok)
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return writeFinalLine(w, flush, b.String())
}

// GenerateText is the in-process variant used by the CLI.
func (s *Service) GenerateText(ctx context.Context, model, prompt string, params types.GenerateParams) (string, error) {
	id, err := s.resolveModel(model)
	if err != nil {
		return "", err
	}
	eng, err := s.ensureEngine(ctx, id)
	if err != nil {
		return "", err
	}
	release, err := s.admit(ctx, id)
	if err != nil {
		return "", err
	}
	defer release()
	return eng.GenerateWithRetry(ctx, prompt, params, s.retry)
}

func writeTokenLine(w io.Writer, flush func(), tok string) error {
	line, _ := json.Marshal(struct {
		Token string `json:"token"`
	}{Token: tok})
	if _, err := w.Write(append(line, '\n')); err != nil {
		return err
	}
	if flush != nil {
		flush()
	}
	return nil
}

func writeFinalLine(w io.Writer, flush func(), content string) error {
	line, _ := json.Marshal(struct {
		Done    bool   `json:"done"`
		Content string `json:"content"`
	}{Done: true, Content: content})
	if _, err := w.Write(append(line, '\n')); err != nil {
		return err
	}
	if flush != nil {
		flush()
	}
	return nil
}

// Pull downloads a model bundle, forwarding fractional progress.
func (s *Service) Pull(ctx context.Context, id string, onProgress func(float64)) (string, error) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return "", drainingError{}
	}
	s.mu.Unlock()
	if id == "" {
		return "", download.ErrModelNotFound("(unspecified)")
	}
	desc := types.ModelDescriptor{ID: id}
	return s.cfg.Downloads.DownloadModel(ctx, desc, onProgress)
}

// ListModels reports the locally downloaded, valid models.
func (s *Service) ListModels() ([]types.ModelDescriptor, error) {
	return s.cfg.Downloads.GetDownloadedModels()
}

// ModelInfo queries the remote repository for a model's file listing.
func (s *Service) ModelInfo(ctx context.Context, id string) (types.ModelInfoResponse, error) {
	return s.cfg.Downloads.GetModelInfo(ctx, id)
}

// Cleanup removes incomplete model directories.
func (s *Service) Cleanup() ([]string, error) {
	return s.cfg.Downloads.CleanupIncompleteDownloads()
}

// Status aggregates engine snapshots and download state.
func (s *Service) Status() types.StatusResponse {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	resp := types.StatusResponse{
		Engines:           make([]types.EngineStatus, 0, len(ids)),
		StorageRoot:       s.cfg.Store.Root(),
		DownloadsInFlight: s.cfg.Downloads.InFlight(),
		UptimeSeconds:     int64(time.Since(s.started).Seconds()),
		ServerTimeUnix:    time.Now().Unix(),
	}
	for _, id := range ids {
		e := s.entry(id)
		e.loadMu.Lock()
		eng := e.eng
		e.loadMu.Unlock()
		if eng == nil {
			continue
		}
		st := eng.Status()
		resp.Engines = append(resp.Engines, types.EngineStatus{
			ModelID:   st.ModelID,
			State:     string(st.State),
			Mode:      string(st.Mode),
			Health:    string(eng.Health()),
			BudgetMB:  st.BudgetMB,
			LastError: st.LastError,
		})
	}
	return resp
}

// Ready reports whether the service accepts new work.
func (s *Service) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.draining
}

// Shutdown refuses new work and unloads every engine, draining in-flight
// generations through each engine's own unload path.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := s.entry(id)
		e.loadMu.Lock()
		eng := e.eng
		e.loadMu.Unlock()
		if eng == nil {
			continue
		}
		if err := eng.Unload(); err != nil {
			s.log.Error().Err(err).Str("model", id).Msg("service: unload failed during shutdown")
		}
	}
	s.log.Info().Msg("service: shutdown complete")
	return nil
}
