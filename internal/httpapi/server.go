package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inferd/internal/storage"
	"inferd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() ([]types.ModelDescriptor, error)
	ModelInfo(ctx context.Context, id string) (types.ModelInfoResponse, error)
	Pull(ctx context.Context, id string, onProgress func(float64)) (string, error)
	Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error
	Cleanup() ([]string, error)
	Status() types.StatusResponse
	Ready() bool
}

// joinContexts returns a context that is canceled when either a or b is done.
// The returned cancel func must be called to release the goroutine when the
// handler ends.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-a.Done():
			cancel()
		case <-b.Done():
			cancel()
		}
	}()
	return ctx, cancel
}

// serverBaseCtx is a process-level context that can be canceled on shutdown.
// Defaults to Background if not set.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level base context used by handlers.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// NewMux builds the HTTP handler for the daemon.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", handleModels(svc))
	r.Get("/models/{id}/info", handleModelInfo(svc))
	r.Post("/pull", handlePull(svc))
	r.Post("/generate", handleGenerate(svc))
	r.Post("/cleanup", handleCleanup(svc))
	r.Get("/status", handleStatus(svc))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("draining"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

// handleModels godoc
// @Summary List downloaded models
// @Description Returns the models whose local directories satisfy the bundle validity invariant.
// @Produce json
// @Success 200 {object} types.ModelsResponse
// @Failure 500 {object} types.ErrorResponse
// @Router /models [get]
func handleModels(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := svc.ListModels()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.ModelsResponse{Models: models})
	}
}

// handleModelInfo godoc
// @Summary Remote model info
// @Description Lists the remote bundle's files with per-file sizes where the repository reports them.
// @Produce json
// @Param id path string true "Model id (dir-escaped, e.g. org--name)"
// @Success 200 {object} types.ModelInfoResponse
// @Failure 502 {object} types.ErrorResponse
// @Router /models/{id}/info [get]
func handleModelInfo(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The path segment carries the dir-escaped form ("org--name").
		id := storage.IDForDirName(chi.URLParam(r, "id"))
		info, err := svc.ModelInfo(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(info)
	}
}

// handlePull godoc
// @Summary Download a model bundle
// @Description Streams NDJSON progress lines while the bundle downloads; the final line carries done=true and the destination directory.
// @Accept json
// @Produce json
// @Param request body types.PullRequest true "Pull request"
// @Success 200 {object} types.PullProgress
// @Failure 400 {object} types.ErrorResponse
// @Failure 409 {object} types.ErrorResponse
// @Failure 502 {object} types.ErrorResponse
// @Router /pull [post]
func handlePull(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.PullRequest
		if !decodeJSONBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Model) == "" {
			writeJSONError(w, http.StatusBadRequest, "model is required")
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		flush := flusherFor(w)

		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()

		wrote := false
		writeLine := func(p types.PullProgress) {
			b, _ := json.Marshal(p)
			if _, err := w.Write(append(b, '\n')); err != nil {
				return
			}
			wrote = true
			if flush != nil {
				flush()
			}
		}
		dir, err := svc.Pull(ctx, req.Model, func(frac float64) {
			writeLine(types.PullProgress{Model: req.Model, Fraction: frac})
		})
		if err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			if !wrote {
				writeDomainError(w, err)
				return
			}
			// Headers are out; report the failure as a terminal NDJSON line.
			b, _ := json.Marshal(types.ErrorResponse{Error: err.Error(), Code: statusForError(err)})
			w.Write(append(b, '\n'))
			return
		}
		writeLine(types.PullProgress{Model: req.Model, Fraction: 1.0, Done: true, Dir: dir})
	}
}

// handleGenerate godoc
// @Summary Generate a completion
// @Description Streams NDJSON token lines when stream=true, otherwise returns a single final line with the full content.
// @Accept json
// @Produce json
// @Param request body types.GenerateRequest true "Generate request"
// @Success 200 {object} types.GenerateRequest
// @Failure 400 {object} types.ErrorResponse
// @Failure 404 {object} types.ErrorResponse
// @Failure 410 {object} types.ErrorResponse
// @Failure 429 {object} types.ErrorResponse
// @Router /generate [post]
func handleGenerate(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.GenerateRequest
		if !decodeJSONBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		flush := flusherFor(w)

		start := time.Now()
		cw := &countingWriter{w: w}
		writer := io.Writer(cw)
		lvl := requestLogLevel(r)
		if lvl >= LevelDebug {
			writer = io.MultiWriter(cw, &loggingLineWriter{})
		}
		if lvl >= LevelInfo && zlog != nil {
			z := zlog.Info().Str("path", r.URL.Path).Str("model", req.Model)
			if rid := middleware.GetReqID(r.Context()); rid != "" {
				z = z.Str("request_id", rid)
			}
			z.Msg("generate start")
		}

		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		err := svc.Generate(ctx, req, writer, flush)
		status := http.StatusOK
		if err != nil {
			// Client disconnect or shutdown: nothing sensible left to write.
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			if cw.wrote {
				// Headers are out; report the failure as a terminal NDJSON line.
				status = statusForError(err)
				b, _ := json.Marshal(types.ErrorResponse{Error: err.Error(), Code: status})
				w.Write(append(b, '\n'))
			} else {
				status = writeDomainError(w, err)
			}
		}
		if lvl >= LevelInfo && zlog != nil {
			z := zlog.Info().Int("status", status).Dur("dur", time.Since(start))
			if rid := middleware.GetReqID(r.Context()); rid != "" {
				z = z.Str("request_id", rid)
			}
			if err != nil {
				z = z.Err(err)
			}
			z.Msg("generate end")
		}
	}
}

// handleCleanup godoc
// @Summary Remove incomplete downloads
// @Description Deletes every model directory failing the validity invariant and reports the removed ids.
// @Produce json
// @Success 200 {object} types.CleanupResponse
// @Failure 500 {object} types.ErrorResponse
// @Router /cleanup [post]
func handleCleanup(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed, err := svc.Cleanup()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.CleanupResponse{Removed: removed})
	}
}

// handleStatus godoc
// @Summary Service status
// @Produce json
// @Success 200 {object} types.StatusResponse
// @Router /status [get]
func handleStatus(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(svc.Status())
	}
}

// decodeJSONBody enforces the content type and body size, then decodes into
// dst. It writes the error response itself and reports success.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// countingWriter remembers whether any bytes went out, so error handling can
// tell a pristine response apart from one whose headers are already committed.
type countingWriter struct {
	w     io.Writer
	wrote bool
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		c.wrote = true
	}
	return c.w.Write(p)
}

func flusherFor(w http.ResponseWriter) func() {
	if f, ok := w.(http.Flusher); ok {
		return f.Flush
	}
	return nil
}
