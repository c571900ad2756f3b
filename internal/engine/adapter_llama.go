//go:build llama

package engine

import (
	"context"
	"errors"
	"path/filepath"

	llama "github.com/go-skynet/go-llama.cpp"

	"inferd/internal/storage"
	"inferd/pkg/types"
)

// llamaAdapter loads GGUF weights in-process via go-llama.cpp.
type llamaAdapter struct {
	ctxSize int
	threads int
}

// NewLlamaAdapter returns the in-process llama.cpp runtime adapter.
func NewLlamaAdapter(ctxSize, threads int) RuntimeAdapter {
	return &llamaAdapter{ctxSize: ctxSize, threads: threads}
}

type llamaSession struct {
	model   *llama.LLama
	threads int
}

func (a *llamaAdapter) Load(dir string, maxContext int, onProgress func(float64)) (RuntimeSession, error) {
	weight := storage.WeightFile(dir)
	if weight == "" {
		return nil, ErrRuntimeUnavailable("no weight file in " + dir)
	}
	if filepath.Ext(weight) != ".gguf" {
		// llama.cpp only understands GGUF; other variants fall back.
		return nil, ErrRuntimeUnavailable("unrecognized weight format " + weight)
	}
	ctxSize := a.ctxSize
	if maxContext > 0 && (ctxSize == 0 || maxContext < ctxSize) {
		ctxSize = maxContext
	}
	if onProgress != nil {
		onProgress(0.1)
	}
	m, err := llama.New(filepath.Join(dir, weight), llama.SetContext(ctxSize))
	if err != nil {
		return nil, err
	}
	if onProgress != nil {
		onProgress(1.0)
	}
	return &llamaSession{model: m, threads: a.threads}, nil
}

func (s *llamaSession) Generate(ctx context.Context, prompt string, params types.GenerateParams, onToken func(string) error) (string, error) {
	if s.model == nil {
		return "", errors.New("llama model not initialized")
	}
	s.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if onToken != nil {
			if err := onToken(tok); err != nil {
				return false
			}
		}
		return true
	})
	opts := []llama.PredictOption{
		llama.SetThreads(s.threads),
	}
	if params.MaxTokens > 0 {
		opts = append(opts, llama.SetTokens(params.MaxTokens))
	}
	if params.Temperature > 0 {
		opts = append(opts, llama.SetTemperature(float32(params.Temperature)))
	}
	if params.TopP > 0 {
		opts = append(opts, llama.SetTopP(float32(params.TopP)))
	}
	if params.TopK > 0 {
		opts = append(opts, llama.SetTopK(params.TopK))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llama.SetStopWords(params.Stop...))
	}
	text, err := s.model.Predict(prompt, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return text, nil
}

func (s *llamaSession) Close() error {
	if s.model != nil {
		s.model.Free()
		s.model = nil
	}
	return nil
}
