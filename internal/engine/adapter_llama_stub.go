//go:build !llama

package engine

// This file provides a no-CGO stub for the llama adapter. It is compiled when
// the 'llama' build tag is NOT set, keeping default builds and CI CGO-free.
// Engines constructed against it always load in fallback mode.

type llamaAdapter struct {
	ctxSize int
	threads int
}

// NewLlamaAdapter returns the default runtime adapter for this build.
func NewLlamaAdapter(ctxSize, threads int) RuntimeAdapter {
	return &llamaAdapter{ctxSize: ctxSize, threads: threads}
}

func (a *llamaAdapter) Load(dir string, maxContext int, onProgress func(float64)) (RuntimeSession, error) {
	return nil, ErrRuntimeUnavailable("llama support not built (missing 'llama' build tag)")
}
