package engine

import (
	"context"

	"inferd/pkg/types"
)

// RuntimeAdapter abstracts the external compute runtime. The engine only
// depends on this narrow surface and tolerates its absence entirely.
type RuntimeAdapter interface {
	// Load initializes the runtime against a local model directory,
	// reporting coarse progress. A structurally impossible initialization
	// must return an error satisfying IsRuntimeUnavailable.
	Load(dir string, maxContext int, onProgress func(float64)) (RuntimeSession, error)
}

// RuntimeSession is one loaded model inside the runtime. Sessions are owned
// by a single engine instance; the engine serializes access.
type RuntimeSession interface {
	// Generate streams tokens for the prompt through onToken and returns the
	// full text. Implementations must return promptly when ctx is canceled.
	Generate(ctx context.Context, prompt string, params types.GenerateParams, onToken func(string) error) (string, error)
	// Close releases runtime resources for this session.
	Close() error
}
