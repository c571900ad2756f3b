// Package hub talks to the remote model repository. The wire protocol is
// owned by the repository service; this package only consumes its file
// listing and file download endpoints.
package hub

import "context"

// Client is the narrow surface the download manager depends on.
type Client interface {
	// ListFiles returns the file names the repository holds for a model id.
	ListFiles(ctx context.Context, modelID string) ([]string, error)
	// FileSize probes the size of one file without downloading its body.
	// ok is false when the repository does not report a size.
	FileSize(ctx context.Context, modelID, name string) (size int64, ok bool, err error)
	// FetchFile downloads one file to destPath, resuming a partial file when
	// the transport supports byte ranges. onBytes, when non-nil, receives
	// byte deltas as the body is read.
	FetchFile(ctx context.Context, modelID, name, destPath string, onBytes func(delta int64)) error
}
