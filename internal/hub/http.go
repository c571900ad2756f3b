package hub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultTimeout = 30 * time.Minute
	copyBufSize    = 128 * 1024
)

// HTTPClient implements Client against an HTTP repository.
//
// Endpoints consumed:
//
//	GET  {base}/api/models/{id}/files        -> {"files":["config.json",...]}
//	HEAD {base}/models/{id}/resolve/{file}   -> Content-Length probe
//	GET  {base}/models/{id}/resolve/{file}   -> file body, Range supported
type HTTPClient struct {
	base string
	rc   *resty.Client
}

type fileListing struct {
	Files []string `json:"files"`
}

// NewHTTPClient builds a client for the given repository base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(defaultTimeout).
		SetRetryCount(0) // retries are the caller's decision
	return &HTTPClient{base: strings.TrimRight(baseURL, "/"), rc: rc}
}

func (c *HTTPClient) ListFiles(ctx context.Context, modelID string) ([]string, error) {
	var listing fileListing
	resp, err := c.rc.R().
		SetContext(ctx).
		SetResult(&listing).
		Get(fmt.Sprintf("/api/models/%s/files", modelID))
	if err != nil {
		return nil, fmt.Errorf("list files for %s: %w", modelID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list files for %s: status %d", modelID, resp.StatusCode())
	}
	return listing.Files, nil
}

func (c *HTTPClient) FileSize(ctx context.Context, modelID, name string) (int64, bool, error) {
	resp, err := c.rc.R().
		SetContext(ctx).
		Head(fmt.Sprintf("/models/%s/resolve/%s", modelID, name))
	if err != nil {
		return 0, false, fmt.Errorf("probe %s/%s: %w", modelID, name, err)
	}
	if resp.IsError() {
		return 0, false, fmt.Errorf("probe %s/%s: status %d", modelID, name, resp.StatusCode())
	}
	cl := resp.Header().Get("Content-Length")
	if cl == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || n < 0 {
		return 0, false, nil
	}
	return n, true, nil
}

func (c *HTTPClient) FetchFile(ctx context.Context, modelID, name, destPath string, onBytes func(delta int64)) error {
	partial := destPath + ".partial"
	var offset int64
	if fi, err := os.Stat(partial); err == nil {
		offset = fi.Size()
	}

	req := c.rc.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)
	if offset > 0 {
		req.SetHeader("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := req.Get(fmt.Sprintf("/models/%s/resolve/%s", modelID, name))
	if err != nil {
		return fmt.Errorf("fetch %s/%s: %w", modelID, name, err)
	}
	body := resp.RawBody()
	defer body.Close()

	switch resp.StatusCode() {
	case http.StatusOK:
		// Full body; any previous partial content is stale.
		offset = 0
	case http.StatusPartialContent:
		// Appending to the existing partial file.
	default:
		return fmt.Errorf("fetch %s/%s: status %d", modelID, name, resp.StatusCode())
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", partial, err)
	}

	if err := copyWithProgress(ctx, out, body, onBytes); err != nil {
		out.Close()
		return fmt.Errorf("fetch %s/%s: %w", modelID, name, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", partial, err)
	}
	// Completed transfers become visible atomically under the final name.
	if err := os.Rename(partial, destPath); err != nil {
		return fmt.Errorf("finalize %s: %w", destPath, err)
	}
	return nil
}

func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, onBytes func(delta int64)) error {
	buf := make([]byte, copyBufSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			if onBytes != nil {
				onBytes(int64(n))
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
