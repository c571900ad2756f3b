package types

// GenerateRequest is the payload for POST /generate.
type GenerateRequest struct {
	// Optional model identifier. If empty, the server default is used.
	// example: tinyllama/tinyllama-1.1b-chat
	Model string `json:"model,omitempty" example:"tinyllama/tinyllama-1.1b-chat"`
	// Required prompt text to generate a completion for.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// If true, stream results as NDJSON tokens. When false, the server buffers
	// and returns a single final line.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
	// Sampling parameters; zero values fall back to engine defaults.
	Params GenerateParams `json:"params,omitempty"`
}

// PullRequest is the payload for POST /pull.
type PullRequest struct {
	// Model identifier to download.
	// example: tinyllama/tinyllama-1.1b-chat
	Model string `json:"model" example:"tinyllama/tinyllama-1.1b-chat"`
}

// PullProgress is one NDJSON line emitted while a pull is in flight.
type PullProgress struct {
	// Model identifier being downloaded.
	Model string `json:"model"`
	// Completion fraction in [0,1]; file-unit based, refined per byte when
	// the remote reports sizes.
	// example: 0.66
	Fraction float64 `json:"fraction" example:"0.66"`
	// File currently being fetched, empty on the final line.
	File string `json:"file,omitempty"`
	// True on the final line of a successful pull.
	Done bool `json:"done,omitempty"`
	// Destination directory, set on the final line.
	Dir string `json:"dir,omitempty"`
}

// RemoteFileInfo describes one file of a remote bundle.
type RemoteFileInfo struct {
	// File name within the bundle.
	// example: model.gguf
	Name string `json:"name" example:"model.gguf"`
	// Size in bytes; only meaningful when SizeKnown is true.
	SizeBytes int64 `json:"size_bytes,omitempty"`
	// Whether the repository reported a size for this file.
	SizeKnown bool `json:"size_known"`
}

// ModelInfoResponse is returned by GET /models/{id}/info.
type ModelInfoResponse struct {
	// Model identifier queried.
	ID string `json:"id"`
	// Files the remote repository lists for this model.
	Files []RemoteFileInfo `json:"files"`
	// Sum of the known file sizes in bytes; files with unknown size are
	// excluded from the total.
	TotalBytes int64 `json:"total_bytes"`
}

// ModelsResponse wraps the list of locally valid models for GET /models.
type ModelsResponse struct {
	Models []ModelDescriptor `json:"models"`
}

// CleanupResponse reports directories removed by POST /cleanup.
type CleanupResponse struct {
	Removed []string `json:"removed"`
}

// EngineStatus summarizes one loaded engine for /status.
type EngineStatus struct {
	// ID of the model this engine serves.
	// example: tinyllama/tinyllama-1.1b-chat
	ModelID string `json:"model_id"`
	// Lifecycle state (unloaded, loading, ready, generating).
	// example: ready
	State string `json:"state" example:"ready"`
	// Runtime mode frozen at load time (real or fallback).
	// example: fallback
	Mode string `json:"mode" example:"fallback"`
	// Derived health classification (healthy, degraded, unhealthy).
	// example: healthy
	Health string `json:"health" example:"healthy"`
	// Configured accelerator memory ceiling in MB.
	// example: 8192
	BudgetMB int `json:"budget_mb" example:"8192"`
	// Last error observed by this engine, if any.
	LastError string `json:"last_error,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Engines currently held by the service.
	Engines []EngineStatus `json:"engines"`
	// Local storage root holding per-model directories.
	StorageRoot string `json:"storage_root"`
	// Downloads currently in flight.
	DownloadsInFlight int `json:"downloads_in_flight"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
