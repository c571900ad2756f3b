// Package download acquires multi-file model bundles from the remote
// repository and maintains the local per-model directory layout.
//
// Failure semantics: transport and verification errors are distinct kinds,
// neither is retried here, and a failed download never deletes partial state
// on its own. CleanupIncompleteDownloads is the only deleting operation.
package download

import (
	"context"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inferd/internal/common/fsutil"
	"inferd/internal/events"
	"inferd/internal/hub"
	"inferd/internal/storage"
	"inferd/pkg/types"
)

// Config encapsulates Manager construction. Hub and Store are required;
// Publisher and Logger default to no-ops.
type Config struct {
	Hub       hub.Client
	Store     *storage.Store
	Publisher events.Publisher
	Logger    zerolog.Logger
}

// Manager produces valid local model directories and reports on them.
// All methods are safe for concurrent use; operations on the same model
// directory are serialized by a per-directory lock.
type Manager struct {
	hub      hub.Client
	store    *storage.Store
	pub      events.Publisher
	log      zerolog.Logger
	inflight int64
}

// New constructs a Manager from Config.
func New(cfg Config) *Manager {
	pub := cfg.Publisher
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	return &Manager{
		hub:   cfg.Hub,
		store: cfg.Store,
		pub:   pub,
		log:   cfg.Logger,
	}
}

// record is the transient per-download state. It lives for the duration of
// one DownloadModel call; the resulting directory tree is the only durable
// artifact.
type record struct {
	opID       string
	desc       types.ModelDescriptor
	dir        string
	files      []string // fetch plan, deterministic order
	totalUnits int
	doneUnits  int
	lastFrac   float64
}

// report invokes onProgress with a monotonic fraction. byteFrac refines the
// current file unit when the remote reported a size; it is ignored otherwise.
func (r *record) report(onProgress func(float64), byteFrac float64) {
	if onProgress == nil {
		return
	}
	frac := (float64(r.doneUnits) + byteFrac) / float64(r.totalUnits)
	if frac > 1 {
		frac = 1
	}
	if frac < r.lastFrac {
		return
	}
	r.lastFrac = frac
	onProgress(frac)
}

// DownloadModel fetches the descriptor's bundle into its model directory and
// returns the directory path. If the directory is already valid it returns
// immediately with onProgress(1.0) and performs no network activity. On a
// transfer failure the remaining fetches are aborted and the partial
// directory is retained for inspection.
func (m *Manager) DownloadModel(ctx context.Context, desc types.ModelDescriptor, onProgress func(float64)) (string, error) {
	unlock := m.store.LockModelDir(desc.ID)
	defer unlock()

	dir := m.store.ModelDir(desc.ID)
	if storage.IsValidModelDir(dir) {
		if onProgress != nil {
			onProgress(1.0)
		}
		return dir, nil
	}

	atomic.AddInt64(&m.inflight, 1)
	defer atomic.AddInt64(&m.inflight, -1)

	// A previously failed or partial directory is replaced wholesale rather
	// than patched in place, so file versions never mix.
	if fsutil.PathExists(dir) {
		if err := m.store.RemoveModelDir(desc.ID); err != nil {
			return "", transportError{modelID: desc.ID, file: "", cause: err}
		}
	}

	remote, err := m.hub.ListFiles(ctx, desc.ID)
	if err != nil {
		return "", transportError{modelID: desc.ID, cause: err}
	}
	plan, missing := planFetch(remote)
	if len(missing) > 0 {
		return "", verificationError{modelID: desc.ID, missing: missing}
	}

	rec := &record{
		opID:       uuid.NewString(),
		desc:       desc,
		dir:        dir,
		files:      plan,
		totalUnits: len(plan),
	}
	downloadsStarted.Inc()
	m.pub.Publish(events.Event{Name: "download_start", ModelID: desc.ID, Fields: map[string]any{"op": rec.opID, "files": len(plan)}})
	m.log.Info().Str("model", desc.ID).Str("op", rec.opID).Int("files", len(plan)).Msg("download start")
	rec.report(onProgress, 0)

	for _, name := range rec.files {
		if err := m.fetchOne(ctx, rec, name, onProgress); err != nil {
			downloadsFailed.WithLabelValues("transport").Inc()
			m.pub.Publish(events.Event{Name: "download_failed", ModelID: desc.ID, Fields: map[string]any{"op": rec.opID, "file": name}})
			m.log.Error().Err(err).Str("model", desc.ID).Str("file", name).Msg("download failed")
			return "", transportError{modelID: desc.ID, file: name, cause: err}
		}
		rec.doneUnits++
		rec.report(onProgress, 0)
	}

	if !storage.IsValidModelDir(dir) {
		downloadsFailed.WithLabelValues("verification").Inc()
		missing := missingAfterFetch(dir)
		m.pub.Publish(events.Event{Name: "download_failed", ModelID: desc.ID, Fields: map[string]any{"op": rec.opID, "missing": missing}})
		return "", verificationError{modelID: desc.ID, missing: missing}
	}

	downloadsCompleted.Inc()
	m.pub.Publish(events.Event{Name: "download_done", ModelID: desc.ID, Fields: map[string]any{"op": rec.opID}})
	m.log.Info().Str("model", desc.ID).Str("op", rec.opID).Msg("download done")
	rec.report(onProgress, 0)
	return dir, nil
}

// fetchOne transfers a single file, refining progress with byte counts when
// the repository reports a size for it.
func (m *Manager) fetchOne(ctx context.Context, rec *record, name string, onProgress func(float64)) error {
	var fileSize int64
	if n, ok, err := m.hub.FileSize(ctx, rec.desc.ID, name); err == nil && ok && n > 0 {
		fileSize = n
	}
	if err := m.store.EnsureModelDir(rec.desc.ID); err != nil {
		return err
	}
	var fetched int64
	dest := filepath.Join(m.store.ModelDir(rec.desc.ID), name)
	err := m.hub.FetchFile(ctx, rec.desc.ID, name, dest, func(delta int64) {
		fetched += delta
		downloadBytes.Add(float64(delta))
		if fileSize > 0 {
			rec.report(onProgress, float64(fetched)/float64(fileSize))
		}
	})
	if err != nil {
		return err
	}
	m.pub.Publish(events.Event{Name: "download_file", ModelID: rec.desc.ID, Fields: map[string]any{"op": rec.opID, "file": name, "bytes": fetched}})
	return nil
}

// planFetch selects the files one download must transfer: every required
// file plus the first weight variant the remote offers. missing names the
// required categories the remote cannot satisfy.
func planFetch(remote []string) (plan, missing []string) {
	have := make(map[string]bool, len(remote))
	for _, f := range remote {
		have[f] = true
	}
	for _, name := range storage.RequiredFiles() {
		if !have[name] {
			missing = append(missing, name)
			continue
		}
		plan = append(plan, name)
	}
	weight := ""
	for _, name := range storage.WeightVariants() {
		if have[name] {
			weight = name
			break
		}
	}
	if weight == "" {
		missing = append(missing, "weights ("+joinNames(storage.WeightVariants())+")")
	} else {
		plan = append(plan, weight)
	}
	return plan, missing
}

func missingAfterFetch(dir string) []string {
	var missing []string
	for _, name := range storage.RequiredFiles() {
		if !fsutil.PathExists(filepath.Join(dir, name)) {
			missing = append(missing, name)
		}
	}
	if storage.WeightFile(dir) == "" {
		missing = append(missing, "weights ("+joinNames(storage.WeightVariants())+")")
	}
	return missing
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += "|"
		}
		out += n
	}
	return out
}

// GetModelInfo queries the remote listing and probes per-file sizes without
// downloading bodies. Files whose size cannot be determined are reported
// with SizeKnown=false and excluded from the total rather than failing the
// call.
func (m *Manager) GetModelInfo(ctx context.Context, id string) (types.ModelInfoResponse, error) {
	files, err := m.hub.ListFiles(ctx, id)
	if err != nil {
		return types.ModelInfoResponse{}, transportError{modelID: id, cause: err}
	}
	sort.Strings(files)
	info := types.ModelInfoResponse{ID: id, Files: make([]types.RemoteFileInfo, 0, len(files))}
	for _, name := range files {
		fi := types.RemoteFileInfo{Name: name}
		if n, ok, err := m.hub.FileSize(ctx, id, name); err == nil && ok {
			fi.SizeBytes = n
			fi.SizeKnown = true
			info.TotalBytes += n
		}
		info.Files = append(info.Files, fi)
	}
	return info, nil
}

// GetDownloadedModels scans the storage root and reports only directories
// satisfying the validity invariant, each reconstructed into a minimal
// descriptor (identifier from the directory name).
func (m *Manager) GetDownloadedModels() ([]types.ModelDescriptor, error) {
	valid, _, err := m.store.Scan()
	if err != nil {
		return nil, err
	}
	out := make([]types.ModelDescriptor, 0, len(valid))
	for _, name := range valid {
		id := storage.IDForDirName(name)
		out = append(out, types.ModelDescriptor{
			ID:          id,
			Name:        id,
			EstMemoryMB: fsutil.DirSizeMB(m.store.ModelDir(id)),
		})
	}
	return out, nil
}

// CleanupIncompleteDownloads removes every subdirectory failing the validity
// invariant and returns the removed model ids. Directories are re-checked
// under their lock so a download racing on the same id is never clobbered.
func (m *Manager) CleanupIncompleteDownloads() ([]string, error) {
	_, invalid, err := m.store.Scan()
	if err != nil {
		return nil, err
	}
	removed := make([]string, 0, len(invalid))
	for _, name := range invalid {
		id := storage.IDForDirName(name)
		unlock := m.store.LockModelDir(id)
		// A download may have completed the directory while we waited.
		if storage.IsValidModelDir(m.store.ModelDir(id)) {
			unlock()
			continue
		}
		err := m.store.RemoveModelDir(id)
		unlock()
		if err != nil {
			return removed, err
		}
		cleanupsRemoved.Inc()
		m.pub.Publish(events.Event{Name: "cleanup_removed", ModelID: id, Fields: map[string]any{}})
		removed = append(removed, id)
	}
	return removed, nil
}

// InFlight returns the number of downloads currently running.
func (m *Manager) InFlight() int {
	return int(atomic.LoadInt64(&m.inflight))
}
