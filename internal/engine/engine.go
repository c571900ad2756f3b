package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/events"
	"inferd/internal/storage"
	"inferd/pkg/types"
)

const (
	defaultBudgetMB  = 8192
	fallbackBudgetMB = 512
)

// Options configures engine construction. Zero values get sensible defaults.
type Options struct {
	// MemoryBudgetMB is the declared memory budget. <=0 means the default.
	MemoryBudgetMB int
	// MaxContext caps the runtime context window. <=0 defers to the model
	// descriptor, then to the adapter default.
	MaxContext int
	// Threads for the real runtime. <=0 means NumCPU.
	Threads int
	// Adapter overrides the compute runtime. Nil means the build's llama
	// adapter (real on 'llama' builds, structurally unavailable otherwise).
	Adapter RuntimeAdapter

	Logger    zerolog.Logger
	Publisher events.Publisher
}

// Engine owns one loaded model: its runtime session, lifecycle state, and
// recent error history. All methods are safe for concurrent use.
type Engine struct {
	mu sync.Mutex
	// genMu is held for the whole duration of a generation so sessions are
	// never entered concurrently. Lock order: never acquire mu while holding
	// genMu operations that could block on mu holders (mu is only held for
	// short field access).
	genMu sync.Mutex

	desc       types.ModelDescriptor
	dir        string
	mode       Mode
	state      State
	budgetMB   int
	maxContext int

	adapter RuntimeAdapter
	session RuntimeSession

	// curCancel cancels the in-flight generation; a new call supersedes the
	// prior one through it.
	curCancel context.CancelFunc

	lastErr string
	window  []outcome

	log zerolog.Logger
	pub events.Publisher
}

// Load initializes an engine for the model in dir. The runtime mode is
// decided here exactly once: if the compute runtime is structurally
// unavailable the engine enters fallback mode, which persists until unload.
// Transient initialization failures of an available runtime return an error
// satisfying IsTransient instead.
func Load(ctx context.Context, desc types.ModelDescriptor, dir string, opts Options, onProgress func(float64)) (*Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !storage.IsValidModelDir(dir) {
		return nil, fmt.Errorf("model directory %s is not a complete model bundle", dir)
	}

	maxContext := opts.MaxContext
	if maxContext <= 0 {
		maxContext = desc.MaxContext
	}
	threads := opts.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	adapter := opts.Adapter
	if adapter == nil {
		adapter = NewLlamaAdapter(maxContext, threads)
	}
	pub := opts.Publisher
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	log := opts.Logger.With().Str("model_id", desc.ID).Logger()

	if onProgress != nil {
		onProgress(0)
	}
	log.Info().Str("dir", dir).Msg("engine: loading model")

	e := &Engine{
		desc:       desc,
		dir:        dir,
		state:      StateLoading,
		maxContext: maxContext,
		adapter:    adapter,
		log:        log,
		pub:        pub,
	}

	sess, err := adapter.Load(dir, maxContext, onProgress)
	switch {
	case err == nil:
		e.mode = ModeReal
		e.session = sess
	case IsRuntimeUnavailable(err):
		e.mode = ModeFallback
		e.session = fallbackSession{}
		fallbackLoadsTotal.Inc()
		log.Warn().Err(err).Msg("engine: compute runtime unavailable, entering fallback mode")
	default:
		return nil, ErrTransient(err)
	}

	budget := opts.MemoryBudgetMB
	if budget <= 0 {
		budget = defaultBudgetMB
	}
	if e.mode == ModeFallback && budget > fallbackBudgetMB {
		budget = fallbackBudgetMB
	}
	e.budgetMB = budget
	e.state = StateReady

	if onProgress != nil {
		onProgress(1.0)
	}
	loadsTotal.WithLabelValues(string(e.mode)).Inc()
	pub.Publish(events.Event{Name: "engine_loaded", ModelID: desc.ID, Fields: map[string]any{
		"mode":      string(e.mode),
		"budget_mb": budget,
	}})
	log.Info().Str("mode", string(e.mode)).Int("budget_mb", budget).Msg("engine: model ready")
	return e, nil
}

// Generate produces the full completion for prompt. A new Generate or Stream
// call on the same engine supersedes any in-flight one, which then observes
// context.Canceled.
func (e *Engine) Generate(ctx context.Context, prompt string, params types.GenerateParams) (string, error) {
	return e.generate(ctx, prompt, params, nil)
}

// Stream starts a generation and returns fragments as they are produced.
// Errors from Stream itself cover call admission; generation errors surface
// via Stream.Err after the token channel closes.
func (e *Engine) Stream(ctx context.Context, prompt string, params types.GenerateParams) (*Stream, error) {
	if prompt == "" {
		err := ErrFatal("prompt must not be empty")
		e.recordOutcome(err)
		return nil, err
	}
	genCtx, finish, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	s := newStream(func() { genCtx.cancel() })
	go func() {
		defer close(s.ch)
		defer finish()
		_, err := e.session.Generate(genCtx.ctx, prompt, params, func(tok string) error {
			select {
			case s.ch <- tok:
				return nil
			case <-genCtx.ctx.Done():
				return genCtx.ctx.Err()
			}
		})
		err = e.mapRuntimeErr(genCtx.ctx, err)
		e.recordOutcome(err)
		e.countGeneration(err)
		s.setErr(err)
	}()
	return s, nil
}

func (e *Engine) generate(ctx context.Context, prompt string, params types.GenerateParams, onToken func(string) error) (string, error) {
	if prompt == "" {
		err := ErrFatal("prompt must not be empty")
		e.recordOutcome(err)
		return "", err
	}
	genCtx, finish, err := e.begin(ctx)
	if err != nil {
		return "", err
	}
	defer finish()

	text, err := e.session.Generate(genCtx.ctx, prompt, params, onToken)
	err = e.mapRuntimeErr(genCtx.ctx, err)
	e.recordOutcome(err)
	e.countGeneration(err)
	if err != nil {
		return "", err
	}
	return text, nil
}

type genToken struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// begin admits a generation: it cancels the call in flight at entry, waits
// for it to drain, and transitions the engine to generating. When several
// callers race for the session they are serialized, not chained: each one
// supersedes only the generation running when it arrived, so a caller that
// loses the race waits behind the winner instead of cancelling it. The
// returned finish func must be called exactly once when the generation ends.
func (e *Engine) begin(ctx context.Context) (genToken, func(), error) {
	e.mu.Lock()
	if e.state == StateUnloaded {
		e.mu.Unlock()
		err := unloadedError{modelID: e.desc.ID}
		return genToken{}, nil, err
	}
	if e.curCancel != nil {
		e.curCancel()
	}
	e.mu.Unlock()

	// Wait for the superseded call to release the session.
	e.genMu.Lock()

	e.mu.Lock()
	if e.state == StateUnloaded {
		e.mu.Unlock()
		e.genMu.Unlock()
		return genToken{}, nil, unloadedError{modelID: e.desc.ID}
	}
	genCtx, cancel := context.WithCancel(ctx)
	e.curCancel = cancel
	e.state = StateGenerating
	e.mu.Unlock()

	var once sync.Once
	finish := func() {
		once.Do(func() {
			e.mu.Lock()
			if e.state == StateGenerating {
				e.state = StateReady
			}
			e.curCancel = nil
			e.mu.Unlock()
			cancel()
			e.genMu.Unlock()
		})
	}
	return genToken{ctx: genCtx, cancel: cancel}, finish, nil
}

// mapRuntimeErr normalizes session errors. Cancellation passes through
// unchanged so superseded and client-canceled calls are neither retried nor
// treated as engine failures; unclassified runtime errors default to
// transient.
func (e *Engine) mapRuntimeErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if IsTransient(err) || IsFatal(err) || IsUnloaded(err) {
		return err
	}
	return ErrTransient(err)
}

// Unload releases the session and reclaims the engine's budget. It is
// idempotent and terminal: no later call can resurrect the engine. Any
// in-flight generation is canceled and drained before the session closes.
func (e *Engine) Unload() error {
	e.mu.Lock()
	if e.state == StateUnloaded {
		e.mu.Unlock()
		return nil
	}
	e.state = StateUnloaded
	if e.curCancel != nil {
		e.curCancel()
		e.curCancel = nil
	}
	e.mu.Unlock()

	// Drain the in-flight generation before tearing the session down.
	e.genMu.Lock()
	sess := e.session
	e.session = nil
	e.genMu.Unlock()

	e.mu.Lock()
	e.budgetMB = 0
	e.mu.Unlock()

	var err error
	if sess != nil {
		err = sess.Close()
	}
	e.pub.Publish(events.Event{Name: "engine_unloaded", ModelID: e.desc.ID})
	e.log.Info().Msg("engine: model unloaded")
	return err
}

// AttemptRecovery tries to restore a usable session after repeated failures.
// In fallback mode there is nothing to reinitialize, so recovery only clears
// the error window. In real mode the session is reloaded from disk. The
// engine's mode is never changed. Returns whether the engine is usable.
func (e *Engine) AttemptRecovery(ctx context.Context) bool {
	e.mu.Lock()
	if e.state == StateUnloaded {
		e.mu.Unlock()
		return false
	}
	mode := e.mode
	e.mu.Unlock()

	if mode == ModeFallback {
		e.clearWindow()
		recoveriesTotal.WithLabelValues("ok").Inc()
		return true
	}

	e.genMu.Lock()
	defer e.genMu.Unlock()

	if err := ctx.Err(); err != nil {
		return false
	}
	e.mu.Lock()
	if e.state == StateUnloaded {
		e.mu.Unlock()
		return false
	}
	old := e.session
	e.mu.Unlock()

	sess, err := e.adapter.Load(e.dir, e.maxContext, nil)
	if err != nil {
		recoveriesTotal.WithLabelValues("failed").Inc()
		e.log.Error().Err(err).Msg("engine: recovery reload failed")
		e.recordOutcome(ErrTransient(err))
		return false
	}
	if old != nil {
		_ = old.Close()
	}
	e.mu.Lock()
	e.session = sess
	e.mu.Unlock()
	e.clearWindow()
	recoveriesTotal.WithLabelValues("ok").Inc()
	e.pub.Publish(events.Event{Name: "engine_recovered", ModelID: e.desc.ID})
	e.log.Info().Msg("engine: session recovered")
	return true
}

// Status returns a point-in-time snapshot for diagnostics.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Loaded:    e.state != StateUnloaded,
		ModelID:   e.desc.ID,
		State:     e.state,
		Mode:      e.mode,
		BudgetMB:  e.budgetMB,
		LastError: e.lastErr,
	}
}

// Mode reports the runtime mode frozen at load time.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// ModelID returns the ID of the loaded model.
func (e *Engine) ModelID() string { return e.desc.ID }

// BudgetMB reports the currently held memory budget, 0 after unload.
func (e *Engine) BudgetMB() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.budgetMB
}

func (e *Engine) countGeneration(err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		outcome = "canceled"
	case IsTransient(err):
		outcome = "transient"
	default:
		outcome = "failed"
	}
	e.mu.Lock()
	mode := e.mode
	e.mu.Unlock()
	generationsTotal.WithLabelValues(string(mode), outcome).Inc()
}

func nowUTC() time.Time { return time.Now().UTC() }
