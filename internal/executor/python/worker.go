// Package python hosts a Python interpreter inside a wazero WASM module and
// exposes it as a message-driven worker.
//
// LIFECYCLE:
// The interpreter runtime is a WASI build of Python fetched from an index URL
// (downloaded once, cached on disk; the wazero compilation cache lives in the
// same directory, so re-creating a worker skips recompilation too). The module
// is started lazily on first Run and then hosts a session loop: the host posts
// {run, token, runId, code} lines on stdin, the worker answers with framed
// stdout/stderr/result/error messages. See bootstrap.py for the other half of
// the protocol.
//
// CANCELLATION:
// The interpreter offers no safe preemption point once evaluation begins, so
// the only cancellation primitive is Dispose, which tears down the entire
// module. Callers needing further runs construct a new Worker and pay the
// startup cost again — a deliberate trade of responsiveness for simplicity.
package python

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

//go:embed bootstrap.py
var bootstrapSource string

// DefaultStartTimeout bounds interpreter startup (download + compile + ready).
const DefaultStartTimeout = 60 * time.Second

// ErrDisposed is returned by Run after Dispose.
var ErrDisposed = errors.New("python: worker disposed")

// Config configures a Worker.
type Config struct {
	// IndexURL overrides where the interpreter runtime asset is fetched
	// from. Empty means DefaultIndexURL. Plain paths and file:// URLs are
	// used directly without downloading.
	IndexURL string
	// CacheDir overrides the asset/compilation cache location.
	CacheDir string
	// StartTimeout bounds the lazy startup; zero means DefaultStartTimeout.
	StartTimeout time.Duration
}

// Worker owns exactly one isolated interpreter module for its lifetime.
type Worker struct {
	cfg    Config
	logger *slog.Logger
	token  string

	runtime wazero.Runtime
	cache   wazero.CompilationCache
	ctx     context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	started     bool
	disposed    bool
	stdin       *io.PipeWriter
	stdinReader *io.PipeReader
	writeMu     sync.Mutex

	readyOnce sync.Once
	readyCh   chan struct{}

	// Startup failure signal: closed after startErr is set. Pending runs
	// select on it alongside readyCh and report the failure as an error
	// message instead of hanging until the start timeout.
	startFailed chan struct{}
	startErr    error // guarded by mu

	subMu   sync.Mutex
	subs    map[int]func(Message)
	nextSub int
}

// NewWorker constructs the wazero runtime and WASI layer. This is the
// fail-fast path: if the hosting environment cannot provide the sandboxing
// primitive, the error surfaces here, synchronously, not as a run event.
// The interpreter module itself is not started until the first Run.
func NewWorker(cfg Config, logger *slog.Logger) (*Worker, error) {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultCacheDir()
	}

	ctx, cancel := context.WithCancel(context.Background())

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	var cache wazero.CompilationCache
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err == nil {
		if c, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir); err == nil {
			cache = c
			rtConfig = rtConfig.WithCompilationCache(cache)
		}
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		cancel()
		return nil, fmt.Errorf("python: instantiate WASI: %w", err)
	}

	return &Worker{
		cfg:         cfg,
		logger:      logger,
		token:       xid.New().String(),
		runtime:     rt,
		cache:       cache,
		ctx:         ctx,
		cancel:      cancel,
		readyCh:     make(chan struct{}),
		startFailed: make(chan struct{}),
		subs:        make(map[int]func(Message)),
	}, nil
}

// Token returns the session token carried by every message.
func (w *Worker) Token() string { return w.token }

// OnMessage subscribes to worker messages and returns an unsubscribe
// function. Messages are delivered on the module's output goroutine, in the
// order the worker emitted them.
func (w *Worker) OnMessage(fn func(Message)) (unsubscribe func()) {
	w.subMu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = fn
	w.subMu.Unlock()
	return func() {
		w.subMu.Lock()
		delete(w.subs, id)
		w.subMu.Unlock()
	}
}

// Run submits code for execution and returns a fresh per-run identifier
// immediately. All results arrive later through OnMessage callbacks tagged
// with that identifier — never through this return value.
//
// The first Run kicks off the interpreter startup in the background; the
// submission is queued behind the worker's ready signal. The cold-start cost
// (asset download, module compilation) is never paid on the caller's
// goroutine, so a consumer is free to Dispose a worker that is still booting.
func (w *Worker) Run(code string) (string, error) {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return "", ErrDisposed
	}
	if !w.started {
		w.started = true
		go w.start()
	}
	w.mu.Unlock()

	runID := xid.New().String()

	go func() {
		select {
		case <-w.readyCh:
		case <-w.startFailed:
			w.mu.Lock()
			err := w.startErr
			w.mu.Unlock()
			w.publish(Message{
				Kind:  MessageError,
				Token: w.token,
				RunID: runID,
				Text:  fmt.Sprintf("starting interpreter: %v", err),
			})
			return
		case <-w.ctx.Done():
			return
		case <-time.After(w.cfg.StartTimeout):
			w.publish(Message{
				Kind:  MessageError,
				Token: w.token,
				RunID: runID,
				Text:  fmt.Sprintf("interpreter did not become ready within %v", w.cfg.StartTimeout),
			})
			return
		}
		w.post(command{Type: "run", Token: w.token, RunID: runID, Code: code})
	}()

	return runID, nil
}

// Dispose terminates the worker and its interpreter. It is the sole
// cancellation primitive: any in-flight evaluation is abandoned mid-step and
// the module torn down. Idempotent.
func (w *Worker) Dispose() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.disposed {
		return nil
	}
	w.disposed = true

	// Cancelling the runtime context forcibly closes the module (wazero's
	// CloseOnContextDone); closing the stdin pipe unblocks the session loop
	// with EOF in case the module is waiting on input.
	w.cancel()
	if w.stdinReader != nil {
		w.stdinReader.Close()
	}
	if w.stdin != nil {
		w.stdin.Close()
	}

	ctx := context.Background()
	err := w.runtime.Close(ctx)
	if w.cache != nil {
		if cerr := w.cache.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}

// start fetches, compiles and launches the interpreter module. Runs on its
// own goroutine, exactly once; failures are signalled through startFailed so
// pending runs can report them.
func (w *Worker) start() {
	path, err := fetchInterpreter(w.cfg.IndexURL, w.cfg.CacheDir)
	if err != nil {
		w.failStart(err)
		return
	}
	wasm, err := os.ReadFile(path)
	if err != nil {
		w.failStart(fmt.Errorf("python: reading interpreter asset: %w", err))
		return
	}

	compiled, err := w.runtime.CompileModule(w.ctx, wasm)
	if err != nil {
		w.failStart(fmt.Errorf("python: compiling interpreter: %w", err))
		return
	}

	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.stdinReader, w.stdin = io.Pipe()
	w.mu.Unlock()

	sink := newProtocolReader(w.token, w.dispatch, w.forwardNoise)

	modConfig := wazero.NewModuleConfig().
		WithStdin(w.stdinReader).
		WithStdout(sink).
		WithStderr(sink).
		WithArgs("python", "-c", bootstrapSource).
		WithEnv("LAB_TOKEN", w.token).
		WithName("")

	go func() {
		mod, err := w.runtime.InstantiateModule(w.ctx, compiled, modConfig)
		if err != nil && w.ctx.Err() == nil {
			w.logger.Error("python worker exited", slog.String("error", err.Error()))
		}
		if mod != nil {
			mod.Close(context.Background())
		}
	}()
}

// failStart records the startup error and releases every run waiting on it.
// start runs once per worker, so the channel is closed at most once.
func (w *Worker) failStart(err error) {
	w.mu.Lock()
	w.startErr = err
	w.mu.Unlock()
	close(w.startFailed)
	w.logger.Error("python worker startup failed", slog.String("error", err.Error()))
}

// dispatch handles a validated frame from the worker. The ready signal is a
// host-internal handshake; everything else fans out to subscribers.
func (w *Worker) dispatch(msg Message) {
	if msg.Kind == MessageReady {
		w.readyOnce.Do(func() { close(w.readyCh) })
		return
	}
	w.publish(msg)
}

// forwardNoise reports unframed interpreter output (e.g. startup warnings or
// a crash trace) as stderr text. The stream itself is session-scoped, so the
// token is stamped host-side.
func (w *Worker) forwardNoise(text string) {
	w.publish(Message{Kind: MessageStderr, Token: w.token, Text: text})
}

func (w *Worker) publish(msg Message) {
	if msg.Token != w.token {
		return
	}
	w.subMu.Lock()
	subs := make([]func(Message), 0, len(w.subs))
	for _, fn := range w.subs {
		subs = append(subs, fn)
	}
	w.subMu.Unlock()
	for _, fn := range subs {
		fn(msg)
	}
}

func (w *Worker) post(cmd command) {
	data, err := marshalCommand(cmd)
	if err != nil {
		w.logger.Error("python: encoding command", slog.String("error", err.Error()))
		return
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.Lock()
	stdin := w.stdin
	disposed := w.disposed
	w.mu.Unlock()
	if disposed || stdin == nil {
		return
	}
	if _, err := stdin.Write(data); err != nil {
		w.logger.Warn("python: posting command", slog.String("error", err.Error()))
	}
}

func marshalCommand(cmd command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
