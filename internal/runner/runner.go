package runner

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/compiler-lab/internal/executor/javascript"
	"github.com/sakif/compiler-lab/internal/executor/python"
)

// ErrUnsupportedLanguage is wrapped into the error event emitted for unknown
// language tags. Nothing is thrown across the runner's public boundary — all
// failures are funnelled into the event stream.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// JSExecutor is the sandboxed JavaScript executor contract the runner drives.
// *javascript.Executor is the production implementation.
type JSExecutor interface {
	Run(code string, opts javascript.Options, onEvent func(javascript.Event)) (stop func())
}

// PythonWorker is the Python worker-executor contract. *python.Worker is the
// production implementation.
type PythonWorker interface {
	Run(code string) (string, error)
	OnMessage(fn func(python.Message)) (unsubscribe func())
	Dispose() error
}

// Handle is returned to the caller of Run. Its single operation, Stop, is
// idempotent and safe to call multiple times or after natural completion.
type Handle struct {
	once sync.Once
	stop func()
}

// Stop cancels the run: the underlying executor is torn down, the host-side
// timer (if armed) is cleared, and no further events are delivered once Stop
// returns. If the run already reached its terminal event this is a no-op.
func (h *Handle) Stop() {
	h.once.Do(h.stop)
}

// NewHandle wraps a stop function in an idempotent Handle. Exposed so fakes
// implementing the runner contract can return controllable handles.
func NewHandle(stop func()) *Handle { return &Handle{stop: stop} }

// Config holds runner-wide settings.
type Config struct {
	// IndexURL is the default location of the Python interpreter asset,
	// used when a request doesn't carry its own override. Empty means the
	// executor's built-in default.
	IndexURL string
}

// Runner dispatches execution requests to the per-language executors and
// adapts their raw events into the canonical stream. It holds no per-run
// state beyond what each Run invocation closes over, so one Runner serves
// any number of concurrent runs.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	// Executor factories; replaced in tests. Construction errors are the
	// fail-fast path for a missing sandbox primitive.
	newJS     func() (JSExecutor, error)
	newPython func(cfg python.Config) (PythonWorker, error)
}

// New creates a Runner wired to the production executors.
func New(cfg Config, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		logger: logger,
		newJS: func() (JSExecutor, error) {
			return javascript.New(logger), nil
		},
		newPython: func(cfg python.Config) (PythonWorker, error) {
			return python.NewWorker(cfg, logger)
		},
	}
}

// Run starts one execution. It generates a fresh runId, emits init
// synchronously — before any isolation context exists, so consumers can show
// launch feedback with zero latency — and then drives the language's
// executor, delivering normalized events to onEvent until the terminal event.
//
// Run never blocks on execution and never returns an error: every failure
// mode (unknown language, executor construction failure, user-code error,
// timeout) arrives as events.
func (r *Runner) Run(req Request, onEvent func(Event)) *Handle {
	req = req.withDefaults()
	runID := xid.New().String()

	lang, err := ParseLanguage(req.Language)
	if err != nil {
		// Echo the raw tag so the consumer sees what it sent.
		gate := newEventGate(runID, Language(req.Language), req.MaxLogBytes, onEvent)
		gate.emit(Event{Kind: KindInit})
		gate.reject(fmt.Sprintf("unsupported language %q", req.Language))
		return NewHandle(func() {})
	}

	gate := newEventGate(runID, lang, req.MaxLogBytes, onEvent)
	gate.emit(Event{Kind: KindInit})

	switch lang {
	case LanguageJavaScript:
		return r.runJavaScript(req, gate)
	default:
		return r.runPython(req, gate)
	}
}

// runJavaScript delegates to the JS executor, which carries its own watchdog;
// the runner only normalizes events. Raw log events are re-emitted both in
// their original form (for consumers that want console levels) and as stdout
// text.
func (r *Runner) runJavaScript(req Request, gate *eventGate) *Handle {
	js, err := r.newJS()
	if err != nil {
		gate.emit(Event{Kind: KindError, Message: fmt.Sprintf("javascript executor unavailable: %v", err)})
		return NewHandle(func() {})
	}

	opts := javascript.Options{Timeout: req.Timeout, MaxLogBytes: req.MaxLogBytes}
	stop := js.Run(req.Code, opts, func(raw javascript.Event) {
		switch raw.Kind {
		case javascript.EventStart:
			gate.emit(Event{Kind: KindStart})
		case javascript.EventLog:
			gate.emit(Event{Kind: KindLog, Level: raw.Level, Text: raw.Text})
			gate.emit(Event{Kind: KindStdout, Level: raw.Level, Text: raw.Text})
		case javascript.EventError:
			gate.emit(Event{Kind: KindError, Message: raw.Message, Stack: raw.Stack})
		case javascript.EventTimeout:
			gate.emit(Event{Kind: KindTimeout, Message: raw.Message})
		case javascript.EventDone:
			gate.emit(Event{Kind: KindDone})
		}
	})

	return NewHandle(func() {
		stop()
		gate.finish()
	})
}

// runPython constructs a dedicated worker for the run, wires its messages
// through the gate, and arms a host-side timer — the worker cannot
// self-timeout, so a blocked interpreter is still bounded from outside.
// Cleanup always disposes the worker: its dispose-and-recreate model means a
// worker never outlives its run.
func (r *Runner) runPython(req Request, gate *eventGate) *Handle {
	indexURL := req.IndexURL
	if indexURL == "" {
		indexURL = r.cfg.IndexURL
	}
	worker, err := r.newPython(python.Config{IndexURL: indexURL})
	if err != nil {
		gate.emit(Event{Kind: KindError, Message: fmt.Sprintf("python executor unavailable: %v", err)})
		return NewHandle(func() {})
	}

	var (
		cleanupOnce sync.Once
		timer       *time.Timer
		unsubscribe func()
	)
	cleanup := func() {
		cleanupOnce.Do(func() {
			if timer != nil {
				timer.Stop()
			}
			if unsubscribe != nil {
				unsubscribe()
			}
			// Dispose can block on module teardown; never on the
			// message-delivery goroutine.
			go func() {
				if err := worker.Dispose(); err != nil {
					r.logger.Warn("python worker dispose", slog.String("error", err.Error()))
				}
			}()
		})
	}

	unsubscribe = worker.OnMessage(func(msg python.Message) {
		switch msg.Kind {
		case python.MessageStart:
			gate.emit(Event{Kind: KindStart})
		case python.MessageStdout:
			gate.emit(Event{Kind: KindStdout, Text: msg.Text})
		case python.MessageStderr:
			gate.emit(Event{Kind: KindStderr, Text: msg.Text})
		case python.MessageResult:
			if msg.Text != "" {
				gate.emit(Event{Kind: KindResult, Value: msg.Text})
			}
			gate.emit(Event{Kind: KindDone})
			cleanup()
		case python.MessageError:
			gate.emit(Event{Kind: KindError, Message: msg.Text})
			cleanup()
		}
	})

	timer = time.AfterFunc(req.Timeout, func() {
		gate.emit(Event{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("execution timed out after %v", req.Timeout),
		})
		cleanup()
	})

	if _, err := worker.Run(req.Code); err != nil {
		gate.emit(Event{Kind: KindError, Message: fmt.Sprintf("submitting code: %v", err)})
		cleanup()
		return NewHandle(func() {})
	}

	return NewHandle(func() {
		cleanup()
		gate.finish()
	})
}
