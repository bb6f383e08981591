// Package javascript executes untrusted JavaScript inside a goja VM.
//
// ISOLATION MODEL:
// Each Executor owns at most one live VM at a time — the "isolation context".
// The VM runs user code on its own goroutine and has its ambient capabilities
// stripped before any code executes: no require, no process, no filesystem,
// and timer functions are inert stubs. The only way data leaves the sandbox is
// through the console harness, which forwards calls as events.
//
// Because the timer stubs never schedule anything and no event loop is
// installed, code runs strictly synchronously: a deferred callback can never
// fire after the run completes, so "late asynchronous errors" are structurally
// impossible rather than silently dropped.
//
// SESSION TOKENS:
// Every event is stamped with a random session token generated when the
// Executor is constructed, and the emitter drops anything that does not carry
// the current token. In-process this looks redundant, but it is what lets a
// consumer discard stale events from a previous, stopped run (the goroutine of
// an interrupted run can still be unwinding when the next run starts).
package javascript

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/xid"
)

// Defaults applied when Options fields are zero.
const (
	DefaultTimeout     = 5 * time.Second
	DefaultMaxLogBytes = 64 * 1024
)

// EventKind identifies one raw executor event. The runner translates these
// into the canonical run-event union.
type EventKind string

const (
	EventStart   EventKind = "start"
	EventLog     EventKind = "log"
	EventError   EventKind = "error"
	EventTimeout EventKind = "timeout"
	EventDone    EventKind = "done"
)

// Event is a raw message from the sandbox to the host. Run scoping (runId) is
// the caller's concern; the executor scopes events by session token only.
type Event struct {
	Kind    EventKind
	Token   string
	Level   string
	Text    string
	Message string
	Stack   string
}

// Options configures one run.
type Options struct {
	Timeout     time.Duration
	MaxLogBytes int
}

// Sentinel causes for VM interruption. User code cannot catch an interrupt,
// so neither of these can be suppressed from inside the sandbox.
var (
	errWatchdog = errors.New("watchdog: deadline exceeded")
	errStopped  = errors.New("run stopped")
)

// Executor runs JavaScript snippets in a sandboxed VM.
//
// A live VM is reused across sequential runs (globals persist, like a reused
// iframe); it is destroyed and replaced after a stop or timeout. Runs are not
// concurrent — callers wanting parallel runs create separate Executors.
type Executor struct {
	logger *slog.Logger
	token  string

	mu sync.Mutex
	vm *goja.Runtime // live isolation context, nil until first Run
}

// New creates an Executor with a fresh session token.
func New(logger *slog.Logger) *Executor {
	return &Executor{
		logger: logger,
		token:  xid.New().String(),
	}
}

// Token returns the session token stamped on every event.
func (e *Executor) Token() string { return e.token }

// Run executes code and reports progress through onEvent. It returns
// immediately; events arrive on the VM goroutine.
//
// Event order is strict: start, zero or more log, then exactly one of done
// (ran to completion) or error (uncaught throw) — unless the watchdog fires
// first, in which case timeout is the terminal event and the context is
// destroyed.
//
// The returned stop function cancels the watchdog, destroys the context and
// seals the event stream; it is idempotent and safe after completion. No
// events are delivered after stop returns.
func (e *Executor) Run(code string, opts Options, onEvent func(Event)) (stop func()) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxLogBytes <= 0 {
		opts.MaxLogBytes = DefaultMaxLogBytes
	}

	em := newEmitter(e.token, onEvent)
	vm := e.acquireVM()

	// Host-side watchdog, independent of the sandbox. Firing it reports the
	// timeout and then forcibly interrupts the VM — code inside the sandbox
	// cannot observe, catch or suppress it.
	watchdog := time.AfterFunc(opts.Timeout, func() {
		em.emit(Event{
			Kind:    EventTimeout,
			Message: fmt.Sprintf("execution timed out after %v", opts.Timeout),
		})
		em.seal()
		e.destroyVM(vm, errWatchdog)
	})

	go e.evaluate(vm, code, em, watchdog, opts.MaxLogBytes)

	var once sync.Once
	return func() {
		once.Do(func() {
			watchdog.Stop()
			em.seal()
			e.destroyVM(vm, errStopped)
		})
	}
}

// evaluate is the body of the VM goroutine: install the harness, compile the
// snippet as a top-level function body, run it, and report the outcome.
func (e *Executor) evaluate(vm *goja.Runtime, code string, em *emitter, watchdog *time.Timer, maxLogBytes int) {
	defer func() {
		// A panic out of goja would otherwise kill the process; fold it
		// into the event stream like any other execution failure.
		if r := recover(); r != nil {
			watchdog.Stop()
			em.emit(Event{Kind: EventError, Message: fmt.Sprintf("sandbox panic: %v", r)})
			em.seal()
			e.logger.Error("javascript sandbox panic", slog.Any("panic", r))
		}
	}()

	installHarness(vm, em, maxLogBytes)
	em.emit(Event{Kind: EventStart})

	// Fresh compile per run, as a function body: declarations stay local and
	// a bare `return` at top level is legal, matching how browsers evaluate
	// injected script bodies.
	prog, err := goja.Compile("snippet.js", "(function () {\n"+code+"\n})();", false)
	if err != nil {
		watchdog.Stop()
		em.emit(Event{Kind: EventError, Message: err.Error()})
		em.seal()
		return
	}

	_, err = vm.RunProgram(prog)
	watchdog.Stop()

	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			// Watchdog or stop already reported and sealed; nothing to add.
			em.seal()
			return
		}
		ev := Event{Kind: EventError, Message: err.Error()}
		var exc *goja.Exception
		if errors.As(err, &exc) {
			ev.Message = exc.Error()
			ev.Stack = exc.String()
		}
		em.emit(ev)
		em.seal()
		return
	}

	em.emit(Event{Kind: EventDone})
	em.seal()
}

// acquireVM returns the live isolation context, creating one if needed.
// Sequential runs share a context; only stop/timeout tears it down.
func (e *Executor) acquireVM() *goja.Runtime {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.vm == nil {
		vm := goja.New()
		vm.SetMaxCallStackSize(1024)
		e.vm = vm
	}
	return e.vm
}

// destroyVM interrupts the context and forgets it, so the next run starts on
// a fresh VM. Safe to call for an already-replaced context.
func (e *Executor) destroyVM(vm *goja.Runtime, cause error) {
	vm.Interrupt(cause)
	e.mu.Lock()
	if e.vm == vm {
		e.vm = nil
	}
	e.mu.Unlock()
}

// installHarness strips dangerous globals and wires the console bridge into
// the VM. Called before every run so the console closes over that run's
// emitter and output budget.
func installHarness(vm *goja.Runtime, em *emitter, maxLogBytes int) {
	vm.Set("require", goja.Undefined())
	vm.Set("process", goja.Undefined())
	vm.Set("module", goja.Undefined())
	vm.Set("exports", goja.Undefined())

	noop := func(call goja.FunctionCall) goja.Value { return goja.Undefined() }
	vm.Set("setTimeout", noop)
	vm.Set("setInterval", noop)
	vm.Set("clearTimeout", noop)
	vm.Set("clearInterval", noop)

	// Per-run output budget. The serialized byte length of each call is
	// checked before forwarding; once exceeded, one truncation warning is
	// emitted and everything further is swallowed. Accessed only from the VM
	// goroutine, so no locking.
	remaining := maxLogBytes
	truncated := false

	makeLevel := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			if truncated {
				return goja.Undefined()
			}
			text := serializeArgs(call.Arguments)
			if len(text) > remaining {
				truncated = true
				em.emit(Event{
					Kind:  EventLog,
					Level: "warn",
					Text:  "log output truncated: byte limit exceeded",
				})
				return goja.Undefined()
			}
			remaining -= len(text)
			em.emit(Event{Kind: EventLog, Level: level, Text: text})
			return goja.Undefined()
		}
	}

	console := vm.NewObject()
	console.Set("log", makeLevel("log"))
	console.Set("info", makeLevel("info"))
	console.Set("warn", makeLevel("warn"))
	console.Set("error", makeLevel("error"))
	vm.Set("console", console)
}

// serializeArgs renders console arguments the way DevTools would: strings
// verbatim, everything else JSON-serialized, joined by single spaces.
func serializeArgs(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, serializeValue(a))
	}
	return strings.Join(parts, " ")
}

func serializeValue(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return v.String()
	}
	exported := v.Export()
	if s, ok := exported.(string); ok {
		return s
	}
	b, err := json.Marshal(exported)
	if err != nil {
		// Serialization failure never throws out of the logging path:
		// fall back to best-effort string coercion.
		return v.String()
	}
	return string(b)
}

// emitter is the single gate between sandbox and host. It stamps events with
// the session token, validates the token on delivery, enforces the one-
// terminal-event rule, and drops everything once sealed.
type emitter struct {
	token   string
	onEvent func(Event)

	mu       sync.Mutex
	sealed   bool
	terminal bool
}

func newEmitter(token string, onEvent func(Event)) *emitter {
	return &emitter{token: token, onEvent: onEvent}
}

func (m *emitter) emit(ev Event) {
	ev.Token = m.token
	m.deliver(ev)
}

// deliver drops events carrying a foreign token and anything after the
// terminal event or after sealing.
func (m *emitter) deliver(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealed || m.terminal || ev.Token != m.token {
		return
	}
	if ev.Kind == EventDone || ev.Kind == EventError || ev.Kind == EventTimeout {
		m.terminal = true
	}
	m.onEvent(ev)
}

func (m *emitter) seal() {
	m.mu.Lock()
	m.sealed = true
	m.mu.Unlock()
}
