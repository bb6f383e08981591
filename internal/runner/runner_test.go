package runner

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sakif/compiler-lab/internal/executor/javascript"
	"github.com/sakif/compiler-lab/internal/executor/python"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// collector gathers events from a run and signals when the terminal event
// lands. Events can arrive on executor goroutines, hence the mutex.
type collector struct {
	mu       sync.Mutex
	events   []Event
	signaled bool
	done     chan struct{}
}

func newCollector() *collector {
	return &collector{done: make(chan struct{})}
}

// signaled guards the close: the rejection path delivers error AND done.
func (c *collector) onEvent(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	fire := ev.Kind.Terminal() && !c.signaled
	if fire {
		c.signaled = true
	}
	c.mu.Unlock()
	if fire {
		close(c.done)
	}
}

func (c *collector) wait(t *testing.T) []Event {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal event")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// fakeJS is a scripted JSExecutor. Run replays Script synchronously and
// records the stop function being called.
type fakeJS struct {
	Script  []javascript.Event
	Stopped bool

	// emit is captured so tests can push events after Run returned,
	// e.g. to verify nothing is delivered after Stop.
	emit func(javascript.Event)
}

func (f *fakeJS) Run(code string, opts javascript.Options, onEvent func(javascript.Event)) func() {
	f.emit = onEvent
	for _, ev := range f.Script {
		onEvent(ev)
	}
	return func() { f.Stopped = true }
}

// fakePython is a scripted PythonWorker. Tests drive it by calling push with
// worker messages after Run was invoked.
type fakePython struct {
	mu       sync.Mutex
	handler  func(python.Message)
	ranCode  string
	disposed chan struct{}
}

func newFakePython() *fakePython {
	return &fakePython{disposed: make(chan struct{})}
}

func (f *fakePython) Run(code string) (string, error) {
	f.mu.Lock()
	f.ranCode = code
	f.mu.Unlock()
	return "fake-run", nil
}

func (f *fakePython) OnMessage(fn func(python.Message)) func() {
	f.mu.Lock()
	f.handler = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.handler = nil
		f.mu.Unlock()
	}
}

func (f *fakePython) Dispose() error {
	select {
	case <-f.disposed:
	default:
		close(f.disposed)
	}
	return nil
}

func (f *fakePython) push(msg python.Message) {
	f.mu.Lock()
	fn := f.handler
	f.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (f *fakePython) waitDisposed(t *testing.T) {
	t.Helper()
	select {
	case <-f.disposed:
	case <-time.After(5 * time.Second):
		t.Fatal("worker was never disposed")
	}
}

// newTestRunner wires a Runner to the given fakes.
func newTestRunner(js *fakeJS, py *fakePython) *Runner {
	r := New(Config{}, testLogger())
	if js != nil {
		r.newJS = func() (JSExecutor, error) { return js, nil }
	}
	if py != nil {
		r.newPython = func(cfg python.Config) (PythonWorker, error) { return py, nil }
	}
	return r
}

func kinds(events []Event) []Kind {
	out := make([]Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func assertKinds(t *testing.T, events []Event, want ...Kind) {
	t.Helper()
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("event kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event kinds = %v, want %v", got, want)
		}
	}
}

// =========================================================================
// DISPATCH AND STREAM SHAPE
// =========================================================================

func TestRun_UnsupportedLanguage(t *testing.T) {
	r := newTestRunner(&fakeJS{}, newFakePython())
	c := newCollector()

	r.Run(Request{Language: "cobol", Code: "DISPLAY 'HI'."}, c.onEvent)

	events := c.wait(t)
	assertKinds(t, events, KindInit, KindError, KindDone)

	if !strings.Contains(events[1].Message, "cobol") {
		t.Errorf("error message %q should echo the rejected tag", events[1].Message)
	}
	// The raw tag is echoed back as the language, since no canonical one exists.
	if events[0].Language != Language("cobol") {
		t.Errorf("Language = %q, want the raw tag", events[0].Language)
	}
}

func TestRun_FreshRunIDPerRun(t *testing.T) {
	js := &fakeJS{Script: []javascript.Event{{Kind: javascript.EventStart}, {Kind: javascript.EventDone}}}
	r := newTestRunner(js, nil)

	c1 := newCollector()
	r.Run(Request{Language: "javascript", Code: "1"}, c1.onEvent)
	ev1 := c1.wait(t)

	c2 := newCollector()
	r.Run(Request{Language: "javascript", Code: "2"}, c2.onEvent)
	ev2 := c2.wait(t)

	if ev1[0].RunID == "" {
		t.Fatal("runId not set")
	}
	if ev1[0].RunID == ev2[0].RunID {
		t.Errorf("two runs shared runId %q", ev1[0].RunID)
	}

	// Every event of a run carries that run's id.
	for _, ev := range ev1 {
		if ev.RunID != ev1[0].RunID {
			t.Errorf("event %s has runId %q, want %q", ev.Kind, ev.RunID, ev1[0].RunID)
		}
	}
}

func TestRun_LanguageAliases(t *testing.T) {
	for _, tag := range []string{"js", "typescript", "ts"} {
		js := &fakeJS{Script: []javascript.Event{{Kind: javascript.EventDone}}}
		r := newTestRunner(js, nil)
		c := newCollector()

		r.Run(Request{Language: tag, Code: "1"}, c.onEvent)

		events := c.wait(t)
		if events[0].Language != LanguageJavaScript {
			t.Errorf("tag %q: Language = %q, want %q", tag, events[0].Language, LanguageJavaScript)
		}
	}
}

// =========================================================================
// JAVASCRIPT NORMALIZATION
// =========================================================================

func TestRun_JavaScript_MirrorsLogAsStdout(t *testing.T) {
	js := &fakeJS{Script: []javascript.Event{
		{Kind: javascript.EventStart},
		{Kind: javascript.EventLog, Level: "log", Text: "hello"},
		{Kind: javascript.EventDone},
	}}
	r := newTestRunner(js, nil)
	c := newCollector()

	r.Run(Request{Language: "javascript", Code: "console.log('hello')"}, c.onEvent)

	events := c.wait(t)
	assertKinds(t, events, KindInit, KindStart, KindLog, KindStdout, KindDone)

	if events[2].Text != "hello" || events[3].Text != "hello" {
		t.Errorf("log/stdout pair texts = %q / %q, want both %q", events[2].Text, events[3].Text, "hello")
	}
	if events[2].Level != "log" {
		t.Errorf("log level = %q, want %q", events[2].Level, "log")
	}
}

func TestRun_JavaScript_Error(t *testing.T) {
	js := &fakeJS{Script: []javascript.Event{
		{Kind: javascript.EventStart},
		{Kind: javascript.EventError, Message: "ReferenceError: x is not defined", Stack: "at snippet.js:2"},
	}}
	r := newTestRunner(js, nil)
	c := newCollector()

	r.Run(Request{Language: "javascript", Code: "x"}, c.onEvent)

	events := c.wait(t)
	assertKinds(t, events, KindInit, KindStart, KindError)
	if events[2].Stack == "" {
		t.Error("error event dropped the stack")
	}
}

func TestRun_JavaScript_Timeout(t *testing.T) {
	js := &fakeJS{Script: []javascript.Event{
		{Kind: javascript.EventStart},
		{Kind: javascript.EventTimeout, Message: "execution timed out after 5s"},
	}}
	r := newTestRunner(js, nil)
	c := newCollector()

	r.Run(Request{Language: "javascript", Code: "while(true){}"}, c.onEvent)

	events := c.wait(t)
	assertKinds(t, events, KindInit, KindStart, KindTimeout)
}

func TestRun_Stop_SealsStream(t *testing.T) {
	// Script without a terminal event: the run stays open until Stop.
	js := &fakeJS{Script: []javascript.Event{{Kind: javascript.EventStart}}}
	r := newTestRunner(js, nil)
	c := newCollector()

	handle := r.Run(Request{Language: "javascript", Code: "..."}, c.onEvent)
	handle.Stop()

	// Stop tears down the executor and closes the stream with done.
	events := c.wait(t)
	assertKinds(t, events, KindInit, KindStart, KindDone)
	if !js.Stopped {
		t.Error("Stop() did not reach the executor")
	}

	// A straggler from the torn-down run must be dropped.
	js.emit(javascript.Event{Kind: javascript.EventLog, Level: "log", Text: "late"})
	if got := c.snapshot(); len(got) != 3 {
		t.Errorf("late event leaked through a sealed stream: %v", kinds(got))
	}

	// Stop is idempotent.
	handle.Stop()
	handle.Stop()
}

// =========================================================================
// PYTHON NORMALIZATION
// =========================================================================

func TestRun_Python_ResultThenDone(t *testing.T) {
	py := newFakePython()
	r := newTestRunner(nil, py)
	c := newCollector()

	r.Run(Request{Language: "python", Code: "6 * 7"}, c.onEvent)

	py.push(python.Message{Kind: python.MessageStart})
	py.push(python.Message{Kind: python.MessageStdout, Text: "computing\n"})
	py.push(python.Message{Kind: python.MessageResult, Text: "42"})

	events := c.wait(t)
	assertKinds(t, events, KindInit, KindStart, KindStdout, KindResult, KindDone)
	if events[3].Value != "42" {
		t.Errorf("result value = %q, want %q", events[3].Value, "42")
	}

	// Natural completion disposes the worker.
	py.waitDisposed(t)
}

func TestRun_Python_EmptyResultIsJustDone(t *testing.T) {
	py := newFakePython()
	r := newTestRunner(nil, py)
	c := newCollector()

	r.Run(Request{Language: "py", Code: "x = 1"}, c.onEvent)

	py.push(python.Message{Kind: python.MessageStart})
	py.push(python.Message{Kind: python.MessageResult, Text: ""})

	events := c.wait(t)
	assertKinds(t, events, KindInit, KindStart, KindDone)
}

func TestRun_Python_ErrorDisposesWorker(t *testing.T) {
	py := newFakePython()
	r := newTestRunner(nil, py)
	c := newCollector()

	r.Run(Request{Language: "python", Code: "1/0"}, c.onEvent)

	py.push(python.Message{Kind: python.MessageStart})
	py.push(python.Message{Kind: python.MessageError, Text: "ZeroDivisionError: division by zero"})

	events := c.wait(t)
	assertKinds(t, events, KindInit, KindStart, KindError)
	py.waitDisposed(t)
}

func TestRun_Python_HostTimeout(t *testing.T) {
	py := newFakePython()
	r := newTestRunner(nil, py)
	c := newCollector()

	// The worker never responds — only the host-side timer can end this run.
	r.Run(Request{Language: "python", Code: "while True: pass", Timeout: 20 * time.Millisecond}, c.onEvent)

	events := c.wait(t)
	last := events[len(events)-1]
	if last.Kind != KindTimeout {
		t.Fatalf("terminal event = %s, want timeout", last.Kind)
	}
	py.waitDisposed(t)
}

func TestRun_Python_IndexURLFallback(t *testing.T) {
	var captured []python.Config

	r := New(Config{IndexURL: "https://example.com/runner-default.wasm"}, testLogger())
	r.newPython = func(cfg python.Config) (PythonWorker, error) {
		captured = append(captured, cfg)
		return newFakePython(), nil
	}

	// No per-request override: the runner-level default applies.
	r.Run(Request{Language: "python", Code: "1"}, func(Event) {})
	// Per-request override wins.
	r.Run(Request{Language: "python", Code: "1", IndexURL: "file:///opt/local.wasm"}, func(Event) {})

	if len(captured) != 2 {
		t.Fatalf("worker constructed %d times, want 2", len(captured))
	}
	if captured[0].IndexURL != "https://example.com/runner-default.wasm" {
		t.Errorf("default IndexURL = %q", captured[0].IndexURL)
	}
	if captured[1].IndexURL != "file:///opt/local.wasm" {
		t.Errorf("override IndexURL = %q", captured[1].IndexURL)
	}
}

// =========================================================================
// OUTPUT BUDGET (event gate)
// =========================================================================

func TestGate_BudgetEmitsOneWarningThenSuppresses(t *testing.T) {
	var events []Event
	gate := newEventGate("run-1", LanguagePython, 10, func(ev Event) { events = append(events, ev) })

	gate.emit(Event{Kind: KindStdout, Text: "12345"})    // 5 bytes, fits
	gate.emit(Event{Kind: KindStdout, Text: "1234567"})  // would exceed → warning
	gate.emit(Event{Kind: KindStdout, Text: "x"})        // suppressed
	gate.emit(Event{Kind: KindStderr, Text: "stderr x"}) // suppressed too (shared budget)
	gate.emit(Event{Kind: KindDone})

	assertKinds(t, events, KindStdout, KindStderr, KindDone)

	warning := events[1]
	if warning.Level != "warn" || !strings.Contains(warning.Text, "output limit") {
		t.Errorf("truncation warning = %+v", warning)
	}
}

func TestGate_LogSuppressedAfterTruncationButNotCounted(t *testing.T) {
	var events []Event
	gate := newEventGate("run-1", LanguageJavaScript, 5, func(ev Event) { events = append(events, ev) })

	// A large log event passes: raw log events don't draw on the budget
	// (their stdout mirror does).
	gate.emit(Event{Kind: KindLog, Level: "log", Text: "0123456789"})
	gate.emit(Event{Kind: KindStdout, Text: "0123456789"}) // exceeds → warning
	gate.emit(Event{Kind: KindLog, Level: "log", Text: "after"})
	gate.emit(Event{Kind: KindDone})

	assertKinds(t, events, KindLog, KindStderr, KindDone)
}

func TestGate_NothingAfterTerminal(t *testing.T) {
	var events []Event
	gate := newEventGate("run-1", LanguagePython, 1024, func(ev Event) { events = append(events, ev) })

	gate.emit(Event{Kind: KindError, Message: "boom"})
	gate.emit(Event{Kind: KindStdout, Text: "late"})
	gate.emit(Event{Kind: KindDone})
	gate.finish()

	assertKinds(t, events, KindError)
}

func TestGate_FinishIsTerminalFallback(t *testing.T) {
	var events []Event
	gate := newEventGate("run-1", LanguagePython, 1024, func(ev Event) { events = append(events, ev) })

	gate.emit(Event{Kind: KindStart})
	gate.finish()
	gate.finish() // idempotent

	assertKinds(t, events, KindStart, KindDone)
}
