package javascript

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// collector gathers events from the VM goroutine and signals on the terminal
// event (done, error or timeout).
type collector struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func newCollector() *collector {
	return &collector{done: make(chan struct{})}
}

func (c *collector) onEvent(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	terminal := ev.Kind == EventDone || ev.Kind == EventError || ev.Kind == EventTimeout
	c.mu.Unlock()
	if terminal {
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

// run executes code with defaults and waits for the terminal event.
func run(t *testing.T, e *Executor, code string) []Event {
	t.Helper()
	c := newCollector()
	e.Run(code, Options{}, c.onEvent)
	return c.wait(t)
}

// logs extracts the Text of every log event.
func logs(events []Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == EventLog {
			out = append(out, ev.Text)
		}
	}
	return out
}

func TestRun_ConsoleLog(t *testing.T) {
	e := New(testLogger())

	events := run(t, e, `console.log("hello", 42)`)

	if events[0].Kind != EventStart {
		t.Fatalf("first event = %s, want start", events[0].Kind)
	}
	if events[len(events)-1].Kind != EventDone {
		t.Fatalf("last event = %s, want done", events[len(events)-1].Kind)
	}
	got := logs(events)
	if len(got) != 1 || got[0] != "hello 42" {
		t.Errorf("logs = %v, want [\"hello 42\"]", got)
	}
}

func TestRun_ConsoleLevels(t *testing.T) {
	e := New(testLogger())

	events := run(t, e, `
		console.info("i");
		console.warn("w");
		console.error("e");
	`)

	var levels []string
	for _, ev := range events {
		if ev.Kind == EventLog {
			levels = append(levels, ev.Level)
		}
	}
	want := []string{"info", "warn", "error"}
	if len(levels) != len(want) {
		t.Fatalf("levels = %v, want %v", levels, want)
	}
	for i := range want {
		if levels[i] != want[i] {
			t.Fatalf("levels = %v, want %v", levels, want)
		}
	}
}

func TestRun_SerializesObjects(t *testing.T) {
	e := New(testLogger())

	events := run(t, e, `console.log({a: 1}, [1, 2], null, undefined)`)

	got := logs(events)
	if len(got) != 1 {
		t.Fatalf("logs = %v, want one entry", got)
	}
	if got[0] != `{"a":1} [1,2] null undefined` {
		t.Errorf("serialized = %q", got[0])
	}
}

func TestRun_UncaughtError(t *testing.T) {
	e := New(testLogger())

	events := run(t, e, `throw new Error("boom")`)

	last := events[len(events)-1]
	if last.Kind != EventError {
		t.Fatalf("terminal event = %s, want error", last.Kind)
	}
	if !strings.Contains(last.Message, "boom") {
		t.Errorf("error message = %q, want it to mention boom", last.Message)
	}
	if last.Stack == "" {
		t.Error("error event has no stack")
	}
}

func TestRun_SyntaxError(t *testing.T) {
	e := New(testLogger())

	events := run(t, e, `for (`)

	last := events[len(events)-1]
	if last.Kind != EventError {
		t.Fatalf("terminal event = %s, want error", last.Kind)
	}
}

func TestRun_Timeout(t *testing.T) {
	e := New(testLogger())
	c := newCollector()

	e.Run(`for (;;) {}`, Options{Timeout: 50 * time.Millisecond}, c.onEvent)

	events := c.wait(t)
	last := events[len(events)-1]
	if last.Kind != EventTimeout {
		t.Fatalf("terminal event = %s, want timeout", last.Kind)
	}
	if !strings.Contains(last.Message, "timed out") {
		t.Errorf("timeout message = %q", last.Message)
	}
}

func TestRun_Stop_NoEventsAfter(t *testing.T) {
	e := New(testLogger())
	c := newCollector()

	started := make(chan struct{})
	var once sync.Once
	stop := e.Run(`for (;;) {}`, Options{Timeout: time.Minute}, func(ev Event) {
		c.onEvent(ev)
		if ev.Kind == EventStart {
			once.Do(func() { close(started) })
		}
	})

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never started")
	}

	stop()
	stop() // idempotent

	// No terminal event is emitted by a stopped run; the stream just ends.
	before := c.snapshot()
	time.Sleep(100 * time.Millisecond)
	after := c.snapshot()
	if len(after) != len(before) {
		t.Errorf("events kept arriving after stop: %d → %d", len(before), len(after))
	}
	for _, ev := range after {
		if ev.Kind == EventDone || ev.Kind == EventError || ev.Kind == EventTimeout {
			t.Errorf("stopped run emitted terminal event %s", ev.Kind)
		}
	}
}

func TestRun_BudgetTruncation(t *testing.T) {
	e := New(testLogger())
	c := newCollector()

	e.Run(`for (var i = 0; i < 100; i++) console.log("0123456789")`,
		Options{MaxLogBytes: 35}, c.onEvent)

	events := c.wait(t)

	// Three 10-byte lines fit in 35; the fourth trips the warning; the rest
	// are swallowed; the run itself still completes.
	got := logs(events)
	if len(got) != 4 {
		t.Fatalf("logs = %v, want 3 lines plus one warning", got)
	}
	warning := got[3]
	if !strings.Contains(warning, "truncated") {
		t.Errorf("4th log = %q, want the truncation warning", warning)
	}
	if events[len(events)-1].Kind != EventDone {
		t.Errorf("terminal = %s, want done", events[len(events)-1].Kind)
	}
}

func TestRun_SandboxStripsGlobals(t *testing.T) {
	e := New(testLogger())

	events := run(t, e, `console.log(typeof require, typeof process, typeof module)`)

	got := logs(events)
	if len(got) != 1 || got[0] != "undefined undefined undefined" {
		t.Errorf("logs = %v, want ambient globals stripped", got)
	}
}

func TestRun_TimersAreInert(t *testing.T) {
	e := New(testLogger())

	events := run(t, e, `
		setTimeout(function () { console.log("late") }, 0);
		console.log("sync");
	`)

	got := logs(events)
	if len(got) != 1 || got[0] != "sync" {
		t.Errorf("logs = %v, want only the synchronous line", got)
	}
	if events[len(events)-1].Kind != EventDone {
		t.Errorf("terminal = %s, want done", events[len(events)-1].Kind)
	}
}

func TestRun_TopLevelReturn(t *testing.T) {
	e := New(testLogger())

	events := run(t, e, `
		return;
		console.log("unreachable");
	`)

	if events[len(events)-1].Kind != EventDone {
		t.Fatalf("terminal = %s, want done", events[len(events)-1].Kind)
	}
	if got := logs(events); len(got) != 0 {
		t.Errorf("logs = %v, want none", got)
	}
}

func TestRun_SequentialRunsShareContext(t *testing.T) {
	e := New(testLogger())

	run(t, e, `x = 5`)
	events := run(t, e, `console.log(x)`)

	got := logs(events)
	if len(got) != 1 || got[0] != "5" {
		t.Errorf("logs = %v, want the global from the previous run", got)
	}
}

func TestRun_TimeoutDestroysContext(t *testing.T) {
	e := New(testLogger())

	// First run sets a global, then spins until the watchdog kills the VM.
	c := newCollector()
	e.Run(`y = 7; for (;;) {}`, Options{Timeout: 50 * time.Millisecond}, c.onEvent)
	c.wait(t)

	// The replacement VM must not see the old global.
	events := run(t, e, `console.log(typeof y)`)
	got := logs(events)
	if len(got) != 1 || got[0] != "undefined" {
		t.Errorf("logs = %v, want a fresh context after timeout", got)
	}
}

func TestRun_EventsCarrySessionToken(t *testing.T) {
	e := New(testLogger())

	events := run(t, e, `console.log("t")`)

	for _, ev := range events {
		if ev.Token != e.Token() {
			t.Errorf("event %s carries token %q, want %q", ev.Kind, ev.Token, e.Token())
		}
	}
}
