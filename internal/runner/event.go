// Package runner is the unified code-execution orchestrator.
//
// A consumer hands it one Request and an event callback; the runner picks the
// right sandboxed executor for the language, drives it, and translates the
// executor's raw messages into one canonical event stream. The runner also
// enforces the run-wide output budget and the host-side timeout, and returns
// a Handle whose Stop cancels everything.
//
// THE EVENT STREAM CONTRACT:
// Every run emits exactly one "init" (synchronously, before any isolation
// context exists), at most one "start", and a closing terminal event — no
// matter whether the run completes, throws, times out or is cancelled.
// Executor-driven runs close with exactly one of "done", "error" or "timeout";
// an unsupported-language rejection closes with "error" immediately followed
// by "done". Consumers track completion only through events, never through
// return values.
package runner

import (
	"fmt"
	"time"
)

// Kind identifies one variant of the canonical event union.
type Kind string

const (
	KindInit    Kind = "init"    // run accepted, no execution yet
	KindStart   Kind = "start"   // isolation context ready, code about to run
	KindStdout  Kind = "stdout"  // normal output
	KindStderr  Kind = "stderr"  // error-stream output
	KindLog     Kind = "log"     // raw console call (JavaScript only)
	KindResult  Kind = "result"  // final expression value (Python only)
	KindError   Kind = "error"   // execution failed
	KindTimeout Kind = "timeout" // host-enforced deadline exceeded
	KindDone    Kind = "done"    // run completed or was cleaned up
)

// Terminal reports whether this kind ends a run. Executor-driven runs deliver
// exactly one terminal event, always last; the unsupported-language rejection
// closes with error immediately followed by done.
func (k Kind) Terminal() bool {
	return k == KindDone || k == KindError || k == KindTimeout
}

// Event is the canonical output unit of a run.
//
// All variants carry the runId that scopes them. Consumers must ignore events
// whose runId does not match the run they are tracking — that is the defence
// against stale events from a previous, stopped run arriving late.
type Event struct {
	Kind     Kind     `json:"type"`
	RunID    string   `json:"runId"`
	Language Language `json:"language"`
	Text     string   `json:"text,omitempty"`
	Level    string   `json:"level,omitempty"`
	Value    string   `json:"value,omitempty"`
	Message  string   `json:"message,omitempty"`
	Stack    string   `json:"stack,omitempty"`
}

// Language is the closed set of execution targets. Dispatch happens on this
// enum, never on raw strings — unknown tags are rejected up front with
// ErrUnsupportedLanguage rather than falling through a comparison chain.
type Language string

const (
	LanguageJavaScript Language = "javascript"
	LanguagePython     Language = "python"
)

// ParseLanguage maps a user-supplied language tag to its canonical Language.
//
// TypeScript tags are accepted and run as plain JavaScript: this layer assumes
// the code is already reducible to executable script text and performs no
// transpilation.
func ParseLanguage(tag string) (Language, error) {
	switch tag {
	case "javascript", "js", "typescript", "ts":
		return LanguageJavaScript, nil
	case "python", "py":
		return LanguagePython, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, tag)
	}
}

// Defaults applied by Request.withDefaults.
const (
	DefaultTimeout     = 5 * time.Second
	DefaultMaxLogBytes = 64 * 1024
)

// Request describes one execution attempt. It is treated as immutable once
// handed to Run.
type Request struct {
	// Language is the user-supplied tag ("javascript", "py", ...).
	Language string
	// Code is the snippet to execute. No length cap is enforced here — the
	// persistence boundary has its own — but output is budgeted below.
	Code string
	// Timeout bounds the whole run host-side. Zero means DefaultTimeout.
	Timeout time.Duration
	// MaxLogBytes caps cumulative captured output for the run.
	// Zero means DefaultMaxLogBytes.
	MaxLogBytes int
	// IndexURL optionally overrides where the Python interpreter runtime
	// asset is fetched from. Ignored for other languages.
	IndexURL string
}

func (r Request) withDefaults() Request {
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}
	if r.MaxLogBytes <= 0 {
		r.MaxLogBytes = DefaultMaxLogBytes
	}
	return r
}
