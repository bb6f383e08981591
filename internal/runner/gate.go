package runner

import "sync"

// eventGate sits between the executors and the consumer callback. It stamps
// events with the run's id and language, enforces the shared output-byte
// budget, guarantees exactly one terminal event on the emit path, and drops
// everything once closed (after Stop returns, nothing is ever delivered
// again).
//
// The budget counts the text bytes of stdout/stderr events. Raw log events
// are not double-counted — their stdout mirror already is — but they are
// suppressed alongside output once the budget is exhausted. result, error and
// terminal events are never suppressed.
type eventGate struct {
	runID    string
	language Language
	onEvent  func(Event)

	mu        sync.Mutex
	remaining int
	truncated bool
	terminal  bool
	closed    bool
}

func newEventGate(runID string, language Language, maxLogBytes int, onEvent func(Event)) *eventGate {
	return &eventGate{
		runID:     runID,
		language:  language,
		onEvent:   onEvent,
		remaining: maxLogBytes,
	}
}

// emit delivers one event, applying budget and terminal rules.
func (g *eventGate) emit(ev Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.terminal {
		return
	}

	switch ev.Kind {
	case KindStdout, KindStderr:
		if g.truncated {
			return
		}
		if len(ev.Text) > g.remaining {
			g.truncated = true
			g.send(Event{
				Kind:  KindStderr,
				Level: "warn",
				Text:  "output limit exceeded; further output suppressed",
			})
			return
		}
		g.remaining -= len(ev.Text)
	case KindLog:
		if g.truncated {
			return
		}
	case KindDone, KindError, KindTimeout:
		g.terminal = true
	}

	g.send(ev)
}

// finish emits the terminal done event if the run has none yet, then closes
// the gate. Called from Stop and from natural-completion cleanup.
func (g *eventGate) finish() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed && !g.terminal {
		g.terminal = true
		g.send(Event{Kind: KindDone})
	}
	g.closed = true
}

// reject reports an unsupported-language run: error immediately followed by
// done, then the gate closes. No isolation context is ever created.
func (g *eventGate) reject(message string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.terminal {
		return
	}
	g.send(Event{Kind: KindError, Message: message})
	g.terminal = true
	g.send(Event{Kind: KindDone})
	g.closed = true
}

// send stamps and delivers without any gating; callers hold g.mu.
func (g *eventGate) send(ev Event) {
	ev.RunID = g.runID
	ev.Language = g.language
	g.onEvent(ev)
}
