package python

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
)

// Frame markers for worker→host messages. The bootstrap wraps every control
// message as \x00LAB:{json}\x00 on the module's stderr stream; anything
// outside a frame is interpreter noise and passes through as stderr text.
const (
	framePrefix = "\x00LAB:"
	frameSuffix = "\x00"
)

// MessageKind identifies one worker→host message.
type MessageKind string

const (
	MessageReady  MessageKind = "ready"  // interpreter loaded, session loop running
	MessageStart  MessageKind = "start"  // stream redirection installed, code about to run
	MessageStdout MessageKind = "stdout" // one stdout write
	MessageStderr MessageKind = "stderr" // one stderr write
	MessageResult MessageKind = "result" // final expression value (may be empty)
	MessageError  MessageKind = "error"  // evaluation raised
)

// Message is the envelope for everything the worker posts back. Both sides
// drop messages that do not carry the current session token — including stale
// frames from a terminated prior worker.
type Message struct {
	Kind  MessageKind `json:"type"`
	Token string      `json:"token"`
	RunID string      `json:"runId"`
	Text  string      `json:"text,omitempty"`
}

// command is the host→worker envelope, written as one JSON line on stdin.
type command struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	RunID string `json:"runId"`
	Code  string `json:"code"`
}

// protocolReader is installed as the module's stderr (and stdout) sink. It
// extracts framed messages from the byte stream, validates their token, and
// forwards them; unframed content is reported through noise.
//
// Frames may be split across arbitrarily small writes, so the reader keeps a
// rolling buffer and only consumes complete frames.
type protocolReader struct {
	token   string
	forward func(Message)
	noise   func(string)

	mu  sync.Mutex
	buf bytes.Buffer
}

func newProtocolReader(token string, forward func(Message), noise func(string)) *protocolReader {
	return &protocolReader{token: token, forward: forward, noise: noise}
}

func (p *protocolReader) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.Write(data)

	for {
		content := p.buf.String()

		start := strings.Index(content, framePrefix)
		if start == -1 {
			// No frame start anywhere. Flush all but a possible partial
			// prefix at the tail so a marker split across writes survives.
			keep := partialPrefixLen(content)
			if flushed := content[:len(content)-keep]; flushed != "" {
				p.noise(flushed)
			}
			p.buf.Reset()
			p.buf.WriteString(content[len(content)-keep:])
			return len(data), nil
		}

		if start > 0 {
			p.noise(content[:start])
		}

		end := strings.Index(content[start+len(framePrefix):], frameSuffix)
		if end == -1 {
			// Frame not complete yet; keep it buffered.
			p.buf.Reset()
			p.buf.WriteString(content[start:])
			return len(data), nil
		}

		payload := content[start+len(framePrefix) : start+len(framePrefix)+end]
		p.buf.Reset()
		p.buf.WriteString(content[start+len(framePrefix)+end+len(frameSuffix):])

		var msg Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			// Malformed frame: drop silently, it cannot be attributed.
			continue
		}
		if msg.Token != p.token {
			continue
		}
		p.forward(msg)
	}
}

// partialPrefixLen returns how many trailing bytes of s could be the start of
// framePrefix.
func partialPrefixLen(s string) int {
	max := len(framePrefix) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(framePrefix, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}
