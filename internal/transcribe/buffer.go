// Package transcribe accumulates recognized speech into message text.
package transcribe

import (
	"strings"
	"sync"
)

// Buffer joins the finalized utterances of one recording into a single block.
// Each utterance is a new sentence, so it is appended rather than replacing
// what came before.
type Buffer struct {
	mu   sync.Mutex
	text string
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds text separated from existing content by a single space.
// Whitespace-only text is ignored.
func (b *Buffer) Append(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.text == "" {
		b.text = text
		return
	}
	b.text += " " + text
}

// FlushAndClear returns the trimmed content and empties the buffer. ok is
// false when there was nothing worth turning into a message.
func (b *Buffer) FlushAndClear() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := strings.TrimSpace(b.text)
	b.text = ""
	return out, out != ""
}

// Text returns the current content without clearing it.
func (b *Buffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

func (b *Buffer) Reset() {
	b.mu.Lock()
	b.text = ""
	b.mu.Unlock()
}
