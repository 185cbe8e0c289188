package strategy

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// LogLine is one entry of an instance's log.
type LogLine struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// logBuffer keeps the most recent lines an instance logged and mirrors
// them to the process log.
type logBuffer struct {
	prefix string

	mu    sync.Mutex
	lines []LogLine
	next  int
	full  bool
}

func newLogBuffer(prefix string, size int) *logBuffer {
	if size <= 0 {
		size = 500
	}
	return &logBuffer{prefix: prefix, lines: make([]LogLine, size)}
}

func (b *logBuffer) Printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("%s %s", b.prefix, msg)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines[b.next] = LogLine{Time: time.Now(), Message: msg}
	b.next = (b.next + 1) % len(b.lines)
	if b.next == 0 {
		b.full = true
	}
}

// Tail returns up to n lines, oldest first. n <= 0 returns everything kept.
func (b *logBuffer) Tail(n int) []LogLine {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []LogLine
	if b.full {
		out = append(out, b.lines[b.next:]...)
	}
	out = append(out, b.lines[:b.next]...)
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}
