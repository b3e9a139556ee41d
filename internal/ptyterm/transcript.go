package ptyterm

import (
	"strings"
	"sync"
)

// DefaultTranscriptRows bounds the transcript when no row count is given.
const DefaultTranscriptRows = 2000

// TranscriptView is a snapshot of the most recent transcript lines.
type TranscriptView struct {
	Lines      []string
	TotalLines int
	// Partial is the current line that has not been terminated yet.
	Partial string
}

// transcript stores terminal output as lines, keeping at most maxLines.
type transcript struct {
	mu       sync.Mutex
	lines    []string
	partial  strings.Builder
	maxLines int
}

func newTranscript(maxLines int) *transcript {
	if maxLines <= 0 {
		maxLines = DefaultTranscriptRows
	}
	return &transcript{maxLines: maxLines}
}

// Write splits p into lines. Carriage returns before a newline are dropped.
func (t *transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rest := string(p)
	for {
		idx := strings.IndexByte(rest, '\n')
		if idx < 0 {
			t.partial.WriteString(rest)
			break
		}
		t.partial.WriteString(rest[:idx])
		line := strings.TrimSuffix(t.partial.String(), "\r")
		t.partial.Reset()
		t.append(line)
		rest = rest[idx+1:]
	}
	return len(p), nil
}

func (t *transcript) append(lines ...string) {
	t.lines = append(t.lines, lines...)
	if len(t.lines) > t.maxLines {
		trim := len(t.lines) - t.maxLines
		t.lines = append([]string(nil), t.lines[trim:]...)
	}
}

// Snapshot returns up to limit of the newest lines. limit <= 0 returns all.
func (t *transcript) Snapshot(limit int) TranscriptView {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := len(t.lines)
	if limit <= 0 || limit > total {
		limit = total
	}
	lines := make([]string, limit)
	copy(lines, t.lines[total-limit:])
	return TranscriptView{
		Lines:      lines,
		TotalLines: total,
		Partial:    t.partial.String(),
	}
}
