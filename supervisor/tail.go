package supervisor

import (
	"strings"
	"sync"
)

const (
	tailMaxLines = 20
	tailMaxLine  = 512
)

// stderrTail retains the most recent stderr lines from a host process so
// an abnormal exit can be reported with the plugin's last words instead of
// an unbounded capture. Lines beyond the cap evict the oldest; oversized
// lines are clipped.
type stderrTail struct {
	mu      sync.Mutex
	lines   []string
	evicted bool
}

func (t *stderrTail) Add(line string) {
	if len(line) > tailMaxLine {
		line = line[:tailMaxLine]
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) == tailMaxLines {
		copy(t.lines, t.lines[1:])
		t.lines = t.lines[:tailMaxLines-1]
		t.evicted = true
	}
	t.lines = append(t.lines, line)
}

// String joins the retained lines, prefixed with an ellipsis marker when
// older output was evicted. Empty when the host wrote nothing.
func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) == 0 {
		return ""
	}
	joined := strings.Join(t.lines, "\n")
	if t.evicted {
		return "...\n" + joined
	}
	return joined
}
