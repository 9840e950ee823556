package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrMalformed reports a line that was not valid JSON for the target type.
// The line has been consumed and the stream remains readable, so callers
// can log and move on. Any other Scanner error means the stream is dead.
var ErrMalformed = errors.New("malformed wire message")

// MaxFrameBytes bounds a single protocol line. Plugin code travels by file
// path, never inline, so frames stay small; anything larger is a protocol
// violation.
const MaxFrameBytes = 1 << 20

// Encoder writes newline-delimited JSON messages. It is safe for
// concurrent use, so multiple supervisor goroutines may share one command
// stream.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode writes v as one JSON line.
func (e *Encoder) Encode(v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(v); err != nil {
		return fmt.Errorf("encode wire message: %w", err)
	}
	return nil
}

// Scanner reads newline-delimited JSON messages. It is not safe for
// concurrent use; each stream has a single reader.
type Scanner struct {
	sc *bufio.Scanner
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxFrameBytes)
	return &Scanner{sc: sc}
}

// Next decodes the next non-empty line into v. It returns io.EOF once the
// stream ends and wraps ErrMalformed for a bad line, which only consumes
// that line; callers may skip it and keep reading.
func (s *Scanner) Next(v any) error {
	for s.sc.Scan() {
		line := s.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil
	}
	if err := s.sc.Err(); err != nil {
		return fmt.Errorf("read wire stream: %w", err)
	}
	return io.EOF
}
