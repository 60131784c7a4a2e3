// Package sse reads Server-Sent Events bodies from upstream providers.
package sse

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// maxLineSize bounds a single SSE line. bufio.Scanner's 64 KiB default is
// too small for long completions.
const maxLineSize = 1 << 20

// doneSentinel ends OpenAI-compatible streams.
const doneSentinel = "[DONE]"

// Scanner yields the data payload of each event.
type Scanner struct {
	scanner *bufio.Scanner
}

func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Scanner{scanner: s}
}

// Next returns the next event payload. Consecutive data lines are joined
// with newlines; comments and other fields are skipped. It returns io.EOF at
// the end of the body or on the [DONE] sentinel.
func (s *Scanner) Next() (string, error) {
	var lines []string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if len(lines) > 0 {
				return strings.Join(lines, "\n"), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == doneSentinel {
			return "", io.EOF
		}
		lines = append(lines, data)
	}
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("sse: read: %w", err)
	}
	if len(lines) > 0 {
		return strings.Join(lines, "\n"), nil
	}
	return "", io.EOF
}
