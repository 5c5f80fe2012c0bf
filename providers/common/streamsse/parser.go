// Package streamsse parses server-sent event streams from streaming provider
// APIs.
package streamsse

import (
	"bufio"
	"io"
	"strings"
)

// Event is one complete SSE envelope.
type Event struct {
	Event string
	Data  string
}

// Parse reads events from reader and calls fn for each complete one. A
// non-nil error from fn stops the scan and is returned; io ends the stream
// cleanly.
func Parse(reader io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(reader)
	// Streaming LLM deltas can carry long lines.
	scanner.Buffer(make([]byte, 0, 4096), 512*1024)

	var name string
	var data []string

	flush := func() error {
		if len(data) == 0 {
			name = ""
			return nil
		}
		event := Event{Event: strings.TrimSpace(name), Data: strings.Join(data, "\n")}
		name = ""
		data = data[:0]
		return fn(event)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		// Comment lines keep the connection alive.
		if strings.HasPrefix(line, ":") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}
