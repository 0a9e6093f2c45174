package httpclient

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is a single server-sent event. Data holds the concatenated data
// lines of the event.
type SSEEvent struct {
	Event string
	Data  string
	ID    string
	Retry string
}

// DoneSentinel terminates OpenAI-style SSE streams.
const DoneSentinel = "[DONE]"

// IsDone reports whether the event is the end-of-stream sentinel.
func (e SSEEvent) IsDone() bool {
	return strings.TrimSpace(e.Data) == DoneSentinel
}

// SSEScanner reads server-sent events from a response body. Suspension
// points are exactly the chunk boundaries of the underlying reader.
type SSEScanner struct {
	reader *bufio.Reader
	event  SSEEvent
	err    error
}

func NewSSEScanner(r io.Reader) *SSEScanner {
	return &SSEScanner{reader: bufio.NewReader(r)}
}

// Next advances to the next event. It returns false at end of stream or on
// a read error; Err distinguishes the two.
func (s *SSEScanner) Next() bool {
	var current SSEEvent
	sawField := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && err != io.EOF {
			s.err = err
			return false
		}
		atEOF := err == io.EOF

		line = strings.TrimRight(line, "\r\n")
		if atEOF && line == "" {
			if sawField {
				s.event = current
				return true
			}
			return false
		}

		// Blank line dispatches the accumulated event.
		if line == "" {
			if sawField {
				s.event = current
				return true
			}
			continue
		}

		// Comment lines start with a colon.
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if !found {
			field, value = line, ""
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			current.Event = value
			sawField = true
		case "data":
			if current.Data != "" {
				current.Data += "\n"
			}
			current.Data += value
			sawField = true
		case "id":
			current.ID = value
			sawField = true
		case "retry":
			current.Retry = value
			sawField = true
		}
	}
}

// Event returns the event produced by the last successful Next call.
func (s *SSEScanner) Event() SSEEvent {
	return s.event
}

// Err returns the first non-EOF read error encountered.
func (s *SSEScanner) Err() error {
	return s.err
}
