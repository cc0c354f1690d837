package siu

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/carewire/go-siu/internal/domain/appointment"
)

// maxSegmentBytes bounds a single segment line. Scheduling segments are
// short, but feeds sometimes carry NTE or OBX segments with embedded
// documents.
const maxSegmentBytes = 1 << 20

// Stream parses a multi-message feed incrementally, holding at most one
// message in memory at a time. It follows the bufio.Scanner shape:
//
//	st := parser.Stream(f)
//	defer st.Close()
//	for st.Next() {
//	    emit(st.Appointment())
//	}
//	if err := st.Err(); err != nil { ... }
//
// With ContinueOnError set, messages that fail to parse are recorded and
// skipped; Failures reports them after the loop. Otherwise the first
// failure stops the stream and surfaces through Err.
type Stream struct {
	parser   *Parser
	scanner  *bufio.Scanner
	closer   io.Closer
	current  *Result
	held     string
	index    int
	failures []MessageFailure
	err      error
	done     bool
}

// Stream returns an incremental parser over r. When r also implements
// io.Closer, Close releases it, so callers can hand over an open file and
// manage only the stream.
func (p *Parser) Stream(r io.Reader) *Stream {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSegmentBytes)
	scanner.Split(scanSegmentLines)

	s := &Stream{parser: p, scanner: scanner}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Next advances to the next parsed appointment. It returns false at the
// end of the input or on the first error; Err distinguishes the two.
func (s *Stream) Next() bool {
	if s.err != nil {
		return false
	}

	for {
		msg, ok := s.nextMessage()
		if !ok {
			s.current = nil
			return false
		}

		s.index++
		res, err := s.parser.ParseMessage(msg)
		if err != nil {
			if s.parser.config.ContinueOnError {
				s.failures = append(s.failures, MessageFailure{Index: s.index, Err: err})
				s.parser.logger.Warn("skipping unparseable message",
					zap.Int("message_index", s.index),
					zap.Error(err))
				continue
			}
			s.err = fmt.Errorf("message %d: %w", s.index, err)
			s.current = nil
			return false
		}

		s.current = res
		return true
	}
}

// Appointment returns the appointment produced by the last successful
// Next call.
func (s *Stream) Appointment() *appointment.Appointment {
	if s.current == nil {
		return nil
	}
	return s.current.Appointment
}

// Result returns the full parse result for the last successful Next call,
// including the MSH header fields.
func (s *Stream) Result() *Result {
	return s.current
}

// Err returns the error that stopped the stream, or nil after a clean end
// of input.
func (s *Stream) Err() error {
	return s.err
}

// Failures returns the messages skipped so far when continuing past
// errors, in input order.
func (s *Stream) Failures() []MessageFailure {
	return s.failures
}

// Close releases the underlying reader when it implements io.Closer.
// Closing is idempotent from the stream's point of view only in that a
// nil closer is a no-op.
func (s *Stream) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// nextMessage accumulates segment lines until a message boundary. A held
// MSH line from the previous call seeds the next message.
func (s *Stream) nextMessage() (string, bool) {
	if s.done {
		return "", false
	}

	var lines []string
	if s.held != "" {
		lines = append(lines, s.held)
		s.held = ""
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			if len(lines) > 0 {
				return strings.Join(lines, "\n"), true
			}
			continue
		}
		if isMessageStart(line) && len(lines) > 0 {
			s.held = line
			return strings.Join(lines, "\n"), true
		}
		lines = append(lines, line)
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		s.err = fmt.Errorf("read input: %w", err)
		return "", false
	}
	if len(lines) > 0 {
		return strings.Join(lines, "\n"), true
	}
	return "", false
}

// scanSegmentLines is a bufio.SplitFunc that treats CR, LF, and CRLF as
// line terminators. A trailing CR at the end of the buffer waits for more
// data, so a CRLF split across reads does not surface a phantom blank
// line that would end the message early.
func scanSegmentLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		return 0, nil, nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
