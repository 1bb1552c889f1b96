// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package proc

import (
	"strings"
	"time"

	"github.com/jontk/gridrun/pkg/errors"
)

// DefaultShutdownGrace bounds the wait for a shutting-down process to
// flush its streams during line iteration
const DefaultShutdownGrace = 10 * time.Second

// ReadStream is the parent-side view of a child output stream. A
// background worker drains the child descriptor into an unbounded buffer;
// every read is bounded by a timeout.
type ReadStream struct {
	name     string
	cmd      string
	queue    *byteQueue
	shutdown *event
	finished *event
	iterBuf  string
}

// Read returns the bytes available by the timeout, or an empty string
func (s *ReadStream) Read(timeout time.Duration) string {
	return string(s.queue.get(timeout))
}

// WaitFor accumulates stream data until the predicate holds. When the
// process exits first, the accumulated data is returned as-is; when the
// timeout expires a typed timeout error is raised.
func (s *ReadStream) WaitFor(timeout time.Duration, cond func(string) bool) (string, error) {
	var result strings.Builder
	deadline := time.Now().Add(timeout)
	sawExit := false
	for {
		result.WriteString(s.Read(time.Until(deadline)))
		if cond(result.String()) {
			return result.String(), nil
		}
		if sawExit {
			// one last read happened after the exit was observed
			return result.String(), nil
		}
		sawExit = s.finished.IsSet()
		if !sawExit && time.Until(deadline) <= 0 {
			return result.String(), errors.NewTimeoutError(
				"stream did not fulfill condition in time", s.cmd, timeout)
		}
	}
}

// IterLines feeds complete newline-delimited lines to fn until fn returns
// false, the stream ends, or no data arrives within timeout. After process
// exit the remaining buffer is flushed as a final line. With soft set, a
// quiet stream ends the iteration silently; otherwise it raises a typed
// timeout error. The grace bound covers the stream flush of an exiting
// process.
func (s *ReadStream) IterLines(timeout time.Duration, soft bool, grace time.Duration, fn func(line string) bool) error {
	waitedForShutdown := false
	for {
		for {
			idx := strings.IndexByte(s.iterBuf, '\n')
			if idx < 0 {
				break
			}
			line := s.iterBuf[:idx+1]
			s.iterBuf = s.iterBuf[idx+1:]
			if !fn(line) {
				return nil
			}
		}
		data := s.queue.get(timeout)
		s.queue.mu.Lock()
		ended := s.queue.finished
		s.queue.mu.Unlock()
		switch {
		case len(data) > 0:
			s.iterBuf += string(data)
		case (s.shutdown.IsSet() || ended) && !waitedForShutdown:
			waitedForShutdown = true
			s.finished.Wait(grace)
		case s.finished.IsSet() || soft:
			if s.iterBuf != "" {
				fn(s.iterBuf)
				s.iterBuf = ""
			}
			return nil
		default:
			return errors.NewTimeoutError(
				"stream did not yield more lines in time", s.cmd, timeout)
		}
	}
}

// WriteStream is the parent-side view of the child stdin. Writes are
// queued and drained into the child by a background worker.
type WriteStream struct {
	queue    *byteQueue
	eofToken byte
}

// Write queues data for the child
func (s *WriteStream) Write(data string) {
	s.queue.put([]byte(data))
}

// Close signals end-of-input by writing the terminal VEOF byte
func (s *WriteStream) Close() {
	s.queue.put([]byte{s.eofToken})
}
