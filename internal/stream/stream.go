// Package stream forwards command output line by line as it arrives.
package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/andrej220/vdctl/internal/lg"
)

// Sink receives one output line at a time.
type Sink interface {
	Line(line string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(line string)

func (f SinkFunc) Line(line string) { f(line) }

// ConsoleSink prints lines for the user.
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w}
}

func (s *ConsoleSink) Line(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, line)
}

// LogSink sends lines to the debug log; remote boot tools are noisy.
type LogSink struct {
	Logger lg.Logger
}

func (s LogSink) Line(line string) {
	s.Logger.Debug(line)
}

// Select picks the console sink when showOutput is set, the log sink otherwise.
func Select(showOutput bool, console io.Writer, logger lg.Logger) Sink {
	if showOutput {
		return NewConsoleSink(console)
	}
	if logger == nil {
		logger = lg.Discard
	}
	return LogSink{Logger: logger}
}

// Copy reads r until it is exhausted or closed, forwarding every non-empty
// trimmed line to sink. A reader closed underneath it is treated as the end
// of output. It returns the number of forwarded lines.
func Copy(r io.Reader, sink Sink) int {
	br := bufio.NewReader(r)
	n := 0
	for {
		line, err := br.ReadString('\n')
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			sink.Line(trimmed)
			n++
		}
		if err != nil {
			if !isEndOfOutput(err) {
				logReadError(sink, err)
			}
			return n
		}
	}
}

// Reader returns a function suitable for procrun.ExecOptions.Output.
func Reader(sink Sink) func(io.Reader) {
	return func(r io.Reader) { Copy(r, sink) }
}

func isEndOfOutput(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

// logReadError reports unexpected read failures through a log sink when
// one is in use; console output is left untouched.
func logReadError(sink Sink, err error) {
	if ls, ok := sink.(LogSink); ok && ls.Logger != nil {
		ls.Logger.Warn("Reading command output failed", lg.Err(err))
	}
}
