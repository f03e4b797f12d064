package agent

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/planprep/enrichment/internal/metrics"
)

// maxEventBytes bounds a single event record; thinking events can carry
// whole analysis blocks.
const maxEventBytes = 1 << 20

// ndjsonStream decodes newline-delimited event records from a reader.
// Malformed lines are logged and skipped rather than failing the stream.
type ndjsonStream struct {
	scanner *bufio.Scanner
	closer  io.Closer
	logger  *zap.Logger
}

// NewNDJSONStream wraps a reader producing newline-delimited events.
func NewNDJSONStream(rc io.ReadCloser, logger *zap.Logger) EventStream {
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), maxEventBytes)
	return &ndjsonStream{scanner: scanner, closer: rc, logger: logger}
}

// Next returns the next well-formed event, skipping blank and malformed
// lines. It returns io.EOF when the underlying stream ends.
func (s *ndjsonStream) Next() (*Event, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			metrics.Default().IncPipelineEvent(metrics.EventMalformedEvent)
			s.logger.Warn("skipping malformed analysis event",
				zap.Error(err),
				zap.String("fragment", truncate(line, 200)))
			continue
		}
		if ev.Type == "" {
			metrics.Default().IncPipelineEvent(metrics.EventMalformedEvent)
			s.logger.Warn("skipping analysis event with no type",
				zap.String("fragment", truncate(line, 200)))
			continue
		}
		return &ev, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *ndjsonStream) Close() error {
	return s.closer.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
