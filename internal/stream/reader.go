// Package stream turns an upstream Cloud Code SSE body into Anthropic
// Messages API SSE events. The reader half decodes the
// upstream "data: {...}" lines; the writer half drives the Anthropic
// content-block state machine.
package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/relaygate/relaygate/internal/translate"
)

// Chunk is one decoded upstream SSE payload.
type Chunk struct {
	Candidates    []translate.GoogleCandidate `json:"candidates"`
	UsageMetadata *translate.GoogleUsage      `json:"usageMetadata,omitempty"`
}

// ReadGoogleSSE scans body for "data: " lines and emits one decoded
// Chunk per line on the returned channel, closing it when the stream
// ends (EOF or a read error); "[DONE]" sentinel lines are skipped like
// empty data lines. A nil error on the
// error channel after close means the stream simply ended.
func ReadGoogleSSE(body io.Reader) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}
			var c Chunk
			if err := json.Unmarshal([]byte(data), &c); err != nil {
				continue // a malformed keepalive/comment line, not fatal
			}
			chunks <- c
		}
		if err := scanner.Err(); err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}
