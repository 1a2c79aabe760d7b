package stream

import (
	"strings"
	"testing"
)

func TestReadGoogleSSEDecodesDataLines(t *testing.T) {
	body := `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"hi"}]}}]}

data: {"candidates":[{"content":{"role":"model","parts":[{"text":" there"}]},"finishReason":"STOP"}]}

data: [DONE]
`
	chunks, errs := ReadGoogleSSE(strings.NewReader(body))

	var got []Chunk
	for chunks != nil || errs != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			got = append(got, c)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	if got[1].Candidates[0].FinishReason != "STOP" {
		t.Fatalf("expected second chunk to carry finishReason, got %+v", got[1])
	}
}

func TestReadGoogleSSESkipsMalformedLines(t *testing.T) {
	body := "data: not-json\ndata: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"ok\"}]}}]}\n"
	chunks, errs := ReadGoogleSSE(strings.NewReader(body))

	var got []Chunk
	for chunks != nil || errs != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			got = append(got, c)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}

	if len(got) != 1 {
		t.Fatalf("expected malformed line to be skipped, got %d chunks", len(got))
	}
}
