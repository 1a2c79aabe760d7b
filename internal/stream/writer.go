package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/relaygate/relaygate/internal/signature"
	"github.com/relaygate/relaygate/internal/translate"
)

type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockToolUse
)

// Writer drives the Anthropic SSE content-block state machine:
//
//	message_start (content_block_start delta* content_block_stop)* message_delta message_stop
//
// Exactly one block is open at a time; switching kinds closes the
// previous block before opening the next.
type Writer struct {
	w          io.Writer
	messageID  string
	model      string
	index      int
	open       blockKind
	sawToolUse bool
	sessionID  string
	sigCache   *signature.Cache
	family     signature.Family
}

func NewWriter(w io.Writer, model, sessionID string, sigCache *signature.Cache, family signature.Family) *Writer {
	return &Writer{
		w:         w,
		messageID: "msg_" + uuid.New().String(),
		model:     model,
		index:     -1,
		open:      blockNone,
		sessionID: sessionID,
		sigCache:  sigCache,
		family:    family,
	}
}

func (sw *Writer) emit(event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", event, body)
	return err
}

// Start writes message_start. inputTokens/cacheReadTokens may be 0 if
// not yet known (usage often only arrives with the final chunk).
func (sw *Writer) Start(inputTokens, cacheReadTokens int) error {
	return sw.emit("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":      sw.messageID,
			"type":    "message",
			"role":    "assistant",
			"model":   sw.model,
			"content": []any{},
			"usage": map[string]int{
				"input_tokens":            inputTokens,
				"output_tokens":           0,
				"cache_read_input_tokens": cacheReadTokens,
			},
		},
	})
}

func (sw *Writer) closeOpen() error {
	if sw.open == blockNone {
		return nil
	}
	sw.open = blockNone
	return sw.emit("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": sw.index,
	})
}

func (sw *Writer) openBlock(kind blockKind, contentBlock map[string]any) error {
	if sw.open == kind {
		return nil
	}
	return sw.openBlockForced(kind, contentBlock)
}

// openBlockForced always closes whatever is open and starts a new block,
// even if it's the same kind as the one just closed. tool_use blocks need
// this: each functionCall part is a distinct tool call and must get its
// own content_block_start/stop pair, unlike thinking/text deltas which
// append to an already-open block of the same kind.
func (sw *Writer) openBlockForced(kind blockKind, contentBlock map[string]any) error {
	if err := sw.closeOpen(); err != nil {
		return err
	}
	sw.index++
	sw.open = kind
	return sw.emit("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         sw.index,
		"content_block": contentBlock,
	})
}

// HandleChunk processes one decoded upstream chunk, emitting whatever
// content_block_start/delta/stop events it implies.
func (sw *Writer) HandleChunk(c Chunk) error {
	if len(c.Candidates) == 0 {
		return nil
	}
	for _, part := range c.Candidates[0].Content.Parts {
		if err := sw.handlePart(part); err != nil {
			return err
		}
	}
	return nil
}

func (sw *Writer) handlePart(p translate.Part) error {
	switch {
	case p.FunctionCall != nil:
		sw.sawToolUse = true
		id := "toolu_" + uuid.New().String()
		if sw.sigCache != nil && len(p.ThoughtSignature) >= translate.MinSignatureLength {
			sw.sigCache.Store(signature.Key(sw.sessionID, id), p.ThoughtSignature, sw.family)
		}
		if err := sw.openBlockForced(blockToolUse, map[string]any{
			"type":  "tool_use",
			"id":    id,
			"name":  p.FunctionCall.Name,
			"input": map[string]any{},
		}); err != nil {
			return err
		}
		args := p.FunctionCall.Args
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		return sw.emit("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": sw.index,
			"delta": map[string]any{
				"type":         "input_json_delta",
				"partial_json": string(args),
			},
		})

	case p.Thought:
		if err := sw.openBlock(blockThinking, map[string]any{"type": "thinking", "thinking": ""}); err != nil {
			return err
		}
		if p.Text != "" {
			if err := sw.emit("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": sw.index,
				"delta": map[string]any{"type": "thinking_delta", "thinking": p.Text},
			}); err != nil {
				return err
			}
		}
		if p.ThoughtSignature == "" {
			return nil
		}
		// Sub-threshold signatures are validator sentinels: still
		// forwarded to the client, never worth caching.
		if sw.sigCache != nil && len(p.ThoughtSignature) >= translate.MinSignatureLength {
			sw.sigCache.Store(signature.Key(sw.sessionID, p.Text), p.ThoughtSignature, sw.family)
		}
		return sw.emit("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": sw.index,
			"delta": map[string]any{"type": "signature_delta", "signature": p.ThoughtSignature},
		})

	case p.Text != "":
		if err := sw.openBlock(blockText, map[string]any{"type": "text", "text": ""}); err != nil {
			return err
		}
		return sw.emit("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": sw.index,
			"delta": map[string]any{"type": "text_delta", "text": p.Text},
		})

	default:
		return nil
	}
}

// Finish closes any open block and writes message_delta + message_stop.
func (sw *Writer) Finish(finishReason string, outputTokens int) error {
	if err := sw.closeOpen(); err != nil {
		return err
	}
	reason := "end_turn"
	if sw.sawToolUse {
		reason = "tool_use"
	} else if finishReason == "MAX_TOKENS" {
		reason = "max_tokens"
	}
	if err := sw.emit("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": reason, "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": outputTokens},
	}); err != nil {
		return err
	}
	return sw.emit("message_stop", map[string]any{"type": "message_stop"})
}

// EmptyFallback writes the full synthetic event sequence used when a
// stream produced no content after exhausting retries: a single text
// block carrying a diagnostic marker, so the client sees a complete,
// well-formed message instead of a silently truncated one.
func (sw *Writer) EmptyFallback() error {
	if err := sw.Start(0, 0); err != nil {
		return err
	}
	if err := sw.openBlock(blockText, map[string]any{"type": "text", "text": ""}); err != nil {
		return err
	}
	if err := sw.emit("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": sw.index,
		"delta": map[string]any{"type": "text_delta", "text": "[No response after retries - please try again]"},
	}); err != nil {
		return err
	}
	return sw.Finish("", 0)
}
