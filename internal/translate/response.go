package translate

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/relaygate/relaygate/internal/signature"
)

// AnthropicResponse mirrors the non-streaming Anthropic Messages API
// response shape.
type AnthropicResponse struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"` // "message"
	Role         string  `json:"role"` // "assistant"
	Model        string  `json:"model"`
	Content      []Block `json:"content"`
	StopReason   string  `json:"stop_reason"`
	Usage        Usage   `json:"usage"`
}

type Usage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens,omitempty"`
}

// FromGoogleResponse converts a unary Cloud Code response into an
// Anthropic response. sessionID/sigCache/family let newly produced
// thinking signatures be cached for the next turn of the same loop.
func FromGoogleResponse(gr *GoogleResponse, model, sessionID string, sigCache *signature.Cache, family signature.Family) (*AnthropicResponse, error) {
	if len(gr.Candidates) == 0 {
		return &AnthropicResponse{
			ID:         "msg_" + uuid.New().String(),
			Type:       "message",
			Role:       "assistant",
			Model:      model,
			Content:    nil,
			StopReason: "end_turn",
		}, nil
	}

	cand := gr.Candidates[0]
	blocks, sawToolUse, err := partsToBlocks(cand.Content.Parts, sessionID, sigCache, family)
	if err != nil {
		return nil, err
	}

	resp := &AnthropicResponse{
		ID:         "msg_" + uuid.New().String(),
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    blocks,
		StopReason: stopReason(cand.FinishReason, sawToolUse),
	}
	if gr.UsageMetadata != nil {
		resp.Usage = Usage{
			InputTokens:          gr.UsageMetadata.PromptTokenCount - gr.UsageMetadata.CachedContentTokenCount,
			OutputTokens:         gr.UsageMetadata.CandidatesTokenCount,
			CacheReadInputTokens: gr.UsageMetadata.CachedContentTokenCount,
		}
	}
	return resp, nil
}

func stopReason(finish string, sawToolUse bool) string {
	if sawToolUse {
		return "tool_use"
	}
	switch finish {
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION":
		return "end_turn"
	default:
		return "end_turn"
	}
}

func partsToBlocks(parts []Part, sessionID string, sigCache *signature.Cache, family signature.Family) ([]Block, bool, error) {
	var blocks []Block
	sawToolUse := false

	for _, p := range parts {
		switch {
		case p.FunctionCall != nil:
			id := "toolu_" + uuid.New().String()
			if sigCache != nil && len(p.ThoughtSignature) >= MinSignatureLength {
				sigCache.Store(signature.Key(sessionID, id), p.ThoughtSignature, family)
			}
			args := p.FunctionCall.Args
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			blocks = append(blocks, Block{
				Type:  BlockToolUse,
				ID:    id,
				Name:  p.FunctionCall.Name,
				Input: args,
			})
			sawToolUse = true

		case p.Thought:
			sig := p.ThoughtSignature
			if sigCache != nil && len(sig) >= MinSignatureLength {
				sigCache.Store(signature.Key(sessionID, p.Text), sig, family)
			}
			blocks = append(blocks, Block{
				Type:      BlockThinking,
				Thinking:  p.Text,
				Signature: sig,
			})

		case p.InlineData != nil:
			blocks = append(blocks, Block{
				Type: BlockImage,
				Source: &ImageSource{
					Type:      "base64",
					MediaType: p.InlineData.MimeType,
					Data:      p.InlineData.Data,
				},
			})

		case p.Text != "":
			blocks = append(blocks, Block{Type: BlockText, Text: p.Text})

		case p.FunctionResponse != nil:
			return nil, false, fmt.Errorf("translate: unexpected functionResponse in model output")
		}
	}
	return blocks, sawToolUse, nil
}
