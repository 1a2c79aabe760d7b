package translate

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/relaygate/relaygate/internal/schema"
	"github.com/relaygate/relaygate/internal/signature"
)

// ToGoogleRequest converts an Anthropic Messages API request into a
// Cloud Code request envelope. sessionID is a caller-chosen stable id
// used for signature-cache lookups and for the upstream sessionId
// field. sigCache may be nil (signature restoration is then skipped).
func ToGoogleRequest(req *Request, project, sessionID string, sigCache *signature.Cache, family signature.Family) (*GoogleRequest, error) {
	contents, err := convertMessages(req.Messages, sessionID, sigCache, family)
	if err != nil {
		return nil, err
	}

	var sysInstruction *Content
	if sysText := systemText(req.System); sysText != "" {
		sysInstruction = &Content{Parts: []Part{{Text: sysText}}}
	}

	tools, err := convertTools(req.Tools)
	if err != nil {
		return nil, err
	}

	gr := &GoogleRequest{
		Project:     project,
		Model:       req.Model,
		UserAgent:   "antigravity",
		RequestType: "agent",
		RequestID:   "agent-" + uuid.New().String(),
		Request: InnerRequest{
			SystemInstruction: sysInstruction,
			Contents:          contents,
			SessionID:         sessionID,
			GenerationConfig:  buildGenerationConfig(req, family),
			Tools:             tools,
		},
	}
	return gr, nil
}

// DefaultThinkingBudget is used when a thinking request omits budget_tokens.
const DefaultThinkingBudget = 16000

// geminiMaxOutputTokens is the family-specific ceiling on maxOutputTokens
// for Gemini requests, with or without thinking, and the default when a
// request omits max_tokens.
const geminiMaxOutputTokens = 16384

// IsThinkingRequested reports whether the client asked for thinking
// (chain-of-thought) content on this turn.
func IsThinkingRequested(req *Request) bool {
	return req.Thinking != nil && req.Thinking.Type == "enabled"
}

func buildGenerationConfig(req *Request, family signature.Family) GenerationConfig {
	gc := GenerationConfig{
		MaxOutputTokens: maxOutputTokens(req.MaxTokens),
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		StopSequences:   req.StopSequences,
	}

	if !IsThinkingRequested(req) {
		if gc.MaxOutputTokens > geminiMaxOutputTokens && family == signature.Gemini {
			gc.MaxOutputTokens = geminiMaxOutputTokens
		}
		return gc
	}

	budget := req.Thinking.BudgetTokens
	if budget <= 0 {
		budget = DefaultThinkingBudget
	}

	if family == signature.Claude {
		cfg := map[string]any{"include_thoughts": true}
		if req.Thinking.BudgetTokens > 0 {
			cfg["thinking_budget"] = budget
		}
		gc.ThinkingConfig, _ = json.Marshal(cfg)
		if budget >= gc.MaxOutputTokens {
			gc.MaxOutputTokens = budget + 8192
		}
		return gc
	}

	cfg := map[string]any{"includeThoughts": true, "thinkingBudget": budget}
	gc.ThinkingConfig, _ = json.Marshal(cfg)
	if gc.MaxOutputTokens > geminiMaxOutputTokens {
		gc.MaxOutputTokens = geminiMaxOutputTokens
	}
	return gc
}

func maxOutputTokens(requested int) int {
	if requested <= 0 {
		return geminiMaxOutputTokens
	}
	return requested
}

func systemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	// system can also be a list of text blocks
	var blocks []Block
	if json.Unmarshal(raw, &blocks) == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == BlockText {
				out += b.Text
			}
		}
		return out
	}
	return ""
}

func convertMessages(msgs []Message, sessionID string, sigCache *signature.Cache, family signature.Family) ([]Content, error) {
	out := make([]Content, 0, len(msgs))
	for i, m := range msgs {
		role := "user"
		blocks := m.Content
		if m.Role == "assistant" {
			role = "model"
			blocks = restoreAndReorderAssistantBlocks(blocks, sessionID, sigCache, family)
			if needsThinkingRecovery(blocks) && i+1 < len(msgs) && isToolResultMessage(msgs[i+1]) {
				blocks = injectRecoveryThinking(blocks)
			}
		}
		parts, err := convertBlocks(blocks, sessionID, sigCache, family)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 {
			parts = []Part{{Text: "."}}
		}
		out = append(out, Content{Role: role, Parts: parts})
	}
	return out, nil
}

// restoreAndReorderAssistantBlocks runs the three passes an assistant
// turn needs before it can be replayed upstream:
// restore signatures stripped by intermediate clients (dropping any
// whose cached family doesn't match the target, i.e. cross-family
// history), strip trailing unsigned thinking blocks (they can never be
// sent back), and reorder into thinking..., text..., tool_use... order.
func restoreAndReorderAssistantBlocks(blocks []Block, sessionID string, sigCache *signature.Cache, family signature.Family) []Block {
	restored := make([]Block, len(blocks))
	copy(restored, blocks)

	for i := range restored {
		if restored[i].Type != BlockThinking || sigCache == nil {
			continue
		}
		cached, fam, ok := sigCache.Lookup(signature.Key(sessionID, restored[i].Thinking))
		if !ok {
			continue
		}
		if fam != family {
			restored[i].Signature = ""
			continue
		}
		if len(restored[i].Signature) < MinSignatureLength {
			restored[i].Signature = cached
		}
	}

	end := len(restored)
	for end > 0 && restored[end-1].Type == BlockThinking && len(restored[end-1].Signature) < MinSignatureLength {
		end--
	}
	restored = restored[:end]

	var thinking, text, toolUse, other []Block
	for _, b := range restored {
		switch b.Type {
		case BlockThinking:
			thinking = append(thinking, b)
		case BlockText:
			text = append(text, b)
		case BlockToolUse:
			toolUse = append(toolUse, b)
		default:
			other = append(other, b)
		}
	}
	out := make([]Block, 0, len(restored))
	out = append(out, thinking...)
	out = append(out, text...)
	out = append(out, toolUse...)
	out = append(out, other...)
	return out
}

// needsThinkingRecovery reports whether this turn reaches a tool_use
// block with no signed thinking block before it — the shape that
// leaves a thinking model unable to continue the tool loop without
// synthetic closing content.
func needsThinkingRecovery(blocks []Block) bool {
	for _, b := range blocks {
		if b.Type == BlockThinking && len(b.Signature) >= MinSignatureLength {
			return false
		}
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}

func isToolResultMessage(m Message) bool {
	for _, b := range m.Content {
		if b.Type == BlockToolResult {
			return true
		}
	}
	return false
}

// injectRecoveryThinking inserts a synthetic, unsigned thinking block
// immediately before the first tool_use in blocks, giving the upstream
// thinking-model validator the closing content it requires for a
// tool-use turn. It carries no signature and is never cached.
func injectRecoveryThinking(blocks []Block) []Block {
	idx := 0
	for idx < len(blocks) && blocks[idx].Type != BlockToolUse {
		idx++
	}
	synthetic := Block{Type: BlockThinking, Thinking: "(continuing)"}
	out := make([]Block, 0, len(blocks)+1)
	out = append(out, blocks[:idx]...)
	out = append(out, synthetic)
	out = append(out, blocks[idx:]...)
	return out
}

func convertBlocks(blocks []Block, sessionID string, sigCache *signature.Cache, family signature.Family) ([]Part, error) {
	parts := make([]Part, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			if b.Text == "" {
				continue
			}
			parts = append(parts, Part{Text: b.Text})

		case BlockThinking:
			// Assistant-turn restoration/cross-family dropping already
			// happened in restoreAndReorderAssistantBlocks; this is a
			// pass-through plus a defensive lookup for any caller that
			// converts thinking blocks outside that path.
			sig := b.Signature
			if len(sig) < MinSignatureLength && sigCache != nil {
				if cached, fam, ok := sigCache.Lookup(signature.Key(sessionID, b.Thinking)); ok && fam == family {
					sig = cached
				}
			}
			parts = append(parts, Part{Text: b.Thinking, Thought: true, ThoughtSignature: sig})

		case BlockImage:
			if b.Source == nil {
				continue
			}
			parts = append(parts, Part{InlineData: &InlineData{MimeType: b.Source.MediaType, Data: b.Source.Data}})

		case BlockToolUse:
			sig := SkipSignatureSentinel
			if sigCache != nil {
				if cached, fam, ok := sigCache.Lookup(signature.Key(sessionID, b.ID)); ok && fam == family {
					sig = cached
				}
			}
			args := b.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			parts = append(parts, Part{
				FunctionCall:     &FunctionCall{Name: b.Name, Args: args},
				ThoughtSignature: sig,
			})

		case BlockToolResult:
			resp := normalizeToolResult(b.Content)
			parts = append(parts, Part{
				FunctionResponse: &FunctionResponse{Name: b.ToolUseID, Response: resp},
			})

		default:
			return nil, fmt.Errorf("translate: unsupported block type %q", b.Type)
		}
	}
	return parts, nil
}

// normalizeToolResult coerces a tool_result's content (a string, a list
// of text blocks, or already-structured JSON) into a JSON object, since
// functionResponse.response must be a Struct, not a bare string.
func normalizeToolResult(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{"result":""}`)
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		wrapped, _ := json.Marshal(map[string]string{"result": s})
		return wrapped
	}

	var blocks []Block
	if json.Unmarshal(raw, &blocks) == nil {
		text := ""
		for _, b := range blocks {
			if b.Type == BlockText {
				text += b.Text
			}
		}
		wrapped, _ := json.Marshal(map[string]string{"result": text})
		return wrapped
	}

	var obj map[string]any
	if json.Unmarshal(raw, &obj) == nil {
		return raw
	}

	wrapped, _ := json.Marshal(map[string]json.RawMessage{"result": raw})
	return wrapped
}

func convertTools(tools []Tool) ([]GoogleTool, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	var decls []FunctionDeclaration
	var googleSearch bool
	for _, t := range tools {
		if t.Name == "web_search" {
			googleSearch = true
			continue
		}
		params, err := sanitizeParams(t.InputSchema)
		if err != nil {
			return nil, err
		}
		decls = append(decls, FunctionDeclaration{
			Name:        sanitizeToolName(t.Name),
			Description: t.Description,
			Parameters:  params,
		})
	}

	var out []GoogleTool
	if len(decls) > 0 {
		out = append(out, GoogleTool{FunctionDeclarations: decls})
	}
	if googleSearch {
		out = append(out, GoogleTool{GoogleSearch: json.RawMessage("{}")})
	}
	return out, nil
}

// sanitizeToolName restricts a declared function name to the character
// set and length the upstream validator accepts: [A-Za-z0-9_-], max 64.
func sanitizeToolName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name) && len(out) < 64; i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "tool"
	}
	return string(out)
}

func sanitizeParams(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("translate: invalid input_schema: %w", err)
	}
	cleaned := schema.Sanitize(m)
	out, err := json.Marshal(cleaned)
	if err != nil {
		return nil, err
	}
	return out, nil
}
