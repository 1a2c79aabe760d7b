// Package translate converts between the Anthropic Messages API wire
// format and the Google Cloud Code "generateContent" wire format in
// both directions, including the thinking/thoughtSignature handling
// that keeps a tool-use loop continuable across requests.
package translate

import "encoding/json"

// --- Anthropic-side content blocks (closed variant set) ---

type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one Anthropic content block. Only the fields relevant to
// its Type are populated; this mirrors the tagged-union shape Anthropic
// itself uses on the wire rather than modeling each variant as its own
// Go type, since blocks arrive pre-tagged from encoding/json anyway.
type Block struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type Message struct {
	Role    string  `json:"role"` // "user" | "assistant"
	Content []Block `json:"content"`
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type Request struct {
	Model         string           `json:"model"`
	System        json.RawMessage  `json:"system,omitempty"`
	Messages      []Message        `json:"messages"`
	Tools         []Tool           `json:"tools,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	TopP          *float64         `json:"top_p,omitempty"`
	TopK          *int             `json:"top_k,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Thinking      *ThinkingRequest `json:"thinking,omitempty"`
	Metadata      *Metadata        `json:"metadata,omitempty"`
}

// ThinkingRequest mirrors Anthropic's extended-thinking request block.
// Type is "enabled" or "disabled"; BudgetTokens is advisory and may be
// zero, in which case a family default is used.
type ThinkingRequest struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// --- Google-side parts (closed variant set) ---

type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type FunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type FunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type Content struct {
	Role  string `json:"role,omitempty"` // "user" | "model"; empty for systemInstruction
	Parts []Part `json:"parts"`
}

type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type GoogleTool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
	GoogleSearch         json.RawMessage       `json:"googleSearch,omitempty"`
}

type GenerationConfig struct {
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  json.RawMessage `json:"thinkingConfig,omitempty"`
}

type InnerRequest struct {
	SystemInstruction *Content         `json:"systemInstruction,omitempty"`
	Contents          []Content        `json:"contents"`
	SessionID         string           `json:"sessionId,omitempty"`
	GenerationConfig  GenerationConfig `json:"generationConfig"`
	Tools             []GoogleTool     `json:"tools,omitempty"`
}

// GoogleRequest is the full Cloud Code request envelope.
type GoogleRequest struct {
	Project     string       `json:"project"`
	Model       string       `json:"model"`
	UserAgent   string       `json:"userAgent"`
	RequestType string       `json:"requestType"`
	RequestID   string       `json:"requestId"`
	Request     InnerRequest `json:"request"`
}

// GoogleCandidate/GoogleResponse model an upstream (non-streaming)
// generateContent response.
type GoogleCandidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type GoogleUsage struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

type GoogleResponse struct {
	Candidates    []GoogleCandidate `json:"candidates"`
	UsageMetadata *GoogleUsage      `json:"usageMetadata,omitempty"`
}

// SkipSignatureSentinel is the placeholder thoughtSignature value used
// when a function call has no real signature to attach yet (first turn
// of a tool-use loop). Google's validator accepts this sentinel in
// place of a real signature.
const SkipSignatureSentinel = "skip_thought_signature_validator"

// MinSignatureLength below this, a signature is treated as a sentinel:
// it is still forwarded, but never cached, and a trailing thinking
// block carrying one counts as unsigned.
const MinSignatureLength = 50
