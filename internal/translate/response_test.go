package translate

import (
	"encoding/json"
	"testing"

	"github.com/relaygate/relaygate/internal/signature"
)

func TestFromGoogleResponseEmptyCandidatesYieldsEndTurn(t *testing.T) {
	resp, err := FromGoogleResponse(&GoogleResponse{}, "gemini-2.5-pro", "sess-1", nil, signature.Gemini)
	if err != nil {
		t.Fatalf("FromGoogleResponse: %v", err)
	}
	if resp.StopReason != "end_turn" {
		t.Fatalf("expected end_turn, got %q", resp.StopReason)
	}
	if resp.Content != nil {
		t.Fatalf("expected no content blocks, got %v", resp.Content)
	}
}

func TestFromGoogleResponseToolCallSetsStopReason(t *testing.T) {
	gr := &GoogleResponse{
		Candidates: []GoogleCandidate{{
			Content: Content{Role: "model", Parts: []Part{
				{FunctionCall: &FunctionCall{Name: "search", Args: json.RawMessage(`{"q":"x"}`)}},
			}},
			FinishReason: "STOP",
		}},
	}

	resp, err := FromGoogleResponse(gr, "gemini-2.5-pro", "sess-1", nil, signature.Gemini)
	if err != nil {
		t.Fatalf("FromGoogleResponse: %v", err)
	}
	if resp.StopReason != "tool_use" {
		t.Fatalf("expected tool_use stop reason, got %q", resp.StopReason)
	}
	if len(resp.Content) != 1 || resp.Content[0].Type != BlockToolUse {
		t.Fatalf("expected one tool_use block, got %+v", resp.Content)
	}
}

func TestFromGoogleResponseCachesLongSignature(t *testing.T) {
	cache := signature.New(10)
	longSig := make([]byte, 64)
	for i := range longSig {
		longSig[i] = 'x'
	}

	gr := &GoogleResponse{
		Candidates: []GoogleCandidate{{
			Content: Content{Role: "model", Parts: []Part{
				{Thought: true, Text: "thinking...", ThoughtSignature: string(longSig)},
			}},
		}},
	}

	_, err := FromGoogleResponse(gr, "gemini-2.5-pro", "sess-1", cache, signature.Gemini)
	if err != nil {
		t.Fatalf("FromGoogleResponse: %v", err)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected signature to be cached, cache len = %d", cache.Len())
	}
}

func TestFromGoogleResponseFunctionResponseInModelOutputIsError(t *testing.T) {
	gr := &GoogleResponse{
		Candidates: []GoogleCandidate{{
			Content: Content{Role: "model", Parts: []Part{
				{FunctionResponse: &FunctionResponse{Name: "x", Response: json.RawMessage(`{}`)}},
			}},
		}},
	}

	if _, err := FromGoogleResponse(gr, "gemini-2.5-pro", "sess-1", nil, signature.Gemini); err == nil {
		t.Fatal("expected error for unexpected functionResponse in model output")
	}
}

func TestFromGoogleResponseUsageArithmetic(t *testing.T) {
	gr := &GoogleResponse{
		Candidates: []GoogleCandidate{{
			Content: Content{Role: "model", Parts: []Part{{Text: "hi"}}},
		}},
		UsageMetadata: &GoogleUsage{PromptTokenCount: 42, CandidatesTokenCount: 7},
	}

	resp, err := FromGoogleResponse(gr, "gemini-2.5-pro", "sess-1", nil, signature.Gemini)
	if err != nil {
		t.Fatalf("FromGoogleResponse: %v", err)
	}
	if resp.Usage.InputTokens != 42 || resp.Usage.OutputTokens != 7 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
}

func TestFromGoogleResponseUsageSubtractsCachedTokens(t *testing.T) {
	gr := &GoogleResponse{
		Candidates: []GoogleCandidate{{
			Content: Content{Role: "model", Parts: []Part{{Text: "hi"}}},
		}},
		UsageMetadata: &GoogleUsage{PromptTokenCount: 100, CandidatesTokenCount: 7, CachedContentTokenCount: 30},
	}

	resp, err := FromGoogleResponse(gr, "gemini-2.5-pro", "sess-1", nil, signature.Gemini)
	if err != nil {
		t.Fatalf("FromGoogleResponse: %v", err)
	}
	if resp.Usage.InputTokens != 70 || resp.Usage.CacheReadInputTokens != 30 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if resp.Usage.InputTokens+resp.Usage.CacheReadInputTokens != gr.UsageMetadata.PromptTokenCount {
		t.Fatalf("token arithmetic invariant violated: %+v vs prompt=%d", resp.Usage, gr.UsageMetadata.PromptTokenCount)
	}
}
