package server

import (
	"encoding/json"
	"net/http"
	"sort"
)

// modelInfo mirrors the fields Anthropic's /v1/models listing returns
// that clients actually read: id and a display name.
type modelInfo struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
}

// catalog is static: Cloud Code does not expose a model-listing
// endpoint of its own, and the fallback map in config is keyed by
// these same ids.
var catalog = []modelInfo{
	{ID: "claude-opus-4-5-20251101", Type: "model", DisplayName: "Claude Opus 4.5"},
	{ID: "claude-sonnet-4-5-20250929", Type: "model", DisplayName: "Claude Sonnet 4.5"},
	{ID: "claude-haiku-4-5-20251001", Type: "model", DisplayName: "Claude Haiku 4.5"},
	{ID: "gemini-2.5-pro", Type: "model", DisplayName: "Gemini 2.5 Pro"},
	{ID: "gemini-2.5-flash", Type: "model", DisplayName: "Gemini 2.5 Flash"},
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := append([]modelInfo(nil), catalog...)
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"data":     models,
		"has_more": false,
	})
}
