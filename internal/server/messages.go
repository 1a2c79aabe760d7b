package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/relaygate/relaygate/internal/pool"
	"github.com/relaygate/relaygate/internal/relayerr"
	"github.com/relaygate/relaygate/internal/translate"
)

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(s.cfg.MaxRequestBodyMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	data, err := io.ReadAll(r.Body)
	if err != nil {
		relayerr.New(relayerr.BadRequest, "read request body: %v", err).WriteJSON(w)
		return
	}

	var req translate.Request
	if err := json.Unmarshal(data, &req); err != nil {
		relayerr.New(relayerr.BadRequest, "invalid request body: %v", err).WriteJSON(w)
		return
	}
	if req.Model == "" {
		relayerr.New(relayerr.BadRequest, "model is required").WriteJSON(w)
		return
	}

	sessionID := pool.ComputeSessionHash("", systemText(req.System), firstMessageText(req.Messages))

	ctx, cancel := contextWithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	if req.Stream {
		tw := &respTracker{ResponseWriter: w}
		if err := s.client.StreamMessages(ctx, &req, sessionID, tw); err != nil {
			re, ok := err.(*relayerr.Error)
			if !ok {
				re = relayerr.New(relayerr.Transient, "%v", err)
			}
			if tw.wrote {
				re.WriteSSE(tw)
			} else {
				re.WriteJSON(tw)
			}
			slog.Warn("stream request failed", "model", req.Model, "class", re.Class, "error", re)
		}
		return
	}

	resp, err := s.client.Messages(ctx, &req, sessionID)
	if err != nil {
		if re, ok := err.(*relayerr.Error); ok {
			re.WriteJSON(w)
			return
		}
		relayerr.New(relayerr.Transient, "%v", err).WriteJSON(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleCountTokens gives a rough pre-flight token estimate so clients
// can budget max_tokens without round-tripping to the upstream model.
// It is a character-based heuristic, not a tokenizer call: Cloud Code
// does not expose a counting endpoint of its own.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, int64(s.cfg.MaxRequestBodyMB)<<20))
	if err != nil {
		relayerr.New(relayerr.BadRequest, "read request body: %v", err).WriteJSON(w)
		return
	}

	var req translate.Request
	if err := json.Unmarshal(data, &req); err != nil {
		relayerr.New(relayerr.BadRequest, "invalid request body: %v", err).WriteJSON(w)
		return
	}

	chars := len(systemText(req.System))
	for _, m := range req.Messages {
		for _, b := range m.Content {
			chars += len(b.Text) + len(b.Thinking)
		}
	}
	for _, t := range req.Tools {
		chars += len(t.Name) + len(t.Description) + len(t.InputSchema)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"input_tokens": chars/4 + 1})
}

func systemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []translate.Block
	if json.Unmarshal(raw, &blocks) == nil {
		var out string
		for _, b := range blocks {
			out += b.Text
		}
		return out
	}
	return ""
}

func firstMessageText(messages []translate.Message) string {
	for _, m := range messages {
		for _, b := range m.Content {
			if b.Text != "" {
				return b.Text
			}
		}
	}
	return ""
}
