package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ProjectResolver discovers and caches the Cloud Code project id for
// each account. The stored account value always wins; otherwise
// loadCodeAssist is called against each project-setup mirror in order,
// and the result is cached for the process lifetime until a 401
// invalidates it.
type ProjectResolver struct {
	endpoints  []string
	defaultID  string
	httpClient *http.Client

	mu    sync.Mutex
	cache map[string]string
	group singleflight.Group
}

func NewProjectResolver(endpoints []string, defaultID string, httpClient *http.Client) *ProjectResolver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ProjectResolver{
		endpoints:  endpoints,
		defaultID:  defaultID,
		httpClient: httpClient,
		cache:      make(map[string]string),
	}
}

// Resolve returns the project id to use for acctID. stored is the
// account's pinned project id, which short-circuits discovery entirely.
func (r *ProjectResolver) Resolve(ctx context.Context, acctID, stored, accessToken string) string {
	if stored != "" {
		return stored
	}

	r.mu.Lock()
	if id, ok := r.cache[acctID]; ok {
		r.mu.Unlock()
		return id
	}
	r.mu.Unlock()

	v, _, _ := r.group.Do(acctID, func() (any, error) {
		id := r.discover(ctx, accessToken)
		if id == "" {
			id = r.defaultID
		}
		r.mu.Lock()
		r.cache[acctID] = id
		r.mu.Unlock()
		return id, nil
	})
	return v.(string)
}

// Invalidate drops the cached project id for one account, typically
// after the upstream rejected its credentials.
func (r *ProjectResolver) Invalidate(acctID string) {
	r.mu.Lock()
	delete(r.cache, acctID)
	r.mu.Unlock()
}

func (r *ProjectResolver) discover(ctx context.Context, accessToken string) string {
	body, _ := json.Marshal(map[string]any{
		"metadata": map[string]string{"pluginType": "GEMINI"},
	})

	for _, base := range r.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1internal:loadCodeAssist", bytes.NewReader(body))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := r.httpClient.Do(req)
		if err != nil {
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			continue
		}
		var decoded json.RawMessage
		err = json.NewDecoder(resp.Body).Decode(&decoded)
		resp.Body.Close()
		if err != nil {
			continue
		}
		if id := parseProjectID(decoded); id != "" {
			return id
		}
	}
	return ""
}

// parseProjectID handles both response shapes loadCodeAssist is known
// to return: cloudaicompanionProject as a plain string, or as a nested
// object carrying the id.
func parseProjectID(raw json.RawMessage) string {
	var asString struct {
		CloudAICompanionProject string `json:"cloudaicompanionProject"`
	}
	if json.Unmarshal(raw, &asString) == nil && asString.CloudAICompanionProject != "" {
		return asString.CloudAICompanionProject
	}

	var asObject struct {
		CloudAICompanionProject struct {
			ID string `json:"id"`
		} `json:"cloudaicompanionProject"`
	}
	if json.Unmarshal(raw, &asObject) == nil && asObject.CloudAICompanionProject.ID != "" {
		return asObject.CloudAICompanionProject.ID
	}
	return ""
}
