// Package upstream drives requests against the Cloud Code backend:
// endpoint-mirror fallback, multi-account failover, capacity backoff,
// and the all-rate-limited wait/fail policy.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/credential"
	"github.com/relaygate/relaygate/internal/pool"
	"github.com/relaygate/relaygate/internal/ratelimitparse"
	"github.com/relaygate/relaygate/internal/relayerr"
	"github.com/relaygate/relaygate/internal/signature"
	"github.com/relaygate/relaygate/internal/stream"
	"github.com/relaygate/relaygate/internal/translate"
	"github.com/relaygate/relaygate/internal/transport"
)

type Client struct {
	cfg       *config.Config
	pool      *pool.Pool
	selector  *pool.Selector
	crypto    *credential.Crypto
	tokens    *credential.Manager
	projects  *credential.ProjectResolver
	transport *transport.Manager
	sigCache  *signature.Cache
}

func New(cfg *config.Config, p *pool.Pool, sel *pool.Selector, crypto *credential.Crypto, tokens *credential.Manager, projects *credential.ProjectResolver, tm *transport.Manager, sigCache *signature.Cache) *Client {
	return &Client{cfg: cfg, pool: p, selector: sel, crypto: crypto, tokens: tokens, projects: projects, transport: tm, sigCache: sigCache}
}

func modelFamily(model string) signature.Family {
	for _, prefix := range []string{"claude", "anthropic"} {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			return signature.Claude
		}
	}
	return signature.Gemini
}

// interleavedThinkingBeta is the Anthropic beta header value required
// on requests to Claude thinking models so the upstream interleaves
// thinking blocks with tool calls in the same turn rather than
// rejecting the combination. Haiku-tier models don't accept it.
const interleavedThinkingBeta = "interleaved-thinking-2025-05-14"

func wantsThinkingBeta(req *translate.Request, family signature.Family) bool {
	if family != signature.Claude || !translate.IsThinkingRequested(req) {
		return false
	}
	return !strings.Contains(req.Model, "haiku")
}

// StreamMessages drives the full multi-account, multi-mirror retry
// loop for one request and writes an Anthropic SSE response to w.
// Errors are returned, never rendered: the HTTP boundary decides
// between a JSON envelope and a terminal SSE error event based on
// whether headers have gone out.
func (c *Client) StreamMessages(ctx context.Context, req *translate.Request, sessionID string, w http.ResponseWriter) error {
	return c.attemptLoop(ctx, req, sessionID, false, func(res drainResult, model string, family signature.Family) error {
		return c.writeAnthropicStream(res, model, sessionID, family, w)
	})
}

// Messages drives the same retry loop but aggregates the result into a
// single non-streaming Anthropic response. Thinking models only stream
// upstream, so their unary form is an internal stream-and-accumulate;
// everything else uses the true unary endpoint.
func (c *Client) Messages(ctx context.Context, req *translate.Request, sessionID string) (*translate.AnthropicResponse, error) {
	unary := !translate.IsThinkingRequested(req)
	var out *translate.AnthropicResponse
	err := c.attemptLoop(ctx, req, sessionID, unary, func(res drainResult, model string, family signature.Family) error {
		gr := &translate.GoogleResponse{UsageMetadata: res.usage}
		if res.sawContent {
			var parts []translate.Part
			for _, chunk := range res.chunks {
				if len(chunk.Candidates) > 0 {
					parts = append(parts, chunk.Candidates[0].Content.Parts...)
				}
			}
			gr.Candidates = []translate.GoogleCandidate{{
				Content:      translate.Content{Role: "model", Parts: parts},
				FinishReason: res.finishReason,
			}}
		}
		resp, err := translate.FromGoogleResponse(gr, model, sessionID, c.sigCache, family)
		if err != nil {
			return relayerr.New(relayerr.Transient, "translate response: %v", err)
		}
		out = resp
		return nil
	})
	return out, err
}

// attemptLoop owns account selection, token refresh, and endpoint
// failover; onSuccess renders a buffered, fully-drained result however
// the caller needs (SSE or a single JSON message).
func (c *Client) attemptLoop(ctx context.Context, req *translate.Request, sessionID string, unary bool, onSuccess func(drainResult, string, signature.Family) error) error {
	family := modelFamily(req.Model)
	fallbackModel := c.cfg.ModelFallback[req.Model]

	var excludeIDs []string
	authRetried := make(map[string]bool)
	maxAttempts := c.cfg.MaxRetryAccounts
	if n := len(c.pool.List()) + 1; n > maxAttempts {
		maxAttempts = n
	}

	model := req.Model

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.pool.ClearExpiredLimits(time.Now())
		acct, err := c.selector.Select(c.pool, pool.SelectOptions{Model: model, SessionHash: sessionID, ExcludeIDs: excludeIDs}, time.Now())
		if err != nil {
			if waitErr := c.handleAllUnavailable(ctx, model, fallbackModel, &model); waitErr != nil {
				return waitErr
			}
			excludeIDs = nil
			continue
		}

		accessToken, refreshErr := c.ensureToken(ctx, acct)
		if refreshErr != nil {
			slog.Warn("token refresh failed, excluding account", "accountId", acct.ID, "error", refreshErr)
			if errors.Is(refreshErr, credential.ErrInvalidGrant) {
				_ = c.pool.Update(acct.ID, func(a *pool.Account) {
					a.Status = pool.StatusError
					a.ErrorMessage = "refresh token revoked (invalid_grant)"
				})
			}
			excludeIDs = append(excludeIDs, acct.ID)
			continue
		}

		project := c.projects.Resolve(ctx, acct.ID, acct.ProjectID, accessToken)

		googleReq, err := translate.ToGoogleRequest(req, project, sessionID, c.sigCache, family)
		if err != nil {
			return relayerr.New(relayerr.BadRequest, "translate request: %v", err)
		}
		googleReq.Model = model

		body, err := json.Marshal(googleReq)
		if err != nil {
			return relayerr.New(relayerr.BadRequest, "marshal request: %v", err)
		}

		post := postSpec{
			body:         body,
			unary:        unary,
			thinkingBeta: wantsThinkingBeta(req, family),
		}
		done, retry, authRetry, err := c.tryEndpoints(ctx, acct, accessToken, post, model, family, onSuccess)
		if done {
			return err
		}
		if authRetry {
			// One fresh-credential retry per account: clear the cached
			// access token and project id so the next pass re-derives
			// both, and don't exclude the account yet.
			c.invalidateCredentials(acct)
			if !authRetried[acct.ID] {
				authRetried[acct.ID] = true
				continue
			}
			_ = c.pool.Update(acct.ID, func(a *pool.Account) {
				a.Status = pool.StatusError
				a.ErrorMessage = "upstream rejected credentials (401)"
			})
			c.selector.NoteOutcome(c.pool, acct.ID, pool.OutcomeFailure, time.Now())
			excludeIDs = append(excludeIDs, acct.ID)
			continue
		}
		if retry {
			excludeIDs = append(excludeIDs, acct.ID)
			continue
		}
		return err
	}

	return relayerr.New(relayerr.Capacity, "no accounts available after %d attempts", maxAttempts)
}

func (c *Client) invalidateCredentials(acct *pool.Account) {
	_ = c.pool.Update(acct.ID, func(a *pool.Account) {
		a.Credential.AccessToken = ""
		a.Credential.ExpiresAt = time.Time{}
	})
	c.projects.Invalidate(acct.ID)
}

// postSpec carries the per-attempt request shape through the mirror loop.
type postSpec struct {
	body         []byte
	unary        bool
	thinkingBeta bool
}

// tryEndpoints attempts each configured generation mirror in order for
// the already-selected account. Returns done=true when the request was
// fully handled (success or a terminal error); retry=true means the
// caller should exclude this account and pick another; authRetry=true
// means the caller should refresh this account's credentials and try
// it once more.
func (c *Client) tryEndpoints(ctx context.Context, acct *pool.Account, accessToken string, post postSpec, model string, family signature.Family, onSuccess func(drainResult, string, signature.Family) error) (done, retry, authRetry bool, err error) {
	var (
		saw429   bool
		minReset time.Duration
	)

	for _, base := range endpointsFor(CallGenerate, c.cfg.GenerateEndpoints, c.cfg.ProjectSetupEndpoints) {
		resp, httpErr := c.post(ctx, acct, accessToken, base, post)
		if httpErr != nil {
			slog.Warn("upstream request failed", "accountId", acct.ID, "endpoint", base, "error", httpErr)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			err := c.handleSuccess(ctx, resp, acct, accessToken, base, post, model, family, onSuccess)
			return true, false, false, err
		}

		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		class := relayerr.ClassifyStatus(resp.StatusCode)

		switch class {
		case relayerr.RateLimit:
			resetIn, ok := ratelimitparse.FromHeaders(resp.Header, time.Now())
			if !ok {
				resetIn, ok = ratelimitparse.FromBody(string(errBody), time.Now())
			}
			if ok && (!saw429 || resetIn < minReset) {
				minReset = resetIn
			}
			saw429 = true
			continue // a different mirror may still have quota

		case relayerr.AuthInvalid:
			return false, false, true, nil

		case relayerr.Capacity:
			if backedOff := c.capacityBackoff(ctx, acct, base, accessToken, post); backedOff != nil {
				err := c.handleSuccess(ctx, backedOff, acct, accessToken, base, post, model, family, onSuccess)
				return true, false, false, err
			}
			_ = c.pool.Update(acct.ID, func(a *pool.Account) {
				until := time.Now().Add(c.cfg.DefaultCooldown)
				a.OverloadedUntil = &until
			})
			continue // try next mirror

		case relayerr.BadRequest:
			return true, false, false, relayerr.FromUpstream(resp.StatusCode, errBody)

		default:
			continue // try next mirror, then fail over the account
		}
	}

	if saw429 {
		if minReset <= 0 {
			minReset = c.cfg.DefaultCooldown
		}
		c.pool.MarkRateLimited(acct.ID, model, minReset, pool.RateLimitPolicy{
			DedupWindow:        c.cfg.RateLimitDedupWindow,
			ExtendedCooldown:   c.cfg.RateLimitExtendedCooldown,
			MaxConsecutiveHits: c.cfg.MaxConsecutiveFailures,
		}, time.Now())
		c.selector.NoteOutcome(c.pool, acct.ID, pool.OutcomeRateLimited, time.Now())
	} else {
		c.selector.NoteOutcome(c.pool, acct.ID, pool.OutcomeFailure, time.Now())
	}
	return false, true, false, nil
}

func (c *Client) post(ctx context.Context, acct *pool.Account, accessToken, base string, post postSpec) (*http.Response, error) {
	url := base + callPath(post.unary)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(post.body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("User-Agent", "antigravity")
	if post.thinkingBeta {
		httpReq.Header.Set("anthropic-beta", interleavedThinkingBeta)
	}

	return c.transport.GetClient(acct).Do(httpReq)
}

// capacityBackoff retries the same account against the same mirror
// with escalating tiers before giving up on it, since capacity
// exhaustion (as opposed to a per-account rate limit) is usually
// transient and shared across accounts.
func (c *Client) capacityBackoff(ctx context.Context, acct *pool.Account, base, accessToken string, post postSpec) *http.Response {
	tiers := c.cfg.CapacityBackoffTiersMs
	max := c.cfg.MaxCapacityRetries
	for i := 0; i < max && i < len(tiers); i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(tiers[i]) * time.Millisecond):
		}
		resp, err := c.post(ctx, acct, accessToken, base, post)
		if err != nil {
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return resp
		}
		resp.Body.Close()
	}
	return nil
}

// drainResult is the fully-buffered outcome of one upstream response.
type drainResult struct {
	chunks       []stream.Chunk
	sawContent   bool
	finishReason string
	usage        *translate.GoogleUsage
}

// drainStream buffers the whole upstream SSE body before anything is
// written to the client, so an empty response can be retried as a
// brand new request rather than leaving a half-written Anthropic
// stream behind.
func drainStream(ctx context.Context, body io.Reader) (drainResult, error) {
	res := drainResult{finishReason: "STOP"}
	chunks, errs := stream.ReadGoogleSSE(body)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			res.absorb(chunk)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return res, err
			}
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
	return res, nil
}

func (res *drainResult) absorb(chunk stream.Chunk) {
	if len(chunk.Candidates) > 0 {
		if len(chunk.Candidates[0].Content.Parts) > 0 {
			res.sawContent = true
		}
		if chunk.Candidates[0].FinishReason != "" {
			res.finishReason = chunk.Candidates[0].FinishReason
		}
	}
	if chunk.UsageMetadata != nil {
		res.usage = chunk.UsageMetadata
	}
	res.chunks = append(res.chunks, chunk)
}

// drainUnary parses a whole generateContent JSON body into the same
// drainResult shape the streaming path produces, so everything after
// the drain is shared between the two.
func drainUnary(body io.Reader) (drainResult, error) {
	res := drainResult{finishReason: "STOP"}
	var gr translate.GoogleResponse
	if err := json.NewDecoder(body).Decode(&gr); err != nil {
		return res, fmt.Errorf("decode unary response: %w", err)
	}
	res.absorb(stream.Chunk{Candidates: gr.Candidates, UsageMetadata: gr.UsageMetadata})
	return res, nil
}

func drainResponse(ctx context.Context, resp *http.Response, unary bool) (drainResult, error) {
	defer resp.Body.Close()
	if unary {
		return drainUnary(resp.Body)
	}
	return drainStream(ctx, resp.Body)
}

// handleSuccess drains the already-200 upstream response and, if it
// came back with no content at all, retries the same request (fresh
// POST, same account and mirror) up to MaxEmptyResponseRetries times
// with exponential backoff before writing the synthetic placeholder.
// Buffering first means the client never sees a half-started SSE
// stream from an attempt that turns out empty.
func (c *Client) handleSuccess(ctx context.Context, resp *http.Response, acct *pool.Account, accessToken, base string, post postSpec, model string, family signature.Family, onSuccess func(drainResult, string, signature.Family) error) error {
	res, err := drainResponse(ctx, resp, post.unary)
	if err != nil {
		return err
	}

	for attempt := 0; !res.sawContent && attempt < c.cfg.MaxEmptyResponseRetries; attempt++ {
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		retryResp, retryErr := c.post(ctx, acct, accessToken, base, post)
		if retryErr != nil {
			continue
		}
		if retryResp.StatusCode != http.StatusOK {
			retryResp.Body.Close()
			continue
		}
		res, err = drainResponse(ctx, retryResp, post.unary)
		if err != nil {
			return err
		}
	}

	c.selector.NoteOutcome(c.pool, acct.ID, pool.OutcomeSuccess, time.Now())
	return onSuccess(res, model, family)
}

func (c *Client) writeAnthropicStream(res drainResult, model, sessionID string, family signature.Family, w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		defer flusher.Flush()
	}

	sw := stream.NewWriter(w, model, sessionID, c.sigCache, family)

	if !res.sawContent {
		return sw.EmptyFallback()
	}

	inputTokens, cacheReadTokens := 0, 0
	if res.usage != nil {
		cacheReadTokens = res.usage.CachedContentTokenCount
		inputTokens = res.usage.PromptTokenCount - cacheReadTokens
	}
	if err := sw.Start(inputTokens, cacheReadTokens); err != nil {
		return err
	}
	for _, chunk := range res.chunks {
		if err := sw.HandleChunk(chunk); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	outputTokens := 0
	if res.usage != nil {
		outputTokens = res.usage.CandidatesTokenCount
	}
	return sw.Finish(res.finishReason, outputTokens)
}

func (c *Client) ensureToken(ctx context.Context, acct *pool.Account) (string, error) {
	refreshToken, err := c.crypto.Decrypt(acct.Credential.RefreshTokenEnc, acct.ID)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}
	token, expiresAt, err := c.tokens.EnsureValid(ctx, acct.ID, acct.Credential, refreshToken)
	if err != nil {
		return "", err
	}
	_ = c.pool.Update(acct.ID, func(a *pool.Account) {
		a.Credential.AccessToken = token
		a.Credential.ExpiresAt = expiresAt
	})
	return token, nil
}

// handleAllUnavailable implements the all-rate-limited policy: with a
// single account, sleep up to maxWaitBeforeErrorMs and retry; with
// multiple accounts, fail fast. If a model fallback is configured and
// every account is unavailable past the wait ceiling, switch to the
// fallback model instead of failing.
func (c *Client) handleAllUnavailable(ctx context.Context, model, fallbackModel string, modelOut *string) error {
	accounts := c.pool.List()
	if len(accounts) == 0 {
		return relayerr.New(relayerr.Capacity, "no accounts configured")
	}

	now := time.Now()
	var minWait time.Duration
	anyRateLimited := false
	for _, a := range accounts {
		st, ok := a.RateLimits[model]
		if !ok || !st.RateLimited {
			continue
		}
		w := st.ResetAt.Sub(now)
		if !anyRateLimited || w < minWait {
			minWait = w
		}
		anyRateLimited = true
	}

	if !anyRateLimited {
		// Every account is unavailable for a reason other than a
		// per-model rate limit (excluded after an auth/transient
		// failure, disabled, overloaded) — there is no reset time to
		// report or wait on.
		return relayerr.New(relayerr.Transient, "no accounts available")
	}

	ceiling := time.Duration(c.cfg.MaxWaitBeforeErrorMs) * time.Millisecond
	if minWait > ceiling {
		if fallbackModel != "" {
			*modelOut = fallbackModel
			return nil
		}
		return relayerr.NewExhausted(relayerr.Capacity, now.Add(minWait))
	}

	if len(accounts) > 1 {
		return relayerr.NewExhausted(relayerr.Capacity, now.Add(minWait))
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(minWait):
	}
	return nil
}
