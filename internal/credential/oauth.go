package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	oauthAuthorizeURL = "https://accounts.google.com/o/oauth2/v2/auth"
	oauthTokenURL     = "https://oauth2.googleapis.com/token"
)

// PKCESession holds the verifier/state pair for one in-flight OAuth
// authorization; it must be looked up again when the callback or
// pasted code/URL arrives.
type PKCESession struct {
	CodeVerifier string
	State        string
}

// GenerateAuthURL builds the Google OAuth consent URL for a PKCE (S256)
// authorization-code flow, binding to a local callback on callbackPort.
func GenerateAuthURL(clientID string, callbackPort int, scopes []string) (authURL string, sess PKCESession, err error) {
	verifier, err := randomURLSafe(32)
	if err != nil {
		return "", PKCESession{}, err
	}
	state, err := randomURLSafe(16)
	if err != nil {
		return "", PKCESession{}, err
	}

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	redirectURI := fmt.Sprintf("http://localhost:%d/oauth/callback", callbackPort)

	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("access_type", "offline")
	q.Set("prompt", "consent")
	q.Set("state", state)

	return oauthAuthorizeURL + "?" + q.Encode(), PKCESession{CodeVerifier: verifier, State: state}, nil
}

// ExtractedCode is the result of parsing a manually pasted redirect
// URL or raw code. State is empty when the input was a bare code
// rather than a URL (there is nothing to compare against PKCESession.State).
type ExtractedCode struct {
	Code  string
	State string
}

// ExtractCode parses a manually pasted authorization code or full
// redirect URL. Accepts: a bare code, a full URL containing ?code=...,
// or a fragment-style paste containing "code=...". Rejects a redirect
// carrying an `error` query param, and anything shorter than 10 chars
// once trimmed (too short to be a real code).
func ExtractCode(pasted string) (ExtractedCode, error) {
	pasted = strings.TrimSpace(pasted)
	if pasted == "" {
		return ExtractedCode{}, errors.New("empty input")
	}

	if u, err := url.Parse(pasted); err == nil && u.Scheme != "" {
		q := u.Query()
		if errMsg := q.Get("error"); errMsg != "" {
			return ExtractedCode{}, fmt.Errorf("authorization denied: %s", errMsg)
		}
		if code := q.Get("code"); code != "" {
			code, err := validateCodeLength(code)
			if err != nil {
				return ExtractedCode{}, err
			}
			return ExtractedCode{Code: code, State: q.Get("state")}, nil
		}
	}

	trimmed := strings.TrimLeft(pasted, "#&?")
	if strings.Contains(trimmed, "code=") {
		idx := strings.Index(trimmed, "code=")
		rest := trimmed[idx+len("code="):]
		if amp := strings.IndexAny(rest, "&#"); amp >= 0 {
			rest = rest[:amp]
		}
		decoded := rest
		if d, err := url.QueryUnescape(rest); err == nil {
			decoded = d
		}
		code, err := validateCodeLength(decoded)
		if err != nil {
			return ExtractedCode{}, err
		}
		return ExtractedCode{Code: code}, nil
	}

	code, err := validateCodeLength(pasted)
	if err != nil {
		return ExtractedCode{}, err
	}
	return ExtractedCode{Code: code}, nil
}

func validateCodeLength(code string) (string, error) {
	if len(code) < 10 {
		return "", fmt.Errorf("authorization code too short (%d chars)", len(code))
	}
	return code, nil
}

func randomURLSafe(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
