package credential

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// ScrapeAccount is one credential discovered in a local IDE's state
// database (e.g. VS Code-family "globalStorage/state.vscdb" files,
// which store extension secrets as key/value JSON blobs in an
// ItemTable).
type ScrapeAccount struct {
	Email        string
	RefreshToken string
	AccessToken  string
}

// ScrapeDatabase opens a local IDE state database (read-only) and pulls
// out any cached OAuth credential blobs it finds under keys containing
// "secretStorage" or "oauth". This is the "database-scraped"
// credential source: instead of running its own OAuth flow, relaygate
// reuses a credential the IDE extension already obtained and cached on
// disk.
func ScrapeDatabase(path string) ([]ScrapeAccount, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("open scrape db: %w", err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT key, value FROM ItemTable WHERE key LIKE '%secretStorage%' OR key LIKE '%oauth%'`)
	if err != nil {
		return nil, fmt.Errorf("query scrape db: %w", err)
	}
	defer rows.Close()

	var out []ScrapeAccount
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			continue
		}
		if acct, ok := parseScrapeValue(value); ok {
			out = append(out, acct)
		}
	}
	return out, rows.Err()
}

// parseScrapeValue is deliberately permissive: different IDE versions
// nest the token fields differently, so it tries a couple of common
// shapes instead of enforcing one schema.
func parseScrapeValue(value []byte) (ScrapeAccount, bool) {
	var flat struct {
		Email        string `json:"email"`
		RefreshToken string `json:"refresh_token"`
		AccessToken  string `json:"access_token"`
	}
	if json.Unmarshal(value, &flat) == nil && flat.RefreshToken != "" {
		return ScrapeAccount{Email: flat.Email, RefreshToken: flat.RefreshToken, AccessToken: flat.AccessToken}, true
	}

	var nested struct {
		Account struct {
			Email string `json:"email"`
		} `json:"account"`
		Tokens struct {
			RefreshToken string `json:"refreshToken"`
			AccessToken  string `json:"accessToken"`
		} `json:"tokens"`
	}
	if json.Unmarshal(value, &nested) == nil && nested.Tokens.RefreshToken != "" {
		return ScrapeAccount{
			Email:        nested.Account.Email,
			RefreshToken: nested.Tokens.RefreshToken,
			AccessToken:  nested.Tokens.AccessToken,
		}, true
	}

	return ScrapeAccount{}, false
}
