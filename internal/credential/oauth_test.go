package credential

import "testing"

func TestExtractCodeFromCallbackURL(t *testing.T) {
	got, err := ExtractCode("http://localhost:51121/oauth-callback?code=4/0AQSTg123&state=abc123")
	if err != nil {
		t.Fatalf("ExtractCode: %v", err)
	}
	if got.Code != "4/0AQSTg123" || got.State != "abc123" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestExtractCodeFromRawPaste(t *testing.T) {
	got, err := ExtractCode("  4/0AQSTgQGcode123  \n")
	if err != nil {
		t.Fatalf("ExtractCode: %v", err)
	}
	if got.Code != "4/0AQSTgQGcode123" || got.State != "" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestExtractCodeRejectsOAuthError(t *testing.T) {
	_, err := ExtractCode("http://localhost:51121/?error=access_denied")
	if err == nil {
		t.Fatal("expected an error for a redirect carrying error=access_denied")
	}
}

func TestExtractCodeRejectsTooShort(t *testing.T) {
	_, err := ExtractCode("abc")
	if err == nil {
		t.Fatal("expected an error for an implausibly short code")
	}
}

func TestExtractCodeURLDecodesFragmentStylePaste(t *testing.T) {
	got, err := ExtractCode("#code=4%2F0AQSTg123&scope=email")
	if err != nil {
		t.Fatalf("ExtractCode: %v", err)
	}
	if got.Code != "4/0AQSTg123" {
		t.Fatalf("expected URL-decoded code, got %q", got.Code)
	}
}
