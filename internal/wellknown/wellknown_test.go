package wellknown

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthorizationServerMetadata_OmitsEmpty(t *testing.T) {
	b, err := json.Marshal(AuthorizationServerMetadata{
		Issuer:                 "https://auth.example.com",
		AuthorizationEndpoint:  "https://auth.example.com/authorize",
		TokenEndpoint:          "https://auth.example.com/token",
		ResponseTypesSupported: []string{"code"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"issuer":"https://auth.example.com","authorization_endpoint":"https://auth.example.com/authorize","token_endpoint":"https://auth.example.com/token","response_types_supported":["code"]}`
	if string(b) != want {
		t.Fatalf("want %s, got %s", want, b)
	}
}

func TestProtectedResourceMetadata_OmitsEmpty(t *testing.T) {
	b, err := json.Marshal(ProtectedResourceMetadata{
		Resource:             "https://mcp.example.com/mcp",
		AuthorizationServers: []string{"https://auth.example.com"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"resource":"https://mcp.example.com/mcp","authorization_servers":["https://auth.example.com"]}`
	if string(b) != want {
		t.Fatalf("want %s, got %s", want, b)
	}
}

func TestHandler(t *testing.T) {
	h := Handler(ProtectedResourceMetadata{Resource: "https://mcp.example.com/mcp"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("want CORS *, got %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=3600" {
		t.Fatalf("unexpected Cache-Control %q", got)
	}
	if rec.Body.String() != `{"resource":"https://mcp.example.com/mcp"}` {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/.well-known/oauth-protected-resource", nil))
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Methods") != "GET, OPTIONS" {
		t.Fatalf("unexpected preflight %d %v", rec.Code, rec.Header())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/.well-known/oauth-protected-resource", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("want 405, got %d", rec.Code)
	}
}
