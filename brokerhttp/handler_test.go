package brokerhttp_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/ggoodman/mcp-authbroker/broker"
	"github.com/ggoodman/mcp-authbroker/brokerhttp"
	"github.com/ggoodman/mcp-authbroker/clientmeta"
	"github.com/ggoodman/mcp-authbroker/idp"
	"github.com/ggoodman/mcp-authbroker/pkce"
	"github.com/ggoodman/mcp-authbroker/sessions/memoryhost"
)

const (
	brokerBase   = "https://broker.example.com"
	clientID     = "https://client.example.com/metadata.json"
	redirectURI  = "https://client.example.com/callback"
	codeVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

type staticFetcher map[string]*clientmeta.Document

func (f staticFetcher) Fetch(_ context.Context, id string) (*clientmeta.Document, error) {
	if doc, ok := f[id]; ok {
		return doc, nil
	}
	return nil, errors.New("client metadata request returned status 404")
}

type fixture struct {
	srv    *httptest.Server
	client *http.Client

	mu       sync.Mutex
	idpCodes []string
}

func (f *fixture) exchanges() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.idpCodes)
}

// newFixture wires a broker against an in-process provider token endpoint.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		code := r.PostForm.Get("code")
		f.mu.Lock()
		f.idpCodes = append(f.idpCodes, code)
		f.mu.Unlock()
		if code == "bad-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"code expired"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json;charset=UTF-8")
		_, _ = io.WriteString(w, `{"access_token":"at-`+code+`","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(provider.Close)

	upstream, err := idp.New(idp.Config{
		ClientID:              "broker-client",
		AuthorizationEndpoint: "https://idp.example.com/oauth2/authorize",
		TokenEndpoint:         provider.URL + "/oauth2/token",
		RedirectURL:           brokerhttp.CallbackURL(brokerBase),
	})
	if err != nil {
		t.Fatalf("idp.New: %v", err)
	}

	fetcher := staticFetcher{clientID: {
		ClientID:     clientID,
		ClientName:   "Example <Client>",
		ClientURI:    "https://client.example.com",
		RedirectURIs: []string{redirectURI},
	}}
	store := memoryhost.New()
	t.Cleanup(func() { _ = store.Close() })

	b, err := broker.New(store, fetcher, upstream, broker.WithConsentURL(brokerhttp.ConsentURL(brokerBase)))
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	h, err := brokerhttp.New(brokerBase, b)
	if err != nil {
		t.Fatalf("brokerhttp.New: %v", err)
	}

	f.srv = httptest.NewServer(h)
	t.Cleanup(f.srv.Close)
	f.client = &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	return f
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	res, err := f.client.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func (f *fixture) postForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	res, err := f.client.PostForm(f.srv.URL+path, form)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func authorizeQuery() url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"code_challenge":        {pkce.ComputeChallenge(codeVerifier)},
		"code_challenge_method": {"S256"},
		"state":                 {"client-state"},
		"scope":                 {"openid email"},
	}
}

func location(t *testing.T, res *http.Response) *url.URL {
	t.Helper()
	if res.StatusCode != http.StatusFound {
		body, _ := io.ReadAll(res.Body)
		t.Fatalf("want 302, got %d: %s", res.StatusCode, body)
	}
	if got := res.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("want Cache-Control no-store on redirect, got %q", got)
	}
	u, err := url.Parse(res.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	return u
}

func decodeOAuthError(t *testing.T, res *http.Response) (int, string, string) {
	t.Helper()
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("want application/json error, got %q", ct)
	}
	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return res.StatusCode, body.Error, body.ErrorDescription
}

func TestFullFlow(t *testing.T) {
	f := newFixture(t)

	consent := location(t, f.get(t, "/authorize?"+authorizeQuery().Encode()))
	if consent.Host != "broker.example.com" || consent.Path != "/consent" {
		t.Fatalf("unexpected consent redirect %s", consent)
	}
	sessionID := consent.Query().Get("session")
	if len(sessionID) != 64 {
		t.Fatalf("want 64 hex char session id, got %q", sessionID)
	}

	page := f.get(t, "/consent?session="+sessionID)
	if page.StatusCode != http.StatusOK {
		t.Fatalf("want 200 consent page, got %d", page.StatusCode)
	}
	if ct := page.Header.Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("unexpected consent Content-Type %q", ct)
	}
	if cc := page.Header.Get("Cache-Control"); cc != "no-store, no-cache, must-revalidate" {
		t.Fatalf("unexpected consent Cache-Control %q", cc)
	}
	html, _ := io.ReadAll(page.Body)
	for _, want := range []string{
		"Example &lt;Client&gt;",
		`name="session" value="` + sessionID + `"`,
		`action="/consent/approve"`,
		`action="/consent/deny"`,
		"<code>email</code>",
	} {
		if !strings.Contains(string(html), want) {
			t.Fatalf("consent page missing %q", want)
		}
	}

	idpURL := location(t, f.postForm(t, "/consent/approve", url.Values{"session": {sessionID}}))
	if idpURL.Host != "idp.example.com" || idpURL.Query().Get("state") != sessionID {
		t.Fatalf("unexpected provider redirect %s", idpURL)
	}

	back := location(t, f.get(t, "/callback?"+url.Values{"code": {"idp-code"}, "state": {sessionID}}.Encode()))
	if back.String() != redirectURI+"?code=idp-code&state=client-state" {
		t.Fatalf("unexpected client redirect %s", back)
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"idp-code"},
		"redirect_uri":  {redirectURI},
		"client_id":     {clientID},
		"code_verifier": {codeVerifier},
	}
	tok := f.postForm(t, "/token", form)
	if tok.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(tok.Body)
		t.Fatalf("want 200 token, got %d: %s", tok.StatusCode, body)
	}
	if ct := tok.Header.Get("Content-Type"); ct != "application/json;charset=UTF-8" {
		t.Fatalf("want provider Content-Type passed through, got %q", ct)
	}
	if tok.Header.Get("Cache-Control") != "no-store" || tok.Header.Get("Pragma") != "no-cache" {
		t.Fatalf("unexpected token cache headers %v", tok.Header)
	}
	body, _ := io.ReadAll(tok.Body)
	if string(body) != `{"access_token":"at-idp-code","token_type":"Bearer","expires_in":3600}` {
		t.Fatalf("unexpected token body %s", body)
	}

	replay := f.postForm(t, "/token", form)
	status, code, _ := decodeOAuthError(t, replay)
	if status != http.StatusBadRequest || code != "invalid_grant" {
		t.Fatalf("want 400 invalid_grant on replay, got %d %s", status, code)
	}
	if n := f.exchanges(); n != 1 {
		t.Fatalf("want one provider exchange, got %d", n)
	}
}

func TestConsentDeny(t *testing.T) {
	f := newFixture(t)
	consent := location(t, f.get(t, "/authorize?"+authorizeQuery().Encode()))
	sessionID := consent.Query().Get("session")

	back := location(t, f.postForm(t, "/consent/deny", url.Values{"session": {sessionID}}))
	q := back.Query()
	if q.Get("error") != "access_denied" || q.Get("error_description") != "User denied access" || q.Get("state") != "client-state" {
		t.Fatalf("unexpected deny redirect %s", back)
	}

	status, code, desc := decodeOAuthError(t, f.get(t, "/consent?session="+sessionID))
	if status != http.StatusBadRequest || code != "invalid_request" || desc != "Invalid or expired session" {
		t.Fatalf("want expired session after deny, got %d %s %q", status, code, desc)
	}
}

func TestConsentPage_Errors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		path string
		desc string
	}{
		{"/consent", "session parameter is required"},
		{"/consent?session=deadbeef", "Invalid or expired session"},
	}
	for _, tc := range tests {
		status, code, desc := decodeOAuthError(t, f.get(t, tc.path))
		if status != http.StatusBadRequest || code != "invalid_request" || desc != tc.desc {
			t.Fatalf("%s: want 400 invalid_request %q, got %d %s %q", tc.path, tc.desc, status, code, desc)
		}
	}

	consent := location(t, f.get(t, "/authorize?"+authorizeQuery().Encode()))
	sessionID := consent.Query().Get("session")
	location(t, f.postForm(t, "/consent/approve", url.Values{"session": {sessionID}}))

	_, _, desc := decodeOAuthError(t, f.get(t, "/consent?session="+sessionID))
	if desc != "Session already used" {
		t.Fatalf("want Session already used, got %q", desc)
	}
	_, _, desc = decodeOAuthError(t, f.postForm(t, "/consent/approve", url.Values{"session": {sessionID}}))
	if desc != "Session already used" {
		t.Fatalf("want Session already used on second approve, got %q", desc)
	}
}

func TestAuthorize_Errors(t *testing.T) {
	f := newFixture(t)

	q := authorizeQuery()
	q.Del("code_challenge")
	status, code, desc := decodeOAuthError(t, f.get(t, "/authorize?"+q.Encode()))
	if status != http.StatusBadRequest || code != "invalid_request" || desc != "code_challenge is required (PKCE)" {
		t.Fatalf("unexpected error %d %s %q", status, code, desc)
	}

	q = authorizeQuery()
	q.Set("redirect_uri", "https://evil.example.com/cb")
	status, code, _ = decodeOAuthError(t, f.get(t, "/authorize?"+q.Encode()))
	if status != http.StatusBadRequest || code != "invalid_client" {
		t.Fatalf("want invalid_client for unregistered redirect, got %d %s", status, code)
	}
}

func TestCallback_ProviderError(t *testing.T) {
	f := newFixture(t)
	consent := location(t, f.get(t, "/authorize?"+authorizeQuery().Encode()))
	sessionID := consent.Query().Get("session")
	location(t, f.postForm(t, "/consent/approve", url.Values{"session": {sessionID}}))

	back := location(t, f.get(t, "/callback?"+url.Values{
		"error":             {"access_denied"},
		"error_description": {"user cancelled"},
		"state":             {sessionID},
	}.Encode()))
	if back.Query().Get("error") != "access_denied" || back.Query().Get("state") != "client-state" {
		t.Fatalf("unexpected redirect %s", back)
	}

	status, code, desc := decodeOAuthError(t, f.get(t, "/callback?error=server_error&state=unknown"))
	if status != http.StatusBadRequest || code != "server_error" || desc != "Authorization failed" {
		t.Fatalf("unexpected error %d %s %q", status, code, desc)
	}
}

func TestToken_Errors(t *testing.T) {
	f := newFixture(t)

	res, err := f.client.Post(f.srv.URL+"/token", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer func() { _ = res.Body.Close() }()
	status, code, _ := decodeOAuthError(t, res)
	if status != http.StatusBadRequest || code != "invalid_request" {
		t.Fatalf("want invalid_request for JSON body, got %d %s", status, code)
	}

	status, code, desc := decodeOAuthError(t, f.postForm(t, "/token", url.Values{"grant_type": {"password"}}))
	if status != http.StatusBadRequest || code != "invalid_request" || desc != `grant_type must be "authorization_code"` {
		t.Fatalf("unexpected error %d %s %q", status, code, desc)
	}

	consent := location(t, f.get(t, "/authorize?"+authorizeQuery().Encode()))
	sessionID := consent.Query().Get("session")
	location(t, f.postForm(t, "/consent/approve", url.Values{"session": {sessionID}}))
	location(t, f.get(t, "/callback?code=bad-code&state="+sessionID))

	status, code, desc = decodeOAuthError(t, f.postForm(t, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"bad-code"},
		"redirect_uri":  {redirectURI},
		"client_id":     {clientID},
		"code_verifier": {codeVerifier},
		"state":         {sessionID},
	}))
	if status != http.StatusBadRequest || code != "invalid_grant" || desc != "Failed to exchange code for tokens: code expired" {
		t.Fatalf("unexpected error %d %s %q", status, code, desc)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	res := f.postForm(t, "/authorize", url.Values{})
	if res.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("want 405, got %d", res.StatusCode)
	}
}

func TestAuthorizationServerMetadata(t *testing.T) {
	f := newFixture(t)
	res := f.get(t, "/.well-known/oauth-authorization-server")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", res.StatusCode)
	}
	if res.Header.Get("Access-Control-Allow-Origin") != "*" || res.Header.Get("Cache-Control") != "public, max-age=3600" {
		t.Fatalf("unexpected headers %v", res.Header)
	}
	var doc map[string]any
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["issuer"] != brokerBase || doc["authorization_endpoint"] != brokerBase+"/authorize" || doc["token_endpoint"] != brokerBase+"/token" {
		t.Fatalf("unexpected endpoints %v", doc)
	}
	methods, _ := doc["code_challenge_methods_supported"].([]any)
	if len(methods) != 1 || methods[0] != "S256" {
		t.Fatalf("want S256 only, got %v", methods)
	}
	if doc["client_id_metadata_document_supported"] != true {
		t.Fatalf("want client id metadata documents advertised, got %v", doc)
	}
}

func TestNew_Validates(t *testing.T) {
	if _, err := brokerhttp.New(brokerBase, nil); err == nil {
		t.Fatalf("want error for nil broker")
	}
}
