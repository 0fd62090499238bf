package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/config"
	"github.com/ehr/portal/internal/platform/auth"
	"github.com/ehr/portal/internal/platform/db"
	"github.com/ehr/portal/internal/platform/session"
)

// ---------------------------------------------------------------------------
// resolveSessionSecret
// ---------------------------------------------------------------------------

func TestResolveSessionSecret_FromHex(t *testing.T) {
	want := "aabbccdd00112233aabbccdd00112233aabbccdd00112233aabbccdd00112233"
	key, generated, err := resolveSessionSecret(want)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if generated {
		t.Error("expected generated=false for a supplied value")
	}
	if hex.EncodeToString(key) != want {
		t.Errorf("key mismatch: got %x", key)
	}
}

func TestResolveSessionSecret_Generated(t *testing.T) {
	k1, generated, err := resolveSessionSecret("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !generated || len(k1) != 32 {
		t.Fatalf("expected a generated 32-byte key, got %d bytes generated=%v", len(k1), generated)
	}
	k2, _, _ := resolveSessionSecret("")
	if bytes.Equal(k1, k2) {
		t.Error("two generated secrets should differ")
	}
}

func TestResolveSessionSecret_InvalidHex(t *testing.T) {
	if _, _, err := resolveSessionSecret("not-hex!"); err == nil {
		t.Fatal("expected an error for invalid hex")
	}
}

// ---------------------------------------------------------------------------
// CLI
// ---------------------------------------------------------------------------

func TestHashPasswordCmd(t *testing.T) {
	cmd := hashPasswordCmd()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader("correct-horse\n"))
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if !auth.VerifyPassword(hash, "correct-horse") {
		t.Errorf("printed value is not a hash of the input: %q", hash)
	}
}

func TestHashPasswordCmd_TooShort(t *testing.T) {
	cmd := hashPasswordCmd()
	cmd.SetIn(strings.NewReader("short"))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected a short password to be rejected")
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	want := map[string]bool{"serve": false, "migrate": false, "hash-password": false}
	for _, c := range rootCmd().Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestPrintStatus(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var out bytes.Buffer
	printStatus(&out, []db.MigrationStatus{
		{Version: 1, Name: "web_session", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "rate_limit_attempt"},
	})
	got := out.String()
	if !strings.Contains(got, "2024-01-02 03:04:05") || !strings.Contains(got, "pending") {
		t.Errorf("unexpected output:\n%s", got)
	}
}

// ---------------------------------------------------------------------------
// End to end: login, challenge, chart
// ---------------------------------------------------------------------------

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "drsmith" || body["password"] != "s3cret-pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token": "api-token",
			"user":  map[string]string{"id": "u-7", "username": "drsmith", "role": "physician"},
		})
	})
	mux.HandleFunc("/patients/1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer api-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id": "1", "mrn": "MRN-1", "first_name": "Ada", "last_name": "Lovelace", "date_of_birth": "1955-03-15",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, apiURL string) *config.Config {
	return &config.Config{
		Env:                      "test",
		SessionStore:             "memory",
		SessionTTL:               time.Hour,
		PatientProtectionEnabled: true,
		GrantTTL:                 30 * time.Minute,
		VerifyMaxAttempts:        5,
		VerifyWindow:             15 * time.Minute,
		LoginMaxAttempts:         5,
		LoginWindow:              5 * time.Minute,
		RateLimitStore:           "memory",
		AuditSink:                "log",
		APIBaseURL:               apiURL,
		APITimeout:               2 * time.Second,
		RateLimitRPS:             1000,
		RateLimitBurst:           1000,
		RequestTimeout:           5 * time.Second,
		SetupWizard:              false,
		SetupConfigFile:          filepath.Join(t.TempDir(), "ehr-portal.yaml"),
	}
}

type client struct {
	t      *testing.T
	srv    *server
	cookie *http.Cookie
}

func (cl *client) do(method, target string, form url.Values, accept string) *httptest.ResponseRecorder {
	cl.t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if cl.cookie != nil {
		req.AddCookie(cl.cookie)
	}
	rec := httptest.NewRecorder()
	cl.srv.echo.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName {
			cl.cookie = c
		}
	}
	return rec
}

func (cl *client) csrf(target string) string {
	cl.t.Helper()
	rec := cl.do(http.MethodGet, target, nil, "application/json")
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		cl.t.Fatalf("decode %s: %v (%d %s)", target, err, rec.Code, rec.Body.String())
	}
	token, _ := body["csrf_token"].(string)
	return token
}

func TestServer_VerificationFlow(t *testing.T) {
	api := fakeAPI(t)
	srv, err := newServer(testConfig(t, api.URL), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	defer srv.Close()
	cl := &client{t: t, srv: srv}

	// Protected routes require a login first.
	if rec := cl.do(http.MethodGet, "/patients/1/chart", nil, ""); rec.Code != http.StatusSeeOther ||
		!strings.HasPrefix(rec.Header().Get("Location"), "/login") {
		t.Fatalf("expected redirect to login, got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	rec := cl.do(http.MethodPost, "/login", url.Values{
		"username":   {"drsmith"},
		"password":   {"s3cret-pass"},
		"csrf_token": {cl.csrf("/login")},
	}, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("login: expected 303, got %d %s", rec.Code, rec.Body.String())
	}

	rec = cl.do(http.MethodGet, "/patients/1/chart", nil, "")
	if rec.Code != http.StatusSeeOther || !strings.HasPrefix(rec.Header().Get("Location"), "/patients/1/verify") {
		t.Fatalf("expected redirect to the challenge, got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	token := cl.csrf("/patients/1/verify")
	rec = cl.do(http.MethodPost, "/patients/1/verify", url.Values{"dob": {"03151956"}, "csrf_token": {token}}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong dob: expected 401, got %d", rec.Code)
	}
	rec = cl.do(http.MethodPost, "/patients/1/verify", url.Values{"dob": {"03/15/1955"}, "csrf_token": {token}}, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("right dob: expected 303, got %d %s", rec.Code, rec.Body.String())
	}

	rec = cl.do(http.MethodGet, "/patients/1/chart", nil, "application/json")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "MRN-1") {
		t.Fatalf("expected the chart, got %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected chart responses to be uncacheable")
	}

	metrics := cl.do(http.MethodGet, "/metrics", nil, "")
	for _, want := range []string{
		`ehr_patient_verification_total{outcome="granted"} 1`,
		`ehr_patient_verification_total{outcome="mismatch"} 1`,
		`ehr_login_attempts_total{outcome="success",source="remote"} 1`,
	} {
		if !strings.Contains(metrics.Body.String(), want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestServer_SetupGate(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.SetupWizard = true
	srv, err := newServer(cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	defer srv.Close()
	cl := &client{t: t, srv: srv}

	if rec := cl.do(http.MethodGet, "/login", nil, ""); rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/setup" {
		t.Errorf("expected redirect to setup, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if rec := cl.do(http.MethodGet, "/setup", nil, "application/json"); rec.Code != http.StatusOK {
		t.Errorf("expected the wizard, got %d", rec.Code)
	}
	if rec := cl.do(http.MethodGet, "/health", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("expected health during setup, got %d", rec.Code)
	}
}

func TestServer_BootstrapAdminWithoutAPI(t *testing.T) {
	hash, err := auth.HashPassword("admin-pass-1")
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t, "")
	cfg.AdminUsername = "admin"
	cfg.AdminPasswordHash = hash
	srv, err := newServer(cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	defer srv.Close()
	cl := &client{t: t, srv: srv}

	rec := cl.do(http.MethodPost, "/login", url.Values{
		"username":   {"admin"},
		"password":   {"admin-pass-1"},
		"csrf_token": {cl.csrf("/login")},
	}, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected bootstrap login to succeed, got %d %s", rec.Code, rec.Body.String())
	}

	// No API and no database: the challenge fails closed.
	token := cl.csrf("/patients/1/verify")
	rec = cl.do(http.MethodPost, "/patients/1/verify", url.Values{"dob": {"03151955"}, "csrf_token": {token}}, "application/json")
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), `"error":"mismatch"`) {
		t.Errorf("expected a fail-closed mismatch, got %d %s", rec.Code, rec.Body.String())
	}
}
