package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/hipaa"
)

// -- helpers --

func newTestManager(store Store, now time.Time) *Manager {
	m := NewManager(store, time.Hour, true, zerolog.Nop())
	m.nowFn = func() time.Time { return now }
	return m
}

func newContext(e *echo.Echo, req *http.Request) (echo.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	var found *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == CookieName {
			found = c
		}
	}
	if found == nil {
		t.Fatalf("expected %s cookie in response", CookieName)
	}
	return found
}

// -- CSRF --

func TestValidCSRF(t *testing.T) {
	s := &Session{CSRFToken: "abc123"}

	if !ValidCSRF(s, "abc123") {
		t.Error("expected matching token to be valid")
	}
	if ValidCSRF(s, "abc124") {
		t.Error("expected different token to be rejected")
	}
	if ValidCSRF(s, "") {
		t.Error("expected empty token to be rejected")
	}
	if ValidCSRF(&Session{}, "") {
		t.Error("expected empty expected token to never match")
	}
	if ValidCSRF(nil, "abc123") {
		t.Error("expected nil session to be rejected")
	}
}

func TestNewCSRFToken_Unique(t *testing.T) {
	a, err := newCSRFToken()
	if err != nil {
		t.Fatalf("newCSRFToken: %v", err)
	}
	b, _ := newCSRFToken()
	if a == b {
		t.Error("expected distinct tokens")
	}
	if len(a) < 40 {
		t.Errorf("expected a 32-byte token, got %q", a)
	}
}

// -- MemoryStore --

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	s := &Session{ID: "s1", ExpiresAt: time.Now().Add(time.Hour), Grants: map[string]Grant{}}
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s.Grants["p1"] = Grant{Signature: "x"}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Grants) != 0 {
		t.Error("mutating the caller's session must not change the stored one")
	}
}

func TestMemoryStore_Expired(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	store.nowFn = func() time.Time { return now }
	ctx := context.Background()

	_ = store.Save(ctx, &Session{ID: "old", ExpiresAt: now})
	if _, err := store.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired session, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// -- PGStore --

type fakeRow struct {
	payload []byte
	err     error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*[]byte) = r.payload
	return nil
}

type fakeTable struct {
	rows   map[string][]byte
	err    error
	sweeps int
}

func (f *fakeTable) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	switch {
	case strings.Contains(sql, "INSERT INTO web_session"):
		f.rows[args[0].(string)] = args[1].([]byte)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "expires_at <= now()"):
		f.sweeps++
		return pgconn.NewCommandTag("DELETE 0"), nil
	case strings.Contains(sql, "DELETE FROM web_session"):
		delete(f.rows, args[0].(string))
		return pgconn.NewCommandTag("DELETE 1"), nil
	}
	return pgconn.CommandTag{}, errors.New("unexpected statement")
}

func (f *fakeTable) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	if f.err != nil {
		return fakeRow{err: f.err}
	}
	payload, ok := f.rows[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{payload: payload}
}

func newSealer(t *testing.T) *hipaa.PHIEncryptor {
	t.Helper()
	enc, err := hipaa.NewPHIEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewPHIEncryptor: %v", err)
	}
	return enc
}

func TestPGStore_RoundTripEncrypted(t *testing.T) {
	table := &fakeTable{rows: map[string][]byte{}}
	store := NewPGStore(table, newSealer(t), zerolog.Nop())
	ctx := context.Background()

	s := &Session{
		ID:        "sess-1",
		UserID:    "user-7",
		CSRFToken: "tok",
		Grants:    map[string]Grant{"42": {Signature: "sig"}},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if strings.Contains(string(table.rows["sess-1"]), "user-7") {
		t.Fatal("payload must not be stored in clear text")
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID != "user-7" || got.Grants["42"].Signature != "sig" {
		t.Errorf("unexpected session %+v", got)
	}
}

func TestPGStore_PayloadBoundToID(t *testing.T) {
	table := &fakeTable{rows: map[string][]byte{}}
	store := NewPGStore(table, newSealer(t), zerolog.Nop())
	ctx := context.Background()

	_ = store.Save(ctx, &Session{ID: "victim", UserID: "admin", ExpiresAt: time.Now().Add(time.Hour)})
	table.rows["attacker"] = table.rows["victim"]

	if _, err := store.Get(ctx, "attacker"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected payload copied under another id to be rejected, got %v", err)
	}
}

func TestPGStore_Errors(t *testing.T) {
	store := NewPGStore(&fakeTable{rows: map[string][]byte{}}, newSealer(t), zerolog.Nop())
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	broken := NewPGStore(&fakeTable{err: errors.New("conn refused")}, newSealer(t), zerolog.Nop())
	_, err := broken.Get(context.Background(), "x")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

// -- Manager --

func TestManager_LoadCreatesSession(t *testing.T) {
	e := echo.New()
	store := NewMemoryStore()
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	m := newTestManager(store, now)

	c, rec := newContext(e, httptest.NewRequest(http.MethodGet, "/", nil))
	s, err := m.Load(c)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ID == "" || s.CSRFToken == "" {
		t.Fatal("expected new session with id and csrf token")
	}
	if s.Authenticated() {
		t.Error("new session must be anonymous")
	}
	if !s.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("unexpected expiry %v", s.ExpiresAt)
	}

	if _, err := store.Get(context.Background(), s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("a new session must not be stored before it is used, got %v", err)
	}

	if err := m.Save(c, s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cookie := sessionCookie(t, rec)
	if cookie.Value != s.ID || !cookie.HttpOnly || !cookie.Secure || cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("unexpected cookie %+v", cookie)
	}
	if _, err := store.Get(context.Background(), s.ID); err != nil {
		t.Errorf("expected saved session to be stored: %v", err)
	}
}

func TestManager_LoadExisting(t *testing.T) {
	e := echo.New()
	store := NewMemoryStore()
	m := newTestManager(store, time.Now())

	existing := &Session{ID: "known", UserID: "u1", CSRFToken: "t", ExpiresAt: time.Now().Add(time.Hour)}
	_ = store.Save(context.Background(), existing)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "known"})
	c, _ := newContext(e, req)

	s, err := m.Load(c)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ID != "known" || s.UserID != "u1" {
		t.Errorf("expected existing session, got %+v", s)
	}
}

func TestManager_LoadUnknownCookieStartsFresh(t *testing.T) {
	e := echo.New()
	m := newTestManager(NewMemoryStore(), time.Now())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "planted-by-attacker"})
	c, _ := newContext(e, req)

	s, err := m.Load(c)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ID == "planted-by-attacker" {
		t.Fatal("client-chosen session ids must never be adopted")
	}
}

func TestManager_Regenerate(t *testing.T) {
	e := echo.New()
	store := NewMemoryStore()
	m := newTestManager(store, time.Now())

	c, _ := newContext(e, httptest.NewRequest(http.MethodPost, "/login", nil))
	s, _ := m.Load(c)
	oldID, oldToken := s.ID, s.CSRFToken
	s.Grants = map[string]Grant{"1": {Signature: "sig"}}
	_ = m.Save(c, s)

	s.UserID = "user-1"
	if err := m.Regenerate(c, s); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}

	if s.ID == oldID {
		t.Error("expected a new session id")
	}
	if s.CSRFToken == oldToken {
		t.Error("expected a new csrf token")
	}
	if len(s.Grants) != 0 {
		t.Error("expected grants to be dropped")
	}
	if _, err := store.Get(context.Background(), oldID); !errors.Is(err, ErrNotFound) {
		t.Error("expected old session to be deleted")
	}
	got, err := store.Get(context.Background(), s.ID)
	if err != nil || got.UserID != "user-1" {
		t.Errorf("expected regenerated session stored with identity, got %+v, %v", got, err)
	}
}

func TestManager_Destroy(t *testing.T) {
	e := echo.New()
	store := NewMemoryStore()
	m := newTestManager(store, time.Now())

	c, rec := newContext(e, httptest.NewRequest(http.MethodPost, "/logout", nil))
	s, _ := m.Load(c)
	if err := m.Destroy(c, s); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := store.Get(context.Background(), s.ID); !errors.Is(err, ErrNotFound) {
		t.Error("expected session deleted")
	}

	cookies := rec.Result().Cookies()
	last := cookies[len(cookies)-1]
	if last.Name != CookieName || last.MaxAge >= 0 {
		t.Errorf("expected expiring cookie, got %+v", last)
	}
}

// -- Middleware --

type failingStore struct{}

func (failingStore) Get(context.Context, string) (*Session, error) { return nil, errors.New("down") }
func (failingStore) Save(context.Context, *Session) error        { return errors.New("down") }
func (failingStore) Delete(context.Context, string) error        { return errors.New("down") }

func TestAttach_SetsSession(t *testing.T) {
	e := echo.New()
	m := newTestManager(NewMemoryStore(), time.Now())

	c, _ := newContext(e, httptest.NewRequest(http.MethodGet, "/", nil))
	var seen *Session
	handler := Attach(m)(func(c echo.Context) error {
		seen = FromContext(c)
		return c.NoContent(http.StatusOK)
	})
	if err := handler(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if seen == nil {
		t.Fatal("expected session on context")
	}
}

func TestAttach_StoreFailure(t *testing.T) {
	e := echo.New()
	m := newTestManager(failingStore{}, time.Now())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "abc"})
	c, _ := newContext(e, req)

	err := Attach(m)(func(c echo.Context) error { return nil })(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", err)
	}
}

func TestRequireLogin(t *testing.T) {
	e := echo.New()
	ok := func(c echo.Context) error { return c.NoContent(http.StatusOK) }

	t.Run("anonymous browser is redirected", func(t *testing.T) {
		c, rec := newContext(e, httptest.NewRequest(http.MethodGet, "/patients/7/chart", nil))
		c.Set(contextKey, &Session{ID: "s"})
		if err := RequireLogin()(ok)(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Code != http.StatusSeeOther {
			t.Fatalf("expected 303, got %d", rec.Code)
		}
		if loc := rec.Header().Get("Location"); loc != "/login?return_to=%2Fpatients%2F7%2Fchart" {
			t.Errorf("unexpected Location %q", loc)
		}
	})

	t.Run("anonymous api client gets 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/patients/7/chart", nil)
		req.Header.Set(echo.HeaderAccept, echo.MIMEApplicationJSON)
		c, _ := newContext(e, req)
		err := RequireLogin()(ok)(c)
		he, isHTTP := err.(*echo.HTTPError)
		if !isHTTP || he.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %v", err)
		}
	})

	t.Run("authenticated passes", func(t *testing.T) {
		c, rec := newContext(e, httptest.NewRequest(http.MethodGet, "/", nil))
		c.Set(contextKey, &Session{ID: "s", UserID: "u"})
		if err := RequireLogin()(ok)(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}

// -- Expiry sweeps and lazy persistence --

func TestMemoryStore_SweepsUnreadExpiredSessions(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	store.nowFn = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_ = store.Save(ctx, &Session{ID: strconv.Itoa(i), ExpiresAt: now.Add(time.Hour)})
	}
	_ = store.Save(ctx, &Session{ID: "long-lived", ExpiresAt: now.Add(8 * time.Hour)})

	now = now.Add(30 * time.Second)
	_ = store.Save(ctx, &Session{ID: "fresh", ExpiresAt: now.Add(time.Hour)})
	if len(store.sessions) != 102 {
		t.Fatalf("nothing has expired yet, held %d", len(store.sessions))
	}

	now = now.Add(2 * time.Hour)
	if _, err := store.Get(ctx, "unrelated"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(store.sessions) != 1 {
		t.Fatalf("expected only the long-lived session to remain, held %d", len(store.sessions))
	}
	if _, err := store.Get(ctx, "long-lived"); err != nil {
		t.Errorf("unexpired session swept: %v", err)
	}
}

func TestPGStore_DeletesExpiredRowsPeriodically(t *testing.T) {
	table := &fakeTable{rows: map[string][]byte{}}
	store := NewPGStore(table, newSealer(t), zerolog.Nop())
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	store.nowFn = func() time.Time { return now }
	ctx := context.Background()

	save := func(id string) {
		t.Helper()
		if err := store.Save(ctx, &Session{ID: id, CSRFToken: "t", ExpiresAt: now.Add(time.Hour)}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	save("a")
	save("b")
	if table.sweeps != 1 {
		t.Fatalf("expected one sweep on first save, got %d", table.sweeps)
	}
	now = now.Add(sweepInterval)
	save("c")
	if table.sweeps != 2 {
		t.Fatalf("expected a second sweep after the interval, got %d", table.sweeps)
	}
}

func TestPGStore_SweepFailureDoesNotFailSave(t *testing.T) {
	table := &sweepFailingTable{fakeTable: fakeTable{rows: map[string][]byte{}}}
	store := NewPGStore(table, newSealer(t), zerolog.Nop())

	if err := store.Save(context.Background(), &Session{ID: "a", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok := table.rows["a"]; !ok {
		t.Error("expected the session row written")
	}
}

type sweepFailingTable struct {
	fakeTable
}

func (f *sweepFailingTable) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if strings.Contains(sql, "expires_at <= now()") {
		return pgconn.CommandTag{}, errors.New("statement timeout")
	}
	return f.fakeTable.Exec(ctx, sql, args...)
}

func TestAttach_StoresNewSessionOnlyWhenUsed(t *testing.T) {
	tests := []struct {
		name   string
		status int
		stored bool
	}{
		{name: "login page", status: http.StatusOK, stored: true},
		{name: "redirect to login", status: http.StatusSeeOther, stored: true},
		{name: "csrf rejection", status: http.StatusForbidden, stored: true},
		{name: "unknown path", status: http.StatusNotFound},
		{name: "server error", status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			store := NewMemoryStore()
			m := newTestManager(store, time.Now())

			c, rec := newContext(e, httptest.NewRequest(http.MethodGet, "/login", nil))
			var s *Session
			err := Attach(m)(func(c echo.Context) error {
				s = FromContext(c)
				return c.NoContent(tt.status)
			})(c)
			if err != nil {
				t.Fatalf("handler: %v", err)
			}

			_, getErr := store.Get(context.Background(), s.ID)
			if stored := getErr == nil; stored != tt.stored {
				t.Fatalf("stored = %v, want %v", stored, tt.stored)
			}
			hasCookie := false
			for _, ck := range rec.Result().Cookies() {
				hasCookie = hasCookie || (ck.Name == CookieName && ck.Value == s.ID)
			}
			if hasCookie != tt.stored {
				t.Errorf("cookie set = %v, want %v", hasCookie, tt.stored)
			}
		})
	}
}

func TestAttach_CookielessTrafficLeavesNoSessions(t *testing.T) {
	store := NewMemoryStore()
	m := newTestManager(store, time.Now())

	e := echo.New()
	g := e.Group("", Attach(m))
	g.GET("/login", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{CSRFField: FromContext(c).CSRFToken})
	})

	for i := 0; i < 10000; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scan/"+strconv.Itoa(i), nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	}
	if len(store.sessions) != 0 {
		t.Fatalf("unmatched requests must not store sessions, held %d", len(store.sessions))
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	if rec.Code != http.StatusOK || len(store.sessions) != 1 {
		t.Fatalf("expected the login page to store one session, got %d with %d held", rec.Code, len(store.sessions))
	}
	if sessionCookie(t, rec).Value == "" {
		t.Error("expected a session cookie")
	}
}

func TestSaveAfterLoadIsNotRepeatedOnWrite(t *testing.T) {
	e := echo.New()
	store := &countingStore{MemoryStore: NewMemoryStore()}
	m := newTestManager(store, time.Now())

	c, _ := newContext(e, httptest.NewRequest(http.MethodPost, "/patients/1/verify", nil))
	err := Attach(m)(func(c echo.Context) error {
		if err := m.Save(c, FromContext(c)); err != nil {
			return err
		}
		return c.NoContent(http.StatusSeeOther)
	})(c)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if store.saves != 1 {
		t.Errorf("expected exactly one save, got %d", store.saves)
	}
}

type countingStore struct {
	*MemoryStore
	saves int
}

func (s *countingStore) Save(ctx context.Context, sess *Session) error {
	s.saves++
	return s.MemoryStore.Save(ctx, sess)
}

func TestRequestCSRF(t *testing.T) {
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/logout", strings.NewReader("csrf_token=from-form"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	c, _ := newContext(e, req)
	if got := RequestCSRF(c); got != "from-form" {
		t.Errorf("form token: got %q", got)
	}

	req = httptest.NewRequest(http.MethodPost, "/logout", strings.NewReader("csrf_token=from-form"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.Header.Set(CSRFHeader, "from-header")
	c, _ = newContext(e, req)
	if got := RequestCSRF(c); got != "from-header" {
		t.Errorf("header token should win: got %q", got)
	}
}
