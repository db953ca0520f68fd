package sessionws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// MockStore avoids needing a database for tests that only exercise the
// Manager's cookie and validation logic.
type MockStore struct{}

func (m *MockStore) Get(ctx context.Context, id string) (*Session, error) { return nil, nil }
func (m *MockStore) Save(ctx context.Context, s *Session) error           { return nil }
func (m *MockStore) Delete(ctx context.Context, id string) error          { return nil }
func (m *MockStore) Cleanup(ctx context.Context) error                    { return nil }
func (m *MockStore) Close() error                                         { return nil }

func newSQLiteManager(t *testing.T) *Manager {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	mgr := NewManager(Config{Store: store, TTL: time.Hour})
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestManager(t *testing.T) {
	mgr := newSQLiteManager(t)

	// New and Save
	s := mgr.New()
	s.Set("user", "mordicus")

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)

	if err := mgr.Save(w, r, s); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if s.Changed() {
		t.Error("session still marked changed after save")
	}

	// Verify cookie
	var sessionCookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "session_id" {
			sessionCookie = c
			break
		}
	}
	if sessionCookie == nil {
		t.Fatal("session cookie not found")
	}

	// Get with cookie
	r2 := httptest.NewRequest("GET", "/", nil)
	r2.AddCookie(sessionCookie)

	s2, err := mgr.Get(r2)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if s2.ID != s.ID {
		t.Errorf("ID mismatch: %s != %s", s2.ID, s.ID)
	}
	if v, _ := s2.Get("user"); v != "mordicus" {
		t.Errorf("value mismatch: %v", v)
	}

	// Destroy
	w3 := httptest.NewRecorder()
	if err := mgr.Destroy(w3, r2, s2); err != nil {
		t.Fatalf("failed to destroy: %v", err)
	}

	found := false
	for _, c := range w3.Result().Cookies() {
		if c.Name == "session_id" && c.MaxAge < 0 {
			found = true
			break
		}
	}
	if !found {
		t.Error("session cookie removal not found in response")
	}
}

func TestManager_Regenerate(t *testing.T) {
	mgr := newSQLiteManager(t)

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()

	session := mgr.New()
	session.Set("user_id", "123")
	if err := mgr.Save(w, req, session); err != nil {
		t.Fatalf("failed to save session: %v", err)
	}
	oldID := session.ID

	if err := mgr.Regenerate(w, req, session); err != nil {
		t.Fatalf("failed to regenerate session: %v", err)
	}

	if session.ID == oldID {
		t.Error("expected new session ID, got same ID")
	}
	if val, ok := session.Get("user_id"); !ok || val != "123" {
		t.Errorf("expected user_id=123, got %v", val)
	}

	// Old session is gone, new one is persisted.
	oldSess, err := mgr.store.Get(context.Background(), oldID)
	if err != nil {
		t.Fatalf("failed to check old session: %v", err)
	}
	if oldSess != nil {
		t.Error("old session still exists")
	}
	newSess, err := mgr.store.Get(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("failed to check new session: %v", err)
	}
	if newSess == nil {
		t.Error("new session not found in store")
	}
}

// TestManager_SessionContextCache verifies that Session returns the
// instance Attach pinned to the request, which is what makes EnsureID
// idempotent within one request.
func TestManager_SessionContextCache(t *testing.T) {
	mgr := NewManager(Config{Store: &MockStore{}})
	defer mgr.Close()

	s := mgr.New()
	r := httptest.NewRequest("GET", "/", nil)
	r = mgr.Attach(r, s)

	got, err := mgr.Session(r)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if got != s {
		t.Fatal("Session did not return the attached instance")
	}

	// Without Attach, Session falls back to loading a fresh session.
	other, err := mgr.Session(httptest.NewRequest("GET", "/", nil))
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if other == s {
		t.Fatal("unattached request returned the cached session")
	}
}

func TestSecurityDefaults(t *testing.T) {
	store := &MockStore{}

	t.Run("defaults", func(t *testing.T) {
		mgr := NewManager(Config{Store: store})
		defer mgr.Close()

		w := httptest.NewRecorder()
		r := httptest.NewRequest("GET", "/", nil)

		if err := mgr.Save(w, r, mgr.New()); err != nil {
			t.Fatalf("save failed: %v", err)
		}

		cookies := w.Result().Cookies()
		if len(cookies) == 0 {
			t.Fatal("no cookie set")
		}
		c := cookies[0]
		if !c.HttpOnly {
			t.Error("HttpOnly should be true by default")
		}
		if c.SameSite != http.SameSiteLaxMode {
			t.Errorf("SameSite should be Lax by default, got %v", c.SameSite)
		}
		if c.Secure {
			t.Error("Secure should be false for non-TLS request by default")
		}
	})

	t.Run("SameSite=None forces Secure", func(t *testing.T) {
		mgr := NewManager(Config{Store: store, SameSite: http.SameSiteNoneMode})
		defer mgr.Close()

		w := httptest.NewRecorder()
		r := httptest.NewRequest("GET", "/", nil)

		if err := mgr.Save(w, r, mgr.New()); err != nil {
			t.Fatalf("save failed: %v", err)
		}

		c := w.Result().Cookies()[0]
		if !c.Secure {
			t.Error("SameSite=None must force Secure=true")
		}
	})
}

func TestIsValidID(t *testing.T) {
	valid := "0123456789abcdef0123456789abcdef"
	if !isValidID(valid) {
		t.Error("expected valid id to pass")
	}
	for _, id := range []string{
		"",
		"short",
		"0123456789ABCDEF0123456789ABCDEF", // uppercase not allowed
		"0123456789abcdef0123456789abcdeg", // non-hex
		valid + "00",                       // too long
	} {
		if isValidID(id) {
			t.Errorf("expected %q to be rejected", id)
		}
	}
}

func TestManager_GetRejectsInvalidCookie(t *testing.T) {
	mgr := NewManager(Config{Store: &MockStore{}})
	defer mgr.Close()

	r := httptest.NewRequest("GET", "/", nil)
	r.AddCookie(&http.Cookie{Name: "session_id", Value: "../../etc/passwd"})

	s, err := mgr.Get(r)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// An invalid cookie yields a fresh session, never a store lookup with
	// a hostile key.
	if !isValidID(s.ID) {
		t.Errorf("expected a fresh session with a valid id, got %q", s.ID)
	}
}

// TestRaceCondition is a regression test for the race between Manager.Save
// (which encodes s.Values) and Session.Set; run with -race.
func TestRaceCondition(t *testing.T) {
	mgr := NewManager(Config{
		Store:           &MockStore{},
		TTL:             time.Hour,
		MaxSessionBytes: 1024, // Enables the size check that encodes in Manager.Save
	})
	defer mgr.Close()

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()

	session := mgr.New()

	var wg sync.WaitGroup
	start := make(chan struct{})
	duration := 200 * time.Millisecond

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		end := time.Now().Add(duration)
		for i := 0; time.Now().Before(end); i++ {
			session.Set("key", i)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		end := time.Now().Add(duration)
		for time.Now().Before(end) {
			_ = mgr.Save(w, req, session)
		}
	}()

	close(start)
	wg.Wait()
}
