package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-sign/internal/eventstore"
	"github.com/loqalabs/loqa-sign/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSessions struct {
	mu    sync.Mutex
	calls []string
	known map[string]session.State
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{known: make(map[string]session.State)}
}

func (f *fakeSessions) state(id string) (session.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.known[id]
	return st, ok
}

func (f *fakeSessions) set(id string, st session.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known[id] = st
}

func (f *fakeSessions) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSessions) Start(id string) error {
	if id == "bad id" {
		return session.ErrInvalidSession
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.known[id] == session.Terminated {
		return session.ErrTerminated
	}
	f.calls = append(f.calls, "start:"+id)
	f.known[id] = session.AwaitingSpeech
	return nil
}

func (f *fakeSessions) Continue(id string) error { return f.act("continue", id) }

func (f *fakeSessions) Stop(id string) error { return f.act("stop", id) }

func (f *fakeSessions) act(action, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.known[id]; !ok {
		return session.ErrUnknownSession
	}
	f.calls = append(f.calls, action+":"+id)
	return nil
}

func (f *fakeSessions) Snapshot(id string) (session.Snapshot, error) {
	st, ok := f.state(id)
	if !ok {
		return session.Snapshot{}, session.ErrUnknownSession
	}
	return session.Snapshot{SessionID: id, State: st}, nil
}

func (f *fakeSessions) Sessions() []session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []session.Snapshot
	for id, st := range f.known {
		out = append(out, session.Snapshot{SessionID: id, State: st})
	}
	return out
}

func (f *fakeSessions) Exclusive(fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.known {
		if st != session.Terminated {
			return session.ErrSessionsActive
		}
	}
	return fn()
}

type fakeInventory struct {
	refreshes atomic.Int32
	fail      atomic.Bool
}

func (f *fakeInventory) Refresh(context.Context) error {
	f.refreshes.Add(1)
	if f.fail.Load() {
		return errors.New("disk gone")
	}
	return nil
}

func (f *fakeInventory) Size() (int, int) { return 3, 12 }

type fakeJournal struct{}

func (fakeJournal) ListSessionEvents(_ context.Context, id string, limit int) ([]eventstore.Event, error) {
	if id != "s1" {
		return nil, nil
	}
	return []eventstore.Event{{ID: 1, SessionID: "s1", Sequence: 1, Type: "listening", CreatedAt: time.Unix(0, 0)}}, nil
}

func (fakeJournal) MissingWords(_ context.Context, limit int) ([]eventstore.MissingWord, error) {
	words := []eventstore.MissingWord{{Word: "zaman", Occurrences: 3}, {Word: "yarın", Occurrences: 1}}
	if limit < len(words) {
		words = words[:limit]
	}
	return words, nil
}

func newTestServer(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(deps, newLogger()))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestStartReturnsStatusTrue(t *testing.T) {
	sessions := newFakeSessions()
	srv := newTestServer(t, Deps{Sessions: sessions})

	resp := post(t, srv.URL+"/api/sessions/s1/start")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]bool
	decode(t, resp, &body)
	if !body["status"] {
		t.Fatalf("expected status true, got %v", body)
	}
	if calls := sessions.Calls(); len(calls) != 1 || calls[0] != "start:s1" {
		t.Fatalf("unexpected calls %v", calls)
	}
}

func TestCreateSessionAssignsID(t *testing.T) {
	sessions := newFakeSessions()
	srv := newTestServer(t, Deps{Sessions: sessions})

	resp := post(t, srv.URL+"/api/sessions")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var body struct {
		SessionID string `json:"session_id"`
		Status    bool   `json:"status"`
	}
	decode(t, resp, &body)
	if body.SessionID == "" || !body.Status {
		t.Fatalf("unexpected body %+v", body)
	}
	if _, ok := sessions.state(body.SessionID); !ok {
		t.Fatalf("session %s was not started", body.SessionID)
	}
}

func TestSessionErrorsMapToStatus(t *testing.T) {
	sessions := newFakeSessions()
	srv := newTestServer(t, Deps{Sessions: sessions})

	if resp := post(t, srv.URL+"/api/sessions/missing/continue"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("continue unknown: expected 404, got %d", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/api/sessions/missing/stop"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stop unknown: expected 404, got %d", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/api/sessions/bad%20id/start"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid id: expected 400, got %d", resp.StatusCode)
	}
	sessions.set("done", session.Terminated)
	if resp := post(t, srv.URL+"/api/sessions/done/start"); resp.StatusCode != http.StatusConflict {
		t.Fatalf("terminated: expected 409, got %d", resp.StatusCode)
	}
}

func TestGetSessionSnapshot(t *testing.T) {
	sessions := newFakeSessions()
	srv := newTestServer(t, Deps{Sessions: sessions})
	post(t, srv.URL+"/api/sessions/s1/start")

	resp := get(t, srv.URL+"/api/sessions/s1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var snap session.Snapshot
	decode(t, resp, &snap)
	if snap.SessionID != "s1" || snap.State != session.AwaitingSpeech {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if resp := get(t, srv.URL+"/api/sessions/other"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestInventoryRefresh(t *testing.T) {
	inv := &fakeInventory{}
	srv := newTestServer(t, Deps{Sessions: newFakeSessions(), Inventory: inv})

	resp := post(t, srv.URL+"/api/inventory/refresh")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]int
	decode(t, resp, &body)
	if body["buckets"] != 3 || body["stems"] != 12 || inv.refreshes.Load() != 1 {
		t.Fatalf("unexpected refresh result %v (%d refreshes)", body, inv.refreshes.Load())
	}

	inv.fail.Store(true)
	if resp := post(t, srv.URL+"/api/inventory/refresh"); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestInventoryRefreshRefusedDuringSessions(t *testing.T) {
	inv := &fakeInventory{}
	sessions := newFakeSessions()
	srv := newTestServer(t, Deps{Sessions: sessions, Inventory: inv})

	sessions.set("s1", session.AwaitingContinuation)
	resp := post(t, srv.URL+"/api/inventory/refresh")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if inv.refreshes.Load() != 0 {
		t.Fatal("inventory must not be rescanned under a live session")
	}

	sessions.set("s1", session.Terminated)
	if resp := post(t, srv.URL+"/api/inventory/refresh"); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 once sessions ended, got %d", resp.StatusCode)
	}
	if inv.refreshes.Load() != 1 {
		t.Fatalf("expected one refresh, got %d", inv.refreshes.Load())
	}
}

func TestJournalRoutes(t *testing.T) {
	srv := newTestServer(t, Deps{Sessions: newFakeSessions(), Journal: fakeJournal{}})

	var words []eventstore.MissingWord
	decode(t, get(t, srv.URL+"/api/inventory/missing?limit=1"), &words)
	if len(words) != 1 || words[0].Word != "zaman" {
		t.Fatalf("unexpected missing words %+v", words)
	}

	var events []eventstore.Event
	decode(t, get(t, srv.URL+"/api/sessions/s1/events"), &events)
	if len(events) != 1 || events[0].Type != "listening" {
		t.Fatalf("unexpected events %+v", events)
	}

	resp := get(t, srv.URL+"/api/sessions/nobody/events")
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("expected empty list, got %q", body)
	}
}

func TestServesStagedClips(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "s1"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "s1", "merhaba.gif"), []byte("GIF89a"), 0o644); err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, Deps{Sessions: newFakeSessions(), ClipsDir: dir, ClipsURL: "/clips"})

	resp := get(t, srv.URL+"/clips/s1/merhaba.gif")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "GIF89a" {
		t.Fatalf("unexpected clip body %q", body)
	}
	if resp := get(t, srv.URL+"/clips/s1/ev.gif"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unstaged clip, got %d", resp.StatusCode)
	}
	for _, path := range []string{"/clips/", "/clips/s1/", "/clips/s1"} {
		resp := get(t, srv.URL+path)
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, resp.StatusCode)
		}
		if strings.Contains(string(body), "merhaba.gif") {
			t.Fatalf("%s: directory listing leaked %q", path, body)
		}
	}
}

func TestReadiness(t *testing.T) {
	var ready atomic.Bool
	srv := newTestServer(t, Deps{Sessions: newFakeSessions(), Ready: ready.Load})

	if resp := get(t, srv.URL+"/healthz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", resp.StatusCode)
	}
	if resp := get(t, srv.URL+"/readyz"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz: expected 503, got %d", resp.StatusCode)
	}
	ready.Store(true)
	if resp := get(t, srv.URL+"/readyz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", resp.StatusCode)
	}
}
