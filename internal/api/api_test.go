package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gitea-mirror/syncd/internal/scheduler"
	"github.com/gitea-mirror/syncd/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu       sync.Mutex
	mirrors  map[string]*store.Mirror
	history  []*store.SyncAttempt
	deleted  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{mirrors: map[string]*store.Mirror{}}
}

func (s *fakeStore) UpsertMirror(ctx context.Context, m *store.Mirror) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirrors[m.ID] = m
	return nil
}

func (s *fakeStore) GetMirror(ctx context.Context, id string) (*store.Mirror, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mirrors[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (s *fakeStore) ListMirrors(ctx context.Context, filter store.ListFilter) ([]*store.Mirror, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Mirror
	for _, m := range s.mirrors {
		out = append(out, m)
	}
	return out, nil
}

func (s *fakeStore) DeleteMirror(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mirrors[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.mirrors, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeStore) RecentHistory(ctx context.Context, mirrorID string, limit int) ([]*store.SyncAttempt, error) {
	return s.history, nil
}

type fakeTrigger struct {
	result     scheduler.TriggerResult
	woke       int
	cancelled  string
	cancelHit  bool
}

func (f *fakeTrigger) TriggerManual(mirrorID string) scheduler.TriggerResult { return f.result }
func (f *fakeTrigger) TriggerAll(ctx context.Context) error                 { return nil }
func (f *fakeTrigger) Cancel(mirrorID string) bool {
	f.cancelled = mirrorID
	return f.cancelHit
}
func (f *fakeTrigger) Wake() { f.woke++ }

type fakeClones struct{ removed []string }

func (f *fakeClones) Remove(mirrorID string) error {
	f.removed = append(f.removed, mirrorID)
	return nil
}

func newTestServer() (*httptest.Server, *fakeStore, *fakeTrigger, *fakeClones) {
	st := newFakeStore()
	trig := &fakeTrigger{result: scheduler.Accepted}
	clones := &fakeClones{}
	s := New(st, trig, clones, nil, discardLogger())
	return httptest.NewServer(s.Handler()), st, trig, clones
}

func TestCreateAndGetMirror(t *testing.T) {
	ts, _, trig, _ := newTestServer()
	defer ts.Close()

	body := `{"upstream_url":"https://github.com/acme/repo.git","downstream_name":"repo"}`
	resp, err := http.Post(ts.URL+"/mirrors", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if trig.woke != 1 {
		t.Fatalf("expected scheduler wake on create, got %d", trig.woke)
	}

	var created store.Mirror
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	getResp, err := http.Get(ts.URL + "/mirrors/" + created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}
}

func TestCreateMirrorRejectsMissingFields(t *testing.T) {
	ts, _, _, _ := newTestServer()
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/mirrors", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestGetMirrorNotFound(t *testing.T) {
	ts, _, _, _ := newTestServer()
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/mirrors/does-not-exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSyncMirrorAlreadyRunningMapsToConflict(t *testing.T) {
	st := newFakeStore()
	st.mirrors["m1"] = &store.Mirror{ID: "m1", DownstreamName: "repo"}
	trig := &fakeTrigger{result: scheduler.AlreadyRunning}
	clones := &fakeClones{}
	s := New(st, trig, clones, nil, discardLogger())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/mirrors/m1/sync", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestDeleteMirrorRemovesClone(t *testing.T) {
	st := newFakeStore()
	st.mirrors["m1"] = &store.Mirror{ID: "m1", DownstreamName: "repo"}
	trig := &fakeTrigger{result: scheduler.Accepted}
	clones := &fakeClones{}
	s := New(st, trig, clones, nil, discardLogger())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/mirrors/m1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if len(clones.removed) != 1 || clones.removed[0] != "m1" {
		t.Fatalf("expected clone dir removed for m1, got %v", clones.removed)
	}
}

func TestCancelAttemptRequiresMirrorID(t *testing.T) {
	ts, _, _, _ := newTestServer()
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/attempts/a1/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
