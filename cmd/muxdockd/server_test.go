package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/g960059/muxdock/internal/config"
	"github.com/g960059/muxdock/internal/model"
	"github.com/g960059/muxdock/internal/mux"
	"github.com/g960059/muxdock/internal/recovery"
	"github.com/g960059/muxdock/internal/registry"
	"github.com/g960059/muxdock/internal/secret"
	"github.com/g960059/muxdock/internal/store"
)

func newTestServer(t *testing.T, muxEnabled bool) *server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.MuxEnabled = muxEnabled
	cfg.MuxBinary = "tmux-that-does-not-exist"
	cfg.CommandTimeout = time.Second
	cfg.RetryBackoff = nil

	entityStore, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "entities.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = entityStore.Close() })

	muxMgr := mux.NewManager(cfg, mux.NewExecutor(cfg))
	reg := registry.New(cfg, muxMgr, entityStore, secret.NewStaticResolver(nil))
	srv := newServer(cfg, reg, entityStore)
	srv.setScanner(recovery.NewScanner(cfg, muxMgr, entityStore, reg.OpenEntityIDs, nil))
	return srv
}

func doRequest(srv *server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, false)
	rec := doRequest(srv, http.MethodGet, "/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["status"]; got != "ok" {
		t.Fatalf("status body = %v", got)
	}
	if rec := doRequest(srv, http.MethodPost, "/v1/health", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST health = %d", rec.Code)
	}
}

func TestSessionsEndpointEmpty(t *testing.T) {
	srv := newTestServer(t, false)
	rec := doRequest(srv, http.MethodGet, "/v1/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	sessions, ok := body["sessions"].([]any)
	if !ok || len(sessions) != 0 {
		t.Fatalf("expected empty session list, got %v", body)
	}
}

func TestOpenUnknownEntity(t *testing.T) {
	srv := newTestServer(t, false)
	rec := doRequest(srv, http.MethodPost, "/v1/sessions/open", `{"entity_id":"missing"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["error"]; got != model.ErrEntityNotFound {
		t.Fatalf("error code = %v", got)
	}
}

func TestOpenRejectsBadRequest(t *testing.T) {
	srv := newTestServer(t, false)
	if rec := doRequest(srv, http.MethodPost, "/v1/sessions/open", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing entity_id = %d", rec.Code)
	}
	if rec := doRequest(srv, http.MethodGet, "/v1/sessions/open", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET open = %d", rec.Code)
	}
}

func TestCloseAndRestartWithoutSession(t *testing.T) {
	srv := newTestServer(t, false)
	rec := doRequest(srv, http.MethodPost, "/v1/sessions/close", `{"entity_id":"nobody"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("close status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != model.ErrSessionNotFound {
		t.Fatalf("close error code = %v", got)
	}
	rec = doRequest(srv, http.MethodPost, "/v1/sessions/restart", `{"entity_id":"nobody"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("restart status = %d", rec.Code)
	}
}

func TestRecoveryViewListsMatchesAndOrphans(t *testing.T) {
	srv := newTestServer(t, false)
	_ = srv.recordRecovered(context.Background(),
		model.Entity{ID: "ent-1", Title: "box"},
		model.BackgroundSession{Name: "muxdock-ent-1"})
	srv.setOrphans([]model.BackgroundSession{{Name: "muxdock-orphan"}})

	rec := doRequest(srv, http.MethodGet, "/v1/recovery", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	recovered := body["recovered"].([]any)
	if len(recovered) != 1 {
		t.Fatalf("recovered = %v", recovered)
	}
	orphans := body["orphans"].([]any)
	if len(orphans) != 1 || orphans[0] != "muxdock-orphan" {
		t.Fatalf("orphans = %v", orphans)
	}
}

func TestResolveRequiresMultiplexer(t *testing.T) {
	srv := newTestServer(t, false)
	srv.setOrphans([]model.BackgroundSession{{Name: "muxdock-orphan"}})
	rec := doRequest(srv, http.MethodPost, "/v1/recovery/resolve", `{"session_name":"muxdock-orphan"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != model.ErrMuxUnavailable {
		t.Fatalf("error code = %v", got)
	}
}

func TestConcurrentResolvesKeepOrphanListConsistent(t *testing.T) {
	srv := newTestServer(t, true)
	srv.setOrphans([]model.BackgroundSession{
		{Name: "muxdock-aaaa0001"},
		{Name: "muxdock-bbbb0002"},
		{Name: "muxdock-cccc0003"},
	})

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i, name := range []string{"muxdock-aaaa0001", "muxdock-bbbb0002"} {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			rec := doRequest(srv, http.MethodPost, "/v1/recovery/resolve",
				`{"session_name":"`+name+`"}`)
			codes[i] = rec.Code
		}(i, name)
	}
	wg.Wait()
	for i, code := range codes {
		if code != http.StatusOK {
			t.Fatalf("resolve %d status = %d", i, code)
		}
	}

	rec := doRequest(srv, http.MethodGet, "/v1/recovery", "")
	body := decodeBody(t, rec)
	orphans := body["orphans"].([]any)
	if len(orphans) != 1 || orphans[0] != "muxdock-cccc0003" {
		t.Fatalf("orphans after concurrent resolves = %v", orphans)
	}
}

func TestResolveUnknownOrphan(t *testing.T) {
	srv := newTestServer(t, true)
	rec := doRequest(srv, http.MethodPost, "/v1/recovery/resolve", `{"session_name":"muxdock-nope"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != model.ErrSessionNotFound {
		t.Fatalf("error code = %v", got)
	}
}
